package pagegate

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sessionOutboxSize = 16

// Session is one open page instance under the gateway's control. Outbound
// messages ride a buffered channel; sends never block the sender.
type Session struct {
	ID string

	mu         sync.Mutex
	controlled bool
	outbox     chan Outbound
}

// Send queues an outbound message best-effort; it reports false when the
// session's outbox is full and the message was dropped.
func (s *Session) Send(msg Outbound) bool {
	select {
	case s.outbox <- msg:
		return true
	default:
		return false
	}
}

// Outbox exposes the session's outbound messages for streaming.
func (s *Session) Outbox() <-chan Outbound {
	return s.outbox
}

// Controlled reports whether this session has been claimed by the current
// generation.
func (s *Session) Controlled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlled
}

func (s *Session) claim() {
	s.mu.Lock()
	s.controlled = true
	s.mu.Unlock()
}

// Hub tracks open page sessions.
type Hub struct {
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Register adds a session under id, minting an identifier when the page did
// not supply one. Re-registering an id replaces the prior session.
func (h *Hub) Register(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	sess := &Session{
		ID:     id,
		outbox: make(chan Outbound, sessionOutboxSize),
	}
	h.mu.Lock()
	h.sessions[id] = sess
	h.mu.Unlock()
	h.log.Debug("session registered", zap.String("tab", id))
	return sess
}

// Unregister drops a session. Its outbox is left open; stream readers exit
// on their own context instead.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Get returns the session registered under id.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sess, ok := h.sessions[id]
	return sess, ok
}

// Len returns the number of open sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ClaimAll takes control of every currently uncontrolled session and
// returns how many were claimed.
func (h *Hub) ClaimAll() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	claimed := 0
	for _, sess := range h.sessions {
		if !sess.Controlled() {
			sess.claim()
			claimed++
		}
	}
	return claimed
}

// Broadcast queues msg on every open session best-effort and returns how
// many sessions accepted it.
func (h *Hub) Broadcast(msg Outbound) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, sess := range h.sessions {
		if sess.Send(msg) {
			delivered++
			continue
		}
		h.log.Warn("session outbox full, dropping broadcast", zap.String("tab", sess.ID))
	}
	return delivered
}
