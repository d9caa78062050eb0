package pagegate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// stateKeyPrefix namespaces preserved-state keys. Request keys always start
// with the method ("GET "), so the two key families cannot collide even
// inside the same partition.
const stateKeyPrefix = "state:"

// Mailbox accepts state-preservation messages from page sessions, validates
// them, and writes them into the state partition keyed by normalized path.
type Mailbox struct {
	cfg     Config
	store   *Store
	log     *zap.Logger
	metrics *metrics

	now func() time.Time
}

func NewMailbox(cfg Config, store *Store, log *zap.Logger, m *metrics) *Mailbox {
	return &Mailbox{
		cfg:     cfg,
		store:   store,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// HandleMessage dispatches one inbound control message. The returned
// outbound is nil when the message produces no reply; malformed messages
// are dropped without error.
func (m *Mailbox) HandleMessage(ctx context.Context, msg Message, sess *Session) *Outbound {
	switch msg.Type {
	case MsgPreserveState:
		return m.preserveState(msg, sess)
	case MsgTabFocused, MsgTabBlurred:
		// Accepted, reserved for future use.
		m.metrics.messages.WithLabelValues(msg.Type, "ok").Inc()
		return nil
	default:
		m.metrics.messages.WithLabelValues("unknown", "dropped").Inc()
		m.log.Debug("ignoring message", zap.String("type", msg.Type))
		return nil
	}
}

func (m *Mailbox) preserveState(msg Message, sess *Session) *Outbound {
	rawURL, _ := msg.State["url"].(string)
	if strings.TrimSpace(rawURL) == "" {
		m.metrics.messages.WithLabelValues(MsgPreserveState, "invalid").Inc()
		m.log.Warn("dropping state preservation without url", zap.String("tab", msg.TabID))
		return nil
	}

	key, err := StatePreservationKey(rawURL)
	if err != nil {
		m.metrics.messages.WithLabelValues(MsgPreserveState, "invalid").Inc()
		m.log.Warn("dropping state preservation with bad url",
			zap.String("tab", msg.TabID), zap.Error(err))
		return nil
	}

	rec := PreservedState{
		State:       msg.State,
		PreservedBy: msg.TabID,
		Timestamp:   m.now().UnixMilli(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		m.metrics.messages.WithLabelValues(MsgPreserveState, "error").Inc()
		m.log.Error("encode preserved state", zap.String("tab", msg.TabID), zap.Error(err))
		return nil
	}
	if err := m.store.PutRaw(m.cfg.StatePartition(), key, b); err != nil {
		// The sender treats silence as failure.
		m.metrics.messages.WithLabelValues(MsgPreserveState, "error").Inc()
		m.log.Error("preserve state write failed",
			zap.String("tab", msg.TabID), zap.String("key", key), zap.Error(err))
		return nil
	}

	m.metrics.messages.WithLabelValues(MsgPreserveState, "ok").Inc()
	ack := &Outbound{Type: MsgStatePreserved, TabID: msg.TabID, Timestamp: rec.Timestamp}
	if sess != nil {
		sess.Send(*ack)
	}
	return ack
}

// LoadState returns the preserved record for a URL's path and whether it
// has outlived the advisory staleness budget. Staleness is not enforced
// here; readers decide what to do with a stale record.
func (m *Mailbox) LoadState(rawURL string) (*PreservedState, bool, error) {
	key, err := StatePreservationKey(rawURL)
	if err != nil {
		return nil, false, err
	}
	b, err := m.store.GetRaw(m.cfg.StatePartition(), key)
	if err != nil {
		return nil, false, err
	}
	var rec PreservedState
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("decode preserved state %s: %w", key, err)
	}
	age := m.now().Sub(time.UnixMilli(rec.Timestamp))
	return &rec, age > m.cfg.StateStaleness(), nil
}

// StatePreservationKey derives the storage key for a preserved-state record
// from the URL's path component. Records for the same path overwrite each
// other regardless of query or fragment.
func StatePreservationKey(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return stateKeyPrefix + p, nil
}
