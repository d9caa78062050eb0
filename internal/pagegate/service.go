package pagegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// controlPrefix reserves a path namespace for the gateway's own endpoints;
// everything else is intercepted application traffic.
const controlPrefix = "/_pagegate/"

const resultHeader = "X-Pagegate"

// Service wires the interception point, the state mailbox, the session hub,
// and the lifecycle controller over one store.
type Service struct {
	cfg        Config
	log        *zap.Logger
	store      *Store
	hub        *Hub
	strategies *Strategies
	mailbox    *Mailbox
	lifecycle  *Lifecycle
	registry   *prometheus.Registry
	client     *http.Client
}

func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	store, err := OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := newMetrics(registry)

	client := &http.Client{}
	fetch := newHTTPFetcher(client)
	hub := NewHub(log)

	return &Service{
		cfg:        cfg,
		log:        log,
		store:      store,
		hub:        hub,
		strategies: NewStrategies(cfg, store, fetch, NewClassifier(cfg), log, m),
		mailbox:    NewMailbox(cfg, store, log, m),
		lifecycle:  NewLifecycle(cfg, store, fetch, hub, log),
		registry:   registry,
		client:     client,
	}, nil
}

// Install primes the content partition; it must succeed before Activate.
func (s *Service) Install(ctx context.Context) error {
	return s.lifecycle.Install(ctx)
}

// Activate rotates the cache generation and takes over open sessions.
func (s *Service) Activate(ctx context.Context) error {
	return s.lifecycle.Activate(ctx)
}

// Close waits for in-flight revalidations and releases the store.
func (s *Service) Close() {
	s.strategies.Wait()
	_ = s.store.Close()
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(controlPrefix+"message", s.handleMessage)
	mux.HandleFunc(controlPrefix+"events", s.handleEvents)
	mux.HandleFunc(controlPrefix+"state", s.handleState)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleIntercept)
	return mux
}

func (s *Service) handleIntercept(w http.ResponseWriter, r *http.Request) {
	desc := s.describe(r)
	if !Interceptable(desc) {
		s.passThrough(w, r)
		return
	}

	snap, result, err := s.strategies.Handle(r.Context(), desc)
	if err != nil {
		s.log.Debug("request failed", zap.String("url", desc.URL), zap.Error(err))
		w.Header().Set(resultHeader, "failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeSnapshot(w, snap, result)
}

// describe builds the request descriptor the classifier and strategies key
// on. The destination comes from the Sec-Fetch-Dest header the page's
// requests carry.
func (s *Service) describe(r *http.Request) RequestDescriptor {
	u := r.URL.String()
	if !r.URL.IsAbs() {
		u = s.cfg.Server.Origin + r.URL.RequestURI()
	}
	return RequestDescriptor{
		Method:      r.Method,
		URL:         u,
		Destination: r.Header.Get("Sec-Fetch-Dest"),
	}
}

// passThrough forwards a request untouched: no classification, no store.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	u := r.URL.String()
	if !r.URL.IsAbs() {
		u = s.cfg.Server.Origin + r.URL.RequestURI()
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u, r.Body)
	if err != nil {
		w.Header().Set(resultHeader, "pass")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		w.Header().Set(resultHeader, "pass")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(resultHeader, "pass")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		// Malformed messages are dropped silently, same as unknown types.
		s.log.Debug("ignoring undecodable message", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var sess *Session
	if msg.TabID != "" {
		sess, _ = s.hub.Get(msg.TabID)
	}
	ack := s.mailbox.HandleMessage(r.Context(), msg, sess)
	if ack == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ack)
}

// handleEvents registers a page session and streams its outbox as
// server-sent events: mailbox acknowledgments and activation broadcasts.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := s.hub.Register(r.URL.Query().Get("tab"))
	defer s.hub.Unregister(sess.ID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Pagegate-Tab", sess.ID)
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-sess.Outbox():
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, b)
			fl.Flush()
		}
	}
}

// handleState reads back a preserved-state record. The staleness flag is
// advisory; the record is returned either way.
func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if strings.TrimSpace(rawURL) == "" {
		http.Error(w, "url required", http.StatusBadRequest)
		return
	}
	rec, stale, err := s.mailbox.LoadState(rawURL)
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Warn("state read failed", zap.String("url", rawURL), zap.Error(err))
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		PreservedState
		Stale bool `json:"stale"`
	}{*rec, stale})
}

func writeSnapshot(w http.ResponseWriter, snap ResponseSnapshot, result string) {
	for k, vs := range snap.Header {
		if strings.EqualFold(k, resultHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(resultHeader, result)
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
