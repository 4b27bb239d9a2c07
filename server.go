package callrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codewandler/callrelay-go/downstream"
	"github.com/codewandler/callrelay-go/store"
)

const healthTimeout = 2 * time.Second

// Server accepts media stream connections and runs one Session per call.
type Server struct {
	store  store.Store
	opts   []Option
	config *config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewServer(st store.Store, opts ...Option) *Server {
	c := newConfig(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:    st,
		opts:     opts,
		config:   c,
		logger:   c.logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Handler routes /media-stream/{session_id} and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /media-stream", s.ServeMediaStream)
	mux.HandleFunc("GET /media-stream/{session_id}", s.ServeMediaStream)
	mux.HandleFunc("GET /healthz", s.ServeHealth)
	return mux
}

func (s *Server) ServeMediaStream(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveSession(r.Context(), r.PathValue("session_id"))
	if err != nil {
		s.logger.Error("failed to create session", slog.Any("err", err))
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	logger := s.logger.With(slog.String("session_id", id))

	conn, err := downstream.Accept(w, r,
		downstream.WithLogger(logger),
		downstream.WithBufferDuration(s.config.outboundBuffer),
	)
	if err != nil {
		logger.Warn("media stream upgrade failed", slog.Any("err", err))
		return
	}

	sess := NewSession(id, conn, s.store, WithOptions(s.opts...), WithRegistry(s.config.registry))
	if !s.track(sess) {
		_ = conn.Close()
		return
	}
	defer s.untrack(sess)

	if err := sess.Run(s.ctx); err != nil {
		logger.Warn("call ended with error", slog.Any("err", err))
	}
}

// resolveSession returns the id of a known session or creates a new one.
func (s *Server) resolveSession(ctx context.Context, id string) (string, error) {
	if id != "" {
		_, err := s.store.LoadAgentConfig(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		s.logger.Info("unknown session, starting a new one", slog.String("requested", id))
	}
	return s.store.CreateSession(ctx, store.CallSession{ID: store.NewSessionID()})
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	s.wg.Done()
}

// Sessions returns the number of running calls.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown ends all calls and waits for them to be persisted or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type healthStatus struct {
	Store       string `json:"store"`
	Credentials string `json:"credentials"`
	Sessions    int    `json:"sessions"`
}

// ServeHealth answers 200 when the store is reachable and voice API
// credentials are configured.
func (s *Server) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := healthStatus{Store: "ok", Credentials: "ok", Sessions: s.Sessions()}
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	if !s.config.credentials() {
		status.Credentials = "missing"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
