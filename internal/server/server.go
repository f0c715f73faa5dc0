package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/livetemplate/demoit"
	"github.com/livetemplate/demoit/internal/bootstrap"
	"github.com/livetemplate/demoit/internal/remote"
)

// Server is the editor server: it exposes one session to editor clients
// over a WebSocket and a small read-only HTTP API.
type Server struct {
	session *demoit.Session
	hub     *Hub
	ws      *WebSocketHandler
	baseDir string
	debug   bool
	mux     *http.ServeMux

	stopBroadcast func()
	watcher       *Watcher
	store         StoreHealth
}

// StoreHealth is implemented by demo store clients that report whether
// they are sending requests.
type StoreHealth interface {
	BreakerState() remote.BreakerState
}

// New creates a server for session. hub must be the one the session's
// cleanup and persist hooks report to.
func New(session *demoit.Session, hub *Hub, baseDir string, debug bool) *Server {
	s := &Server{
		session: session,
		hub:     hub,
		ws:      NewWebSocketHandler(session, hub, debug),
		baseDir: baseDir,
		debug:   debug,
		mux:     http.NewServeMux(),
	}
	s.stopBroadcast = s.ws.Watch()

	s.mux.Handle("GET /ws", s.ws)
	s.mux.HandleFunc("GET /api/state", s.serveState)
	s.mux.HandleFunc("GET /api/demos", s.serveDemos)
	s.mux.HandleFunc("GET /healthz", s.serveHealth)
	return s
}

// ReportStore adds the state of the demo store client to /healthz.
// It must be called before the server starts serving.
func (s *Server) ReportStore(store StoreHealth) {
	s.store = store
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{"status": "ok"}
	if s.store != nil {
		health["store"] = s.store.BreakerState().String()
	}
	writeJSON(w, http.StatusOK, health)
}

// Hub returns the broadcast hub of the server.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// serveState returns the full state of the session.
func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Dump())
}

// serveDemos lists the demos of the logged-in profile.
func (s *Server) serveDemos(w http.ResponseWriter, r *http.Request) {
	demos, err := s.session.Demos(r.Context())
	switch {
	case errors.Is(err, demoit.ErrNotLoggedIn):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, demoit.ErrNoRemote):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		log.Printf("[Server] Listing demos failed: %v", err)
		writeError(w, http.StatusBadGateway, "listing demos failed")
	default:
		writeJSON(w, http.StatusOK, demos)
	}
}

// Reload re-reads the local state file at path, replaces the session's
// files with its files and tells clients to reload.
func (s *Server) Reload(ctx context.Context, path string) error {
	data, err := bootstrap.Read(ctx, nil, path, "")
	if err != nil {
		return err
	}

	var state demoit.DemoState
	if err := bootstrap.Decode(path, data, &state); err != nil {
		return err
	}

	s.session.CheckoutFiles(state.Files)
	s.hub.Reload(path)
	return nil
}

// EnableWatch reloads the session whenever its local state file changes.
// It is a no-op when the session was not bootstrapped from a local file.
func (s *Server) EnableWatch() error {
	ref, ok := s.session.StateRef()
	if !ok {
		return nil
	}
	path, ok := bootstrap.LocalPath(ref, s.baseDir)
	if !ok {
		return nil
	}

	watcher, err := NewWatcher(path, func(filePath string) error {
		return s.Reload(context.Background(), filePath)
	}, s.debug)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	s.watcher = watcher
	s.watcher.Start()

	log.Printf("[Watch] File watcher started for %s", path)
	return nil
}

// Close stops the watcher and broadcasts.
func (s *Server) Close() error {
	s.stopBroadcast()
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}
