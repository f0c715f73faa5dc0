package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/livetemplate/demoit/internal/demostore"
	"github.com/livetemplate/demoit/internal/remote"
)

// maxRequestBodySize limits the size of incoming request bodies (1MB)
const maxRequestBodySize = 1 << 20

// DemoStore is the storage behind StoreHandler.
type DemoStore interface {
	Save(ctx context.Context, profileID string, state []byte) (string, error)
	Get(ctx context.Context, id string) (*demostore.Demo, error)
	List(ctx context.Context, profileID string) ([]remote.DemoSummary, error)
}

// StoreHandler serves the demo store API used by editor sessions:
//
//	POST /api/demos                  save a demo, returns {"demoId": ...}
//	GET  /api/demos/{id}             the saved state of a demo
//	GET  /api/profiles/{id}/demos    demos owned by a profile
//
// Saving and listing require a bearer token whose subject is the profile.
type StoreHandler struct {
	store DemoStore
	auth  *Authenticator
	mux   *http.ServeMux
}

// NewStoreHandler creates the demo store API.
func NewStoreHandler(store DemoStore, auth *Authenticator) *StoreHandler {
	h := &StoreHandler{store: store, auth: auth, mux: http.NewServeMux()}

	h.mux.Handle("POST /api/demos", auth.Middleware(http.HandlerFunc(h.handleSave)))
	h.mux.HandleFunc("GET /api/demos/{id}", h.handleGet)
	h.mux.Handle("GET /api/profiles/{id}/demos", auth.Middleware(http.HandlerFunc(h.handleList)))
	return h
}

// ServeHTTP handles API requests.
func (h *StoreHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleSave stores the posted state for the authenticated profile.
func (h *StoreHandler) handleSave(w http.ResponseWriter, r *http.Request) {
	profileID, _ := ProfileID(r)

	// Limit request body size to prevent DoS
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	id, err := h.store.Save(r.Context(), profileID, body)
	switch {
	case errors.Is(err, demostore.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		var se *demostore.StateError
		if errors.As(err, &se) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		log.Printf("[API] Save failed for profile %s: %v", profileID, err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"demoId": id})
}

// handleGet returns the stored state of a demo.
func (h *StoreHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	demo, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, demostore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "demo not found")
		return
	}
	if err != nil {
		log.Printf("[API] Get failed: %v", err)
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(demo.State); err != nil {
		log.Printf("[API] Error writing demo state: %v", err)
	}
}

// handleList lists the demos of the authenticated profile.
func (h *StoreHandler) handleList(w http.ResponseWriter, r *http.Request) {
	profileID, _ := ProfileID(r)
	if r.PathValue("id") != profileID {
		writeError(w, http.StatusForbidden, "cannot list demos of another profile")
		return
	}

	demos, err := h.store.List(r.Context(), profileID)
	if err != nil {
		log.Printf("[API] List failed for profile %s: %v", profileID, err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, demos)
}
