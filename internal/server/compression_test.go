package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithCompression(t *testing.T) {
	handler := WithCompression(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plain" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})
	}))

	t.Run("json is compressed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/json", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Header().Get("Content-Encoding") != "gzip" {
			t.Fatalf("expected gzip encoding, got %q", w.Header().Get("Content-Encoding"))
		}
		gz, err := gzip.NewReader(w.Body)
		if err != nil {
			t.Fatalf("invalid gzip body: %v", err)
		}
		body, _ := io.ReadAll(gz)
		if string(body) != "{\"hello\":\"world\"}\n" {
			t.Errorf("unexpected body %q", body)
		}
	})

	t.Run("plain text passes through", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/plain", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Header().Get("Content-Encoding") != "" {
			t.Errorf("plain response should not be compressed")
		}
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("client without gzip", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/json", nil))
		if w.Header().Get("Content-Encoding") != "" {
			t.Errorf("response should not be compressed")
		}
	})
}
