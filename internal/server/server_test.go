package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/demoit"
	"github.com/livetemplate/demoit/internal/filestore"
	"github.com/livetemplate/demoit/internal/location"
	"github.com/livetemplate/demoit/internal/persist"
	"github.com/livetemplate/demoit/internal/profile"
	"github.com/livetemplate/demoit/internal/remote"
)

type testSetup struct {
	url     string
	baseDir string
	state   *demoit.DemoState
	profile *profile.Profile
	remote  remote.Store
	mode    persist.Mode
}

// newTestServer starts an editor server for a fresh session.
func newTestServer(t *testing.T, setup testSetup) (*Server, *httptest.Server) {
	t.Helper()

	if setup.url == "" {
		setup.url = "http://localhost:8080/"
	}
	if setup.mode == "" {
		setup.mode = persist.Development
	}

	hub := NewHub(false)
	opts := demoit.Options{
		Version:   1,
		Location:  location.MustParse(setup.url),
		Profiles:  profile.NewMemory(setup.profile),
		Gate:      persist.Options{Mode: setup.mode, Timeout: time.Second},
		Cleanup:   hub.Cleanup,
		OnPersist: hub.Persisted,
		State:     setup.state,
		BaseDir:   setup.baseDir,
	}
	if setup.remote != nil {
		opts.Remote = setup.remote
	}

	session, err := demoit.New(context.Background(), opts)
	require.NoError(t, err)

	srv := New(session, hub, setup.baseDir, false)
	if sh, ok := setup.remote.(StoreHealth); ok {
		srv.ReportStore(sh)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		session.Close(context.Background())
	})
	return srv, ts
}

func stateWith(names ...string) *demoit.DemoState {
	st := demoit.DefaultState()
	for _, name := range names {
		st.Files = append(st.Files, filestore.Entry{Name: name, Record: filestore.Record{Content: "// " + name}})
	}
	return &st
}

func TestServerState(t *testing.T) {
	_, ts := newTestServer(t, testSetup{state: stateWith("a.js", "b.js")})

	resp, err := http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st demoit.DemoState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, []string{"a.js", "b.js"}, st.Files.Names())
	assert.Equal(t, 1, st.Version)
}

func TestServerHealth(t *testing.T) {
	_, ts := newTestServer(t, testSetup{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/state", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerHealthReportsStore(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	opts := remote.DefaultOptions()
	opts.Retry.MaxRetries = 0
	opts.Breaker = remote.BreakerConfig{Threshold: 1, Window: time.Minute, Cooldown: time.Hour}
	client, err := remote.NewClient(down.URL, opts)
	require.NoError(t, err)

	_, ts := newTestServer(t, testSetup{remote: client})

	health := func() map[string]string {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		var h map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		return h
	}

	assert.Equal(t, map[string]string{"status": "ok", "store": "closed"}, health())

	_, err = client.GetDemos(context.Background(), "p1", "t")
	require.Error(t, err)
	assert.Equal(t, "open", health()["store"])
}

func TestServerDemos(t *testing.T) {
	tests := []struct {
		name    string
		profile *profile.Profile
		want    int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"no store", &profile.Profile{ID: "p1", Token: "t"}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t, testSetup{profile: tt.profile})

			resp, err := http.Get(ts.URL + "/api/demos")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServerReloadOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"files":{"a.js":{"c":"1"}}}`), 0644))

	srv, ts := newTestServer(t, testSetup{
		url:     "http://localhost:8080/?state=state.json#a.js",
		baseDir: dir,
	})
	require.Equal(t, []string{"a.js"}, srv.session.Files().Names())

	c := newWSTestClient(t, ts)
	c.expect("state")

	require.NoError(t, srv.EnableWatch())
	require.NoError(t, os.WriteFile(path, []byte(`{
		// edited on disk
		"files": {"b.js": {"c": "2"}, "c.js": {"c": "3"},},
	}`), 0644))

	msg := c.expect("reload")
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, path, data["filePath"])

	assert.Equal(t, []string{"b.js", "c.js"}, srv.session.Files().Names())
	assert.Equal(t, "b.js", srv.session.ActiveFile())
}

func TestServerEnableWatchWithoutLocalState(t *testing.T) {
	srv, _ := newTestServer(t, testSetup{url: "http://localhost:8080/?state=https://example.com/s.json"})
	require.NoError(t, srv.EnableWatch())
	assert.Nil(t, srv.watcher)
}

func TestServerReloadKeepsFilesOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"files":{"a.js":{"c":"1"}}}`), 0644))

	srv, _ := newTestServer(t, testSetup{baseDir: dir, state: stateWith("a.js")})

	require.NoError(t, os.WriteFile(path, []byte(`{"files":`), 0644))
	assert.Error(t, srv.Reload(context.Background(), path))
	assert.Equal(t, []string{"a.js"}, srv.session.Files().Names())
}
