package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Timeout: 2 * time.Second,
		Retry:   fastRetry(2),
		Breaker: BreakerConfig{Threshold: 100, Window: time.Minute, Cooldown: time.Minute},
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient("", testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")

	_, err = NewClient("ftp://store.test", testOptions())
	assert.Error(t, err)

	t.Setenv("DEMOIT_TEST_STORE", "http://store.test")
	c, err := NewClient("${DEMOIT_TEST_STORE}/", testOptions())
	require.NoError(t, err)
	assert.Equal(t, "http://store.test", c.baseURL)
}

func TestSaveOp(t *testing.T) {
	tests := []struct {
		state string
		want  Op
	}{
		{`{"name":"x"}`, OpCreate},
		{`{"demoId":"d"}`, OpCreate},
		{`{"owner":"p"}`, OpCreate},
		{`{"demoId":"d","owner":"p"}`, OpUpdate},
		{`not json`, OpCreate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, saveOp([]byte(tt.state)), tt.state)
	}
}

func TestSaveDemo(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/demos", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"demoId": "d-42"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testOptions())
	require.NoError(t, err)

	id, err := c.SaveDemo(context.Background(), []byte(`{"name":"x"}`), "tok")
	require.NoError(t, err)
	assert.Equal(t, "d-42", id)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.JSONEq(t, `{"name":"x"}`, gotBody)
}

// slowFirstPost answers every POST but holds the first one past the client
// timeout, as a store that commits and then loses the response would.
func slowFirstPost(posts *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(posts, 1)
		if n == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		json.NewEncoder(w).Encode(map[string]string{"demoId": "D" + string(rune('0'+n))})
	})
}

func TestSaveDemoDoesNotRetryTimedOutCreate(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(slowFirstPost(&posts))

	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	c, err := NewClient(srv.URL, opts)
	require.NoError(t, err)

	_, err = c.SaveDemo(context.Background(), []byte(`{"name":"new"}`), "tok")
	srv.Close() // waits for the slow handler

	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts), "a create must be sent once")
	assert.Contains(t, Message(err), "may have been saved")
}

func TestSaveDemoRetriesTimedOutUpdate(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(slowFirstPost(&posts))
	defer srv.Close()

	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	c, err := NewClient(srv.URL, opts)
	require.NoError(t, err)

	id, err := c.SaveDemo(context.Background(), []byte(`{"demoId":"D","owner":"p"}`), "tok")
	require.NoError(t, err)
	assert.Equal(t, "D2", id)
	assert.Equal(t, int32(2), atomic.LoadInt32(&posts))
}

func TestSaveDemoRetriesUnavailableCreate(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"demoId": "d-1"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testOptions())
	require.NoError(t, err)

	id, err := c.SaveDemo(context.Background(), []byte(`{}`), "tok")
	require.NoError(t, err)
	assert.Equal(t, "d-1", id)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSaveDemoServerErrorOnCreateIsFinal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testOptions())
	require.NoError(t, err)

	_, err = c.SaveDemo(context.Background(), []byte(`{}`), "tok")
	assert.True(t, IsKind(err, KindServer), "got %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = c.SaveDemo(context.Background(), []byte(`{"demoId":"d","owner":"p"}`), "tok")
	assert.True(t, IsKind(err, KindServer), "got %v", err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "an update is retried")
}

func TestSaveDemoForbiddenIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "not your demo", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testOptions())
	require.NoError(t, err)

	_, err = c.SaveDemo(context.Background(), []byte(`{"demoId":"d","owner":"p"}`), "tok")
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindForbidden, e.Kind)
	assert.Equal(t, OpUpdate, e.Op)
	assert.Equal(t, http.StatusForbidden, e.Status)
	assert.Equal(t, "not your demo", e.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Contains(t, Message(err), "Fork")
}

func TestSaveDemoMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testOptions())
	require.NoError(t, err)

	_, err = c.SaveDemo(context.Background(), []byte(`{}`), "tok")
	assert.True(t, IsKind(err, KindResponse), "got %v", err)
}

func TestGetDemos(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/profiles/p%201/demos", r.URL.EscapedPath())
		w.Write([]byte(`[{"demoId":"a","name":"First","desc":"d","published":true},{"demoId":"b","name":"Second"}]`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testOptions())
	require.NoError(t, err)

	demos, err := c.GetDemos(context.Background(), "p 1", "tok")
	require.NoError(t, err)
	require.Len(t, demos, 2)
	assert.Equal(t, DemoSummary{ID: "a", Name: "First", Description: "d", Published: true}, demos[0])

	_, err = c.GetDemos(context.Background(), "", "tok")
	assert.True(t, IsKind(err, KindRequest), "got %v", err)
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	opts := testOptions()
	opts.Retry = fastRetry(0)
	c, err := NewClient(url, opts)
	require.NoError(t, err)

	_, err = c.SaveDemo(context.Background(), []byte(`{}`), "tok")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnreachable), "got %T: %v", err, err)
}

func TestBreakerCountsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Retry = fastRetry(2)
	opts.Breaker = BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: time.Hour}

	// A create is tried once, so it weighs one failure.
	c, err := NewClient(srv.URL, opts)
	require.NoError(t, err)
	c.SaveDemo(context.Background(), []byte(`{}`), "tok")
	c.SaveDemo(context.Background(), []byte(`{}`), "tok")
	assert.Equal(t, BreakerClosed, c.BreakerState())

	// A listing is retried, so one exhausted call opens the breaker.
	c, err = NewClient(srv.URL, opts)
	require.NoError(t, err)
	_, err = c.GetDemos(context.Background(), "p", "tok")
	assert.True(t, IsKind(err, KindServer), "got %v", err)
	assert.Equal(t, BreakerOpen, c.BreakerState())

	_, err = c.SaveDemo(context.Background(), []byte(`{}`), "tok")
	assert.True(t, IsKind(err, KindCircuitOpen), "got %v", err)
}
