package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stateJSONC = `{
  // demo name
  "name": "hello",
  "files": {"a.js": {"c": "1"},},
}`

func TestReadHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/state.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(stateJSONC))
	}))
	defer srv.Close()

	data, err := Read(context.Background(), srv.Client(), srv.URL+"/state.json", "")
	require.NoError(t, err)

	var v struct {
		Name string `json:"name"`
	}
	require.NoError(t, Decode("state.json", data, &v))
	assert.Equal(t, "hello", v.Name)

	_, err = Read(context.Background(), srv.Client(), srv.URL+"/missing.json", "")
	assert.ErrorContains(t, err, "HTTP 404")
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(stateJSONC), 0644))

	tests := []struct {
		name    string
		ref     string
		baseDir string
	}{
		{"relative", "state.jsonc", dir},
		{"absolute", path, ""},
		{"file url", "file://" + path, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Read(context.Background(), nil, tt.ref, tt.baseDir)
			require.NoError(t, err)
			assert.Len(t, data, len(stateJSONC), "stripping keeps offsets")

			var v map[string]interface{}
			require.NoError(t, Decode(tt.ref, data, &v))
			assert.Equal(t, "hello", v["name"])
		})
	}
}

func TestReadErrors(t *testing.T) {
	_, err := Read(context.Background(), nil, "", "")
	assert.Error(t, err)

	_, err = Read(context.Background(), nil, "nope.json", t.TempDir())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDecodeSyntaxError(t *testing.T) {
	data := []byte("{\n  \"name\": \"x\"\n  \"desc\": 1\n}")

	var v map[string]interface{}
	err := Decode("state.json", data, &v)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Line)
	assert.Equal(t, 3, perr.Column)

	msg := perr.Error()
	assert.Contains(t, msg, "Error in state.json")
	assert.Contains(t, msg, "Line 3:")
	assert.Contains(t, msg, `   3 |   "desc": 1`)
	assert.Contains(t, msg, strings.Repeat(" ", 9)+"^\n")
}

func TestDecodeTypeError(t *testing.T) {
	data := []byte(`{"name": 5}`)

	var v struct {
		Name string `json:"name"`
	}
	err := Decode("state.json", data, &v)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 1, perr.Line)
	assert.Contains(t, perr.Message, "name")
}

func TestParseErrorHint(t *testing.T) {
	err := NewParseError("s.json", 0, "bad").WithHint("check the file")
	assert.Contains(t, err.Error(), "Tip: check the file")
	assert.NotContains(t, err.Error(), "Line 0")
}

func TestIsLocal(t *testing.T) {
	assert.True(t, IsLocal("state.json"))
	assert.True(t, IsLocal("file:///tmp/state.json"))
	assert.False(t, IsLocal("https://example.com/state.json"))
	assert.False(t, IsLocal(""))
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		ref    string
		want   string
		wantOK bool
	}{
		{"state.json", filepath.Join("/srv", "state.json"), true},
		{"/abs/state.json", "/abs/state.json", true},
		{"file:///tmp/state.json", "/tmp/state.json", true},
		{"https://example.com/state.json", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := LocalPath(tt.ref, "/srv")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
