// Package bootstrap loads the initial demo state resource named by the
// editor's "state" query parameter.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// MaxSize bounds the size of a state resource.
const MaxSize = 10 << 20

// Read fetches ref and returns it as plain JSON. http(s) references go
// through client (http.DefaultClient when nil); file:// URLs and plain paths
// are read from disk, relative paths against baseDir. JSONC comments and
// trailing commas are stripped without moving any offsets.
func Read(ctx context.Context, client *http.Client, ref, baseDir string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("bootstrap: empty state reference")
	}

	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, err = fetch(ctx, client, ref)
	case strings.HasPrefix(ref, "file://"):
		u, perr := url.Parse(ref)
		if perr != nil {
			return nil, fmt.Errorf("bootstrap: invalid file URL %q: %w", ref, perr)
		}
		data, err = readFile(u.Path)
	default:
		data, err = readFile(Path(ref, baseDir))
	}
	if err != nil {
		return nil, err
	}

	return jsonc.ToJSON(data), nil
}

// Path resolves a non-URL reference against baseDir.
func Path(ref, baseDir string) string {
	if filepath.IsAbs(ref) || baseDir == "" {
		return ref
	}
	return filepath.Join(baseDir, ref)
}

// LocalPath returns the file on disk named by ref, which is either a
// file:// URL or a path relative to baseDir.
func LocalPath(ref, baseDir string) (string, bool) {
	if !IsLocal(ref) {
		return "", false
	}
	if strings.HasPrefix(ref, "file://") {
		u, err := url.Parse(ref)
		if err != nil || u.Path == "" {
			return "", false
		}
		return u.Path, true
	}
	return Path(ref, baseDir), true
}

// IsLocal reports whether ref names a file on disk.
func IsLocal(ref string) bool {
	return ref != "" && !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://")
}

func fetch(ctx context.Context, client *http.Client, ref string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bootstrap: fetch %s: HTTP %d", ref, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read %s: %w", ref, err)
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("bootstrap: %s exceeds %d bytes", ref, MaxSize)
	}
	return data, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if info.Size() > MaxSize {
		return nil, fmt.Errorf("bootstrap: %s exceeds %d bytes", path, MaxSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return data, nil
}

// Decode unmarshals data into v. Syntax and type errors are reported as a
// *ParseError pointing at the offending line and column; file names the
// resource in the message.
func Decode(file string, data []byte, v interface{}) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		line, col := position(data, syntaxErr.Offset)
		return NewParseError(file, line, syntaxErr.Error()).WithColumn(col).withSource(data)
	case errors.As(err, &typeErr):
		line, col := position(data, typeErr.Offset)
		msg := fmt.Sprintf("%s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
		return NewParseError(file, line, msg).WithColumn(col).withSource(data)
	}
	return NewParseError(file, 0, err.Error())
}

// position converts the offset reported by encoding/json, which points just
// past the offending byte, into a 1-indexed line and column.
func position(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	if offset < 0 {
		offset = 0
	}
	before := data[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := int(offset) - bytes.LastIndexByte(before, '\n') - 1
	if col < 1 {
		col = 1
	}
	return line, col
}
