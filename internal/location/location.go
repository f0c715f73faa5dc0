// Package location models the page address of an editor session: the
// fragment naming the active file, the path carrying the demo id and the
// query string used at bootstrap.
package location

import (
	"net/url"
	"strings"
	"sync"
)

// Location is the part of the page address the session reads and rewrites.
type Location interface {
	// Hash returns the fragment including its leading "#", or "".
	Hash() string
	// SetHash replaces the fragment.
	SetHash(fragment string)
	// PushPath replaces the path and drops the query, keeping the fragment.
	PushPath(path string)
	// Param returns a single query parameter.
	Param(name string) (string, bool)
	String() string
}

// URL is an in-memory Location.
type URL struct {
	mu sync.RWMutex
	u  *url.URL
}

// Parse creates a Location from a raw address.
func Parse(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &URL{u: u}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) *URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func (l *URL) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.u.Fragment == "" {
		return ""
	}
	return "#" + l.u.Fragment
}

func (l *URL) SetHash(fragment string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.u.Fragment = strings.TrimPrefix(fragment, "#")
	l.u.RawFragment = ""
}

func (l *URL) PushPath(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.u.Path = path
	l.u.RawPath = ""
	l.u.RawQuery = ""
}

func (l *URL) Param(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	values, err := url.ParseQuery(l.u.RawQuery)
	if err != nil {
		return "", false
	}
	if _, ok := values[name]; !ok {
		return "", false
	}
	return values.Get(name), true
}

func (l *URL) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.u.String()
}

// DemoPath is the page path of a saved demo.
func DemoPath(demoID string) string {
	return "/e/" + demoID
}

// EnsureDemoID rewrites the location so its path embeds demoID.
func EnsureDemoID(loc Location, demoID string) {
	loc.PushPath(DemoPath(demoID))
}
