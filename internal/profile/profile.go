// Package profile stores the logged-in user of an editor session.
package profile

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Key is the storage key the profile lives under.
const Key = "DEMOIT_PROFILE"

// Profile identifies the logged-in user.
type Profile struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

// Expired reports whether the token carries an "exp" claim in the past.
// Tokens that are not JWTs, or have no expiry, never expire.
func (p *Profile) Expired(now time.Time) bool {
	if p == nil || p.Token == "" {
		return false
	}

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(p.Token, jwt.MapClaims{})
	if err != nil {
		return false
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.After(exp.Time)
}

// Store loads and saves the session profile.
type Store interface {
	// Load returns the stored profile, or nil for an anonymous user.
	Load(ctx context.Context) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
	Clear(ctx context.Context) error
}

// Memory is a Store that keeps the profile in memory.
type Memory struct {
	mu      sync.RWMutex
	profile *Profile
}

// NewMemory creates a memory store holding p, which may be nil.
func NewMemory(p *Profile) *Memory {
	m := &Memory{}
	if p != nil {
		cp := *p
		m.profile = &cp
	}
	return m
}

func (m *Memory) Load(ctx context.Context) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.profile == nil {
		return nil, nil
	}
	cp := *m.profile
	return &cp, nil
}

func (m *Memory) Save(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == nil {
		m.profile = nil
		return nil
	}
	cp := *p
	m.profile = &cp
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	return m.Save(ctx, nil)
}
