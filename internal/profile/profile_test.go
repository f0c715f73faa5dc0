package profile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		profile *Profile
		want    bool
	}{
		{"nil profile", nil, false},
		{"opaque token", &Profile{ID: "u1", Token: "plain-token"}, false},
		{"no exp claim", &Profile{ID: "u1", Token: signed(t, jwt.MapClaims{"sub": "u1"})}, false},
		{"future exp", &Profile{ID: "u1", Token: signed(t, jwt.MapClaims{"sub": "u1", "exp": now.Add(time.Hour).Unix()})}, false},
		{"past exp", &Profile{ID: "u1", Token: signed(t, jwt.MapClaims{"sub": "u1", "exp": now.Add(-time.Hour).Unix()})}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.Expired(now))
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	p, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, m.Save(ctx, &Profile{ID: "u1", Token: "t"}))
	p, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.ID)

	// Loaded profiles are copies.
	p.ID = "changed"
	again, _ := m.Load(ctx)
	assert.Equal(t, "u1", again.ID)

	require.NoError(t, m.Clear(ctx))
	p, _ = m.Load(ctx)
	assert.Nil(t, p)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "profile.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)

	p, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.Save(ctx, &Profile{ID: "u1", Token: "t1", Name: "Ada"}))
	require.NoError(t, s.Save(ctx, &Profile{ID: "u1", Token: "t2", Name: "Ada"}))
	require.NoError(t, s.Close())

	// Reopen to check the profile survived.
	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	p, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, Profile{ID: "u1", Token: "t2", Name: "Ada"}, *p)

	require.NoError(t, s.Clear(ctx))
	p, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}
