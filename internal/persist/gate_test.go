package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/demoit/internal/profile"
)

type fakeSaver struct {
	mu      sync.Mutex
	bodies  []string
	tokens  []string
	err     error
	started chan struct{}
	release chan struct{}
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{started: make(chan struct{}, 16)}
}

func (f *fakeSaver) SaveDemo(ctx context.Context, state []byte, token string) (string, error) {
	f.mu.Lock()
	f.bodies = append(f.bodies, string(state))
	f.tokens = append(f.tokens, token)
	n := len(f.bodies)
	err := f.err
	release := f.release
	f.mu.Unlock()

	f.started <- struct{}{}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("demo-%d", n), nil
}

func (f *fakeSaver) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func body(s string) func() ([]byte, error) {
	return func() ([]byte, error) { return []byte(s), nil }
}

func recv(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func waitStarted(t *testing.T, f *fakeSaver) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("save never started")
	}
}

func expiredToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "owner",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	s, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestAllowedWithoutSaver(t *testing.T) {
	g := New(nil, Options{Mode: Production})
	d := g.Allowed(Check{Profile: &profile.Profile{ID: "u"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoStore, d.Reason)

	// Development mode wins over a missing store.
	g = New(nil, Options{Mode: Development})
	d = g.Allowed(Check{Profile: &profile.Profile{ID: "u"}})
	assert.Equal(t, ReasonNotProduction, d.Reason)
}

func TestSubmitWithoutSaverSkips(t *testing.T) {
	g := New(nil, Options{Mode: Production})
	defer g.Close(context.Background())

	res := recv(t, g.Submit(Request{Token: "tok", Body: body(`{}`)}))
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonNoStore, res.Reason)
}

func TestAllowed(t *testing.T) {
	owner := &profile.Profile{ID: "owner", Token: "t"}
	other := &profile.Profile{ID: "other", Token: "t"}
	expired := &profile.Profile{ID: "owner", Token: expiredToken(t)}

	tests := []struct {
		name    string
		mode    Mode
		check   Check
		allowed bool
		reason  string
	}{
		{"development", Development, Check{Profile: owner, OwnerID: "owner"}, false, ReasonNotProduction},
		{"anonymous", Production, Check{OwnerID: "owner"}, false, ReasonAnonymous},
		{"owner", Production, Check{Profile: owner, OwnerID: "owner", DemoID: "d"}, true, ""},
		{"not owner", Production, Check{Profile: other, OwnerID: "owner", DemoID: "d"}, false, ReasonNotOwner},
		{"not owner fork", Production, Check{Profile: other, OwnerID: "owner", DemoID: "d", Fork: true}, true, ""},
		{"unclaimed", Production, Check{Profile: other}, true, ""},
		{"saved without owner", Production, Check{Profile: other, DemoID: "d"}, false, ReasonNotOwner},
		{"anonymous fork", Production, Check{Fork: true}, false, ReasonAnonymous},
		{"expired", Production, Check{Profile: expired, OwnerID: "owner"}, false, ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(newFakeSaver(), Options{Mode: tt.mode})
			d := g.Allowed(tt.check)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestSubmitSavesAndReturnsID(t *testing.T) {
	f := newFakeSaver()
	g := New(f, Options{Mode: Production})

	res := recv(t, g.Submit(Request{Token: "tok", Body: body(`{"a":1}`)}))
	require.True(t, res.OK(), "%+v", res)
	assert.Equal(t, "demo-1", res.DemoID)
	assert.Equal(t, uint64(1), res.Token)
	assert.False(t, res.Superseded)
	assert.Equal(t, []string{"tok"}, f.tokens)
}

func TestSubmitCoalescesWhileInFlight(t *testing.T) {
	f := newFakeSaver()
	f.release = make(chan struct{})
	g := New(f, Options{Mode: Production})

	version := 1
	var mu sync.Mutex
	lazy := func() ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		return []byte(fmt.Sprintf(`{"v":%d}`, version)), nil
	}

	first := g.Submit(Request{Body: lazy})
	waitStarted(t, f)

	mu.Lock()
	version = 2
	mu.Unlock()
	second := g.Submit(Request{Body: lazy})

	mu.Lock()
	version = 3
	mu.Unlock()
	third := g.Submit(Request{Body: lazy})

	f.release <- struct{}{}
	r1 := recv(t, first)
	assert.True(t, r1.OK())
	assert.Equal(t, uint64(1), r1.Token)

	waitStarted(t, f)
	f.release <- struct{}{}

	r2 := recv(t, second)
	r3 := recv(t, third)
	assert.True(t, r2.Superseded)
	assert.False(t, r3.Superseded)
	assert.Equal(t, uint64(3), r2.Token)
	assert.Equal(t, uint64(3), r3.Token)
	assert.Equal(t, "demo-2", r3.DemoID)

	assert.Equal(t, []string{`{"v":1}`, `{"v":3}`}, f.calls())
	require.NoError(t, g.Flush(context.Background()))
}

func TestForkFlagIsSticky(t *testing.T) {
	f := newFakeSaver()
	f.release = make(chan struct{})
	g := New(f, Options{Mode: Production, Dedupe: true})

	first := g.Submit(Request{Body: body(`same`)})
	waitStarted(t, f)
	forkCh := g.Submit(Request{Fork: true, Body: body(`same`)})
	plain := g.Submit(Request{Body: body(`same`)})

	f.release <- struct{}{}
	recv(t, first)

	// The merged request keeps fork semantics, so dedupe does not apply.
	waitStarted(t, f)
	f.release <- struct{}{}
	rf := recv(t, forkCh)
	rp := recv(t, plain)
	assert.True(t, rf.OK())
	assert.True(t, rf.Superseded)
	assert.False(t, rp.Skipped)
	assert.Len(t, f.calls(), 2)
}

func TestDedupeSkipsUnchangedBody(t *testing.T) {
	f := newFakeSaver()
	g := New(f, Options{Mode: Production, Dedupe: true})

	recv(t, g.Submit(Request{Body: body(`{"x":1}`)}))
	res := recv(t, g.Submit(Request{Body: body(`{"x":1}`)}))
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonUnchanged, res.Reason)
	assert.False(t, res.OK())

	res = recv(t, g.Submit(Request{Fork: true, Body: body(`{"x":1}`)}))
	assert.True(t, res.OK())

	res = recv(t, g.Submit(Request{Body: body(`{"x":2}`)}))
	assert.True(t, res.OK())
	assert.Len(t, f.calls(), 3)
}

func TestSaveErrorIsReported(t *testing.T) {
	f := newFakeSaver()
	f.err = errors.New("store down")
	g := New(f, Options{Mode: Production, Dedupe: true})

	res := recv(t, g.Submit(Request{Body: body(`{}`)}))
	assert.EqualError(t, res.Err, "store down")
	assert.False(t, res.OK())

	// A failed save does not count as the last saved body.
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	res = recv(t, g.Submit(Request{Body: body(`{}`)}))
	assert.True(t, res.OK())
}

func TestBodyError(t *testing.T) {
	f := newFakeSaver()
	g := New(f, Options{Mode: Production})

	res := recv(t, g.Submit(Request{Body: func() ([]byte, error) { return nil, errors.New("encode") }}))
	assert.EqualError(t, res.Err, "encode")
	assert.Empty(t, f.calls())
}

func TestInvalidateMarksInFlightStale(t *testing.T) {
	f := newFakeSaver()
	f.release = make(chan struct{})
	g := New(f, Options{Mode: Production})

	ch := g.Submit(Request{Body: body(`{}`)})
	waitStarted(t, f)
	g.Invalidate()
	f.release <- struct{}{}

	res := recv(t, ch)
	assert.True(t, res.Stale)
	assert.False(t, res.OK())
}

func TestCloseRejectsNewWork(t *testing.T) {
	f := newFakeSaver()
	g := New(f, Options{Mode: Production})

	recv(t, g.Submit(Request{Body: body(`{}`)}))
	require.NoError(t, g.Close(context.Background()))

	res := recv(t, g.Submit(Request{Body: body(`{}`)}))
	assert.True(t, res.Skipped)
	assert.ErrorIs(t, res.Err, ErrClosed)
}

func TestCloseCancelsWhenContextEnds(t *testing.T) {
	f := newFakeSaver()
	f.release = make(chan struct{})
	g := New(f, Options{Mode: Production})

	ch := g.Submit(Request{Body: body(`{}`)})
	waitStarted(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Close(ctx), context.DeadlineExceeded)

	res := recv(t, ch)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestMinIntervalFoldsBursts(t *testing.T) {
	f := newFakeSaver()
	g := New(f, Options{Mode: Production, MinInterval: 50 * time.Millisecond})

	recv(t, g.Submit(Request{Body: body(`1`)}))

	// The limiter now holds the next save back; these fold into one.
	a := g.Submit(Request{Body: body(`2`)})
	b := g.Submit(Request{Body: body(`3`)})
	ra, rb := recv(t, a), recv(t, b)

	assert.True(t, ra.Superseded)
	assert.True(t, rb.OK())
	assert.Equal(t, []string{`1`, `3`}, f.calls())
}

func TestSkip(t *testing.T) {
	res := recv(t, Skip(ReasonNotOwner))
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonNotOwner, res.Reason)
}

func TestApplyRunsBeforeNextBody(t *testing.T) {
	f := newFakeSaver()
	f.release = make(chan struct{})

	var mu sync.Mutex
	demoID := ""
	g := New(f, Options{Mode: Production, Apply: func(r Result) {
		mu.Lock()
		demoID = r.DemoID
		mu.Unlock()
	}})

	lazy := func() ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		return []byte(`{"demoId":"` + demoID + `"}`), nil
	}

	first := g.Submit(Request{Owner: "u1", Body: lazy})
	waitStarted(t, f)
	second := g.Submit(Request{Owner: "u1", Body: lazy})

	f.release <- struct{}{}
	r1 := recv(t, first)
	assert.Equal(t, "u1", r1.Owner)

	waitStarted(t, f)
	f.release <- struct{}{}
	recv(t, second)

	// The queued save already carries the id assigned by the first one.
	assert.Equal(t, []string{`{"demoId":""}`, `{"demoId":"demo-1"}`}, f.calls())
}
