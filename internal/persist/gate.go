// Package persist decides when an editor session pushes its state to the
// demo store and runs those saves one at a time.
//
// Every submission gets a token from a monotonically increasing counter.
// While a save is in flight, newer submissions are folded into a single
// pending request whose body is built when it is dispatched, so a burst of
// edits ends in one save of the latest state. Responses whose token is not
// newer than the last applied one are reported as stale and must not be
// applied by the caller.
package persist

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/livetemplate/demoit/internal/profile"
)

// Mode is the deployment mode of the editor.
type Mode string

const (
	Production  Mode = "production"
	Development Mode = "development"
)

// Reasons reported for skipped saves.
const (
	ReasonNotProduction = "not running in production mode"
	ReasonNoStore       = "no demo store configured"
	ReasonAnonymous     = "no profile"
	ReasonExpired       = "profile token expired"
	ReasonNotOwner      = "profile does not own the demo"
	ReasonUnchanged     = "state unchanged since last save"
	ReasonClosed        = "gate closed"
)

// ErrClosed is returned by operations on a closed gate.
var ErrClosed = errors.New("persist: gate closed")

// Saver pushes a serialized demo state and returns the assigned demo id.
type Saver interface {
	SaveDemo(ctx context.Context, state []byte, token string) (string, error)
}

// Options configures a Gate.
type Options struct {
	Mode        Mode
	MinInterval time.Duration // minimum spacing between dispatched saves
	Dedupe      bool          // skip non-fork saves of an unchanged body
	Timeout     time.Duration // per save, default 30s

	// Apply runs on the gate goroutine for every successful, non-stale save,
	// before its waiters are released and before the next save is built.
	Apply func(Result)
}

// Check is the input of a gating decision.
type Check struct {
	Profile *profile.Profile
	OwnerID string
	DemoID  string
	Fork    bool
}

// Decision is the outcome of Allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

// Request is one save submission.
type Request struct {
	Fork  bool
	Token string // profile token sent to the store
	Owner string // profile id that becomes the owner on success

	// Body serializes the state. It runs when the save is dispatched.
	Body func() ([]byte, error)
}

// Result reports what happened to a submission.
type Result struct {
	Token      uint64 // token of the request that was dispatched
	DemoID     string // id returned by the store
	Owner      string
	Fork       bool
	Skipped    bool
	Reason     string
	Superseded bool // folded into the later request Token
	Stale      bool // response arrived after a newer one was applied
	Err        error
}

// OK reports whether the state was saved and the result may be applied.
func (r Result) OK() bool {
	return r.Err == nil && !r.Skipped && !r.Stale
}

type waiter struct {
	token uint64
	ch    chan Result
}

type pending struct {
	token   uint64
	req     Request
	waiters []waiter
}

// Gate serializes saves of one editor session.
type Gate struct {
	saver   Saver
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	issued    uint64
	applied   uint64
	running   bool
	idle      chan struct{}
	pending   *pending
	closed    bool
	digest    [32]byte
	hasDigest bool
}

// New creates a gate that saves through saver.
func New(saver Saver, opts Options) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		saver:   saver,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Mode returns the configured deployment mode.
func (g *Gate) Mode() Mode {
	return g.opts.Mode
}

// Allowed decides whether a save may go out. Outside production mode,
// without a store and for anonymous or expired profiles nothing is saved. A
// fork is always allowed for a logged-in profile; otherwise the profile must
// own the demo, or the demo must be unclaimed.
//
// An unclaimed demo (no owner, no demo id) has never been saved, so the
// owner check has nothing to compare against; its first save makes the
// profile the owner.
func (g *Gate) Allowed(c Check) Decision {
	switch {
	case g.opts.Mode != Production:
		return Decision{Reason: ReasonNotProduction}
	case g.saver == nil:
		return Decision{Reason: ReasonNoStore}
	case c.Profile == nil:
		return Decision{Reason: ReasonAnonymous}
	case c.Profile.Expired(g.now()):
		return Decision{Reason: ReasonExpired}
	case c.Fork:
		return Decision{Allowed: true}
	case c.OwnerID == "" && c.DemoID == "":
		return Decision{Allowed: true}
	case c.OwnerID != c.Profile.ID:
		return Decision{Reason: ReasonNotOwner}
	}
	return Decision{Allowed: true}
}

// Skip returns an already completed result channel for a refused save.
func Skip(reason string) <-chan Result {
	ch := make(chan Result, 1)
	ch <- Result{Skipped: true, Reason: reason}
	return ch
}

// Submit queues a save and returns immediately. The channel receives
// exactly one Result.
func (g *Gate) Submit(req Request) <-chan Result {
	ch := make(chan Result, 1)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		ch <- Result{Skipped: true, Reason: ReasonClosed, Err: ErrClosed}
		return ch
	}

	g.issued++
	p := &pending{
		token:   g.issued,
		req:     req,
		waiters: []waiter{{token: g.issued, ch: ch}},
	}
	if old := g.pending; old != nil {
		p.req.Fork = p.req.Fork || old.req.Fork
		p.waiters = append(old.waiters, p.waiters...)
	}
	g.pending = p

	if !g.running {
		g.running = true
		g.idle = make(chan struct{})
		go g.run()
	}
	return ch
}

// Invalidate marks every submission issued so far as stale. Responses for
// them that arrive later are reported with Stale set.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applied = g.issued
	g.hasDigest = false
}

// Flush waits until no save is queued or in flight.
func (g *Gate) Flush(ctx context.Context) error {
	for {
		g.mu.Lock()
		running, idle := g.running, g.idle
		g.mu.Unlock()

		if !running {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting saves and waits for outstanding ones. If ctx ends
// first the in-flight save is cancelled.
func (g *Gate) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	err := g.Flush(ctx)
	g.cancel()
	return err
}

func (g *Gate) run() {
	for {
		g.mu.Lock()
		p := g.pending
		g.pending = nil
		if p == nil {
			g.running = false
			close(g.idle)
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()

		if err := g.limiter.Wait(g.ctx); err != nil {
			g.deliver(p, Result{Token: p.token, Err: err})
			continue
		}

		// Submissions that arrived while waiting absorb this one.
		g.mu.Lock()
		if next := g.pending; next != nil {
			next.req.Fork = next.req.Fork || p.req.Fork
			next.waiters = append(p.waiters, next.waiters...)
			g.mu.Unlock()
			continue
		}
		g.mu.Unlock()

		res := g.dispatch(p)
		if res.OK() && g.opts.Apply != nil {
			g.opts.Apply(res)
		}
		g.deliver(p, res)
	}
}

func (g *Gate) dispatch(p *pending) Result {
	res := Result{Token: p.token, Owner: p.req.Owner, Fork: p.req.Fork}
	if g.saver == nil {
		res.Skipped = true
		res.Reason = ReasonNoStore
		return res
	}

	body, err := p.req.Body()
	if err != nil {
		res.Err = err
		return res
	}

	digest := blake3.Sum256(body)
	if g.opts.Dedupe && !p.req.Fork {
		g.mu.Lock()
		unchanged := g.hasDigest && g.digest == digest
		g.mu.Unlock()
		if unchanged {
			res.Skipped = true
			res.Reason = ReasonUnchanged
			return res
		}
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.opts.Timeout)
	defer cancel()

	demoID, err := g.saver.SaveDemo(ctx, body, p.req.Token)

	g.mu.Lock()
	defer g.mu.Unlock()

	if p.token <= g.applied {
		log.Printf("[persist] Discarding stale response for request %d (latest applied %d)", p.token, g.applied)
		res.Stale = true
		res.Err = err
		return res
	}
	g.applied = p.token

	if err != nil {
		log.Printf("[persist] Save %d failed: %v", p.token, err)
		res.Err = err
		return res
	}

	g.digest = digest
	g.hasDigest = true
	res.DemoID = demoID
	return res
}

func (g *Gate) deliver(p *pending, res Result) {
	for _, w := range p.waiters {
		r := res
		r.Superseded = w.token != p.token
		w.ch <- r
	}
}
