// Package demoit manages the editable state of a multi-file code demo: its
// files, the active file, metadata and editor settings, and saving it to a
// remote demo store with ownership checks and forking.
//
// A Session is created once per editor session with New. File mutations go
// through the session's filestore.Store; every commit or checkout notifies
// subscribers and, when the persistence gate allows it, pushes the whole
// state to the store.
package demoit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/livetemplate/demoit/internal/bootstrap"
	"github.com/livetemplate/demoit/internal/cache"
	"github.com/livetemplate/demoit/internal/filestore"
	"github.com/livetemplate/demoit/internal/location"
	"github.com/livetemplate/demoit/internal/persist"
	"github.com/livetemplate/demoit/internal/profile"
	"github.com/livetemplate/demoit/internal/remote"
)

// StateParam is the query parameter naming the bootstrap state resource.
const StateParam = "state"

// refreshTimeout bounds a background refresh of the demo listing.
const refreshTimeout = 30 * time.Second

// Options configures a Session.
type Options struct {
	Version  int               // schema version written into every saved state
	Location location.Location // page address; "/" when nil
	Profiles profile.Store     // anonymous in-memory store when nil
	Remote   remote.Store      // nil disables saving and listings
	Gate     persist.Options

	// Cleanup runs with the filename before a file is deleted.
	Cleanup CleanupFunc

	// OnPersist receives the outcome of every save attempt.
	OnPersist func(persist.Result)

	// State is used as the initial state when set. Otherwise the resource
	// named by the "state" query parameter is loaded, falling back to
	// DefaultState.
	State      *DemoState
	HTTPClient *http.Client // for http(s) state resources
	BaseDir    string       // for relative state paths

	// DemosTTL caches the profile's demo listing. Zero disables caching.
	DemosTTL time.Duration
}

type subscriber struct {
	id uint64
	fn func()
}

// Session is the state of one editor session.
type Session struct {
	id      string
	opts    Options
	loc     location.Location
	store   *filestore.Store
	gate    *persist.Gate
	remote  remote.Store
	profile profile.Store

	demos      cache.Cache[[]remote.DemoSummary]
	refreshing sync.Map // profile id -> struct{} while a listing refresh runs

	// ops serializes compound file operations (check then mutate).
	ops sync.Mutex

	mu             sync.Mutex
	state          DemoState // Files is only read at construction
	active         string
	pendingChanges bool
	current        *profile.Profile
	inOp           bool // notifications are queued while set
	notifyQueued   bool

	lmu     sync.Mutex
	subs    []subscriber
	nextSub uint64

	disposeStore func()
	closeOnce    sync.Once
	closeErr     error
}

// New creates a session. The initial state is taken from opts.State, the
// "state" resource of the location, or DefaultState, in that order; a state
// resource that cannot be read is logged and replaced by DefaultState.
func New(ctx context.Context, opts Options) (*Session, error) {
	s := &Session{
		id:      ulid.Make().String(),
		opts:    opts,
		loc:     opts.Location,
		remote:  opts.Remote,
		profile: opts.Profiles,
		store:   filestore.New(),
	}
	if s.loc == nil {
		s.loc = location.MustParse("/")
	}
	if s.profile == nil {
		s.profile = profile.NewMemory(nil)
	}

	current, err := s.profile.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	s.current = current

	state := s.initialState(ctx)
	state.normalize()
	state.Version = opts.Version

	s.store.Import(state.Files)
	state.Files = nil
	s.state = state
	s.active = ResolveActiveFile(s.loc, s.store)

	gateOpts := opts.Gate
	gateOpts.Apply = s.apply
	var saver persist.Saver
	if s.remote != nil {
		saver = s.remote
	}
	s.gate = persist.New(saver, gateOpts)

	if opts.DemosTTL > 0 {
		s.demos = cache.NewMemoryCache[[]remote.DemoSummary](0)
	}

	s.disposeStore = s.store.Listen(s.onStoreEvent)
	return s, nil
}

func (s *Session) initialState(ctx context.Context) DemoState {
	if s.opts.State != nil {
		return s.opts.State.clone()
	}

	ref, ok := s.StateRef()
	if !ok {
		return DefaultState()
	}

	data, err := bootstrap.Read(ctx, s.opts.HTTPClient, ref, s.opts.BaseDir)
	if err != nil {
		log.Printf("[Session] Error reading %s: %v", ref, err)
		return DefaultState()
	}

	var state DemoState
	if err := bootstrap.Decode(ref, data, &state); err != nil {
		log.Printf("[Session] Error parsing %s: %v", ref, err)
		return DefaultState()
	}
	return state
}

func (s *Session) onStoreEvent(ev filestore.Event) {
	if ev.Kind == filestore.Commit || ev.Kind == filestore.Checkout {
		s.persist(false)
	}
	s.notify()
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Store returns the file store of the session.
func (s *Session) Store() *filestore.Store {
	return s.store
}

// Location returns the page address of the session.
func (s *Session) Location() location.Location {
	return s.loc
}

// Version returns the schema version of the state.
func (s *Session) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Version
}

// DemoID returns the id assigned by the demo store, or ErrNoDemoID when
// the demo was never saved.
func (s *Session) DemoID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.DemoID == "" {
		return "", ErrNoDemoID
	}
	return s.state.DemoID, nil
}

// ActiveFile returns the name of the file shown in the editor.
func (s *Session) ActiveFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveFileContent returns the content of the active file.
func (s *Session) ActiveFileContent() (string, error) {
	name := s.ActiveFile()
	rec, ok := s.store.Get(name)
	if !ok {
		return "", fmt.Errorf("active file %q: %w", name, filestore.ErrNotFound)
	}
	return rec.Content, nil
}

// SetActiveFile switches the editor to filename and rewrites the location
// fragment. The selection is not saved.
func (s *Session) SetActiveFile(filename string) string {
	s.mu.Lock()
	s.active = filename
	s.mu.Unlock()

	s.loc.SetHash(filename)
	s.notify()
	return filename
}

// SetActiveFileByIndex activates the file at index in insertion order. Out
// of range indexes are ignored.
func (s *Session) SetActiveFileByIndex(index int) {
	files := s.store.List()
	if index < 0 || index >= len(files) {
		return
	}
	s.SetActiveFile(files[index].Name)
}

// IsCurrentFile reports whether filename is the active file.
func (s *Session) IsCurrentFile(filename string) bool {
	return s.ActiveFile() == filename
}

// IsDemoOwner reports whether the logged-in profile owns the demo.
func (s *Session) IsDemoOwner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Owner != "" && s.current != nil && s.state.Owner == s.current.ID
}

// Files returns the files in insertion order.
func (s *Session) Files() filestore.Files {
	return s.store.List()
}

// NumFiles returns the number of files.
func (s *Session) NumFiles() int {
	return s.store.Len()
}

// Metadata returns the descriptive fields of the demo.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metadata{
		ID:          s.state.DemoID,
		Name:        s.state.Name,
		Description: s.state.Description,
		Published:   s.state.Published,
	}
}

// UpdateMetadata overwrites name, description and published. m.ID is
// ignored.
func (s *Session) UpdateMetadata(m Metadata) {
	s.mu.Lock()
	s.state.Name = m.Name
	s.state.Description = m.Description
	s.state.Published = m.Published
	s.mu.Unlock()

	s.notify()
	s.persist(false)
}

// Dependencies returns the dependency descriptors of the demo.
func (s *Session) Dependencies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.state.Dependencies...)
}

// SetDependencies replaces the dependency descriptors.
func (s *Session) SetDependencies(deps []string) {
	s.mu.Lock()
	s.state.Dependencies = append([]string{}, deps...)
	s.mu.Unlock()

	s.notify()
	s.persist(false)
}

// EditorSettings returns a copy of the editor settings.
func (s *Session) EditorSettings() EditorSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.state.Editor
	settings.Layout = cloneRaw(settings.Layout)
	return settings
}

// UpdateLayout stores the editor layout. It is saved with the next save.
func (s *Session) UpdateLayout(layout json.RawMessage) {
	s.mu.Lock()
	s.state.Editor.Layout = cloneRaw(layout)
	s.mu.Unlock()
}

// UpdateStatusBarVisibility shows or hides the status bar. It is saved with
// the next save.
func (s *Session) UpdateStatusBarVisibility(visible bool) {
	s.mu.Lock()
	s.state.Editor.StatusBar = visible
	s.mu.Unlock()
}

// UpdateTheme changes the editor theme and saves the demo.
func (s *Session) UpdateTheme(theme string) {
	s.mu.Lock()
	s.state.Editor.Theme = theme
	s.mu.Unlock()

	s.persist(false)
}

// EditFile creates filename or merges u into it.
func (s *Session) EditFile(filename string, u filestore.Update) {
	s.store.Save(filename, u)
}

// RenameFile renames a file, moving the active file along with it.
func (s *Session) RenameFile(filename, newName string) error {
	s.beginOp()
	defer s.endOp()

	if err := s.store.Rename(filename, newName); err != nil {
		return err
	}
	if filename != newName && s.IsCurrentFile(filename) {
		s.SetActiveFile(newName)
	}
	return nil
}

// AddNewFile creates an empty file and activates it. An empty name means
// DefaultFileName; a taken name is disambiguated until it is free. The name
// actually used is returned.
func (s *Session) AddNewFile(filename string) string {
	s.beginOp()
	defer s.endOp()

	if filename == "" {
		filename = DefaultFileName
	}
	filename = filestore.UniqueName(filename, s.store.Has)

	s.store.Save(filename, filestore.Content(""))
	return s.SetActiveFile(filename)
}

// DeleteFile runs the cleanup hook and removes filename. Deleting the active
// file activates the first remaining one.
func (s *Session) DeleteFile(filename string) {
	if s.opts.Cleanup != nil {
		s.opts.Cleanup(filename)
	}

	s.beginOp()
	defer s.endOp()

	s.store.Delete(filename)
	if s.IsCurrentFile(filename) {
		s.SetActiveFile(FirstFile(s.store))
	}
}

// SetEntryPoint toggles filename as the single entry point: the flag is
// cleared on every file and set on filename unless it was already set.
func (s *Session) SetEntryPoint(filename string) error {
	s.beginOp()
	defer s.endOp()

	rec, ok := s.store.Get(filename)
	if !ok {
		return fmt.Errorf("entry point %q: %w", filename, filestore.ErrNotFound)
	}

	s.store.SaveAll(filestore.EntryPoint(false))
	s.store.Save(filename, filestore.EntryPoint(!rec.EntryPoint))
	return nil
}

// CheckoutFiles replaces every file at once, as when the state resource
// changes on disk. The active file is re-resolved if it no longer exists.
func (s *Session) CheckoutFiles(files filestore.Files) {
	s.beginOp()
	defer s.endOp()

	s.store.Checkout(files)
	if !s.store.Has(s.ActiveFile()) {
		s.SetActiveFile(ResolveActiveFile(s.loc, s.store))
	}
}

// StateRef returns the state resource named by the location, if any.
func (s *Session) StateRef() (string, bool) {
	ref, ok := s.loc.Param(StateParam)
	return ref, ok && ref != ""
}

// PendingChanges returns the advisory unsaved-changes flag.
func (s *Session) PendingChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingChanges
}

// SetPendingChanges sets the advisory unsaved-changes flag.
func (s *Session) SetPendingChanges(pending bool) {
	s.mu.Lock()
	s.pendingChanges = pending
	s.mu.Unlock()

	s.notify()
}

// Dump returns a copy of the whole state with the files read from the
// store.
func (s *Session) Dump() DemoState {
	s.mu.Lock()
	state := s.state.clone()
	s.mu.Unlock()

	state.Files = s.store.List()
	return state
}

// LoggedIn reports whether a profile is present.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Profile returns a copy of the logged-in profile, or nil.
func (s *Session) Profile() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	p := *s.current
	return &p
}

// SetProfile logs in as p, or logs out when p is nil. Saves issued for the
// previous profile are no longer applied.
func (s *Session) SetProfile(ctx context.Context, p *profile.Profile) error {
	if err := s.profile.Save(ctx, p); err != nil {
		return err
	}

	s.mu.Lock()
	if p == nil {
		s.current = nil
	} else {
		cp := *p
		s.current = &cp
	}
	s.mu.Unlock()

	s.gate.Invalidate()
	if s.demos != nil {
		s.demos.InvalidateAll()
	}
	s.notify()
	return nil
}

// Demos lists the demos of the logged-in profile.
func (s *Session) Demos(ctx context.Context) ([]remote.DemoSummary, error) {
	p := s.Profile()
	if p == nil {
		return nil, ErrNotLoggedIn
	}
	if s.remote == nil {
		return nil, ErrNoRemote
	}

	if s.demos != nil {
		if demos, ok, stale := s.demos.Get(p.ID); ok {
			if stale {
				s.refreshDemos(p)
			}
			return demos, nil
		}
	}
	return s.fetchDemos(ctx, p)
}

func (s *Session) fetchDemos(ctx context.Context, p *profile.Profile) ([]remote.DemoSummary, error) {
	demos, err := s.remote.GetDemos(ctx, p.ID, p.Token)
	if err != nil {
		return nil, err
	}
	if s.demos != nil {
		// Entries are fresh for DemosTTL and served stale while they are
		// refreshed for as long again.
		s.demos.SetWithStale(p.ID, demos, s.opts.DemosTTL, 2*s.opts.DemosTTL)
	}
	return demos, nil
}

// refreshDemos reloads the listing of p in the background, once at a time
// per profile.
func (s *Session) refreshDemos(p *profile.Profile) {
	if _, running := s.refreshing.LoadOrStore(p.ID, struct{}{}); running {
		return
	}
	go func() {
		defer s.refreshing.Delete(p.ID)
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, err := s.fetchDemos(ctx, p); err != nil {
			log.Printf("[Session] Error refreshing demos of %s: %v", p.ID, err)
		}
	}()
}

// IsForkable reports whether the demo has an owner and a profile is
// logged in.
func (s *Session) IsForkable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.state.Owner != ""
}

// Fork saves the demo as a new one owned by the logged-in profile. The
// local owner is cleared before the save; on success the new id and owner
// are applied, the location is rewritten and subscribers are notified. A
// fork that does not save restores the previous owner.
func (s *Session) Fork() <-chan persist.Result {
	s.mu.Lock()
	prevOwner, prevID := s.state.Owner, s.state.DemoID
	s.mu.Unlock()

	ch := s.persist(true)
	out := make(chan persist.Result, 1)
	go func() {
		res := <-ch
		if !res.OK() && !res.Superseded {
			s.restoreOwner(prevOwner, prevID)
		}
		out <- res
	}()
	return out
}

// restoreOwner puts back the owner cleared by a failed fork, unless the
// demo changed hands in the meantime.
func (s *Session) restoreOwner(owner, demoID string) {
	s.mu.Lock()
	restored := s.state.Owner == "" && s.state.DemoID == demoID && owner != ""
	if restored {
		s.state.Owner = owner
	}
	s.mu.Unlock()

	if restored {
		s.notify()
	}
}

// Persist saves the demo if the gate allows it.
func (s *Session) Persist() <-chan persist.Result {
	return s.persist(false)
}

func (s *Session) persist(fork bool) <-chan persist.Result {
	s.mu.Lock()
	check := persist.Check{
		Profile: s.current,
		OwnerID: s.state.Owner,
		DemoID:  s.state.DemoID,
		Fork:    fork,
	}
	decision := s.gate.Allowed(check)
	if !decision.Allowed {
		s.mu.Unlock()
		return s.report(persist.Skip(decision.Reason))
	}
	if fork {
		s.state.Owner = ""
	}
	req := persist.Request{
		Fork:  fork,
		Token: s.current.Token,
		Owner: s.current.ID,
		Body:  s.body,
	}
	s.mu.Unlock()

	return s.report(s.gate.Submit(req))
}

// report forwards a result to OnPersist and to the caller.
func (s *Session) report(ch <-chan persist.Result) <-chan persist.Result {
	if s.opts.OnPersist == nil {
		return ch
	}

	out := make(chan persist.Result, 1)
	go func() {
		res := <-ch
		s.opts.OnPersist(res)
		out <- res
	}()
	return out
}

func (s *Session) body() ([]byte, error) {
	return json.Marshal(s.Dump())
}

// apply records the id assigned by the store. It runs on the gate goroutine.
func (s *Session) apply(res persist.Result) {
	s.mu.Lock()
	changed := res.DemoID != "" && (res.DemoID != s.state.DemoID || res.Fork)
	if changed {
		s.state.DemoID = res.DemoID
		s.state.Owner = res.Owner
	}
	s.mu.Unlock()

	if changed {
		location.EnsureDemoID(s.loc, res.DemoID)
		if s.demos != nil {
			s.demos.Invalidate(res.Owner)
		}
	}
	if changed || res.Fork {
		s.notify()
	}
}

// Listen registers fn to run after every change. Callbacks run
// synchronously on the goroutine that made the change; saves complete on a
// background goroutine. The returned function unregisters fn.
func (s *Session) Listen(fn func()) (dispose func()) {
	s.lmu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			defer s.lmu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// beginOp starts a compound file operation. Notifications raised until
// endOp are delivered once, after the operation lock is released, so
// listeners may call back into the session.
func (s *Session) beginOp() {
	s.ops.Lock()
	s.mu.Lock()
	s.inOp = true
	s.mu.Unlock()
}

func (s *Session) endOp() {
	s.mu.Lock()
	s.inOp = false
	queued := s.notifyQueued
	s.notifyQueued = false
	s.mu.Unlock()
	s.ops.Unlock()

	if queued {
		s.notify()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	if s.inOp {
		s.notifyQueued = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.lmu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.lmu.Unlock()

	for _, sub := range subs {
		sub.fn()
	}
}

// Flush waits for queued saves to complete.
func (s *Session) Flush(ctx context.Context) error {
	return s.gate.Flush(ctx)
}

// Close detaches the session from its store and waits for outstanding
// saves. Later saves are refused.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.disposeStore()
		s.closeErr = s.gate.Close(ctx)
		if s.demos != nil {
			s.demos.Stop()
		}
	})
	return s.closeErr
}
