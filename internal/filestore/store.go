// Package filestore keeps the files of a demo session in memory, in
// insertion order, and tells listeners about every change.
package filestore

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrExists is returned when a rename target is already taken.
	ErrExists = errors.New("file already exists")
)

// EventKind distinguishes store events.
type EventKind int

const (
	Commit   EventKind = iota // save, delete, rename, save-all
	Checkout                  // contents replaced by a snapshot
)

func (k EventKind) String() string {
	switch k {
	case Commit:
		return "commit"
	case Checkout:
		return "checkout"
	default:
		return "unknown"
	}
}

// Operations reported in Event.Op.
const (
	OpSave     = "save"
	OpSaveAll  = "save-all"
	OpDelete   = "delete"
	OpRename   = "rename"
	OpCheckout = "checkout"
)

// Event describes a store mutation.
type Event struct {
	Kind    EventKind
	Op      string
	Name    string
	NewName string // set for renames
}

// Listener receives store events.
type Listener func(Event)

type subscription struct {
	fn Listener
}

// Store is an in-memory, ordered, event-emitting file store.
// Listeners run synchronously on the goroutine that made the change, in
// registration order, after the store lock has been released.
type Store struct {
	mu      sync.RWMutex
	order   []string
	records map[string]Record

	lmu       sync.Mutex
	listeners []*subscription
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]Record),
	}
}

// Save creates name if absent, otherwise merges u into the existing record.
func (s *Store) Save(name string, u Update) {
	s.mu.Lock()
	rec, exists := s.records[name]
	if !exists {
		s.order = append(s.order, name)
	}
	s.records[name] = u.apply(rec)
	s.mu.Unlock()

	s.emit(Event{Kind: Commit, Op: OpSave, Name: name})
}

// SaveAll merges u into every record.
func (s *Store) SaveAll(u Update) {
	s.mu.Lock()
	for _, name := range s.order {
		s.records[name] = u.apply(s.records[name])
	}
	s.mu.Unlock()

	s.emit(Event{Kind: Commit, Op: OpSaveAll})
}

// Delete removes name. Deleting a missing file is not an error.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	if _, exists := s.records[name]; exists {
		delete(s.records, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	s.emit(Event{Kind: Commit, Op: OpDelete, Name: name})
}

// Rename moves name to newName, keeping its position and fields.
func (s *Store) Rename(name, newName string) error {
	s.mu.Lock()
	rec, exists := s.records[name]
	if !exists {
		s.mu.Unlock()
		return ErrNotFound
	}
	if name == newName {
		s.mu.Unlock()
		return nil
	}
	if _, taken := s.records[newName]; taken {
		s.mu.Unlock()
		return ErrExists
	}

	delete(s.records, name)
	s.records[newName] = rec
	for i, n := range s.order {
		if n == name {
			s.order[i] = newName
			break
		}
	}
	s.mu.Unlock()

	s.emit(Event{Kind: Commit, Op: OpRename, Name: name, NewName: newName})
	return nil
}

// Get returns a copy of the record stored under name.
func (s *Store) Get(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Has reports whether name exists.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[name]
	return ok
}

// Len returns the number of files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// List returns all files in insertion order.
func (s *Store) List() Files {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(Files, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, Entry{Name: name, Record: s.records[name].clone()})
	}
	return out
}

// Import replaces the store contents without emitting an event.
// It is meant for seeding a store at construction time.
func (s *Store) Import(files Files) {
	s.mu.Lock()
	s.replace(files)
	s.mu.Unlock()
}

// Checkout replaces the store contents with a snapshot and emits a
// Checkout event.
func (s *Store) Checkout(files Files) {
	s.mu.Lock()
	s.replace(files)
	s.mu.Unlock()

	s.emit(Event{Kind: Checkout, Op: OpCheckout})
}

// replace must be called with s.mu held.
func (s *Store) replace(files Files) {
	s.order = make([]string, 0, len(files))
	s.records = make(map[string]Record, len(files))
	for _, e := range files {
		if _, dup := s.records[e.Name]; !dup {
			s.order = append(s.order, e.Name)
		}
		s.records[e.Name] = e.Record.clone()
	}
}

// Listen registers fn for every event and returns a function that removes
// it again. The returned function may be called more than once.
func (s *Store) Listen(fn Listener) (dispose func()) {
	sub := &subscription{fn: fn}

	s.lmu.Lock()
	s.listeners = append(s.listeners, sub)
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			defer s.lmu.Unlock()
			for i, l := range s.listeners {
				if l == sub {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) emit(ev Event) {
	s.lmu.Lock()
	listeners := make([]*subscription, len(s.listeners))
	copy(listeners, s.listeners)
	s.lmu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}
