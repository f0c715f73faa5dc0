package demoit

import "errors"

var (
	// ErrNoDemoID is returned when the id of a demo that was never saved is
	// requested.
	ErrNoDemoID = errors.New("demoit: there is no demoId")

	// ErrNotLoggedIn is returned by operations that need a profile.
	ErrNotLoggedIn = errors.New("demoit: not logged in")

	// ErrNoRemote is returned when the session has no demo store.
	ErrNoRemote = errors.New("demoit: no demo store configured")
)

// CleanupFunc releases whatever an outside runtime holds for a file that is
// about to be deleted.
type CleanupFunc func(filename string)
