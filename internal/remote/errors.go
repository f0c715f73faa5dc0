package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Op is a demo store call.
type Op string

const (
	OpCreate Op = "create" // save of a demo without id or owner
	OpUpdate Op = "update" // save of a demo the store assigned an id to
	OpList   Op = "list"
)

// Idempotent reports whether sending op twice has the effect of sending it
// once.
func (op Op) Idempotent() bool {
	return op != OpCreate
}

// Kind classifies a failed store call.
type Kind int

const (
	KindRequest      Kind = iota // the request could not be built
	KindCanceled                 // the caller gave up
	KindUnreachable              // no connection was made
	KindTimeout                  // no response in time
	KindBroken                   // the connection failed after the request went out
	KindThrottled                // 429
	KindUnavailable              // 503
	KindServer                   // any other 5xx
	KindUnauthorized             // 401
	KindForbidden                // 403
	KindRejected                 // any other non-2xx
	KindResponse                 // the response could not be read or parsed
	KindCircuitOpen              // the breaker refused the attempt
)

var kindNames = map[Kind]string{
	KindRequest:      "bad request",
	KindCanceled:     "canceled",
	KindUnreachable:  "unreachable",
	KindTimeout:      "timed out",
	KindBroken:       "connection lost",
	KindThrottled:    "throttled",
	KindUnavailable:  "unavailable",
	KindServer:       "server error",
	KindUnauthorized: "unauthorized",
	KindForbidden:    "forbidden",
	KindRejected:     "rejected",
	KindResponse:     "bad response",
	KindCircuitOpen:  "circuit open",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// statusKind maps a non-2xx store status to a Kind.
func statusKind(status int) Kind {
	switch {
	case status == 401:
		return KindUnauthorized
	case status == 403:
		return KindForbidden
	case status == 429:
		return KindThrottled
	case status == 503:
		return KindUnavailable
	case status >= 500:
		return KindServer
	default:
		return KindRejected
	}
}

// Error is a failed store call.
type Error struct {
	Op     Op
	Kind   Kind
	Status int    // HTTP status when the store answered
	Body   string // start of the response body when the store answered

	// RetryAfter is the wait the store asked for on a throttled response.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote: %s %s", e.Op, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	switch {
	case e.Body != "":
		b.WriteString(": " + e.Body)
	case e.Err != nil:
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// OutcomeUnknown reports whether the store may have applied the request
// even though the call failed.
func (e *Error) OutcomeUnknown() bool {
	switch e.Kind {
	case KindTimeout, KindBroken, KindServer:
		return true
	}
	return false
}

// Retryable reports whether sending the same request again is safe and may
// succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUnreachable, KindThrottled, KindUnavailable:
		return true
	}
	return e.OutcomeUnknown() && e.Op.Idempotent()
}

// unhealthy reports whether the failure counts against the store's health.
// A store that answers, even with a refusal or a throttle, is up.
func (e *Error) unhealthy() bool {
	switch e.Kind {
	case KindUnreachable, KindUnavailable:
		return true
	}
	return e.OutcomeUnknown()
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// Message describes a failed save for the editor UI.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Saving failed. Please try again."
	}

	switch e.Kind {
	case KindCircuitOpen:
		return "The demo store is not responding. Saving resumes shortly."
	case KindUnauthorized:
		return "Your login has expired. Please log in again."
	case KindForbidden:
		return "You do not own this demo. Fork it to keep your changes."
	case KindThrottled:
		return "Too many saves. Please slow down."
	case KindUnreachable, KindUnavailable:
		return "Could not reach the demo store. Your changes are kept in the editor."
	case KindCanceled:
		return "Saving was interrupted."
	}

	if e.OutcomeUnknown() {
		if e.Op == OpCreate {
			return "The demo store did not confirm the new demo. It may have been saved; check your demos before saving again."
		}
		return "The demo store did not respond. Your changes will be saved with the next edit."
	}
	return fmt.Sprintf("The demo store rejected the %s.", e.Op)
}
