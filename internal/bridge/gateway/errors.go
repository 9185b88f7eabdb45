package gateway

import (
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
)

// Kind is the coarse failure class every homeserver error is normalized to.
// Callers branch on Kind instead of matching Matrix errcodes.
type Kind int

const (
	// KindTransient covers network failures and 5xx responses; safe to retry.
	KindTransient Kind = iota
	// KindAuthExpired means the access token was rejected; re-login and retry.
	KindAuthExpired
	// KindRateLimited means the homeserver throttled us; retry after the hint.
	KindRateLimited
	// KindForbidden means the operation is denied for this identity.
	KindForbidden
	// KindNotFound means the room, event, or user does not exist.
	KindNotFound
	// KindMalformedInput means the request itself was invalid; never retry.
	KindMalformedInput
	// KindIdentityConflict means a username or alias is already taken.
	KindIdentityConflict
	// KindFatal is every other non-retryable failure.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindRateLimited:
		return "rate_limited"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindMalformedInput:
		return "malformed_input"
	case KindIdentityConflict:
		return "identity_conflict"
	default:
		return "fatal"
	}
}

// Error is a classified homeserver failure.
type Error struct {
	Kind  Kind
	Op    string
	Delay time.Duration // rate-limit hint, zero when absent
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryAfter reports the homeserver's requested back-off, satisfying the
// retry package's hint interface.
func (e *Error) RetryAfter() time.Duration { return e.Delay }

// KindOf extracts the Kind from a classified error, KindFatal otherwise.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindFatal
}

// Retryable reports whether the failure class permits another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindAuthExpired:
		return true
	}
	return false
}

// Classify wraps a raw mautrix error into an *Error with a normalized Kind.
// nil passes through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	ge := &Error{Op: op, Err: err}

	switch {
	case errors.Is(err, mautrix.MUnknownToken), errors.Is(err, mautrix.MMissingToken):
		ge.Kind = KindAuthExpired
	case errors.Is(err, mautrix.MLimitExceeded):
		ge.Kind = KindRateLimited
		ge.Delay = retryAfterHint(err)
	case errors.Is(err, mautrix.MForbidden):
		ge.Kind = KindForbidden
	case errors.Is(err, mautrix.MNotFound):
		ge.Kind = KindNotFound
	case errors.Is(err, mautrix.MUserInUse), errors.Is(err, mautrix.MExclusive), errors.Is(err, mautrix.MRoomInUse):
		ge.Kind = KindIdentityConflict
	case errors.Is(err, mautrix.MBadJSON), errors.Is(err, mautrix.MNotJSON), errors.Is(err, mautrix.MInvalidParam):
		ge.Kind = KindMalformedInput
	default:
		ge.Kind = classifyHTTP(err)
	}

	return ge
}

// classifyHTTP separates server-side failures (retryable) from everything
// else. Errors that never reached the homeserver (timeouts, refused
// connections) surface as plain non-HTTPError values and are transient.
func classifyHTTP(err error) Kind {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return KindTransient
	}
	if httpErr.Response != nil && httpErr.Response.StatusCode >= 500 {
		return KindTransient
	}
	return KindFatal
}

// retryAfterHint pulls the retry_after_ms field out of an M_LIMIT_EXCEEDED
// response. Zero when the homeserver sent no hint.
func retryAfterHint(err error) time.Duration {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.RespError == nil {
		return 0
	}
	raw, ok := httpErr.RespError.ExtraData["retry_after_ms"]
	if !ok {
		return 0
	}
	ms, ok := raw.(float64)
	if !ok || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
