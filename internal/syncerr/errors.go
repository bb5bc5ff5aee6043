// Package syncerr defines the error taxonomy shared by the scheduler, engine and credential broker.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure so callers can decide between skipping, retrying and giving up.
type Kind string

const (
	// KindLockTimeout means the pairing lock was not acquired before its timeout.
	KindLockTimeout Kind = "lock_timeout"
	// KindRunInProgress means another run of the pairing is already live.
	KindRunInProgress Kind = "run_in_progress"
	// KindRunNotLive means the run was finished elsewhere, usually reclaimed by the scheduler,
	// while its engine was still writing to it.
	KindRunNotLive Kind = "run_not_live"
	// KindDecryption means no configured key could decrypt a credential.
	KindDecryption Kind = "decryption"
	// KindRefreshExhausted means a credential hit its refresh attempt cap and was marked invalid.
	KindRefreshExhausted Kind = "refresh_exhausted"
	// KindCredentialsUnusable means the credential is invalid or disabled.
	KindCredentialsUnusable Kind = "credentials_unusable"
	// KindRefreshFailed means one refresh attempt failed; the attempt counter was incremented.
	KindRefreshFailed Kind = "refresh_failed"
	// KindConnector covers any failure from the source pull contract.
	KindConnector Kind = "connector"
	// KindDestination is returned after the gateway exhausted its own retries.
	KindDestination Kind = "destination"
	// KindInfrastructure covers lock store or database unavailability.
	KindInfrastructure Kind = "infrastructure"
	KindNotFound       Kind = "not_found"
	KindConfig         Kind = "config"
)

// Error is a categorized error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err. It returns nil when err is nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf returns the outermost kind found in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsSkip reports whether the failure means "someone else owns this pairing right now".
func IsSkip(err error) bool {
	return IsKind(err, KindLockTimeout) || IsKind(err, KindRunInProgress) || IsKind(err, KindRunNotLive)
}

// IsPermanent reports whether re-dispatching the task cannot succeed without operator action.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindDecryption, KindRefreshExhausted, KindCredentialsUnusable, KindConfig, KindNotFound:
		return true
	}
	for _, k := range []Kind{KindDecryption, KindRefreshExhausted, KindCredentialsUnusable} {
		if IsKind(err, k) {
			return true
		}
	}
	return false
}
