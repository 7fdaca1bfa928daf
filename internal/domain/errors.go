package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the repository and engine layers.
var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrPolicyNotFound   = errors.New("retry policy not found")
)

// ErrorKind classifies failures crossing the engine's layers. Transient and
// rate-limited failures leave a message retry-eligible; permanent failures
// skip the recipient; session loss pauses every campaign on the session;
// repository errors halt the campaign in the error state.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindTransient
	KindPermanent
	KindRateLimited
	KindSessionLost
	KindRepository
)

var kindNames = map[ErrorKind]string{
	KindValidation:  "validation",
	KindTransient:   "transient",
	KindPermanent:   "permanent",
	KindRateLimited: "rate_limited",
	KindSessionLost: "session_lost",
	KindRepository:  "repository",
}

func (k ErrorKind) String() string { return kindNames[k] }

// Error wraps an underlying cause with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from err, defaulting to transient:
// an unclassified failure must stay retry-eligible rather than burn the
// recipient.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
