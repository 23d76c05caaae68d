// Package walleterr defines the error taxonomy surfaced by the wallet orchestrator.
// Every failure that reaches a notification sink is classified into one of these kinds
// at the component boundary.
package walleterr

import (
	"errors"
	"fmt"
)

// Kind classifies a user-facing failure.
type Kind int

const (
	// KindUnknown is never produced by the orchestrator; it is what KindOf
	// returns for unclassified errors.
	KindUnknown Kind = iota
	EnvironmentUnsupported
	ConnectorNotFound
	AuthorizationPending
	AuthorizationDenied
	ConnectorCallFailed
	TransactionRejected
	TransactionExecutionFailed
	ConfirmationTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	EnvironmentUnsupported:     "environment_unsupported",
	ConnectorNotFound:          "connector_not_found",
	AuthorizationPending:       "authorization_pending",
	AuthorizationDenied:        "authorization_denied",
	ConnectorCallFailed:        "connector_call_failed",
	TransactionRejected:        "transaction_rejected",
	TransactionExecutionFailed: "transaction_execution_failed",
	ConfirmationTimeout:        "confirmation_timeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Title and Message carry connector-supplied text
// when the connector provided structured error data.
type Error struct {
	Kind    Kind
	Title   string
	Message string
	Err     error
}

// New creates a classified error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err. A nil err still produces a classified error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Title != "" {
		msg = e.Title
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, walleterr.New(kind, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithTitle returns a copy of e with the given title.
func (e *Error) WithTitle(title string) *Error {
	cp := *e
	cp.Title = title
	return &cp
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
