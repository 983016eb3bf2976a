// Package fault defines the error taxonomy shared by every reo component.
//
// Each failure belongs to one Kind. Components declare their sentinel errors
// with New and callers match them with errors.Is; KindOf recovers the Kind
// from anywhere in a wrap chain so transport layers can report failures
// without knowing every concrete error.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller is expected to react.
type Kind int

const (
	// Unknown is returned by KindOf for errors that carry no Kind.
	Unknown Kind = iota
	// Connection means a backend or target process is unreachable. Recoverable.
	Connection
	// Precondition means a missing collaborator or a call made in the wrong state.
	Precondition
	// TransientIO is a single memory read or write failure. Never retried automatically.
	TransientIO
	// Protocol is a malformed or unknown message. The frame is dropped.
	Protocol
	// Fatal conditions prevent a component from starting at all.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "ConnectionError"
	case Precondition:
		return "PreconditionError"
	case TransientIO:
		return "TransientIOError"
	case Protocol:
		return "ProtocolError"
	case Fatal:
		return "FatalError"
	default:
		return "UnknownError"
	}
}

// Error is a coded sentinel error. Two Errors match under errors.Is only when
// they are the same value.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

// New declares a sentinel error. code is the stable identifier reported to
// remote callers (for example "NotRunning").
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Msg
}

// Wrap attaches a kind to an arbitrary error without declaring a sentinel.
func Wrap(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{e: Error{Kind: kind, Code: code, Msg: err.Error()}, cause: err}
}

type wrapped struct {
	e     Error
	cause error
}

func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %v", w.e.Code, w.cause)
}

func (w *wrapped) fault() *Error { return &w.e }

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if e := find(err); e != nil {
		return e.Kind
	}
	return Unknown
}

// Code returns the stable code of the first classified error in err's chain,
// or err.Error() when the chain carries no code.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if e := find(err); e != nil {
		return e.Code
	}
	return err.Error()
}

// Is reports whether err's chain contains an error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// classified is implemented by *Error and wrapped.
type classified interface {
	fault() *Error
}

func (e *Error) fault() *Error { return e }

func find(err error) *Error {
	var c classified
	if errors.As(err, &c) {
		return c.fault()
	}
	return nil
}
