// Package errs holds the error taxonomy shared by the session engine.
//
// Lower layers return *Error values; the session manager turns them into a
// Cause so front ends only ever see a kind and a readable detail.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindAuth     Kind = "auth"
	KindChannel  Kind = "channel"
	KindTransfer Kind = "transfer"
	KindProtocol Kind = "protocol"
	KindInternal Kind = "internal"
)

// Error is a classified failure. Op names the operation that failed, e.g.
// "dial", "handshake", "open channel".
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Network(op string, err error) *Error { return newError(KindNetwork, op, err) }

func Auth(op string, err error) *Error { return newError(KindAuth, op, err) }

func Channel(op string, err error) *Error { return newError(KindChannel, op, err) }

func Transfer(op string, err error) *Error { return newError(KindTransfer, op, err) }

func Protocol(op string, err error) *Error { return newError(KindProtocol, op, err) }

// Channelf builds a channel error from a formatted detail.
func Channelf(op, format string, args ...any) *Error {
	return &Error{Kind: KindChannel, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Cause is the structured reason a session left the happy path. For auth
// failures AttemptedCount and Reason say how many credentials were tried and
// what the UI should prompt for.
type Cause struct {
	Kind           Kind   `json:"kind"`
	Detail         string `json:"detail"`
	AttemptedCount int    `json:"attempted_count,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// authDetail is implemented by authentication failures.
type authDetail interface {
	AuthAttempts() int
	AuthReason() string
}

func (c Cause) String() string {
	return string(c.Kind) + ": " + c.Detail
}

// CauseOf converts err into a Cause. The detail is the innermost readable
// message, without the kind prefix.
func CauseOf(err error) Cause {
	if err == nil {
		return Cause{}
	}
	var e *Error
	if !errors.As(err, &e) {
		return Cause{Kind: KindInternal, Detail: err.Error()}
	}
	detail := e.Detail
	if e.Err != nil {
		if detail != "" {
			detail += ": "
		}
		detail += e.Err.Error()
	}
	if detail == "" {
		detail = e.Op
	}
	c := Cause{Kind: e.Kind, Detail: detail}
	var ad authDetail
	if errors.As(err, &ad) {
		c.AttemptedCount = ad.AuthAttempts()
		c.Reason = ad.AuthReason()
	}
	return c
}
