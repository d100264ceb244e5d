package ftp

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed. Callers use errors.As to
// recover an *Error and switch on Kind to decide whether to retry,
// surface an outcome, or propagate.
type Kind int

const (
	KindArgument Kind = iota
	KindProtocolState
	KindCommand
	KindTransport
	KindParse
	KindCanceled
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "argument"
	case KindProtocolState:
		return "protocol_state"
	case KindCommand:
		return "command"
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindCanceled:
		return "canceled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the library's single error type. Command errors carry the
// server's Reply so callers can inspect the code; the others wrap an
// underlying cause.
type Error struct {
	Kind    Kind
	Op      string // e.g. "RETR", "Dial", "openDataChannel"
	Reply   *Reply // set only for KindCommand
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Reply != nil:
		return fmt.Sprintf("ftp: %s: %d %s", e.Op, e.Reply.Code, e.Reply.Message)
	case e.Err != nil:
		return fmt.Sprintf("ftp: %s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("ftp: %s: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("ftp: %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func argErr(op, msg string) error {
	return &Error{Kind: KindArgument, Op: op, Message: msg}
}

func stateErr(op, msg string) error {
	return &Error{Kind: KindProtocolState, Op: op, Message: msg}
}

func cmdErr(op string, reply *Reply) error {
	return &Error{Kind: KindCommand, Op: op, Reply: reply}
}

func transportErr(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func parseErr(op, msg string) error {
	return &Error{Kind: KindParse, Op: op, Message: msg}
}

func timeoutErr(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

func canceledErr(op string, err error) error {
	return &Error{Kind: KindCanceled, Op: op, Err: err}
}

// IsResumable reports whether err is the kind of transport fault that the
// Transfer Engine should recover from by resuming: transport errors,
// yes; cancellation and everything else, no.
func IsResumable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindTransport
}

// ReplyOf extracts the server Reply carried by a Command error, if any.
func ReplyOf(err error) (*Reply, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Reply == nil {
		return nil, false
	}
	return e.Reply, true
}
