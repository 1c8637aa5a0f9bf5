// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"encoding/xml"
	"errors"
	"io"
	"net"

	"cadence.im/xmpp/internal/framer"
	"cadence.im/xmpp/internal/saslerr"
	"cadence.im/xmpp/stream"
)

// Kind classifies the terminal errors a session can fail with. Every error
// during negotiation is fatal to the current connection attempt; the kind
// carries enough detail for the caller to decide whether retrying (with
// different credentials, or after a backoff) makes sense.
type Kind uint8

const (
	// ConnectError indicates that address resolution or socket establishment
	// failed.
	ConnectError Kind = iota

	// TransportError indicates an I/O failure after the connection was
	// established.
	TransportError

	// MalformedXML indicates an unrecoverable parse failure. XML
	// well-formedness violations cannot be recovered from mid-stream.
	MalformedXML

	// TLSError indicates a refused STARTTLS request or a failed TLS
	// handshake.
	TLSError

	// NoUsableMechanism indicates that the features offered by the server
	// cannot be satisfied by local policy (no acceptable SASL mechanism, or
	// an unsatisfiable TLS requirement on either side).
	NoUsableMechanism

	// SASLFailure indicates that authentication failed. The server-supplied
	// condition is propagated verbatim in Condition.
	SASLFailure

	// BindError indicates that resource binding failed.
	BindError

	// NegotiationTimeout indicates that a per-phase deadline expired.
	NegotiationTimeout

	// ProtocolViolation indicates that the server deviated from the expected
	// sequencing, e.g. sent stanzas before the stream was ready or never
	// terminated a SASL exchange.
	ProtocolViolation
)

// String satisfies fmt.Stringer for error kinds.
func (k Kind) String() string {
	switch k {
	case ConnectError:
		return "connect error"
	case TransportError:
		return "transport error"
	case MalformedXML:
		return "malformed XML"
	case TLSError:
		return "TLS error"
	case NoUsableMechanism:
		return "no usable mechanism"
	case SASLFailure:
		return "SASL failure"
	case BindError:
		return "bind error"
	case NegotiationTimeout:
		return "negotiation timeout"
	case ProtocolViolation:
		return "protocol violation"
	}
	return "unknown error"
}

// Error is the terminal failure of a session. It wraps the underlying cause
// (if any) and records the SASL mechanism and server-supplied condition when
// they apply.
type Error struct {
	Kind      Kind
	Mechanism string
	Condition string
	Err       error
}

// Error satisfies the builtin error interface.
func (e *Error) Error() string {
	s := "xmpp: " + e.Kind.String()
	if e.Mechanism != "" {
		s += " (" + e.Mechanism + ")"
	}
	if e.Condition != "" {
		s += ": " + e.Condition
	} else if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports true when the target is an Error of the same kind, so that
// errors.Is(err, &Error{Kind: TLSError}) can be used to test the kind alone.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && te.Kind == e.Kind &&
		(te.Mechanism == "" || te.Mechanism == e.Mechanism) &&
		(te.Condition == "" || te.Condition == e.Condition)
}

func newError(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// classify maps low level framing and transport errors onto terminal error
// kinds. Errors that are already classified pass through unchanged.
func classify(err error) *Error {
	var alreadyKinded *Error
	if errors.As(err, &alreadyKinded) {
		return alreadyKinded
	}

	var syntaxErr *xml.SyntaxError
	if errors.As(err, &syntaxErr) {
		return newError(MalformedXML, err)
	}

	var streamErr stream.Error
	if errors.As(err, &streamErr) {
		return &Error{Kind: ProtocolViolation, Condition: streamErr.Err, Err: err}
	}

	var failure saslerr.Failure
	if errors.As(err, &failure) {
		return &Error{Kind: SASLFailure, Condition: string(failure.Condition), Err: err}
	}

	if errors.Is(err, framer.ErrUnexpectedRestart) || errors.Is(err, framer.ErrTooLargeStanza) {
		return newError(ProtocolViolation, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(NegotiationTimeout, err)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(MalformedXML, err)
	}

	return newError(TransportError, err)
}
