// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"crypto/tls"
	"log"
	"time"

	"golang.org/x/text/language"
	"mellium.im/sasl"

	"cadence.im/xmpp/jid"
)

// TLSPolicy controls whether the session upgrades the connection with
// STARTTLS when the server offers it.
type TLSPolicy uint8

const (
	// TLSPreferred upgrades the connection when the server offers STARTTLS
	// but proceeds in the clear when it does not.
	TLSPreferred TLSPolicy = iota

	// TLSRequired fails the negotiation unless the connection can be
	// upgraded.
	TLSRequired

	// TLSDisabled never upgrades the connection. Negotiation fails if the
	// server makes STARTTLS mandatory.
	TLSDisabled
)

// Default limits applied when the corresponding Config field is zero.
const (
	DefaultNegotiateTimeout = 30 * time.Second
	DefaultCloseDeadline    = 5 * time.Second
	DefaultMaxSASLRounds    = 10
)

// Timeouts holds the per-phase deadlines that bound each step of stream
// negotiation. A zero value means DefaultNegotiateTimeout.
type Timeouts struct {
	StreamHeader time.Duration
	Features     time.Duration
	StartTLS     time.Duration
	Auth         time.Duration
	Bind         time.Duration
}

func (t Timeouts) streamHeader() time.Duration { return orDefault(t.StreamHeader) }
func (t Timeouts) features() time.Duration     { return orDefault(t.Features) }
func (t Timeouts) startTLS() time.Duration     { return orDefault(t.StartTLS) }
func (t Timeouts) auth() time.Duration         { return orDefault(t.Auth) }
func (t Timeouts) bind() time.Duration         { return orDefault(t.Bind) }

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultNegotiateTimeout
	}
	return d
}

// Config represents the configuration of an XMPP session. The zero values of
// all optional fields are usable.
type Config struct {
	// Origin is the address to authenticate as. The domainpart is also the
	// domain the stream is addressed to.
	Origin jid.Bare

	// Resource is the resourcepart to request during binding. If empty the
	// server assigns one.
	Resource string

	// Password (and the optional authorization Identity, used when acting on
	// behalf of another user) are handed to the SASL mechanisms.
	Password string
	Identity string

	// Mechanisms is the list of acceptable SASL mechanisms. The order in
	// which mechanisms are specified is the preference order, so stronger
	// mechanisms should be listed first.
	Mechanisms []sasl.Mechanism

	// TLS is the STARTTLS upgrade policy and TLSConfig the configuration
	// used for the handshake. A nil TLSConfig is interpreted as a tls.Config
	// with the expected host set to the origin domain.
	TLS       TLSPolicy
	TLSConfig *tls.Config

	// Lang is the default language for the stream.
	Lang language.Tag

	// Timeouts bound each negotiation phase.
	Timeouts Timeouts

	// CloseDeadline bounds how long Close waits for the peer to close its
	// half of the stream. Zero means DefaultCloseDeadline.
	CloseDeadline time.Duration

	// MaxSASLRounds bounds the number of server challenges accepted during a
	// single authentication attempt. Zero means DefaultMaxSASLRounds.
	MaxSASLRounds int

	// MaxStanzaSize caps the wire size of a single incoming element. Zero
	// means no limit.
	MaxStanzaSize int64

	// Logger, if set, receives diagnostics from connection teardown. The
	// session is otherwise silent.
	Logger *log.Logger
}

func (c Config) maxSASLRounds() int {
	if c.MaxSASLRounds <= 0 {
		return DefaultMaxSASLRounds
	}
	return c.MaxSASLRounds
}

func (c Config) closeDeadline() time.Duration {
	if c.CloseDeadline <= 0 {
		return DefaultCloseDeadline
	}
	return c.CloseDeadline
}

func (c Config) logf(format string, v ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}
