// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jackal-xmpp/stravaganza/v2"

	"cadence.im/xmpp/internal/framer"
	"cadence.im/xmpp/jid"
	"cadence.im/xmpp/stream"
)

// Phase is the negotiation state of a session. Exactly one phase holds at a
// time and transitions are the only way it changes.
type Phase uint8

const (
	// Connecting means the transport is being established.
	Connecting Phase = iota

	// StreamHeaderSent means the initial stream header went out and the
	// server's response header is awaited. Later restarts re-send the header
	// as part of the transition back to AwaitingFeatures and do not revisit
	// this phase.
	StreamHeaderSent

	// AwaitingFeatures means the stream is open and a feature advertisement
	// is awaited.
	AwaitingFeatures

	// TLSStarting means a STARTTLS upgrade was requested and the verdict or
	// handshake is in flight.
	TLSStarting

	// TLSEstablished means the handshake completed and a stream restart is
	// due.
	TLSEstablished

	// Authenticating means a SASL exchange is in flight.
	Authenticating

	// BindingResource means a resource binding request is in flight.
	BindingResource

	// Ready means negotiation finished and the session exchanges stanzas.
	Ready

	// Closed means the stream was shut down gracefully.
	Closed

	// Failed means the session terminated with an error, available from Err.
	Failed
)

// String satisfies fmt.Stringer for phases.
func (p Phase) String() string {
	switch p {
	case Connecting:
		return "Connecting"
	case StreamHeaderSent:
		return "StreamHeaderSent"
	case AwaitingFeatures:
		return "AwaitingFeatures"
	case TLSStarting:
		return "TLSStarting"
	case TLSEstablished:
		return "TLSEstablished"
	case Authenticating:
		return "Authenticating"
	case BindingResource:
		return "BindingResource"
	case Ready:
		return "Ready"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	}
	return "Invalid"
}

// terminal reports whether no further transitions can occur from p.
func (p Phase) terminal() bool {
	return p == Closed || p == Failed
}

// A Session is a client-to-server XMPP stream over a single connection. It is
// created by NewClientSession or DialSession and negotiates the stream before
// being returned, so a non-nil Session is always Ready.
//
// Negotiation is driven by a single goroutine; once Ready, Send and Recv may
// be used from different goroutines but each from at most one at a time.
type Session struct {
	config Config
	conn   *Conn
	fr     *framer.Framer

	// wmu serializes writes to the stream so that concurrently submitted
	// elements cannot interleave on the wire.
	wmu sync.Mutex

	mu       sync.Mutex
	phase    Phase
	closing  bool
	termErr  *Error
	identity jid.Full
	bound    bool
	header   stream.Header
	features Features
	resets   int

	// phaseHook, if set, observes every phase transition. Used by tests.
	phaseHook func(Phase)
}

func newSession(cfg Config) *Session {
	return &Session{config: cfg}
}

// NewClientSession negotiates a client-to-server session over a connection
// that has already been established, for example by a Dialer. It returns once
// the session is Ready or the negotiation failed.
func NewClientSession(ctx context.Context, cfg Config, conn net.Conn) (*Session, error) {
	s := newSession(cfg)
	s.setPhase(Connecting)
	s.attach(conn)
	if err := s.negotiate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) attach(conn net.Conn) {
	s.conn = newConn(conn, s.config.logf)
	s.fr = framer.New(s.conn, s.config.MaxStanzaSize)
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	hook := s.phaseHook
	s.mu.Unlock()
	if hook != nil {
		hook(p)
	}
}

// Phase returns the current negotiation phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the terminal error if the session is Failed and nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.termErr == nil {
		return nil
	}
	return s.termErr
}

// Identity returns the server-confirmed full address bound to this session.
// The second return value is false until resource binding has completed.
func (s *Session) Identity() (jid.Full, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.bound
}

// RemoteHeader returns the stream header most recently received from the
// server. It is replaced wholesale on every stream restart.
func (s *Session) RemoteHeader() stream.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// Features returns the capabilities the server advertised for the current
// stream instance.
func (s *Session) Features() Features {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

// Secure reports whether the underlying connection has been upgraded to TLS.
func (s *Session) Secure() bool {
	return s.conn.Secure()
}

// fail records the terminal error, tears down the transport, and transitions
// to Failed. It returns the recorded error for convenience.
func (s *Session) fail(e *Error) error {
	s.mu.Lock()
	s.termErr = e
	s.mu.Unlock()
	// The transport may not exist yet when dialing fails.
	if s.conn != nil {
		s.conn.Close()
	}
	s.setPhase(Failed)
	return e
}

// restart discards the framer's parse state for a protocol-mandated stream
// restart. The features recorded for the old stream instance are cleared and
// never merged into the next advertisement.
func (s *Session) restart() {
	s.fr.Reset()
	s.mu.Lock()
	s.features = Features{}
	s.header = stream.Header{}
	s.resets++
	s.mu.Unlock()
}

// arm bounds the next negotiation step with the deadline d. The context is
// re-checked after the deadline is set: the cancellation watchdog fires only
// once, so a cancellation that landed just before the re-arm must not be
// erased by it.
func (s *Session) arm(ctx context.Context, d time.Duration) error {
	s.conn.SetDeadline(time.Now().Add(d))
	if err := ctx.Err(); err != nil {
		s.conn.SetDeadline(time.Now())
		return err
	}
	return nil
}

// openStream sends our stream header and records the server's response
// header.
func (s *Session) openStream(ctx context.Context, first bool) error {
	h := stream.Header{
		To:      s.config.Origin.Domainpart(),
		Version: stream.DefaultVersion,
	}
	if !s.config.Lang.IsRoot() {
		h.Lang = s.config.Lang.String()
	}
	if err := s.arm(ctx, s.config.Timeouts.streamHeader()); err != nil {
		return err
	}
	if err := h.Send(s.conn); err != nil {
		return classify(err)
	}
	if first {
		s.setPhase(StreamHeaderSent)
	}

	if err := s.arm(ctx, s.config.Timeouts.streamHeader()); err != nil {
		return err
	}
	remote, err := s.fr.ExpectHeader(false)
	if err != nil {
		return classify(err)
	}
	s.mu.Lock()
	s.header = remote
	s.mu.Unlock()
	return nil
}

// awaitFeatures reads and parses the next feature advertisement.
func (s *Session) awaitFeatures(ctx context.Context) (Features, error) {
	s.setPhase(AwaitingFeatures)
	if err := s.arm(ctx, s.config.Timeouts.features()); err != nil {
		return Features{}, err
	}
	el, err := s.fr.Next()
	if err != nil {
		return Features{}, classify(err)
	}
	if el.Name() != "features" {
		return Features{}, newError(ProtocolViolation,
			fmt.Errorf("expected stream features, got <%s/>", el.Name()))
	}
	f := parseFeatures(el)
	s.mu.Lock()
	s.features = f
	s.mu.Unlock()
	return f, nil
}

// negotiate drives the stream from an established transport to Ready. Every
// error is fatal to this connection attempt; cancellation of ctx results in a
// best-effort graceful close and the Closed phase.
func (s *Session) negotiate(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock any in-flight read or write so that the driving
			// goroutine can observe the cancellation.
			s.conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	var p progress
	first := true
	for {
		if err := s.openStream(ctx, first); err != nil {
			return s.abort(ctx, err)
		}
		first = false

		f, err := s.awaitFeatures(ctx)
		if err != nil {
			return s.abort(ctx, err)
		}

		d, err := decide(f, p, s.config.TLS, s.config.Mechanisms)
		if err != nil {
			return s.abort(ctx, err)
		}
		switch d.action {
		case actionStartTLS:
			s.setPhase(TLSStarting)
			if err := s.arm(ctx, s.config.Timeouts.startTLS()); err != nil {
				return s.abort(ctx, err)
			}
			if err := s.negotiateStartTLS(ctx); err != nil {
				return s.abort(ctx, err)
			}
			p.secured = true
			s.setPhase(TLSEstablished)
			s.restart()
		case actionAuthenticate:
			s.setPhase(Authenticating)
			if err := s.arm(ctx, s.config.Timeouts.auth()); err != nil {
				return s.abort(ctx, err)
			}
			if err := s.negotiateSASL(d.mechanism, f.Mechanisms); err != nil {
				return s.abort(ctx, err)
			}
			p.authed = true
			s.restart()
		case actionBind:
			s.setPhase(BindingResource)
			if err := s.arm(ctx, s.config.Timeouts.bind()); err != nil {
				return s.abort(ctx, err)
			}
			if err := s.negotiateBind(); err != nil {
				return s.abort(ctx, err)
			}
			p.bound = true
			if err := ctx.Err(); err != nil {
				return s.abort(ctx, err)
			}
			s.ready()
			return nil
		case actionReady:
			if err := ctx.Err(); err != nil {
				return s.abort(ctx, err)
			}
			s.ready()
			return nil
		}
	}
}

func (s *Session) ready() {
	// Clear the negotiation deadlines; steady-state reads block until the
	// caller imposes its own policy.
	s.conn.SetDeadline(time.Time{})
	s.setPhase(Ready)
}

// abort resolves a negotiation error against the context: cancellation wins
// and yields a graceful close, anything else is terminal.
func (s *Session) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		s.shutdown()
		return ctx.Err()
	}
	return s.fail(classify(err))
}

// Recv returns the next stanza received on the stream. It must not be called
// before the session is Ready. It returns io.EOF after the peer closes its
// half of the stream gracefully; any other error terminates the session.
func (s *Session) Recv() (stravaganza.Element, error) {
	el, err := s.recv()
	if err != nil && err != io.EOF {
		if _, ok := err.(*Error); !ok {
			return nil, s.fail(classify(err))
		}
	}
	return el, err
}

// recv reads the next stanza without recording a terminal error, so that
// callers can resolve cancellation against a read failure first.
func (s *Session) recv() (stravaganza.Element, error) {
	if p := s.Phase(); p != Ready {
		return nil, newError(ProtocolViolation,
			fmt.Errorf("receive in phase %s", p))
	}
	el, err := s.fr.Next()
	if err == io.EOF {
		// The peer initiated a graceful close; reciprocate.
		s.shutdown()
		return nil, io.EOF
	}
	return el, err
}

// Send serializes el and writes it to the stream. It must not be called
// before the session is Ready.
func (s *Session) Send(el stravaganza.Element) error {
	if p := s.Phase(); p != Ready {
		return newError(ProtocolViolation,
			fmt.Errorf("send in phase %s", p))
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := el.ToXML(s.conn, true); err != nil {
		return s.fail(newError(TransportError, err))
	}
	return nil
}

// A Handler responds to incoming stanzas.
type Handler interface {
	HandleElement(el stravaganza.Element) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(el stravaganza.Element) error

// HandleElement calls f(el).
func (f HandlerFunc) HandleElement(el stravaganza.Element) error {
	return f(el)
}

// Serve receives stanzas on the stream and dispatches them to h until the
// stream ends or ctx is canceled. A nil error means the peer or the context
// closed the stream gracefully; a handler error stops the pump and is
// returned unchanged after the stream is closed.
func (s *Session) Serve(ctx context.Context, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		el, err := s.recv()
		switch {
		case err == nil:
		case err == io.EOF:
			return nil
		case ctx.Err() != nil:
			// Cancellation wins over the read failure it provoked.
			s.shutdown()
			return nil
		default:
			if _, ok := err.(*Error); !ok {
				err = s.fail(classify(err))
			}
			return err
		}
		if err := h.HandleElement(el); err != nil {
			s.Close()
			return err
		}
	}
}

// Close performs a graceful shutdown of the stream: it sends the closing tag,
// waits a bounded time for the peer to close its half, then closes the
// transport and transitions to Closed. It is safe to call from any phase and
// is idempotent.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

// shutdown is the graceful close sequence. The peer may never answer, so
// every step is bounded by the close deadline. At most one caller runs the
// sequence; the closing flag keeps concurrent callers from sending a second
// closing tag.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closing || s.phase.terminal() {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	deadline := time.Now().Add(s.config.closeDeadline())
	s.conn.SetDeadline(deadline)

	s.wmu.Lock()
	_, err := io.WriteString(s.conn, `</stream:stream>`)
	s.wmu.Unlock()
	if err == nil {
		// Drain until the peer's closing tag or the deadline.
		for {
			if _, err := s.fr.Next(); err != nil {
				break
			}
		}
	}
	s.conn.Close()
	s.setPhase(Closed)
}
