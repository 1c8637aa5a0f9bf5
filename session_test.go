// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jackal-xmpp/stravaganza/v2"
	"mellium.im/sasl"

	"cadence.im/xmpp/jid"
)

const (
	serverHeader = `<?xml version='1.0'?><stream:stream xmlns='jabber:client' ` +
		`xmlns:stream='http://etherx.jabber.org/streams' from='example.net' ` +
		`id='%s' version='1.0'>`
	featuresStartTLS = `<stream:features>` +
		`<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls>` +
		`</stream:features>`
	featuresPlain = `<stream:features>` +
		`<mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'>` +
		`<mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	featuresBind = `<stream:features>` +
		`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features>`
	saslSuccess = `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`
)

// testTLSConfig generates an ephemeral self-signed certificate for
// example.net and returns matching server and client TLS configurations.
func testTLSConfig(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("error generating key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.net"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"example.net"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("error creating certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("error parsing certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return &tls.Config{
			Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		}, &tls.Config{
			ServerName: "example.net",
			RootCAs:    pool,
		}
}

// negotiateSession runs a full client negotiation against the scripted server
// function srv and returns the session, the negotiation error, the observed
// phase transitions, and a channel carrying the server-side result. Scripts
// may outlive negotiation, so the channel must not be received from until the
// script's final step has been driven.
func negotiateSession(t *testing.T, ctx context.Context, cfg Config, srv func(net.Conn) error) (*Session, error, []Phase, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv(server)
	}()

	var phases []Phase
	s := newSession(cfg)
	s.phaseHook = func(p Phase) { phases = append(phases, p) }
	s.setPhase(Connecting)
	s.attach(client)
	err := s.negotiate(ctx)
	return s, err, phases, srvErr
}

// TestNegotiateFullScenario drives the complete handshake: mandatory
// STARTTLS, then SASL, then bind, with the two protocol-mandated stream
// restarts, and exchanges a stanza once ready.
func TestNegotiateFullScenario(t *testing.T) {
	serverTLS, clientTLS := testTLSConfig(t)

	srv := func(conn net.Conn) error {
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(conn, serverHeader, "s1")
		fmt.Fprint(conn, featuresStartTLS)

		if _, err := readUntil(conn, "<starttls"); err != nil {
			return err
		}
		fmt.Fprint(conn, `<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`)
		tconn := tls.Server(conn, serverTLS)
		if err := tconn.Handshake(); err != nil {
			return err
		}

		if _, err := readUntil(tconn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(tconn, serverHeader, "s2")
		fmt.Fprint(tconn, featuresPlain)

		got, err := readUntil(tconn, "</auth>")
		if err != nil {
			return err
		}
		if !bytes.Contains(got, []byte(`mechanism='PLAIN'`)) {
			return fmt.Errorf("wrong mechanism in %s", got)
		}
		fmt.Fprint(tconn, saslSuccess)

		if _, err := readUntil(tconn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(tconn, serverHeader, "s3")
		fmt.Fprint(tconn, featuresBind)

		got, err = readUntil(tconn, "</iq>")
		if err != nil {
			return err
		}
		m := iqIDPattern.FindSubmatch(got)
		if m == nil {
			return fmt.Errorf("no id in bind request %s", got)
		}
		fmt.Fprintf(tconn, `<iq id='%s' type='result'>`+
			`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`+
			`<jid>romeo@example.net/balcony</jid></bind></iq>`, m[1])

		// Steady state: deliver one stanza, then reciprocate the close.
		fmt.Fprint(tconn, `<message from='juliet@example.net'><body>hello</body></message>`)
		if _, err := readUntil(tconn, "</stream:stream>"); err != nil {
			return err
		}
		fmt.Fprint(tconn, `</stream:stream>`)
		return nil
	}

	s, err, phases, srvErr := negotiateSession(t, context.Background(), Config{
		Origin:     jid.MustParseBare("romeo@example.net"),
		Resource:   "balcony",
		Password:   "secret",
		Mechanisms: []sasl.Mechanism{sasl.ScramSha1, sasl.Plain},
		TLS:        TLSRequired,
		TLSConfig:  clientTLS,
	}, srv)
	if err != nil {
		t.Fatalf("unexpected negotiation error: %v", err)
	}

	wantPhases := []Phase{
		Connecting, StreamHeaderSent, AwaitingFeatures,
		TLSStarting, TLSEstablished, AwaitingFeatures,
		Authenticating, AwaitingFeatures,
		BindingResource, Ready,
	}
	if !reflect.DeepEqual(phases, wantPhases) {
		t.Errorf("wrong transitions:\nwant=%v\n got=%v", wantPhases, phases)
	}
	if s.resets != 2 {
		t.Errorf("got %d framer resets, want 2", s.resets)
	}
	if !s.Secure() {
		t.Error("session should be secured after STARTTLS")
	}
	if h := s.RemoteHeader(); h.ID != "s3" {
		t.Errorf("remote header not replaced on restart: %+v", h)
	}
	full, ok := s.Identity()
	if !ok || full.String() != "romeo@example.net/balcony" {
		t.Errorf("got identity %q (bound=%t), want romeo@example.net/balcony", full, ok)
	}

	msg, err := s.Recv()
	if err != nil {
		t.Fatalf("unexpected error receiving stanza: %v", err)
	}
	if msg.Name() != "message" || msg.Child("body").Text() != "hello" {
		t.Errorf("wrong stanza: %v", msg.GoString())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error closing session: %v", err)
	}
	if p := s.Phase(); p != Closed {
		t.Errorf("got phase %v after close, want Closed", p)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("scripted server failed: %v", err)
	}
}

func TestNegotiatePlaintext(t *testing.T) {
	srv := func(conn net.Conn) error {
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(conn, serverHeader, "s1")
		fmt.Fprint(conn, featuresPlain)
		if _, err := readUntil(conn, "</auth>"); err != nil {
			return err
		}
		fmt.Fprint(conn, saslSuccess)
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(conn, serverHeader, "s2")
		fmt.Fprint(conn, featuresBind)
		got, err := readUntil(conn, "</iq>")
		if err != nil {
			return err
		}
		m := iqIDPattern.FindSubmatch(got)
		fmt.Fprintf(conn, `<iq id='%s' type='result'>`+
			`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`+
			`<jid>romeo@example.net/gen1</jid></bind></iq>`, m[1])
		return nil
	}

	s, err, _, srvErr := negotiateSession(t, context.Background(), Config{
		Origin:     jid.MustParseBare("romeo@example.net"),
		Password:   "secret",
		Mechanisms: []sasl.Mechanism{sasl.Plain},
		TLS:        TLSPreferred,
	}, srv)
	if err != nil {
		t.Fatalf("unexpected negotiation error: %v", err)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("scripted server failed: %v", err)
	}
	if s.Secure() {
		t.Error("session should not be secured without STARTTLS")
	}
	if s.resets != 1 {
		t.Errorf("got %d framer resets, want 1", s.resets)
	}
	if full, ok := s.Identity(); !ok || full.Resourcepart() != "gen1" {
		t.Errorf("got identity %q (bound=%t), want server-generated resource gen1", full, ok)
	}
}

func TestNegotiateTimeout(t *testing.T) {
	srv := func(conn net.Conn) error {
		// Swallow the client's header and never answer.
		io.Copy(io.Discard, conn)
		return nil
	}

	s, err, _, _ := negotiateSession(t, context.Background(), Config{
		Origin:   jid.MustParseBare("romeo@example.net"),
		Timeouts: Timeouts{StreamHeader: 50 * time.Millisecond},
	}, srv)
	if !errors.Is(err, &Error{Kind: NegotiationTimeout}) {
		t.Fatalf("got error %v, want NegotiationTimeout", err)
	}
	if p := s.Phase(); p != Failed {
		t.Errorf("got phase %v, want Failed", p)
	}
	if !errors.Is(s.Err(), &Error{Kind: NegotiationTimeout}) {
		t.Errorf("terminal error %v not recorded on the session", s.Err())
	}
}

func TestNegotiateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	srv := func(conn net.Conn) error {
		io.Copy(io.Discard, conn)
		return nil
	}

	s, err, _, _ := negotiateSession(t, ctx, Config{
		Origin:        jid.MustParseBare("romeo@example.net"),
		CloseDeadline: 100 * time.Millisecond,
	}, srv)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got error %v, want context.Canceled", err)
	}
	// Cancellation must end in Closed, never park the machine or report
	// Failed.
	if p := s.Phase(); p != Closed {
		t.Errorf("got phase %v, want Closed", p)
	}
}

// plainScript negotiates PLAIN authentication and binds the given resource,
// leaving the connection open for further scripting.
func plainScript(conn net.Conn, resource string) error {
	if _, err := readUntil(conn, "<stream:stream"); err != nil {
		return err
	}
	fmt.Fprintf(conn, serverHeader, "s1")
	fmt.Fprint(conn, featuresPlain)
	if _, err := readUntil(conn, "</auth>"); err != nil {
		return err
	}
	fmt.Fprint(conn, saslSuccess)
	if _, err := readUntil(conn, "<stream:stream"); err != nil {
		return err
	}
	fmt.Fprintf(conn, serverHeader, "s2")
	fmt.Fprint(conn, featuresBind)
	got, err := readUntil(conn, "</iq>")
	if err != nil {
		return err
	}
	m := iqIDPattern.FindSubmatch(got)
	if m == nil {
		return fmt.Errorf("no id in bind request %s", got)
	}
	fmt.Fprintf(conn, `<iq id='%s' type='result'>`+
		`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`+
		`<jid>romeo@example.net/%s</jid></bind></iq>`, m[1], resource)
	return nil
}

// TestNegotiateCancelAtPhaseBoundary cancels the context in the window
// between a phase transition and the arming of that phase's deadline. The
// watchdog fires only once, so the re-arm itself must notice the
// cancellation instead of erasing it.
func TestNegotiateCancelAtPhaseBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := func(conn net.Conn) error {
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(conn, serverHeader, "s1")
		fmt.Fprint(conn, featuresPlain)
		io.Copy(io.Discard, conn)
		return nil
	}

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go srv(server)

	s := newSession(Config{
		Origin:        jid.MustParseBare("romeo@example.net"),
		Password:      "secret",
		Mechanisms:    []sasl.Mechanism{sasl.Plain},
		CloseDeadline: 50 * time.Millisecond,
	})
	s.phaseHook = func(p Phase) {
		if p == Authenticating {
			cancel()
			// Leave the watchdog time to fire before the deadline for the
			// authentication exchange is armed.
			time.Sleep(50 * time.Millisecond)
		}
	}
	s.setPhase(Connecting)
	s.attach(client)

	err := s.negotiate(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got error %v, want context.Canceled", err)
	}
	if p := s.Phase(); p != Closed {
		t.Errorf("got phase %v, want Closed", p)
	}
}

// TestIdentityReadDuringNegotiation drives the published-state accessors from
// another goroutine while negotiation is in flight.
func TestIdentityReadDuringNegotiation(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- plainScript(server, "gen1")
	}()

	s := newSession(Config{
		Origin:     jid.MustParseBare("romeo@example.net"),
		Password:   "secret",
		Mechanisms: []sasl.Mechanism{sasl.Plain},
	})
	s.setPhase(Connecting)
	s.attach(client)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Phase()
				s.Identity()
			}
		}
	}()

	err := s.negotiate(context.Background())
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("unexpected negotiation error: %v", err)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("scripted server failed: %v", err)
	}
	if full, ok := s.Identity(); !ok || full.Resourcepart() != "gen1" {
		t.Errorf("got identity %q (bound=%t), want resource gen1", full, ok)
	}
}

// TestCloseConcurrent verifies that concurrent Close calls send the closing
// tag exactly once.
func TestCloseConcurrent(t *testing.T) {
	wire := make(chan []byte, 1)
	srv := func(conn net.Conn) error {
		if err := plainScript(conn, "gen1"); err != nil {
			return err
		}
		// Capture everything the client sends while closing.
		buf, _ := readUntil(conn, "</stream:stream>")
		rest, _ := io.ReadAll(conn)
		wire <- append(buf, rest...)
		return nil
	}

	s, err, _, srvErr := negotiateSession(t, context.Background(), Config{
		Origin:        jid.MustParseBare("romeo@example.net"),
		Password:      "secret",
		Mechanisms:    []sasl.Mechanism{sasl.Plain},
		CloseDeadline: 50 * time.Millisecond,
	}, srv)
	if err != nil {
		t.Fatalf("unexpected negotiation error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	if err := <-srvErr; err != nil {
		t.Fatalf("scripted server failed: %v", err)
	}
	if got := <-wire; bytes.Count(got, []byte("</stream:stream>")) != 1 {
		t.Errorf("wrong number of closing tags in %s", got)
	}
	if p := s.Phase(); p != Closed {
		t.Errorf("got phase %v after close, want Closed", p)
	}
}

func TestNegotiateMalformedXML(t *testing.T) {
	srv := func(conn net.Conn) error {
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(conn, serverHeader, "s1")
		fmt.Fprint(conn, `<features <<<`)
		io.Copy(io.Discard, conn)
		return nil
	}

	s, err, _, _ := negotiateSession(t, context.Background(), Config{
		Origin: jid.MustParseBare("romeo@example.net"),
	}, srv)
	if !errors.Is(err, &Error{Kind: MalformedXML}) {
		t.Fatalf("got error %v, want MalformedXML", err)
	}
	if p := s.Phase(); p != Failed {
		t.Errorf("got phase %v, want Failed", p)
	}
}

// A truncated stream header followed by EOF is a parse failure, not a
// timeout.
func TestNegotiateTruncatedHeader(t *testing.T) {
	srv := func(conn net.Conn) error {
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprint(conn, `<stream:stream`)
		return conn.Close()
	}

	s, err, _, _ := negotiateSession(t, context.Background(), Config{
		Origin: jid.MustParseBare("romeo@example.net"),
	}, srv)
	if !errors.Is(err, &Error{Kind: MalformedXML}) {
		t.Fatalf("got error %v, want MalformedXML", err)
	}
	if p := s.Phase(); p != Failed {
		t.Errorf("got phase %v, want Failed", p)
	}
}

func TestNegotiateNoUsableMechanism(t *testing.T) {
	srv := func(conn net.Conn) error {
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		// No STARTTLS on offer even though the client requires it.
		fmt.Fprintf(conn, serverHeader, "s1")
		fmt.Fprint(conn, featuresPlain)
		io.Copy(io.Discard, conn)
		return nil
	}

	_, err, _, _ := negotiateSession(t, context.Background(), Config{
		Origin:     jid.MustParseBare("romeo@example.net"),
		Mechanisms: []sasl.Mechanism{sasl.Plain},
		TLS:        TLSRequired,
	}, srv)
	if !errors.Is(err, &Error{Kind: NoUsableMechanism}) {
		t.Fatalf("got error %v, want NoUsableMechanism", err)
	}
}

func TestNegotiateStanzaBeforeFeatures(t *testing.T) {
	srv := func(conn net.Conn) error {
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(conn, serverHeader, "s1")
		fmt.Fprint(conn, `<message from='mallory@example.net'/>`)
		io.Copy(io.Discard, conn)
		return nil
	}

	_, err, _, _ := negotiateSession(t, context.Background(), Config{
		Origin: jid.MustParseBare("romeo@example.net"),
	}, srv)
	if !errors.Is(err, &Error{Kind: ProtocolViolation}) {
		t.Fatalf("got error %v, want ProtocolViolation", err)
	}
}

func TestRecvSendRequireReady(t *testing.T) {
	s, _ := pipeSession(t, Config{})
	if _, err := s.Recv(); !errors.Is(err, &Error{Kind: ProtocolViolation}) {
		t.Errorf("got error %v, want ProtocolViolation for Recv before Ready", err)
	}
	if err := s.Send(messageElement("hi")); !errors.Is(err, &Error{Kind: ProtocolViolation}) {
		t.Errorf("got error %v, want ProtocolViolation for Send before Ready", err)
	}
}

func messageElement(body string) stravaganza.Element {
	return stravaganza.NewBuilder("message").
		WithAttribute("type", "chat").
		WithChild(stravaganza.NewBuilder("body").WithText(body).Build()).
		Build()
}

// TestServe pumps stanzas through a negotiated session until the peer closes
// the stream.
func TestServe(t *testing.T) {
	srv := func(conn net.Conn) error {
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(conn, serverHeader, "s1")
		fmt.Fprint(conn, featuresPlain)
		if _, err := readUntil(conn, "</auth>"); err != nil {
			return err
		}
		fmt.Fprint(conn, saslSuccess)
		if _, err := readUntil(conn, "<stream:stream"); err != nil {
			return err
		}
		fmt.Fprintf(conn, serverHeader, "s2")
		fmt.Fprint(conn, featuresBind)
		got, err := readUntil(conn, "</iq>")
		if err != nil {
			return err
		}
		m := iqIDPattern.FindSubmatch(got)
		fmt.Fprintf(conn, `<iq id='%s' type='result'>`+
			`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`+
			`<jid>romeo@example.net/gen1</jid></bind></iq>`, m[1])

		// Echo the client's stanza back, then end the stream.
		if _, err := readUntil(conn, "</message>"); err != nil {
			return err
		}
		fmt.Fprint(conn, `<message from='juliet@example.net'><body>pong</body></message>`)
		fmt.Fprint(conn, `</stream:stream>`)
		io.Copy(io.Discard, conn)
		return nil
	}

	s, err, _, srvErr := negotiateSession(t, context.Background(), Config{
		Origin:     jid.MustParseBare("romeo@example.net"),
		Password:   "secret",
		Mechanisms: []sasl.Mechanism{sasl.Plain},
	}, srv)
	if err != nil {
		t.Fatalf("unexpected negotiation error: %v", err)
	}
	if err := s.Send(messageElement("ping")); err != nil {
		t.Fatalf("unexpected error sending stanza: %v", err)
	}

	var bodies []string
	err = s.Serve(context.Background(), HandlerFunc(func(el stravaganza.Element) error {
		bodies = append(bodies, el.Child("body").Text())
		return nil
	}))
	if err != nil {
		t.Fatalf("unexpected error serving: %v", err)
	}
	if !reflect.DeepEqual(bodies, []string{"pong"}) {
		t.Errorf("got bodies %q, want [pong]", bodies)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("scripted server failed: %v", err)
	}
	if p := s.Phase(); p != Closed {
		t.Errorf("got phase %v after stream end, want Closed", p)
	}
}
