// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"testing"
)

var iqIDPattern = regexp.MustCompile(`id='([^']+)'`)

// bindServer answers a single bind request with reply, substituting the
// request id for any %s verb in reply.
func bindServer(server net.Conn, reply string, done chan<- error) {
	defer close(done)
	got, err := readUntil(server, "</iq>")
	if err != nil {
		done <- err
		return
	}
	m := iqIDPattern.FindSubmatch(got)
	if m == nil {
		done <- fmt.Errorf("no id attribute in bind request %s", got)
		return
	}
	fmt.Fprintf(server, reply, m[1])
}

func TestBindServerGeneratedResource(t *testing.T) {
	s, server := pipeSession(t, Config{})
	done := make(chan error, 1)
	go bindServer(server, `<iq id='%s' type='result'>`+
		`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`+
		`<jid>romeo@example.net/4db06f06</jid></bind></iq>`, done)

	if err := s.negotiateBind(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	full, ok := s.Identity()
	if !ok {
		t.Fatal("session has no bound identity")
	}
	if full.String() != "romeo@example.net/4db06f06" {
		t.Errorf("got identity %q, want %q", full, "romeo@example.net/4db06f06")
	}
}

func TestBindRequestedResource(t *testing.T) {
	s, server := pipeSession(t, Config{Resource: "balcony"})
	done := make(chan error, 1)
	go func() {
		defer close(done)
		got, err := readUntil(server, "</iq>")
		if err != nil {
			done <- err
			return
		}
		const want = `<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>balcony</resource></bind>`
		if !regexp.MustCompile(regexp.QuoteMeta(want)).Match(got) {
			done <- fmt.Errorf("request does not carry the resource:\n%s", got)
			return
		}
		m := iqIDPattern.FindSubmatch(got)
		fmt.Fprintf(server, `<iq id='%s' type='result'>`+
			`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`+
			`<jid>romeo@example.net/balcony</jid></bind></iq>`, m[1])
	}()

	if err := s.negotiateBind(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	full, _ := s.Identity()
	if full.Resourcepart() != "balcony" {
		t.Errorf("got resource %q, want %q", full.Resourcepart(), "balcony")
	}
}

func TestBindError(t *testing.T) {
	s, server := pipeSession(t, Config{Resource: "balcony"})
	done := make(chan error, 1)
	go bindServer(server, `<iq id='%s' type='error'>`+
		`<error type='cancel'><conflict xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`, done)

	err := s.negotiateBind()
	if !errors.Is(err, &Error{Kind: BindError, Condition: "conflict"}) {
		t.Fatalf("got error %v, want bind error with condition conflict", err)
	}
	if _, ok := s.Identity(); ok {
		t.Error("failed bind must not record an identity")
	}
}

func TestBindMismatchedID(t *testing.T) {
	s, server := pipeSession(t, Config{})
	go func() {
		readUntil(server, "</iq>")
		fmt.Fprint(server, `<iq id='bogus' type='result'>`+
			`<bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'>`+
			`<jid>romeo@example.net/x</jid></bind></iq>`)
	}()

	if err := s.negotiateBind(); !errors.Is(err, &Error{Kind: ProtocolViolation}) {
		t.Fatalf("got error %v, want protocol violation for mismatched id", err)
	}
}

func TestBindMissingPayload(t *testing.T) {
	s, server := pipeSession(t, Config{})
	done := make(chan error, 1)
	go bindServer(server, `<iq id='%s' type='result'/>`, done)

	if err := s.negotiateBind(); !errors.Is(err, &Error{Kind: ProtocolViolation}) {
		t.Fatalf("got error %v, want protocol violation for missing payload", err)
	}
}
