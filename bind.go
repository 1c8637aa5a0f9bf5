// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"fmt"

	"github.com/google/uuid"

	"cadence.im/xmpp/internal/ns"
	"cadence.im/xmpp/jid"
)

const (
	bindIQServerGeneratedRP = `<iq id='%s' type='set'><bind xmlns='%s'/></iq>`
	bindIQClientRequestedRP = `<iq id='%s' type='set'><bind xmlns='%s'><resource>%s</resource></bind></iq>`
)

// negotiateBind requests a resource binding for the stream and records the
// server-confirmed full address on the session. The configured resource is
// requested when present; the server may override it or, when none is
// configured, generate one.
func (s *Session) negotiateBind() error {
	reqID := uuid.New().String()
	var err error
	if resource := s.config.Resource; resource == "" {
		_, err = fmt.Fprintf(s.conn, bindIQServerGeneratedRP, reqID, ns.Bind)
	} else {
		_, err = fmt.Fprintf(s.conn, bindIQClientRequestedRP, reqID, ns.Bind, resource)
	}
	if err != nil {
		return classify(err)
	}

	el, err := s.fr.Next()
	if err != nil {
		return classify(err)
	}
	if el.Name() != "iq" {
		return newError(ProtocolViolation,
			fmt.Errorf("expected bind result iq, got <%s/>", el.Name()))
	}
	if id := el.Attribute("id"); id != reqID {
		return newError(ProtocolViolation,
			fmt.Errorf("bind result iq has id %q, want %q", id, reqID))
	}

	switch el.Attribute("type") {
	case "result":
	case "error":
		condition := "undefined-condition"
		if errEl := el.Child("error"); errEl != nil {
			for _, child := range errEl.AllChildren() {
				if child.Name() != "text" {
					condition = child.Name()
					break
				}
			}
		}
		return &Error{Kind: BindError, Condition: condition,
			Err: fmt.Errorf("server rejected resource binding")}
	default:
		return newError(ProtocolViolation,
			fmt.Errorf("bind result iq has type %q", el.Attribute("type")))
	}

	bound := el.Child("bind")
	if bound == nil || bound.Attribute("xmlns") != ns.Bind {
		return newError(ProtocolViolation,
			fmt.Errorf("bind result iq carries no bind payload"))
	}
	jidEl := bound.Child("jid")
	if jidEl == nil || jidEl.Text() == "" {
		return newError(ProtocolViolation,
			fmt.Errorf("bind result carries no jid"))
	}
	full, err := jid.ParseFull(jidEl.Text())
	if err != nil {
		return &Error{Kind: BindError, Err: err}
	}
	s.mu.Lock()
	s.identity = full
	s.bound = true
	s.mu.Unlock()
	return nil
}
