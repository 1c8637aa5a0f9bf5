// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"cadence.im/xmpp/internal/ns"
)

// ErrTLSRefused is the cause recorded when the server answers a STARTTLS
// request with <failure/>. The server will close the stream immediately
// afterwards.
var ErrTLSRefused = errors.New("xmpp: server refused STARTTLS")

// negotiateStartTLS sends a STARTTLS request, waits for the server's verdict,
// and on <proceed/> replaces the transport with an encrypted one. The caller
// must restart the stream afterwards.
func (s *Session) negotiateStartTLS(ctx context.Context) error {
	if _, err := fmt.Fprintf(s.conn, `<starttls xmlns='%s'/>`, ns.StartTLS); err != nil {
		return classify(err)
	}

	el, err := s.fr.Next()
	if err != nil {
		return classify(err)
	}
	if el.Attribute("xmlns") != ns.StartTLS {
		return newError(ProtocolViolation,
			fmt.Errorf("expected STARTTLS verdict, got <%s/>", el.Name()))
	}
	switch el.Name() {
	case "proceed":
	case "failure":
		// Failure is expected behavior, not malformed XML: the server
		// declined and will end the stream.
		return newError(TLSError, ErrTLSRefused)
	default:
		return newError(ProtocolViolation,
			fmt.Errorf("expected STARTTLS verdict, got <%s/>", el.Name()))
	}

	cfg := s.config.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: s.config.Origin.Domainpart()}
	}
	if err := s.conn.StartTLS(ctx, cfg); err != nil {
		return newError(TLSError, err)
	}
	return nil
}
