// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpp negotiates client-to-server XMPP streams as defined by
// RFC 6120.
//
// A session owns a single connection to a server and drives it from "TCP
// connected" to "ready to exchange stanzas": stream header exchange, the
// optional or mandatory STARTTLS upgrade, SASL authentication, resource
// binding, and the stream restarts the protocol mandates after TLS and after
// authentication. Once ready the session is a bidirectional pump of parsed
// top-level stream elements.
//
// Sessions are created with DialSession, which also performs SRV discovery,
// or with NewClientSession over an existing connection:
//
//	session, err := xmpp.DialSession(ctx, "tcp", xmpp.Config{
//		Origin:     jid.MustParseBare("romeo@example.net"),
//		Password:   password,
//		Mechanisms: []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1},
//		TLS:        xmpp.TLSRequired,
//	})
//
// Every negotiation error is fatal to the connection attempt and is reported
// as an *Error whose Kind tells the caller whether retrying can help.
// Reconnection and backoff policy are deliberately left to the caller.
package xmpp // import "cadence.im/xmpp"
