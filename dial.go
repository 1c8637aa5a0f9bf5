// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"net"
	"strconv"

	"cadence.im/xmpp/internal/discover"
	"cadence.im/xmpp/jid"
)

// A Dialer contains options for connecting to an XMPP server. Connections are
// always established in the clear; encryption is negotiated in-stream via
// STARTTLS according to the session's TLS policy.
//
// The zero value for each field is equivalent to dialing without that option.
type Dialer struct {
	net.Dialer

	// Resolver allows changing options related to resolving DNS.
	Resolver *net.Resolver

	// NoLookup stops the dialer from looking up SRV records for the given
	// domain and connects to the domain directly instead.
	NoLookup bool
}

// Dial discovers and connects to the XMPP service for the domainpart of addr
// on the named network. It will attempt to look up SRV records or connect to
// the domain directly if no such records exist.
//
// Network may be any of the stream-oriented network types supported by
// net.Dial ("tcp", "tcp4", or "tcp6").
func (d *Dialer) Dial(ctx context.Context, network string, addr jid.Bare) (net.Conn, error) {
	domain := addr.Domainpart()
	var addrs []*net.SRV
	if d.NoLookup {
		addrs = discover.FallbackRecords("xmpp-client", domain)
	} else {
		var err error
		addrs, err = discover.LookupService(ctx, d.Resolver, "xmpp-client", domain)
		if err != nil {
			return nil, newError(ConnectError, err)
		}
	}

	// Try dialing all of the records we know about, breaking as soon as a
	// connection is established.
	var err error
	for _, record := range addrs {
		conn, e := d.Dialer.DialContext(ctx, network, net.JoinHostPort(
			record.Target,
			strconv.FormatUint(uint64(record.Port), 10),
		))
		if e != nil {
			err = e
			continue
		}
		return conn, nil
	}
	if err == nil {
		err = &net.AddrError{Err: "no candidate addresses", Addr: domain}
	}
	return nil, newError(ConnectError, err)
}

// DialSession dials the XMPP service for the origin domain in cfg and
// negotiates a client-to-server session over the new connection. It is
// shorthand for a Dialer dial followed by NewClientSession.
func DialSession(ctx context.Context, network string, cfg Config) (*Session, error) {
	s := newSession(cfg)
	s.setPhase(Connecting)
	var d Dialer
	conn, err := d.Dial(ctx, network, cfg.Origin)
	if err != nil {
		s.fail(classify(err))
		return nil, err
	}
	s.attach(conn)
	if err := s.negotiate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
