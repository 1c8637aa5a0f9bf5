// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// A Conn owns the transport underlying a session: the plain socket at first,
// the TLS session after an upgrade. It is the only type that touches the
// network directly.
type Conn struct {
	mu     sync.Mutex
	rwc    net.Conn
	closed bool
	logf   func(format string, v ...interface{})
}

func newConn(rwc net.Conn, logf func(string, ...interface{})) *Conn {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Conn{rwc: rwc, logf: logf}
}

// Read reads data from the connection.
func (c *Conn) Read(b []byte) (int, error) {
	return c.current().Read(b)
}

// Write writes data to the connection.
func (c *Conn) Write(b []byte) (int, error) {
	return c.current().Write(b)
}

func (c *Conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rwc
}

// StartTLS replaces the plain transport with an encrypted one by performing a
// client-side TLS handshake over it. Byte ordering is preserved across the
// switch: the handshake is the first thing written after the upgrade request
// and nothing is read as plaintext afterwards.
func (c *Conn) StartTLS(ctx context.Context, cfg *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tlsConn := tls.Client(c.rwc, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.rwc = tlsConn
	return nil
}

// ConnectionState returns the TLS state of the connection if it has been
// upgraded.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	tlsConn, ok := c.current().(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tlsConn.ConnectionState(), true
}

// Secure reports whether the connection has been upgraded to TLS.
func (c *Conn) Secure() bool {
	_, ok := c.current().(*tls.Conn)
	return ok
}

// Close closes the connection. It is idempotent and always succeeds from the
// caller's perspective; underlying errors are logged, not propagated, since
// the stream is being torn down anyway.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.rwc.Close(); err != nil {
		c.logf("xmpp: error closing connection: %v", err)
	}
}

// SetDeadline sets the read and write deadlines associated with the
// connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.current().SetDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.current().SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for future Write calls.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.current().SetWriteDeadline(t)
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.current().LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.current().RemoteAddr()
}
