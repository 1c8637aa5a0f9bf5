// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover resolves the socket addresses at which an XMPP service is
// hosted.
package discover // import "cadence.im/xmpp/internal/discover"

import (
	"context"
	"errors"
	"net"
)

// ErrInvalidService is returned when the service is not one handled by this
// package.
var ErrInvalidService = errors.New("discover: service must be one of xmpp-client or xmpp-server")

// FallbackRecords returns fake SRV records based on the service that can be
// used if no actual SRV records can be found but we believe that an XMPP
// service exists at the given domain.
func FallbackRecords(service, domain string) []*net.SRV {
	switch service {
	case "xmpp-client":
		return []*net.SRV{{
			Target: domain,
			Port:   5222,
		}}
	case "xmpp-server":
		return []*net.SRV{{
			Target: domain,
			Port:   5269,
		}}
	}
	return nil
}

// LookupService looks for an XMPP service hosted at the given domain. It
// returns addresses from SRV records and if none are found returns a fallback
// record using the domain itself and the well-known port for the service.
// If the result of the SRV lookup is a single record with a target of "." the
// service is decidedly not available at this domain (RFC 6120 §3.2.1) and an
// empty list is returned.
// Service should be one of "xmpp-client" or "xmpp-server".
func LookupService(ctx context.Context, resolver *net.Resolver, service, domain string) ([]*net.SRV, error) {
	switch service {
	case "xmpp-client", "xmpp-server":
	default:
		return nil, ErrInvalidService
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, addrs, err := resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		return FallbackRecords(service, domain), nil
	}
	if len(addrs) == 1 && addrs[0].Target == "." {
		return nil, nil
	}
	if len(addrs) == 0 {
		return FallbackRecords(service, domain), nil
	}
	return addrs, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	ok := errors.As(err, &dnsErr)
	return ok && dnsErr.IsNotFound
}
