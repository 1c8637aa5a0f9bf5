// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format as defined in RFC 7622.
//
// Addresses without a resourcepart ("bare" JIDs) and addresses with one
// ("full" JIDs) are distinct types: only a full JID can address a specific
// connected resource, and keeping the two apart makes resource-less contexts
// a compile-time guarantee instead of a runtime check.
package jid // import "cadence.im/xmpp/jid"
