// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains XMPP stream headers, versions, and stream errors as
// defined by RFC 6120 §4.
//
// Most people will want to use the facilities of the cadence.im/xmpp package
// and not construct stream headers or errors directly.
package stream // import "cadence.im/xmpp/stream"
