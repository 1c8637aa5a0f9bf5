// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"github.com/jackal-xmpp/stravaganza/v2"

	"cadence.im/xmpp/internal/ns"
)

// Features is the set of capabilities the server advertised for the current
// stream instance. It is recomputed fresh after every stream restart and
// never merged across restarts.
type Features struct {
	// StartTLS reports whether the server offered a STARTTLS upgrade and
	// whether it made the upgrade mandatory.
	StartTLS         bool
	StartTLSRequired bool

	// Mechanisms lists the SASL mechanism names offered by the server, in
	// server order.
	Mechanisms []string

	// Bind reports whether the server advertised resource binding.
	Bind bool
}

// parseFeatures extracts the advertised capabilities from a parsed
// <stream:features/> element. Unknown features are ignored.
func parseFeatures(el stravaganza.Element) Features {
	var f Features
	for _, child := range el.AllChildren() {
		switch {
		case child.Name() == "starttls" && child.Attribute("xmlns") == ns.StartTLS:
			f.StartTLS = true
			f.StartTLSRequired = child.Child("required") != nil
		case child.Name() == "mechanisms" && child.Attribute("xmlns") == ns.SASL:
			for _, mech := range child.AllChildren() {
				if mech.Name() == "mechanism" && mech.Text() != "" {
					f.Mechanisms = append(f.Mechanisms, mech.Text())
				}
			}
		case child.Name() == "bind" && child.Attribute("xmlns") == ns.Bind:
			f.Bind = true
		}
	}
	return f
}
