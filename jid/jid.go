// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Bare is an XMPP address comprising an optional localpart and a domainpart.
// All parts are guaranteed to be valid UTF-8 in their canonical form, which
// gives comparison the greatest chance of succeeding.
//
// The zero value of Bare is not a valid address.
type Bare struct {
	local  string
	domain string
}

// Full is an XMPP address that also carries a resourcepart and can therefore
// address one specific connected client.
type Full struct {
	bare     Bare
	resource string
}

// New constructs a new bare JID from the given localpart and domainpart. The
// localpart may be empty.
func New(localpart, domainpart string) (Bare, error) {
	// Ensure that parts are valid UTF-8 (and short circuit the rest of the
	// process if they're not). The domainpart is checked after performing the
	// IDNA ToUnicode operation.
	if !utf8.ValidString(localpart) {
		return Bare{}, errors.New("jid: localpart contains invalid UTF-8")
	}

	// RFC 7622 §3.2.1: A-labels must be converted to U-labels during
	// preparation of a string for inclusion in a domainpart slot.
	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return Bare{}, err
	}
	if !utf8.ValidString(domainpart) {
		return Bare{}, errors.New("jid: domainpart contains invalid UTF-8")
	}

	if localpart != "" {
		localpart, err = precis.UsernameCaseMapped.String(localpart)
		if err != nil {
			return Bare{}, err
		}
	}

	if err := commonChecks(localpart, domainpart, ""); err != nil {
		return Bare{}, err
	}

	return Bare{local: localpart, domain: domainpart}, nil
}

// ParseBare constructs a bare JID from its string representation. It is an
// error for the string to contain a resourcepart; use ParseFull for addresses
// that have one.
func ParseBare(s string) (Bare, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return Bare{}, err
	}
	if resourcepart != "" {
		return Bare{}, errors.New("jid: bare JID must not have a resourcepart")
	}
	return New(localpart, domainpart)
}

// MustParseBare is like ParseBare but panics if the JID cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constant strings.
func MustParseBare(s string) Bare {
	b, err := ParseBare(s)
	if err != nil {
		if strconv.CanBackquote(s) {
			s = "`" + s + "`"
		} else {
			s = strconv.Quote(s)
		}
		panic(`jid: ParseBare(` + s + `): ` + err.Error())
	}
	return b
}

// ParseFull constructs a full JID from its string representation. The
// resourcepart is required.
func ParseFull(s string) (Full, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return Full{}, err
	}
	if resourcepart == "" {
		return Full{}, errors.New("jid: full JID requires a resourcepart")
	}
	bare, err := New(localpart, domainpart)
	if err != nil {
		return Full{}, err
	}
	return bare.WithResource(resourcepart)
}

// WithResource converts a bare JID into a full one by attaching the given
// resourcepart. The resourcepart must not be empty.
func (b Bare) WithResource(resourcepart string) (Full, error) {
	if resourcepart == "" {
		return Full{}, errors.New("jid: resourcepart must be larger than 0 bytes")
	}
	if !utf8.ValidString(resourcepart) {
		return Full{}, errors.New("jid: resourcepart contains invalid UTF-8")
	}
	resourcepart, err := precis.OpaqueString.String(resourcepart)
	if err != nil {
		return Full{}, err
	}
	if err := commonChecks(b.local, b.domain, resourcepart); err != nil {
		return Full{}, err
	}
	return Full{bare: b, resource: resourcepart}, nil
}

// Localpart gets the localpart of a JID (eg "username").
func (b Bare) Localpart() string {
	return b.local
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (b Bare) Domainpart() string {
	return b.domain
}

// String converts the JID to its string representation.
func (b Bare) String() string {
	if b.local != "" {
		return b.local + "@" + b.domain
	}
	return b.domain
}

// Equal performs an octet-for-octet comparison with the given JID.
func (b Bare) Equal(b2 Bare) bool {
	return b.local == b2.local && b.domain == b2.domain
}

// Bare returns the bare JID for this address. The conversion always succeeds;
// it simply drops the resourcepart.
func (f Full) Bare() Bare {
	return f.bare
}

// Localpart gets the localpart of a JID (eg "username").
func (f Full) Localpart() string {
	return f.bare.local
}

// Domainpart gets the domainpart of a JID (eg. "example.net").
func (f Full) Domainpart() string {
	return f.bare.domain
}

// Resourcepart gets the resourcepart of the JID.
func (f Full) Resourcepart() string {
	return f.resource
}

// String converts the JID to its string representation.
func (f Full) String() string {
	return f.bare.String() + "/" + f.resource
}

// Equal performs an octet-for-octet comparison with the given JID.
func (f Full) Equal(f2 Full) bool {
	return f.bare.Equal(f2.bare) && f.resource == f2.resource
}

// SplitString splits out the localpart, domainpart, and resourcepart from a
// string representation of a JID. The parts are not guaranteed to be valid,
// and each part must be 1023 bytes or less.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1: separator characters '@' and '/' must be matched before
	// applying any transformation algorithms, which might decompose certain
	// Unicode code points to the separator characters.
	//
	// The domainpart is what remains once we remove any portion from the first
	// '/' character to the end of the string and any portion from the
	// beginning of the string to the first '@' character.
	sep := strings.Index(s, "/")
	if sep == -1 {
		resourcepart = ""
	} else {
		if sep == len(s)-1 {
			err = errors.New("jid: resourcepart must be larger than 0 bytes")
			return
		}
		resourcepart = s[sep+1:]
		s = s[:sep]
	}

	sep = strings.Index(s, "@")
	switch sep {
	case -1:
		localpart = ""
		domainpart = s
	case 0:
		err = errors.New("jid: localpart must be larger than 0 bytes")
		return
	default:
		domainpart = s[sep+1:]
		localpart = s[:sep]
	}

	// Trailing dots on domainparts are label separators and must be stripped
	// before any other canonicalization step (RFC 7622 §3.2).
	domainpart = strings.TrimSuffix(domainpart, ".")

	return
}

func checkIP6String(domainpart string) error {
	// If the domainpart looks like an IPv6 literal (with brackets), it must
	// parse as one.
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return errors.New("jid: domainpart is not a valid IPv6 address")
		}
	}
	return nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if len(localpart) > 1023 {
		return errors.New("jid: localpart must be smaller than 1024 bytes")
	}

	// RFC 7622 §3.3.1 provides a small table of characters which are still not
	// allowed in localparts even though the IdentifierClass base class and the
	// UsernameCaseMapped profile don't forbid them.
	if strings.ContainsAny(localpart, `"&'/:<>@`) {
		return errors.New("jid: localpart contains forbidden characters")
	}

	if len(resourcepart) > 1023 {
		return errors.New("jid: resourcepart must be smaller than 1024 bytes")
	}

	if l := len(domainpart); l < 1 || l > 1023 {
		return errors.New("jid: domainpart must be between 1 and 1023 bytes")
	}

	return checkIP6String(domainpart)
}
