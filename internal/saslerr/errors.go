// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package saslerr provides error conditions for the XMPP profile of SASL as
// defined by RFC 6120 §6.5.
package saslerr // import "cadence.im/xmpp/internal/saslerr"

import (
	"github.com/jackal-xmpp/stravaganza/v2"
	"golang.org/x/text/language"
)

// Condition represents a SASL error condition that can be encapsulated by a
// <failure/> element.
type Condition string

// Standard SASL error conditions.
const (
	Aborted              Condition = "aborted"
	AccountDisabled      Condition = "account-disabled"
	CredentialsExpired   Condition = "credentials-expired"
	EncryptionRequired   Condition = "encryption-required"
	IncorrectEncoding    Condition = "incorrect-encoding"
	InvalidAuthzID       Condition = "invalid-authzid"
	InvalidMechanism     Condition = "invalid-mechanism"
	MalformedRequest     Condition = "malformed-request"
	MechanismTooWeak     Condition = "mechanism-too-weak"
	NotAuthorized        Condition = "not-authorized"
	TemporaryAuthFailure Condition = "temporary-auth-failure"
)

// Failure represents a SASL error as sent by the server inside a <failure/>
// element. The server-supplied condition is propagated verbatim.
type Failure struct {
	Condition Condition
	Lang      language.Tag
	Text      string
}

// Error satisfies the error interface for a Failure. It returns the text
// string if set, or the condition otherwise.
func (f Failure) Error() string {
	if f.Text != "" {
		return f.Text
	}
	return string(f.Condition)
}

// FromElement extracts the failure condition and any descriptive text from a
// parsed <failure/> element. If multiple text children are present the one
// whose xml:lang attribute most closely matches prefer is selected.
func FromElement(el stravaganza.Element, prefer language.Tag) Failure {
	f := Failure{Lang: prefer}
	var tags []language.Tag
	data := make(map[language.Tag]string)
	for _, child := range el.AllChildren() {
		if child.Name() == "text" {
			// Parse the language tag, skipping any that cannot be parsed.
			tag, err := language.Parse(child.Attribute("lang"))
			if err != nil {
				continue
			}
			tags = append(tags, tag)
			data[tag] = child.Text()
			continue
		}
		f.Condition = Condition(child.Name())
	}
	if len(tags) > 0 {
		_, i, _ := language.NewMatcher(tags).Match(prefer)
		f.Lang = tags[i]
		f.Text = data[tags[i]]
	}
	return f
}
