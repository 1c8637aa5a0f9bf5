// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package saslerr_test

import (
	"strconv"
	"testing"

	"github.com/jackal-xmpp/stravaganza/v2"
	"golang.org/x/text/language"

	"cadence.im/xmpp/internal/saslerr"
)

func failureElement(condition string, texts map[string]string) stravaganza.Element {
	b := stravaganza.NewBuilder("failure").
		WithAttribute("xmlns", "urn:ietf:params:xml:ns:xmpp-sasl")
	if condition != "" {
		b = b.WithChild(stravaganza.NewBuilder(condition).Build())
	}
	for lang, text := range texts {
		b = b.WithChild(stravaganza.NewBuilder("text").
			WithAttribute("lang", lang).
			WithText(text).Build())
	}
	return b.Build()
}

func TestFromElement(t *testing.T) {
	for i, tc := range []struct {
		el       stravaganza.Element
		prefer   language.Tag
		want     saslerr.Condition
		wantText string
	}{
		{
			el:   failureElement("not-authorized", nil),
			want: saslerr.NotAuthorized,
		},
		{
			el:       failureElement("account-disabled", map[string]string{"en": "account closed"}),
			prefer:   language.English,
			want:     saslerr.AccountDisabled,
			wantText: "account closed",
		},
		{
			el:     failureElement("temporary-auth-failure", map[string]string{"en": "try later"}),
			prefer: language.German,
			want:   saslerr.TemporaryAuthFailure,
			// The only text available is still returned when no tag
			// matches the preference exactly.
			wantText: "try later",
		},
		{
			el:   failureElement("", nil),
			want: saslerr.Condition(""),
		},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			f := saslerr.FromElement(tc.el, tc.prefer)
			if f.Condition != tc.want {
				t.Errorf("got condition %q, want %q", f.Condition, tc.want)
			}
			if f.Text != tc.wantText {
				t.Errorf("got text %q, want %q", f.Text, tc.wantText)
			}
		})
	}
}

func TestFailureError(t *testing.T) {
	f := saslerr.Failure{Condition: saslerr.NotAuthorized}
	if f.Error() != "not-authorized" {
		t.Errorf("got %q, want condition name", f.Error())
	}
	f.Text = "nope"
	if f.Error() != "nope" {
		t.Errorf("got %q, want descriptive text", f.Error())
	}
}
