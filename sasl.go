// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"encoding/base64"
	"fmt"

	"github.com/jackal-xmpp/stravaganza/v2"
	"mellium.im/sasl"

	"cadence.im/xmpp/internal/ns"
	"cadence.im/xmpp/internal/saslerr"
)

// negotiateSASL authenticates the stream using the named mechanism, which must
// be present in the configured mechanism list. The exchange is bounded by the
// configured round limit so that a server which keeps issuing challenges
// forever cannot stall the session. The caller must restart the stream after a
// successful return.
func (s *Session) negotiateSASL(mechanism string, remote []string) error {
	var selected sasl.Mechanism
	for _, m := range s.config.Mechanisms {
		if m.Name == mechanism {
			selected = m
			break
		}
	}
	if selected.Name == "" {
		return newError(NoUsableMechanism,
			fmt.Errorf("mechanism %s is not configured", mechanism))
	}

	opts := []sasl.Option{
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(s.config.Origin.Localpart()),
				[]byte(s.config.Password),
				[]byte(s.config.Identity)
		}),
		sasl.RemoteMechanisms(remote...),
	}
	if state, ok := s.conn.ConnectionState(); ok {
		opts = append(opts, sasl.TLSState(state))
	}
	client := sasl.NewClient(selected, opts...)

	more, resp, err := client.Step(nil)
	if err != nil {
		return s.saslError(mechanism, err)
	}

	// RFC 6120 §6.4.2:
	//     If the initiating entity needs to send a zero-length initial
	//     response, it MUST transmit the response as a single equals sign
	//     character ("="), which indicates that the response is present but
	//     contains no data.
	encoded := base64.StdEncoding.EncodeToString(resp)
	if encoded == "" {
		encoded = "="
	}
	if _, err = fmt.Fprintf(s.conn,
		`<auth xmlns='%s' mechanism='%s'>%s</auth>`,
		ns.SASL, mechanism, encoded,
	); err != nil {
		return classify(err)
	}

	for round := 0; round < s.config.maxSASLRounds(); round++ {
		el, err := s.fr.Next()
		if err != nil {
			return classify(err)
		}
		if el.Attribute("xmlns") != ns.SASL {
			return &Error{Kind: ProtocolViolation, Mechanism: mechanism,
				Err: fmt.Errorf("expected SASL element, got <%s/>", el.Name())}
		}
		switch el.Name() {
		case "challenge":
			if !more {
				return &Error{Kind: ProtocolViolation, Mechanism: mechanism,
					Err: fmt.Errorf("challenge after exchange completed")}
			}
			challenge, err := decodeSASLData(el)
			if err != nil {
				return s.saslError(mechanism, err)
			}
			more, resp, err = client.Step(challenge)
			if err != nil {
				return s.saslError(mechanism, err)
			}
			if _, err = fmt.Fprintf(s.conn,
				`<response xmlns='%s'>%s</response>`,
				ns.SASL, base64.StdEncoding.EncodeToString(resp),
			); err != nil {
				return classify(err)
			}
		case "success":
			if more {
				// Any additional data rides in the success element and
				// must still verify, e.g. the SCRAM server signature.
				final, err := decodeSASLData(el)
				if err != nil {
					return s.saslError(mechanism, err)
				}
				if more, _, err = client.Step(final); err != nil {
					return s.saslError(mechanism, err)
				}
				if more {
					return &Error{Kind: ProtocolViolation, Mechanism: mechanism,
						Err: fmt.Errorf("mechanism expects more data after success")}
				}
			}
			return nil
		case "failure":
			failure := saslerr.FromElement(el, s.config.Lang)
			return &Error{Kind: SASLFailure, Mechanism: mechanism,
				Condition: string(failure.Condition), Err: failure}
		default:
			return &Error{Kind: ProtocolViolation, Mechanism: mechanism,
				Err: fmt.Errorf("expected SASL element, got <%s/>", el.Name())}
		}
	}
	return &Error{Kind: ProtocolViolation, Mechanism: mechanism,
		Err: fmt.Errorf("exchange still open after %d rounds", s.config.maxSASLRounds())}
}

func (s *Session) saslError(mechanism string, err error) *Error {
	e := classify(err)
	if e.Mechanism == "" {
		e.Mechanism = mechanism
	}
	switch e.Kind {
	case SASLFailure, ProtocolViolation, MalformedXML, NegotiationTimeout:
		return e
	}
	// Errors raised by the mechanism itself count as authentication
	// failures even without a server condition.
	e.Kind = SASLFailure
	return e
}

// decodeSASLData decodes the base64 payload carried by a challenge or success
// element. The "=" placeholder stands for present-but-empty data.
func decodeSASLData(el stravaganza.Element) ([]byte, error) {
	text := el.Text()
	if text == "" || text == "=" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 in <%s/>: %v", el.Name(), err)
	}
	return data, nil
}
