// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpp

import (
	"errors"

	"mellium.im/sasl"
)

// action is the next step chosen after inspecting a feature advertisement.
type action uint8

const (
	actionStartTLS action = iota
	actionAuthenticate
	actionBind
	actionReady
)

// decision is the outcome of evaluating one feature advertisement.
type decision struct {
	action    action
	mechanism string
}

// progress is the negotiation state that feeds feature decisions.
type progress struct {
	secured bool
	authed  bool
	bound   bool
}

// decide chooses the next negotiation step from a feature advertisement, the
// negotiation progress so far, and local policy. It is a pure function of its
// inputs with a fixed precedence: TLS before SASL before bind before ready.
//
// An advertisement the client cannot satisfy (a mandatory upgrade the policy
// forbids, a required upgrade the server does not offer, or no acceptable
// SASL mechanism) yields a NoUsableMechanism error, which is fatal.
func decide(f Features, p progress, policy TLSPolicy, mechanisms []sasl.Mechanism) (decision, error) {
	if !p.secured {
		switch {
		case f.StartTLS && policy != TLSDisabled:
			return decision{action: actionStartTLS}, nil
		case f.StartTLSRequired && policy == TLSDisabled:
			return decision{}, newError(NoUsableMechanism,
				errors.New("server requires STARTTLS but policy disables it"))
		case !f.StartTLS && policy == TLSRequired:
			return decision{}, newError(NoUsableMechanism,
				errors.New("policy requires STARTTLS but server does not offer it"))
		}
	}

	if !p.authed && len(f.Mechanisms) > 0 {
		// Select a mechanism, preferring the client order.
		for _, m := range mechanisms {
			for _, name := range f.Mechanisms {
				if name == m.Name {
					return decision{action: actionAuthenticate, mechanism: m.Name}, nil
				}
			}
		}
		return decision{}, newError(NoUsableMechanism,
			errors.New("no matching SASL mechanism found"))
	}

	if !p.bound && f.Bind {
		return decision{action: actionBind}, nil
	}

	return decision{action: actionReady}, nil
}
