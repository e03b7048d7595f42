// Copyright 2023 The goshawk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"encoding/base64"
	"fmt"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackal-xmpp/stravaganza"

	"github.com/goshawk-im/goshawk/pkg/transport"
)

const (
	saslNamespace  = "urn:ietf:params:xml:ns:xmpp-sasl"
	sasl2Namespace = "urn:xmpp:sasl:2"
)

// Profile identifies the SASL negotiation profile in use.
type Profile int

const (
	// LegacySASL is the RFC 6120 SASL profile.
	LegacySASL Profile = iota

	// SASL2 is the extensible SASL profile defined by XEP-0388.
	SASL2
)

// preferenceOrder ranks mechanisms from most to least preferred. Channel
// binding variants outrank their plain counterparts, and stronger hashes
// outrank weaker ones.
var preferenceOrder = []string{
	"SCRAM-SHA-512-PLUS",
	"SCRAM-SHA-256-PLUS",
	"SCRAM-SHA-1-PLUS",
	"SCRAM-SHA-512",
	"SCRAM-SHA-256",
	"SCRAM-SHA-1",
	"GSSAPI",
	"PLAIN",
	"EXTERNAL",
	"ANONYMOUS",
}

// Config contains negotiator configuration values.
type Config struct {
	// Username is the authentication identity localpart.
	Username string

	// Password is the authentication secret. Mechanisms that require a
	// password fail before any payload is sent when it is empty.
	Password string

	// AuthzID is the requested authorization identity, used by EXTERNAL.
	AuthzID string

	// AllowedMechanisms optionally restricts the mechanisms the negotiator
	// may elect. Empty means all supported mechanisms are allowed.
	AllowedMechanisms []string
}

// Negotiator drives a client SASL negotiation over either profile.
type Negotiator struct {
	cfg     Config
	tr      transport.Transport
	profile Profile
	logger  kitlog.Logger

	mech     Mechanism
	authzJID string
	done     bool
}

// NewNegotiator returns a new SASL negotiator instance.
func NewNegotiator(tr transport.Transport, cfg Config, logger kitlog.Logger) *Negotiator {
	return &Negotiator{cfg: cfg, tr: tr, logger: logger}
}

// Profile returns the profile elected during Start.
func (n *Negotiator) Profile() Profile { return n.profile }

// Mechanism returns the elected mechanism, or nil before Start.
func (n *Negotiator) Mechanism() Mechanism { return n.mech }

// Done tells whether negotiation completed successfully.
func (n *Negotiator) Done() bool { return n.done }

// AuthorizationJID returns the authorization identifier conveyed in a SASL2
// success element, if any.
func (n *Negotiator) AuthorizationJID() string { return n.authzJID }

// Start elects a mechanism from the advertised stream features and returns
// the profile initial element.
func (n *Negotiator) Start(features []stravaganza.Element) (stravaganza.Element, *SASLError) {
	advertised, profile := advertisedMechanisms(features)
	if len(advertised) == 0 {
		return nil, &SASLError{Reason: NoSupportedMechanism, Err: fmt.Errorf("auth: no mechanisms advertised")}
	}
	n.profile = profile

	mech, sErr := n.electMechanism(advertised)
	if sErr != nil {
		return nil, sErr
	}
	n.mech = mech

	if mech.UsesPassword() && len(n.cfg.Password) == 0 {
		return nil, &SASLError{Reason: NoPassword}
	}
	level.Info(n.logger).Log("msg", "elected SASL mechanism", "mechanism", mech.Name(), "sasl2", profile == SASL2)

	initial, err := mech.Initiate(n.cfg.Username, n.cfg.Password)
	if err != nil {
		return nil, &SASLError{Reason: TemporaryAuthFailure, Err: err}
	}
	if profile == SASL2 {
		return stravaganza.NewBuilder("authenticate").
			WithAttribute(stravaganza.Namespace, sasl2Namespace).
			WithAttribute("mechanism", mech.Name()).
			WithChild(
				stravaganza.NewBuilder("initial-response").
					WithText(encodePayload(initial)).
					Build(),
			).
			Build(), nil
	}
	return stravaganza.NewBuilder("auth").
		WithAttribute(stravaganza.Namespace, saslNamespace).
		WithAttribute("mechanism", mech.Name()).
		WithText(encodePayload(initial)).
		Build(), nil
}

// ProcessElement handles a server SASL element. It returns a response element
// to send when the exchange continues, done true when it completed, or a
// SASL error when it failed. A nil response with done false means the element
// did not belong to the negotiation.
func (n *Negotiator) ProcessElement(elem stravaganza.Element) (stravaganza.Element, bool, *SASLError) {
	ns := elem.Attribute(stravaganza.Namespace)
	if ns != saslNamespace && ns != sasl2Namespace {
		return nil, false, nil
	}
	switch elem.Name() {
	case "challenge":
		return n.processChallenge(elem, ns)
	case "success":
		return n.processSuccess(elem, ns)
	case "failure":
		return nil, false, parseFailure(elem)
	case "continue":
		// SASL2 upgrade tasks are not performed
		return nil, false, &SASLError{Reason: MalformedRequest, Err: fmt.Errorf("auth: unsupported continuation")}
	default:
		return nil, false, nil
	}
}

// Reset clears negotiation state so a new exchange can be started.
func (n *Negotiator) Reset() {
	if n.mech != nil {
		n.mech.Reset()
	}
	n.mech = nil
	n.authzJID = ""
	n.done = false
}

func (n *Negotiator) processChallenge(elem stravaganza.Element, ns string) (stravaganza.Element, bool, *SASLError) {
	challenge, err := decodePayload(elem.Text())
	if err != nil {
		return nil, false, &SASLError{Reason: IncorrectEncoding, Err: err}
	}
	resp, err := n.mech.Respond(challenge)
	if err != nil {
		if sErr, ok := err.(*SASLError); ok {
			return nil, false, sErr
		}
		return nil, false, &SASLError{Reason: TemporaryAuthFailure, Err: err}
	}
	return stravaganza.NewBuilder("response").
		WithAttribute(stravaganza.Namespace, ns).
		WithText(encodePayload(resp)).
		Build(), false, nil
}

func (n *Negotiator) processSuccess(elem stravaganza.Element, ns string) (stravaganza.Element, bool, *SASLError) {
	var payload string
	if ns == sasl2Namespace {
		if ad := elem.Child("additional-data"); ad != nil {
			payload = ad.Text()
		}
		if ai := elem.Child("authorization-identifier"); ai != nil {
			n.authzJID = ai.Text()
		}
	} else {
		payload = elem.Text()
	}
	final, err := decodePayload(payload)
	if err != nil {
		return nil, false, &SASLError{Reason: IncorrectEncoding, Err: err}
	}
	if len(final) > 0 || n.requiresServerValidation() {
		if err := n.mech.ValidateSuccess(final); err != nil {
			if sErr, ok := err.(*SASLError); ok {
				return nil, false, sErr
			}
			return nil, false, &SASLError{Reason: TemporaryAuthFailure, Err: err}
		}
	}
	n.done = true
	return nil, true, nil
}

func (n *Negotiator) requiresServerValidation() bool {
	_, ok := n.mech.(*Scram)
	return ok
}

// electMechanism intersects the advertised mechanisms with the supported,
// allowed ones and picks the most preferred. Channel binding variants are
// eliminated when the transport cannot provide binding data.
func (n *Negotiator) electMechanism(advertised []string) (Mechanism, *SASLError) {
	advSet := make(map[string]struct{}, len(advertised))
	for _, m := range advertised {
		advSet[m] = struct{}{}
	}
	var allowSet map[string]struct{}
	if len(n.cfg.AllowedMechanisms) > 0 {
		allowSet = make(map[string]struct{}, len(n.cfg.AllowedMechanisms))
		for _, m := range n.cfg.AllowedMechanisms {
			allowSet[m] = struct{}{}
		}
	}
	cbAvailable := n.tr != nil && n.tr.SupportsChannelBinding()

	for _, name := range preferenceOrder {
		if _, ok := advSet[name]; !ok {
			continue
		}
		if allowSet != nil {
			if _, ok := allowSet[name]; !ok {
				continue
			}
		}
		switch name {
		case "SCRAM-SHA-512-PLUS", "SCRAM-SHA-256-PLUS", "SCRAM-SHA-1-PLUS":
			if !cbAvailable {
				continue
			}
		}
		mech := n.newMechanism(name)
		if av, ok := mech.(interface{ Available() bool }); ok && !av.Available() {
			continue
		}
		return mech, nil
	}
	return nil, &SASLError{Reason: NoSupportedMechanism, Err: fmt.Errorf("auth: advertised %v", advertised)}
}

func (n *Negotiator) newMechanism(name string) Mechanism {
	switch name {
	case "SCRAM-SHA-1":
		return NewScram(n.tr, ScramSHA1, false)
	case "SCRAM-SHA-1-PLUS":
		return NewScram(n.tr, ScramSHA1, true)
	case "SCRAM-SHA-256":
		return NewScram(n.tr, ScramSHA256, false)
	case "SCRAM-SHA-256-PLUS":
		return NewScram(n.tr, ScramSHA256, true)
	case "SCRAM-SHA-512":
		return NewScram(n.tr, ScramSHA512, false)
	case "SCRAM-SHA-512-PLUS":
		return NewScram(n.tr, ScramSHA512, true)
	case "GSSAPI":
		return NewGssapi()
	case "PLAIN":
		return NewPlain()
	case "EXTERNAL":
		return NewExternal(n.cfg.AuthzID)
	case "ANONYMOUS":
		return NewAnonymous()
	}
	return nil
}

// advertisedMechanisms extracts the mechanism names offered in the stream
// features. The SASL2 profile takes precedence when both are advertised.
func advertisedMechanisms(features []stravaganza.Element) ([]string, Profile) {
	var legacy, sasl2 []string
	for _, f := range features {
		switch {
		case f.Name() == "authentication" && f.Attribute(stravaganza.Namespace) == sasl2Namespace:
			sasl2 = mechanismNames(f)
		case f.Name() == "mechanisms" && f.Attribute(stravaganza.Namespace) == saslNamespace:
			legacy = mechanismNames(f)
		}
	}
	if len(sasl2) > 0 {
		return sasl2, SASL2
	}
	return legacy, LegacySASL
}

func mechanismNames(parent stravaganza.Element) []string {
	var names []string
	for _, ch := range parent.Children("mechanism") {
		if name := ch.Text(); len(name) > 0 {
			names = append(names, name)
		}
	}
	return names
}

func parseFailure(elem stravaganza.Element) *SASLError {
	sErr := &SASLError{Reason: NotAuthorized}
	for _, ch := range elem.AllChildren() {
		if ch.Name() == "text" {
			sErr.Text = ch.Text()
			continue
		}
		sErr.Reason = ch.Name()
	}
	return sErr
}

// encodePayload encodes a SASL payload. An empty payload is conveyed as "="
// per RFC 6120 section 6.4.2.
func encodePayload(p []byte) string {
	if len(p) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(p)
}

func decodePayload(s string) ([]byte, error) {
	if len(s) == 0 || s == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
