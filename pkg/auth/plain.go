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

import "errors"

// Plain represents the PLAIN SASL mechanism (RFC 4616).
type Plain struct{}

// NewPlain returns a new plain mechanism instance.
func NewPlain() *Plain { return &Plain{} }

// Name returns PLAIN mechanism name.
func (p *Plain) Name() string { return "PLAIN" }

// UsesPassword returns true, as PLAIN conveys the raw password.
func (p *Plain) UsesPassword() bool { return true }

// Initiate returns the \0authcid\0password initial response.
func (p *Plain) Initiate(username, password string) ([]byte, error) {
	payload := make([]byte, 0, len(username)+len(password)+2)
	payload = append(payload, 0)
	payload = append(payload, username...)
	payload = append(payload, 0)
	payload = append(payload, password...)
	return payload, nil
}

// Respond is never invoked, as PLAIN is a single round-trip mechanism.
func (p *Plain) Respond(_ []byte) ([]byte, error) {
	return nil, errors.New("auth: unexpected PLAIN challenge")
}

// ValidateSuccess succeeds unconditionally. PLAIN does not authenticate the server.
func (p *Plain) ValidateSuccess(_ []byte) error { return nil }

// Reset clears mechanism internal state.
func (p *Plain) Reset() {}
