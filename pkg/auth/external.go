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

// External represents the EXTERNAL SASL mechanism (RFC 4422).
// Authentication relies on the TLS client certificate presented during the
// handshake; the initial response carries the requested authorization
// identity, usually empty.
type External struct {
	authzID string
}

// NewExternal returns a new external mechanism instance.
func NewExternal(authzID string) *External {
	return &External{authzID: authzID}
}

// Name returns EXTERNAL mechanism name.
func (e *External) Name() string { return "EXTERNAL" }

// UsesPassword returns false. Credentials come from the TLS layer.
func (e *External) UsesPassword() bool { return false }

// Initiate returns the authorization identity as initial response.
func (e *External) Initiate(_, _ string) ([]byte, error) {
	return []byte(e.authzID), nil
}

// Respond is never invoked, as EXTERNAL is a single round-trip mechanism.
func (e *External) Respond(_ []byte) ([]byte, error) {
	return nil, errors.New("auth: unexpected EXTERNAL challenge")
}

// ValidateSuccess succeeds unconditionally.
func (e *External) ValidateSuccess(_ []byte) error { return nil }

// Reset clears mechanism internal state.
func (e *External) Reset() {}
