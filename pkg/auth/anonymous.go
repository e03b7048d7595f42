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

// Anonymous represents the ANONYMOUS SASL mechanism (RFC 4505).
type Anonymous struct{}

// NewAnonymous returns a new anonymous mechanism instance.
func NewAnonymous() *Anonymous { return &Anonymous{} }

// Name returns ANONYMOUS mechanism name.
func (a *Anonymous) Name() string { return "ANONYMOUS" }

// UsesPassword returns false.
func (a *Anonymous) UsesPassword() bool { return false }

// Initiate returns an empty trace initial response.
func (a *Anonymous) Initiate(_, _ string) ([]byte, error) {
	return []byte{}, nil
}

// Respond is never invoked, as ANONYMOUS is a single round-trip mechanism.
func (a *Anonymous) Respond(_ []byte) ([]byte, error) {
	return nil, errors.New("auth: unexpected ANONYMOUS challenge")
}

// ValidateSuccess succeeds unconditionally.
func (a *Anonymous) ValidateSuccess(_ []byte) error { return nil }

// Reset clears mechanism internal state.
func (a *Anonymous) Reset() {}
