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

var errGssapiUnavailable = errors.New("auth: gssapi mechanism is not available")

// Gssapi is a placeholder for the GSSAPI mechanism. No pure Go
// implementation is linked in, so it reports itself unavailable and is
// skipped during mechanism election.
type Gssapi struct{}

// NewGssapi returns a new gssapi mechanism placeholder.
func NewGssapi() *Gssapi {
	return &Gssapi{}
}

// Name returns gssapi mechanism name.
func (*Gssapi) Name() string {
	return "GSSAPI"
}

// UsesPassword returns whether or not gssapi mechanism requires a password.
func (*Gssapi) UsesPassword() bool {
	return false
}

// Available reports whether a GSSAPI implementation is linked in.
func (*Gssapi) Available() bool {
	return false
}

// Initiate returns an unavailability error.
func (*Gssapi) Initiate(_, _ string) ([]byte, error) {
	return nil, errGssapiUnavailable
}

// Respond returns an unavailability error.
func (*Gssapi) Respond(_ []byte) ([]byte, error) {
	return nil, errGssapiUnavailable
}

// ValidateSuccess returns an unavailability error.
func (*Gssapi) ValidateSuccess(_ []byte) error {
	return errGssapiUnavailable
}

// Reset resets gssapi mechanism internal state.
func (*Gssapi) Reset() {}
