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

import "fmt"

// Mechanism represents a client-side SASL mechanism.
// A mechanism instance drives a single authentication exchange: Initiate
// produces the initial response, Respond answers each server challenge and
// ValidateSuccess verifies the server final payload before the exchange is
// considered complete.
type Mechanism interface {
	// Name returns the IANA registered mechanism name.
	Name() string

	// UsesPassword tells whether the mechanism requires credentials password.
	UsesPassword() bool

	// Initiate starts the exchange returning the mechanism initial response payload.
	Initiate(username, password string) ([]byte, error)

	// Respond computes the client response to a server challenge payload.
	Respond(challenge []byte) ([]byte, error)

	// ValidateSuccess verifies the server success payload, if the mechanism
	// mandates server authentication.
	ValidateSuccess(payload []byte) error

	// Reset clears mechanism internal state so the exchange can be restarted.
	Reset()
}

const (
	// Aborted represents aborted SASL error reason.
	Aborted = "aborted"

	// AccountDisabled represents account-disabled SASL error reason.
	AccountDisabled = "account-disabled"

	// CredentialsExpired represents credentials-expired SASL error reason.
	CredentialsExpired = "credentials-expired"

	// EncryptionRequired represents encryption-required SASL error reason.
	EncryptionRequired = "encryption-required"

	// IncorrectEncoding represents incorrect-encoding SASL error reason.
	IncorrectEncoding = "incorrect-encoding"

	// InvalidAuthzID represents invalid-authzid SASL error reason.
	InvalidAuthzID = "invalid-authzid"

	// InvalidMechanism represents invalid-mechanism SASL error reason.
	InvalidMechanism = "invalid-mechanism"

	// MalformedRequest represents malformed-request SASL error reason.
	MalformedRequest = "malformed-request"

	// MechanismTooWeak represents mechanism-too-weak SASL error reason.
	MechanismTooWeak = "mechanism-too-weak"

	// NotAuthorized represents not-authorized SASL error reason.
	NotAuthorized = "not-authorized"

	// TemporaryAuthFailure represents temporary-auth-failure SASL error reason.
	TemporaryAuthFailure = "temporary-auth-failure"
)

// Client-side failure reasons. These never travel on the wire; they are
// produced locally when an exchange cannot start or a server reply fails
// verification.
const (
	// NoPassword is reported when the selected mechanism requires a password
	// and none was provided.
	NoPassword = "no-password"

	// InvalidServerSignature is reported when the server final SCRAM
	// signature does not verify.
	InvalidServerSignature = "invalid-server-signature"

	// InvalidNonce is reported when a SCRAM server nonce does not start with
	// the client nonce.
	InvalidNonce = "invalid-nonce"

	// WeakIterationCount is reported when a SCRAM iteration count falls below
	// the minimum accepted value.
	WeakIterationCount = "weak-iteration-count"

	// NoSupportedMechanism is reported when no advertised mechanism can be
	// negotiated.
	NoSupportedMechanism = "no-supported-mechanism"
)

// SASLError represents a SASL negotiation failure.
type SASLError struct {
	// Reason is the failure condition name, either a RFC 6120 defined
	// condition or one of the client-side reasons above.
	Reason string

	// Text contains the server provided human readable text, if any.
	Text string

	// Err contains the underlying failure error, if any.
	Err error
}

// Error satisfies error interface.
func (e *SASLError) Error() string {
	switch {
	case len(e.Text) > 0:
		return fmt.Sprintf("%s: %s", e.Reason, e.Text)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	default:
		return e.Reason
	}
}

// Unwrap returns the underlying failure error.
func (e *SASLError) Unwrap() error { return e.Err }

func newSASLError(reason string, err error) *SASLError {
	return &SASLError{Reason: reason, Err: err}
}
