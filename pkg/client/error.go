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

package client

import "fmt"

// ErrorDomain classifies where along the connection pipeline a failure
// originated.
type ErrorDomain string

const (
	// DNSErrorDomain groups address resolution failures.
	DNSErrorDomain ErrorDomain = "dns"

	// ConnectionErrorDomain groups TCP level failures.
	ConnectionErrorDomain ErrorDomain = "connection"

	// TLSErrorDomain groups TLS handshake and certificate failures.
	TLSErrorDomain ErrorDomain = "tls"

	// StreamErrorDomain groups XMPP stream level failures.
	StreamErrorDomain ErrorDomain = "stream"

	// SASLErrorDomain groups authentication failures.
	SASLErrorDomain ErrorDomain = "sasl"

	// BindErrorDomain groups resource binding failures.
	BindErrorDomain ErrorDomain = "bind"

	// SMErrorDomain groups stream management failures.
	SMErrorDomain ErrorDomain = "sm"

	// TimeoutErrorDomain groups connect and keep-alive deadline failures.
	TimeoutErrorDomain ErrorDomain = "timeout"
)

// StreamError describes why a stream attempt failed. Only the first failure
// of an attempt is retained; later failures during teardown are byproducts
// and are discarded.
type StreamError struct {
	// Domain is the failing pipeline stage.
	Domain ErrorDomain

	// Code is the protocol defined condition name, when one exists.
	Code string

	// Text carries the peer provided human readable text, if any.
	Text string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies error interface.
func (e *StreamError) Error() string {
	switch {
	case len(e.Code) > 0 && len(e.Text) > 0:
		return fmt.Sprintf("%s: %s (%s)", e.Domain, e.Code, e.Text)
	case len(e.Code) > 0:
		return fmt.Sprintf("%s: %s", e.Domain, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Domain, e.Err)
	default:
		return string(e.Domain)
	}
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error { return e.Err }
