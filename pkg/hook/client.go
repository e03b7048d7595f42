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

package hook

import (
	"github.com/jackal-xmpp/stravaganza"
	"github.com/jackal-xmpp/stravaganza/jid"
)

const (
	// ClientConnected event is posted when the client stream reaches the active state.
	ClientConnected = "client.stream.connected"

	// ClientConnectionFailed event is posted when a connection attempt fails
	// before the stream reaches the active state.
	ClientConnectionFailed = "client.stream.connection_failed"

	// ClientDisconnected event is posted when an established stream is torn down.
	ClientDisconnected = "client.stream.disconnected"

	// ClientStreamBound event is posted when resource binding completes.
	ClientStreamBound = "client.stream.bound"

	// ClientResumed event is posted when a previous session is successfully resumed.
	ClientResumed = "client.stream.resumed"

	// ClientResumeFailed event is posted when the server rejects a resumption attempt.
	ClientResumeFailed = "client.stream.resume_failed"

	// ClientElementReceived event is posted when an XMPP element is received over the stream.
	ClientElementReceived = "client.stream.element_received"

	// ClientElementSent event is posted when an XMPP element is sent over the stream.
	ClientElementSent = "client.stream.element_sent"
)

// ClientStreamInfo contains all info associated to a client stream event.
type ClientStreamInfo struct {
	// ID is the event stream identifier.
	ID string

	// JID is the stream bound JID, when binding already took place.
	JID *jid.JID

	// Element is the event associated XMPP element.
	Element stravaganza.Element

	// Error contains the event associated failure, if any.
	Error error
}
