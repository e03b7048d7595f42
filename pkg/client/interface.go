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

import (
	"context"

	"github.com/jackal-xmpp/stravaganza"
	"github.com/jackal-xmpp/stravaganza/jid"

	"github.com/goshawk-im/goshawk/pkg/auth"
	"github.com/goshawk-im/goshawk/pkg/transport"
)

//go:generate moq -out session.mock_test.go . session
type session interface {
	OpenStream(ctx context.Context) error
	Close(ctx context.Context) error

	StreamID() string
	SetBoundJID(jd *jid.JID)

	Send(ctx context.Context, element stravaganza.Element) error
	SendKeepAlive(ctx context.Context) error
	Receive() (stravaganza.Element, error)

	Reset(tr transport.Transport) error
}

//go:generate moq -out negotiator.mock_test.go . negotiator
type negotiator interface {
	Start(features []stravaganza.Element) (stravaganza.Element, *auth.SASLError)
	ProcessElement(elem stravaganza.Element) (stravaganza.Element, bool, *auth.SASLError)
	AuthorizationJID() string
	Reset()
}
