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

package xmpputil

import (
	"github.com/jackal-xmpp/stravaganza"
	stanzaerror "github.com/jackal-xmpp/stravaganza/errors/stanza"
	"github.com/jackal-xmpp/stravaganza/jid"
)

// MakeResultIQ creates a new result stanza derived from iq.
func MakeResultIQ(iq *stravaganza.IQ, queryChild stravaganza.Element) *stravaganza.IQ {
	b := iq.ResultBuilder()
	if queryChild != nil {
		b = b.WithChild(queryChild)
	}
	resIQ, _ := b.BuildIQ()
	return resIQ
}

// MakePresence creates presence of type typ using fromJID and toJID addresses.
// Nil addresses and an empty type are omitted, so undirected availability
// presence can be built too.
func MakePresence(fromJID, toJID *jid.JID, typ string, children []stravaganza.Element) *stravaganza.Presence {
	b := stravaganza.NewPresenceBuilder()
	if fromJID != nil {
		b = b.WithAttribute(stravaganza.From, fromJID.String())
	}
	if toJID != nil {
		b = b.WithAttribute(stravaganza.To, toJID.String())
	}
	if len(typ) > 0 {
		b = b.WithAttribute(stravaganza.Type, typ)
	}
	pr, _ := b.WithChildren(children...).
		BuildPresence()
	return pr
}

// MakeErrorStanza creates an error stanza using errReason as reason.
func MakeErrorStanza(stanza stravaganza.Stanza, errReason stanzaerror.Reason) stravaganza.Stanza {
	errStanza, _ := stanzaerror.E(errReason, stanza).
		Stanza(false)
	return errStanza
}

// MessageStanzaID returns the stanza-id value contained in msg parameter.
func MessageStanzaID(msg *stravaganza.Message) string {
	sidElem := msg.ChildNamespace("stanza-id", "urn:xmpp:sid:0")
	if sidElem == nil {
		return ""
	}
	return sidElem.Attribute("id")
}
