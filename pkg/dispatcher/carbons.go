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

package dispatcher

import (
	"github.com/jackal-xmpp/stravaganza"
	"github.com/jackal-xmpp/stravaganza/jid"
)

const (
	carbonsNamespace = "urn:xmpp:carbons:2"
	forwardNamespace = "urn:xmpp:forward:0"
	mamNamespace     = "urn:xmpp:mam:2"
)

// SetSelfJID sets the stream bound JID, used to verify carbon copy wrappers.
func (d *Dispatcher) SetSelfJID(jd *jid.JID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selfJID = jd
}

// carbonForwarded returns the forwarded element of a carbon copy wrapper, or
// nil when msg is not a carbon. Wrappers not originating from the user's own
// bare JID are impersonation attempts and are ignored (XEP-0280 section 11).
func (d *Dispatcher) carbonForwarded(msg *stravaganza.Message) stravaganza.Element {
	var carbon stravaganza.Element
	if sent := msg.ChildNamespace("sent", carbonsNamespace); sent != nil {
		carbon = sent
	} else if recv := msg.ChildNamespace("received", carbonsNamespace); recv != nil {
		carbon = recv
	}
	if carbon == nil {
		return nil
	}
	d.mu.RLock()
	selfJID := d.selfJID
	d.mu.RUnlock()

	if selfJID != nil {
		from, err := jid.NewWithString(msg.Attribute(stravaganza.From), true)
		if err != nil || !from.MatchesWithOptions(selfJID, jid.MatchesBare) {
			return nil
		}
	}
	return carbon.ChildNamespace("forwarded", forwardNamespace)
}
