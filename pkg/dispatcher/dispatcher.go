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
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/jackal-xmpp/stravaganza"
	stanzaerror "github.com/jackal-xmpp/stravaganza/errors/stanza"
	"github.com/jackal-xmpp/stravaganza/jid"
)

// Result tells the dispatcher how to proceed after a handler ran.
type Result int

const (
	// Continue passes the stanza on to the next handler in the chain.
	Continue Result = iota

	// Consumed stops the chain; the stanza has been fully handled.
	Consumed
)

// Priority defines handler execution priority. Handlers with a lower priority
// value run first; ties run in registration order, most generic match first.
type Priority int32

const (
	// LowPriority defines low handler execution priority.
	LowPriority = Priority(-1000)

	// DefaultPriority defines default handler execution priority.
	DefaultPriority = Priority(0)

	// HighPriority defines high handler execution priority.
	HighPriority = Priority(1000)
)

// ErrPendingTimeout is passed to a response callback when no reply arrived
// within the request timeout.
var ErrPendingTimeout = errors.New("dispatcher: response timeout")

// ErrPendingCancelled is passed to response callbacks when pending requests
// are cancelled, typically on disconnection.
var ErrPendingCancelled = errors.New("dispatcher: pending request cancelled")

// HandlerFunc processes an inbound stanza.
type HandlerFunc func(ctx context.Context, stanza stravaganza.Stanza) (Result, error)

// Match describes which inbound stanzas a handler receives. Empty fields
// match anything, so the zero value matches every stanza.
type Match struct {
	// Name matches the stanza name: iq, message or presence.
	Name string

	// Type matches the stanza type attribute.
	Type string

	// ChildNamespace matches the namespace of any direct stanza child.
	ChildNamespace string
}

func (m Match) specificity() int {
	s := 0
	if len(m.Type) > 0 {
		s++
	}
	if len(m.ChildNamespace) > 0 {
		s += 2
	}
	return s
}

// RespondFunc is invoked when a reply to a tracked request arrives, or when
// the request times out or is cancelled.
type RespondFunc func(resp stravaganza.Stanza, err error)

// Sender writes an element to the underlying stream.
type Sender interface {
	SendElement(ctx context.Context, elem stravaganza.Element) error
}

// Counter accounts stanzas for stream management purposes.
type Counter interface {
	CountOutgoing(stanza stravaganza.Stanza)
	CountIncoming()
}

type handler struct {
	m   Match
	h   HandlerFunc
	p   Priority
	seq uint64
}

type pendingReq struct {
	cb       RespondFunc
	deadline time.Time
}

// Dispatcher routes inbound stanzas to registered handlers and correlates
// request stanzas with their replies.
type Dispatcher struct {
	sender  Sender
	counter Counter
	logger  kitlog.Logger

	mu          sync.RWMutex
	seq         uint64
	handlers    []handler
	pending     map[string]pendingReq
	passThrough func(elem stravaganza.Element)
	selfJID     *jid.JID
}

// New returns a new dispatcher instance.
func New(sender Sender, counter Counter, logger kitlog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		counter: counter,
		logger:  logger,
		pending: make(map[string]pendingReq),
	}
}

// RegisterHandler registers hnd for stanzas matching m. The returned function
// unregisters it.
func (d *Dispatcher) RegisterHandler(m Match, priority Priority, hnd HandlerFunc) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	seq := d.seq
	d.handlers = append(d.handlers, handler{m: m, h: hnd, p: priority, seq: seq})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, h := range d.handlers {
			if h.seq == seq {
				d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
				return
			}
		}
	}
}

// SetPassThrough diverts every inbound element to fn, bypassing stanza
// accounting and handler chains. Used while stream negotiation is in
// progress.
func (d *Dispatcher) SetPassThrough(fn func(elem stravaganza.Element)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passThrough = fn
}

// ClearPassThrough restores regular stanza dispatching.
func (d *Dispatcher) ClearPassThrough() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passThrough = nil
}

// Send writes a stanza to the stream, accounting it for stream management.
// A missing stanza id is assigned a fresh random one. When cb is not nil the
// stanza is additionally tracked as a request: cb is invoked exactly once
// with the matching reply, a timeout error or a cancellation error.
func (d *Dispatcher) Send(ctx context.Context, stanza stravaganza.Stanza, cb RespondFunc, timeout time.Duration) (stravaganza.Stanza, error) {
	id := stanza.Attribute(stravaganza.ID)
	if len(id) == 0 {
		id = uuid.New().String()
		st, err := stravaganza.NewBuilderFromElement(stanza).
			WithAttribute(stravaganza.ID, id).
			BuildStanza()
		if err != nil {
			return nil, err
		}
		stanza = st
	}
	if cb != nil {
		d.mu.Lock()
		d.pending[id] = pendingReq{cb: cb, deadline: time.Now().Add(timeout)}
		d.mu.Unlock()
	}
	if d.counter != nil {
		d.counter.CountOutgoing(stanza)
	}
	if err := d.sender.SendElement(ctx, stanza); err != nil {
		if cb != nil {
			d.mu.Lock()
			delete(d.pending, stanza.Attribute(stravaganza.ID))
			d.mu.Unlock()
		}
		return nil, err
	}
	return stanza, nil
}

// Dispatch routes an inbound stanza. Each stanza is accounted exactly once,
// then matched against pending requests and finally run through the handler
// chain. Unhandled iq requests are answered with a feature-not-implemented
// error.
func (d *Dispatcher) Dispatch(ctx context.Context, stanza stravaganza.Stanza) {
	d.mu.RLock()
	passThrough := d.passThrough
	d.mu.RUnlock()

	if passThrough != nil {
		passThrough(stanza)
		return
	}
	if d.counter != nil {
		d.counter.CountIncoming()
	}
	stanza = d.unwrap(stanza)
	if stanza == nil {
		return
	}
	if d.dispatchPending(stanza) {
		return
	}
	consumed := d.runHandlerChain(ctx, stanza)
	if consumed {
		return
	}
	if iq, ok := stanza.(*stravaganza.IQ); ok && (iq.IsGet() || iq.IsSet()) {
		d.replyError(ctx, iq, stanzaerror.FeatureNotImplemented)
	}
}

// DispatchElement routes an arbitrary inbound element. Non-stanza elements
// only reach the pass-through function.
func (d *Dispatcher) DispatchElement(ctx context.Context, elem stravaganza.Element) {
	d.mu.RLock()
	passThrough := d.passThrough
	d.mu.RUnlock()

	if passThrough != nil {
		passThrough(elem)
		return
	}
	stanza, ok := elem.(stravaganza.Stanza)
	if !ok {
		level.Warn(d.logger).Log("msg", "discarding non-stanza element", "name", elem.Name())
		return
	}
	d.Dispatch(ctx, stanza)
}

// dispatchPending consumes a reply to a tracked request. Replies are consumed
// exactly once: a second stanza carrying the same id flows down the regular
// handler chain.
func (d *Dispatcher) dispatchPending(stanza stravaganza.Stanza) bool {
	iq, ok := stanza.(*stravaganza.IQ)
	if !ok || !(iq.IsResult() || iq.Attribute(stravaganza.Type) == stravaganza.ErrorType) {
		return false
	}
	id := iq.Attribute(stravaganza.ID)
	if len(id) == 0 {
		return false
	}
	d.mu.Lock()
	req, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	req.cb(stanza, nil)
	return true
}

// runHandlerChain runs all handlers matching the stanza, most generic match
// first within the same priority. It reports whether any handler consumed
// the stanza.
func (d *Dispatcher) runHandlerChain(ctx context.Context, stanza stravaganza.Stanza) bool {
	d.mu.RLock()
	var chain []handler
	for _, h := range d.handlers {
		if d.matches(h.m, stanza) {
			chain = append(chain, h)
		}
	}
	d.mu.RUnlock()

	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].p != chain[j].p {
			return chain[i].p < chain[j].p
		}
		if si, sj := chain[i].m.specificity(), chain[j].m.specificity(); si != sj {
			return si < sj
		}
		return chain[i].seq < chain[j].seq
	})
	for _, h := range chain {
		res, err := h.h(ctx, stanza)
		if err != nil {
			level.Warn(d.logger).Log("msg", "stanza handler rejected stanza",
				"name", stanza.Name(), "id", stanza.Attribute(stravaganza.ID), "err", err,
			)
			if iq, ok := stanza.(*stravaganza.IQ); ok && (iq.IsGet() || iq.IsSet()) {
				d.replyError(ctx, iq, stanzaerror.BadRequest)
			}
			return true
		}
		if res == Consumed {
			return true
		}
	}
	return false
}

func (d *Dispatcher) matches(m Match, stanza stravaganza.Stanza) bool {
	if len(m.Name) > 0 && m.Name != stanza.Name() {
		return false
	}
	if len(m.Type) > 0 && m.Type != stanza.Attribute(stravaganza.Type) {
		return false
	}
	if len(m.ChildNamespace) > 0 && !hasChildNamespace(stanza, m.ChildNamespace) {
		return false
	}
	return true
}

func hasChildNamespace(stanza stravaganza.Stanza, ns string) bool {
	for _, ch := range stanza.AllChildren() {
		if ch.Attribute(stravaganza.Namespace) == ns {
			return true
		}
	}
	return false
}

// unwrap extracts the forwarded stanza out of carbon copies (XEP-0280) and
// archive results (XEP-0313), so handlers always observe the effective
// stanza.
func (d *Dispatcher) unwrap(stanza stravaganza.Stanza) stravaganza.Stanza {
	msg, ok := stanza.(*stravaganza.Message)
	if !ok {
		return stanza
	}
	if fwd := d.carbonForwarded(msg); fwd != nil {
		inner, err := d.buildForwarded(fwd)
		if err != nil {
			level.Warn(d.logger).Log("msg", "discarding malformed carbon copy", "err", err)
			return nil
		}
		return inner
	}
	if result := msg.ChildNamespace("result", mamNamespace); result != nil {
		fwd := result.ChildNamespace("forwarded", forwardNamespace)
		if fwd == nil {
			return stanza
		}
		inner, err := d.buildForwarded(fwd)
		if err != nil {
			level.Warn(d.logger).Log("msg", "discarding malformed archive result", "err", err)
			return nil
		}
		return inner
	}
	return stanza
}

func (d *Dispatcher) buildForwarded(fwd stravaganza.Element) (stravaganza.Stanza, error) {
	for _, ch := range fwd.AllChildren() {
		switch ch.Name() {
		case "message", "iq", "presence":
			return stravaganza.NewBuilderFromElement(ch).BuildStanza()
		}
	}
	return nil, errors.New("dispatcher: forwarded element carries no stanza")
}

func (d *Dispatcher) replyError(ctx context.Context, iq *stravaganza.IQ, reason stanzaerror.Reason) {
	errStanza, err := stanzaerror.E(reason, iq).Stanza(false)
	if err != nil {
		level.Warn(d.logger).Log("msg", "failed to build error reply", "err", err)
		return
	}
	if d.counter != nil {
		d.counter.CountOutgoing(errStanza)
	}
	if err := d.sender.SendElement(ctx, errStanza); err != nil {
		level.Warn(d.logger).Log("msg", "failed to send error reply", "err", err)
	}
}

// SweepExpired invokes the callbacks of all pending requests whose deadline
// has passed. The caller is expected to run it periodically.
func (d *Dispatcher) SweepExpired(now time.Time) {
	var expired []RespondFunc
	d.mu.Lock()
	for id, req := range d.pending {
		if now.After(req.deadline) {
			expired = append(expired, req.cb)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, cb := range expired {
		cb(nil, ErrPendingTimeout)
	}
}

// CancelPending invokes all pending request callbacks with err and clears the
// pending table. Invoked on stream teardown.
func (d *Dispatcher) CancelPending(err error) {
	if err == nil {
		err = ErrPendingCancelled
	}
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]pendingReq)
	d.mu.Unlock()

	for _, req := range pending {
		req.cb(nil, err)
	}
}

// PendingLen returns the number of in-flight tracked requests.
func (d *Dispatcher) PendingLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}
