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

package xep0198

import (
	"context"
	"errors"
	"strconv"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackal-xmpp/stravaganza"
)

const streamNamespace = "urn:xmpp:sm:3"

// State represents the stream management negotiation state.
type State int

const (
	// Inactive is the initial state, before enablement is attempted.
	Inactive State = iota

	// Enabling is entered once <enable/> has been sent.
	Enabling

	// Enabled is entered once the server confirmed enablement.
	Enabled

	// Resuming is entered once <resume/> has been sent.
	Resuming

	// Disabled is a terminal state for the stream lifetime: the server
	// cannot or will not do stream management.
	Disabled
)

var (
	// ErrNotEnabled is returned when an operation requires an enabled
	// stream management session.
	ErrNotEnabled = errors.New("xep0198: stream management not enabled")

	// ErrNotResumable is returned by Resume when the previous session did
	// not negotiate resumption.
	ErrNotResumable = errors.New("xep0198: session is not resumable")
)

// Sender sends raw protocol elements over the stream. Elements sent through
// it are not subject to stanza accounting.
type Sender interface {
	SendElement(ctx context.Context, elem stravaganza.Element) error
}

// Config contains stream management engine configuration.
type Config struct {
	// RequestResumption tells whether <enable/> asks for a resumable session.
	RequestResumption bool

	// MaxResumptionSecs is the requested maximum resumption timeout, in
	// seconds. Zero leaves the decision to the server.
	MaxResumptionSecs int
}

// Engine implements the client side of XEP-0198 stream management: stanza
// accounting in both directions, acknowledgement exchange and session
// resumption with in-order replay of unacknowledged stanzas.
type Engine struct {
	cfg    Config
	sender Sender
	logger kitlog.Logger

	mu         sync.RWMutex
	state      State
	outH       uint32
	inH        uint32
	lastAckedH uint32
	queue      []stravaganza.Stanza
	snapshot   []stravaganza.Stanza
	streamID   string
	resumable  bool
	maxSecs    int
}

// New returns a new stream management engine.
func New(sender Sender, cfg Config, logger kitlog.Logger) *Engine {
	return &Engine{cfg: cfg, sender: sender, logger: logger}
}

// State returns current engine state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsEnabled tells whether stream management is active for the current stream.
func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == Enabled
}

// IsResumable tells whether the current or previous session can be resumed.
func (e *Engine) IsResumable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resumable && len(e.streamID) > 0
}

// StreamID returns the server assigned stream management identifier.
func (e *Engine) StreamID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.streamID
}

// PendingLen returns the number of sent stanzas not yet acknowledged.
func (e *Engine) PendingLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.queue)
}

// Negotiate resets accounting state and sends the enable request.
func (e *Engine) Negotiate(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Disabled {
		e.mu.Unlock()
		return ErrNotEnabled
	}
	e.state = Enabling
	e.outH = 0
	e.inH = 0
	e.lastAckedH = 0
	e.queue = nil
	e.streamID = ""
	e.resumable = false
	e.mu.Unlock()

	b := stravaganza.NewBuilder("enable").
		WithAttribute(stravaganza.Namespace, streamNamespace)
	if e.cfg.RequestResumption {
		b = b.WithAttribute("resume", "true")
	}
	if e.cfg.MaxResumptionSecs > 0 {
		b = b.WithAttribute("max", strconv.Itoa(e.cfg.MaxResumptionSecs))
	}
	return e.sender.SendElement(ctx, b.Build())
}

// HandleEnabled processes a server <enabled/> element.
func (e *Engine) HandleEnabled(elem stravaganza.Element) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = Enabled
	e.streamID = elem.Attribute("id")
	e.resumable = elem.Attribute("resume") == "true" || elem.Attribute("resume") == "1"
	if max := elem.Attribute("max"); len(max) > 0 {
		if secs, err := strconv.Atoi(max); err == nil {
			e.maxSecs = secs
		}
	}
	level.Info(e.logger).Log("msg", "stream management enabled",
		"id", e.streamID, "resumable", e.resumable,
	)
}

// FailureAction tells the caller how to proceed after a stream management failure.
type FailureAction int

const (
	// Retryable means enablement may be retried on the next stream.
	Retryable FailureAction = iota

	// PermanentlyDisabled means the server does not implement stream
	// management and no further attempt should be made.
	PermanentlyDisabled

	// SessionExpired means the resumption state is gone and the client must
	// fall back to binding a fresh resource.
	SessionExpired
)

// HandleFailed processes a server <failed/> element, for either an enable or
// a resume request.
func (e *Engine) HandleFailed(elem stravaganza.Element) FailureAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var cause string
	for _, ch := range elem.AllChildren() {
		if ch.Name() != "text" {
			cause = ch.Name()
			break
		}
	}
	level.Warn(e.logger).Log("msg", "stream management request failed", "cause", cause)

	wasResuming := e.state == Resuming
	switch cause {
	case "item-not-found":
		e.state = Inactive
		e.streamID = ""
		e.resumable = false
		if wasResuming {
			return SessionExpired
		}
		return Retryable

	case "feature-not-implemented", "unexpected-request":
		e.state = Disabled
		return PermanentlyDisabled

	default:
		e.state = Inactive
		if wasResuming {
			return SessionExpired
		}
		return Retryable
	}
}

// CountOutgoing accounts a stanza sent over the stream, appending it to the
// unacknowledged queue.
func (e *Engine) CountOutgoing(stanza stravaganza.Stanza) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Enabled {
		return
	}
	e.outH++
	e.queue = append(e.queue, stanza)
}

// CountIncoming accounts a stanza received over the stream.
func (e *Engine) CountIncoming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Enabled {
		return
	}
	e.inH++
}

// InboundH returns the current inbound stanza counter.
func (e *Engine) InboundH() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inH
}

// RequestAck sends an acknowledgement request to the server.
func (e *Engine) RequestAck(ctx context.Context) error {
	if !e.IsEnabled() {
		return ErrNotEnabled
	}
	r := stravaganza.NewBuilder("r").
		WithAttribute(stravaganza.Namespace, streamNamespace).
		Build()
	return e.sender.SendElement(ctx, r)
}

// HandleAckRequest answers a server <r/> element with the inbound counter.
func (e *Engine) HandleAckRequest(ctx context.Context) error {
	e.mu.RLock()
	h := e.inH
	e.mu.RUnlock()

	a := stravaganza.NewBuilder("a").
		WithAttribute(stravaganza.Namespace, streamNamespace).
		WithAttribute("h", strconv.FormatUint(uint64(h), 10)).
		Build()
	return e.sender.SendElement(ctx, a)
}

// HandleAck processes a server <a/> element, releasing acknowledged stanzas
// from the unacknowledged queue. Counter comparison is wrap-aware.
func (e *Engine) HandleAck(elem stravaganza.Element) {
	h64, err := strconv.ParseUint(elem.Attribute("h"), 10, 32)
	if err != nil {
		level.Warn(e.logger).Log("msg", "discarding ack with malformed h value", "h", elem.Attribute("h"))
		return
	}
	h := uint32(h64)

	e.mu.Lock()
	defer e.mu.Unlock()

	if diff := int32(e.outH - h); diff < 0 {
		level.Warn(e.logger).Log("msg", "ack counter ahead of sent count, dropping queue",
			"h", h, "out_h", e.outH,
		)
		e.queue = nil
		e.lastAckedH = e.outH
		return
	}
	acked := int(int32(h - e.lastAckedH))
	if acked <= 0 {
		return
	}
	if acked > len(e.queue) {
		acked = len(e.queue)
	}
	e.queue = e.queue[acked:]
	e.lastAckedH = h
}

// Resume snapshots the unacknowledged queue and sends the resume request.
// The queue snapshot is replayed by HandleResumed once the server confirms.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if !e.resumable || len(e.streamID) == 0 {
		e.mu.Unlock()
		return ErrNotResumable
	}
	e.state = Resuming
	e.snapshot = e.queue
	e.queue = nil
	inH := e.inH
	streamID := e.streamID
	e.mu.Unlock()

	resume := stravaganza.NewBuilder("resume").
		WithAttribute(stravaganza.Namespace, streamNamespace).
		WithAttribute("h", strconv.FormatUint(uint64(inH), 10)).
		WithAttribute("previd", streamID).
		Build()
	return e.sender.SendElement(ctx, resume)
}

// HandleResumed processes a server <resumed/> element. It returns, in their
// original send order, the snapshot stanzas the server never acknowledged.
// The caller must re-send them through the regular stanza path so they are
// accounted again.
func (e *Engine) HandleResumed(elem stravaganza.Element) ([]stravaganza.Stanza, error) {
	h64, err := strconv.ParseUint(elem.Attribute("h"), 10, 32)
	if err != nil {
		return nil, err
	}
	h := uint32(h64)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Resuming {
		return nil, ErrNotEnabled
	}
	if diff := int32(e.outH - h); diff < 0 {
		level.Warn(e.logger).Log("msg", "resumed counter ahead of sent count, dropping snapshot",
			"h", h, "out_h", e.outH,
		)
		e.snapshot = nil
	}
	acked := int(int32(h - e.lastAckedH))
	if acked < 0 {
		acked = 0
	}
	if acked > len(e.snapshot) {
		acked = len(e.snapshot)
	}
	pending := e.snapshot[acked:]
	e.snapshot = nil

	// accounting restarts from the resumed counters
	e.state = Enabled
	e.lastAckedH = h
	e.outH = h

	level.Info(e.logger).Log("msg", "stream resumed", "id", e.streamID, "replay", len(pending))
	return pending, nil
}

// Reset returns the engine to its initial state, discarding all accounting.
// A Disabled engine stays disabled.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Disabled {
		return
	}
	e.state = Inactive
	e.outH = 0
	e.inH = 0
	e.lastAckedH = 0
	e.queue = nil
	e.snapshot = nil
	e.streamID = ""
	e.resumable = false
}
