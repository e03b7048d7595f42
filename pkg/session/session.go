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

package session

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/jackal-xmpp/stravaganza"
	streamerror "github.com/jackal-xmpp/stravaganza/errors/stream"
	"github.com/jackal-xmpp/stravaganza/jid"
	xmppparser "github.com/jackal-xmpp/stravaganza/parser"
	"github.com/goshawk-im/goshawk/pkg/transport"
)

const envLogStanzas = "GOSHAWK_LOG_STANZAS"

var logStanzas bool

func init() {
	logStanzas = os.Getenv(envLogStanzas) == "on"
}

const (
	jabberClientNamespace = "jabber:client"
	streamNamespace       = "http://etherx.jabber.org/streams"
)

var (
	errAlreadyOpened = errors.New("session: already opened")
	errAlreadyClosed = errors.New("session: already closed")
)

// ErrMalformedStanza is wrapped by Receive errors caused by a single bad
/// stanza. Such errors are droppable: the stream itself remains usable.
var ErrMalformedStanza = errors.New("session: malformed stanza")

// Config structure is used to establish XMPP session configuration.
type Config struct {

	// MaxStanzaSize defines the maximum stanza size that can be read from the session transport.
	MaxStanzaSize int
}

// Session represents an initiating-entity XMPP session towards a server.
type Session struct {
	id         string
	cfg        Config
	peerDomain string
	tr         transport.Transport
	pr         *xmppparser.Parser
	logger     kitlog.Logger

	streamID string
	jd       jid.JID
	opened   bool
	started  bool
}

// New creates a new session instance.
func New(identifier string, tr transport.Transport, peerDomain string, cfg Config, logger kitlog.Logger) *Session {
	return &Session{
		id:         identifier,
		cfg:        cfg,
		peerDomain: peerDomain,
		tr:         tr,
		pr:         xmppparser.New(tr, xmppparser.SocketStream, cfg.MaxStanzaSize),
		logger:     logger,
	}
}

// StreamID returns the stream identifier assigned by the receiving entity.
func (ss *Session) StreamID() string {
	return ss.streamID
}

// PeerDomain returns the domain the session was opened against.
func (ss *Session) PeerDomain() string {
	return ss.peerDomain
}

// SetBoundJID updates the session bound JID once resource binding took place.
func (ss *Session) SetBoundJID(jd *jid.JID) {
	ss.jd = *jd
}

// OpenStream initializes the session sending the initiating-entity stream header.
func (ss *Session) OpenStream(ctx context.Context) error {
	if ss.opened {
		return errAlreadyOpened
	}
	buf := &strings.Builder{}
	buf.WriteString(`<?xml version='1.0'?>`)

	b := stravaganza.NewBuilder("stream:stream").
		WithAttribute(stravaganza.Namespace, jabberClientNamespace).
		WithAttribute(stravaganza.StreamNamespace, streamNamespace).
		WithAttribute(stravaganza.Version, "1.0").
		WithAttribute(stravaganza.To, ss.peerDomain)
	if ss.jd.IsFullWithUser() {
		b = b.WithAttribute(stravaganza.From, ss.jd.ToBareJID().String())
	}
	elem := b.Build()
	if err := elem.ToXML(buf, false); err != nil {
		return err
	}
	if err := ss.sendString(ctx, buf.String()); err != nil {
		return err
	}
	ss.opened = true
	return nil
}

// Close closes session sending the proper XMPP payload.
func (ss *Session) Close(ctx context.Context) error {
	if !ss.opened {
		return errAlreadyClosed
	}
	ss.setWriteDeadline(ctx)

	if err := ss.sendString(ctx, "</stream:stream>"); err != nil {
		return err
	}
	ss.opened = false
	ss.started = false
	return nil
}

// Send writes an XML element to the underlying session transport.
func (ss *Session) Send(ctx context.Context, elem stravaganza.Element) error {
	if logStanzas {
		level.Debug(ss.logger).Log("msg", fmt.Sprintf("SND(%s): %v", ss.id, elem))
	}
	ss.setWriteDeadline(ctx)
	if err := elem.ToXML(ss.tr, true); err != nil {
		return err
	}
	return ss.tr.Flush()
}

// SendKeepAlive writes a whitespace keep-alive to the session transport.
// Keep-alives are not stanzas and are invisible to stream management.
func (ss *Session) SendKeepAlive(ctx context.Context) error {
	ss.setWriteDeadline(ctx)
	if _, err := ss.tr.WriteString(" "); err != nil {
		return err
	}
	return ss.tr.Flush()
}

// Receive returns next incoming session element.
// The first element received after opening or resetting the stream must be
// a valid response stream header; its id attribute is captured as StreamID.
func (ss *Session) Receive() (stravaganza.Element, error) {
	elem, err := ss.pr.Parse()
	if err != nil {
		return nil, mapErrorToSessionError(err)
	}
	switch {
	case elem != nil:
		if logStanzas {
			level.Debug(ss.logger).Log("msg", fmt.Sprintf("RCV(%s): %v", ss.id, elem))
		}
	default:
		return nil, nil
	}
	if !ss.started {
		if err := ss.validateStreamElement(elem); err != nil {
			return nil, err
		}
		ss.streamID = elem.Attribute(stravaganza.ID)
		ss.started = true
		return elem, nil
	}
	if elem.Name() == "stream:error" {
		return elem, nil // surfaced to the session controller
	}
	if !stravaganza.IsStanza(elem) {
		return elem, nil
	}
	return ss.buildStanza(elem)
}

// Reset resets session internal state, restarting the stream over tr.
func (ss *Session) Reset(tr transport.Transport) error {
	ss.tr = tr
	ss.pr = xmppparser.New(tr, xmppparser.SocketStream, ss.cfg.MaxStanzaSize)
	ss.opened = false
	ss.started = false
	return nil
}

func (ss *Session) sendString(ctx context.Context, str string) error {
	if logStanzas {
		level.Debug(ss.logger).Log("msg", fmt.Sprintf("SND(%s): %v", ss.id, str))
	}
	ss.setWriteDeadline(ctx)
	_, err := ss.tr.WriteString(str)
	if err != nil {
		return err
	}
	return ss.tr.Flush()
}

func (ss *Session) validateStreamElement(elem stravaganza.Element) error {
	if elem.Name() != "stream:stream" {
		return streamerror.E(streamerror.UnsupportedStanzaType)
	}
	ns := elem.Attribute(stravaganza.Namespace)
	streamNs := elem.Attribute(stravaganza.StreamNamespace)
	if ns != jabberClientNamespace || streamNs != streamNamespace {
		return streamerror.E(streamerror.InvalidNamespace)
	}
	if elem.Attribute(stravaganza.Version) != "1.0" {
		return streamerror.E(streamerror.UnsupportedVersion)
	}
	from := elem.Attribute(stravaganza.From)
	if len(from) > 0 && from != ss.peerDomain {
		return streamerror.E(streamerror.InvalidFrom)
	}
	return nil
}

func (ss *Session) buildStanza(elem stravaganza.Element) (stravaganza.Stanza, error) {
	if err := ss.validateNamespace(elem); err != nil {
		return nil, err
	}
	fromJID, toJID, err := ss.extractAddresses(elem)
	if err != nil {
		return nil, err
	}
	sb := stravaganza.NewBuilderFromElement(elem).
		WithAttribute(stravaganza.From, fromJID.String()).
		WithAttribute(stravaganza.To, toJID.String()).
		WithoutAttribute(stravaganza.Namespace)

	switch elem.Name() {
	case "iq":
		iq, err := sb.BuildIQ()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStanza, err)
		}
		return iq, nil

	case "presence":
		presence, err := sb.BuildPresence()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStanza, err)
		}
		return presence, nil

	case "message":
		message, err := sb.BuildMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStanza, err)
		}
		return message, nil
	}
	return nil, streamerror.E(streamerror.UnsupportedStanzaType)
}

func (ss *Session) validateNamespace(elem stravaganza.Element) error {
	ns := elem.Attribute(stravaganza.Namespace)
	if len(ns) == 0 || ns == jabberClientNamespace {
		return nil
	}
	return streamerror.E(streamerror.InvalidNamespace)
}

/// extractAddresses derives stanza from/to addresses applying client defaults:
// a missing 'to' becomes the bound bare JID, a 'to' addressed to anyone but
// the bound bare JID is a malformed (droppable) stanza, and a missing 'from'
// becomes the peer bare domain JID.
func (ss *Session) extractAddresses(elem stravaganza.Element) (fromJID *jid.JID, toJID *jid.JID, err error) {
	from := elem.Attribute(stravaganza.From)
	if len(from) > 0 {
		fromJID, err = jid.NewWithString(from, false)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid from address: %s", ErrMalformedStanza, from)
		}
	} else {
		fromJID, _ = jid.NewWithString(ss.peerDomain, true)
	}
	to := elem.Attribute(stravaganza.To)
	switch {
	case len(to) > 0:
		toJID, err = jid.NewWithString(to, false)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid to address: %s", ErrMalformedStanza, to)
		}
		if ss.jd.IsFullWithUser() && !toJID.MatchesWithOptions(&ss.jd, jid.MatchesBare) {
			return nil, nil, fmt.Errorf("%w: stanza addressed to %s", ErrMalformedStanza, to)
		}

	case ss.jd.IsFullWithUser():
		toJID = ss.jd.ToBareJID()

	default:
		// no JID bound yet; stanza implicitly addressed to this stream
		toJID, _ = jid.NewWithString(ss.peerDomain, true)
	}
	return
}

func (ss *Session) setWriteDeadline(ctx context.Context) {
	d, ok := ctx.Deadline()
	if !ok {
		return
	}
	_ = ss.tr.SetWriteDeadline(d)
}

func mapErrorToSessionError(err error) error {
	switch err {
	case transport.ErrReadLimitExceeded:
		se := streamerror.E(streamerror.PolicyViolation)
		se.Err = err
		return se

	case xmppparser.ErrTooLargeStanza:
		se := streamerror.E(streamerror.PolicyViolation)
		se.Err = err
		se.ApplicationElement = stravaganza.NewBuilder("stanza-too-big").
			WithAttribute(stravaganza.Namespace, "urn:xmpp:errors").
			Build()
		return se

	default:
		switch err := err.(type) {
		case *xml.SyntaxError:
			se := streamerror.E(streamerror.InvalidXML)
			se.Err = err
			return se

		case net.Error:
			if !err.Timeout() {
				return err
			}
			se := streamerror.E(streamerror.ConnectionTimeout)
			se.Err = err
			return se

		default:
			return err // unmapped error
		}
	}
}
