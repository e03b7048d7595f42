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
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/google/uuid"
	"github.com/jackal-xmpp/runqueue/v2"
	"github.com/jackal-xmpp/stravaganza"
	streamerror "github.com/jackal-xmpp/stravaganza/errors/stream"
	"github.com/jackal-xmpp/stravaganza/jid"
	xmppparser "github.com/jackal-xmpp/stravaganza/parser"

	"github.com/goshawk-im/goshawk/pkg/auth"
	"github.com/goshawk-im/goshawk/pkg/dispatcher"
	"github.com/goshawk-im/goshawk/pkg/hook"
	xmppsession "github.com/goshawk-im/goshawk/pkg/session"
	"github.com/goshawk-im/goshawk/pkg/transport"
	"github.com/goshawk-im/goshawk/pkg/xep0198"
)

const (
	tlsNamespace     = "urn:ietf:params:xml:ns:xmpp-tls"
	bindNamespace    = "urn:ietf:params:xml:ns:xmpp-bind"
	sessionNamespace = "urn:ietf:params:xml:ns:xmpp-session"
	smNamespace      = "urn:xmpp:sm:3"

	defaultDialTimeout       = time.Second * 15
	defaultConnectTimeout    = time.Minute
	defaultRequestTimeout    = time.Second * 30
	defaultKeepAliveInterval = time.Minute * 2
	defaultMaxStanzaSize     = 131072

	sweepInterval = time.Millisecond * 500
)

var (
	// ErrNotAuthenticated is returned when a stanza is sent before the stream
	// becomes active.
	ErrNotAuthenticated = errors.New("client: stream is not active")

	// ErrAlreadyConnected is returned by Connect on a non-disconnected client.
	ErrAlreadyConnected = errors.New("client: already connected")
)

// State represents the client stream state.
type State uint32

const (
	// Disconnected is the initial and final state.
	Disconnected State = iota

	// Resolving means endpoint candidates are being resolved.
	Resolving

	// Resolved means endpoint candidates are available.
	Resolved

	// Connecting means a TCP connection is being established.
	Connecting

	// Connected means the TCP connection is established.
	Connected

	// WaitStreamStart means the stream header was sent and its response is awaited.
	WaitStreamStart

	// WaitFeatures means the stream features element is awaited.
	WaitFeatures

	// WaitTLSProceed means a STARTTLS proceed response is awaited.
	WaitTLSProceed

	// Authenticating means a SASL exchange is in progress.
	Authenticating

	// Authenticated means SASL completed and the stream is restarting.
	Authenticated

	// AuthFailed means SASL failed. The stream is being torn down.
	AuthFailed

	// Binding means a resource bind request is in flight.
	Binding

	// Bound means resource binding completed.
	Bound

	// EstablishingSession means a legacy session request is in flight.
	EstablishingSession

	// Resuming means a stream management resume request is in flight.
	Resuming

	// Resumed means the previous session was recovered.
	Resumed

	// ResumeFailed means the resume attempt was rejected.
	ResumeFailed

	// Active means stanzas can flow in both directions.
	Active

	// Disconnecting means stream teardown is in progress.
	Disconnecting
)

// Config contains client stream configuration.
type Config struct {
	// UserJID is the bare JID to authenticate as.
	UserJID string

	// Password is the account password.
	Password string

	// Resource is the resource to bind. Empty lets the server assign one.
	Resource string

	// TLSConfig is the TLS configuration applied to direct TLS and STARTTLS
	// connections. A nil value verifies against the domain.
	TLSConfig *tls.Config

	// AllowedMechanisms optionally restricts negotiable SASL mechanisms.
	AllowedMechanisms []string

	// AllowPlainConnection permits authenticating over an unencrypted
	// connection when the server offers no STARTTLS. Off by default: without
	// it an unsecured stream lacking STARTTLS is torn down.
	AllowPlainConnection bool

	// EnableStreamManagement turns on stanza acknowledgement and resumption.
	EnableStreamManagement bool

	// DialTimeout is the TCP dial timeout per endpoint candidate.
	DialTimeout time.Duration

	// ConnectTimeout bounds the whole negotiation, from dialing to the
	// active state.
	ConnectTimeout time.Duration

	// RequestTimeout is the default iq response timeout.
	RequestTimeout time.Duration

	// KeepAliveInterval is the whitespace keep-alive send interval.
	KeepAliveInterval time.Duration

	// MaxStanzaSize is the maximum incoming stanza size in bytes.
	MaxStanzaSize int
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.MaxStanzaSize == 0 {
		c.MaxStanzaSize = defaultMaxStanzaSize
	}
}

type streamFlags struct {
	secured       bool
	authenticated bool
	headerOK      bool
	sessionNeeded bool
	smAvailable   bool
}

// Client is an XMPP client stream. A single instance drives one stream at a
// time but survives reconnections, preserving stream management state so
// previous sessions can be resumed.
type Client struct {
	cfg    Config
	userJD *jid.JID
	hk     *hook.Hooks
	logger kitlog.Logger
	dialer dialer
	rq     *runqueue.RunQueue

	disp *dispatcher.Dispatcher
	eng  *xep0198.Engine

	mu       sync.RWMutex
	state    State
	flags    streamFlags
	tr       transport.Transport
	ss       session
	neg      negotiator
	boundJID *jid.JID
	strmErr  *StreamError

	connCh    chan error
	stopCh    chan struct{}
	connTimer *time.Timer

	// seams for tests
	newSessionFn    func(tr transport.Transport) session
	newNegotiatorFn func(tr transport.Transport) negotiator
}

// New creates a new client stream instance.
func New(cfg Config, hk *hook.Hooks, logger kitlog.Logger) (*Client, error) {
	cfg.setDefaults()

	userJD, err := jid.NewWithString(cfg.UserJID, false)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		userJD: userJD,
		hk:     hk,
		logger: kitlog.With(logger, "jid", userJD.String()),
		dialer: newDialer(cfg.DialTimeout, tlsConfigFor(cfg.TLSConfig, userJD.Domain())),
	}
	c.rq = runqueue.New(userJD.String())
	c.eng = xep0198.New(c, xep0198.Config{RequestResumption: true}, c.logger)
	c.disp = dispatcher.New(c, c.eng, c.logger)

	c.newSessionFn = func(tr transport.Transport) session {
		return xmppsession.New(
			uuid.New().String()[:8],
			tr,
			userJD.Domain(),
			xmppsession.Config{MaxStanzaSize: cfg.MaxStanzaSize},
			c.logger,
		)
	}
	c.newNegotiatorFn = func(tr transport.Transport) negotiator {
		return auth.NewNegotiator(tr, auth.Config{
			Username:          userJD.Node(),
			Password:          cfg.Password,
			AllowedMechanisms: cfg.AllowedMechanisms,
		}, c.logger)
	}
	return c, nil
}

// State returns current stream state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// JID returns the stream bound JID, or the configured bare JID before binding.
func (c *Client) JID() *jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.boundJID != nil {
		return c.boundJID
	}
	return c.userJD
}

// StreamError returns the error that terminated the last stream attempt.
func (c *Client) StreamError() *StreamError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strmErr
}

// Dispatcher returns the stream stanza dispatcher.
func (c *Client) Dispatcher() *dispatcher.Dispatcher { return c.disp }

// Connect establishes the stream, blocking until it becomes active or the
// attempt fails. Endpoint candidates are tried in order; once a candidate
// delivered a valid stream header no further fallback takes place.
func (c *Client) Connect(ctx context.Context) error {
	err := c.connect(ctx)
	if err != nil && !errors.Is(err, ErrAlreadyConnected) {
		_ = c.runHook(ctx, hook.ClientConnectionFailed, &hook.ClientStreamInfo{
			JID:   c.JID(),
			Error: err,
		})
	}
	return err
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Resolving
	c.strmErr = nil
	c.flags = streamFlags{}
	c.connCh = make(chan error, 1)
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	candidates := c.dialer.ResolveCandidates(ctx, c.userJD.Domain())
	c.setState(Resolved)

	var lastErr error
	for i, cand := range candidates {
		if err := c.connectCandidate(ctx, cand); err != nil {
			lastErr = err
			level.Warn(c.logger).Log("msg", "failed to dial candidate", "addr", cand.addr, "err", err)
			continue
		}
		// negotiation runs in the read loop goroutine
		c.mu.RLock()
		stopCh := c.stopCh
		c.mu.RUnlock()
		go c.readLoop(stopCh)

		err := c.waitConnectResult(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if c.headerValidated() || i == len(candidates)-1 {
			return err
		}
		// failed before a valid stream header; fall back to next candidate
		c.reinitAttempt()
	}
	c.setState(Disconnected)
	if lastErr == nil {
		lastErr = &StreamError{Domain: ConnectionErrorDomain, Err: errors.New("client: no reachable endpoint")}
	}
	return lastErr
}

// Disconnect performs a graceful stream close and tears the connection down.
func (c *Client) Disconnect(ctx context.Context) error {
	errCh := make(chan error, 1)
	c.rq.Run(func() {
		errCh <- c.disconnect(ctx, nil)
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendStanza sends a stanza over the active stream, accounting it for stream
// management.
func (c *Client) SendStanza(ctx context.Context, stanza stravaganza.Stanza) error {
	if c.State() != Active {
		return ErrNotAuthenticated
	}
	_, err := c.disp.Send(ctx, stanza, nil, 0)
	return err
}

// SendIQ sends an iq request and invokes cb with its reply, a timeout error
// or a cancellation error.
func (c *Client) SendIQ(ctx context.Context, iq *stravaganza.IQ, cb dispatcher.RespondFunc) error {
	if c.State() != Active {
		return ErrNotAuthenticated
	}
	_, err := c.disp.Send(ctx, iq, cb, c.cfg.RequestTimeout)
	return err
}

// SendElement writes an element to the stream without stanza accounting.
// It implements the raw sender contract of the dispatcher and the stream
// management engine.
func (c *Client) SendElement(ctx context.Context, elem stravaganza.Element) error {
	c.mu.RLock()
	ss := c.ss
	c.mu.RUnlock()
	if ss == nil {
		return ErrNotAuthenticated
	}
	if err := ss.Send(ctx, elem); err != nil {
		return err
	}
	reportOutgoingStanza(c.userJD.Domain(), elem.Name(), elem.Attribute(stravaganza.Type))
	return c.runHook(ctx, hook.ClientElementSent, &hook.ClientStreamInfo{
		ID:      c.streamID(),
		JID:     c.JID(),
		Element: elem,
	})
}

func (c *Client) connectCandidate(ctx context.Context, cand candidate) error {
	c.setState(Connecting)

	conn, err := c.dialer.DialCandidate(ctx, cand)
	if err != nil {
		domain := ConnectionErrorDomain
		if cand.directTLS {
			domain = TLSErrorDomain
		}
		if nErr, ok := err.(net.Error); ok && nErr.Timeout() {
			domain = TimeoutErrorDomain
		}
		reportConnectionFailed(c.userJD.Domain(), domain)
		return &StreamError{Domain: domain, Err: err}
	}
	level.Info(c.logger).Log("msg", "dialed remote connection", "addr", cand.addr, "direct_tls", cand.directTLS)

	var tr transport.Transport
	if cand.directTLS {
		tr = transport.NewSocketTransportTLS(conn, c.cfg.ConnectTimeout, c.cfg.KeepAliveInterval*2)
	} else {
		tr = transport.NewSocketTransport(conn, c.cfg.ConnectTimeout, c.cfg.KeepAliveInterval*2)
	}
	tr.SetConnectDeadlineHandler(c.connTimeout)
	tr.SetKeepAliveDeadlineHandler(c.connTimeout)

	ss := c.newSessionFn(tr)

	c.mu.Lock()
	c.tr = tr
	c.ss = ss
	c.flags.secured = tr.IsSecured()
	c.state = Connected

	// negotiation must complete within the connect timeout
	c.connTimer = time.AfterFunc(c.cfg.ConnectTimeout, c.negotiationTimeout)
	c.mu.Unlock()

	c.disp.SetPassThrough(func(elem stravaganza.Element) {
		level.Debug(c.logger).Log("msg", "diverting element while negotiating", "name", elem.Name())
	})
	if err := ss.OpenStream(ctx); err != nil {
		_ = tr.Close()
		return &StreamError{Domain: ConnectionErrorDomain, Err: err}
	}
	c.setState(WaitStreamStart)
	return nil
}

func (c *Client) waitConnectResult(ctx context.Context) error {
	select {
	case err := <-c.connCh:
		return err
	case <-ctx.Done():
		c.rq.Run(func() {
			dCtx, cancel := c.requestContext()
			defer cancel()
			_ = c.disconnect(dCtx, streamerror.E(streamerror.SystemShutdown))
		})
		return ctx.Err()
	}
}

func (c *Client) reinitAttempt() {
	c.mu.Lock()
	c.state = Resolved
	c.strmErr = nil
	c.flags = streamFlags{}
	c.connCh = make(chan error, 1)
	c.stopCh = make(chan struct{})
	c.mu.Unlock()
}

func (c *Client) headerValidated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags.headerOK
}

func (c *Client) readLoop(stopCh <-chan struct{}) {
	elem, sErr := c.sessionReceive()
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		c.handleSessionResult(stopCh, elem, sErr)
		elem, sErr = c.sessionReceive()
	}
}

func (c *Client) sessionReceive() (stravaganza.Element, error) {
	c.mu.RLock()
	ss := c.ss
	c.mu.RUnlock()
	if ss == nil {
		return nil, xmppparser.ErrStreamClosedByPeer
	}
	return ss.Receive()
}

func (c *Client) handleSessionResult(stopCh <-chan struct{}, elem stravaganza.Element, sErr error) {
	doneCh := make(chan struct{})
	c.rq.Run(func() {
		defer close(doneCh)

		// the attempt this result belongs to may already be torn down
		select {
		case <-stopCh:
			return
		default:
		}
		ctx, cancel := c.requestContext()
		defer cancel()

		switch {
		case sErr == nil && elem != nil:
			err := c.handleElement(ctx, elem)
			if err != nil {
				level.Warn(c.logger).Log("msg", "failed to process session element", "err", err)
				_ = c.close(ctx)
			}

		case sErr != nil:
			c.handleSessionError(ctx, sErr)
		}
	})
	<-doneCh
}

func (c *Client) handleElement(ctx context.Context, elem stravaganza.Element) error {
	if elem.Name() == "stream:error" {
		return c.handleStreamError(ctx, elem)
	}
	switch c.getState() {
	case WaitStreamStart:
		return c.handleWaitStreamStart(ctx, elem)
	case WaitFeatures:
		return c.handleWaitFeatures(ctx, elem)
	case WaitTLSProceed:
		return c.handleWaitTLSProceed(ctx, elem)
	case Authenticating:
		return c.handleAuthenticating(ctx, elem)
	case Binding:
		return c.handleBinding(ctx, elem)
	case EstablishingSession:
		return c.handleEstablishingSession(ctx, elem)
	case Resuming:
		return c.handleResuming(ctx, elem)
	case Active:
		return c.handleActive(ctx, elem)
	}
	return nil
}

func (c *Client) handleWaitStreamStart(_ context.Context, _ stravaganza.Element) error {
	c.mu.Lock()
	c.flags.headerOK = true
	c.mu.Unlock()

	c.setState(WaitFeatures)
	return nil
}

func (c *Client) handleWaitFeatures(ctx context.Context, elem stravaganza.Element) error {
	if elem.Name() != "stream:features" {
		return c.disconnect(ctx, streamerror.E(streamerror.UnsupportedStanzaType))
	}
	features := elem.AllChildren()

	if !c.isSecured() {
		if elem.ChildNamespace("starttls", tlsNamespace) == nil {
			if !c.cfg.AllowPlainConnection {
				c.setStreamError(&StreamError{Domain: TLSErrorDomain, Code: "starttls-not-offered"})
				return c.disconnect(ctx, streamerror.E(streamerror.PolicyViolation))
			}
			level.Warn(c.logger).Log("msg", "proceeding over unencrypted connection")
			return c.startAuthentication(ctx, features)
		}
		c.setState(WaitTLSProceed)
		startTLS := stravaganza.NewBuilder("starttls").
			WithAttribute(stravaganza.Namespace, tlsNamespace).
			Build()
		return c.sessionSend(ctx, startTLS)
	}
	if !c.isAuthenticated() {
		return c.startAuthentication(ctx, features)
	}
	// post-authentication features
	c.mu.Lock()
	c.flags.smAvailable = elem.ChildNamespace("sm", smNamespace) != nil
	if sess := elem.ChildNamespace("session", sessionNamespace); sess != nil {
		c.flags.sessionNeeded = sess.Child("optional") == nil
	}
	c.mu.Unlock()

	if c.cfg.EnableStreamManagement && c.eng.IsResumable() {
		c.setState(Resuming)
		return c.eng.Resume(ctx)
	}
	return c.sendBindRequest(ctx)
}

func (c *Client) handleWaitTLSProceed(ctx context.Context, elem stravaganza.Element) error {
	if elem.Name() != "proceed" {
		return c.disconnect(ctx, streamerror.E(streamerror.UnsupportedStanzaType))
	}
	if elem.Attribute(stravaganza.Namespace) != tlsNamespace {
		return c.disconnect(ctx, streamerror.E(streamerror.InvalidNamespace))
	}
	c.mu.RLock()
	tr := c.tr
	c.mu.RUnlock()

	if err := tr.StartTLS(tlsConfigFor(c.cfg.TLSConfig, c.userJD.Domain())); err != nil {
		c.setStreamError(&StreamError{Domain: TLSErrorDomain, Err: err})
		reportConnectionFailed(c.userJD.Domain(), TLSErrorDomain)
		return c.close(ctx)
	}
	c.mu.Lock()
	c.flags.secured = true
	c.mu.Unlock()

	c.restartSession()
	return c.sessionOpen(ctx)
}

func (c *Client) startAuthentication(ctx context.Context, features []stravaganza.Element) error {
	c.mu.RLock()
	tr := c.tr
	c.mu.RUnlock()

	neg := c.newNegotiatorFn(tr)
	c.mu.Lock()
	c.neg = neg
	c.mu.Unlock()

	initial, sErr := neg.Start(features)
	if sErr != nil {
		return c.failAuthentication(ctx, sErr)
	}
	c.setState(Authenticating)
	return c.sessionSend(ctx, initial)
}

func (c *Client) handleAuthenticating(ctx context.Context, elem stravaganza.Element) error {
	c.mu.RLock()
	neg := c.neg
	c.mu.RUnlock()

	resp, done, sErr := neg.ProcessElement(elem)
	switch {
	case sErr != nil:
		return c.failAuthentication(ctx, sErr)

	case resp != nil:
		return c.sessionSend(ctx, resp)

	case done:
		c.mu.Lock()
		c.flags.authenticated = true
		c.mu.Unlock()

		c.setState(Authenticated)
		level.Info(c.logger).Log("msg", "authenticated")

		c.restartSession()
		return c.sessionOpen(ctx)

	default:
		return c.disconnect(ctx, streamerror.E(streamerror.UnsupportedStanzaType))
	}
}

func (c *Client) failAuthentication(ctx context.Context, sErr *auth.SASLError) error {
	c.setState(AuthFailed)
	c.setStreamError(&StreamError{Domain: SASLErrorDomain, Code: sErr.Reason, Text: sErr.Text, Err: sErr.Err})
	reportConnectionFailed(c.userJD.Domain(), SASLErrorDomain)

	level.Warn(c.logger).Log("msg", "authentication failed", "reason", sErr.Reason)
	return c.disconnect(ctx, nil)
}

func (c *Client) sendBindRequest(ctx context.Context) error {
	bindB := stravaganza.NewBuilder("bind").
		WithAttribute(stravaganza.Namespace, bindNamespace)
	if len(c.cfg.Resource) > 0 {
		bindB = bindB.WithChild(
			stravaganza.NewBuilder("resource").WithText(c.cfg.Resource).Build(),
		)
	}
	iq, err := stravaganza.NewIQBuilder().
		WithAttribute(stravaganza.ID, uuid.New().String()).
		WithAttribute(stravaganza.Type, stravaganza.SetType).
		WithChild(bindB.Build()).
		BuildIQ()
	if err != nil {
		return err
	}
	c.setState(Binding)
	return c.sessionSend(ctx, iq)
}

func (c *Client) handleBinding(ctx context.Context, elem stravaganza.Element) error {
	if elem.Name() != "iq" {
		return c.disconnect(ctx, streamerror.E(streamerror.UnsupportedStanzaType))
	}
	if elem.Attribute(stravaganza.Type) != stravaganza.ResultType {
		c.setStreamError(&StreamError{Domain: BindErrorDomain, Code: bindErrorCode(elem)})
		reportConnectionFailed(c.userJD.Domain(), BindErrorDomain)
		return c.disconnect(ctx, nil)
	}
	bind := elem.ChildNamespace("bind", bindNamespace)
	if bind == nil || bind.Child("jid") == nil {
		return c.disconnect(ctx, streamerror.E(streamerror.InvalidXML))
	}
	boundJID, err := jid.NewWithString(bind.Child("jid").Text(), false)
	if err != nil {
		return c.disconnect(ctx, streamerror.E(streamerror.InvalidXML))
	}
	c.mu.Lock()
	c.boundJID = boundJID
	ss := c.ss
	c.mu.Unlock()

	ss.SetBoundJID(boundJID)
	c.disp.SetSelfJID(boundJID)
	c.setState(Bound)

	level.Info(c.logger).Log("msg", "bound resource", "bound_jid", boundJID.String())

	if err := c.runHook(ctx, hook.ClientStreamBound, &hook.ClientStreamInfo{
		ID:  c.streamID(),
		JID: boundJID,
	}); err != nil {
		return err
	}
	if c.sessionNeeded() {
		return c.sendSessionRequest(ctx)
	}
	return c.finishNegotiation(ctx)
}

func (c *Client) sendSessionRequest(ctx context.Context) error {
	iq, err := stravaganza.NewIQBuilder().
		WithAttribute(stravaganza.ID, uuid.New().String()).
		WithAttribute(stravaganza.Type, stravaganza.SetType).
		WithChild(
			stravaganza.NewBuilder("session").
				WithAttribute(stravaganza.Namespace, sessionNamespace).
				Build(),
		).
		BuildIQ()
	if err != nil {
		return err
	}
	c.setState(EstablishingSession)
	return c.sessionSend(ctx, iq)
}

func (c *Client) handleEstablishingSession(ctx context.Context, elem stravaganza.Element) error {
	if elem.Name() != "iq" || elem.Attribute(stravaganza.Type) != stravaganza.ResultType {
		c.setStreamError(&StreamError{Domain: BindErrorDomain, Code: "session-establishment-failed"})
		return c.disconnect(ctx, nil)
	}
	return c.finishNegotiation(ctx)
}

func (c *Client) handleResuming(ctx context.Context, elem stravaganza.Element) error {
	switch elem.Name() {
	case "resumed":
		pending, err := c.eng.HandleResumed(elem)
		if err != nil {
			return c.disconnect(ctx, streamerror.E(streamerror.InvalidXML))
		}
		c.setState(Resumed)
		reportResumption(c.userJD.Domain(), true)

		c.mu.RLock()
		boundJID := c.boundJID
		ss := c.ss
		c.mu.RUnlock()
		if boundJID != nil {
			ss.SetBoundJID(boundJID)
			c.disp.SetSelfJID(boundJID)
		}
		c.becomeActive(ctx)

		// unacknowledged stanzas replay through the regular path, so they
		// are accounted again
		for _, st := range pending {
			if _, err := c.disp.Send(ctx, st, nil, 0); err != nil {
				return err
			}
		}
		return c.runHook(ctx, hook.ClientResumed, &hook.ClientStreamInfo{
			ID:  c.streamID(),
			JID: c.JID(),
		})

	case "failed":
		c.setState(ResumeFailed)
		reportResumption(c.userJD.Domain(), false)

		action := c.eng.HandleFailed(elem)
		if err := c.runHook(ctx, hook.ClientResumeFailed, &hook.ClientStreamInfo{
			ID: c.streamID(),
		}); err != nil {
			return err
		}
		if action == xep0198.PermanentlyDisabled {
			level.Info(c.logger).Log("msg", "stream management unavailable, proceeding with bind")
		}
		// previous session is gone; bind a fresh resource
		return c.sendBindRequest(ctx)

	default:
		return c.disconnect(ctx, streamerror.E(streamerror.UnsupportedStanzaType))
	}
}

func (c *Client) finishNegotiation(ctx context.Context) error {
	if c.cfg.EnableStreamManagement && c.smAvailable() {
		if err := c.eng.Negotiate(ctx); err != nil && err != xep0198.ErrNotEnabled {
			return err
		}
	}
	c.becomeActive(ctx)
	return c.runHook(ctx, hook.ClientConnected, &hook.ClientStreamInfo{
		ID:  c.streamID(),
		JID: c.JID(),
	})
}

func (c *Client) becomeActive(_ context.Context) {
	c.stopConnTimer()
	c.disp.ClearPassThrough()
	c.setState(Active)

	reportConnectionRegistered(c.userJD.Domain())
	level.Info(c.logger).Log("msg", "stream is active")

	go c.keepAliveLoop()
	go c.sweepLoop()

	c.mu.RLock()
	connCh := c.connCh
	c.mu.RUnlock()
	select {
	case connCh <- nil:
	default:
	}
}

func (c *Client) handleActive(ctx context.Context, elem stravaganza.Element) error {
	if elem.Attribute(stravaganza.Namespace) == smNamespace {
		switch elem.Name() {
		case "r":
			return c.eng.HandleAckRequest(ctx)
		case "a":
			c.eng.HandleAck(elem)
			return nil
		case "enabled":
			c.eng.HandleEnabled(elem)
			return nil
		case "failed":
			c.eng.HandleFailed(elem)
			return nil
		}
	}
	stanza, ok := elem.(stravaganza.Stanza)
	if !ok {
		c.disp.DispatchElement(ctx, elem)
		return nil
	}
	reportIncomingStanza(c.userJD.Domain(), stanza.Name(), stanza.Attribute(stravaganza.Type))

	if err := c.runHook(ctx, hook.ClientElementReceived, &hook.ClientStreamInfo{
		ID:      c.streamID(),
		JID:     c.JID(),
		Element: stanza,
	}); err != nil {
		if errors.Is(err, hook.ErrStopped) {
			return nil
		}
		return err
	}
	c.disp.Dispatch(ctx, stanza)
	return nil
}

func (c *Client) handleStreamError(ctx context.Context, elem stravaganza.Element) error {
	var code, text string
	for _, ch := range elem.AllChildren() {
		if ch.Name() == "text" {
			text = ch.Text()
			continue
		}
		code = ch.Name()
	}
	c.setStreamError(&StreamError{Domain: StreamErrorDomain, Code: code, Text: text})
	level.Warn(c.logger).Log("msg", "received stream error", "code", code)
	return c.close(ctx)
}

func (c *Client) handleSessionError(ctx context.Context, err error) {
	switch err {
	case xmppparser.ErrStreamClosedByPeer:
		c.mu.RLock()
		ss := c.ss
		c.mu.RUnlock()
		if ss != nil {
			_ = ss.Close(ctx)
		}

	default:
		var se *streamerror.Error
		if errors.As(err, &se) {
			c.setStreamError(&StreamError{Domain: StreamErrorDomain, Code: se.Reason.String(), Err: err})
		} else if errors.Is(err, xmppsession.ErrMalformedStanza) {
			// single bad stanza; stream stays usable
			level.Warn(c.logger).Log("msg", "dropping malformed stanza", "err", err)
			return
		} else {
			c.setStreamError(&StreamError{Domain: ConnectionErrorDomain, Err: err})
		}
	}
	_ = c.close(ctx)
}

func (c *Client) keepAliveLoop() {
	c.mu.RLock()
	stopCh := c.stopCh
	c.mu.RUnlock()

	tc := time.NewTicker(c.cfg.KeepAliveInterval)
	defer tc.Stop()
	for {
		select {
		case <-tc.C:
			c.rq.Run(func() {
				if c.getState() != Active {
					return
				}
				ctx, cancel := c.requestContext()
				defer cancel()

				c.mu.RLock()
				ss := c.ss
				c.mu.RUnlock()
				if ss != nil {
					_ = ss.SendKeepAlive(ctx)
				}
				if c.eng.PendingLen() > 0 {
					_ = c.eng.RequestAck(ctx)
				}
			})

		case <-stopCh:
			return
		}
	}
}

func (c *Client) sweepLoop() {
	c.mu.RLock()
	stopCh := c.stopCh
	c.mu.RUnlock()

	tc := time.NewTicker(sweepInterval)
	defer tc.Stop()
	for {
		select {
		case <-tc.C:
			c.disp.SweepExpired(time.Now())
		case <-stopCh:
			return
		}
	}
}

func (c *Client) connTimeout() {
	c.rq.Run(func() {
		ctx, cancel := c.requestContext()
		defer cancel()
		c.setStreamError(&StreamError{Domain: TimeoutErrorDomain, Code: "connection-timeout"})
		_ = c.disconnect(ctx, streamerror.E(streamerror.ConnectionTimeout))
	})
}

func (c *Client) negotiationTimeout() {
	c.rq.Run(func() {
		if c.getState() == Active {
			return
		}
		ctx, cancel := c.requestContext()
		defer cancel()
		c.setStreamError(&StreamError{Domain: TimeoutErrorDomain, Code: "negotiation-timeout"})
		reportConnectionFailed(c.userJD.Domain(), TimeoutErrorDomain)
		_ = c.disconnect(ctx, streamerror.E(streamerror.ConnectionTimeout))
	})
}

func (c *Client) restartSession() {
	c.mu.RLock()
	ss := c.ss
	tr := c.tr
	c.mu.RUnlock()
	_ = ss.Reset(tr)
	c.setState(Connected)
}

func (c *Client) sessionOpen(ctx context.Context) error {
	c.mu.RLock()
	ss := c.ss
	c.mu.RUnlock()
	if err := ss.OpenStream(ctx); err != nil {
		return err
	}
	c.setState(WaitStreamStart)
	return nil
}

func (c *Client) sessionSend(ctx context.Context, elem stravaganza.Element) error {
	c.mu.RLock()
	ss := c.ss
	c.mu.RUnlock()
	return ss.Send(ctx, elem)
}

func (c *Client) disconnect(ctx context.Context, streamErr *streamerror.Error) error {
	if c.getState() == Disconnected {
		return nil
	}
	c.setState(Disconnecting)

	c.mu.RLock()
	ss := c.ss
	c.mu.RUnlock()
	if ss != nil {
		if streamErr != nil {
			_ = ss.Send(ctx, streamErr.Element())
		}
		_ = ss.Close(ctx)
	}
	return c.close(ctx)
}

func (c *Client) close(ctx context.Context) error {
	if c.getState() == Disconnected {
		return nil
	}
	c.setState(Disconnected)

	c.stopConnTimer()
	c.mu.Lock()
	stopCh := c.stopCh
	connCh := c.connCh
	tr := c.tr
	strmErr := c.strmErr
	c.ss = nil
	c.tr = nil
	c.neg = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	c.disp.ClearPassThrough()
	c.disp.CancelPending(dispatcher.ErrPendingCancelled)

	level.Info(c.logger).Log("msg", "stream disconnected")
	reportConnectionUnregistered(c.userJD.Domain())

	err := c.runHook(ctx, hook.ClientDisconnected, &hook.ClientStreamInfo{
		ID:    c.streamID(),
		JID:   c.JID(),
		Error: strmErr,
	})
	if tr != nil {
		_ = tr.Close()
	}
	if connCh != nil {
		var res error
		if strmErr != nil {
			res = strmErr
		} else {
			res = errors.New("client: stream closed")
		}
		select {
		case connCh <- res:
		default:
		}
	}
	return err
}

func (c *Client) setStreamError(err *StreamError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.strmErr != nil {
		return // only the attempt's first failure is retained
	}
	c.strmErr = err
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Client) getState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) stopConnTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connTimer != nil {
		c.connTimer.Stop()
		c.connTimer = nil
	}
}

func (c *Client) isSecured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags.secured
}

func (c *Client) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags.authenticated
}

func (c *Client) sessionNeeded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags.sessionNeeded
}

func (c *Client) smAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flags.smAvailable
}

func (c *Client) streamID() string {
	c.mu.RLock()
	ss := c.ss
	c.mu.RUnlock()
	if ss == nil {
		return ""
	}
	return ss.StreamID()
}

func (c *Client) runHook(ctx context.Context, hookName string, inf *hook.ClientStreamInfo) error {
	_, err := c.hk.Run(hookName, &hook.ExecutionContext{
		Info:    inf,
		Sender:  c,
		Context: ctx,
	})
	return err
}

func (c *Client) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
}

func bindErrorCode(elem stravaganza.Element) string {
	errElem := elem.Child("error")
	if errElem == nil {
		return "undefined-condition"
	}
	for _, ch := range errElem.AllChildren() {
		if ch.Name() != "text" {
			return ch.Name()
		}
	}
	return "undefined-condition"
}

func tlsConfigFor(base *tls.Config, domain string) *tls.Config {
	if base == nil {
		return &tls.Config{ServerName: domain}
	}
	cfg := base.Clone()
	if len(cfg.ServerName) == 0 {
		cfg.ServerName = domain
	}
	return cfg
}
