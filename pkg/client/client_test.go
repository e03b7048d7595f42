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
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/jackal-xmpp/stravaganza"
	"github.com/jackal-xmpp/stravaganza/jid"
	"github.com/stretchr/testify/require"

	"github.com/goshawk-im/goshawk/pkg/auth"
	"github.com/goshawk-im/goshawk/pkg/dispatcher"
	"github.com/goshawk-im/goshawk/pkg/hook"
	"github.com/goshawk-im/goshawk/pkg/transport"
)

type sessionMock struct {
	mtx     sync.Mutex
	sendBuf *bytes.Buffer

	OpenStreamFunc func(ctx context.Context) error
	CloseFunc      func(ctx context.Context) error
	ReceiveFunc    func() (stravaganza.Element, error)
	ResetFunc      func(tr transport.Transport) error

	boundJID *jid.JID
	closes   int
	resets   int
	opens    int
}

func newSessionMock() *sessionMock {
	return &sessionMock{sendBuf: bytes.NewBuffer(nil)}
}

func (m *sessionMock) OpenStream(ctx context.Context) error {
	m.mtx.Lock()
	m.opens++
	m.mtx.Unlock()
	if m.OpenStreamFunc != nil {
		return m.OpenStreamFunc(ctx)
	}
	return nil
}

func (m *sessionMock) Close(ctx context.Context) error {
	m.mtx.Lock()
	m.closes++
	m.mtx.Unlock()
	if m.CloseFunc != nil {
		return m.CloseFunc(ctx)
	}
	return nil
}

func (m *sessionMock) StreamID() string { return "stream-1234" }

func (m *sessionMock) SetBoundJID(jd *jid.JID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.boundJID = jd
}

func (m *sessionMock) Send(_ context.Context, element stravaganza.Element) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_ = element.ToXML(m.sendBuf, true)
	return nil
}

func (m *sessionMock) SendKeepAlive(_ context.Context) error { return nil }

func (m *sessionMock) Receive() (stravaganza.Element, error) {
	if m.ReceiveFunc != nil {
		return m.ReceiveFunc()
	}
	return nil, nil
}

func (m *sessionMock) Reset(tr transport.Transport) error {
	m.mtx.Lock()
	m.resets++
	m.mtx.Unlock()
	if m.ResetFunc != nil {
		return m.ResetFunc(tr)
	}
	return nil
}

func (m *sessionMock) output() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.sendBuf.String()
}

type negotiatorMock struct {
	StartFunc          func(features []stravaganza.Element) (stravaganza.Element, *auth.SASLError)
	ProcessElementFunc func(elem stravaganza.Element) (stravaganza.Element, bool, *auth.SASLError)
}

func (m *negotiatorMock) Start(features []stravaganza.Element) (stravaganza.Element, *auth.SASLError) {
	return m.StartFunc(features)
}

func (m *negotiatorMock) ProcessElement(elem stravaganza.Element) (stravaganza.Element, bool, *auth.SASLError) {
	return m.ProcessElementFunc(elem)
}

func (m *negotiatorMock) AuthorizationJID() string { return "" }

func (m *negotiatorMock) Reset() {}

type dialerMock struct {
	ResolveCandidatesFunc func(ctx context.Context, domain string) []candidate
	DialCandidateFunc     func(ctx context.Context, cand candidate) (net.Conn, error)
}

func (m *dialerMock) ResolveCandidates(ctx context.Context, domain string) []candidate {
	return m.ResolveCandidatesFunc(ctx, domain)
}

func (m *dialerMock) DialCandidate(ctx context.Context, cand candidate) (net.Conn, error) {
	return m.DialCandidateFunc(ctx, cand)
}

func newTestClient(t *testing.T, ss session) *Client {
	t.Helper()
	c, err := New(Config{
		UserJID:                "ortuman@jabber.org",
		Password:               "s3cr3t",
		Resource:               "balcony",
		EnableStreamManagement: true,
	}, hook.NewHooks(), kitlog.NewNopLogger())
	require.NoError(t, err)

	c.ss = ss
	c.connCh = make(chan error, 1)
	c.stopCh = make(chan struct{})
	return c
}

func streamFeatures(children ...stravaganza.Element) stravaganza.Element {
	return stravaganza.NewBuilder("stream:features").
		WithChildren(children...).
		Build()
}

func TestClient_StartTLSRequested(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = WaitFeatures

	features := streamFeatures(
		stravaganza.NewBuilder("starttls").
			WithAttribute(stravaganza.Namespace, tlsNamespace).
			Build(),
	)

	// when
	err := c.handleElement(context.Background(), features)

	// then
	require.NoError(t, err)
	require.Equal(t, WaitTLSProceed, c.getState())
	require.Equal(t, `<starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"/>`, ss.output())
}

func TestClient_StartTLSNotOffered(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = WaitFeatures

	// when
	err := c.handleElement(context.Background(), streamFeatures())

	// then
	require.NoError(t, err)
	require.Equal(t, Disconnected, c.getState())

	strmErr := c.StreamError()
	require.NotNil(t, strmErr)
	require.Equal(t, TLSErrorDomain, strmErr.Domain)
}

func TestClient_AuthenticationSuccess(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = Authenticating
	c.flags.secured = true
	c.neg = &negotiatorMock{
		ProcessElementFunc: func(_ stravaganza.Element) (stravaganza.Element, bool, *auth.SASLError) {
			return nil, true, nil
		},
	}
	success := stravaganza.NewBuilder("success").
		WithAttribute(stravaganza.Namespace, "urn:ietf:params:xml:ns:xmpp-sasl").
		Build()

	// when
	err := c.handleElement(context.Background(), success)

	// then: stream restarts after authentication
	require.NoError(t, err)
	require.True(t, c.isAuthenticated())
	require.Equal(t, WaitStreamStart, c.getState())
	require.Equal(t, 1, ss.resets)
	require.Equal(t, 1, ss.opens)
}

func TestClient_AuthenticationFailure(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = Authenticating
	c.flags.secured = true
	c.neg = &negotiatorMock{
		ProcessElementFunc: func(_ stravaganza.Element) (stravaganza.Element, bool, *auth.SASLError) {
			return nil, false, &auth.SASLError{Reason: auth.NotAuthorized}
		},
	}
	failure := stravaganza.NewBuilder("failure").
		WithAttribute(stravaganza.Namespace, "urn:ietf:params:xml:ns:xmpp-sasl").
		Build()

	// when
	err := c.handleElement(context.Background(), failure)

	// then
	require.NoError(t, err)
	require.Equal(t, Disconnected, c.getState())

	strmErr := c.StreamError()
	require.NotNil(t, strmErr)
	require.Equal(t, SASLErrorDomain, strmErr.Domain)
	require.Equal(t, auth.NotAuthorized, strmErr.Code)

	// connect waiter got the failure
	require.Error(t, <-c.connCh)
}

func TestClient_BindAndActivate(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = WaitFeatures
	c.flags.secured = true
	c.flags.authenticated = true

	var connected bool
	c.hk.AddHook(hook.ClientConnected, func(_ *hook.ExecutionContext) error {
		connected = true
		return nil
	}, hook.DefaultPriority)

	// when: post-authentication features arrive
	err := c.handleElement(context.Background(), streamFeatures(
		stravaganza.NewBuilder("bind").
			WithAttribute(stravaganza.Namespace, bindNamespace).
			Build(),
	))

	// then: bind request goes out
	require.NoError(t, err)
	require.Equal(t, Binding, c.getState())
	require.Contains(t, ss.output(), `<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind">`)
	require.Contains(t, ss.output(), `<resource>balcony</resource>`)

	// when: bind result arrives
	bindResult, _ := stravaganza.NewIQBuilder().
		WithAttribute(stravaganza.ID, "bind-1").
		WithAttribute(stravaganza.Type, stravaganza.ResultType).
		WithAttribute(stravaganza.From, "jabber.org").
		WithAttribute(stravaganza.To, "ortuman@jabber.org").
		WithChild(
			stravaganza.NewBuilder("bind").
				WithAttribute(stravaganza.Namespace, bindNamespace).
				WithChild(
					stravaganza.NewBuilder("jid").
						WithText("ortuman@jabber.org/balcony").
						Build(),
				).
				Build(),
		).
		BuildIQ()

	err = c.handleElement(context.Background(), bindResult)

	// then
	require.NoError(t, err)
	require.Equal(t, Active, c.getState())
	require.True(t, connected)
	require.Equal(t, "ortuman@jabber.org/balcony", c.JID().String())
	require.Equal(t, "ortuman@jabber.org/balcony", ss.boundJID.String())
	require.NoError(t, <-c.connCh)
}

func TestClient_ResumePreviousSession(t *testing.T) {
	// given: stream management was enabled with pending stanzas
	ss := newSessionMock()
	c := newTestClient(t, ss)

	require.NoError(t, c.eng.Negotiate(context.Background()))
	c.eng.HandleEnabled(
		stravaganza.NewBuilder("enabled").
			WithAttribute(stravaganza.Namespace, smNamespace).
			WithAttribute("id", "sm-1").
			WithAttribute("resume", "true").
			Build(),
	)
	for i := 1; i <= 2; i++ {
		msg, _ := stravaganza.NewMessageBuilder().
			WithAttribute(stravaganza.ID, "m"+strconv.Itoa(i)).
			WithAttribute(stravaganza.From, "ortuman@jabber.org/balcony").
			WithAttribute(stravaganza.To, "noelia@jabber.org").
			WithChild(stravaganza.NewBuilder("body").WithText("hi").Build()).
			BuildMessage()
		c.eng.CountOutgoing(msg)
	}
	c.state = WaitFeatures
	c.flags.secured = true
	c.flags.authenticated = true

	// when: post-authentication features arrive on the new stream
	err := c.handleElement(context.Background(), streamFeatures(
		stravaganza.NewBuilder("sm").
			WithAttribute(stravaganza.Namespace, smNamespace).
			Build(),
	))

	// then: resume request goes out
	require.NoError(t, err)
	require.Equal(t, Resuming, c.getState())
	require.Contains(t, ss.output(), `previd="sm-1"`)

	// when: the server never acknowledged either stanza
	err = c.handleElement(context.Background(),
		stravaganza.NewBuilder("resumed").
			WithAttribute(stravaganza.Namespace, smNamespace).
			WithAttribute("h", "0").
			WithAttribute("previd", "sm-1").
			Build(),
	)

	// then: both stanzas replayed in order
	require.NoError(t, err)
	require.Equal(t, Active, c.getState())

	out := ss.output()
	require.Contains(t, out, `id="m1"`)
	require.Contains(t, out, `id="m2"`)
	require.Less(t, bytes.Index([]byte(out), []byte(`id="m1"`)), bytes.Index([]byte(out), []byte(`id="m2"`)))
	require.Equal(t, 2, c.eng.PendingLen())
}

func TestClient_ResumeFailedFallsBackToBind(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)

	require.NoError(t, c.eng.Negotiate(context.Background()))
	c.eng.HandleEnabled(
		stravaganza.NewBuilder("enabled").
			WithAttribute(stravaganza.Namespace, smNamespace).
			WithAttribute("id", "sm-1").
			WithAttribute("resume", "true").
			Build(),
	)
	_ = c.eng.Resume(context.Background())
	c.state = Resuming
	c.flags.secured = true
	c.flags.authenticated = true

	var resumeFailed bool
	c.hk.AddHook(hook.ClientResumeFailed, func(_ *hook.ExecutionContext) error {
		resumeFailed = true
		return nil
	}, hook.DefaultPriority)

	// when
	err := c.handleElement(context.Background(),
		stravaganza.NewBuilder("failed").
			WithAttribute(stravaganza.Namespace, smNamespace).
			WithChild(stravaganza.NewBuilder("item-not-found").Build()).
			Build(),
	)

	// then
	require.NoError(t, err)
	require.True(t, resumeFailed)
	require.Equal(t, Binding, c.getState())
	require.Contains(t, ss.output(), `<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind">`)
}

func TestClient_ActiveAnswersAckRequest(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = Active

	require.NoError(t, c.eng.Negotiate(context.Background()))
	c.eng.HandleEnabled(
		stravaganza.NewBuilder("enabled").
			WithAttribute(stravaganza.Namespace, smNamespace).
			WithAttribute("id", "sm-1").
			Build(),
	)
	c.eng.CountIncoming()

	// when
	err := c.handleElement(context.Background(),
		stravaganza.NewBuilder("r").
			WithAttribute(stravaganza.Namespace, smNamespace).
			Build(),
	)

	// then
	require.NoError(t, err)
	require.Contains(t, ss.output(), `<a xmlns="urn:xmpp:sm:3" h="1"/>`)
}

func TestClient_ActiveDispatchesStanza(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = Active

	var seen []stravaganza.Stanza
	c.disp.RegisterHandler(dispatcher.Match{Name: "message"}, dispatcher.DefaultPriority,
		func(_ context.Context, st stravaganza.Stanza) (dispatcher.Result, error) {
			seen = append(seen, st)
			return dispatcher.Consumed, nil
		},
	)
	msg, _ := stravaganza.NewMessageBuilder().
		WithAttribute(stravaganza.From, "noelia@jabber.org/yard").
		WithAttribute(stravaganza.To, "ortuman@jabber.org/balcony").
		WithChild(stravaganza.NewBuilder("body").WithText("hi there").Build()).
		BuildMessage()

	// when
	err := c.handleElement(context.Background(), msg)

	// then
	require.NoError(t, err)
	require.Len(t, seen, 1)
}

func TestClient_StreamErrorTearsDown(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = Active

	var disconnected bool
	c.hk.AddHook(hook.ClientDisconnected, func(_ *hook.ExecutionContext) error {
		disconnected = true
		return nil
	}, hook.DefaultPriority)

	streamErr := stravaganza.NewBuilder("stream:error").
		WithChild(
			stravaganza.NewBuilder("conflict").
				WithAttribute(stravaganza.Namespace, "urn:ietf:params:xml:ns:xmpp-streams").
				Build(),
		).
		Build()

	// when
	err := c.handleElement(context.Background(), streamErr)

	// then
	require.NoError(t, err)
	require.Equal(t, Disconnected, c.getState())
	require.True(t, disconnected)

	strmErr := c.StreamError()
	require.NotNil(t, strmErr)
	require.Equal(t, StreamErrorDomain, strmErr.Domain)
	require.Equal(t, "conflict", strmErr.Code)
}

func TestClient_PlainConnectionProceedsToAuth(t *testing.T) {
	// given
	ss := newSessionMock()
	c, err := New(Config{
		UserJID:              "ortuman@jabber.org",
		Password:             "s3cr3t",
		Resource:             "balcony",
		AllowPlainConnection: true,
	}, hook.NewHooks(), kitlog.NewNopLogger())
	require.NoError(t, err)

	c.ss = ss
	c.connCh = make(chan error, 1)
	c.stopCh = make(chan struct{})
	c.state = WaitFeatures

	c.newNegotiatorFn = func(_ transport.Transport) negotiator {
		return &negotiatorMock{
			StartFunc: func(_ []stravaganza.Element) (stravaganza.Element, *auth.SASLError) {
				return stravaganza.NewBuilder("auth").
					WithAttribute(stravaganza.Namespace, "urn:ietf:params:xml:ns:xmpp-sasl").
					WithAttribute("mechanism", "SCRAM-SHA-256").
					Build(), nil
			},
		}
	}

	// when: features carry no starttls offer
	err = c.handleElement(context.Background(), streamFeatures(
		stravaganza.NewBuilder("mechanisms").
			WithAttribute(stravaganza.Namespace, "urn:ietf:params:xml:ns:xmpp-sasl").
			WithChild(stravaganza.NewBuilder("mechanism").WithText("SCRAM-SHA-256").Build()).
			Build(),
	))

	// then: authentication begins over the unencrypted connection
	require.NoError(t, err)
	require.Equal(t, Authenticating, c.getState())
	require.Contains(t, ss.output(), `mechanism="SCRAM-SHA-256"`)
}

func TestClient_DialFallbackExhaustsCandidates(t *testing.T) {
	// given
	c := newTestClient(t, newSessionMock())

	var dials int32
	c.dialer = &dialerMock{
		ResolveCandidatesFunc: func(_ context.Context, _ string) []candidate {
			return []candidate{
				{addr: "a.jabber.org:5223", directTLS: true},
				{addr: "b.jabber.org:5222"},
				{addr: "jabber.org:5222"},
			}
		},
		DialCandidateFunc: func(_ context.Context, _ candidate) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("connection refused")
		},
	}

	// when
	err := c.Connect(context.Background())

	// then: every candidate was tried before giving up
	require.Error(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&dials))
	require.Equal(t, Disconnected, c.getState())

	var strmErr *StreamError
	require.ErrorAs(t, err, &strmErr)
	require.Equal(t, ConnectionErrorDomain, strmErr.Domain)
}

func TestClient_NoFallbackAfterStreamHeader(t *testing.T) {
	// given
	type recvResult struct {
		elem stravaganza.Element
		err  error
	}
	recvCh := make(chan recvResult, 2)
	recvCh <- recvResult{elem: stravaganza.NewBuilder("stream:stream").Build()}
	recvCh <- recvResult{err: errors.New("connection reset by peer")}

	ss := newSessionMock()
	ss.ReceiveFunc = func() (stravaganza.Element, error) {
		r := <-recvCh
		return r.elem, r.err
	}
	c := newTestClient(t, ss)

	var dials int32
	c.dialer = &dialerMock{
		ResolveCandidatesFunc: func(_ context.Context, _ string) []candidate {
			return []candidate{
				{addr: "a.jabber.org:5222"},
				{addr: "jabber.org:5222"},
			}
		},
		DialCandidateFunc: func(_ context.Context, _ candidate) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			conn, _ := net.Pipe()
			return conn, nil
		},
	}
	c.newSessionFn = func(_ transport.Transport) session { return ss }

	// when: the stream fails after its header was validated
	err := c.Connect(context.Background())

	// then: the failure is terminal, no fallback to the second candidate
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&dials))
	require.Equal(t, Disconnected, c.getState())
}

func TestClient_SecondConnectReportsAlreadyConnected(t *testing.T) {
	// given
	blockCh := make(chan struct{})
	defer close(blockCh)

	ss := newSessionMock()
	ss.ReceiveFunc = func() (stravaganza.Element, error) {
		<-blockCh
		return nil, errors.New("stream closed")
	}
	c := newTestClient(t, ss)

	var dials int32
	c.dialer = &dialerMock{
		ResolveCandidatesFunc: func(_ context.Context, _ string) []candidate {
			return []candidate{{addr: "jabber.org:5222"}}
		},
		DialCandidateFunc: func(_ context.Context, _ candidate) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			conn, _ := net.Pipe()
			return conn, nil
		},
	}
	c.newSessionFn = func(_ transport.Transport) session { return ss }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resCh := make(chan error, 1)
	go func() { resCh <- c.Connect(ctx) }()

	require.Eventually(t, func() bool {
		return c.getState() != Disconnected
	}, time.Second, time.Millisecond*5)

	// when: a second connect arrives while the first is still negotiating
	err := c.Connect(context.Background())

	// then: only the first attempt holds the stream
	require.ErrorIs(t, err, ErrAlreadyConnected)

	cancel()
	require.ErrorIs(t, <-resCh, context.Canceled)
	require.Equal(t, int32(1), atomic.LoadInt32(&dials))
}

func TestClient_ActiveDivertsUnknownNonza(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = Active

	var diverted []stravaganza.Element
	c.disp.SetPassThrough(func(elem stravaganza.Element) {
		diverted = append(diverted, elem)
	})

	// when: a non-stanza element arrives on the active stream
	err := c.handleElement(context.Background(),
		stravaganza.NewBuilder("unknown-nonza").Build(),
	)

	// then: it flows down the dispatcher element path
	require.NoError(t, err)
	require.Len(t, diverted, 1)
	require.Equal(t, "unknown-nonza", diverted[0].Name())
}

func TestClient_SendStanzaRequiresActiveStream(t *testing.T) {
	// given
	ss := newSessionMock()
	c := newTestClient(t, ss)
	c.state = Authenticating

	msg, _ := stravaganza.NewMessageBuilder().
		WithAttribute(stravaganza.To, "noelia@jabber.org").
		WithChild(stravaganza.NewBuilder("body").WithText("hi").Build()).
		BuildMessage()

	// when
	err := c.SendStanza(context.Background(), msg)

	// then
	require.Equal(t, ErrNotAuthenticated, err)
}
