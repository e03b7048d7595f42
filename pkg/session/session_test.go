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
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/jackal-xmpp/stravaganza"
	streamerror "github.com/jackal-xmpp/stravaganza/errors/stream"
	"github.com/jackal-xmpp/stravaganza/jid"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/goshawk-im/goshawk/pkg/transport"
)

type fakeTransport struct {
	rBuf *bytes.Buffer
	wBuf *bytes.Buffer
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		rBuf: bytes.NewBuffer(nil),
		wBuf: bytes.NewBuffer(nil),
	}
}

func (t *fakeTransport) Read(p []byte) (int, error) {
	if t.rBuf.Len() == 0 {
		return 0, io.EOF
	}
	return t.rBuf.Read(p)
}

func (t *fakeTransport) Write(p []byte) (int, error) { return t.wBuf.Write(p) }

func (t *fakeTransport) WriteString(s string) (int, error) { return t.wBuf.WriteString(s) }

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) Type() transport.Type { return transport.Socket }

func (t *fakeTransport) Flush() error { return nil }

func (t *fakeTransport) SetWriteDeadline(_ time.Time) error { return nil }

func (t *fakeTransport) SetReadRateLimiter(_ *rate.Limiter) error { return nil }

func (t *fakeTransport) SetConnectDeadlineHandler(_ func()) {}

func (t *fakeTransport) SetKeepAliveDeadlineHandler(_ func()) {}

func (t *fakeTransport) StartTLS(_ *tls.Config) error { return nil }

func (t *fakeTransport) IsSecured() bool { return false }

func (t *fakeTransport) SupportsChannelBinding() bool { return false }

func (t *fakeTransport) ChannelBindingBytes(_ transport.ChannelBindingMechanism) []byte {
	return nil
}

func (t *fakeTransport) PeerCertificates() []*x509.Certificate { return nil }

func TestSession_OpenStream(t *testing.T) {
	// given
	tr := newFakeTransport()
	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())

	// when
	err := ss.OpenStream(context.Background())

	// then
	require.NoError(t, err)

	out := tr.wBuf.String()
	require.Contains(t, out, `<?xml version='1.0'?>`)
	require.Contains(t, out, `<stream:stream`)
	require.Contains(t, out, `xmlns='jabber:client'`)
	require.Contains(t, out, `xmlns:stream='http://etherx.jabber.org/streams'`)
	require.Contains(t, out, `version='1.0'`)
	require.Contains(t, out, `to='jabber.org'`)
}

func TestSession_OpenStreamTwice(t *testing.T) {
	// given
	tr := newFakeTransport()
	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())

	// when
	_ = ss.OpenStream(context.Background())
	err := ss.OpenStream(context.Background())

	// then
	require.Equal(t, errAlreadyOpened, err)
}

func TestSession_ReceiveStreamHeader(t *testing.T) {
	// given
	tr := newFakeTransport()
	tr.rBuf.WriteString(`<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='stream-1234' from='jabber.org' version='1.0'>`)

	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())
	_ = ss.OpenStream(context.Background())

	// when
	elem, err := ss.Receive()

	// then
	require.NoError(t, err)
	require.NotNil(t, elem)
	require.Equal(t, "stream:stream", elem.Name())
	require.Equal(t, "stream-1234", ss.StreamID())
}

func TestSession_ReceiveInvalidStreamNamespace(t *testing.T) {
	// given
	tr := newFakeTransport()
	tr.rBuf.WriteString(`<stream:stream xmlns='jabber:server' xmlns:stream='http://etherx.jabber.org/streams' id='abc' version='1.0'>`)

	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())
	_ = ss.OpenStream(context.Background())

	// when
	_, err := ss.Receive()

	// then
	require.Error(t, err)

	var se *streamerror.Error
	require.True(t, errors.As(err, &se))
	require.Equal(t, streamerror.InvalidNamespace, se.Reason)
}

func TestSession_ReceiveInvalidStreamFrom(t *testing.T) {
	// given
	tr := newFakeTransport()
	tr.rBuf.WriteString(`<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='abc' from='evil.org' version='1.0'>`)

	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())
	_ = ss.OpenStream(context.Background())

	// when
	_, err := ss.Receive()

	// then
	var se *streamerror.Error
	require.True(t, errors.As(err, &se))
	require.Equal(t, streamerror.InvalidFrom, se.Reason)
}

func TestSession_ReceiveStanzaAddressing(t *testing.T) {
	// given
	tr := newFakeTransport()
	tr.rBuf.WriteString(`<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='abc' version='1.0'>`)
	tr.rBuf.WriteString(`<message id='m1'><body>hi there</body></message>`)

	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())
	_ = ss.OpenStream(context.Background())

	boundJID, _ := jid.NewWithString("ortuman@jabber.org/balcony", true)
	ss.SetBoundJID(boundJID)

	_, err := ss.Receive() // stream header
	require.NoError(t, err)

	// when
	elem, err := ss.Receive()

	// then
	require.NoError(t, err)
	require.Equal(t, "jabber.org", elem.Attribute(stravaganza.From))
	require.Equal(t, "ortuman@jabber.org", elem.Attribute(stravaganza.To))
}

func TestSession_ReceiveMisaddressedStanza(t *testing.T) {
	// given
	tr := newFakeTransport()
	tr.rBuf.WriteString(`<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='abc' version='1.0'>`)
	tr.rBuf.WriteString(`<message id='m1' to='noelia@jabber.org'><body>hi there</body></message>`)

	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())
	_ = ss.OpenStream(context.Background())

	boundJID, _ := jid.NewWithString("ortuman@jabber.org/balcony", true)
	ss.SetBoundJID(boundJID)

	_, err := ss.Receive() // stream header
	require.NoError(t, err)

	// when
	_, err = ss.Receive()

	// then
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedStanza))
}

func TestSession_Close(t *testing.T) {
	// given
	tr := newFakeTransport()
	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())

	// when
	_ = ss.OpenStream(context.Background())
	err := ss.Close(context.Background())

	// then
	require.NoError(t, err)
	require.Contains(t, tr.wBuf.String(), "</stream:stream>")

	require.Equal(t, errAlreadyClosed, ss.Close(context.Background()))
}

func TestSession_Reset(t *testing.T) {
	// given
	tr := newFakeTransport()
	ss := New("c1", tr, "jabber.org", Config{MaxStanzaSize: 32768}, kitlog.NewNopLogger())
	_ = ss.OpenStream(context.Background())

	// when
	tr2 := newFakeTransport()
	err := ss.Reset(tr2)

	// then
	require.NoError(t, err)
	require.NoError(t, ss.OpenStream(context.Background()))
	require.Contains(t, tr2.wBuf.String(), "<stream:stream")
}
