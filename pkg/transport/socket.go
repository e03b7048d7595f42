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

package transport

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"net"
)

const writeBuffSize = 4096

// ErrReadLimitExceeded will be returned by Read when the configured read rate limit is exceeded.
var ErrReadLimitExceeded = errors.New("transport: read limit exceeded")

type limitedReader struct {
	r    io.Reader
	rLim atomic.Value
}

func (lr *limitedReader) Read(p []byte) (n int, err error) {
	n, err = lr.r.Read(p)
	if err != nil {
		return 0, err
	}
	if v := lr.rLim.Load(); v != nil {
		if !v.(*rate.Limiter).AllowN(time.Now(), n) {
			return 0, ErrReadLimitExceeded
		}
	}
	return n, nil
}

func (lr *limitedReader) limiter() *rate.Limiter {
	if v := lr.rLim.Load(); v != nil {
		return v.(*rate.Limiter)
	}
	return nil
}

type readWriter struct {
	io.Reader
	io.Writer
}

type socketTransport struct {
	dc      *deadlineConn
	conn    net.Conn
	lr      *limitedReader
	bw      *bufio.Writer
	rw      io.ReadWriter
	secured bool
}

// NewSocketTransport creates a socket class stream transport.
func NewSocketTransport(conn net.Conn, connectTimeout, keepAliveTimeout time.Duration) Transport {
	dc := newDeadlineConn(conn, connectTimeout, keepAliveTimeout)

	s := &socketTransport{dc: dc, conn: conn}
	s.resetReadWriter()

	if _, ok := conn.(tlsStateQueryable); ok {
		s.secured = true // direct TLS connection
	}
	return s
}

// NewSocketTransportTLS creates a socket class stream transport over an
// already established TLS connection.
func NewSocketTransportTLS(conn net.Conn, connectTimeout, keepAliveTimeout time.Duration) Transport {
	s := NewSocketTransport(conn, connectTimeout, keepAliveTimeout).(*socketTransport)
	s.secured = true
	return s
}

func (s *socketTransport) Read(p []byte) (n int, err error) {
	return s.rw.Read(p)
}

func (s *socketTransport) Write(p []byte) (n int, err error) {
	return s.rw.Write(p)
}

func (s *socketTransport) WriteString(str string) (int, error) {
	n, err := io.Copy(s.rw, strings.NewReader(str))
	return int(n), err
}

func (s *socketTransport) Close() error {
	return s.conn.Close()
}

func (s *socketTransport) Type() Type {
	return Socket
}

func (s *socketTransport) Flush() error {
	return s.bw.Flush()
}

func (s *socketTransport) SetWriteDeadline(d time.Time) error {
	return s.conn.SetWriteDeadline(d)
}

func (s *socketTransport) SetReadRateLimiter(rLim *rate.Limiter) error {
	s.lr.rLim.Store(rLim)
	return nil
}

func (s *socketTransport) SetConnectDeadlineHandler(hnd func()) {
	s.dc.setConnectDeadlineHandler(hnd)
}

func (s *socketTransport) SetKeepAliveDeadlineHandler(hnd func()) {
	s.dc.setReadDeadlineHandler(hnd)
}

func (s *socketTransport) StartTLS(cfg *tls.Config) error {
	if s.secured {
		return nil
	}
	tlsConn := tls.Client(s.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	s.conn = tlsConn
	s.dc.replaceConn(tlsConn)
	s.resetReadWriter()
	s.secured = true
	return nil
}

func (s *socketTransport) IsSecured() bool {
	return s.secured
}

func (s *socketTransport) SupportsChannelBinding() bool {
	conn, ok := s.conn.(tlsStateQueryable)
	if !ok {
		return false
	}
	// tls-unique is undefined for TLS 1.3 (RFC 8446, appendix C.5)
	return conn.ConnectionState().Version < tls.VersionTLS13
}

func (s *socketTransport) ChannelBindingBytes(mechanism ChannelBindingMechanism) []byte {
	conn, ok := s.conn.(tlsStateQueryable)
	if !ok {
		return nil
	}
	switch mechanism {
	case TLSUnique:
		return conn.ConnectionState().TLSUnique
	}
	return nil
}

func (s *socketTransport) PeerCertificates() []*x509.Certificate {
	conn, ok := s.conn.(tlsStateQueryable)
	if !ok {
		return nil
	}
	return conn.ConnectionState().PeerCertificates
}

func (s *socketTransport) resetReadWriter() {
	lr := &limitedReader{r: s.dc}
	if s.lr != nil {
		if rLim := s.lr.limiter(); rLim != nil {
			lr.rLim.Store(rLim)
		}
	}
	s.lr = lr
	s.bw = bufio.NewWriterSize(s.conn, writeBuffSize)
	s.rw = &readWriter{lr, s.bw}
}
