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
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	clientService    = "xmpp-client"
	clientTLSService = "xmpps-client"

	defaultClientPort = "5222"

	dialKeepAlive = time.Second * 15
)

// candidate is a single dialable endpoint. DirectTLS candidates carry an
// implicit TLS handshake; the rest negotiate STARTTLS in-band.
type candidate struct {
	addr      string
	directTLS bool
}

type dialer interface {
	ResolveCandidates(ctx context.Context, domain string) []candidate
	DialCandidate(ctx context.Context, c candidate) (net.Conn, error)
}

type srvResolveFunc func(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type clientDialer struct {
	srvResolve srvResolveFunc
	dialCtx    dialFunc
	dialTLSCtx dialFunc
}

func newDialer(timeout time.Duration, tlsCfg *tls.Config) *clientDialer {
	d := net.Dialer{
		Timeout:   timeout,
		KeepAlive: dialKeepAlive,
	}
	dTLS := tls.Dialer{
		NetDialer: &d,
		Config:    tlsCfg,
	}
	return &clientDialer{
		srvResolve: net.DefaultResolver.LookupSRV,
		dialCtx:    d.DialContext,
		dialTLSCtx: dTLS.DialContext,
	}
}

// ResolveCandidates returns the endpoint fallback chain for domain: direct
// TLS SRV targets first, then STARTTLS SRV targets, and finally the domain
// itself on the default client port.
func (d *clientDialer) ResolveCandidates(ctx context.Context, domain string) []candidate {
	var candidates []candidate
	for _, addr := range d.lookupService(ctx, clientTLSService, domain) {
		candidates = append(candidates, candidate{addr: addr, directTLS: true})
	}
	for _, addr := range d.lookupService(ctx, clientService, domain) {
		candidates = append(candidates, candidate{addr: addr})
	}
	candidates = append(candidates, candidate{
		addr: net.JoinHostPort(domain, defaultClientPort),
	})
	return candidates
}

// DialCandidate establishes a TCP connection to c, performing the TLS
// handshake for direct TLS candidates.
func (d *clientDialer) DialCandidate(ctx context.Context, c candidate) (net.Conn, error) {
	if c.directTLS {
		return d.dialTLSCtx(ctx, "tcp", c.addr)
	}
	return d.dialCtx(ctx, "tcp", c.addr)
}

func (d *clientDialer) lookupService(ctx context.Context, service, domain string) []string {
	_, addrs, err := d.srvResolve(ctx, service, "tcp", domain)
	if err != nil {
		return nil
	}
	var targets []string
	for _, addr := range addrs {
		if addr.Target == "." {
			continue
		}
		host := strings.TrimSuffix(addr.Target, ".")
		port := strconv.Itoa(int(addr.Port))
		targets = append(targets, net.JoinHostPort(host, port))
	}
	return targets
}
