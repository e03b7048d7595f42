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

package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/goshawk-im/goshawk/pkg/transport"
)

// ScramType represents a scram autheticator class
type ScramType int

const (
	// ScramSHA1 represents SCRAM-SHA-1 authentication method.
	ScramSHA1 ScramType = iota

	// ScramSHA256 represents SCRAM-SHA-256 authentication method.
	ScramSHA256

	// ScramSHA512 represents SCRAM-SHA-512 authentication method.
	ScramSHA512
)

const (
	clientNonceLength = 24
	minIterationCount = 4096
)

var errExchangeNotStarted = errors.New("auth: scram exchange not started")

type scramParameters struct {
	nonce      string
	salt       []byte
	iterations int
}

func parseScramParameters(challenge []byte) (*scramParameters, error) {
	p := &scramParameters{}
	for _, attr := range strings.Split(string(challenge), ",") {
		if len(attr) < 2 || attr[1] != '=' {
			return nil, fmt.Errorf("auth: malformed challenge attribute: %s", attr)
		}
		val := attr[2:]
		switch attr[0] {
		case 'r':
			p.nonce = val
		case 's':
			salt, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, err
			}
			p.salt = salt
		case 'i':
			iterations, err := strconv.Atoi(val)
			if err != nil {
				return nil, err
			}
			p.iterations = iterations
		case 'm':
			return nil, errors.New("auth: unsupported mandatory extension")
		}
	}
	if len(p.nonce) == 0 || len(p.salt) == 0 || p.iterations == 0 {
		return nil, errors.New("auth: incomplete challenge")
	}
	return p, nil
}

// Scram represents a client-side SCRAM mechanism as defined in RFC 5802.
type Scram struct {
	tr           transport.Transport
	typ          ScramType
	usesCb       bool
	h            func() hash.Hash
	clientNonce  string
	firstMessage string
	gs2Header    string
	password     string
	srvSignature []byte
	exchangeDone bool
}

// NewScram returns a new scram mechanism instance.
// usesChannelBinding tells whether the -PLUS variant was negotiated, in which
// case the tls-unique channel binding data is conveyed in the exchange.
func NewScram(tr transport.Transport, scramType ScramType, usesChannelBinding bool) *Scram {
	s := &Scram{tr: tr, typ: scramType, usesCb: usesChannelBinding}
	switch scramType {
	case ScramSHA1:
		s.h = sha1.New
	case ScramSHA256:
		s.h = sha256.New
	case ScramSHA512:
		s.h = sha512.New
	}
	return s
}

// Name returns SCRAM mechanism name.
func (s *Scram) Name() string {
	var name string
	switch s.typ {
	case ScramSHA1:
		name = "SCRAM-SHA-1"
	case ScramSHA256:
		name = "SCRAM-SHA-256"
	case ScramSHA512:
		name = "SCRAM-SHA-512"
	}
	if s.usesCb {
		name += "-PLUS"
	}
	return name
}

// UsesPassword returns true, as all SCRAM variants derive keys from the password.
func (s *Scram) UsesPassword() bool { return true }

// Initiate starts the exchange returning the client first message.
func (s *Scram) Initiate(username, password string) ([]byte, error) {
	if len(s.clientNonce) == 0 {
		nonce := make([]byte, clientNonceLength)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		s.clientNonce = base64.StdEncoding.EncodeToString(nonce)
	}
	switch {
	case s.usesCb:
		s.gs2Header = "p=tls-unique,,"
	case s.tr != nil && s.tr.SupportsChannelBinding():
		s.gs2Header = "y,,"
	default:
		s.gs2Header = "n,,"
	}
	s.password = password
	s.firstMessage = fmt.Sprintf("n=%s,r=%s", escapeUsername(username), s.clientNonce)
	return []byte(s.gs2Header + s.firstMessage), nil
}

// Respond computes the client final message for a server first message challenge.
func (s *Scram) Respond(challenge []byte) ([]byte, error) {
	if len(s.firstMessage) == 0 {
		return nil, errExchangeNotStarted
	}
	params, err := parseScramParameters(challenge)
	if err != nil {
		return nil, newSASLError(MalformedRequest, err)
	}
	if !strings.HasPrefix(params.nonce, s.clientNonce) {
		return nil, newSASLError(InvalidNonce, nil)
	}
	if params.iterations < minIterationCount {
		return nil, newSASLError(WeakIterationCount, fmt.Errorf("auth: %d iterations", params.iterations))
	}
	cbInput := []byte(s.gs2Header)
	if s.usesCb {
		cbInput = append(cbInput, s.tr.ChannelBindingBytes(transport.TLSUnique)...)
	}
	clientFinalNoProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString(cbInput), params.nonce)
	authMessage := s.firstMessage + "," + string(challenge) + "," + clientFinalNoProof

	saltedPassword := pbkdf2.Key([]byte(s.password), params.salt, params.iterations, s.h().Size(), s.h)
	clientKey := s.hmac(saltedPassword, []byte("Client Key"))
	storedKey := s.digest(clientKey)
	clientSignature := s.hmac(storedKey, []byte(authMessage))

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	serverKey := s.hmac(saltedPassword, []byte("Server Key"))
	s.srvSignature = s.hmac(serverKey, []byte(authMessage))

	clientFinal := clientFinalNoProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return []byte(clientFinal), nil
}

// ValidateSuccess verifies the server final message signature.
func (s *Scram) ValidateSuccess(payload []byte) error {
	if len(s.srvSignature) == 0 {
		return errExchangeNotStarted
	}
	str := string(payload)
	if !strings.HasPrefix(str, "v=") {
		return newSASLError(InvalidServerSignature, errors.New("auth: missing verifier"))
	}
	v, err := base64.StdEncoding.DecodeString(str[2:])
	if err != nil {
		return newSASLError(IncorrectEncoding, err)
	}
	if !bytes.Equal(v, s.srvSignature) {
		return newSASLError(InvalidServerSignature, nil)
	}
	s.exchangeDone = true
	return nil
}

// Reset clears mechanism internal state.
func (s *Scram) Reset() {
	s.clientNonce = ""
	s.firstMessage = ""
	s.gs2Header = ""
	s.password = ""
	s.srvSignature = nil
	s.exchangeDone = false
}

func (s *Scram) hmac(key, data []byte) []byte {
	m := hmac.New(s.h, key)
	_, _ = m.Write(data)
	return m.Sum(nil)
}

func (s *Scram) digest(data []byte) []byte {
	h := s.h()
	_, _ = h.Write(data)
	return h.Sum(nil)
}

func escapeUsername(username string) string {
	username = strings.ReplaceAll(username, "=", "=3D")
	return strings.ReplaceAll(username, ",", "=2C")
}
