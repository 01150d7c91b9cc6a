package irc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrUnsupportedMechanism is returned for SASL mechanisms we cannot speak
	ErrUnsupportedMechanism = errors.New("irc: unsupported SASL mechanism")
	// ErrSASLProtocol is returned when the server deviates from the mechanism
	ErrSASLProtocol = errors.New("irc: SASL protocol error")
)

// saslChunk is the maximum length of one AUTHENTICATE argument
const saslChunk = 400

// SASLClient drives one client side SASL exchange. Step is called with each
// decoded server challenge (empty for "+") and returns the raw response.
type SASLClient interface {
	Mechanism() string
	Step(challenge []byte) ([]byte, error)
}

// NewSASLClient returns the client for a mechanism name
func NewSASLClient(mechanism, username, password string) (SASLClient, error) {
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return &plainClient{username: username, password: password}, nil
	case "EXTERNAL":
		return &externalClient{}, nil
	case "SCRAM-SHA-256":
		return newSCRAM("SCRAM-SHA-256", sha256.New, username, password), nil
	case "SCRAM-SHA-512":
		return newSCRAM("SCRAM-SHA-512", sha512.New, username, password), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mechanism)
}

type plainClient struct {
	username, password string
}

func (p *plainClient) Mechanism() string { return "PLAIN" }

func (p *plainClient) Step([]byte) ([]byte, error) {
	return []byte(p.username + "\x00" + p.username + "\x00" + p.password), nil
}

type externalClient struct{}

func (externalClient) Mechanism() string { return "EXTERNAL" }

func (externalClient) Step([]byte) ([]byte, error) { return nil, nil }

// scramClient tracks the state of SCRAM authentication
type scramClient struct {
	mechanism string
	h         func() hash.Hash
	username  string
	password  string
	step      int

	clientNonce     string
	clientFirstBare string
	authMessage     string
	serverKey       []byte
}

func newSCRAM(mechanism string, h func() hash.Hash, username, password string) *scramClient {
	return &scramClient{
		mechanism:   mechanism,
		h:           h,
		username:    username,
		password:    password,
		clientNonce: generateClientNonce(),
	}
}

func (s *scramClient) Mechanism() string { return s.mechanism }

func (s *scramClient) Step(challenge []byte) ([]byte, error) {
	s.step++
	switch s.step {
	case 1:
		// client-first-message, no channel binding
		s.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeSASLName(s.username), s.clientNonce)
		return []byte("n,," + s.clientFirstBare), nil
	case 2:
		return s.clientFinal(string(challenge))
	case 3:
		params := parseSCRAMParams(string(challenge))
		if e, ok := params["e"]; ok {
			return nil, fmt.Errorf("%w: server error %s", ErrSASLProtocol, e)
		}
		v, ok := params["v"]
		if !ok {
			return nil, fmt.Errorf("%w: missing server signature", ErrSASLProtocol)
		}
		expected := base64.StdEncoding.EncodeToString(computeHMAC(s.serverKey, s.authMessage, s.h))
		if !hmac.Equal([]byte(v), []byte(expected)) {
			return nil, fmt.Errorf("%w: server signature mismatch", ErrSASLProtocol)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unexpected challenge", ErrSASLProtocol)
}

func (s *scramClient) clientFinal(serverFirst string) ([]byte, error) {
	params := parseSCRAMParams(serverFirst)

	serverNonce, ok := params["r"]
	if !ok || !strings.HasPrefix(serverNonce, s.clientNonce) {
		return nil, fmt.Errorf("%w: invalid server nonce", ErrSASLProtocol)
	}
	salt, err := base64.StdEncoding.DecodeString(params["s"])
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: invalid salt", ErrSASLProtocol)
	}
	iterations, err := strconv.Atoi(params["i"])
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("%w: invalid iteration count", ErrSASLProtocol)
	}

	salted := pbkdf2.Key([]byte(s.password), salt, iterations, s.h().Size(), s.h)
	clientKey := computeHMAC(salted, "Client Key", s.h)
	storedKey := computeHash(clientKey, s.h)
	s.serverKey = computeHMAC(salted, "Server Key", s.h)

	withoutProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString([]byte("n,,")), serverNonce)
	s.authMessage = s.clientFirstBare + "," + serverFirst + "," + withoutProof

	proof := xorBytes(clientKey, computeHMAC(storedKey, s.authMessage, s.h))
	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func generateClientNonce() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

func escapeSASLName(name string) string {
	return strings.NewReplacer("=", "=3D", ",", "=2C").Replace(name)
}

func parseSCRAMParams(message string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(message, ",") {
		if len(part) >= 2 && part[1] == '=' {
			params[part[0:1]] = part[2:]
		}
	}
	return params
}

func computeHMAC(key []byte, data string, h func() hash.Hash) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func computeHash(data []byte, h func() hash.Hash) []byte {
	hasher := h()
	hasher.Write(data)
	return hasher.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// AuthenticateLines encodes a SASL response as AUTHENTICATE lines, split in
// 400 byte chunks. An empty response, or one that ends on a chunk boundary,
// is terminated with "+".
func AuthenticateLines(resp []byte) []*Line {
	enc := base64.StdEncoding.EncodeToString(resp)
	var lines []*Line
	for len(enc) >= saslChunk {
		lines = append(lines, NewLine("", "AUTHENTICATE", enc[:saslChunk]))
		enc = enc[saslChunk:]
	}
	if enc == "" {
		enc = "+"
	}
	return append(lines, NewLine("", "AUTHENTICATE", enc))
}

// SASLBuffer reassembles a server challenge split across AUTHENTICATE lines
type SASLBuffer struct {
	buf strings.Builder
}

// Add feeds one AUTHENTICATE argument. It returns the decoded challenge once
// the final chunk has arrived.
func (b *SASLBuffer) Add(arg string) (challenge []byte, complete bool, err error) {
	if arg != "+" {
		b.buf.WriteString(arg)
	}
	if len(arg) == saslChunk {
		return nil, false, nil
	}
	enc := b.buf.String()
	b.buf.Reset()
	if enc == "" {
		return []byte{}, true, nil
	}
	challenge, err = base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, true, fmt.Errorf("%w: bad challenge encoding: %v", ErrSASLProtocol, err)
	}
	return challenge, true, nil
}
