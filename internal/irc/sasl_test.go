package irc

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSASLPlain(t *testing.T) {
	c, err := NewSASLClient("plain", "jilles", "sesame")
	require.NoError(t, err)
	assert.Equal(t, "PLAIN", c.Mechanism())

	resp, err := c.Step(nil)
	require.NoError(t, err)
	assert.Equal(t, "jilles\x00jilles\x00sesame", string(resp))

	lines := AuthenticateLines(resp)
	require.Len(t, lines, 1)
	assert.Equal(t, "AUTHENTICATE amlsbGVzAGppbGxlcwBzZXNhbWU=", lines[0].String())
}

func TestSASLUnsupported(t *testing.T) {
	_, err := NewSASLClient("DIGEST-MD5", "u", "p")
	assert.ErrorIs(t, err, ErrUnsupportedMechanism)
}

// Exchange from RFC 7677 section 3.
func TestSCRAMSHA256(t *testing.T) {
	c, err := NewSASLClient("SCRAM-SHA-256", "user", "pencil")
	require.NoError(t, err)
	s := c.(*scramClient)
	s.clientNonce = "rOprNGfwEbeRWgbNEkqO"

	first, err := s.Step(nil)
	require.NoError(t, err)
	assert.Equal(t, "n,,n=user,r=rOprNGfwEbeRWgbNEkqO", string(first))

	final, err := s.Step([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"))
	require.NoError(t, err)
	assert.Equal(t, "c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ=", string(final))

	_, err = s.Step([]byte("v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4="))
	assert.NoError(t, err)
}

func TestSCRAMRejectsBadSignature(t *testing.T) {
	c, _ := NewSASLClient("SCRAM-SHA-256", "user", "pencil")
	s := c.(*scramClient)
	s.clientNonce = "rOprNGfwEbeRWgbNEkqO"
	_, _ = s.Step(nil)
	_, err := s.Step([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"))
	require.NoError(t, err)
	_, err = s.Step([]byte("v=AAAA"))
	assert.ErrorIs(t, err, ErrSASLProtocol)
}

func TestSCRAMRejectsForeignNonce(t *testing.T) {
	c, _ := NewSASLClient("SCRAM-SHA-512", "user", "pencil")
	_, _ = c.Step(nil)
	_, err := c.Step([]byte("r=someoneelse,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"))
	assert.ErrorIs(t, err, ErrSASLProtocol)
}

func TestAuthenticateChunking(t *testing.T) {
	resp := []byte(strings.Repeat("x", 300)) // 400 base64 characters exactly
	lines := AuthenticateLines(resp)
	require.Len(t, lines, 2)
	assert.Len(t, lines[0].Arg(1), 400)
	assert.Equal(t, "+", lines[1].Arg(1))

	assert.Equal(t, "+", AuthenticateLines(nil)[0].Arg(1))
}

func TestSASLBuffer(t *testing.T) {
	var b SASLBuffer
	payload := []byte(strings.Repeat("y", 450))
	enc := base64.StdEncoding.EncodeToString(payload)

	_, complete, err := b.Add(enc[:400])
	require.NoError(t, err)
	assert.False(t, complete)

	got, complete, err := b.Add(enc[400:])
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, payload, got)

	got, complete, err = b.Add("+")
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Empty(t, got)

	_, _, err = b.Add("!!!")
	assert.ErrorIs(t, err, ErrSASLProtocol)
}
