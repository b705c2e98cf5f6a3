package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var body = []byte(`{"flag":"RUN_FINISHED","run_id":"r1","status":"completed"}`)

func TestVerify_HMAC(t *testing.T) {
	v := NewVerifier("s3cret", ModeHMAC)
	require.True(t, v.Enabled())

	sig := v.Sign(body)
	assert.True(t, v.Verify(body, sig), "prefixed signature")

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	bare := hex.EncodeToString(mac.Sum(nil))
	assert.True(t, v.Verify(body, bare), "bare hex signature")
	assert.True(t, v.Verify(body, "  "+sig+" "), "surrounding whitespace")
}

func TestVerify_TamperedBodyFails(t *testing.T) {
	v := NewVerifier("s3cret", ModeHMAC)
	sig := v.Sign(body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] = 'X'
	assert.False(t, v.Verify(tampered, sig))
}

func TestVerify_WrongSecretFails(t *testing.T) {
	sig := NewVerifier("other", ModeHMAC).Sign(body)
	assert.False(t, NewVerifier("s3cret", ModeHMAC).Verify(body, sig))
}

func TestVerify_MalformedHeaders(t *testing.T) {
	v := NewVerifier("s3cret", ModeHMAC)
	for name, header := range map[string]string{
		"missing":   "",
		"not hex":   "sha256=zzzz",
		"too short": "sha256=abcd",
		"raw token": "s3cret",
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, v.Verify(body, header))
		})
	}
}

func TestVerify_DisabledWithoutSecret(t *testing.T) {
	for _, v := range []*Verifier{NewVerifier("", ModeHMAC), nil, {}} {
		assert.False(t, v.Enabled())
		assert.True(t, v.Verify(body, ""))
		assert.True(t, v.Verify(body, "garbage"))
	}
}

func TestVerify_TokenMode(t *testing.T) {
	v := NewVerifier("s3cret", ModeToken)
	assert.Equal(t, "s3cret", v.Sign(body))
	assert.True(t, v.Verify(body, "s3cret"))
	assert.True(t, v.Verify([]byte("anything"), "s3cret"))
	assert.False(t, v.Verify(body, "s3cre"))
	assert.False(t, v.Verify(body, ""))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHMAC, m)

	m, err = ParseMode("TOKEN")
	require.NoError(t, err)
	assert.Equal(t, ModeToken, m)

	_, err = ParseMode("jwt")
	assert.Error(t, err)
}
