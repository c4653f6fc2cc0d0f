package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintValidateRoundTrip(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)

	tok := m.Mint("alice")
	user, err := m.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)
	tok := m.Mint("alice")

	// Flip one character of the MAC.
	tampered := tok[:len(tok)-1]
	if strings.HasSuffix(tok, "0") {
		tampered += "1"
	} else {
		tampered += "0"
	}
	_, err := m.Validate(tampered)
	assert.Error(t, err)
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	tok := NewMinter("secret-one", time.Hour).Mint("alice")
	_, err := NewMinter("secret-two", time.Hour).Validate(tok)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := NewMinter("test-secret", time.Hour)
	for _, tok := range []string{"", "NULL", "a.b", "not-a-token", "x.y.z"} {
		_, err := m.Validate(tok)
		assert.Error(t, err, "token %q should not validate", tok)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewMinter("test-secret", time.Second)
	tok := m.Mint("alice")

	_, err := m.Validate(tok)
	require.NoError(t, err)

	time.Sleep(2 * time.Second)
	_, err = m.Validate(tok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestZeroLifetimeFallsBackToDefault(t *testing.T) {
	m := NewMinter("test-secret", 0)
	assert.Equal(t, DefaultLifetime, m.lifetime)
}
