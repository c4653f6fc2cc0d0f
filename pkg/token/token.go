// Package token mints and verifies the HMAC session tokens presented on
// every mutating tracker command.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultLifetime is how long a minted token stays valid unless the tracker
// is configured otherwise.
const DefaultLifetime = 10 * time.Hour

// A token is self-describing: base64url(user|expiryUnix) "." hex(mac).
// The MAC covers the encoded payload, so the embedded user name and expiry
// cannot be altered without invalidating it. No whitespace can appear in a
// token, which matters because commands are whitespace-delimited.

// Minter issues and verifies tokens with a fixed secret and lifetime.
type Minter struct {
	secret   []byte
	lifetime time.Duration
}

// NewMinter builds a Minter. A zero lifetime falls back to DefaultLifetime.
func NewMinter(secret string, lifetime time.Duration) *Minter {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Minter{secret: []byte(secret), lifetime: lifetime}
}

// Mint issues a token for user, valid until now+lifetime.
func (m *Minter) Mint(user string) string {
	expiry := time.Now().Add(m.lifetime).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%s|%d", user, expiry)))
	return payload + "." + m.sign(payload)
}

// Validate checks the MAC in constant time and the expiry against the clock,
// returning the embedded user name.
func (m *Minter) Validate(tok string) (string, error) {
	payload, mac, found := strings.Cut(tok, ".")
	if !found {
		return "", fmt.Errorf("invalid token")
	}
	if !hmac.Equal([]byte(m.sign(payload)), []byte(mac)) {
		return "", fmt.Errorf("invalid token")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("invalid token")
	}
	user, expiryStr, found := strings.Cut(string(decoded), "|")
	if !found || user == "" {
		return "", fmt.Errorf("invalid token")
	}
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid token")
	}
	if time.Now().Unix() > expiry {
		return "", fmt.Errorf("expired token")
	}
	return user, nil
}

func (m *Minter) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
