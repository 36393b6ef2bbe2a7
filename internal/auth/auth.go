// Package auth signs one-shot venue requests with HMAC-SHA256.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Header names carried by signed requests.
const (
	HeaderAPIKey    = "APIKey"
	HeaderNonce     = "Nonce"
	HeaderSignature = "Signature"
)

// Credentials holds the API key and secret for signing requests.
type Credentials struct {
	Key    string
	Secret string

	mu        sync.Mutex
	lastNonce int64
	now       func() time.Time
}

// NewCredentials validates and returns signing credentials.
func NewCredentials(key, secret string) (*Credentials, error) {
	if key == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("API secret is required")
	}

	return &Credentials{
		Key:    key,
		Secret: secret,
		now:    time.Now,
	}, nil
}

// LoadCredentials loads credentials whose secret is stored in a file.
func LoadCredentials(key, secretPath string) (*Credentials, error) {
	if secretPath == "" {
		return nil, fmt.Errorf("secret path is required")
	}

	data, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	return NewCredentials(key, strings.TrimSpace(string(data)))
}

// Sign returns the hex HMAC-SHA256 of nonce keyed by the secret.
func (c *Credentials) Sign(nonce string) string {
	mac := hmac.New(sha256.New, []byte(c.Secret))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest generates authentication headers with a fresh nonce.
// Nonces are strictly increasing for the lifetime of the credentials.
func (c *Credentials) SignRequest() map[string]string {
	nonce := strconv.FormatInt(c.nextNonce(), 10)

	return map[string]string{
		HeaderAPIKey:    c.Key,
		HeaderNonce:     nonce,
		HeaderSignature: c.Sign(nonce),
	}
}

// Apply sets the authentication headers on req.
func (c *Credentials) Apply(req *http.Request) error {
	for k, v := range c.SignRequest() {
		req.Header.Set(k, v)
	}
	return nil
}

// Verify reports whether signature is valid for nonce.
func (c *Credentials) Verify(nonce, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.Secret))
	mac.Write([]byte(nonce))
	return hmac.Equal(mac.Sum(nil), want)
}

func (c *Credentials) nextNonce() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now
	if c.now != nil {
		now = c.now
	}

	n := now().UnixNano()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}
