// Package envelope implements the HMAC-authenticated transport wrapper used
// for every inter-stage task message. Envelopes provide authenticity and
// integrity only; contents are not confidential.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

const signatureLen = 16 // truncated HMAC-SHA256

// ErrAuthentication covers any malformed, truncated, or mis-signed token.
// Callers reject the message without retry.
var ErrAuthentication = errors.New("envelope: authentication failed")

type body struct {
	Payload  json.RawMessage `json:"payload"`
	IssuedAt int64           `json:"issued_at"`
}

// Seal wraps payload into a signed, base64url token valid for a single hop.
func Seal(payload any, key []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("envelope: empty signing key")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(body{Payload: raw, IssuedAt: time.Now().Unix()})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	sig := mac.Sum(nil)[:signatureLen]
	return base64.RawURLEncoding.EncodeToString(append(data, sig...)), nil
}

// Open verifies token against key and unmarshals the payload into out.
// Any mismatch, malformed base64, or short buffer yields ErrAuthentication.
func Open(token string, key []byte, out any) error {
	if len(key) == 0 {
		return ErrAuthentication
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrAuthentication
	}
	if len(decoded) <= signatureLen {
		return ErrAuthentication
	}
	data, sig := decoded[:len(decoded)-signatureLen], decoded[len(decoded)-signatureLen:]

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)[:signatureLen]) {
		return ErrAuthentication
	}

	var b body
	if err := json.Unmarshal(data, &b); err != nil {
		return ErrAuthentication
	}
	return json.Unmarshal(b.Payload, out)
}

// Keyring holds one signing key per trust boundary so a compromised key on
// one boundary cannot forge messages on another.
type Keyring struct {
	Conversion []byte // batchers <-> conversion pipeline
	Settlement []byte // conversion pipeline <-> settlement executor
	Scheduler  []byte // scheduler ticks -> batchers
}

// NewKeyring builds a keyring from the configured secrets.
func NewKeyring(conversion, settlement, scheduler string) Keyring {
	return Keyring{
		Conversion: []byte(conversion),
		Settlement: []byte(settlement),
		Scheduler:  []byte(scheduler),
	}
}
