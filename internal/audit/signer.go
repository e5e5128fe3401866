package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// sigPrefix identifies the signature scheme in stored signatures so the
// format can evolve without ambiguity.
const sigPrefix = "hmac-sha256:"

// Signer produces the tamper-evidence signature stored alongside each audit
// event. Signing is HMAC-SHA256 over the canonical event JSON with the
// Signature field blanked.
type Signer struct {
	key []byte
}

// NewSigner builds a signer from the configured key string. A string of 64+
// even-length hex characters is decoded first; anything else is taken as raw
// bytes. Either form must yield at least 32 key bytes.
func NewSigner(key string) (*Signer, error) {
	kb, err := resolveSigningKey(key)
	if err != nil {
		return nil, err
	}
	return &Signer{key: kb}, nil
}

func resolveSigningKey(key string) ([]byte, error) {
	if len(key) >= 64 && len(key)%2 == 0 && allHex(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("signing key hex decode: %w", err)
		}
		if len(decoded) < 32 {
			return nil, fmt.Errorf("signing key hex must decode to at least 32 bytes (got %d)", len(decoded))
		}
		return decoded, nil
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes (got %d)", len(key))
	}
	return []byte(key), nil
}

func allHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func (s *Signer) mac(data []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return h.Sum(nil)
}

// Sign returns the prefixed hex signature for data.
func (s *Signer) Sign(data []byte) (string, error) {
	return sigPrefix + hex.EncodeToString(s.mac(data)), nil
}

// Verify reports whether signature matches data. Unknown prefixes and
// malformed hex verify as false rather than erroring; a bad stored
// signature means a tampered or foreign event either way.
func (s *Signer) Verify(data []byte, signature string) bool {
	encoded, ok := strings.CutPrefix(signature, sigPrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(data))
}
