package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"nameguard-service/internal/models"
)

var ErrEmptySignalKey = errors.New("signal hashing key is empty")

// SignalHasher turns derived network values into opaque tokens. The same key
// must be used for the whole deployment or stored fingerprints stop matching.
type SignalHasher struct {
	key []byte
}

func NewSignalHasher(key []byte) (*SignalHasher, error) {
	if len(key) == 0 {
		return nil, ErrEmptySignalKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &SignalHasher{key: k}, nil
}

// Hash returns hex(HMAC-SHA256(key, value)).
func (s *SignalHasher) Hash(value string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashSignal hashes a present value and keeps absence as absence.
func (s *SignalHasher) HashSignal(v models.Signal[string]) models.Signal[string] {
	if !v.Valid {
		return v
	}
	return models.Some(s.Hash(v.Value))
}
