package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"nameguard-service/internal/config"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const (
	algorithm = "argon2id"
	// credentialContext separates credential hashes from any other argon2 use
	// of the same pepper.
	credentialContext = "credential"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher is the credential oracle. Plaintext never leaves Hash and Verify;
// callers only see the encoded form.
type Hasher struct {
	params  Argon2Params
	current Pepper
	peppers map[int]string
	mu      sync.RWMutex
}

// HashResult is the decoded form of a stored credential hash.
type HashResult struct {
	Hash          string      `json:"hash"`
	Salt          string      `json:"salt"`
	PepperVersion int         `json:"pepper_version"`
	Algorithm     string      `json:"algorithm"`
	Params        Argon2Params `json:"-"`
}

func NewHasher(cfg *config.Config, pepper string) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	if params.Memory == 0 {
		params.Memory = 64 * 1024
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 2
	}

	h := &Hasher{params: params, peppers: make(map[int]string)}
	h.AddPepper(Pepper{Value: pepper, Version: 1})
	return h
}

// AddPepper registers a pepper; the highest version signs new hashes while
// older versions remain valid for verification.
func (h *Hasher) AddPepper(p Pepper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peppers[p.Version] = p.Value
	if p.Version >= h.current.Version {
		h.current = p
	}
}

// Hash returns the encoded argon2id hash of a credential.
func (h *Hasher) Hash(plaintext string) (string, error) {
	h.mu.RLock()
	pepper := h.current
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext+pepper.Value+credentialContext), salt,
		h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return encode(HashResult{
		Hash:          base64.RawStdEncoding.EncodeToString(key),
		Salt:          base64.RawStdEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     algorithm,
		Params:        h.params,
	}), nil
}

// Verify checks plaintext against an encoded hash in constant time.
func (h *Hasher) Verify(plaintext, encoded string) (bool, error) {
	res, err := decode(encoded)
	if err != nil {
		return false, err
	}

	h.mu.RLock()
	pepper, ok := h.peppers[res.PepperVersion]
	h.mu.RUnlock()
	if !ok {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawStdEncoding.DecodeString(res.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(res.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey([]byte(plaintext+pepper+credentialContext), salt,
		res.Params.Iterations, res.Params.Memory, res.Params.Parallelism, uint32(len(expected)))

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// encode writes the PHC-like form $argon2id$v=19$m=..,t=..,p=..$pv=N$salt$hash.
func encode(r HashResult) string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$pv=%d$%s$%s",
		r.Algorithm, argon2.Version, r.Params.Memory, r.Params.Iterations, r.Params.Parallelism,
		r.PepperVersion, r.Salt, r.Hash)
}

func decode(encoded string) (HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[1] != algorithm {
		return HashResult{}, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return HashResult{}, ErrInvalidHash
	}
	if version != argon2.Version {
		return HashResult{}, ErrIncompatibleVersion
	}

	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return HashResult{}, ErrInvalidHash
	}

	pv, err := strconv.Atoi(strings.TrimPrefix(parts[4], "pv="))
	if err != nil {
		return HashResult{}, ErrInvalidHash
	}

	return HashResult{
		Algorithm:     parts[1],
		PepperVersion: pv,
		Salt:          parts[5],
		Hash:          parts[6],
		Params:        p,
	}, nil
}
