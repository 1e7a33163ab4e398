package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params defines the Argon2id cost parameters for bypass secrets.
type Argon2Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 1, SaltLen: 16, KeyLen: 32}
}

var errBadPHC = errors.New("malformed argon2id hash")

// AllowList maps bypass emails to Argon2id PHC hashes of their secrets.
type AllowList struct {
	entries map[string]string
}

// ParseAllowList parses "email=$argon2id$...;email2=$argon2id$...". Blank
// entries are skipped.
func ParseAllowList(raw string) (*AllowList, error) {
	a := &AllowList{entries: make(map[string]string)}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		email, hash, ok := strings.Cut(part, "=")
		email = strings.ToLower(strings.TrimSpace(email))
		hash = strings.TrimSpace(hash)
		if !ok || email == "" || hash == "" {
			return nil, fmt.Errorf("allow-list entry %q must be email=hash", part)
		}
		if _, _, _, err := decodePHC(hash); err != nil {
			return nil, fmt.Errorf("allow-list entry for %s: %w", email, err)
		}
		a.entries[email] = hash
	}
	return a, nil
}

// Len returns the number of entries.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}

// Verify reports whether secret matches the stored hash for email.
func (a *AllowList) Verify(email, secret string) bool {
	if a == nil || secret == "" {
		return false
	}
	hash, ok := a.entries[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return false
	}
	match, err := VerifySecret(hash, secret)
	return err == nil && match
}

// HashSecret returns a PHC-encoded Argon2id hash of secret.
func HashSecret(secret string) (string, error) {
	p := DefaultArgon2Params()
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return encodePHC(p, salt, sum), nil
}

// VerifySecret checks secret against a PHC-encoded Argon2id hash.
func VerifySecret(encoded, secret string) (bool, error) {
	p, salt, sum, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	dk := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, uint32(len(sum)))
	return subtle.ConstantTimeCompare(dk, sum) == 1, nil
}

func encodePHC(p Argon2Params, salt, sum []byte) string {
	// $argon2id$v=19$m=65536,t=1,p=1$<salt_b64>$<sum_b64>
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s", argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(sum))
}

func decodePHC(s string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errBadPHC
	}
	var m, t, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &par); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %v", errBadPHC, err)
	}
	if m == 0 || t == 0 || par == 0 || par > 255 {
		return p, nil, nil, fmt.Errorf("%w: invalid cost parameters", errBadPHC)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: %v", errBadPHC, err)
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return p, nil, nil, fmt.Errorf("%w: bad digest", errBadPHC)
	}
	p = Argon2Params{Time: t, Memory: m, Threads: uint8(par), SaltLen: uint32(len(salt)), KeyLen: uint32(len(sum))}
	return p, salt, sum, nil
}
