package remoteauth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSessionPublicKeyInvalid = errors.New("invalid session public key")
	ErrSessionSubjectMissing   = errors.New("session token has no subject")
)

// SessionClaims are carried by access tokens issued by the identity source.
type SessionClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// DecodePublicKey decodes a base64 (standard or URL, padded or raw) Ed25519
// public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	var (
		decoded []byte
		err     error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err = enc.DecodeString(encoded)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionPublicKeyInvalid, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrSessionPublicKeyInvalid, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// VerifySessionToken checks the signature, issuer and audience of an access
// token. An empty issuer or audience skips that check.
func VerifySessionToken(token string, publicKey ed25519.PublicKey, issuer, audience string, now time.Time) (*SessionClaims, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrSessionPublicKeyInvalid
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("session token is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return publicKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("session token is invalid")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrSessionSubjectMissing
	}
	return claims, nil
}

func (c *SessionClaims) session() *Session {
	s := &Session{
		IdentityID:  strings.TrimSpace(c.Subject),
		Email:       strings.ToLower(strings.TrimSpace(c.Email)),
		DisplayName: strings.TrimSpace(c.Name),
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return s
}
