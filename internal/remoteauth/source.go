// Package remoteauth talks to the remote identity source: password sign-in,
// sign-up, and resolution of the persisted session.
package remoteauth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSignUpRejected     = errors.New("sign-up rejected")
)

// Credentials is an email and password pair.
type Credentials struct {
	Email    string
	Password string
}

// Session is an authenticated remote session.
type Session struct {
	IdentityID  string
	Email       string
	DisplayName string
	ExpiresAt   time.Time
}

// IdentitySource is the remote identity provider.
type IdentitySource interface {
	// CurrentSession returns the persisted session, or (nil, nil) when there
	// is none.
	CurrentSession(ctx context.Context) (*Session, error)
	SignIn(ctx context.Context, creds Credentials) (*Session, error)
	SignUp(ctx context.Context, creds Credentials, displayName string) (*Session, error)
	SignOut(ctx context.Context) error
}
