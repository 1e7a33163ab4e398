// Package identity models who the current user is.
//
// An Identity is immutable for the lifetime of a session. Its Kind records
// how it was established, which decides whether entitlement changes for it
// may be persisted to the remote store.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the origin of an identity.
type Kind string

const (
	KindAnonymous Kind = "anonymous"
	KindRemote    Kind = "remote"
	KindBypass    Kind = "bypass"
	KindLocal     Kind = "local"
)

// AnonymousID is the identifier shared by every anonymous identity.
const AnonymousID = "anonymous"

// localIDPrefix marks identities minted on this device.
const localIDPrefix = "local-"

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAnonymous, KindRemote, KindBypass, KindLocal:
		return true
	}
	return false
}

// ParseKind resolves a stored kind. An empty value is treated as remote so
// older cache entries without a kind keep working.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if k == "" {
		return KindRemote, nil
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown identity kind %q", raw)
	}
	return k, nil
}

// Identity is the resolved user for the current session.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Kind        Kind   `json:"kind"`
}

// Anonymous returns the identity used when nobody is signed in.
func Anonymous() Identity {
	return Identity{ID: AnonymousID, DisplayName: "Guest", Kind: KindAnonymous}
}

// Remote returns an identity backed by the remote identity source.
func Remote(id, email, displayName string) Identity {
	return Identity{ID: id, Email: normalizeEmail(email), DisplayName: displayName, Kind: KindRemote}
}

// Bypass returns an identity granted through the emergency allow-list.
func Bypass(email string) Identity {
	email = normalizeEmail(email)
	return Identity{
		ID:          "bypass-" + email,
		Email:       email,
		DisplayName: displayNameFromEmail(email),
		Kind:        KindBypass,
	}
}

// EphemeralLocal mints a device-local identity with a fresh identifier.
func EphemeralLocal(email, displayName string) Identity {
	email = normalizeEmail(email)
	if strings.TrimSpace(displayName) == "" {
		displayName = displayNameFromEmail(email)
	}
	return Identity{
		ID:          localIDPrefix + uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		Kind:        KindLocal,
	}
}

// IsAnonymous reports whether nobody is signed in.
func (i Identity) IsAnonymous() bool { return i.Kind == KindAnonymous || i.ID == "" }

// IsBypass reports whether the identity came from the bypass allow-list.
func (i Identity) IsBypass() bool { return i.Kind == KindBypass }

// IsEphemeralLocal reports whether the identity was minted on this device.
func (i Identity) IsEphemeralLocal() bool {
	return i.Kind == KindLocal || strings.HasPrefix(i.ID, localIDPrefix)
}

// IsReal reports whether entitlement changes for this identity can be
// persisted remotely.
func (i Identity) IsReal() bool {
	return !i.IsAnonymous() && !i.IsBypass() && !i.IsEphemeralLocal()
}

func (i Identity) String() string {
	if i.Email != "" {
		return fmt.Sprintf("%s(%s <%s>)", i.Kind, i.ID, i.Email)
	}
	return fmt.Sprintf("%s(%s)", i.Kind, i.ID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func displayNameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "User"
	}
	return local
}
