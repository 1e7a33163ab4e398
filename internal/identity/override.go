package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	syncerrors "github.com/rcourtman/quillboard/internal/errors"
	"github.com/rcourtman/quillboard/pkg/plans"
)

// OverrideSessionKey is the local cache key holding an OverrideSession.
const OverrideSessionKey = "override-session"

// OverrideSession is the locally persisted identity that takes priority over
// any remote session. Plan and BillingCycle are optional. The usage counters
// are the only copy for identities without a remote row.
type OverrideSession struct {
	ID           string             `json:"id"`
	Email        string             `json:"email,omitempty"`
	DisplayName  string             `json:"displayName,omitempty"`
	Kind         Kind               `json:"kind,omitempty"`
	Plan         plans.ID           `json:"plan,omitempty"`
	BillingCycle plans.BillingCycle `json:"billingCycle,omitempty"`

	PeriodCount     int       `json:"periodCount,omitempty"`
	TotalCount      int       `json:"totalCount,omitempty"`
	PeriodStartedAt time.Time `json:"periodStartedAt,omitzero"`
}

// NewOverrideSession builds the blob stored for id.
func NewOverrideSession(id Identity, plan plans.ID, cycle plans.BillingCycle) OverrideSession {
	return OverrideSession{
		ID:           id.ID,
		Email:        id.Email,
		DisplayName:  id.DisplayName,
		Kind:         id.Kind,
		Plan:         plan,
		BillingCycle: cycle,
	}
}

// WithUsage returns a copy of o carrying the given usage counters.
func (o OverrideSession) WithUsage(periodCount, totalCount int, periodStartedAt time.Time) OverrideSession {
	o.PeriodCount = periodCount
	o.TotalCount = totalCount
	o.PeriodStartedAt = periodStartedAt.UTC()
	return o
}

// HasUsage reports whether the blob carries usage counters.
func (o OverrideSession) HasUsage() bool {
	return !o.PeriodStartedAt.IsZero()
}

// Identity returns the identity described by the blob.
func (o OverrideSession) Identity() Identity {
	kind := o.Kind
	if kind == "" {
		kind = KindRemote
	}
	return Identity{
		ID:          o.ID,
		Email:       o.Email,
		DisplayName: o.DisplayName,
		Kind:        kind,
	}
}

// EncodeOverrideSession serialises o for the local cache.
func EncodeOverrideSession(o OverrideSession) (string, error) {
	if strings.TrimSpace(o.ID) == "" {
		return "", errors.New("override session requires an id")
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("marshal override session: %w", err)
	}
	return string(data), nil
}

// DecodeOverrideSession parses a cached blob. Anything unusable yields an
// error matching errors.ErrMalformedLocalCache. Unknown plan or billing
// cycle values are dropped rather than rejected.
func DecodeOverrideSession(raw string) (OverrideSession, error) {
	var o OverrideSession
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return OverrideSession{}, syncerrors.WrapMalformedCache(OverrideSessionKey, err)
	}
	o.ID = strings.TrimSpace(o.ID)
	if o.ID == "" {
		return OverrideSession{}, syncerrors.WrapMalformedCache(OverrideSessionKey, errors.New("missing id"))
	}

	kind, err := ParseKind(string(o.Kind))
	if err != nil {
		return OverrideSession{}, syncerrors.WrapMalformedCache(OverrideSessionKey, err)
	}
	o.Kind = kind
	o.Email = normalizeEmail(o.Email)

	if o.Plan != "" {
		if id, err := plans.Parse(string(o.Plan)); err == nil {
			o.Plan = id
		} else {
			o.Plan = ""
		}
	}
	if o.BillingCycle != "" {
		if cycle, err := plans.ParseBillingCycle(string(o.BillingCycle)); err == nil {
			o.BillingCycle = cycle
		} else {
			o.BillingCycle = ""
		}
	}
	if o.PeriodCount < 0 || o.TotalCount < 0 || o.TotalCount < o.PeriodCount {
		o.PeriodCount, o.TotalCount, o.PeriodStartedAt = 0, 0, time.Time{}
	}
	return o, nil
}
