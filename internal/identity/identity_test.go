package identity

import (
	"errors"
	"strings"
	"testing"
	"time"

	syncerrors "github.com/rcourtman/quillboard/internal/errors"
	"github.com/rcourtman/quillboard/pkg/plans"
)

func TestKindPredicates(t *testing.T) {
	tests := []struct {
		name      string
		id        Identity
		bypass    bool
		local     bool
		anonymous bool
		real      bool
	}{
		{"anonymous", Anonymous(), false, false, true, false},
		{"remote", Remote("u-1", "A@Example.com", "A"), false, false, false, true},
		{"bypass", Bypass("ops@example.com"), true, false, false, false},
		{"local", EphemeralLocal("me@example.com", ""), false, true, false, false},
		{"legacy_local_prefix", Identity{ID: "local-abc", Kind: KindRemote}, false, true, false, false},
		{"empty_id", Identity{Kind: KindRemote}, false, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.IsBypass(); got != tt.bypass {
				t.Errorf("IsBypass = %v, want %v", got, tt.bypass)
			}
			if got := tt.id.IsEphemeralLocal(); got != tt.local {
				t.Errorf("IsEphemeralLocal = %v, want %v", got, tt.local)
			}
			if got := tt.id.IsAnonymous(); got != tt.anonymous {
				t.Errorf("IsAnonymous = %v, want %v", got, tt.anonymous)
			}
			if got := tt.id.IsReal(); got != tt.real {
				t.Errorf("IsReal = %v, want %v", got, tt.real)
			}
		})
	}
}

func TestConstructorsNormalise(t *testing.T) {
	r := Remote("u-1", "  Alice@Example.COM ", "Alice")
	if r.Email != "alice@example.com" {
		t.Fatalf("Remote email = %q", r.Email)
	}

	b := Bypass("Ops@Example.com")
	if b.ID != "bypass-ops@example.com" || b.DisplayName != "ops" {
		t.Fatalf("unexpected bypass identity %+v", b)
	}

	l1 := EphemeralLocal("me@example.com", "")
	l2 := EphemeralLocal("me@example.com", "Me")
	if !strings.HasPrefix(l1.ID, "local-") || l1.ID == l2.ID {
		t.Fatalf("expected distinct local ids, got %q and %q", l1.ID, l2.ID)
	}
	if l1.DisplayName != "me" || l2.DisplayName != "Me" {
		t.Fatalf("unexpected display names %q %q", l1.DisplayName, l2.DisplayName)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(""); err != nil || k != KindRemote {
		t.Fatalf("ParseKind(\"\") = %q, %v", k, err)
	}
	if k, err := ParseKind(" BYPASS "); err != nil || k != KindBypass {
		t.Fatalf("ParseKind(BYPASS) = %q, %v", k, err)
	}
	if _, err := ParseKind("robot"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestOverrideSessionRoundTrip(t *testing.T) {
	id := Bypass("ops@example.com")
	raw, err := EncodeOverrideSession(NewOverrideSession(id, plans.Business, plans.Yearly))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeOverrideSession(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Identity() != id {
		t.Fatalf("identity = %+v, want %+v", got.Identity(), id)
	}
	if got.Plan != plans.Business || got.BillingCycle != plans.Yearly {
		t.Fatalf("plan = %q cycle = %q", got.Plan, got.BillingCycle)
	}
}

func TestOverrideSessionCarriesUsage(t *testing.T) {
	id := EphemeralLocal("me@example.com", "Me")
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	raw, err := EncodeOverrideSession(NewOverrideSession(id, plans.Free, plans.Monthly).WithUsage(7, 31, start))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeOverrideSession(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.HasUsage() || got.PeriodCount != 7 || got.TotalCount != 31 || !got.PeriodStartedAt.Equal(start) {
		t.Fatalf("usage not preserved: %+v", got)
	}

	bare, err := DecodeOverrideSession(`{"id":"x"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bare.HasUsage() {
		t.Fatalf("blob without counters should carry no usage: %+v", bare)
	}
}

func TestDecodeOverrideSessionDropsInconsistentUsage(t *testing.T) {
	for _, raw := range []string{
		`{"id":"x","periodCount":-1,"totalCount":4,"periodStartedAt":"2026-10-01T00:00:00Z"}`,
		`{"id":"x","periodCount":9,"totalCount":4,"periodStartedAt":"2026-10-01T00:00:00Z"}`,
	} {
		got, err := DecodeOverrideSession(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if got.HasUsage() || got.PeriodCount != 0 || got.TotalCount != 0 {
			t.Fatalf("expected counters dropped for %s, got %+v", raw, got)
		}
	}
}

func TestDecodeOverrideSessionMinimalBlob(t *testing.T) {
	got, err := DecodeOverrideSession(`{"id":"x","plan":"business"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "x" || got.Plan != plans.Business || got.Kind != KindRemote {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestDecodeOverrideSessionDropsUnknownPlan(t *testing.T) {
	got, err := DecodeOverrideSession(`{"id":"x","plan":"platinum","billingCycle":"weekly"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Plan != "" || got.BillingCycle != "" {
		t.Fatalf("expected unknown values dropped, got %+v", got)
	}
}

func TestDecodeOverrideSessionMalformed(t *testing.T) {
	for _, raw := range []string{"", "{", `{"id":"   "}`, `{"id":"x","kind":"robot"}`, `[]`} {
		_, err := DecodeOverrideSession(raw)
		if err == nil {
			t.Fatalf("expected error for %q", raw)
		}
		if !errors.Is(err, syncerrors.ErrMalformedLocalCache) {
			t.Fatalf("expected malformed cache error for %q, got %v", raw, err)
		}
	}
}

func TestEncodeOverrideSessionRequiresID(t *testing.T) {
	if _, err := EncodeOverrideSession(OverrideSession{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}
