// Package plans defines the closed set of subscription plans and their
// static descriptors.
//
// The catalog is read-only and fixed at process start. Callers resolve
// untrusted plan identifiers through Parse, which rejects anything outside
// the catalog instead of silently defaulting.
package plans

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ID identifies a plan tier.
type ID string

const (
	Free     ID = "free"
	Starter  ID = "starter"
	Pro      ID = "pro"
	Business ID = "business"
)

// Unlimited is the MonthlyLimit value for plans without a usage cap.
const Unlimited = -1

// Capability constants are the feature keys a plan can grant.
const (
	// Free tier
	CapTextGeneration = "text_generation"
	CapHistory        = "history"

	// Starter (everything in Free, plus:)
	CapImageGeneration = "image_generation"
	CapTemplates       = "templates"

	// Pro (everything in Starter, plus:)
	CapAIAgents      = "ai_agents"
	CapAnalytics     = "analytics"
	CapPriorityQueue = "priority_queue"

	// Business (everything in Pro, plus:)
	CapTeamSeats  = "team_seats"
	CapAPIAccess  = "api_access"
	CapWhiteLabel = "white_label"
)

// ErrUnknownPlan is returned by Parse for identifiers outside the catalog.
var ErrUnknownPlan = errors.New("unknown plan")

// Descriptor is the static description of a plan tier.
type Descriptor struct {
	ID           ID
	Name         string
	MonthlyLimit int // Unlimited (-1) means no cap
	Price        int // whole currency units per month
	YearlyPrice  int // whole currency units per year
	Capabilities []string
}

// Unlimited reports whether the plan has no monthly usage cap.
func (d Descriptor) Unlimited() bool {
	return d.MonthlyLimit == Unlimited
}

// HasCapability reports whether the plan grants the capability.
func (d Descriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// PriceFor returns the price charged for one billing period of the cycle.
func (d Descriptor) PriceFor(cycle BillingCycle) int {
	if cycle == Yearly {
		return d.YearlyPrice
	}
	return d.Price
}

var freeCapabilities = []string{
	CapTextGeneration,
	CapHistory,
}

var starterCapabilities = appendCapabilities(freeCapabilities,
	CapImageGeneration,
	CapTemplates,
)

var proCapabilities = appendCapabilities(starterCapabilities,
	CapAIAgents,
	CapAnalytics,
	CapPriorityQueue,
)

var businessCapabilities = appendCapabilities(proCapabilities,
	CapTeamSeats,
	CapAPIAccess,
	CapWhiteLabel,
)

// appendCapabilities returns a new slice with extra capabilities appended (no mutation).
func appendCapabilities(base []string, extra ...string) []string {
	result := make([]string, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

var catalog = map[ID]Descriptor{
	Free: {
		ID:           Free,
		Name:         "Free",
		MonthlyLimit: 20,
		Capabilities: freeCapabilities,
	},
	Starter: {
		ID:           Starter,
		Name:         "Starter",
		MonthlyLimit: 100,
		Price:        19,
		YearlyPrice:  190,
		Capabilities: starterCapabilities,
	},
	Pro: {
		ID:           Pro,
		Name:         "Pro",
		MonthlyLimit: 500,
		Price:        49,
		YearlyPrice:  490,
		Capabilities: proCapabilities,
	},
	Business: {
		ID:           Business,
		Name:         "Business",
		MonthlyLimit: Unlimited,
		Price:        149,
		YearlyPrice:  1490,
		Capabilities: businessCapabilities,
	},
}

// ordered lists plans from lowest to highest tier.
var ordered = []ID{Free, Starter, Pro, Business}

// Parse resolves a raw identifier to a plan ID. Matching is case-insensitive
// and ignores surrounding whitespace.
func Parse(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := catalog[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, raw)
	}
	return id, nil
}

// Valid reports whether id is part of the catalog.
func (id ID) Valid() bool {
	_, ok := catalog[id]
	return ok
}

// Lookup returns the descriptor for id.
func Lookup(id ID) (Descriptor, bool) {
	d, ok := catalog[id]
	if !ok {
		return Descriptor{}, false
	}
	d.Capabilities = append([]string(nil), d.Capabilities...)
	return d, true
}

// MustLookup returns the descriptor for id and panics for ids outside the
// catalog. Only use with the package constants.
func MustLookup(id ID) Descriptor {
	d, ok := Lookup(id)
	if !ok {
		panic(fmt.Sprintf("plans: %q is not in the catalog", id))
	}
	return d
}

// Top returns the highest tier in the catalog.
func Top() ID {
	return ordered[len(ordered)-1]
}

// All returns every descriptor from lowest to highest tier.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, MustLookup(id))
	}
	return out
}

// MinPlanFor returns the lowest plan granting capability.
func MinPlanFor(capability string) (ID, bool) {
	for _, id := range ordered {
		if catalog[id].HasCapability(capability) {
			return id, true
		}
	}
	return "", false
}

// Capabilities returns the sorted capability set granted by id.
func Capabilities(id ID) []string {
	d, ok := Lookup(id)
	if !ok {
		return nil
	}
	sort.Strings(d.Capabilities)
	return d.Capabilities
}
