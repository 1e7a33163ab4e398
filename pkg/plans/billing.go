package plans

import (
	"fmt"
	"strings"
)

// BillingCycle is how often a subscription is charged.
type BillingCycle string

const (
	Monthly BillingCycle = "monthly"
	Yearly  BillingCycle = "yearly"
)

// ParseBillingCycle resolves a raw billing cycle. An empty value means monthly.
func ParseBillingCycle(raw string) (BillingCycle, error) {
	switch BillingCycle(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Monthly:
		return Monthly, nil
	case Yearly:
		return Yearly, nil
	default:
		return "", fmt.Errorf("unknown billing cycle %q", raw)
	}
}

// Valid reports whether c is a known billing cycle.
func (c BillingCycle) Valid() bool {
	return c == Monthly || c == Yearly
}

// Label returns a checkout label such as "Pro (yearly)".
func Label(id ID, cycle BillingCycle) string {
	d, ok := Lookup(id)
	if !ok {
		return string(id)
	}
	if !cycle.Valid() {
		cycle = Monthly
	}
	return fmt.Sprintf("%s (%s)", d.Name, cycle)
}
