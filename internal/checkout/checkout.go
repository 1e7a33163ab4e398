// Package checkout collects payment for a plan and, once the payment
// collaborator confirms it, hands the plan to the mutation pipeline.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/quillboard/internal/entitlements"
	"github.com/rcourtman/quillboard/internal/notifications"
	"github.com/rcourtman/quillboard/internal/reconcile"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
)

var (
	ErrPaymentDeclined = errors.New("payment declined")
	ErrAlreadyOnPlan   = errors.New("already on this plan")
)

// Buyer identifies who is paying.
type Buyer struct {
	IdentityID string
	Email      string
	Name       string
}

// PaymentRequest is a single charge for one billing period of a plan.
// Amount is in whole currency units.
type PaymentRequest struct {
	Plan   plans.ID
	Label  string
	Amount int
	Buyer  Buyer
}

// PaymentResult is what the payment collaborator reports back.
type PaymentResult struct {
	Success   bool
	PaymentID string
	Err       error
}

// PaymentRequester is the external payment collaborator.
type PaymentRequester interface {
	RequestPayment(ctx context.Context, req PaymentRequest) PaymentResult
}

// Upgrader applies a plan change.
type Upgrader interface {
	UpgradePlan(ctx context.Context, planID string, cycle plans.BillingCycle) *reconcile.Attempt
}

// Result of a purchase.
type Result struct {
	PaymentID string
	Amount    int
	Attempt   *reconcile.Attempt
}

// Flow runs a purchase: price lookup, payment, then upgrade.
type Flow struct {
	payments PaymentRequester
	upgrader Upgrader
	store    *entitlements.Store
	sink     notifications.Sink
}

func NewFlow(payments PaymentRequester, upgrader Upgrader, store *entitlements.Store, sink notifications.Sink) *Flow {
	return &Flow{payments: payments, upgrader: upgrader, store: store, sink: sink}
}

// Purchase charges the active identity for planID and upgrades on success.
// Free plans skip the payment step. A failed payment leaves the
// entitlement untouched and is reported with an error notification.
func (f *Flow) Purchase(ctx context.Context, planID string, cycle plans.BillingCycle) (Result, error) {
	plan, err := plans.Parse(planID)
	if err != nil {
		f.emit(fmt.Sprintf("Unknown plan %q", planID), notifications.SeverityError)
		return Result{}, err
	}
	if cycle == "" {
		cycle = plans.Monthly
	}
	if !cycle.Valid() {
		f.emit(fmt.Sprintf("Unknown billing cycle %q", cycle), notifications.SeverityError)
		return Result{}, fmt.Errorf("unknown billing cycle %q", cycle)
	}

	current := f.store.Get()
	if current.Plan == plan && current.BillingCycle == cycle {
		f.emit(fmt.Sprintf("You're already on %s", plans.Label(plan, cycle)), notifications.SeverityInfo)
		return Result{}, ErrAlreadyOnPlan
	}

	d := plans.MustLookup(plan)
	amount := d.PriceFor(cycle)
	logger := log.With().
		Str("identity_id", current.Identity.ID).
		Str("plan", string(plan)).
		Str("billing_cycle", string(cycle)).
		Int("amount", amount).
		Logger()

	var paymentID string
	if amount > 0 {
		if f.payments == nil {
			f.emit("Payments are not available right now", notifications.SeverityError)
			return Result{}, errors.New("no payment requester configured")
		}
		res := f.payments.RequestPayment(ctx, PaymentRequest{
			Plan:   plan,
			Label:  plans.Label(plan, cycle),
			Amount: amount,
			Buyer: Buyer{
				IdentityID: current.Identity.ID,
				Email:      current.Identity.Email,
				Name:       current.Identity.DisplayName,
			},
		})
		if !res.Success {
			err := res.Err
			if err == nil {
				err = ErrPaymentDeclined
			}
			logger.Warn().Err(err).Msg("Payment failed")
			f.emit("Payment failed: "+paymentReason(err), notifications.SeverityError)
			return Result{Amount: amount}, err
		}
		paymentID = res.PaymentID
		logger.Info().Str("payment_id", paymentID).Msg("Payment confirmed")
	}

	attempt := f.upgrader.UpgradePlan(ctx, string(plan), cycle)
	return Result{PaymentID: paymentID, Amount: amount, Attempt: attempt}, nil
}

func (f *Flow) emit(message string, severity notifications.Severity) {
	if f.sink != nil {
		f.sink.Emit(message, severity)
	}
}

func paymentReason(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return ErrPaymentDeclined.Error()
	}
	return msg
}
