package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rcourtman/quillboard/internal/entitlements"
	"github.com/rcourtman/quillboard/internal/identity"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rcourtman/quillboard/internal/notifications"
	"github.com/rcourtman/quillboard/internal/reconcile"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
)

type fakePayments struct {
	result   PaymentResult
	requests []PaymentRequest
}

func (f *fakePayments) RequestPayment(_ context.Context, req PaymentRequest) PaymentResult {
	f.requests = append(f.requests, req)
	return f.result
}

func newFlow(t *testing.T, payments PaymentRequester, plan plans.ID) (*Flow, *entitlements.Store, *notifications.Recorder) {
	t.Helper()
	id := identity.Bypass("owner@example.com")
	store := entitlements.NewStore(entitlements.NewRecord(id, plan, plans.Monthly, time.Now()))
	sink := &notifications.Recorder{}
	pipeline := reconcile.NewPipeline(reconcile.Config{Store: store, Cache: localcache.NewMemoryCache(), Sink: sink})
	return NewFlow(payments, pipeline, store, sink), store, sink
}

func TestPurchaseChargesThenUpgrades(t *testing.T) {
	tests := []struct {
		name   string
		cycle  plans.BillingCycle
		amount int
		label  string
	}{
		{"monthly", plans.Monthly, 49, "Pro (monthly)"},
		{"yearly", plans.Yearly, 490, "Pro (yearly)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &fakePayments{result: PaymentResult{Success: true, PaymentID: "pi_123"}}
			flow, store, _ := newFlow(t, payments, plans.Free)

			res, err := flow.Purchase(context.Background(), "pro", tt.cycle)
			require.NoError(t, err)
			assert.Equal(t, "pi_123", res.PaymentID)
			assert.Equal(t, tt.amount, res.Amount)
			require.NotNil(t, res.Attempt)
			assert.Equal(t, reconcile.OutcomeLocalOnly, res.Attempt.Outcome())

			require.Len(t, payments.requests, 1)
			req := payments.requests[0]
			assert.Equal(t, plans.Pro, req.Plan)
			assert.Equal(t, tt.amount, req.Amount)
			assert.Equal(t, tt.label, req.Label)
			assert.Equal(t, "owner@example.com", req.Buyer.Email)

			assert.Equal(t, plans.Pro, store.Get().Plan)
			assert.Equal(t, tt.cycle, store.Get().BillingCycle)
		})
	}
}

func TestPurchasePaymentFailureLeavesPlan(t *testing.T) {
	payments := &fakePayments{result: PaymentResult{Err: errors.New("card declined")}}
	flow, store, sink := newFlow(t, payments, plans.Free)

	_, err := flow.Purchase(context.Background(), "starter", plans.Monthly)
	require.Error(t, err)
	assert.Equal(t, plans.Free, store.Get().Plan)

	errs := sink.BySeverity(notifications.SeverityError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "card declined")
}

func TestPurchaseUnsuccessfulWithoutErrorIsDeclined(t *testing.T) {
	flow, store, _ := newFlow(t, &fakePayments{}, plans.Free)

	_, err := flow.Purchase(context.Background(), "starter", plans.Monthly)
	assert.ErrorIs(t, err, ErrPaymentDeclined)
	assert.Equal(t, plans.Free, store.Get().Plan)
}

func TestPurchaseFreePlanSkipsPayment(t *testing.T) {
	payments := &fakePayments{}
	flow, store, _ := newFlow(t, payments, plans.Pro)

	res, err := flow.Purchase(context.Background(), "free", plans.Monthly)
	require.NoError(t, err)
	assert.Empty(t, payments.requests)
	assert.Zero(t, res.Amount)
	assert.Equal(t, plans.Free, store.Get().Plan)
}

func TestPurchaseRejectsBadInput(t *testing.T) {
	payments := &fakePayments{result: PaymentResult{Success: true}}
	flow, _, sink := newFlow(t, payments, plans.Pro)

	_, err := flow.Purchase(context.Background(), "platinum", plans.Monthly)
	assert.ErrorIs(t, err, plans.ErrUnknownPlan)

	_, err = flow.Purchase(context.Background(), "pro", plans.Monthly)
	assert.ErrorIs(t, err, ErrAlreadyOnPlan)

	_, err = flow.Purchase(context.Background(), "pro", plans.BillingCycle("daily"))
	assert.Error(t, err)

	assert.Empty(t, payments.requests)
	assert.Len(t, sink.BySeverity(notifications.SeverityError), 2)
	assert.Len(t, sink.BySeverity(notifications.SeverityInfo), 1)
}

func TestStripeRequester(t *testing.T) {
	_, err := NewStripeRequester(StripeConfig{})
	require.Error(t, err)

	s, err := NewStripeRequester(StripeConfig{APIKey: "sk_test_123", PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)

	var got *stripe.PaymentIntentParams
	s.createPaymentIntent = func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		got = params
		return &stripe.PaymentIntent{ID: "pi_ok", Status: stripe.PaymentIntentStatusSucceeded}, nil
	}

	res := s.RequestPayment(context.Background(), PaymentRequest{
		Plan:   plans.Starter,
		Label:  "Starter (monthly)",
		Amount: 19,
		Buyer:  Buyer{IdentityID: "u-1", Email: "user@example.com"},
	})
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, "pi_ok", res.PaymentID)
	require.NotNil(t, got)
	assert.Equal(t, int64(1900), *got.Amount)
	assert.Equal(t, "usd", *got.Currency)
	assert.Equal(t, "user@example.com", *got.ReceiptEmail)
	assert.Equal(t, "u-1", got.Metadata["identity_id"])
	assert.Equal(t, "starter", got.Metadata["plan"])
}

func TestStripeRequesterFailures(t *testing.T) {
	s, err := NewStripeRequester(StripeConfig{APIKey: "sk_test_123", PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)

	s.createPaymentIntent = func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, &stripe.Error{Msg: "Your card was declined."}
	}
	res := s.RequestPayment(context.Background(), PaymentRequest{Plan: plans.Pro, Amount: 49})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrPaymentDeclined)

	s.createPaymentIntent = func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return &stripe.PaymentIntent{ID: "pi_auth", Status: stripe.PaymentIntentStatusRequiresAction}, nil
	}
	res = s.RequestPayment(context.Background(), PaymentRequest{Plan: plans.Pro, Amount: 49})
	assert.False(t, res.Success)
	assert.Equal(t, "pi_auth", res.PaymentID)

	res = s.RequestPayment(context.Background(), PaymentRequest{Plan: plans.Pro, Amount: 0})
	assert.False(t, res.Success)

	noMethod, err := NewStripeRequester(StripeConfig{APIKey: "sk_test_123"})
	require.NoError(t, err)
	res = noMethod.RequestPayment(context.Background(), PaymentRequest{Plan: plans.Pro, Amount: 49})
	assert.False(t, res.Success)
}
