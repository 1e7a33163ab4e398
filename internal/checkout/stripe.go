package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

const defaultCurrency = "usd"

// StripeConfig configures the Stripe payment collaborator.
type StripeConfig struct {
	APIKey        string
	PaymentMethod string // saved payment method to charge off-session
	Currency      string
}

// StripeRequester charges plan purchases as confirmed Stripe PaymentIntents.
type StripeRequester struct {
	apiKey        string
	paymentMethod string
	currency      string

	createPaymentIntent func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func NewStripeRequester(cfg StripeConfig) (*StripeRequester, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("stripe api key is required")
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &StripeRequester{
		apiKey:              key,
		paymentMethod:       strings.TrimSpace(cfg.PaymentMethod),
		currency:            currency,
		createPaymentIntent: paymentintent.New,
	}, nil
}

func (s *StripeRequester) RequestPayment(ctx context.Context, req PaymentRequest) PaymentResult {
	if err := ctx.Err(); err != nil {
		return PaymentResult{Err: err}
	}
	if req.Amount <= 0 {
		return PaymentResult{Err: fmt.Errorf("invalid amount %d", req.Amount)}
	}
	if s.paymentMethod == "" {
		return PaymentResult{Err: errors.New("no payment method on file")}
	}

	stripe.Key = s.apiKey

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(req.Amount) * 100),
		Currency:      stripe.String(s.currency),
		PaymentMethod: stripe.String(s.paymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Label),
	}
	if email := strings.TrimSpace(req.Buyer.Email); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	params.AddMetadata("identity_id", req.Buyer.IdentityID)
	params.AddMetadata("plan", string(req.Plan))
	if plan, ok := plans.Lookup(req.Plan); ok {
		params.AddMetadata("plan_name", plan.Name)
	}

	intent, err := s.createPaymentIntent(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
			err = fmt.Errorf("%w: %s", ErrPaymentDeclined, stripeErr.Msg)
		}
		log.Warn().Err(err).Str("plan", string(req.Plan)).Msg("Stripe payment intent failed")
		return PaymentResult{Err: err}
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return PaymentResult{
			PaymentID: intent.ID,
			Err:       fmt.Errorf("%w: payment intent %s is %s", ErrPaymentDeclined, intent.ID, intent.Status),
		}
	}
	return PaymentResult{Success: true, PaymentID: intent.ID}
}
