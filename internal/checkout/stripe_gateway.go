package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// StripeAPI implements StripeGateway on top of the Stripe API for hosts that
// collect the payment method themselves and pass its id on submit.
type StripeAPI struct {
	sc     *client.API
	logger *slog.Logger
}

// NewStripeAPI builds a gateway authenticated with key. backends may be nil
// to use Stripe's default endpoints.
func NewStripeAPI(key string, backends *stripe.Backends, logger *slog.Logger) *StripeAPI {
	sc := &client.API{}
	sc.Init(key, backends)
	return &StripeAPI{sc: sc, logger: logger.With("component", "stripe")}
}

// Mount checks that the SetupIntent behind clientSecret exists and can still
// collect a payment method.
func (s *StripeAPI) Mount(ctx context.Context, m StripeMount) error {
	id, err := IntentID(m.ClientSecret)
	if err != nil {
		return err
	}
	params := &stripe.SetupIntentParams{}
	params.Context = ctx
	if m.AccountID != "" {
		params.SetStripeAccount(m.AccountID)
	}
	si, err := s.sc.SetupIntents.Get(id, params)
	if err != nil {
		return fmt.Errorf("get setup intent %s: %w", id, err)
	}
	switch si.Status {
	case stripe.SetupIntentStatusCanceled, stripe.SetupIntentStatusSucceeded:
		return fmt.Errorf("setup intent %s is %s", id, si.Status)
	}
	s.logger.Debug("payment element mounted", "setup_intent", id, "element", m.ElementID)
	return nil
}

func (s *StripeAPI) ConfirmSetup(ctx context.Context, c StripeSetupConfirmation) (string, error) {
	id, err := IntentID(c.ClientSecret)
	if err != nil {
		return "", err
	}
	params := &stripe.SetupIntentConfirmParams{}
	params.Context = ctx
	if c.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(c.PaymentMethodID)
	}
	if c.ReturnURL != "" {
		params.ReturnURL = stripe.String(c.ReturnURL)
	}
	if c.AccountID != "" {
		params.SetStripeAccount(c.AccountID)
	}
	si, err := s.sc.SetupIntents.Confirm(id, params)
	if err != nil {
		return "", fmt.Errorf("confirm setup intent %s: %w", id, err)
	}
	if si.Status != stripe.SetupIntentStatusSucceeded {
		return "", fmt.Errorf("setup intent %s is %s: %w", id, si.Status, ErrPaymentRequiresAction)
	}
	if si.PaymentMethod == nil || si.PaymentMethod.ID == "" {
		return c.PaymentMethodID, nil
	}
	return si.PaymentMethod.ID, nil
}

func (s *StripeAPI) ConfirmPayment(ctx context.Context, clientSecret, accountID string) error {
	id, err := IntentID(clientSecret)
	if err != nil {
		return err
	}
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if accountID != "" {
		params.SetStripeAccount(accountID)
	}
	pi, err := s.sc.PaymentIntents.Confirm(id, params)
	if err != nil {
		return fmt.Errorf("confirm payment intent %s: %w", id, err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		return nil
	default:
		return fmt.Errorf("payment intent %s is %s: %w", id, pi.Status, ErrPaymentRequiresAction)
	}
}

// IntentID extracts the intent id from a client secret of the form
// "<id>_secret_<token>".
func IntentID(clientSecret string) (string, error) {
	id, _, ok := strings.Cut(clientSecret, "_secret_")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed client secret")
	}
	return id, nil
}

var _ StripeGateway = (*StripeAPI)(nil)
