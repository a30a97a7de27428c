package checkout

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/lifecycle"
)

// StripeElements are the page element ids a Stripe form needs.
type StripeElements struct {
	Form    string
	Payment string
	Submit  string
	Error   string
}

var (
	CurrentStripeElements = StripeElements{
		Form:    "apphud-stripe-payment-form",
		Payment: "stripe-payment-element",
		Submit:  "stripe-submit",
		Error:   "stripe-error-message",
	}
	LegacyStripeElements = StripeElements{
		Form:    "apphud-payment-form",
		Payment: "payment-element",
		Submit:  "submit",
		Error:   "error-message",
	}
)

// StripeMount describes the Payment Element to mount.
type StripeMount struct {
	PublishableKey string
	AccountID      string
	ClientSecret   string
	ElementID      string
	Appearance     *StripeAppearance
}

// StripeSetupConfirmation confirms the customer's SetupIntent.
type StripeSetupConfirmation struct {
	AccountID       string
	ClientSecret    string
	PaymentMethodID string
	ReturnURL       string
}

// StripeGateway is the Stripe side of the checkout.
type StripeGateway interface {
	Mount(ctx context.Context, m StripeMount) error
	// ConfirmSetup returns the confirmed payment method id.
	ConfirmSetup(ctx context.Context, c StripeSetupConfirmation) (string, error)
	ConfirmPayment(ctx context.Context, clientSecret, accountID string) error
}

const initFailedMessage = "Failed to initialize payment form. Please try again."

// StripeForm collects a payment method through a SetupIntent, then creates
// the subscription and confirms its first payment when required.
type StripeForm struct {
	flow

	mu       sync.Mutex
	elements StripeElements
	customer *api.CustomerSetup
	req      Request
}

func newStripeForm(deps Deps) *StripeForm {
	return &StripeForm{flow: newFlow(deps, catalog.ProviderStripe)}
}

// Show prepares the form: it creates the provider customer and mounts the
// Payment Element. The form is ready for Submit once Show returns nil.
func (f *StripeForm) Show(ctx context.Context, req Request) error {
	f.emit(lifecycle.PaymentFormInitialized, FormInitialized{Selector: "#" + CurrentStripeElements.Form})

	elements, err := f.detectElements()
	if err != nil {
		f.logger.Error("stripe form is missing elements", "error", err)
		return err
	}
	f.button.reset(req.Options.ReadyLabel)
	f.setButton(ButtonLoading)

	f.mu.Lock()
	f.elements = elements
	f.req = req
	f.customer = nil
	f.mu.Unlock()

	methods := req.Options.StripePaymentMethods
	if len(methods) == 0 {
		methods = DefaultStripePaymentMethods
	}
	f.logger.Debug("create stripe customer", "user_id", f.deps.User.ID)
	customer, err := f.deps.Backend.CreateCustomer(ctx, f.deps.Provider.ID, api.CustomerParams{
		UserID:         f.deps.User.ID,
		PaymentMethods: methods,
	})
	if err != nil {
		f.fail(err, elements.Error, initFailedMessage)
		return fmt.Errorf("create stripe customer: %w", err)
	}

	err = f.deps.Stripe.Mount(ctx, StripeMount{
		PublishableKey: f.deps.Config.StripeKey(),
		AccountID:      f.deps.Provider.Identifier,
		ClientSecret:   customer.ClientSecret,
		ElementID:      elements.Payment,
		Appearance:     req.Options.StripeAppearance,
	})
	if err != nil {
		f.fail(err, elements.Error, initFailedMessage)
		return fmt.Errorf("mount stripe elements: %w", err)
	}

	f.mu.Lock()
	f.customer = &customer
	f.mu.Unlock()

	f.setButton(ButtonReady)
	f.emit(lifecycle.PaymentFormReady, nil)
	return nil
}

func (f *StripeForm) detectElements() (StripeElements, error) {
	elements := CurrentStripeElements
	if f.deps.Surface == nil || !f.deps.Surface.HasElement(elements.Form) {
		elements = LegacyStripeElements
	}
	if f.deps.Surface == nil {
		return elements, fmt.Errorf("%w: no surface", ErrMissingElement)
	}
	if !f.deps.Surface.HasElement(elements.Submit) {
		return elements, fmt.Errorf("%w: submit button #%s", ErrMissingElement, elements.Submit)
	}
	if !f.deps.Surface.HasElement(elements.Form) {
		return elements, fmt.Errorf("%w: form #%s", ErrMissingElement, elements.Form)
	}
	return elements, nil
}

// Submit confirms the setup, creates the subscription and confirms the first
// payment if the backend asks for it.
func (f *StripeForm) Submit(ctx context.Context, sub Submission) error {
	f.mu.Lock()
	customer, req, elements := f.customer, f.req, f.elements
	f.mu.Unlock()
	if customer == nil {
		return ErrNotReady
	}
	if err := f.button.begin(); err != nil {
		return err
	}

	returnURL := sub.ReturnURL
	if returnURL == "" {
		returnURL = req.Options.SuccessURL
	}
	paymentMethodID, err := f.deps.Stripe.ConfirmSetup(ctx, StripeSetupConfirmation{
		AccountID:       f.deps.Provider.Identifier,
		ClientSecret:    customer.ClientSecret,
		PaymentMethodID: sub.PaymentMethodID,
		ReturnURL:       ensureHTTPS(returnURL),
	})
	if err != nil {
		f.fail(err, elements.Error, "")
		return fmt.Errorf("confirm setup: %w", err)
	}

	params := api.SubscriptionParams{
		UserID:          f.deps.User.ID,
		ProductID:       req.ProductID,
		PaywallID:       req.PaywallID,
		PlacementID:     req.PlacementID,
		CustomerID:      customer.ID,
		PaymentMethodID: paymentMethodID,
		TrialPeriodDays: req.Subscription.TrialDays,
		DiscountID:      req.Subscription.CouponID,
	}
	f.logger.Debug("create subscription", "product_id", params.ProductID, "customer_id", params.CustomerID)
	subscription, err := f.deps.Backend.CreateSubscription(ctx, f.deps.Provider.ID, params)
	if err != nil {
		f.fail(err, elements.Error, "")
		return fmt.Errorf("create subscription: %w", err)
	}

	if subscription.ClientSecret != "" {
		if err := f.deps.Stripe.ConfirmPayment(ctx, subscription.ClientSecret, f.deps.Provider.Identifier); err != nil {
			f.fail(err, elements.Error, "")
			return fmt.Errorf("confirm payment: %w", err)
		}
	}

	f.succeed(ctx, subscription, req.Options)
	return nil
}

var schemeRe = regexp.MustCompile(`(?i)^https?://`)

func ensureHTTPS(u string) string {
	if u == "" || schemeRe.MatchString(u) {
		return u
	}
	return "https://" + u
}

// ErrPaymentRequiresAction is returned when a payment still needs the buyer,
// typically for 3-D Secure.
var ErrPaymentRequiresAction = errors.New("payment requires additional action")
