// Package checkout drives provider-specific payment forms from creation to a
// terminal success or failure.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/config"
	"example.com/paywall-go/internal/lifecycle"
	"example.com/paywall-go/internal/storage"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported payment provider")
	ErrMissingElement      = errors.New("required page element is missing")
	ErrMissingGateway      = errors.New("payment provider gateway is not configured")
)

// Surface is the host page the form renders into.
type Surface interface {
	HasElement(id string) bool
	SetButtonState(state ButtonState, label string)
	ShowError(elementID, message string)
	Navigate(url string)
}

// Backend creates provider-side customers and subscriptions.
type Backend interface {
	CreateCustomer(ctx context.Context, providerID string, params api.CustomerParams) (api.CustomerSetup, error)
	CreateSubscription(ctx context.Context, providerID string, params api.SubscriptionParams) (api.Subscription, error)
}

var _ Backend = (*api.Client)(nil)

// PaddleSettings customise the Paddle checkout.
type PaddleSettings struct {
	Variant               string
	FrameInitialHeight    int
	FrameStyle            string
	DisplayMode           string
	AllowedPaymentMethods []string
	Theme                 string
	ErrorCallback         func(message string)
}

// StripeAppearance is forwarded to Stripe Elements untouched.
type StripeAppearance struct {
	Theme     string
	Variables map[string]string
}

// Options come from the host's paymentForm call.
type Options struct {
	PaymentProvider      catalog.ProviderKind
	SuccessURL           string
	FailureURL           string
	ID                   string
	ReadyLabel           string
	StripeAppearance     *StripeAppearance
	StripePaymentMethods []string
	PaddleSettings       PaddleSettings
}

// DefaultStripePaymentMethods are offered when the host names none.
var DefaultStripePaymentMethods = []string{"card", "bancontact", "sepa_debit"}

// Request is one show call.
type Request struct {
	ProductID    string
	PaywallID    string
	PlacementID  string
	Options      Options
	Subscription catalog.SubscriptionOptions
}

// Submission carries what the host collected when the user pressed pay.
type Submission struct {
	PaymentMethodID string
	ReturnURL       string
}

// Form is a mounted checkout for one provider.
type Form interface {
	Kind() catalog.ProviderKind
	Show(ctx context.Context, req Request) error
	State() ButtonState
}

// Submitter is implemented by forms that take an explicit submit.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) error
}

// Payloads of the lifecycle events emitted by forms.
type (
	FormInitialized struct {
		Selector string `json:"selector"`
	}
	Success struct {
		UserID         string `json:"user_id"`
		SubscriptionID string `json:"subscription_id,omitempty"`
		DeepLink       string `json:"deep_link,omitempty"`
	}
	Failure struct {
		Error error `json:"-"`
	}
)

// Deps are the collaborators a form needs.
type Deps struct {
	User     catalog.User
	Provider catalog.PaymentProvider
	Backend  Backend
	Store    storage.Store
	Surface  Surface
	Emitter  lifecycle.Emitter
	Stripe   StripeGateway
	Paddle   PaddleGateway
	Config   config.Config
	Logger   *slog.Logger
}

// New returns the form for the provider's kind.
func New(deps Deps) (Form, error) {
	if deps.Emitter == nil {
		deps.Emitter = lifecycle.Nop
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	switch deps.Provider.Kind {
	case catalog.ProviderStripe:
		if deps.Stripe == nil {
			return nil, fmt.Errorf("new stripe form: %w", ErrMissingGateway)
		}
		return newStripeForm(deps), nil
	case catalog.ProviderPaddle:
		if deps.Paddle == nil {
			return nil, fmt.Errorf("new paddle form: %w", ErrMissingGateway)
		}
		return newPaddleForm(deps), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, deps.Provider.Kind)
	}
}

// flow holds what both provider forms share.
type flow struct {
	deps   Deps
	kind   catalog.ProviderKind
	button *Button
	logger *slog.Logger
}

func newFlow(deps Deps, kind catalog.ProviderKind) flow {
	return flow{
		deps:   deps,
		kind:   kind,
		button: NewButton(deps.Surface, ""),
		logger: deps.Logger.With("component", "checkout", "provider", string(kind)),
	}
}

func (f *flow) Kind() catalog.ProviderKind { return f.kind }

func (f *flow) State() ButtonState { return f.button.State() }

func (f *flow) emit(name lifecycle.Name, payload any) {
	f.deps.Emitter.Emit(name, lifecycle.Event{Provider: f.kind, Payload: payload})
}

func (f *flow) setButton(state ButtonState) {
	if err := f.button.Set(state); err != nil {
		f.logger.Error("set button state", "error", err)
	}
}

// fail reports a failed step: the button is usable again, the error is shown
// inline and nothing navigates.
func (f *flow) fail(err error, errorElement, message string) {
	f.logger.Error("payment failed", "error", err)
	f.setButton(ButtonReady)
	if message == "" {
		message = err.Error()
	}
	if f.deps.Surface != nil && errorElement != "" {
		f.deps.Surface.ShowError(errorElement, message)
	}
	f.emit(lifecycle.PaymentFailure, Failure{Error: err})
}

// succeed stores the deep link, announces success and, after the redirect
// delay, navigates away.
func (f *flow) succeed(ctx context.Context, sub api.Subscription, opts Options) {
	if sub.DeepLink != "" && f.deps.Store != nil {
		if err := f.deps.Store.Set(ctx, storage.DeepLinkKey, sub.DeepLink, f.deps.Config.SelectionTTL); err != nil {
			f.logger.Error("persist deep link", "error", err)
		}
	}
	f.emit(lifecycle.PaymentSuccess, Success{UserID: f.deps.User.ID, SubscriptionID: sub.ID, DeepLink: sub.DeepLink})

	target := SuccessURL(opts.SuccessURL, f.deps.Config.BaseSuccessURL, sub.DeepLink)
	if delay := f.deps.Config.RedirectDelay; delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			f.logger.Debug("redirect cancelled", "url", target)
			return
		case <-t.C:
		}
	}
	if f.deps.Surface != nil {
		f.deps.Surface.Navigate(target)
	}
}

// SuccessURL picks where to send the buyer after a purchase.
func SuccessURL(successURL, base, deepLink string) string {
	if successURL != "" && successURL != "undefined" {
		return successURL
	}
	return strings.TrimRight(base, "/") + "/" + deepLink
}
