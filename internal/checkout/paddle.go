package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/lifecycle"
)

// Paddle checkout event names.
const (
	PaddleCheckoutCompleted = "checkout.completed"
	PaddleCheckoutError     = "checkout.error"
	PaddleCheckoutLoaded    = "checkout.loaded"
)

// PaddleEvent is delivered by the Paddle checkout.
type PaddleEvent struct {
	Name string
	Data any
}

type PaddleItem struct {
	PriceID  string `json:"priceId"`
	Quantity int    `json:"quantity"`
}

// PaddleCheckout is what the overlay or inline frame is opened with. Exactly
// one of TransactionID and Items is set.
type PaddleCheckout struct {
	Environment           string            `json:"environment"`
	Token                 string            `json:"token"`
	Locale                string            `json:"locale"`
	DisplayMode           string            `json:"displayMode"`
	Theme                 string            `json:"theme"`
	Variant               string            `json:"variant,omitempty"`
	FrameTarget           string            `json:"frameTarget"`
	FrameInitialHeight    int               `json:"frameInitialHeight,omitempty"`
	FrameStyle            string            `json:"frameStyle,omitempty"`
	AllowedPaymentMethods []string          `json:"allowedPaymentMethods,omitempty"`
	CustomData            map[string]string `json:"customData"`
	CustomerID            string            `json:"customerId,omitempty"`
	TransactionID         string            `json:"transactionId,omitempty"`
	Items                 []PaddleItem      `json:"items,omitempty"`
}

// PaddleEventHandler receives checkout events.
type PaddleEventHandler func(ctx context.Context, ev PaddleEvent)

// PaddleGateway opens the Paddle checkout and reports its events to onEvent.
type PaddleGateway interface {
	Open(ctx context.Context, checkout PaddleCheckout, onEvent PaddleEventHandler) error
}

// PaddleForm creates the subscription first and then opens Paddle's hosted
// checkout on the resulting transaction.
type PaddleForm struct {
	flow

	mu           sync.Mutex
	req          Request
	subscription api.Subscription
	readySent    bool
}

func newPaddleForm(deps Deps) *PaddleForm {
	return &PaddleForm{flow: newFlow(deps, catalog.ProviderPaddle)}
}

func (f *PaddleForm) Show(ctx context.Context, req Request) error {
	params := api.SubscriptionParams{
		UserID:      f.deps.User.ID,
		ProductID:   req.ProductID,
		PaywallID:   req.PaywallID,
		PlacementID: req.PlacementID,
		DiscountID:  req.Subscription.DiscountID,
	}
	subscription, err := f.deps.Backend.CreateSubscription(ctx, f.deps.Provider.ID, params)
	if err != nil {
		f.logger.Error("failed to create subscription", "product_id", req.ProductID, "error", err)
		f.emit(lifecycle.PaymentFailure, Failure{Error: err})
		return fmt.Errorf("create subscription: %w", err)
	}

	f.mu.Lock()
	f.req = req
	f.subscription = subscription
	f.readySent = false
	f.mu.Unlock()
	f.button.reset(req.Options.ReadyLabel)

	opts := req.Options
	f.emit(lifecycle.PaymentFormInitialized, FormInitialized{Selector: "#" + opts.ID})
	if opts.ID == "" {
		err := fmt.Errorf("%w: paddle form id", ErrMissingElement)
		f.logger.Error("paddle form id is required", "error", err)
		return err
	}

	checkout := f.checkoutFor(req, subscription)
	f.setButton(ButtonProcessing)
	if err := f.deps.Paddle.Open(ctx, checkout, f.HandleEvent); err != nil {
		err = fmt.Errorf("open paddle checkout: %w", err)
		f.fail(err, opts.ID, "")
		if cb := opts.PaddleSettings.ErrorCallback; cb != nil {
			cb(err.Error())
		}
		return err
	}

	f.setButton(ButtonReady)
	f.markReady()
	return nil
}

func (f *PaddleForm) checkoutFor(req Request, subscription api.Subscription) PaddleCheckout {
	settings := req.Options.PaddleSettings
	environment := "production"
	if f.deps.Config.Debug || f.deps.User.IsSandbox {
		environment = "sandbox"
	}
	locale := f.deps.User.Locale
	if locale == "" {
		locale = "en"
	}
	displayMode := settings.DisplayMode
	if displayMode == "" {
		displayMode = "overlay"
	}
	theme := settings.Theme
	if theme == "" {
		theme = "light"
	}
	checkout := PaddleCheckout{
		Environment:           environment,
		Token:                 f.deps.Provider.Token,
		Locale:                locale,
		DisplayMode:           displayMode,
		Theme:                 theme,
		Variant:               settings.Variant,
		FrameTarget:           req.Options.ID,
		FrameInitialHeight:    settings.FrameInitialHeight,
		FrameStyle:            settings.FrameStyle,
		AllowedPaymentMethods: settings.AllowedPaymentMethods,
		CustomData: map[string]string{
			"apphud_client_id": f.deps.User.ID,
			"paywall_id":       orUnknown(req.PaywallID),
			"placement_id":     orUnknown(req.PlacementID),
		},
		CustomerID: subscription.CustomerID,
	}
	if subscription.ID != "" {
		checkout.TransactionID = subscription.ID
	} else {
		checkout.Items = []PaddleItem{{PriceID: req.ProductID, Quantity: 1}}
	}
	return checkout
}

// HandleEvent reacts to Paddle checkout events.
func (f *PaddleForm) HandleEvent(ctx context.Context, ev PaddleEvent) {
	f.mu.Lock()
	req, subscription := f.req, f.subscription
	f.mu.Unlock()

	switch ev.Name {
	case PaddleCheckoutCompleted:
		f.logger.Debug("payment completed")
		f.succeed(ctx, subscription, req.Options)
	case PaddleCheckoutError:
		message := "Payment failed"
		if s, ok := ev.Data.(string); ok && s != "" {
			message = s
		}
		f.logger.Error("payment failed", "data", ev.Data)
		f.emit(lifecycle.PaymentFailure, Failure{Error: errors.New(message)})
		f.setButton(ButtonReady)
		if cb := req.Options.PaddleSettings.ErrorCallback; cb != nil {
			cb(message)
		}
	case PaddleCheckoutLoaded:
		f.logger.Debug("checkout loaded")
		f.setButton(ButtonReady)
		f.markReady()
	default:
		f.logger.Debug("ignoring paddle event", "event", ev.Name)
	}
}

// markReady emits payment_form_ready at most once per Show.
func (f *PaddleForm) markReady() {
	f.mu.Lock()
	sent := f.readySent
	f.readySent = true
	f.mu.Unlock()
	if !sent {
		f.emit(lifecycle.PaymentFormReady, nil)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
