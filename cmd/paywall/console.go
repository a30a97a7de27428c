package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"example.com/paywall-go/internal/checkout"
)

// consoleSurface renders the checkout page as lines on the terminal. Every
// element is present.
type consoleSurface struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleSurface(out io.Writer) *consoleSurface {
	return &consoleSurface{out: out}
}

func (s *consoleSurface) HasElement(string) bool { return true }

func (s *consoleSurface) SetButtonState(state checkout.ButtonState, label string) {
	s.printf("button: %s %q\n", valueOrDefault(string(state), "idle"), label)
}

func (s *consoleSurface) ShowError(elementID, message string) {
	s.printf("error #%s: %s\n", elementID, message)
}

func (s *consoleSurface) Navigate(url string) {
	s.printf("redirect: %s\n", url)
}

func (s *consoleSurface) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// consoleStripe accepts every intent without talking to Stripe.
type consoleStripe struct {
	out io.Writer
}

func (c consoleStripe) Mount(_ context.Context, m checkout.StripeMount) error {
	fmt.Fprintf(c.out, "stripe: mounted #%s (account %s)\n", m.ElementID, valueOrDefault(m.AccountID, "-"))
	return nil
}

func (c consoleStripe) ConfirmSetup(_ context.Context, conf checkout.StripeSetupConfirmation) (string, error) {
	fmt.Fprintf(c.out, "stripe: setup confirmed with %s\n", conf.PaymentMethodID)
	return valueOrDefault(conf.PaymentMethodID, "pm_card_visa"), nil
}

func (c consoleStripe) ConfirmPayment(_ context.Context, clientSecret, _ string) error {
	id, err := checkout.IntentID(clientSecret)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "stripe: payment %s confirmed\n", id)
	return nil
}

// consolePaddle prints the checkout settings and replays a loaded event,
// followed by a completed one when complete is set.
type consolePaddle struct {
	out      io.Writer
	complete bool
}

func (p *consolePaddle) Open(ctx context.Context, c checkout.PaddleCheckout, onEvent checkout.PaddleEventHandler) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode paddle checkout: %w", err)
	}
	fmt.Fprintf(p.out, "paddle checkout:\n%s\n", raw)
	onEvent(ctx, checkout.PaddleEvent{Name: checkout.PaddleCheckoutLoaded})
	if p.complete {
		onEvent(ctx, checkout.PaddleEvent{Name: checkout.PaddleCheckoutCompleted})
	}
	return nil
}

func valueOrDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
