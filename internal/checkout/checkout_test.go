package checkout

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/config"
	"example.com/paywall-go/internal/lifecycle"
	"example.com/paywall-go/internal/logging"
	"example.com/paywall-go/internal/storage"
)

type fakeSurface struct {
	mu        sync.Mutex
	elements  map[string]bool
	states    []ButtonState
	labels    []string
	errors    map[string]string
	navigated []string
}

func newSurface(ids ...string) *fakeSurface {
	s := &fakeSurface{elements: map[string]bool{}, errors: map[string]string{}}
	for _, id := range ids {
		s.elements[id] = true
	}
	return s
}

func (s *fakeSurface) HasElement(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elements[id]
}

func (s *fakeSurface) SetButtonState(state ButtonState, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	s.labels = append(s.labels, label)
}

func (s *fakeSurface) ShowError(elementID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[elementID] = message
}

func (s *fakeSurface) Navigate(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, url)
}

type fakeBackend struct {
	mu            sync.Mutex
	subscription  api.Subscription
	subErr        error
	customer      api.CustomerSetup
	customerErr   error
	subscriptions []api.SubscriptionParams
	customers     []api.CustomerParams
}

func (b *fakeBackend) CreateCustomer(_ context.Context, _ string, params api.CustomerParams) (api.CustomerSetup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.customers = append(b.customers, params)
	return b.customer, b.customerErr
}

func (b *fakeBackend) CreateSubscription(_ context.Context, _ string, params api.SubscriptionParams) (api.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = append(b.subscriptions, params)
	return b.subscription, b.subErr
}

type fakeStripe struct {
	mountErr   error
	confirmErr error
	paymentErr error
	mounted    []StripeMount
	confirmed  []StripeSetupConfirmation
	payments   []string
}

func (s *fakeStripe) Mount(_ context.Context, m StripeMount) error {
	s.mounted = append(s.mounted, m)
	return s.mountErr
}

func (s *fakeStripe) ConfirmSetup(_ context.Context, c StripeSetupConfirmation) (string, error) {
	s.confirmed = append(s.confirmed, c)
	if s.confirmErr != nil {
		return "", s.confirmErr
	}
	return "pm_confirmed", nil
}

func (s *fakeStripe) ConfirmPayment(_ context.Context, clientSecret, _ string) error {
	s.payments = append(s.payments, clientSecret)
	return s.paymentErr
}

type fakePaddle struct {
	openErr error
	opened  []PaddleCheckout
	events  []PaddleEvent
}

func (p *fakePaddle) Open(ctx context.Context, checkout PaddleCheckout, onEvent PaddleEventHandler) error {
	p.opened = append(p.opened, checkout)
	if p.openErr != nil {
		return p.openErr
	}
	for _, ev := range p.events {
		onEvent(ctx, ev)
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	names  []lifecycle.Name
	events []lifecycle.Event
}

func (r *recorder) Emit(name lifecycle.Name, ev lifecycle.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.events = append(r.events, ev)
}

func (r *recorder) seen() []lifecycle.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lifecycle.Name(nil), r.names...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.APIKey = "key"
	cfg.RedirectDelay = 0
	cfg.StripeTestKey = "pk_test"
	cfg.StripeLiveKey = "pk_live"
	return cfg
}

func stripeDeps(surface Surface, backend Backend, gw StripeGateway, rec lifecycle.Emitter) Deps {
	return Deps{
		User:     catalog.User{ID: "user-1"},
		Provider: catalog.PaymentProvider{ID: "prov-stripe", Kind: catalog.ProviderStripe, Identifier: "acct_1"},
		Backend:  backend,
		Store:    storage.NewMemory(),
		Surface:  surface,
		Emitter:  rec,
		Stripe:   gw,
		Config:   testConfig(),
		Logger:   logging.Discard(),
	}
}

func stripeRequest() Request {
	return Request{
		ProductID:    "price_1",
		PaywallID:    "pw-1",
		PlacementID:  "main",
		Subscription: catalog.SubscriptionOptions{TrialDays: 7, CouponID: "coupon_1"},
	}
}

func TestNewRejectsUnsupportedProvider(t *testing.T) {
	_, err := New(Deps{Provider: catalog.PaymentProvider{Kind: "braintree"}})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	_, err = New(Deps{Provider: catalog.PaymentProvider{Kind: catalog.ProviderStripe}})
	if !errors.Is(err, ErrMissingGateway) {
		t.Fatalf("expected ErrMissingGateway, got %v", err)
	}
}

func TestButtonTransitions(t *testing.T) {
	surface := newSurface()
	b := NewButton(surface, "Buy now")

	if err := b.Set(ButtonLoading); err != nil {
		t.Fatalf("idle -> loading: %v", err)
	}
	if err := b.Set(ButtonProcessing); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("loading -> processing should fail, got %v", err)
	}
	if err := b.Set(ButtonReady); err != nil {
		t.Fatalf("loading -> ready: %v", err)
	}
	if err := b.Set(ButtonReady); err != nil {
		t.Fatalf("ready -> ready should be a no-op: %v", err)
	}
	if err := b.Set(ButtonLoading); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ready -> loading should fail, got %v", err)
	}
	if err := b.begin(); err != nil {
		t.Fatalf("begin from ready: %v", err)
	}
	if err := b.begin(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("second begin should fail, got %v", err)
	}
	if err := b.Set(ButtonReady); err != nil {
		t.Fatalf("processing -> ready: %v", err)
	}

	want := []ButtonState{ButtonLoading, ButtonReady, ButtonProcessing, ButtonReady}
	if !reflect.DeepEqual(surface.states, want) {
		t.Fatalf("states = %v, want %v", surface.states, want)
	}
	if surface.labels[1] != "Buy now" || surface.labels[2] != DefaultProcessingLabel {
		t.Fatalf("unexpected labels %q", surface.labels)
	}
}

func TestStripeShowAndSubmit(t *testing.T) {
	ctx := context.Background()
	surface := newSurface(CurrentStripeElements.Form, CurrentStripeElements.Submit)
	backend := &fakeBackend{
		customer:     api.CustomerSetup{ID: "cus_1", ClientSecret: "seti_1_secret_x"},
		subscription: api.Subscription{ID: "sub_1", ClientSecret: "pi_1_secret_y", DeepLink: "abc"},
	}
	gw := &fakeStripe{}
	rec := &recorder{}
	deps := stripeDeps(surface, backend, gw, rec)

	form, err := New(deps)
	if err != nil {
		t.Fatalf("new form: %v", err)
	}
	if err := form.Show(ctx, stripeRequest()); err != nil {
		t.Fatalf("show: %v", err)
	}
	if form.State() != ButtonReady {
		t.Fatalf("state after show = %q", form.State())
	}
	if len(gw.mounted) != 1 || gw.mounted[0].PublishableKey != "pk_live" || gw.mounted[0].ElementID != CurrentStripeElements.Payment {
		t.Fatalf("unexpected mount %+v", gw.mounted)
	}
	if got := backend.customers[0].PaymentMethods; !reflect.DeepEqual(got, DefaultStripePaymentMethods) {
		t.Fatalf("payment methods = %v", got)
	}

	submitter := form.(Submitter)
	if err := submitter.Submit(ctx, Submission{PaymentMethodID: "pm_card", ReturnURL: "example.com/done"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gw.confirmed[0].ReturnURL != "https://example.com/done" {
		t.Fatalf("return url = %q", gw.confirmed[0].ReturnURL)
	}
	params := backend.subscriptions[0]
	if params.CustomerID != "cus_1" || params.PaymentMethodID != "pm_confirmed" || params.TrialPeriodDays != 7 || params.DiscountID != "coupon_1" {
		t.Fatalf("unexpected subscription params %+v", params)
	}
	if !reflect.DeepEqual(gw.payments, []string{"pi_1_secret_y"}) {
		t.Fatalf("payments = %v", gw.payments)
	}

	want := []lifecycle.Name{lifecycle.PaymentFormInitialized, lifecycle.PaymentFormReady, lifecycle.PaymentSuccess}
	if got := rec.seen(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if got := rec.events[0].Payload.(FormInitialized).Selector; got != "#apphud-stripe-payment-form" {
		t.Fatalf("selector = %q", got)
	}
	if !reflect.DeepEqual(surface.navigated, []string{"https://web2wave.app/success/abc"}) {
		t.Fatalf("navigated = %v", surface.navigated)
	}
	link, err := deps.Store.Get(ctx, storage.DeepLinkKey)
	if err != nil || link != "abc" {
		t.Fatalf("deep link = %q, %v", link, err)
	}
}

func TestStripeFallsBackToLegacyElements(t *testing.T) {
	surface := newSurface(LegacyStripeElements.Form, LegacyStripeElements.Submit)
	backend := &fakeBackend{customer: api.CustomerSetup{ID: "cus_1", ClientSecret: "seti_1_secret_x"}}
	gw := &fakeStripe{}
	form, err := New(stripeDeps(surface, backend, gw, &recorder{}))
	if err != nil {
		t.Fatalf("new form: %v", err)
	}
	if err := form.Show(context.Background(), stripeRequest()); err != nil {
		t.Fatalf("show: %v", err)
	}
	if gw.mounted[0].ElementID != LegacyStripeElements.Payment {
		t.Fatalf("mounted into %q", gw.mounted[0].ElementID)
	}
}

func TestStripeMissingElements(t *testing.T) {
	surface := newSurface(CurrentStripeElements.Form)
	backend := &fakeBackend{}
	rec := &recorder{}
	form, err := New(stripeDeps(surface, backend, &fakeStripe{}, rec))
	if err != nil {
		t.Fatalf("new form: %v", err)
	}
	err = form.Show(context.Background(), stripeRequest())
	if !errors.Is(err, ErrMissingElement) {
		t.Fatalf("expected ErrMissingElement, got %v", err)
	}
	if len(backend.customers) != 0 {
		t.Fatalf("customer should not be created without elements")
	}
	if got := rec.seen(); !reflect.DeepEqual(got, []lifecycle.Name{lifecycle.PaymentFormInitialized}) {
		t.Fatalf("events = %v", got)
	}
}

func TestStripeInitFailureShowsMessage(t *testing.T) {
	surface := newSurface(CurrentStripeElements.Form, CurrentStripeElements.Submit)
	backend := &fakeBackend{customerErr: errors.New("boom")}
	rec := &recorder{}
	form, _ := New(stripeDeps(surface, backend, &fakeStripe{}, rec))

	if err := form.Show(context.Background(), stripeRequest()); err == nil {
		t.Fatalf("expected show to fail")
	}
	if surface.errors[CurrentStripeElements.Error] != initFailedMessage {
		t.Fatalf("error message = %q", surface.errors[CurrentStripeElements.Error])
	}
	if form.State() != ButtonReady {
		t.Fatalf("state = %q, want ready", form.State())
	}
	got := rec.seen()
	if got[len(got)-1] != lifecycle.PaymentFailure {
		t.Fatalf("events = %v", got)
	}
}

func TestStripeSubmitFailureKeepsPage(t *testing.T) {
	ctx := context.Background()
	surface := newSurface(CurrentStripeElements.Form, CurrentStripeElements.Submit)
	backend := &fakeBackend{customer: api.CustomerSetup{ID: "cus_1", ClientSecret: "seti_1_secret_x"}}
	gw := &fakeStripe{confirmErr: errors.New("card declined")}
	rec := &recorder{}
	form, _ := New(stripeDeps(surface, backend, gw, rec))

	if err := form.(Submitter).Submit(ctx, Submission{}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("submit before show should fail with ErrNotReady, got %v", err)
	}
	if err := form.Show(ctx, stripeRequest()); err != nil {
		t.Fatalf("show: %v", err)
	}
	if err := form.(Submitter).Submit(ctx, Submission{PaymentMethodID: "pm"}); err == nil {
		t.Fatalf("expected submit to fail")
	}
	if len(surface.navigated) != 0 {
		t.Fatalf("failure must not navigate: %v", surface.navigated)
	}
	if surface.errors[CurrentStripeElements.Error] != "card declined" {
		t.Fatalf("error = %q", surface.errors[CurrentStripeElements.Error])
	}
	if form.State() != ButtonReady {
		t.Fatalf("state = %q", form.State())
	}
	if len(backend.subscriptions) != 0 {
		t.Fatalf("subscription created after failed setup")
	}
}

func paddleDeps(surface Surface, backend Backend, gw PaddleGateway, rec lifecycle.Emitter) Deps {
	return Deps{
		User:     catalog.User{ID: "user-1", Locale: "de"},
		Provider: catalog.PaymentProvider{ID: "prov-paddle", Kind: catalog.ProviderPaddle, Token: "live_token"},
		Backend:  backend,
		Store:    storage.NewMemory(),
		Surface:  surface,
		Emitter:  rec,
		Paddle:   gw,
		Config:   testConfig(),
		Logger:   logging.Discard(),
	}
}

func TestPaddleCheckoutCompleted(t *testing.T) {
	ctx := context.Background()
	surface := newSurface()
	backend := &fakeBackend{subscription: api.Subscription{ID: "txn_1", DeepLink: "link"}}
	gw := &fakePaddle{events: []PaddleEvent{{Name: PaddleCheckoutLoaded}, {Name: PaddleCheckoutCompleted}}}
	rec := &recorder{}
	form, err := New(paddleDeps(surface, backend, gw, rec))
	if err != nil {
		t.Fatalf("new form: %v", err)
	}

	req := Request{
		ProductID:    "pri_1",
		Options:      Options{ID: "paddle-frame", SuccessURL: "https://example.com/thanks"},
		Subscription: catalog.SubscriptionOptions{DiscountID: "dsc_1"},
	}
	if err := form.Show(ctx, req); err != nil {
		t.Fatalf("show: %v", err)
	}

	opened := gw.opened[0]
	if opened.TransactionID != "txn_1" || len(opened.Items) != 0 {
		t.Fatalf("checkout should use the transaction: %+v", opened)
	}
	if opened.Environment != "production" || opened.Locale != "de" || opened.DisplayMode != "overlay" || opened.Theme != "light" {
		t.Fatalf("unexpected defaults %+v", opened)
	}
	if opened.CustomData["paywall_id"] != "unknown" || opened.CustomData["apphud_client_id"] != "user-1" {
		t.Fatalf("custom data = %v", opened.CustomData)
	}
	if backend.subscriptions[0].DiscountID != "dsc_1" {
		t.Fatalf("discount not forwarded: %+v", backend.subscriptions[0])
	}

	want := []lifecycle.Name{lifecycle.PaymentFormInitialized, lifecycle.PaymentFormReady, lifecycle.PaymentSuccess}
	if got := rec.seen(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(surface.navigated, []string{"https://example.com/thanks"}) {
		t.Fatalf("navigated = %v", surface.navigated)
	}
}

func TestPaddleCheckoutError(t *testing.T) {
	var callbackMessage string
	backend := &fakeBackend{subscription: api.Subscription{ID: "txn_1"}}
	gw := &fakePaddle{events: []PaddleEvent{{Name: PaddleCheckoutError, Data: "declined"}}}
	rec := &recorder{}
	form, _ := New(paddleDeps(newSurface(), backend, gw, rec))

	req := Request{
		ProductID: "pri_1",
		Options: Options{ID: "frame", PaddleSettings: PaddleSettings{
			ErrorCallback: func(message string) { callbackMessage = message },
		}},
	}
	if err := form.Show(context.Background(), req); err != nil {
		t.Fatalf("show: %v", err)
	}
	if callbackMessage != "declined" {
		t.Fatalf("callback message = %q", callbackMessage)
	}
	got := rec.seen()
	if got[1] != lifecycle.PaymentFailure {
		t.Fatalf("events = %v", got)
	}
	if form.State() != ButtonReady {
		t.Fatalf("state = %q", form.State())
	}
}

func TestPaddleOpenFailureSkipsReady(t *testing.T) {
	openErr := errors.New("paddle.js not loaded")
	var callbackMessage string
	surface := newSurface("frame")
	gw := &fakePaddle{openErr: openErr}
	rec := &recorder{}
	form, _ := New(paddleDeps(surface, &fakeBackend{subscription: api.Subscription{ID: "txn_1"}}, gw, rec))

	err := form.Show(context.Background(), Request{
		ProductID: "pri_1",
		Options: Options{ID: "frame", PaddleSettings: PaddleSettings{
			ErrorCallback: func(message string) { callbackMessage = message },
		}},
	})
	if !errors.Is(err, openErr) {
		t.Fatalf("expected open error, got %v", err)
	}
	want := []lifecycle.Name{lifecycle.PaymentFormInitialized, lifecycle.PaymentFailure}
	if got := rec.seen(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if surface.errors["frame"] == "" {
		t.Fatalf("no inline error shown")
	}
	if callbackMessage == "" {
		t.Fatalf("error callback not called")
	}
	if form.State() != ButtonReady {
		t.Fatalf("state = %q", form.State())
	}
}

func TestPaddleSubscriptionFailure(t *testing.T) {
	backend := &fakeBackend{subErr: api.ErrMissingSubscriptionID}
	gw := &fakePaddle{}
	rec := &recorder{}
	form, _ := New(paddleDeps(newSurface(), backend, gw, rec))

	err := form.Show(context.Background(), Request{ProductID: "pri_1", Options: Options{ID: "frame"}})
	if !errors.Is(err, api.ErrMissingSubscriptionID) {
		t.Fatalf("expected ErrMissingSubscriptionID, got %v", err)
	}
	if len(gw.opened) != 0 {
		t.Fatalf("checkout should not open")
	}
	if got := rec.seen(); !reflect.DeepEqual(got, []lifecycle.Name{lifecycle.PaymentFailure}) {
		t.Fatalf("events = %v", got)
	}
}

func TestPaddleWithoutTransactionUsesItems(t *testing.T) {
	backend := &fakeBackend{}
	gw := &fakePaddle{}
	deps := paddleDeps(newSurface(), backend, gw, &recorder{})
	deps.User.IsSandbox = true
	form, _ := New(deps)
	if err := form.Show(context.Background(), Request{ProductID: "pri_9", Options: Options{ID: "frame"}}); err != nil {
		t.Fatalf("show: %v", err)
	}
	opened := gw.opened[0]
	if opened.Environment != "sandbox" {
		t.Fatalf("environment = %q", opened.Environment)
	}
	if !reflect.DeepEqual(opened.Items, []PaddleItem{{PriceID: "pri_9", Quantity: 1}}) {
		t.Fatalf("items = %+v", opened.Items)
	}
}

func TestSuccessURL(t *testing.T) {
	cases := []struct {
		success, base, link, want string
	}{
		{"https://example.com/ok", "https://web2wave.app/success", "x", "https://example.com/ok"},
		{"", "https://web2wave.app/success/", "abc", "https://web2wave.app/success/abc"},
		{"undefined", "https://web2wave.app/success", "abc", "https://web2wave.app/success/abc"},
	}
	for _, c := range cases {
		if got := SuccessURL(c.success, c.base, c.link); got != c.want {
			t.Fatalf("SuccessURL(%q, %q, %q) = %q, want %q", c.success, c.base, c.link, got, c.want)
		}
	}
}

func TestIntentID(t *testing.T) {
	id, err := IntentID("seti_123_secret_abc")
	if err != nil || id != "seti_123" {
		t.Fatalf("IntentID = %q, %v", id, err)
	}
	if _, err := IntentID("garbage"); err == nil {
		t.Fatalf("expected malformed secret to fail")
	}
}
