package paywall_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/checkout"
	"example.com/paywall-go/internal/config"
	"example.com/paywall-go/internal/identity"
	"example.com/paywall-go/internal/lifecycle"
	"example.com/paywall-go/internal/logging"
	"example.com/paywall-go/internal/selection"
	"example.com/paywall-go/internal/storage"
	"example.com/paywall-go/internal/variables"
	"example.com/paywall-go/pkg/paywall"
)

var (
	stripeProvider = catalog.PaymentProvider{ID: "pp-stripe", Kind: catalog.ProviderStripe, Identifier: "acct_1"}
	paddleProvider = catalog.PaymentProvider{ID: "pp-paddle", Kind: catalog.ProviderPaddle, Identifier: "vendor_1", Token: "test_token"}
)

func testPlacements() catalog.Placements {
	return catalog.Placements{{
		ID:         "pl-main",
		Identifier: "main",
		Paywalls: []catalog.Paywall{{
			ID: "pw-main",
			Items: []catalog.Bundle{
				{
					ID:                "b-both",
					Properties:        catalog.Properties{"en": {"new-price": "$4.99", "period": "month"}},
					IntroductoryOffer: &catalog.IntroductoryOffer{TrialDays: 3, DiscountID: "dsc_1"},
					Products: []catalog.Product{
						{ID: "p-s", Store: catalog.ProviderStripe, PaymentProviderID: "pp-stripe", BasePlanID: "price_123"},
						{ID: "p-p", Store: catalog.ProviderPaddle, PaymentProviderID: "pp-paddle", BasePlanID: "pri_456"},
					},
				},
				{
					ID:         "b-stripe",
					Properties: catalog.Properties{"en": {"new-price": "$49.99"}},
					Products: []catalog.Product{
						{ID: "p-s2", Store: catalog.ProviderStripe, PaymentProviderID: "pp-stripe", BasePlanID: "price_789"},
					},
				},
				{
					ID:         "b-paddle",
					Properties: catalog.Properties{"en": {"new-price": "$59.99"}},
					Products: []catalog.Product{
						{ID: "p-p2", Store: catalog.ProviderPaddle, PaymentProviderID: "pp-paddle", BasePlanID: "pri_789"},
					},
				},
			},
		}},
	}}
}

type fakeBackend struct {
	mu           sync.Mutex
	providers    []catalog.PaymentProvider
	userErr      error
	users        []api.CustomerData
	events       []api.EventData
	attributions []api.AttributionData
	subs         []api.SubscriptionParams
}

func newBackend(providers ...catalog.PaymentProvider) *fakeBackend {
	return &fakeBackend{providers: providers}
}

func (b *fakeBackend) CreateUser(_ context.Context, data api.CustomerData) (catalog.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = append(b.users, data)
	if b.userErr != nil {
		return catalog.User{}, b.userErr
	}
	return catalog.User{
		ID:               data.UserID,
		Email:            data.Email,
		PaymentProviders: append([]catalog.PaymentProvider(nil), b.providers...),
		Placements:       testPlacements(),
	}, nil
}

func (b *fakeBackend) CreateEvent(_ context.Context, payload api.EventsPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, payload.Events...)
	return nil
}

func (b *fakeBackend) SetAttribution(_ context.Context, _ string, data api.AttributionData) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attributions = append(b.attributions, data)
	return nil
}

func (b *fakeBackend) CreateCustomer(context.Context, string, api.CustomerParams) (api.CustomerSetup, error) {
	return api.CustomerSetup{ID: "cus_1", ClientSecret: "seti_1_secret_x"}, nil
}

func (b *fakeBackend) CreateSubscription(_ context.Context, _ string, params api.SubscriptionParams) (api.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, params)
	return api.Subscription{ID: "txn_1", DeepLink: "link"}, nil
}

func (b *fakeBackend) eventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Name)
	}
	return out
}

type fakePaddle struct {
	mu     sync.Mutex
	opened []checkout.PaddleCheckout
}

func (p *fakePaddle) Open(ctx context.Context, c checkout.PaddleCheckout, onEvent checkout.PaddleEventHandler) error {
	p.mu.Lock()
	p.opened = append(p.opened, c)
	p.mu.Unlock()
	onEvent(ctx, checkout.PaddleEvent{Name: checkout.PaddleCheckoutLoaded})
	return nil
}

type nopSurface struct{}

func (nopSurface) HasElement(string) bool                      { return true }
func (nopSurface) SetButtonState(checkout.ButtonState, string) {}
func (nopSurface) ShowError(string, string)                    {}
func (nopSurface) Navigate(string)                             {}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.APIKey = "test-key"
	cfg.EventSendDelay = 0
	cfg.RedirectDelay = 0
	cfg.HashSalt = "salt"
	return cfg
}

const iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1"

func newSDK(t *testing.T, store storage.Store, backend *fakeBackend) *paywall.SDK {
	t.Helper()
	sdk := paywall.New(testConfig(), paywall.Deps{
		Store:   store,
		Backend: backend,
		Logger:  logging.Discard(),
		Surface: nopSurface{},
		Paddle:  &fakePaddle{},
		Page:    identity.Page{URL: "https://example.com/pay?utm_source=ads", UserAgent: iphoneUA},
	})
	t.Cleanup(sdk.Close)
	return sdk
}

func TestTrackBeforeInitIsReplayedInOrder(t *testing.T) {
	backend := newBackend(stripeProvider, paddleProvider)
	sdk := newSDK(t, storage.NewMemory(), backend)

	for _, name := range []string{"first", "second", "third"} {
		if !sdk.Track(name, nil, nil) {
			t.Fatalf("track %s rejected", name)
		}
	}
	if len(backend.eventNames()) != 0 {
		t.Fatalf("events sent before init")
	}
	if err := sdk.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	sdk.Close()

	if got := backend.eventNames(); !reflect.DeepEqual(got, []string{"first", "second", "third"}) {
		t.Fatalf("events = %v", got)
	}
	uid, _ := sdk.UserID(context.Background())
	for _, ev := range backend.events {
		if ev.UserID != uid || ev.DeviceID != uid {
			t.Fatalf("event %s bound to %q/%q, want %q", ev.Name, ev.UserID, ev.DeviceID, uid)
		}
	}
	if len(sdk.QueuedEvents()) != 0 {
		t.Fatalf("queue not drained: %v", sdk.QueuedEvents())
	}
}

func TestInitTwice(t *testing.T) {
	sdk := newSDK(t, storage.NewMemory(), newBackend(stripeProvider))
	ctx := context.Background()
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := sdk.Init(ctx); !errors.Is(err, paywall.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if sdk.State() != paywall.StateReady {
		t.Fatalf("state = %s", sdk.State())
	}
}

func TestInitRejectsMissingKey(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = ""
	sdk := paywall.New(cfg, paywall.Deps{Backend: newBackend(), Logger: logging.Discard()})
	t.Cleanup(sdk.Close)
	if err := sdk.Init(context.Background()); !errors.Is(err, config.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if sdk.State() != paywall.StateUninitialized {
		t.Fatalf("state = %s", sdk.State())
	}
}

func TestInitSendsUserAndAttribution(t *testing.T) {
	backend := newBackend(stripeProvider)
	sdk := newSDK(t, storage.NewMemory(), backend)
	var ready int
	sdk.On(lifecycle.Ready, func(lifecycle.Event) { ready++ })

	if err := sdk.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	sdk.Wait()

	if ready != 1 {
		t.Fatalf("ready emitted %d times", ready)
	}
	data := backend.users[0]
	if data.Platform != "web2web" || data.PageURL != "https://example.com/pay" || !data.NeedPlacements || data.OSVersion == "" {
		t.Fatalf("unexpected customer data %+v", data)
	}
	if data.UserID == "" || data.UserID != data.DeviceID {
		t.Fatalf("user and device id differ: %+v", data)
	}
	if len(backend.attributions) != 1 {
		t.Fatalf("attributions = %v", backend.attributions)
	}
	page, ok := backend.attributions[0]["apphud_attribution_data"].(map[string]any)
	if !ok || page["utm_source"] != "ads" {
		t.Fatalf("attribution data = %v", backend.attributions[0])
	}
	if data.DeviceType == "" || data.DeviceFamily != data.DeviceType {
		t.Fatalf("device = %q/%q", data.DeviceType, data.DeviceFamily)
	}
}

func TestSelectionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	first := newSDK(t, store, newBackend(stripeProvider, paddleProvider))
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SelectPlacementProduct(ctx, "main", 2); err != nil {
		t.Fatalf("select: %v", err)
	}
	first.Close()

	second := newSDK(t, store, newBackend(stripeProvider, paddleProvider))
	if err := second.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := second.CurrentBundle(); got == nil || got.ID != "b-paddle" {
		t.Fatalf("bundle = %+v", got)
	}
	a, _ := first.UserID(ctx)
	b, _ := second.UserID(ctx)
	if a != b {
		t.Fatalf("user id changed across instances: %q vs %q", a, b)
	}
}

func TestSelectBeforeInitIsDeferred(t *testing.T) {
	ctx := context.Background()
	sdk := newSDK(t, storage.NewMemory(), newBackend(stripeProvider, paddleProvider))
	if err := sdk.SelectPlacementProduct(ctx, "main", 1); err != nil {
		t.Fatalf("deferred select: %v", err)
	}
	if sdk.CurrentBundle() != nil {
		t.Fatalf("selection applied before init")
	}
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := sdk.CurrentBundle(); got == nil || got.ID != "b-stripe" {
		t.Fatalf("bundle = %+v", got)
	}
}

func TestPaddleOnlyUserCannotSelectStripeBundle(t *testing.T) {
	ctx := context.Background()
	sdk := newSDK(t, storage.NewMemory(), newBackend(paddleProvider))
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := sdk.CurrentProvider(); got == nil || got.Kind != catalog.ProviderPaddle {
		t.Fatalf("provider = %+v", got)
	}
	err := sdk.SelectPlacementProduct(ctx, "main", 1)
	if !errors.Is(err, selection.ErrNoCompatibleProvider) {
		t.Fatalf("expected ErrNoCompatibleProvider, got %v", err)
	}
	if got := sdk.CurrentBundle(); got.ID != "b-both" {
		t.Fatalf("selection changed to %s", got.ID)
	}
}

func TestPaymentFormPrefersRequestedProvider(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(stripeProvider, paddleProvider)
	sdk := newSDK(t, storage.NewMemory(), backend)
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := sdk.CurrentProvider(); got.Kind != catalog.ProviderStripe {
		t.Fatalf("default provider = %s", got.Kind)
	}

	var readies []catalog.ProviderKind
	sdk.On(lifecycle.PaymentFormReady, func(ev lifecycle.Event) { readies = append(readies, ev.Provider) })

	err := sdk.PaymentForm(ctx, paywall.Options{PaymentProvider: catalog.ProviderPaddle, ID: "paddle-form"}, "")
	if err != nil {
		t.Fatalf("payment form: %v", err)
	}
	if got := sdk.CurrentProvider(); got.Kind != catalog.ProviderPaddle {
		t.Fatalf("provider after preference = %s", got.Kind)
	}
	if len(backend.subs) != 1 || backend.subs[0].ProductID != "pri_456" || backend.subs[0].DiscountID != "dsc_1" {
		t.Fatalf("subscriptions = %+v", backend.subs)
	}
	if !reflect.DeepEqual(readies, []catalog.ProviderKind{catalog.ProviderPaddle}) {
		t.Fatalf("ready events = %v", readies)
	}

	sdk.Close()
	var initiated []api.EventData
	for _, ev := range backend.events {
		if ev.Name == paywall.EventPaywallCheckoutInitiated {
			initiated = append(initiated, ev)
		}
	}
	if len(initiated) != 1 || initiated[0].Properties["paywall_id"] != "pw-main" || initiated[0].Properties["placement_id"] != "pl-main" {
		t.Fatalf("checkout events = %+v", initiated)
	}
}

func TestSelectRerendersShownForms(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(stripeProvider, paddleProvider)
	gw := &fakePaddle{}
	cfg := testConfig()
	cfg.RerenderForms = true
	sdk := paywall.New(cfg, paywall.Deps{
		Store:   storage.NewMemory(),
		Backend: backend,
		Logger:  logging.Discard(),
		Surface: nopSurface{},
		Paddle:  gw,
		Page:    identity.Page{URL: "https://example.com/pay", UserAgent: iphoneUA},
	})
	t.Cleanup(sdk.Close)
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := sdk.PaymentForm(ctx, paywall.Options{PaymentProvider: catalog.ProviderPaddle, ID: "paddle-form"}, ""); err != nil {
		t.Fatalf("payment form: %v", err)
	}
	if err := sdk.SelectPlacementProduct(ctx, "main", 2); err != nil {
		t.Fatalf("select: %v", err)
	}
	sdk.Wait()

	backend.mu.Lock()
	var products []string
	for _, sub := range backend.subs {
		products = append(products, sub.ProductID)
	}
	backend.mu.Unlock()
	if !reflect.DeepEqual(products, []string{"pri_456", "pri_789"}) {
		t.Fatalf("subscriptions = %v", products)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.opened) != 2 {
		t.Fatalf("paddle opened %d times", len(gw.opened))
	}
}

func TestPaymentFormProductOverride(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(paddleProvider)
	sdk := newSDK(t, storage.NewMemory(), backend)
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := sdk.PaymentForm(ctx, paywall.Options{ID: "paddle-form"}, "pri_custom"); err != nil {
		t.Fatalf("payment form: %v", err)
	}
	if backend.subs[0].ProductID != "pri_custom" {
		t.Fatalf("product id = %q", backend.subs[0].ProductID)
	}
}

func TestSubmitWithoutForm(t *testing.T) {
	sdk := newSDK(t, storage.NewMemory(), newBackend(stripeProvider))
	if err := sdk.Submit(context.Background(), paywall.Submission{}); !errors.Is(err, paywall.ErrNoActiveForm) {
		t.Fatalf("expected ErrNoActiveForm, got %v", err)
	}
}

func TestVariablesTrackPaywallShownOnce(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(stripeProvider, paddleProvider)
	sdk := newSDK(t, storage.NewMemory(), backend)
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	page := &variables.MapPage{Names: []string{"new-price", "period", "missing"}}
	if err := sdk.OperateVariables(ctx, page); err != nil {
		t.Fatalf("operate: %v", err)
	}
	if page.Values["new-price"] != "$4.99" || page.Values["period"] != "month" {
		t.Fatalf("values = %v", page.Values)
	}
	if _, ok := page.Values["missing"]; ok {
		t.Fatalf("unresolved variable was set")
	}
	if v, ok := sdk.ResolveVariable(ctx, "main,2,new-price"); !ok || v != "$59.99" {
		t.Fatalf("explicit bundle = %q, %v", v, ok)
	}

	sdk.Close()
	shown := 0
	for _, name := range backend.eventNames() {
		if name == paywall.EventPaywallShown {
			shown++
		}
	}
	if shown != 1 {
		t.Fatalf("paywall_shown tracked %d times", shown)
	}
}

func TestSetEmailRequiresInit(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(stripeProvider)
	sdk := newSDK(t, storage.NewMemory(), backend)
	if err := sdk.SetEmail(ctx, "a@example.com"); !errors.Is(err, paywall.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := sdk.SetEmail(ctx, "a@example.com"); err != nil {
		t.Fatalf("set email: %v", err)
	}
	if got := sdk.User().Email; got != "a@example.com" {
		t.Fatalf("email = %q", got)
	}
}

func TestResetForgetsVisitor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	sdk := newSDK(t, store, newBackend(stripeProvider))
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if sdk.HashedUserID(ctx) == "" {
		t.Fatalf("hashed id empty after init")
	}
	if err := sdk.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := sdk.UserID(ctx); ok {
		t.Fatalf("user id survived reset")
	}
	if sdk.HashedUserID(ctx) != "" {
		t.Fatalf("hashed id survived reset")
	}
	if _, err := store.Get(ctx, storage.EventsKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("event queue survived reset: %v", err)
	}
}

func TestInitContinuesWhenUserCreationFails(t *testing.T) {
	backend := newBackend(stripeProvider)
	backend.userErr = errors.New("backend down")
	sdk := newSDK(t, storage.NewMemory(), backend)
	if err := sdk.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if sdk.State() != paywall.StateReady || sdk.User() != nil || sdk.CurrentBundle() != nil {
		t.Fatalf("unexpected state after failed user creation")
	}
	if err := sdk.PaymentForm(context.Background(), paywall.Options{}, ""); err == nil {
		t.Fatalf("payment form without catalog should fail")
	}
}

// flakyStore fails the first write of the visitor id.
type flakyStore struct {
	storage.Store
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	fail := key == storage.UserIDKey && !s.failed
	s.failed = s.failed || fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func TestInitRetryRestoresQueueOnce(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	raw, _ := json.Marshal([]api.EventData{{Name: "restored", InsertID: "ev-1", Timestamp: 1}})
	if err := mem.Set(ctx, storage.EventsKey, string(raw), time.Hour); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	backend := newBackend(stripeProvider)
	sdk := newSDK(t, &flakyStore{Store: mem}, backend)

	if err := sdk.Init(ctx); err == nil {
		t.Fatalf("expected first init to fail")
	}
	if sdk.State() != paywall.StateUninitialized {
		t.Fatalf("state = %v", sdk.State())
	}
	if err := sdk.Init(ctx); err != nil {
		t.Fatalf("retry init: %v", err)
	}
	sdk.Close()

	restored := 0
	for _, name := range backend.eventNames() {
		if name == "restored" {
			restored++
		}
	}
	if restored != 1 {
		t.Fatalf("restored event sent %d times", restored)
	}
}
