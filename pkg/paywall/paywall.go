// Package paywall is the public SDK. It identifies the visitor, loads the
// placement catalog, keeps the selected bundle and payment provider, tracks
// analytics events and drives the Stripe and Paddle checkouts.
//
// Mutating calls made before Init completes are queued and replayed in order
// once the SDK is ready.
package paywall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/checkout"
	"example.com/paywall-go/internal/config"
	"example.com/paywall-go/internal/gate"
	"example.com/paywall-go/internal/identity"
	"example.com/paywall-go/internal/lifecycle"
	"example.com/paywall-go/internal/logging"
	"example.com/paywall-go/internal/selection"
	"example.com/paywall-go/internal/storage"
	"example.com/paywall-go/internal/tracking"
	"example.com/paywall-go/internal/variables"
)

var (
	ErrNotInitialized     = errors.New("paywall: sdk not initialized")
	ErrAlreadyInitialized = errors.New("paywall: sdk already initialized")
	ErrNoActiveForm       = errors.New("paywall: no payment form shown")
	ErrSubmitUnsupported  = errors.New("paywall: payment form does not accept submit")
	ErrNoProduct          = errors.New("paywall: no product selected")
	ErrNoUser             = errors.New("paywall: no user")
)

// Analytics events tracked by the SDK itself.
const (
	EventPaywallShown             = "paywall_shown"
	EventPaywallCheckoutInitiated = "paywall_checkout_initiated"
)

// State is the initialization state.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

type (
	EventName  = lifecycle.Name
	Event      = lifecycle.Event
	Callback   = lifecycle.Callback
	Options    = checkout.Options
	Submission = checkout.Submission
)

// Backend is everything the SDK asks of the paywall backend.
type Backend interface {
	CreateUser(ctx context.Context, data api.CustomerData) (catalog.User, error)
	CreateEvent(ctx context.Context, payload api.EventsPayload) error
	SetAttribution(ctx context.Context, deviceID string, data api.AttributionData) error
	checkout.Backend
}

var _ Backend = (*api.Client)(nil)

// Deps are the SDK's collaborators. Zero values get sensible defaults:
// an in-memory store, a JSON logger and an HTTP backend built from the config.
type Deps struct {
	Store      storage.Store
	HTTPClient *http.Client
	Logger     *slog.Logger
	Backend    Backend
	// Checkout overrides Backend for customer and subscription creation.
	Checkout  checkout.Backend
	Surface   checkout.Surface
	Stripe    checkout.StripeGateway
	Paddle    checkout.PaddleGateway
	Page      identity.Page
	Variables variables.Page
}

type activeForm struct {
	form     checkout.Form
	opts     checkout.Options
	override string
}

// SDK is one paywall session.
type SDK struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	lang     *config.Localization
	bus      *lifecycle.Bus
	gate     *gate.Gate
	store    storage.Store
	backend  Backend
	checkout checkout.Backend
	identity *identity.Provider
	tracker  *tracking.Tracker
	selector *selection.Selector
	vars     *variables.Interpolator

	state  atomic.Int32
	initMu sync.Mutex

	userMu sync.RWMutex
	user   *catalog.User

	formMu sync.Mutex
	forms  map[catalog.ProviderKind]activeForm
	active checkout.Form

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an SDK. Nothing happens until Init.
func New(cfg config.Config, deps Deps) *SDK {
	logger := deps.Logger
	if logger == nil {
		logger = logging.New(cfg.Debug)
	}
	store := deps.Store
	if store == nil {
		store = storage.NewMemory()
	}
	backend := deps.Backend
	if backend == nil {
		backend = api.NewClient(api.Options{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Headers:     cfg.Headers,
			MaxAttempts: cfg.HTTPRetriesCount,
			RetryDelay:  cfg.HTTPRetryDelay,
			HTTPClient:  deps.HTTPClient,
			Logger:      logger,
		})
	}
	checkoutBackend := deps.Checkout
	if checkoutBackend == nil {
		checkoutBackend = backend
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SDK{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("component", "paywall"),
		lang:     config.NewLocalization(cfg.Language),
		bus:      lifecycle.NewBus(),
		gate:     gate.New(gate.DefaultLimit),
		store:    store,
		backend:  backend,
		checkout: checkoutBackend,
		identity: identity.NewProvider(store, cfg.WebsiteVersion, cfg.HashSalt, logger),
		tracker:  tracking.New(store, backend, cfg.EventSendDelay, logger),
		forms:    make(map[catalog.ProviderKind]activeForm),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.selector = selection.New(store, s.bus, cfg.SelectionTTL, logger)
	s.vars = variables.New(s.selector, s.lang, s.paywallShown, logger)
	return s
}

// Init identifies the visitor, loads the catalog and opens the readiness gate.
func (s *SDK) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if State(s.state.Load()) != StateUninitialized {
		s.logger.Error("init called more than once")
		return ErrAlreadyInitialized
	}
	if err := s.cfg.Validate(); err != nil {
		s.logger.Error("invalid configuration", "error", err)
		return err
	}
	s.state.Store(int32(StateLoading))
	s.logger.Debug("init", "base_url", s.cfg.BaseURL, "website_version", s.cfg.WebsiteVersion)

	userID, err := s.identity.Ensure(ctx)
	if err != nil {
		s.state.Store(int32(StateUninitialized))
		return fmt.Errorf("resolve identity: %w", err)
	}

	s.tracker.Start(s.ctx)
	if n, err := s.tracker.Restore(ctx); err != nil {
		s.logger.Error("restore event queue", "error", err)
	} else if n > 0 {
		s.logger.Debug("re-dispatching queued events", "events", n)
	}

	if err := s.fetchUser(ctx, userID, ""); err != nil {
		s.logger.Error("create user", "user_id", userID, "error", err)
	}
	if provider := s.selector.CurrentProvider(); provider != nil {
		s.logger.Debug("default payment provider", "provider", provider.Kind, "provider_id", provider.ID)
	}

	if s.deps.Variables != nil {
		s.gate.Ready(func() { s.vars.Operate(s.ctx, s.deps.Variables) })
	}
	s.gate.Ready(func() {
		data := identity.Attribution(s.deps.Page)
		s.goBackground(func(ctx context.Context) {
			if err := s.sendAttribution(ctx, data); err != nil {
				s.logger.Error("send attribution", "error", err)
			}
		})
	})

	ran := s.gate.Open()
	s.state.Store(int32(StateReady))
	s.logger.Debug("ready", "replayed", ran)
	s.bus.Emit(lifecycle.Ready, lifecycle.Event{Payload: s})
	return nil
}

// fetchUser creates or refreshes the visitor and reloads the catalog.
func (s *SDK) fetchUser(ctx context.Context, userID, email string) error {
	user, err := s.backend.CreateUser(ctx, s.customerData(ctx, userID, email))
	if err != nil {
		return err
	}
	if user.ID == "" {
		user.ID = userID
	}
	s.userMu.Lock()
	s.user = &user
	s.userMu.Unlock()
	if user.Locale != "" {
		s.logger.Debug("user locale", "locale", user.Locale)
	}
	return s.selector.Load(ctx, user.Placements, user.PaymentProviders)
}

func (s *SDK) customerData(ctx context.Context, userID, email string) api.CustomerData {
	page := s.deps.Page
	ua := page.UserAgent
	device := identity.DeviceModel(ua)
	locale := page.Locale
	if locale == "" {
		locale = s.lang.Language()
	}
	return api.CustomerData{
		UserID:          userID,
		Locale:          locale,
		TimeZone:        page.TimeZone,
		IsSandbox:       s.cfg.Debug,
		IsDebug:         s.cfg.Debug,
		CurrencyCode:    page.CurrencyCode,
		CountryISOCode:  page.CountryCode,
		CountryCode:     page.CountryCode,
		DeviceID:        userID,
		DeviceType:      device,
		DeviceFamily:    device,
		Platform:        api.SDKName,
		OSVersion:       identity.OSVersion(ua),
		AppVersion:      s.cfg.WebsiteVersion,
		StartAppVersion: s.identity.StartAppVersion(ctx),
		NeedPaywalls:    true,
		NeedPlacements:  true,
		PageURL:         pageURL(page.URL),
		UserAgent:       ua,
		Referrer:        page.Referrer,
		Email:           email,
	}
}

// pageURL drops the query and fragment.
func pageURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func (s *SDK) State() State {
	return State(s.state.Load())
}

// On registers a lifecycle callback.
func (s *SDK) On(name EventName, cb Callback) {
	s.bus.On(name, cb)
}

// dispatch runs fn now when the SDK is ready and otherwise queues it. Queued
// calls marked async run on a background goroutine so the replay is never
// blocked on the network.
func (s *SDK) dispatch(ctx context.Context, call string, async bool, fn func(ctx context.Context) error) error {
	if s.gate.IsOpen() {
		return fn(ctx)
	}
	if s.State() == StateUninitialized {
		s.logger.Warn("sdk not initialized, deferring call", "call", call)
	}
	err := s.gate.Ready(func() {
		run := func(ctx context.Context) {
			if err := fn(ctx); err != nil {
				s.logger.Error("deferred call failed", "call", call, "error", err)
			}
		}
		if async {
			s.goBackground(run)
			return
		}
		run(s.ctx)
	})
	if err != nil {
		s.logger.Error("dropping call", "call", call, "error", err)
		return fmt.Errorf("%s: %w", call, err)
	}
	return nil
}

func (s *SDK) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Track queues an analytics event. The event is stamped now, but bound to the
// visitor only once the SDK is ready.
func (s *SDK) Track(name string, properties, userProperties map[string]any) bool {
	if properties == nil {
		properties = map[string]any{}
	}
	if userProperties == nil {
		userProperties = map[string]any{}
	}
	ev := tracking.NewEvent(name, properties, userProperties)
	s.logger.Debug("event", "name", name, "insert_id", ev.InsertID)
	err := s.dispatch(s.ctx, "track", false, func(ctx context.Context) error {
		uid, _ := s.identity.UserID(ctx)
		ev.UserID = uid
		ev.DeviceID = uid
		return s.tracker.Enqueue(ctx, ev)
	})
	return err == nil
}

func (s *SDK) paywallShown(_ context.Context, paywallID, placementID string) {
	s.Track(EventPaywallShown, map[string]any{"paywall_id": paywallID, "placement_id": placementID}, nil)
}

// SetEmail attaches an email to the visitor and reloads its catalog.
func (s *SDK) SetEmail(ctx context.Context, email string) error {
	if s.State() != StateReady {
		return ErrNotInitialized
	}
	userID, err := s.identity.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	if err := s.fetchUser(ctx, userID, email); err != nil {
		return fmt.Errorf("set email: %w", err)
	}
	return nil
}

// SetAttribution sends attribution data for the visitor.
func (s *SDK) SetAttribution(ctx context.Context, data map[string]any) error {
	return s.dispatch(ctx, "set_attribution", true, func(ctx context.Context) error {
		return s.sendAttribution(ctx, data)
	})
}

func (s *SDK) sendAttribution(ctx context.Context, data map[string]any) error {
	uid, ok := s.identity.UserID(ctx)
	if !ok {
		return ErrNoUser
	}
	if err := s.backend.SetAttribution(ctx, uid, api.AttributionData(data)); err != nil {
		return err
	}
	s.logger.Debug("attribution set", "user_id", uid)
	return nil
}

// SetLanguage changes the language used for variable lookups.
func (s *SDK) SetLanguage(lang string) {
	s.lang.SetLanguage(lang)
}

func (s *SDK) Language() string {
	return s.lang.Language()
}

// SelectPlacementProduct selects bundle idx of the placement with the given
// identifier. Called before Init completes, it is queued and nil is returned.
func (s *SDK) SelectPlacementProduct(ctx context.Context, placementID string, idx int) error {
	return s.dispatch(ctx, "select_placement_product", false, func(ctx context.Context) error {
		if err := s.selector.Select(ctx, placementID, idx); err != nil {
			s.logger.Error("select placement product", "placement", placementID, "bundle_index", idx, "error", err)
			return err
		}
		if s.cfg.RerenderForms {
			s.rerender()
		}
		return nil
	})
}

// rerender shows the forms again for every provider the new bundle supports.
func (s *SDK) rerender() {
	s.formMu.Lock()
	forms := make(map[catalog.ProviderKind]activeForm, len(s.forms))
	for k, v := range s.forms {
		forms[k] = v
	}
	s.formMu.Unlock()
	if len(forms) == 0 {
		return
	}
	s.goBackground(func(ctx context.Context) {
		for _, kind := range []catalog.ProviderKind{catalog.ProviderStripe, catalog.ProviderPaddle} {
			active, ok := forms[kind]
			if !ok || s.selector.CurrentProductFor(kind) == nil {
				continue
			}
			if err := s.showFormFor(ctx, kind, active.opts, ""); err != nil {
				s.logger.Error("rerender payment form", "provider", kind, "error", err)
			}
		}
	})
}

// PaymentForm shows the checkout for the current product. productID
// overrides the product's base plan id.
func (s *SDK) PaymentForm(ctx context.Context, opts Options, productID string) error {
	return s.dispatch(ctx, "payment_form", true, func(ctx context.Context) error {
		return s.showForm(ctx, opts, productID)
	})
}

func (s *SDK) showForm(ctx context.Context, opts Options, productID string) error {
	if opts.PaymentProvider != "" {
		s.logger.Debug("setting preferred payment provider", "provider", opts.PaymentProvider)
		if _, err := s.selector.Prefer(opts.PaymentProvider); err != nil {
			s.logger.Error("preferred payment provider rejected", "provider", opts.PaymentProvider, "error", err)
		}
	}
	provider := s.selector.CurrentProvider()
	if provider == nil {
		s.logger.Error("payment form: payment provider is required")
		return selection.ErrNoCompatibleProvider
	}
	return s.showFormFor(ctx, provider.Kind, opts, productID)
}

func (s *SDK) showFormFor(ctx context.Context, kind catalog.ProviderKind, opts Options, productID string) error {
	product := s.selector.CurrentProductFor(kind)
	if product == nil {
		s.logger.Error("payment form: product is required")
		return ErrNoProduct
	}
	paywall := s.selector.CurrentPaywall()
	if paywall == nil {
		s.logger.Error("payment form: paywall is required")
		return selection.ErrPaywallNotFound
	}
	placement := s.selector.CurrentPlacement()
	if placement == nil {
		s.logger.Error("payment form: placement is required")
		return selection.ErrPlacementNotFound
	}
	provider := s.selector.ProviderFor(kind)
	if provider == nil {
		return selection.ErrProviderNotFound
	}
	user := s.User()
	if user == nil {
		s.logger.Error("payment form: no user")
		return ErrNoUser
	}
	if productID == "" {
		productID = product.BasePlanID
	}
	if productID == "" {
		s.logger.Error("payment form: product id is empty", "product", product.ID)
		return ErrNoProduct
	}

	opts.PaymentProvider = kind
	form, err := checkout.New(checkout.Deps{
		User:     *user,
		Provider: *provider,
		Backend:  s.checkout,
		Store:    s.store,
		Surface:  s.deps.Surface,
		Emitter:  lifecycle.EmitterFunc(s.relayFormEvent),
		Stripe:   s.deps.Stripe,
		Paddle:   s.deps.Paddle,
		Config:   s.cfg,
		Logger:   s.logger,
	})
	if err != nil {
		s.logger.Error("build payment form", "provider", kind, "error", err)
		return err
	}

	s.formMu.Lock()
	s.forms[kind] = activeForm{form: form, opts: opts, override: productID}
	s.active = form
	s.formMu.Unlock()

	var offer catalog.SubscriptionOptions
	if bundle := s.selector.CurrentBundle(); bundle != nil {
		offer = bundle.IntroductoryOffer.SubscriptionOptions()
	}
	s.logger.Debug("show payment form", "provider", kind, "product_id", productID)
	return form.Show(ctx, checkout.Request{
		ProductID:    productID,
		PaywallID:    paywall.ID,
		PlacementID:  placement.ID,
		Options:      opts,
		Subscription: offer,
	})
}

// relayFormEvent republishes form events on the SDK bus and tracks the
// checkout start when the form becomes ready.
func (s *SDK) relayFormEvent(name lifecycle.Name, ev lifecycle.Event) {
	s.bus.Emit(name, ev)
	if name != lifecycle.PaymentFormReady {
		return
	}
	paywall, placement := s.selector.CurrentPaywall(), s.selector.CurrentPlacement()
	if paywall == nil || placement == nil {
		s.logger.Error("unable to track checkout start: paywall or placement is not resolved")
		return
	}
	s.Track(EventPaywallCheckoutInitiated, map[string]any{
		"paywall_id":   paywall.ID,
		"placement_id": placement.ID,
	}, nil)
}

// Submit submits the most recently shown form.
func (s *SDK) Submit(ctx context.Context, sub Submission) error {
	s.formMu.Lock()
	form := s.active
	s.formMu.Unlock()
	if form == nil {
		return ErrNoActiveForm
	}
	submitter, ok := form.(checkout.Submitter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubmitUnsupported, form.Kind())
	}
	return submitter.Submit(ctx, sub)
}

// OperateVariables fills page variables from the selected bundle.
func (s *SDK) OperateVariables(ctx context.Context, page variables.Page) error {
	if page == nil {
		page = s.deps.Variables
	}
	if page == nil {
		return nil
	}
	return s.dispatch(ctx, "operate_variables", false, func(ctx context.Context) error {
		n := s.vars.Operate(ctx, page)
		s.logger.Debug("variables replaced", "count", n)
		return nil
	})
}

// ResolveVariable returns the value of a variable key path.
func (s *SDK) ResolveVariable(ctx context.Context, keyPath string) (string, bool) {
	return s.vars.Resolve(ctx, keyPath)
}

func (s *SDK) UserID(ctx context.Context) (string, bool) {
	return s.identity.UserID(ctx)
}

// HashedUserID is the salted SHA-256 of the visitor id, or "" without one.
func (s *SDK) HashedUserID(ctx context.Context) string {
	uid, ok := s.identity.UserID(ctx)
	if !ok {
		return ""
	}
	return s.identity.Hash(uid)
}

// DeepLink returns the deep link saved after the last purchase.
func (s *SDK) DeepLink(ctx context.Context) (string, bool) {
	link, err := s.store.Get(ctx, storage.DeepLinkKey)
	if err != nil || link == "" {
		return "", false
	}
	return link, true
}

// Reset forgets the visitor id and drops the event queue.
func (s *SDK) Reset(ctx context.Context) error {
	if err := s.identity.Reset(ctx); err != nil {
		return err
	}
	return s.tracker.Clear(ctx)
}

func (s *SDK) User() *catalog.User {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.user
}

func (s *SDK) Placements() catalog.Placements                { return s.selector.Placements() }
func (s *SDK) CurrentPlacement() *catalog.Placement          { return s.selector.CurrentPlacement() }
func (s *SDK) CurrentPaywall() *catalog.Paywall              { return s.selector.CurrentPaywall() }
func (s *SDK) CurrentBundle() *catalog.Bundle                { return s.selector.CurrentBundle() }
func (s *SDK) CurrentProduct() *catalog.Product              { return s.selector.CurrentProduct() }
func (s *SDK) CurrentProvider() *catalog.PaymentProvider     { return s.selector.CurrentProvider() }
func (s *SDK) AvailableProviders() []catalog.PaymentProvider { return s.selector.AvailableProviders() }

func (s *SDK) ProductFor(kind catalog.ProviderKind) *catalog.Product {
	return s.selector.CurrentProductFor(kind)
}

func (s *SDK) ProviderFor(kind catalog.ProviderKind) *catalog.PaymentProvider {
	return s.selector.ProviderFor(kind)
}

// QueuedEvents returns the events not yet acknowledged by the backend.
func (s *SDK) QueuedEvents() []api.EventData {
	return s.tracker.Queued()
}

// Wait blocks until background work started by deferred calls finishes.
func (s *SDK) Wait() {
	s.wg.Wait()
}

// Close waits for background work, flushes scheduled events and stops the
// sender. The store is left open.
func (s *SDK) Close() {
	s.wg.Wait()
	s.tracker.Close()
	s.cancel()
}
