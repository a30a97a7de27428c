// Package selection keeps the current placement, paywall, bundle and payment
// provider, persists the choice and republishes changes as lifecycle events.
//
// The current state is an immutable Snapshot swapped atomically, so readers
// never observe a product map that disagrees with its provider map.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/lifecycle"
	"example.com/paywall-go/internal/resolver"
	"example.com/paywall-go/internal/storage"
)

var (
	ErrPlacementNotFound    = errors.New("placement not found")
	ErrPaywallNotFound      = errors.New("placement has no paywall")
	ErrBundleNotFound       = errors.New("bundle not found")
	ErrNoCompatibleProvider = errors.New("no compatible payment provider for bundle")
	ErrProviderNotFound     = errors.New("payment provider not available for user")
	ErrProductNotCompatible = errors.New("selected product is not compatible with payment provider")
	ErrNoSelection          = errors.New("nothing selected")
)

// Reason explains a payment_provider_changed event.
type Reason string

const (
	ReasonUserSelection        Reason = "user_selection"
	ReasonProductCompatibility Reason = "product_compatibility"
)

// ProviderChange is the payload of payment_provider_changed.
type ProviderChange struct {
	Provider catalog.PaymentProvider `json:"provider"`
	Reason   Reason                  `json:"reason"`
}

// Saved is the persisted (placement identifier, bundle index) pair.
type Saved struct {
	PlacementID string
	BundleIndex int
}

func (s Saved) String() string {
	return s.PlacementID + "," + strconv.Itoa(s.BundleIndex)
}

// ParseSaved reads the "placementID,bundleIndex" form.
func ParseSaved(raw string) (Saved, bool) {
	id, idx, ok := strings.Cut(raw, ",")
	if !ok || id == "" {
		return Saved{}, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil || n < 0 {
		return Saved{}, false
	}
	return Saved{PlacementID: id, BundleIndex: n}, true
}

// Snapshot is one consistent view of the selection. Nothing in it is mutated
// after construction.
type Snapshot struct {
	Placement   *catalog.Placement
	Paywall     *catalog.Paywall
	Bundle      *catalog.Bundle
	BundleIndex int
	Resolution  *resolver.Resolution
	Preferred   catalog.ProviderKind

	products  map[catalog.ProviderKind]*catalog.Product
	providers map[catalog.ProviderKind]*catalog.PaymentProvider
}

func newSnapshot(placement *catalog.Placement, paywall *catalog.Paywall, bundle *catalog.Bundle, idx int, res *resolver.Resolution, preferred catalog.ProviderKind) *Snapshot {
	snap := &Snapshot{
		Placement:   placement,
		Paywall:     paywall,
		Bundle:      bundle,
		BundleIndex: idx,
		Resolution:  res,
		Preferred:   preferred,
		products:    make(map[catalog.ProviderKind]*catalog.Product),
		providers:   make(map[catalog.ProviderKind]*catalog.PaymentProvider),
	}
	for _, kind := range res.Kinds() {
		product, _ := res.Product(kind)
		provider, _ := res.Provider(kind)
		snap.products[kind] = &product
		snap.providers[kind] = &provider
	}
	return snap
}

func (s *Snapshot) withPreferred(kind catalog.ProviderKind) *Snapshot {
	next := *s
	next.Preferred = kind
	return &next
}

// activeKind is the preferred kind when resolvable, else the default.
func (s *Snapshot) activeKind() (catalog.ProviderKind, bool) {
	if s == nil {
		return "", false
	}
	if _, ok := s.products[s.Preferred]; ok && s.Preferred != "" {
		return s.Preferred, true
	}
	return s.Resolution.Default()
}

type catalogState struct {
	placements catalog.Placements
	providers  []catalog.PaymentProvider
}

// Selector is the selection state machine.
type Selector struct {
	store   storage.Store
	emitter lifecycle.Emitter
	logger  *slog.Logger
	ttl     time.Duration

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	catalog atomic.Pointer[catalogState]
}

// New builds a selector. ttl is how long the saved selection lives; zero
// means storage.SelectionTTL.
func New(store storage.Store, emitter lifecycle.Emitter, ttl time.Duration, logger *slog.Logger) *Selector {
	if ttl <= 0 {
		ttl = storage.SelectionTTL
	}
	if emitter == nil {
		emitter = lifecycle.Nop
	}
	s := &Selector{
		store:   store,
		emitter: emitter,
		logger:  logger.With("component", "selection"),
		ttl:     ttl,
	}
	s.catalog.Store(&catalogState{})
	return s
}

// Load replaces the catalog and restores the saved selection, falling back to
// the first bundle of the first placement. It neither persists nor emits.
func (s *Selector) Load(ctx context.Context, placements catalog.Placements, providers []catalog.PaymentProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.catalog.Store(&catalogState{placements: placements, providers: providers})
	prev := s.current.Load()

	var preferred catalog.ProviderKind
	if prev != nil {
		preferred = prev.Preferred
	}

	if saved, ok := s.Saved(ctx); ok {
		snap, err := s.build(saved.PlacementID, saved.BundleIndex, preferred)
		if err == nil && snap.Resolution.Len() > 0 {
			s.install(snap)
			s.logger.Debug("restored saved selection", "placement", saved.PlacementID, "bundle_index", saved.BundleIndex)
			return nil
		}
		s.logger.Debug("saved selection no longer resolves, using default", "saved", saved.String())
	}

	if len(placements) == 0 {
		s.current.Store(nil)
		s.logger.Warn("catalog has no placements")
		return nil
	}
	snap, err := s.build(placements[0].Identifier, 0, preferred)
	if err != nil {
		s.current.Store(nil)
		s.logger.Error("default selection unavailable", "placement", placements[0].Identifier, "error", err)
		return err
	}
	if snap.Resolution.Len() == 0 {
		s.logger.Error("no payment provider is compatible with the default bundle", "placement", placements[0].Identifier)
	}
	s.install(snap)
	return nil
}

// Select switches to bundle idx of placement id. On any failure the current
// selection and the saved state are left untouched.
func (s *Selector) Select(ctx context.Context, placementID string, idx int) error {
	s.mu.Lock()
	prev := s.current.Load()
	var preferred catalog.ProviderKind
	if prev != nil {
		preferred = prev.Preferred
	}

	snap, err := s.build(placementID, idx, preferred)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if snap.Resolution.Len() == 0 {
		s.mu.Unlock()
		s.logger.Error("no compatible payment provider for bundle", "placement", placementID, "bundle_index", idx, "bundle", snap.Bundle.ID)
		return fmt.Errorf("select %s,%d: %w", placementID, idx, ErrNoCompatibleProvider)
	}

	lostPreferred := preferred != "" && snap.products[preferred] == nil
	if lostPreferred {
		snap = snap.withPreferred("")
	}
	s.install(snap)
	saveErr := s.store.Set(ctx, storage.SelectedBundleKey, Saved{PlacementID: placementID, BundleIndex: idx}.String(), s.ttl)
	s.mu.Unlock()

	if saveErr != nil {
		s.logger.Error("persist selection", "error", saveErr)
	}
	if lostPreferred {
		if kind, ok := snap.activeKind(); ok {
			s.logger.Warn("preferred payment provider not compatible with new bundle", "preferred", preferred, "fallback", kind)
			s.emitter.Emit(lifecycle.PaymentProviderChanged, lifecycle.Event{
				Provider: kind,
				Payload:  ProviderChange{Provider: *snap.providers[kind], Reason: ReasonProductCompatibility},
			})
		}
	}
	kind, _ := snap.activeKind()
	s.emitter.Emit(lifecycle.ProductChanged, lifecycle.Event{Provider: kind, Payload: snap.products[kind]})
	s.logger.Debug("selected bundle", "placement", placementID, "bundle_index", idx, "providers", snap.Resolution.Kinds())
	if saveErr != nil {
		return fmt.Errorf("persist selection: %w", saveErr)
	}
	return nil
}

// Prefer switches the active payment provider to kind.
func (s *Selector) Prefer(kind catalog.ProviderKind) (*catalog.PaymentProvider, error) {
	s.mu.Lock()
	snap := s.current.Load()
	account := s.accountProvider(kind)
	if account == nil {
		s.mu.Unlock()
		s.logger.Error("preferred payment provider not available", "provider", kind)
		s.emitter.Emit(lifecycle.NotFound(kind), lifecycle.Event{Provider: kind})
		return nil, fmt.Errorf("prefer %s: %w", kind, ErrProviderNotFound)
	}
	if snap == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("prefer %s: %w", kind, ErrNoSelection)
	}
	if snap.providers[kind] == nil {
		s.mu.Unlock()
		s.logger.Error("selected product is not compatible with payment provider", "provider", kind, "bundle", snap.Bundle.ID)
		if fallback, ok := snap.activeKind(); ok {
			s.emitter.Emit(lifecycle.PaymentProviderChanged, lifecycle.Event{
				Provider: fallback,
				Payload:  ProviderChange{Provider: *snap.providers[fallback], Reason: ReasonProductCompatibility},
			})
		}
		return nil, fmt.Errorf("prefer %s: %w", kind, ErrProductNotCompatible)
	}

	next := snap.withPreferred(kind)
	s.current.Store(next)
	s.mu.Unlock()

	provider := next.providers[kind]
	s.logger.Debug("set preferred payment provider", "provider", kind)
	s.emitter.Emit(lifecycle.PaymentProviderChanged, lifecycle.Event{
		Provider: kind,
		Payload:  ProviderChange{Provider: *provider, Reason: ReasonUserSelection},
	})
	return provider, nil
}

// Lookup builds a snapshot for an explicit placement and bundle without
// touching the current selection.
func (s *Selector) Lookup(placementID string, idx int) (*Snapshot, error) {
	return s.build(placementID, idx, "")
}

func (s *Selector) build(placementID string, idx int, preferred catalog.ProviderKind) (*Snapshot, error) {
	cat := s.catalog.Load()
	placement, ok := cat.placements.Find(placementID)
	if !ok {
		s.logger.Error("placement not found", "placement", placementID, "available", cat.placements.Identifiers())
		return nil, fmt.Errorf("select %s: %w", placementID, ErrPlacementNotFound)
	}
	paywall, ok := placement.Paywall()
	if !ok {
		s.logger.Error("placement has no paywall", "placement", placementID)
		return nil, fmt.Errorf("select %s: %w", placementID, ErrPaywallNotFound)
	}
	bundle, ok := paywall.Bundle(idx)
	if !ok {
		s.logger.Error("bundle not found", "placement", placementID, "bundle_index", idx, "bundles", len(paywall.Items))
		return nil, fmt.Errorf("select %s,%d: %w", placementID, idx, ErrBundleNotFound)
	}
	if !bundle.HasPriceMacros() {
		s.logger.Warn("bundle has no price macros", "placement", placementID, "bundle", bundle.ID)
	}
	if dups := resolver.Duplicates(bundle); len(dups) > 0 {
		s.logger.Warn("bundle has several products for the same provider, the last one wins", "bundle", bundle.ID, "providers", dups)
	}
	res, _ := resolver.Resolve(bundle, cat.providers)
	return newSnapshot(placement, paywall, bundle, idx, res, preferred), nil
}

func (s *Selector) install(snap *Snapshot) {
	if snap.Preferred != "" && snap.products[snap.Preferred] == nil {
		snap = snap.withPreferred("")
	}
	s.current.Store(snap)
}

func (s *Selector) accountProvider(kind catalog.ProviderKind) *catalog.PaymentProvider {
	providers := s.catalog.Load().providers
	for i := range providers {
		if providers[i].Kind == kind {
			return &providers[i]
		}
	}
	return nil
}

// Snapshot returns the current view, or nil before Load.
func (s *Selector) Snapshot() *Snapshot {
	return s.current.Load()
}

// Saved returns the persisted selection.
func (s *Selector) Saved(ctx context.Context) (Saved, bool) {
	raw, err := s.store.Get(ctx, storage.SelectedBundleKey)
	if err != nil {
		return Saved{}, false
	}
	return ParseSaved(raw)
}

func (s *Selector) Placements() catalog.Placements {
	return s.catalog.Load().placements
}

// Providers returns every provider of the user's account.
func (s *Selector) Providers() []catalog.PaymentProvider {
	return s.catalog.Load().providers
}

func (s *Selector) CurrentPlacement() *catalog.Placement {
	if snap := s.current.Load(); snap != nil {
		return snap.Placement
	}
	return nil
}

func (s *Selector) CurrentPaywall() *catalog.Paywall {
	if snap := s.current.Load(); snap != nil {
		return snap.Paywall
	}
	return nil
}

func (s *Selector) CurrentBundle() *catalog.Bundle {
	if snap := s.current.Load(); snap != nil {
		return snap.Bundle
	}
	return nil
}

// CurrentProduct is the preferred provider's product, else the first
// resolvable one. Repeated calls return the same pointer until the selection
// changes.
func (s *Selector) CurrentProduct() *catalog.Product {
	snap := s.current.Load()
	kind, ok := snap.activeKind()
	if !ok {
		return nil
	}
	return snap.products[kind]
}

func (s *Selector) CurrentProductFor(kind catalog.ProviderKind) *catalog.Product {
	if snap := s.current.Load(); snap != nil {
		return snap.products[kind]
	}
	return nil
}

// CurrentProvider pairs with CurrentProduct.
func (s *Selector) CurrentProvider() *catalog.PaymentProvider {
	snap := s.current.Load()
	kind, ok := snap.activeKind()
	if !ok {
		return nil
	}
	return snap.providers[kind]
}

func (s *Selector) ProviderFor(kind catalog.ProviderKind) *catalog.PaymentProvider {
	if snap := s.current.Load(); snap != nil {
		return snap.providers[kind]
	}
	return nil
}

// AvailableProviders lists providers usable with the current bundle, in the
// order their products appear.
func (s *Selector) AvailableProviders() []catalog.PaymentProvider {
	snap := s.current.Load()
	if snap == nil {
		return nil
	}
	kinds := snap.Resolution.Kinds()
	out := make([]catalog.PaymentProvider, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, *snap.providers[kind])
	}
	return out
}

// Reset forgets the saved selection and the deep link.
func (s *Selector) Reset(ctx context.Context) error {
	for _, key := range []string{storage.SelectedBundleKey, storage.DeepLinkKey} {
		if err := s.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("reset selection: %w", err)
		}
	}
	return nil
}
