package catalog

import (
	"fmt"
	"strings"
)

// PriceMacros are the macro keys a bundle is expected to define for price
// substitution on the page.
var PriceMacros = []string{
	"new-price",
	"old-price",
	"full-price",
	"discount",
	"duration",
	"custom-1",
	"custom-2",
	"custom-3",
}

// FallbackLanguage is consulted when the requested language has no entry.
const FallbackLanguage = "en"

// Compatible reports whether product can be bought through provider. Both the
// kind and the provider account must match.
func Compatible(product Product, provider PaymentProvider) bool {
	return product.Store == provider.Kind && product.PaymentProviderID == provider.ID
}

// Placements is the ordered placement list returned with the user.
type Placements []Placement

// Find returns the placement with the given identifier.
func (p Placements) Find(identifier string) (*Placement, bool) {
	for i := range p {
		if p[i].Identifier == identifier {
			return &p[i], true
		}
	}
	return nil, false
}

// Identifiers lists placement identifiers in catalog order.
func (p Placements) Identifiers() []string {
	ids := make([]string, 0, len(p))
	for _, placement := range p {
		ids = append(ids, placement.Identifier)
	}
	return ids
}

// Paywall returns the placement's paywall. Only the first paywall is ever
// shown even though the payload allows several.
func (p *Placement) Paywall() (*Paywall, bool) {
	if p == nil || len(p.Paywalls) == 0 {
		return nil, false
	}
	return &p.Paywalls[0], true
}

// Bundle returns the bundle at index i.
func (pw *Paywall) Bundle(i int) (*Bundle, bool) {
	if pw == nil || i < 0 || i >= len(pw.Items) {
		return nil, false
	}
	return &pw.Items[i], true
}

// CompatibleProduct returns the first product of the bundle usable with provider.
func (b *Bundle) CompatibleProduct(provider PaymentProvider) (*Product, bool) {
	if b == nil {
		return nil, false
	}
	for i := range b.Products {
		if Compatible(b.Products[i], provider) {
			return &b.Products[i], true
		}
	}
	return nil, false
}

// HasPriceMacros reports whether any language map defines one of PriceMacros.
// Bundles without properties are not checked.
func (b *Bundle) HasPriceMacros() bool {
	if b == nil || len(b.Properties) == 0 {
		return true
	}
	for _, values := range b.Properties {
		for _, macro := range PriceMacros {
			if v, ok := values[macro]; ok && v != nil && fmt.Sprint(v) != "" {
				return true
			}
		}
	}
	return false
}

// Lookup resolves a dotted path against the language map for lang, falling
// back to FallbackLanguage when lang has no map at all.
func (p Properties) Lookup(lang, path string) (string, bool) {
	values, ok := p[lang]
	if !ok {
		values, ok = p[FallbackLanguage]
	}
	if !ok || path == "" {
		return "", false
	}
	var cur any = values
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// SubscriptionOptions extracts the trial/discount settings of the offer.
func (o *IntroductoryOffer) SubscriptionOptions() SubscriptionOptions {
	if o == nil {
		return SubscriptionOptions{}
	}
	return SubscriptionOptions{
		TrialDays:  o.TrialDays,
		CouponID:   o.CouponID,
		DiscountID: o.DiscountID,
	}
}

// SubscriptionOptions are forwarded to the backend when a subscription is created.
// Stripe honours TrialDays and CouponID, Paddle honours DiscountID.
type SubscriptionOptions struct {
	TrialDays  int
	CouponID   string
	DiscountID string
}
