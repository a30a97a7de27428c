package catalog

// ProviderKind names a payment processor integration.
type ProviderKind string

const (
	ProviderStripe ProviderKind = "stripe"
	ProviderPaddle ProviderKind = "paddle"
)

// Valid reports whether the kind is one the SDK knows how to drive.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderStripe, ProviderPaddle:
		return true
	}
	return false
}

// PaymentProvider is a provider account attached to the user by the backend.
type PaymentProvider struct {
	ID         string       `json:"id" yaml:"id"`
	Kind       ProviderKind `json:"kind" yaml:"kind"`
	Identifier string       `json:"identifier" yaml:"identifier"`
	Token      string       `json:"token,omitempty" yaml:"token,omitempty"`
}

// Product is a provider-specific price/plan entry of a bundle.
type Product struct {
	ID                string       `json:"id" yaml:"id"`
	Name              string       `json:"name,omitempty" yaml:"name,omitempty"`
	Store             ProviderKind `json:"store" yaml:"store"`
	PaymentProviderID string       `json:"payment_provider_id" yaml:"payment_provider_id"`
	BasePlanID        string       `json:"base_plan_id" yaml:"base_plan_id"`
}

// IntroductoryOffer carries provider-specific trial and discount identifiers.
type IntroductoryOffer struct {
	TrialDays  int    `json:"trial_period_days,omitempty" yaml:"trial_period_days,omitempty"`
	CouponID   string `json:"stripe_coupon_id,omitempty" yaml:"stripe_coupon_id,omitempty"`
	DiscountID string `json:"paddle_discount_id,omitempty" yaml:"paddle_discount_id,omitempty"`
}

// Properties maps a language code to the macro values used for on-page
// substitution. Values are usually strings but may nest.
type Properties map[string]map[string]any

// Bundle is a single sellable offer within a paywall.
type Bundle struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name,omitempty" yaml:"name,omitempty"`
	Properties        Properties         `json:"properties,omitempty" yaml:"properties,omitempty"`
	IntroductoryOffer *IntroductoryOffer `json:"introductory_offer,omitempty" yaml:"introductory_offer,omitempty"`
	Products          []Product          `json:"products" yaml:"products"`
}

// Paywall is a pricing screen configuration owned by a placement.
type Paywall struct {
	ID         string   `json:"id" yaml:"id"`
	Identifier string   `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	Items      []Bundle `json:"items" yaml:"items"`
}

// Placement is a named slot on the host page.
type Placement struct {
	ID         string    `json:"id" yaml:"id"`
	Identifier string    `json:"identifier" yaml:"identifier"`
	Paywalls   []Paywall `json:"paywalls" yaml:"paywalls"`
}

// User is the backend view of the visitor, catalog included.
type User struct {
	ID               string            `json:"id"`
	Locale           string            `json:"locale,omitempty"`
	Email            string            `json:"email,omitempty"`
	PaymentProviders []PaymentProvider `json:"payment_providers"`
	Placements       Placements        `json:"placements"`
	IsSandbox        bool              `json:"is_sandbox"`
}

// ProviderByKind returns the user's provider of the given kind.
func (u *User) ProviderByKind(kind ProviderKind) (*PaymentProvider, bool) {
	if u == nil {
		return nil, false
	}
	for i := range u.PaymentProviders {
		if u.PaymentProviders[i].Kind == kind {
			return &u.PaymentProviders[i], true
		}
	}
	return nil, false
}
