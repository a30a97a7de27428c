package backend

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"example.com/paywall-go/internal/catalog"
)

// LoadSeed reads a YAML catalog seed. An empty path yields DefaultSeed.
func LoadSeed(path string) (Seed, error) {
	if path == "" {
		return DefaultSeed(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(raw)
}

func ParseSeed(raw []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	for _, p := range seed.Providers {
		if !p.Kind.Valid() {
			return Seed{}, fmt.Errorf("seed provider %q has unknown kind %q", p.ID, p.Kind)
		}
	}
	return seed, nil
}

// DefaultSeed has one Stripe and one Paddle account and a "main" placement
// with two bundles: one sold by both providers, one by Paddle only.
func DefaultSeed() Seed {
	return Seed{
		Providers: []catalog.PaymentProvider{
			{ID: "pp-stripe", Kind: catalog.ProviderStripe, Identifier: "acct_mock"},
			{ID: "pp-paddle", Kind: catalog.ProviderPaddle, Identifier: "pdl_mock", Token: "test_mock_token"},
		},
		Placements: catalog.Placements{
			{
				ID:         "pl-main",
				Identifier: "main",
				Paywalls: []catalog.Paywall{{
					ID:         "pw-main",
					Identifier: "default",
					Items: []catalog.Bundle{
						{
							ID:   "bundle-monthly",
							Name: "Monthly",
							Properties: catalog.Properties{
								"en": {"price": "$9.99", "period": "month", "new-price": "$4.99"},
								"de": {"price": "9,99 €", "period": "Monat", "new-price": "4,99 €"},
							},
							IntroductoryOffer: &catalog.IntroductoryOffer{TrialDays: 7, CouponID: "coupon_intro", DiscountID: "dsc_intro"},
							Products: []catalog.Product{
								{ID: "price_monthly", Store: catalog.ProviderStripe, PaymentProviderID: "pp-stripe", BasePlanID: "monthly"},
								{ID: "pri_monthly", Store: catalog.ProviderPaddle, PaymentProviderID: "pp-paddle", BasePlanID: "monthly"},
							},
						},
						{
							ID:   "bundle-annual",
							Name: "Annual",
							Properties: catalog.Properties{
								"en": {"price": "$59.99", "period": "year"},
							},
							Products: []catalog.Product{
								{ID: "pri_annual", Store: catalog.ProviderPaddle, PaymentProviderID: "pp-paddle", BasePlanID: "annual"},
							},
						},
					},
				}},
			},
		},
	}
}
