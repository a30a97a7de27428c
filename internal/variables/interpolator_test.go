package variables_test

import (
	"context"
	"testing"

	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/config"
	"example.com/paywall-go/internal/logging"
	"example.com/paywall-go/internal/selection"
	"example.com/paywall-go/internal/storage"
	"example.com/paywall-go/internal/variables"
)

func setup(t *testing.T) (*selection.Selector, *config.Localization) {
	t.Helper()
	provider := catalog.PaymentProvider{ID: "pp", Kind: catalog.ProviderStripe}
	product := catalog.Product{ID: "p", Store: catalog.ProviderStripe, PaymentProviderID: "pp", BasePlanID: "price_1"}
	placements := catalog.Placements{
		{ID: "pl-main", Identifier: "main", Paywalls: []catalog.Paywall{{ID: "pw-main", Items: []catalog.Bundle{
			{ID: "b0", Products: []catalog.Product{product}, Properties: catalog.Properties{
				"en": {"new-price": "$9.99", "old-price": "$19.99", "full-price": "$99", "sale-price": "", "labels": map[string]any{"cta": "Start"}},
				"de": {"new-price": "9,99 €"},
			}},
			{ID: "b1", Products: []catalog.Product{product}, Properties: catalog.Properties{
				"en": {"new-price": "$49.99"},
			}},
		}}}},
		{ID: "pl-alt", Identifier: "alt", Paywalls: []catalog.Paywall{{ID: "pw-alt", Items: []catalog.Bundle{
			{ID: "b-alt", Products: []catalog.Product{product}, Properties: catalog.Properties{
				"fr": {"new-price": "5 €"},
			}},
		}}}},
	}
	sel := selection.New(storage.NewMemory(), nil, 0, logging.Discard())
	if err := sel.Load(context.Background(), placements, []catalog.PaymentProvider{provider}); err != nil {
		t.Fatalf("load: %v", err)
	}
	return sel, config.NewLocalization("en")
}

func TestResolveFiresPaywallShownOnce(t *testing.T) {
	sel, lang := setup(t)
	var shown []string
	in := variables.New(sel, lang, func(_ context.Context, paywallID, placementID string) {
		shown = append(shown, paywallID+"/"+placementID)
	}, logging.Discard())

	for _, key := range []string{"new-price", "old-price", "full-price"} {
		if _, ok := in.Resolve(context.Background(), key); !ok {
			t.Fatalf("expected %s to resolve", key)
		}
	}
	got, _ := in.Resolve(context.Background(), "new-price")
	if got != "$9.99" {
		t.Fatalf("expected $9.99, got %q", got)
	}
	if len(shown) != 1 || shown[0] != "pw-main/pl-main" {
		t.Fatalf("expected one paywall_shown, got %v", shown)
	}
}

func TestResolveNonPriceDoesNotFireShown(t *testing.T) {
	sel, lang := setup(t)
	fired := 0
	in := variables.New(sel, lang, func(context.Context, string, string) { fired++ }, logging.Discard())
	if got, ok := in.Resolve(context.Background(), "labels.cta"); !ok || got != "Start" {
		t.Fatalf("unexpected nested value %q, %v", got, ok)
	}
	if _, ok := in.Resolve(context.Background(), "missing-price"); ok {
		t.Fatalf("missing key should not resolve")
	}
	if got, ok := in.Resolve(context.Background(), "sale-price"); !ok || got != "" {
		t.Fatalf("empty price = %q, %v", got, ok)
	}
	if fired != 0 {
		t.Fatalf("paywall_shown fired for non-price, empty or failed resolution")
	}
}

func TestResolveExplicitPlacementAndFallbacks(t *testing.T) {
	sel, lang := setup(t)
	in := variables.New(sel, lang, nil, logging.Discard())
	ctx := context.Background()

	cases := []struct {
		key  string
		want string
		ok   bool
	}{
		{"main,1,new-price", "$49.99", true},
		{",1,new-price", "$49.99", true},
		{"main,,new-price", "$9.99", true},
		{"main,-1,new-price", "$9.99", true},
		{"alt,0,new-price", "", false},
		{"nope,0,new-price", "", false},
		{"main,new-price", "", false},
		{"a,b,c,d", "", false},
	}
	for _, tc := range cases {
		got, ok := in.Resolve(ctx, tc.key)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Resolve(%q) = %q, %v; want %q, %v", tc.key, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLanguageSwitchAndFallback(t *testing.T) {
	sel, lang := setup(t)
	in := variables.New(sel, lang, nil, logging.Discard())
	lang.SetLanguage("de")
	if got, _ := in.Resolve(context.Background(), "new-price"); got != "9,99 €" {
		t.Fatalf("expected german price, got %q", got)
	}
	lang.SetLanguage("es")
	if got, _ := in.Resolve(context.Background(), "new-price"); got != "$9.99" {
		t.Fatalf("expected english fallback, got %q", got)
	}
}

func TestOperateSkipsUnresolved(t *testing.T) {
	sel, lang := setup(t)
	in := variables.New(sel, lang, nil, logging.Discard())
	page := &variables.MapPage{Names: []string{"new-price", "unknown", "main,1,new-price"}}
	if n := in.Operate(context.Background(), page); n != 2 {
		t.Fatalf("expected 2 replacements, got %d", n)
	}
	if page.Values["new-price"] != "$9.99" || page.Values["main,1,new-price"] != "$49.99" {
		t.Fatalf("unexpected values %v", page.Values)
	}
	if _, ok := page.Values["unknown"]; ok {
		t.Fatalf("unresolved variable should be left alone")
	}
}
