// Package resolver computes which payment providers can sell a bundle and
// which product each of them would charge.
package resolver

import (
	"example.com/paywall-go/internal/catalog"
)

// Resolution is the immutable outcome of Resolve. The product and provider
// maps always share the same key set.
type Resolution struct {
	order     []catalog.ProviderKind
	products  map[catalog.ProviderKind]catalog.Product
	providers map[catalog.ProviderKind]catalog.PaymentProvider
}

// Resolve walks the bundle's products in order and pairs each with the first
// compatible provider. A repeated kind overwrites the earlier pair. ok is false
// when no pair was found, in which case the returned resolution is empty.
func Resolve(bundle *catalog.Bundle, providers []catalog.PaymentProvider) (*Resolution, bool) {
	res := &Resolution{
		products:  make(map[catalog.ProviderKind]catalog.Product),
		providers: make(map[catalog.ProviderKind]catalog.PaymentProvider),
	}
	if bundle == nil {
		return res, false
	}
	for _, product := range bundle.Products {
		for _, provider := range providers {
			if !catalog.Compatible(product, provider) {
				continue
			}
			if _, seen := res.products[provider.Kind]; !seen {
				res.order = append(res.order, provider.Kind)
			}
			res.products[provider.Kind] = product
			res.providers[provider.Kind] = provider
			break
		}
	}
	return res, len(res.providers) > 0
}

// Duplicates lists provider kinds that occur on more than one product of the
// bundle. Resolve keeps only the last of those.
func Duplicates(bundle *catalog.Bundle) []catalog.ProviderKind {
	if bundle == nil {
		return nil
	}
	counts := make(map[catalog.ProviderKind]int, len(bundle.Products))
	var dups []catalog.ProviderKind
	for _, product := range bundle.Products {
		counts[product.Store]++
		if counts[product.Store] == 2 {
			dups = append(dups, product.Store)
		}
	}
	return dups
}

func (r *Resolution) Product(kind catalog.ProviderKind) (catalog.Product, bool) {
	if r == nil {
		return catalog.Product{}, false
	}
	p, ok := r.products[kind]
	return p, ok
}

func (r *Resolution) Provider(kind catalog.ProviderKind) (catalog.PaymentProvider, bool) {
	if r == nil {
		return catalog.PaymentProvider{}, false
	}
	p, ok := r.providers[kind]
	return p, ok
}

// Kinds returns resolved kinds in the order their first product appeared.
func (r *Resolution) Kinds() []catalog.ProviderKind {
	if r == nil {
		return nil
	}
	out := make([]catalog.ProviderKind, len(r.order))
	copy(out, r.order)
	return out
}

// Default is the first resolved kind.
func (r *Resolution) Default() (catalog.ProviderKind, bool) {
	if r == nil || len(r.order) == 0 {
		return "", false
	}
	return r.order[0], true
}

func (r *Resolution) Len() int {
	if r == nil {
		return 0
	}
	return len(r.providers)
}

// Products returns a copy of the kind to product map.
func (r *Resolution) Products() map[catalog.ProviderKind]catalog.Product {
	out := make(map[catalog.ProviderKind]catalog.Product)
	if r == nil {
		return out
	}
	for k, v := range r.products {
		out[k] = v
	}
	return out
}

// Providers returns a copy of the kind to provider map.
func (r *Resolution) Providers() map[catalog.ProviderKind]catalog.PaymentProvider {
	out := make(map[catalog.ProviderKind]catalog.PaymentProvider)
	if r == nil {
		return out
	}
	for k, v := range r.providers {
		out[k] = v
	}
	return out
}
