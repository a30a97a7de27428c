// Package lifecycle is the event bus the SDK uses to report selection and
// checkout progress to the host.
package lifecycle

import (
	"sync"

	"example.com/paywall-go/internal/catalog"
)

// Name identifies a lifecycle event.
type Name string

const (
	Ready                  Name = "ready"
	ProductChanged         Name = "product_changed"
	PaymentProviderChanged Name = "payment_provider_changed"
	PaymentFormInitialized Name = "payment_form_initialized"
	PaymentFormReady       Name = "payment_form_ready"
	PaymentSuccess         Name = "payment_success"
	PaymentFailure         Name = "payment_failure"
)

// NotFound is emitted when a provider kind is requested that the user does
// not have.
func NotFound(kind catalog.ProviderKind) Name {
	return Name(string(kind) + "_not_found")
}

// Event is passed to callbacks. Provider is empty for events that are not tied
// to a payment provider.
type Event struct {
	Provider catalog.ProviderKind
	Payload  any
}

type Callback func(Event)

// Emitter is implemented by anything that can publish lifecycle events.
type Emitter interface {
	Emit(name Name, ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(name Name, ev Event)

func (f EmitterFunc) Emit(name Name, ev Event) { f(name, ev) }

// Bus dispatches events to callbacks in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Callback
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Name][]Callback)}
}

func (b *Bus) On(name Name, cb Callback) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], cb)
	b.mu.Unlock()
}

// Emit calls the handlers registered for name. Handlers may register further
// handlers; those only see later events.
func (b *Bus) Emit(name Name, ev Event) {
	b.mu.RLock()
	handlers := append([]Callback(nil), b.handlers[name]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Nop discards every event.
var Nop Emitter = EmitterFunc(func(Name, Event) {})
