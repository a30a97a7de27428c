package lifecycle_test

import (
	"reflect"
	"testing"

	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/lifecycle"
)

func TestBusDispatchesInRegistrationOrder(t *testing.T) {
	bus := lifecycle.NewBus()
	var got []string
	bus.On(lifecycle.PaymentSuccess, func(ev lifecycle.Event) { got = append(got, "first:"+string(ev.Provider)) })
	bus.On(lifecycle.PaymentSuccess, func(ev lifecycle.Event) { got = append(got, "second:"+string(ev.Provider)) })
	bus.On(lifecycle.PaymentFailure, func(lifecycle.Event) { got = append(got, "failure") })

	bus.Emit(lifecycle.PaymentSuccess, lifecycle.Event{Provider: catalog.ProviderPaddle})
	if want := []string{"first:paddle", "second:paddle"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestHandlerRegisteredDuringEmitSeesOnlyLaterEvents(t *testing.T) {
	bus := lifecycle.NewBus()
	late := 0
	bus.On(lifecycle.Ready, func(lifecycle.Event) {
		bus.On(lifecycle.Ready, func(lifecycle.Event) { late++ })
	})
	bus.Emit(lifecycle.Ready, lifecycle.Event{})
	if late != 0 {
		t.Fatalf("late handler ran during the emit that registered it")
	}
	bus.Emit(lifecycle.Ready, lifecycle.Event{})
	if late != 1 {
		t.Fatalf("expected late handler to run once, got %d", late)
	}
}

func TestNotFoundName(t *testing.T) {
	if got := lifecycle.NotFound(catalog.ProviderStripe); got != "stripe_not_found" {
		t.Fatalf("unexpected name %q", got)
	}
}
