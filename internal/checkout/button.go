package checkout

import (
	"errors"
	"fmt"
	"sync"
)

// ButtonState is the affordance of the pay button.
type ButtonState string

const (
	ButtonIdle       ButtonState = ""
	ButtonLoading    ButtonState = "loading"
	ButtonReady      ButtonState = "ready"
	ButtonProcessing ButtonState = "processing"
)

var (
	ErrInvalidTransition = errors.New("invalid button transition")
	ErrNotReady          = errors.New("payment form is not ready")
)

const (
	DefaultReadyLabel      = "Subscribe"
	DefaultProcessingLabel = "Please wait..."
)

var transitions = map[ButtonState][]ButtonState{
	ButtonIdle:       {ButtonLoading, ButtonReady, ButtonProcessing},
	ButtonLoading:    {ButtonReady},
	ButtonReady:      {ButtonProcessing},
	ButtonProcessing: {ButtonReady},
}

// Button tracks the button state and mirrors it onto the surface.
type Button struct {
	mu         sync.Mutex
	state      ButtonState
	surface    Surface
	readyLabel string
}

func NewButton(surface Surface, readyLabel string) *Button {
	if readyLabel == "" {
		readyLabel = DefaultReadyLabel
	}
	return &Button{surface: surface, readyLabel: readyLabel}
}

func (b *Button) State() ButtonState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Set moves the button to next. Setting the current state again is a no-op.
func (b *Button) Set(next ButtonState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if next == b.state {
		return nil
	}
	allowed := false
	for _, s := range transitions[b.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.state, next)
	}
	b.state = next
	if b.surface != nil {
		b.surface.SetButtonState(next, b.label(next))
	}
	return nil
}

// begin claims the button for a submission.
func (b *Button) begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != ButtonReady {
		return ErrNotReady
	}
	b.state = ButtonProcessing
	if b.surface != nil {
		b.surface.SetButtonState(ButtonProcessing, b.label(ButtonProcessing))
	}
	return nil
}

// reset returns the button to idle so a form can be shown again. A non-empty
// readyLabel replaces the current one.
func (b *Button) reset(readyLabel string) {
	b.mu.Lock()
	b.state = ButtonIdle
	if readyLabel != "" {
		b.readyLabel = readyLabel
	}
	b.mu.Unlock()
}

func (b *Button) label(state ButtonState) string {
	switch state {
	case ButtonReady:
		return b.readyLabel
	case ButtonProcessing:
		return DefaultProcessingLabel
	}
	return ""
}
