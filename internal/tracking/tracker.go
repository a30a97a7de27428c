// Package tracking keeps the durable outbound analytics queue.
//
// Events are persisted before they are sent and removed only once the backend
// accepts them, so an event that fails (or whose process exits first) is sent
// again after the next Restore. Delivery is at least once, in insertion order.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/storage"
)

// Sender posts one batch of events.
type Sender interface {
	CreateEvent(ctx context.Context, payload api.EventsPayload) error
}

// NewEvent builds an event stamped with the current time and a fresh insert id.
func NewEvent(name string, properties, userProperties map[string]any) api.EventData {
	return newEvent(name, properties, userProperties, time.Now())
}

func newEvent(name string, properties, userProperties map[string]any, now time.Time) api.EventData {
	return api.EventData{
		Name:           name,
		Properties:     properties,
		UserProperties: userProperties,
		Timestamp:      float64(now.Unix()) + float64(now.Nanosecond())/float64(time.Second),
		InsertID:       uuid.NewString(),
	}
}

type pendingSend struct {
	event api.EventData
	due   time.Time
}

// Tracker owns the durable queue and the goroutine sending from it.
type Tracker struct {
	store  storage.Store
	sender Sender
	logger *slog.Logger
	delay  time.Duration
	ttl    time.Duration

	mu      sync.Mutex
	queue   []api.EventData
	pending []pendingSend
	closing bool
	signal  chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New returns a tracker that waits delay between enqueueing an event and its
// first send attempt.
func New(store storage.Store, sender Sender, delay time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		sender: sender,
		logger: logger.With("component", "tracking"),
		delay:  delay,
		ttl:    storage.EventsTTL,
		signal: make(chan struct{}, 1),
	}
}

// Start launches the sender goroutine. It is safe to call more than once.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		t.wg.Add(1)
		go t.run(ctx)
	})
}

// Restore loads the persisted queue and schedules every event in it that is
// not already queued. A corrupt queue is logged and discarded.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	raw, err := t.store.Get(ctx, storage.EventsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read event queue: %w", err)
	}

	var events []api.EventData
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		t.logger.Error("discarding unreadable event queue", "error", err)
		t.mu.Lock()
		t.queue = nil
		t.mu.Unlock()
		if err := t.store.Delete(ctx, storage.EventsKey); err != nil {
			return 0, fmt.Errorf("reset event queue: %w", err)
		}
		return 0, nil
	}

	due := time.Now().Add(t.delay)
	restored := 0
	t.mu.Lock()
	known := make(map[string]struct{}, len(t.queue))
	for _, ev := range t.queue {
		known[ev.InsertID] = struct{}{}
	}
	for _, ev := range events {
		if _, ok := known[ev.InsertID]; ok {
			continue
		}
		known[ev.InsertID] = struct{}{}
		t.queue = append(t.queue, ev)
		t.pending = append(t.pending, pendingSend{event: ev, due: due})
		restored++
	}
	t.mu.Unlock()
	if restored > 0 {
		t.notify()
	}
	t.logger.Debug("restored event queue", "events", restored)
	return restored, nil
}

// Enqueue persists ev and schedules it for sending.
func (t *Tracker) Enqueue(ctx context.Context, ev api.EventData) error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return errors.New("tracker is closed")
	}
	t.queue = append(t.queue, ev)
	err := t.persistLocked(ctx)
	t.pending = append(t.pending, pendingSend{event: ev, due: time.Now().Add(t.delay)})
	t.mu.Unlock()
	t.notify()
	if err != nil {
		return fmt.Errorf("persist event queue: %w", err)
	}
	return nil
}

// Queued returns a copy of the durable queue.
func (t *Tracker) Queued() []api.EventData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]api.EventData(nil), t.queue...)
}

// Clear drops every queued and scheduled event.
func (t *Tracker) Clear(ctx context.Context) error {
	t.mu.Lock()
	t.queue = nil
	t.pending = nil
	t.mu.Unlock()
	if err := t.store.Delete(ctx, storage.EventsKey); err != nil {
		return fmt.Errorf("clear event queue: %w", err)
	}
	return nil
}

// Close sends whatever is still scheduled, without waiting for the delay, and
// stops the sender.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.notify()
	t.wg.Wait()
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) notify() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			closing := t.closing
			t.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-t.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		next := t.pending[0]
		closing := t.closing
		t.mu.Unlock()

		if wait := time.Until(next.due); wait > 0 && !closing {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-t.signal:
				timer.Stop()
				continue
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		t.mu.Lock()
		if len(t.pending) == 0 || t.pending[0].event.InsertID != next.event.InsertID {
			// cleared while waiting
			t.mu.Unlock()
			continue
		}
		t.pending = t.pending[1:]
		t.mu.Unlock()

		t.send(ctx, next.event)
	}
}

func (t *Tracker) send(ctx context.Context, ev api.EventData) {
	payload := api.EventsPayload{
		Events:   []api.EventData{ev},
		DeviceID: ev.DeviceID,
		UserID:   ev.UserID,
	}
	if err := t.sender.CreateEvent(ctx, payload); err != nil {
		t.logger.Error("event delivery failed, keeping it queued", "event", ev.Name, "insert_id", ev.InsertID, "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.queue {
		if t.queue[i].InsertID == ev.InsertID {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			break
		}
	}
	if err := t.persistLocked(ctx); err != nil {
		t.logger.Error("persist event queue", "error", err)
	}
	t.logger.Debug("event delivered", "event", ev.Name, "insert_id", ev.InsertID)
}

func (t *Tracker) persistLocked(ctx context.Context) error {
	if len(t.queue) == 0 {
		return t.store.Delete(ctx, storage.EventsKey)
	}
	data, err := json.Marshal(t.queue)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, storage.EventsKey, string(data), t.ttl)
}
