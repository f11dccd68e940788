// Package progress is the progress bus (C3): an append-only log in the
// persistent store plus an in-process monitor that polls unprocessed
// events at a short interval and fans them out to per-session
// subscribers, then marks them processed (§4.3).
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/observability"
	"github.com/quantloft/orcad/internal/store"
)

// DefaultPollInterval matches §6's progress_poll_interval_ms default (500ms).
const DefaultPollInterval = 500 * time.Millisecond

// DefaultDeliverTimeout bounds how long the monitor waits for one
// subscriber to accept one event before treating it as backpressure (§4.3:
// "a small timeout, e.g. 1s").
const DefaultDeliverTimeout = time.Second

// subscriberBuffer bounds how many events a subscriber's channel holds
// before the monitor drops events for it and emits a "dropped N" marker.
const subscriberBuffer = 64

// Subscriber receives progress events for one session.
type Subscriber struct {
	sessionID string
	ch        chan *models.ProgressEvent
	dropped   int
}

// Events returns the channel events for this subscription arrive on.
func (s *Subscriber) Events() <-chan *models.ProgressEvent { return s.ch }

// Bus is the in-process fan-out monitor for one process's progress events.
type Bus struct {
	store        store.Store
	pollInterval time.Duration
	deliverTOut  time.Duration
	metrics      *observability.Metrics
	logger       *observability.Logger

	mu          sync.RWMutex
	subscribers map[string][]*Subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config tunes the bus's poll cadence and per-event delivery timeout.
type Config struct {
	PollInterval   time.Duration
	DeliverTimeout time.Duration
	Metrics        *observability.Metrics
	Logger         *observability.Logger
}

// NewBus constructs a Bus over s; it does not start polling until Start is
// called.
func NewBus(s store.Store, cfg Config) *Bus {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}
	return &Bus{
		store:        s,
		pollInterval: cfg.PollInterval,
		deliverTOut:  cfg.DeliverTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		subscribers:  make(map[string][]*Subscriber),
	}
}

// Append durably records an event (delegates to the store) ahead of the
// monitor eventually delivering it; callers in C7/C8 use this, not direct
// store access.
func (b *Bus) Append(ctx context.Context, e *models.ProgressEvent) error {
	if err := b.store.AppendProgressEvent(ctx, e); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.ProgressEventAppended(string(e.Type))
	}
	return nil
}

// Subscribe registers a new per-session subscriber; the caller must range
// over Events() until the channel closes (on Unsubscribe) or the session's
// correlated message reaches a terminal state.
func (b *Bus) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{sessionID: sessionID, ch: make(chan *models.ProgressEvent, subscriberBuffer)}
	b.mu.Lock()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], sub)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.SubscriberJoined()
	}
	return sub
}

// Unsubscribe removes and closes sub. A subscriber that stops consuming
// must still be removed this way so it does not block delivery to others
// on the same session (§8 boundary behavior).
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.sessionID]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.sessionID]) == 0 {
		delete(b.subscribers, sub.sessionID)
	}
	close(sub.ch)
	if b.metrics != nil {
		b.metrics.SubscriberLeft()
	}
}

// Start launches the poll loop in the background.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.pollLoop(ctx)
}

// Stop cancels the poll loop and waits for it to exit.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Bus) pollLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx)
		}
	}
}

func (b *Bus) poll(ctx context.Context) {
	events, err := b.store.PollUnprocessedEvents(ctx, 500)
	if err != nil {
		if b.logger != nil {
			b.logger.Error(ctx, "poll unprocessed progress events failed", "error", err)
		}
		return
	}
	// timestamp ASC per §4.3's ordering guarantee; the store already
	// returns them in that order, this is the delivery fan-out.
	for _, e := range events {
		b.deliver(e)
		if err := b.store.MarkProcessed(ctx, e.ID); err != nil && b.logger != nil {
			b.logger.Error(ctx, "mark processed failed", "event_id", e.ID, "error", err)
		}
	}
}

// deliver fans e out to every subscriber on e.SessionID. A slow subscriber
// still gets the event marked processed (§4.3: "processed is a cursor
// marker, not a delivery guarantee"); one that has no buffer room drops the
// event and queues a synthetic "dropped N events" marker to emit next.
func (b *Bus) deliver(e *models.ProgressEvent) {
	b.mu.RLock()
	subs := append([]*Subscriber(nil), b.subscribers[e.SessionID]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- e:
		case <-time.After(b.deliverTOut):
			b.mu.Lock()
			sub.dropped++
			b.mu.Unlock()
			if b.metrics != nil {
				b.metrics.ProgressDroppedEvents.Inc()
			}
			b.emitDroppedMarker(sub)
		}
	}
}

func (b *Bus) emitDroppedMarker(sub *Subscriber) {
	b.mu.Lock()
	n := sub.dropped
	b.mu.Unlock()
	marker := &models.ProgressEvent{
		SessionID: sub.sessionID,
		Timestamp: time.Now().UTC(),
		Type:      models.ProgressEventGeneric,
		Level:     models.ProgressLevelWarn,
		Message:   "dropped events",
		Details:   map[string]any{"dropped": n},
	}
	select {
	case sub.ch <- marker:
		b.mu.Lock()
		sub.dropped = 0
		b.mu.Unlock()
	default:
		// Subscriber is still backed up; the marker will be attempted again
		// on the next drop.
	}
}
