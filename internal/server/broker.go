package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/aoipipe/internal/model"
	"github.com/ashita-ai/aoipipe/internal/storage"
)

// subscriberBuffer bounds each SSE subscriber's backlog. Events beyond it
// are dropped for that subscriber only.
const subscriberBuffer = 64

// Reconnect backoff after the notify connection fails.
const (
	relayRetryDelay    = time.Second
	relayMaxRetryDelay = 30 * time.Second
)

// Notifier is the Postgres LISTEN/NOTIFY surface the broker needs.
// *storage.DB implements it.
type Notifier interface {
	HasNotifyConn() bool
	ListenEvents(ctx context.Context) error
	WaitForEvent(ctx context.Context) (model.Event, error)
	PublishEvent(ctx context.Context, ev model.Event) error
	ReconnectNotify(ctx context.Context) error
}

// Broker is the pipeline event channel. It implements pipeline.Emitter.
//
// With a notify connection, emitted events are published with pg_notify and
// every instance's Start loop relays them to its own subscribers, so a
// client connected to any instance sees every run. Without one, or before
// the loop is listening (including while it reconnects after a
// connection failure), events are delivered locally. Delivery is
// at-most-once and there is no replay for late subscribers.
type Broker struct {
	db     Notifier
	logger *slog.Logger

	listening  atomic.Bool
	retryDelay time.Duration

	mu          sync.RWMutex
	subscribers map[chan []byte]string // channel -> project filter ("" = all)
	observers   []func(model.Event)
}

// NewBroker creates a broker. db may be nil for a single-instance broker.
func NewBroker(db Notifier, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		db:          db,
		logger:      logger,
		retryDelay:  relayRetryDelay,
		subscribers: make(map[chan []byte]string),
	}
}

// Observe registers fn to receive every event this broker delivers,
// including events relayed from other instances. fn runs on the delivering
// goroutine and must not block.
func (b *Broker) Observe(fn func(model.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Distributed reports whether events currently travel through Postgres.
func (b *Broker) Distributed() bool {
	return b.listening.Load()
}

// Emit publishes ev. Failures are logged; the caller is never blocked on a
// subscriber and never sees an error.
func (b *Broker) Emit(ctx context.Context, ev model.Event) {
	if !b.listening.Load() {
		b.deliver(ev)
		return
	}
	if err := b.db.PublishEvent(ctx, ev); err != nil {
		b.logger.Warn("broker: notify failed, delivering locally", "event", ev.EventName(), "error", err)
		b.deliver(ev)
	}
}

// Start listens on the pipeline channel and relays notifications until ctx
// is cancelled. It returns nil at once when no notify connection is
// configured. It blocks, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) error {
	if b.db == nil || !b.db.HasNotifyConn() {
		b.logger.Info("broker: no notify connection, delivering events locally")
		return nil
	}
	if err := b.db.ListenEvents(ctx); err != nil {
		return err
	}
	b.listening.Store(true)
	defer b.listening.Store(false)
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelPipeline)

	for {
		ev, err := b.db.WaitForEvent(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, storage.ErrMalformedNotification):
			b.logger.Warn("broker: dropping malformed notification", "error", err)
		case err != nil:
			// The connection is presumed dead. Deliver locally until a new
			// one is listening.
			b.listening.Store(false)
			b.logger.Warn("broker: notification error, reconnecting", "error", err)
			if !b.reconnect(ctx) {
				return nil
			}
			b.listening.Store(true)
			b.logger.Info("broker: notify connection restored", "channel", storage.ChannelPipeline)
		default:
			b.deliver(ev)
		}
	}
}

// reconnect retries ReconnectNotify with doubling delays until it succeeds
// or ctx is done. It reports whether the broker is listening again.
func (b *Broker) reconnect(ctx context.Context) bool {
	delay := b.retryDelay
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		err := b.db.ReconnectNotify(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		b.logger.Warn("broker: reconnect failed", "error", err, "retry_in", delay)
		delay = min(delay*2, relayMaxRetryDelay)
	}
}

// Subscribe returns a channel that receives SSE-formatted events. A
// non-empty projectID limits delivery to that project's runs. The caller
// must call Unsubscribe when done.
func (b *Broker) Subscribe(projectID string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = projectID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	_, ok := b.subscribers[ch]
	delete(b.subscribers, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) deliver(ev model.Event) {
	name, data, err := model.EncodeEvent(ev)
	if err != nil {
		b.logger.Error("broker: encode event", "error", err)
		return
	}
	projectID, _ := ev.Run()

	b.mu.RLock()
	observers := append([]func(model.Event){}, b.observers...)
	b.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
	b.broadcast(projectID, formatSSE(string(name), string(data)))
}

// broadcast sends a frame to every matching subscriber. Subscribers whose
// buffer is full miss the frame.
func (b *Broker) broadcast(projectID string, frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != projectID {
			continue
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
