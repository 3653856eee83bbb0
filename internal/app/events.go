package app

import (
	"sync"
	"time"

	"copybot/internal/store"

	"go.uber.org/zap"
)

// EventKind is the type of a copy-trade lifecycle event.
type EventKind string

const (
	EventOpened      EventKind = "opened"
	EventAccumulated EventKind = "accumulated"
	EventClosed      EventKind = "closed"
	EventSkipped     EventKind = "skipped"
	EventRugDetected EventKind = "rug_detected"
)

// TradeEvent is published for every outcome the engine produces. Skips and
// closes always carry a Reason.
type TradeEvent struct {
	Kind      EventKind
	Trade     *store.CopyTrade
	Wallet    string // Wallet whose signal caused the event, if any
	Chain     string
	Token     string
	Reason    string
	Detail    string
	Price     float64
	Timestamp time.Time
}

// EventPublisher is what the engine writes to.
type EventPublisher interface {
	Publish(ev TradeEvent)
}

// EventBus fans events out to subscriber channels without blocking the
// publisher. A subscriber that falls behind loses events.
type EventBus struct {
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	subs   map[string]chan TradeEvent
	closed bool
}

func NewEventBus(logger *zap.Logger, metrics *Metrics) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		logger:  logger.Named("event-bus"),
		metrics: metrics,
		subs:    make(map[string]chan TradeEvent),
	}
}

// Subscribe registers a named subscriber with the given buffer.
func (b *EventBus) Subscribe(name string, buffer int) <-chan TradeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[name]; ok {
		close(old)
	}
	ch := make(chan TradeEvent, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[name] = ch
	return ch
}

func (b *EventBus) Publish(ev TradeEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.metrics.tradeEvent(ev.Kind, ev.Reason)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber full, dropping event",
				zap.String("subscriber", name),
				zap.String("kind", string(ev.Kind)),
				zap.String("token", shortID(ev.Token)),
			)
		}
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}
