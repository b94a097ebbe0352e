package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"coindash/internal/market"
	"coindash/internal/metrics"
	"coindash/logger"
)

// EventType tags an item on the merged stream.
type EventType int

const (
	EventPriceUpdate EventType = iota
	EventVolumeAlert
	EventConnectionStatus
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventPriceUpdate:
		return "price_update"
	case EventVolumeAlert:
		return "volume_alert"
	case EventConnectionStatus:
		return "connection_status"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item on the multiplexed consumer stream. Exactly one of the
// payload pointers is set, matching Type. Seq increases monotonically across
// all sources, so relative order within a source is observable.
type Event struct {
	Seq    uint64                   `json:"seq"`
	Type   EventType                `json:"type"`
	At     time.Time                `json:"at"`
	Price  *market.PriceUpdateEvent `json:"price,omitempty"`
	Alert  *market.VolumeAlert      `json:"alert,omitempty"`
	Status *market.ConnectionStatus `json:"status,omitempty"`
	Err    string                   `json:"error,omitempty"`
	Source string                   `json:"source,omitempty"`
}

// Stats counts bus traffic for the runtime report.
type Stats struct {
	Published int64
	Dropped   int64
}

// Bus merges price updates, volume alerts and connection status changes into
// one ordered stream fanned out to every subscriber. Publishing is
// serialized, so no event is reordered relative to others from the same
// source. A failure on one source becomes an error event; the stream itself
// never terminates because of it.
type Bus struct {
	log    *logger.Log
	buffer int

	mu     sync.Mutex
	seq    uint64
	subs   map[uuid.UUID]chan Event
	stats  Stats
	closed bool
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		log:    logger.GetLogger(),
		buffer: buffer,
		subs:   make(map[uuid.UUID]chan Event),
	}
	b.log.WithComponent("event_bus").WithFields(logger.Fields{
		"buffer": buffer,
	}).Info("event bus initialized")
	return b
}

// Subscribe registers a consumer and returns its event channel plus a cancel
// function. Cancel is idempotent; it unregisters the subscriber and closes
// the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := uuid.New()
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// PublishPrice publishes a price update event.
func (b *Bus) PublishPrice(p market.PriceUpdateEvent) {
	b.publish(Event{Type: EventPriceUpdate, At: p.At, Price: &p})
}

// PublishAlert publishes a volume alert event.
func (b *Bus) PublishAlert(a market.VolumeAlert) {
	b.publish(Event{Type: EventVolumeAlert, At: a.At, Alert: &a})
}

// PublishStatus publishes a connection status change.
func (b *Bus) PublishStatus(s market.ConnectionStatus) {
	b.publish(Event{Type: EventConnectionStatus, At: s.At, Status: &s})
}

// PublishError surfaces an upstream source failure as an error event. The
// merged stream keeps flowing for the other sources.
func (b *Bus) PublishError(source string, err error) {
	if err == nil {
		return
	}
	b.publish(Event{Type: EventError, At: time.Now().UTC(), Err: err.Error(), Source: source})
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	ev.Seq = b.seq
	b.stats.Published++
	logger.IncrementEventPublished()

	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// Slow consumer: drop rather than stall the publisher.
			b.stats.Dropped++
			metrics.IncrementBusDrop(ev.Type.String())
		}
	}
}

// GetStats returns a copy of the traffic counters.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close shuts the bus down, closing every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
	b.log.WithComponent("event_bus").Info("event bus closed")
}
