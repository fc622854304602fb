package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"folio/internal/domain"
	"folio/internal/metrics"
)

// maxMisses is how many consecutive overflowing publishes an observer may
// absorb before it is considered dead and evicted.
const maxMisses = 32

type Snapshotter interface {
	Snapshot() domain.Snapshot
}

// Observer is one connected status sink. Updates is closed when the
// observer is removed from the hub.
type Observer struct {
	id     string
	out    chan domain.Snapshot
	misses int
}

func (o *Observer) ID() string { return o.id }

func (o *Observer) Updates() <-chan domain.Snapshot { return o.out }

// Hub fans status snapshots out to observers. Delivery never blocks: when an
// observer's buffer is full its oldest pending snapshot is replaced, since
// only the newest one matters.
type Hub struct {
	source    Snapshotter
	buffer    int
	heartbeat time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu        sync.Mutex
	observers map[string]*Observer
	closed    bool
}

func NewHub(source Snapshotter, buffer int, heartbeat time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		source:    source,
		buffer:    max(buffer, 1),
		heartbeat: heartbeat,
		metrics:   m,
		log:       logger.With().Str("component", "broadcast").Logger(),
		observers: make(map[string]*Observer),
	}
}

// Subscribe registers an observer whose first update is the current
// snapshot. It returns nil once the hub is closed.
func (h *Hub) Subscribe() *Observer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	o := &Observer{id: uuid.NewString(), out: make(chan domain.Snapshot, h.buffer)}
	o.out <- h.source.Snapshot()
	h.observers[o.id] = o
	h.metrics.SetObservers(len(h.observers))
	h.log.Debug().Str("observer", o.id).Int("observers", len(h.observers)).Msg("observer connected")
	return o
}

func (h *Hub) Unsubscribe(o *Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(o, "disconnected")
}

// Publish delivers the current snapshot to every observer.
func (h *Hub) Publish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.observers) == 0 {
		return
	}
	// Taken under the hub lock so a concurrent Subscribe can never be
	// followed by an older snapshot.
	snap := h.source.Snapshot()
	for _, o := range h.observers {
		select {
		case o.out <- snap:
			o.misses = 0
			continue
		default:
		}
		select {
		case <-o.out:
		default:
		}
		select {
		case o.out <- snap:
		default:
		}
		o.misses++
		if o.misses >= maxMisses {
			h.removeLocked(o, "evicted")
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Run publishes on every change signal and, when nothing changed for a
// heartbeat interval, publishes anyway. It returns when ctx is done or
// changes is closed.
func (h *Hub) Run(ctx context.Context, changes <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			h.Publish()
			ticker.Reset(h.heartbeat)
		case <-ticker.C:
			h.Publish()
		}
	}
}

// Close removes every observer, ending their streams.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, o := range h.observers {
		h.removeLocked(o, "hub closed")
	}
}

func (h *Hub) removeLocked(o *Observer, reason string) {
	if _, ok := h.observers[o.id]; !ok {
		return
	}
	delete(h.observers, o.id)
	close(o.out)
	h.metrics.SetObservers(len(h.observers))
	h.log.Debug().Str("observer", o.id).Str("reason", reason).Int("observers", len(h.observers)).Msg("observer removed")
}
