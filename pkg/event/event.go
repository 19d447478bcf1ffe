package event

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is a single observed service advertisement. It is the value type of
// the registry and the payload of every event.
type Record struct {
	// Name is the exact wire-form service name. Case is preserved.
	Name string

	// Type is the RR type mnemonic, e.g. "PTR", or "TYPE<n>" for codes
	// without a known mnemonic.
	Type string

	// Data is the raw rdata, carried opaquely.
	Data []byte

	// TTL is the advertised lifetime in seconds. A zero TTL marks a
	// goodbye record.
	TTL uint32

	// Source is the sender address of the datagram this record came from.
	Source net.Addr

	// ObservedAt is the time the record was first seen. The registry keeps
	// the first-seen time across updates.
	ObservedAt time.Time

	// Goodbye is true if TTL == 0.
	Goodbye bool
}

// Expired reports whether the record is stale at the given time.
// Records with a zero TTL never expire by time.
func (r *Record) Expired(now time.Time) bool {
	if r.TTL == 0 {
		return false
	}
	return now.After(r.ObservedAt.Add(time.Duration(r.TTL) * time.Second))
}

type Kind uint8

const (
	KindAdvertised Kind = iota
	KindRemoved
	KindExpired
)

func (k Kind) String() string {
	switch k {
	case KindAdvertised:
		return "advertised"
	case KindRemoved:
		return "removed"
	case KindExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event is a service lifecycle notification.
type Event struct {
	Kind   Kind
	Record Record

	// IsNew is set on advertised events when the record was not in the
	// registry before. Informational only.
	IsNew bool
}

// Handler consumes events. Handlers run synchronously on the publisher's
// goroutine and must not block for long.
type Handler func(Event)

var nopLogger = zap.NewNop()

// Hub is a registered-callback fanout owned by the emitting components.
// A zero Hub is not usable, use NewHub.
type Hub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers []Handler
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = nopLogger
	}
	return &Hub{logger: logger}
}

// Subscribe registers h for all subsequent events. Subscriptions cannot be
// removed, subscribers that lost interest should return early.
func (h *Hub) Subscribe(fn Handler) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.handlers = append(h.handlers, fn)
	h.mu.Unlock()
}

// Publish delivers e to every subscriber. A panicking subscriber is recovered
// and logged so that it can never take down the publisher (e.g. the registry
// sweep timer).
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	handlers := h.handlers
	h.mu.RUnlock()

	for _, fn := range handlers {
		h.publishOne(fn, e)
	}
}

func (h *Hub) publishOne(fn Handler, e Event) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("event handler panic",
				zap.Stringer("kind", e.Kind),
				zap.String("name", e.Record.Name),
				zap.Any("panic", p))
		}
	}()
	fn(e)
}
