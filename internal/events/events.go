// Package events is the observability surface of the matching core: every
// placement, cancellation, match and liquidation outcome is published as a
// typed event on an in-memory bus.
package events

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topics group related event types for subscription.
const (
	TopicOrder       = "order"
	TopicMatching    = "matching"
	TopicLiquidation = "liquidation"
)

// Event types.
const (
	TypeOrderPlaced             = "OrderPlaced"
	TypeOrderRejected           = "OrderRejected"
	TypeOrderCancelled          = "OrderCancelled"
	TypeOrderCancelRejected     = "OrderCancelRejected"
	TypeOrdersMatched           = "OrdersMatched"
	TypeOrderMatchingError      = "OrderMatchingError"
	TypeLiquidationOrderMatched = "LiquidationOrderMatched"
	TypeLiquidationError        = "LiquidationError"
)

// Event is the envelope published on the bus. Payload is one of the typed
// payload structs below.
type Event struct {
	Topic     string
	Type      string
	TraceID   string
	Timestamp time.Time
	Payload   interface{}
}

// OrderPlaced is emitted when a placement commits.
type OrderPlaced struct {
	Trader    common.Address
	OrderHash common.Hash
	Signature []byte
}

// OrderRejected is emitted when a placement fails validation; Err carries
// the reason code string.
type OrderRejected struct {
	Trader    common.Address
	OrderHash common.Hash
	Err       string
}

type OrderCancelled struct {
	Trader    common.Address
	OrderHash common.Hash
}

type OrderCancelRejected struct {
	Trader    common.Address
	OrderHash common.Hash
	Err       string
}

// OrdersMatched reports a committed fill between two resting orders.
type OrdersMatched struct {
	OrderHash0           common.Hash
	OrderHash1           common.Hash
	FillAmount           *big.Int
	Price                *big.Int
	OpenInterestNotional *big.Int
	Relayer              common.Address
}

type OrderMatchingError struct {
	OrderHash common.Hash
	Err       string
}

type LiquidationOrderMatched struct {
	Trader               common.Address
	OrderHash            common.Hash
	FillAmount           *big.Int
	Price                *big.Int
	OpenInterestNotional *big.Int
	Relayer              common.Address
}

type LiquidationError struct {
	Trader      common.Address
	OrderHash   common.Hash
	Err         string
	ToLiquidate *big.Int
}

// Handler consumes an event. Handlers run synchronously on the publishing
// goroutine (block processing is sequential per market); a panicking handler
// is recovered and logged, never propagated into the matching path.
type Handler func(Event)

// Bus is a topic-keyed fan-out of matching-core events.
type Bus struct {
	mu     sync.RWMutex
	logger *zap.Logger
	subs   map[string][]Handler
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger.Named("events"),
		subs:   make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// Publish delivers an event to all subscribers of its topic.
func (b *Bus) Publish(topic, eventType string, payload interface{}) {
	event := Event{
		Topic:     topic,
		Type:      eventType,
		TraceID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[topic]...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		b.deliver(handler, event)
	}
	b.logger.Debug("event published",
		zap.String("topic", topic),
		zap.String("type", eventType),
		zap.String("trace_id", event.TraceID),
	)
}

func (b *Bus) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.Any("recover", r),
				zap.String("topic", event.Topic),
				zap.String("type", event.Type),
			)
		}
	}()
	handler(event)
}
