// Package eventbroker provides bounded, blocking FIFO queues connecting
// the bus client, broker client, scheduler, and flow engine. Each queue
// decouples one producer/consumer pair so a slow consumer applies
// backpressure instead of the producer silently dropping work.
package eventbroker

import (
	"context"
	"fmt"

	"github.com/dbus2mqtt/bridge/internal/config"
)

// DefaultDepth is the default queue capacity when a Config leaves Depth
// unset.
const DefaultDepth = 256

// Config controls queue depths. A zero value in any field falls back to
// DefaultDepth.
type Config struct {
	InboundDepth  int
	OutboundDepth int
	SignalDepth   int
	TriggerDepth  int
}

func (c Config) depth(v int) int {
	if v <= 0 {
		return DefaultDepth
	}
	return v
}

// InboundMessage is a message received from the broker, destined for the
// bus client's command dispatch. LogUnmatched is set when no configured
// mqtt_message flow trigger matched the message's topic, so the bus client
// can emit a single diagnostic line if no command topic matches either,
// instead of silently dropping it.
type InboundMessage struct {
	Topic        string
	Payload      []byte
	LogUnmatched bool
}

// OutboundMessage is a message produced by the bus client or a flow
// action, destined for publication to the broker.
type OutboundMessage struct {
	Topic   string
	Payload []byte
	Retain  bool
	QoS     byte
	// PayloadType records how Payload was produced, so the broker client
	// knows a "binary" message's Payload is a file:// URI to be read
	// rather than literal bytes to publish as-is.
	PayloadType config.PayloadType
}

// SignalEvent is a D-Bus signal observed by the bus client, destined for
// flow trigger matching.
type SignalEvent struct {
	BusName   string
	Path      string
	Interface string
	Signal    string
	Args      []any
}

// TriggerMessage fires a flow: the flow ID that matched, plus enough
// context for the flow engine to build an ExecutionContext.
type TriggerMessage struct {
	FlowID    string
	BusName   string
	Path      string
	Interface string
	Signal    string
	Args      []any
	Topic     string
	Payload   []byte
}

// queue is a bounded FIFO implemented as a buffered channel plus a
// closed flag so Enqueue on a closed queue fails instead of panicking.
type queue[T any] struct {
	ch     chan T
	closed chan struct{}
}

func newQueue[T any](depth int) *queue[T] {
	return &queue[T]{
		ch:     make(chan T, depth),
		closed: make(chan struct{}),
	}
}

// Enqueue blocks until there is room, ctx is canceled, or the queue is
// closed.
func (q *queue[T]) Enqueue(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-q.closed:
		return fmt.Errorf("eventbroker: queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an item is available, ctx is canceled, or the
// queue is closed and drained.
func (q *queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, fmt.Errorf("eventbroker: queue closed")
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len reports the number of items currently buffered.
func (q *queue[T]) Len() int {
	return len(q.ch)
}

// Close marks the queue closed. Pending Enqueue calls return an error;
// buffered items already in the channel remain Dequeue-able until drained.
func (q *queue[T]) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
		close(q.ch)
	}
}

// Broker holds the four queues that connect the bridge's subsystems.
type Broker struct {
	Inbound  *queue[InboundMessage]
	Outbound *queue[OutboundMessage]
	Signals  *queue[SignalEvent]
	Triggers *queue[TriggerMessage]
}

// New creates a Broker with the given queue depths.
func New(cfg Config) *Broker {
	return &Broker{
		Inbound:  newQueue[InboundMessage](cfg.depth(cfg.InboundDepth)),
		Outbound: newQueue[OutboundMessage](cfg.depth(cfg.OutboundDepth)),
		Signals:  newQueue[SignalEvent](cfg.depth(cfg.SignalDepth)),
		Triggers: newQueue[TriggerMessage](cfg.depth(cfg.TriggerDepth)),
	}
}

// Close closes all four queues. Safe to call more than once.
func (b *Broker) Close() {
	b.Inbound.Close()
	b.Outbound.Close()
	b.Signals.Close()
	b.Triggers.Close()
}
