package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vmsgate/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "vmsgate:events"

// Event is the envelope published for every stream lifecycle transition.
type Event struct {
	domain.StreamEvent
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// RedisConn is the subset of *redis.Client the bus uses.
type RedisConn interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// EventBus publishes stream events to Redis from a background goroutine.
// PublishStreamEvent never blocks: when the queue is full the event is dropped.
type EventBus struct {
	client     RedisConn
	channel    string
	instanceID string
	timeout    time.Duration
	logger     *zap.SugaredLogger

	queue     chan Event
	dropped   atomic.Int64
	started   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	now       func() time.Time
}

func NewEventBus(client RedisConn, channel, instanceID string, queueSize int, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &EventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		timeout:    3 * time.Second,
		logger:     logger,
		queue:      make(chan Event, queueSize),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// PublishStreamEvent implements ports.EventPublisher.
func (eb *EventBus) PublishStreamEvent(event domain.StreamEvent) {
	select {
	case <-eb.closed:
		return
	default:
	}
	e := Event{StreamEvent: event, InstanceID: eb.instanceID, Timestamp: eb.now()}
	select {
	case eb.queue <- e:
	default:
		if n := eb.dropped.Add(1); n%100 == 1 {
			eb.logger.Warnw("event queue full, dropping stream events", "dropped", n, "type", event.Type)
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (eb *EventBus) Dropped() int64 { return eb.dropped.Load() }

// Start publishes queued events in the background until Close is called,
// then drains what is left.
func (eb *EventBus) Start(ctx context.Context) {
	if eb.started.CompareAndSwap(false, true) {
		go eb.run(ctx)
	}
}

func (eb *EventBus) run(ctx context.Context) {
	defer close(eb.done)
	for {
		select {
		case e := <-eb.queue:
			eb.publish(ctx, e)
		case <-eb.closed:
			for {
				select {
				case e := <-eb.queue:
					eb.publish(ctx, e)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (eb *EventBus) publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		eb.logger.Warnw("failed to marshal event", "type", e.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, eb.timeout)
	defer cancel()
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		eb.logger.Warnw("failed to publish event", "type", e.Type, "stream_id", e.StreamID, "error", err)
		return
	}
	eb.logger.Debugw("published event", "type", e.Type, "stream_id", e.StreamID, "guid", e.Channel)
}

// Subscribe calls handler for events published by other instances until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", eb.channel)
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// Close stops accepting events and waits for the queue to be flushed.
func (eb *EventBus) Close() {
	eb.closeOnce.Do(func() { close(eb.closed) })
	if eb.started.Load() {
		<-eb.done
	}
}
