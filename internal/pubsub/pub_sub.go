package pubsub

import (
	"sync"
	"sync/atomic"
)

// EventType is the type of event subscribers are listening for
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks until the subscriber's channel accepts the event. Delivery is guaranteed, but a slow
	// subscriber stalls every other subscriber of the bus.
	IsBlocking bool
}

// SubscriberID identifies a subscription. It is required to unsubscribe.
type SubscriberID uint64

// Event is a generic event with compile-time type safety for payloads.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// Logger is the subset of a leveled logger the bus reports to
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}

// Option configures a PubSubClient
type Option func(*PubSubClient)

// WithLogger makes the bus report dropped events and shutdowns
func WithLogger(l Logger) Option {
	return func(p *PubSubClient) { p.logger = l }
}

// WithQueueSize sets how many published events may wait for the broadcasting goroutine
func WithQueueSize(n int) Option {
	return func(p *PubSubClient) { p.queueSize = n }
}

// subscriber is the type-erased form of a typed channel. Channels of different Event[T] types can't share a map,
// so the registry stores closures which capture the typed channel instead.
type subscriber struct {
	send    func(eventType EventType, payload any) bool
	close   func()
	options SubscriptionOptions
	dropped atomic.Uint64
}

type envelope struct {
	eventType EventType
	payload   any
}

// PubSubClient is a thread-safe publish-subscribe bus. Events are queued by Publish and fanned out to subscribers by
// a single goroutine, so every subscriber observes the events of a given publisher in publish order.
type PubSubClient struct {
	mu sync.RWMutex
	// Used to wait for the run() goroutine to finish
	wg sync.WaitGroup

	nextID   uint64
	registry map[EventType]map[SubscriberID]*subscriber

	queueSize int
	queue     chan envelope

	shuttingDown atomic.Bool
	logger       Logger
}

// Subscribe registers ch for events of eventType. The caller creates the channel and so controls its buffer size.
//
// Go does not support methods with their own type parameters, hence the free function taking the client first,
// the same way slices.Sort takes its slice.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := SubscriberID(p.nextID)

	sub := &subscriber{
		options: opts,
		send: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				p.logger.Warnf("[PUBSUB] Type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
				return false
			}

			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription and closes its channel
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debugf("[PUBSUB] Unsubscribed %d from event type %v", id, eventType)
}

// Dropped returns how many events a non-blocking subscriber missed because its channel was full
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if sub, ok := p.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Publish queues an event for broadcasting. It returns false if the bus is shutting down.
func Publish[T any](p *PubSubClient, event *Event[T]) bool {
	// Holding the read lock keeps a shutdown from closing the queue between the check and the send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Warnf("[PUBSUB] Dropping event %v, the bus is shutting down", event.Type)
		return false
	}

	p.queue <- envelope{eventType: event.Type, payload: event.Payload}
	return true
}

// GracefulShutdown rejects new events, delivers the queued ones and waits for the broadcasting goroutine to exit.
// Subscriber channels are left open.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.queue)
	// Unlock before waiting, run() needs the read lock to drain the queue
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debugf("[PUBSUB] Bus drained and stopped")
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.queue {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if !sub.send(msg.eventType, msg.payload) && !sub.options.IsBlocking {
				dropped := sub.dropped.Add(1)
				p.logger.Warnf("[PUBSUB] Dropped event %v for subscriber %d, total dropped: %d", msg.eventType, id, dropped)
			}
		}
		p.mu.RUnlock()
	}
}

func NewPubSub(opts ...Option) *PubSubClient {
	p := &PubSubClient{
		registry:  make(map[EventType]map[SubscriberID]*subscriber),
		queueSize: 100,
		logger:    nopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan envelope, p.queueSize)

	p.wg.Add(1)
	go p.run()

	return p
}
