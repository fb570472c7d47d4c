// Package channel provides an in-memory transport for tests and local
// development. Published messages travel over a Watermill gochannel bus into a
// work queue per topic; every subscriber of a topic competes for the queued
// messages the way broker consumers on one queue do. Nacked or abandoned
// messages go back to the front of the queue.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/docflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// ErrClosed is returned after the PubSub has been closed.
var ErrClosed = errors.New("docflow: channel transport closed")

// Factory allows overriding the queue creation for testing.
var Factory = func(logger watermill.LoggerAdapter) *PubSub {
	return New(logger)
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-memory transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps := Factory(logger)
	return transport.Transport{
		Publisher:  ps,
		Subscriber: ps,
		Inspector:  ps,
		Probe:      ps,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// PubSub is an in-memory work-queue broker.
type PubSub struct {
	bus    *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	queues  map[string]*queue
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New returns an empty PubSub.
func New(logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSub{
		bus: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logger),
		logger:  logger,
		queues:  make(map[string]*queue),
		closing: make(chan struct{}),
	}
}

func (p *PubSub) queue(topic string) (*queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if q, ok := p.queues[topic]; ok {
		return q, nil
	}

	incoming, err := p.bus.Subscribe(context.Background(), topic)
	if err != nil {
		return nil, err
	}
	q := newQueue()
	p.queues[topic] = q

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for msg := range incoming {
			q.push(msg.Copy())
			msg.Ack()
		}
	}()
	return q, nil
}

// Publish implements message.Publisher. It returns once the messages are queued.
func (p *PubSub) Publish(topic string, messages ...*message.Message) error {
	if _, err := p.queue(topic); err != nil {
		return err
	}
	return p.bus.Publish(topic, messages...)
}

// Subscribe implements message.Subscriber. Each returned channel delivers one
// message at a time and waits for its Ack or Nack before delivering the next.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	q, err := p.queue(topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	q.addConsumer(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)
		defer q.addConsumer(-1)
		p.deliver(ctx, q, out)
	}()
	return out, nil
}

func (p *PubSub) deliver(ctx context.Context, q *queue, out chan<- *message.Message) {
	for {
		msg, ok := q.take(ctx, p.closing)
		if !ok {
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			q.requeue(msg.Copy())
			return
		case <-p.closing:
			q.requeue(msg.Copy())
			return
		}

		select {
		case <-msg.Acked():
			q.settle()
		case <-msg.Nacked():
			q.requeue(msg.Copy())
		case <-ctx.Done():
			q.requeue(msg.Copy())
			return
		case <-p.closing:
			q.requeue(msg.Copy())
			return
		}
	}
}

// QueueDepth implements transport.QueueInspector. It counts messages waiting
// for a consumer; unknown topics are empty.
func (p *PubSub) QueueDepth(_ context.Context, topic string) (int64, error) {
	p.mu.Lock()
	q, ok := p.queues[topic]
	p.mu.Unlock()
	if !ok {
		return 0, nil
	}
	ready, _, _ := q.stats()
	return int64(ready), nil
}

// ConsumerCount implements transport.QueueInspector.
func (p *PubSub) ConsumerCount(_ context.Context, topic string) (int64, error) {
	p.mu.Lock()
	q, ok := p.queues[topic]
	p.mu.Unlock()
	if !ok {
		return 0, nil
	}
	_, _, consumers := q.stats()
	return int64(consumers), nil
}

// Ping implements transport.BrokerProbe.
func (p *PubSub) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. It is safe to call more than once.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	err := p.bus.Close()
	p.wg.Wait()
	return err
}

type queue struct {
	mu        sync.Mutex
	ready     []*message.Message
	inFlight  int
	consumers int
	wake      chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{})}
}

func (q *queue) push(msg *message.Message) {
	q.mu.Lock()
	q.ready = append(q.ready, msg)
	q.signalLocked()
	q.mu.Unlock()
}

func (q *queue) requeue(msg *message.Message) {
	q.mu.Lock()
	q.inFlight--
	q.ready = append([]*message.Message{msg}, q.ready...)
	q.signalLocked()
	q.mu.Unlock()
}

func (q *queue) settle() {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
}

func (q *queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *queue) take(ctx context.Context, closing <-chan struct{}) (*message.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready[0] = nil
			q.ready = q.ready[1:]
			q.inFlight++
			q.mu.Unlock()
			return msg, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, false
		case <-closing:
			return nil, false
		}
	}
}

func (q *queue) addConsumer(delta int) {
	q.mu.Lock()
	q.consumers += delta
	q.mu.Unlock()
}

func (q *queue) stats() (ready, inFlight, consumers int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), q.inFlight, q.consumers
}
