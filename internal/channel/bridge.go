package channel

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/reo/pkg/message"
)

// Publisher is a sink for outbound messages. Client, Server and Bridge all
// implement it.
type Publisher interface {
	Publish(ctx context.Context, msg *message.Message) error
}

// EventsChannel is the pub/sub channel carrying an instance's messages.
func EventsChannel(instance string) string {
	return fmt.Sprintf("reo:%s:events", instance)
}

// Bridge fans messages out over Redis pub/sub so that observers in other
// processes (reo watch, dashboards) can follow a workflow. Delivery is
// at-most-once.
type Bridge struct {
	rdb      *redis.Client
	instance string
}

// NewBridge connects a bridge for instance using opts.
func NewBridge(opts *redis.Options, instance string) (*Bridge, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &Bridge{rdb: redis.NewClient(opts), instance: instance}, nil
}

// NewBridgeURL parses a redis:// URL and connects a bridge for instance.
func NewBridgeURL(url, instance string) (*Bridge, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewBridge(opts, instance)
}

// Instance is the namespace the bridge publishes under.
func (b *Bridge) Instance() string { return b.instance }

// Ping verifies Redis connectivity.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *Bridge) Close() error {
	return b.rdb.Close()
}

// Publish sends msg to the instance's events channel.
func (b *Bridge) Publish(ctx context.Context, msg *message.Message) error {
	frame, err := message.Encode(msg)
	if err != nil {
		return err
	}
	payload := bytes.TrimRight(frame, "\n")
	if err := b.rdb.Publish(ctx, EventsChannel(b.instance), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", msg.Type, err)
	}
	return nil
}

// Subscription is an active subscription to an instance's events. Callers
// must Close it when done.
type Subscription struct {
	events <-chan *message.Message
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns decoded messages. The channel is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan *message.Message {
	return s.events
}

// Errors returns decode failures. The subscription continues after them.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe starts receiving the instance's events. It returns once Redis
// has confirmed the subscription, so messages published afterwards are not
// missed.
func (b *Bridge) Subscribe(ctx context.Context) (*Subscription, error) {
	channel := EventsChannel(b.instance)
	pubsub := b.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	eventsChan := make(chan *message.Message, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := message.Decode([]byte(m.Payload))
				if err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to decode event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				select {
				case eventsChan <- msg:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	log.Printf("[Bridge] Subscribed to %s", channel)
	return &Subscription{events: eventsChan, errors: errorsChan, cancel: cancel}, nil
}
