package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/dyluth/reo/internal/channel"
	"github.com/dyluth/reo/pkg/message"
)

// ErrStreamClosed is returned by a Source whose underlying stream has ended.
var ErrStreamClosed = errors.New("event stream closed")

// Source yields workflow messages one at a time.
type Source interface {
	Next(ctx context.Context) (*message.Message, error)
}

type subscriptionSource struct {
	events <-chan *message.Message
	errs   <-chan error
}

// FromSubscription reads from a Redis bridge subscription. Decode failures
// are logged and skipped.
func FromSubscription(sub *channel.Subscription) Source {
	return &subscriptionSource{events: sub.Events(), errs: sub.Errors()}
}

func (s *subscriptionSource) Next(ctx context.Context) (*message.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-s.errs:
			if !ok {
				s.errs = nil
				continue
			}
			log.Printf("[Watch] Skipping event: %v", err)
		case msg, ok := <-s.events:
			if !ok {
				return nil, ErrStreamClosed
			}
			return msg, nil
		}
	}
}

type queueSource struct {
	queue *channel.Queue
}

// FromQueue reads from a channel client's inbound queue, which receives
// everything the orchestrator publishes to connected peers.
func FromQueue(q *channel.Queue) Source {
	return &queueSource{queue: q}
}

func (s *queueSource) Next(ctx context.Context) (*message.Message, error) {
	return s.queue.Poll(ctx)
}

// Stream writes every message from src to w in the given format until ctx
// is cancelled or the source closes. Only types in filter are written; an
// empty filter writes everything.
func Stream(ctx context.Context, src Source, format OutputFormat, w io.Writer, filter ...message.Type) error {
	formatter, err := NewFormatter(format, w)
	if err != nil {
		return err
	}
	allowed := make(map[message.Type]bool, len(filter))
	for _, t := range filter {
		allowed[t] = true
	}

	for {
		msg, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrStreamClosed) {
				return nil
			}
			return fmt.Errorf("failed to read event: %w", err)
		}
		if len(allowed) > 0 && !allowed[msg.Type] {
			continue
		}
		if err := formatter.Format(msg); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
}

// WaitFor reads from src until a message satisfies match, the timeout
// elapses, or ctx is cancelled. Messages that do not match are discarded.
func WaitFor(ctx context.Context, src Source, match func(*message.Message) bool, timeout time.Duration) (*message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		msg, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("timeout waiting for event after %v", timeout)
			}
			return nil, err
		}
		if match(msg) {
			return msg, nil
		}
	}
}

// OfType matches messages of any of the given types.
func OfType(types ...message.Type) func(*message.Message) bool {
	return func(msg *message.Message) bool {
		for _, t := range types {
			if msg.Type == t {
				return true
			}
		}
		return false
	}
}
