package channel

import (
	"context"
	"sync"

	"callsignal/pkg/constants"
)

// MemoryTransport is an in-process broker with Redis Pub/Sub delivery
// semantics: a publish reaches only the subscriptions confirmed at that
// moment, and a full subscriber buffer drops the payload. Confirmation can be
// withheld or failed per channel.
type MemoryTransport struct {
	mu         sync.Mutex
	subs       map[string]map[*memorySubscription]struct{}
	held       map[string]bool
	failures   map[string]error
	subscribes map[string]int
	bufferSize int
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:       make(map[string]map[*memorySubscription]struct{}),
		held:       make(map[string]bool),
		failures:   make(map[string]error),
		subscribes: make(map[string]int),
		bufferSize: constants.InboxBufferSize,
	}
}

// HoldConfirmations makes Confirm on channel block until its context ends
func (t *MemoryTransport) HoldConfirmations(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[channel] = true
}

// FailConfirmations makes Confirm on channel return err
func (t *MemoryTransport) FailConfirmations(channel string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[channel] = err
}

// Reset clears held and failed confirmations for channel
func (t *MemoryTransport) Reset(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, channel)
	delete(t.failures, channel)
}

// Subscribes returns how many times channel has been subscribed to
func (t *MemoryTransport) Subscribes(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribes[channel]
}

// Subscribers returns the number of confirmed, open subscriptions on channel
func (t *MemoryTransport) Subscribers(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[channel])
}

func (t *MemoryTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribes[channel]++

	return &memorySubscription{
		transport: t,
		channel:   channel,
		out:       make(chan []byte, t.bufferSize),
		closed:    make(chan struct{}),
	}, nil
}

func (t *MemoryTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for sub := range t.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.out <- msg:
		default:
			// slow subscriber
		}
	}
	return nil
}

type memorySubscription struct {
	transport *MemoryTransport
	channel   string
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Confirm(ctx context.Context) error {
	t := s.transport

	t.mu.Lock()
	held := t.held[s.channel]
	failure := t.failures[s.channel]
	t.mu.Unlock()

	if failure != nil {
		return failure
	}
	if held {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrClosed
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if t.subs[s.channel] == nil {
		t.subs[s.channel] = make(map[*memorySubscription]struct{})
	}
	t.subs[s.channel][s] = struct{}{}
	return nil
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		t := s.transport
		t.mu.Lock()
		defer t.mu.Unlock()

		if subs := t.subs[s.channel]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(t.subs, s.channel)
			}
		}
		close(s.closed)
		close(s.out)
	})
	return nil
}
