package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePubSub replays scripted Receive results. An error in replies is
// returned as the Receive error. Once replies run out Receive blocks on ctx.
type fakePubSub struct {
	mu       sync.Mutex
	replies  []interface{}
	received int
	messages chan *redis.Message
	closed   bool
}

func newFakePubSub(replies ...interface{}) *fakePubSub {
	return &fakePubSub{replies: replies, messages: make(chan *redis.Message, 4)}
}

func (f *fakePubSub) Receive(ctx context.Context) (interface{}, error) {
	f.mu.Lock()
	if len(f.replies) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	f.received++
	f.mu.Unlock()

	if err, ok := reply.(error); ok {
		return nil, err
	}
	return reply, nil
}

func (f *fakePubSub) Channel(...redis.ChannelOption) <-chan *redis.Message {
	return f.messages
}

func (f *fakePubSub) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.messages)
	}
	return nil
}

func (f *fakePubSub) receiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

func TestRedisSubscription_Confirm(t *testing.T) {
	const inbox = "call-signals:bob"
	confirmed := &redis.Subscription{Kind: "subscribe", Channel: inbox, Count: 1}
	errConn := errors.New("connection reset")

	tests := []struct {
		name         string
		replies      []interface{}
		wantErr      error
		wantReceives int
	}{
		{
			name:         "confirmed immediately",
			replies:      []interface{}{confirmed},
			wantReceives: 1,
		},
		{
			name: "skips messages published before confirmation",
			replies: []interface{}{
				&redis.Message{Channel: inbox, Payload: "early"},
				confirmed,
			},
			wantReceives: 2,
		},
		{
			name: "skips replies for other channels and kinds",
			replies: []interface{}{
				&redis.Subscription{Kind: "subscribe", Channel: "call-signals:alice", Count: 1},
				&redis.Subscription{Kind: "unsubscribe", Channel: inbox},
				&redis.Pong{},
				confirmed,
			},
			wantReceives: 4,
		},
		{
			name:         "transport error",
			replies:      []interface{}{errConn},
			wantErr:      errConn,
			wantReceives: 1,
		},
		{
			name:         "never confirmed",
			replies:      []interface{}{&redis.Message{Channel: inbox, Payload: "early"}},
			wantErr:      context.DeadlineExceeded,
			wantReceives: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := newFakePubSub(tt.replies...)
			sub := newRedisSubscription(inbox, ps)
			defer sub.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			err := sub.Confirm(ctx)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantReceives, ps.receiveCount())
		})
	}
}

func TestRedisSubscription_DeliversAfterConfirm(t *testing.T) {
	const inbox = "call-signals:bob"
	ps := newFakePubSub(&redis.Subscription{Kind: "subscribe", Channel: inbox, Count: 1})
	sub := newRedisSubscription(inbox, ps)

	require.NoError(t, sub.Confirm(context.Background()))

	ps.messages <- &redis.Message{Channel: inbox, Payload: `{"type":"call-ended"}`}
	select {
	case payload := <-sub.Messages():
		assert.Equal(t, `{"type":"call-ended"}`, string(payload))
	case <-time.After(waitFor):
		t.Fatal("payload not delivered")
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.Messages()
	assert.False(t, open, "closing the pubsub ends the message stream")
}

func TestRedisSubscription_CloseWithoutConfirm(t *testing.T) {
	sub := newRedisSubscription("call-signals:bob", newFakePubSub())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, open := <-sub.Messages()
	assert.False(t, open)
}
