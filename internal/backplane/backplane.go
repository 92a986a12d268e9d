// Package backplane provides the cross-node delivery fabric.
//
// Publish/subscribe over the shared hot store is the ONLY mechanism by
// which one node reaches connections hosted on another. Each node keeps at
// most one bus subscription per channel, reference-counted by its local
// subscriber count: the first local subscriber opens it, the last closes
// it. Received payloads are handed to the delivery callback, which fans
// them out to matching local connections.
//
// Channels:
//
//	room:{roomId} - chat broadcasts to a room
//	user:{userId} - location fan-out to wherever a user's connections live
//
// Concurrency:
//   - A single receive goroutine drains the bus subscription.
//   - The refcount map is mutex-protected; Subscribe/Unsubscribe are safe
//     from any goroutine.
package backplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/skimate/realtime/internal/hot"
	"github.com/skimate/realtime/internal/logger"
)

// Deliver receives every payload published on a channel this node is
// subscribed to, including payloads this node published itself.
type Deliver func(channel string, payload []byte)

// Backplane multiplexes the node's bus subscriptions.
type Backplane struct {
	hot     *hot.Client
	deliver Deliver

	mu     sync.Mutex
	refs   map[string]int
	pubsub *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a backplane that hands received payloads to deliver.
func New(hotClient *hot.Client, deliver Deliver) *Backplane {
	ctx, cancel := context.WithCancel(context.Background())
	return &Backplane{
		hot:     hotClient,
		deliver: deliver,
		refs:    make(map[string]int),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start opens the bus subscription and begins the receive loop.
func (b *Backplane) Start() {
	b.pubsub = b.hot.Subscribe(b.ctx)
	go b.receiveLoop()
}

// Stop tears down the receive loop and the bus subscription.
func (b *Backplane) Stop() {
	b.cancel()
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	<-b.done
}

func (b *Backplane) receiveLoop() {
	defer close(b.done)

	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(msg.Channel, []byte(msg.Payload))
		case <-b.ctx.Done():
			return
		}
	}
}

// Subscribe adds a local reference to a channel, opening the bus
// subscription when it is the first.
func (b *Backplane) Subscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refs[channel]++
	if b.refs[channel] > 1 {
		return nil
	}
	if err := b.pubsub.Subscribe(b.ctx, channel); err != nil {
		b.refs[channel]--
		if b.refs[channel] == 0 {
			delete(b.refs, channel)
		}
		return fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}
	logger.Backplane().Debug().Str("channel", channel).Msg("Channel subscribed")
	return nil
}

// Unsubscribe drops a local reference, closing the bus subscription when
// it was the last.
func (b *Backplane) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, ok := b.refs[channel]
	if !ok {
		return nil
	}
	if count > 1 {
		b.refs[channel] = count - 1
		return nil
	}
	delete(b.refs, channel)
	if err := b.pubsub.Unsubscribe(b.ctx, channel); err != nil {
		return fmt.Errorf("failed to unsubscribe from channel %s: %w", channel, err)
	}
	logger.Backplane().Debug().Str("channel", channel).Msg("Channel unsubscribed")
	return nil
}

// Publish sends a payload on a channel; every node with a subscription
// receives it, this one included.
func (b *Backplane) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.hot.Publish(ctx, channel, payload)
}

// Subscribed reports whether this node currently holds the channel.
func (b *Backplane) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[channel] > 0
}
