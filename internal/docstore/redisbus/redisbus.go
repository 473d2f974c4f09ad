// Package redisbus carries committed document changes between hubs over
// Redis pub/sub.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/counselcall/internal/docstore"
)

var log = logging.Logger("redisbus")

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "counselcall:changes"

// Bus is a docstore.Bus. Every engine sharing the channel receives every
// commit, including its own, in publish order.
type Bus struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub

	mu   sync.RWMutex
	next int
	subs map[int]func([]docstore.ChangeEvent)

	done chan struct{}
	once sync.Once
}

var _ docstore.Bus = (*Bus)(nil)

// New subscribes to channel on the Redis server at addr.
func New(ctx context.Context, addr, password, channel string) (*Bus, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", docstore.ErrUnavailable, addr, err)
	}
	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		client.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", docstore.ErrUnavailable, channel, err)
	}
	b := &Bus{
		client:  client,
		channel: channel,
		pubsub:  ps,
		subs:    make(map[int]func([]docstore.ChangeEvent)),
		done:    make(chan struct{}),
	}
	go b.loop()
	log.Infof("REDIS: bus on %s channel %s", addr, channel)
	return b, nil
}

func (b *Bus) loop() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var events []docstore.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &events); err != nil {
				log.Warnf("REDIS: bad change payload: %v", err)
				continue
			}
			b.mu.RLock()
			for _, fn := range b.subs {
				fn(events)
			}
			b.mu.RUnlock()
		}
	}
}

// Publish implements docstore.Bus.
func (b *Bus) Publish(ctx context.Context, events []docstore.ChangeEvent) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe implements docstore.Bus.
func (b *Bus) Subscribe(fn func([]docstore.ChangeEvent)) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// Close unsubscribes and closes the client.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.pubsub.Close()
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
