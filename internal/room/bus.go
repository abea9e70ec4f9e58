package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = keyPrefix + "relay"

// Delivery is one frame addressed to a room. Exclude names the sending
// connection for exclude-sender events and is empty for include-everyone.
type Delivery struct {
	Room    string          `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// Bus carries deliveries between relay instances. Every instance, the
// publisher included, receives each delivery and fans it out to its own
// local connections.
type Bus interface {
	Publish(ctx context.Context, d Delivery) error
	// Run blocks, handing each received delivery to deliver until ctx ends.
	Run(ctx context.Context, deliver func(Delivery)) error
}

// RedisBus is a Bus over Redis pub/sub.
type RedisBus struct {
	rdb       *redis.Client
	log       *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisBus(rdb *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log, ready: make(chan struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := b.rdb.Publish(ctx, relayChannel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ready is closed once the first subscription is confirmed by Redis.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBus) Run(ctx context.Context, deliver func(Delivery)) error {
	pubsub := b.rdb.Subscribe(ctx, relayChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.log.Warn("Dropping malformed relay delivery", zap.Error(err))
				continue
			}
			deliver(d)
		}
	}
}
