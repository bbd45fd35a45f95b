package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chatserver/internal/logger"
)

const brokerChannel = "chat.events"

// RedisBroker relays room events through Redis pub/sub so sessions spread
// across instances still see each other's traffic. Without it the hub is
// single-instance and fan-out stays in-process.
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, env BrokerEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker.Publish marshal: %w", err)
	}
	if err := b.rdb.Publish(ctx, brokerChannel, data).Err(); err != nil {
		return fmt.Errorf("broker.Publish: %w", err)
	}
	return nil
}

// Subscribe blocks until ctx is cancelled, invoking handler for each relayed
// envelope. Malformed payloads are logged and skipped.
func (b *RedisBroker) Subscribe(ctx context.Context, handler func(env BrokerEnvelope)) {
	sub := b.rdb.Subscribe(ctx, brokerChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env BrokerEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Errorf("broker decode: %v", err)
				continue
			}
			handler(env)
		}
	}
}
