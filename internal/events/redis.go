package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel progress snapshots travel on.
const DefaultChannel = "promptbatch:progress"

// RedisBus carries snapshots between processes, so a server can stream the
// progress of jobs that a worker runs.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisBus publishes and subscribes on channel through client.
func NewRedisBus(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, p models.JobProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Forward relays every snapshot on the channel into hub until ctx is done. It
// returns once the subscription is confirmed.
func (b *RedisBus) Forward(ctx context.Context, hub *Hub) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var p models.JobProgress
				if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
					slog.Warn("bad progress payload", "channel", b.channel, "error", err)
					continue
				}
				_ = hub.Publish(ctx, p)
			}
		}
	}()
	return nil
}
