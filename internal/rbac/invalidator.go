package rbac

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	// InvalidationChannel carries role names whose cached permissions are stale.
	InvalidationChannel = "rbac.invalidate"

	invalidateAllPayload = "*"
)

// Invalidator fans cache invalidations out to every instance through Redis pub/sub.
type Invalidator struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewInvalidator builds an Invalidator on the default channel.
func NewInvalidator(client *redis.Client, logger *slog.Logger) *Invalidator {
	return &Invalidator{client: client, channel: InvalidationChannel, logger: logger}
}

// Publish announces that role changed. An empty role announces a full purge.
func (i *Invalidator) Publish(ctx context.Context, role Role) error {
	if i == nil || i.client == nil {
		return nil
	}
	payload := string(role)
	if payload == "" {
		payload = invalidateAllPayload
	}
	if err := i.client.Publish(ctx, i.channel, payload).Err(); err != nil {
		return fmt.Errorf("rbac: publish invalidation: %w", err)
	}
	return nil
}

// Listen subscribes and calls fn for every announcement until ctx is done.
// fn receives the empty role for a full purge. Unknown roles are ignored.
func (i *Invalidator) Listen(ctx context.Context, fn func(Role)) error {
	if i == nil || i.client == nil {
		return nil
	}
	pubsub := i.client.Subscribe(ctx, i.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("rbac: subscribe invalidation: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == invalidateAllPayload {
					fn("")
					continue
				}
				role, err := ParseRole(msg.Payload)
				if err != nil {
					if i.logger != nil {
						i.logger.Warn("rbac invalidation ignored", slog.String("payload", msg.Payload))
					}
					continue
				}
				fn(role)
			}
		}
	}()
	return nil
}
