package cache

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Pub/sub channels on which collaborators announce changes.
const (
	UserInvalidationChannel     = "invalidate:users"
	TemplateInvalidationChannel = "invalidate:templates"
)

// InvalidateFunc drops the entry named by an invalidation message payload.
type InvalidateFunc func(ctx context.Context, key string) error

// InvalidationListener applies invalidation events published on Redis pub/sub.
type InvalidationListener struct {
	client   redis.UniversalClient
	handlers map[string]InvalidateFunc
}

// NewInvalidationListener creates a listener for the given channel handlers.
func NewInvalidationListener(client redis.UniversalClient, handlers map[string]InvalidateFunc) *InvalidationListener {
	return &InvalidationListener{client: client, handlers: handlers}
}

// Run subscribes and dispatches messages until ctx is cancelled.
func (l *InvalidationListener) Run(ctx context.Context) error {
	channels := make([]string, 0, len(l.handlers))
	for ch := range l.handlers {
		channels = append(channels, ch)
	}

	sub := l.client.Subscribe(ctx, channels...)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	slog.Info("listening for cache invalidations", "channels", channels)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			l.handle(ctx, msg)
		}
	}
}

func (l *InvalidationListener) handle(ctx context.Context, msg *redis.Message) {
	h, ok := l.handlers[msg.Channel]
	if !ok || msg.Payload == "" {
		return
	}
	if err := h(ctx, msg.Payload); err != nil {
		slog.Error("failed to apply invalidation",
			"channel", msg.Channel,
			"key", msg.Payload,
			"error", err,
		)
		return
	}
	slog.Debug("cache invalidated", "channel", msg.Channel, "key", msg.Payload)
}
