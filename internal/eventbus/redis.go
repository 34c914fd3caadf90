package eventbus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher publishes events on a redis pub/sub channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = BlockingTransitionTopic
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return errors.Wrapf(err, "publish %s to %s", event.Topic, p.channel)
	}
	return nil
}

type Params struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Config config.Config
	Log    *zap.Logger
}

// NewPublisher falls back to a no-op publisher when redis is not configured.
func NewPublisher(p Params) Publisher {
	if p.Client == nil {
		p.Log.Named("eventbus").Info("no redis client, blocking transitions will not be published")
		return NewNoopPublisher()
	}
	return NewRedisPublisher(p.Client, p.Config.Redis.EventChannel)
}

var Module = fx.Module("eventbus",
	fx.Provide(NewPublisher),
)
