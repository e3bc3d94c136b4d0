package rsink

import (
	"context"
	"encoding/json"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/luno/txrelay"
)

// Redis publishes events as JSON to a redis pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

// NewRedis returns a sink publishing to channel.
func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// DialRedis returns a client for the redis server at url, ex. "redis://localhost:6379/0".
func DialRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return redis.NewClient(opt), nil
}

func (r *Redis) Name() string {
	return "redis"
}

// Channel returns the pub/sub channel subscribers should listen on.
func (r *Redis) Channel() string {
	return r.channel
}

func (r *Redis) Publish(ctx context.Context, e txrelay.DeliveredEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return errors.Wrap(err, "redis publish", j.KS("channel", r.channel))
	}
	return nil
}
