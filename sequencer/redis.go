package sequencer

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-relational-cache/errors"
)

// RedisKeyPrefix namespaces sequence counters in redis.
const RedisKeyPrefix = "sequencer:"

// Redis increments one counter per name with INCR.
type Redis struct {
	name   string
	client redis.Cmdable
}

// NewRedis returns a sequencer backed by client.
func NewRedis(name string, client redis.Cmdable) *Redis {
	return &Redis{name: name, client: client}
}

func (r *Redis) Name() string { return r.name }

func (r *Redis) Next(ctx context.Context) (int64, error) {
	v, err := r.client.Incr(ctx, RedisKeyPrefix+r.name).Result()
	if err != nil {
		return 0, errors.Persistence("next", r.name, errors.Mark(err, errors.Transient, "redis sequence"))
	}
	return v, nil
}

func init() {
	Register("redis", Constructor{
		WithSource: func(name string, source any) (Sequencer, error) {
			client, ok := source.(redis.Cmdable)
			if !ok {
				return nil, sourceError("redis", source)
			}
			return NewRedis(name, client), nil
		},
	})
}
