package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
	goredis "github.com/redis/go-redis/v9"
)

// Redis keeps checkpoints as JSON values at {prefix}:{user_id}:{thread_id}.
// A zero ttl keeps them until deleted.
type Redis struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ Checkpointer = (*Redis)(nil)

type RedisOption func(*Redis)

func WithRedisPrefix(prefix string) RedisOption {
	return func(x *Redis) {
		x.prefix = prefix
	}
}

func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(x *Redis) {
		x.ttl = ttl
	}
}

// NewRedis wraps an existing client and checks connectivity
func NewRedis(ctx context.Context, rdb *goredis.Client, opts ...RedisOption) (*Redis, error) {
	x := &Redis{rdb: rdb, prefix: "tradechat:thread"}
	for _, opt := range opts {
		opt(x)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to ping redis")
	}

	return x, nil
}

func (x *Redis) key(key model.ThreadKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return x.prefix + ":" + string(key.UserID) + ":" + string(key.ThreadID), nil
}

func (x *Redis) Get(ctx context.Context, key model.ThreadKey) (*model.Checkpoint, error) {
	redisKey, err := x.key(key)
	if err != nil {
		return nil, err
	}

	data, err := x.rdb.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get checkpoint from redis", goerr.V("thread", key.String()))
	}
	return decode(data)
}

func (x *Redis) Put(ctx context.Context, key model.ThreadKey, cp *model.Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}

	redisKey, err := x.key(key)
	if err != nil {
		return err
	}

	if err := x.rdb.Set(ctx, redisKey, data, x.ttl).Err(); err != nil {
		return goerr.Wrap(err, "failed to put checkpoint to redis", goerr.V("thread", key.String()))
	}
	return nil
}
