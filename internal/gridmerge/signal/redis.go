package signal

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisSource pops records from a redis list that workers push to.
// The list is polled; an empty list is retried after pollInterval.
type RedisSource struct {
	db           redis.UniversalClient
	key          string
	pollInterval time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func NewRedisSource(db redis.UniversalClient, key string, pollInterval time.Duration) *RedisSource {
	return &RedisSource{
		db:           db,
		key:          key,
		pollInterval: pollInterval,
		done:         make(chan struct{}),
	}
}

func (src *RedisSource) Receive(ctx context.Context) (Signal, error) {
	for {
		data, err := src.db.LPop(src.key).Bytes()
		if err == nil {
			var s Signal
			err = s.UnmarshalBinary(data)
			return s, err
		}
		if err != redis.Nil {
			return Signal{}, errors.Wrapf(err, "failed to pop signal from %s", src.key)
		}
		select {
		case <-ctx.Done():
			return Signal{}, errors.WithStack(ctx.Err())
		case <-src.done:
			return Signal{}, ErrClosed
		case <-time.After(src.pollInterval):
		}
	}
}

func abortKey(key string) string {
	return key + ":abort"
}

func (src *RedisSource) Abort() error {
	return errors.Wrapf(src.db.Set(abortKey(src.key), 1, 0).Err(), "failed to set %s", abortKey(src.key))
}

func (src *RedisSource) ResetAbort() error {
	return errors.Wrapf(src.db.Del(abortKey(src.key)).Err(), "failed to delete %s", abortKey(src.key))
}

func (src *RedisSource) Close() error {
	var err error
	src.closeOnce.Do(func() {
		close(src.done)
		err = src.db.Close()
	})
	return errors.WithStack(err)
}

type RedisSink struct {
	db  redis.UniversalClient
	key string
}

func NewRedisSink(db redis.UniversalClient, key string) *RedisSink {
	return &RedisSink{db: db, key: key}
}

func (sink *RedisSink) Send(_ context.Context, s Signal) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return errors.WithStack(sink.db.RPush(sink.key, data).Err())
}

func (sink *RedisSink) Aborted(_ context.Context) (bool, error) {
	n, err := sink.db.Exists(abortKey(sink.key)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read %s", abortKey(sink.key))
	}
	return n > 0, nil
}

func (sink *RedisSink) Close() error {
	return errors.WithStack(sink.db.Close())
}
