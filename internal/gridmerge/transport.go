package gridmerge

import (
	"context"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/configuration"
	"github.com/G-Research/gridmerge/internal/gridmerge/signal"
)

var errChannelTransport = &griderrors.ErrInvalidArgument{
	Name:    "transport.kind",
	Value:   configuration.ChannelTransport,
	Message: "the channel transport only connects workers running in the same process; use the local command",
}

// OpenSource opens the coordinator side of the configured transport.
func OpenSource(config configuration.TransportConfig) (signal.Source, error) {
	switch config.Kind {
	case configuration.TCPTransport:
		source, err := signal.ListenTCP(config.Tcp.Address)
		if err != nil {
			return nil, err
		}
		return source, nil
	case configuration.NATSTransport:
		source, err := signal.NewNATSSource(config.Nats.Url, config.Nats.Subject)
		if err != nil {
			return nil, err
		}
		return source, nil
	case configuration.RedisTransport:
		return signal.NewRedisSource(redisClient(config.Redis), config.Redis.Key, config.Redis.PollInterval), nil
	case configuration.ChannelTransport:
		return nil, errors.WithStack(errChannelTransport)
	}
	return nil, errors.Errorf("unknown transport %q", config.Kind)
}

// OpenSink opens the worker side of the configured transport.
func OpenSink(ctx context.Context, config configuration.TransportConfig) (signal.Sink, error) {
	switch config.Kind {
	case configuration.TCPTransport:
		sink, err := signal.DialTCP(ctx, config.Tcp.Address, config.Tcp.DialAttempts, config.Tcp.DialDelay)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case configuration.NATSTransport:
		sink, err := signal.NewNATSSink(config.Nats.Url, config.Nats.Subject)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case configuration.RedisTransport:
		return signal.NewRedisSink(redisClient(config.Redis), config.Redis.Key), nil
	case configuration.ChannelTransport:
		return nil, errors.WithStack(errChannelTransport)
	}
	return nil, errors.Errorf("unknown transport %q", config.Kind)
}

// resetAbort clears the abort mark of an earlier run on transports that persist it.
// Over TCP workers notice a stopped coordinator when their next Send fails.
func resetAbort(source signal.Source) error {
	if aborter, ok := source.(signal.Aborter); ok {
		return aborter.ResetAbort()
	}
	return nil
}

func redisClient(config configuration.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    config.Addrs,
		Password: config.Password,
		DB:       config.Db,
	})
}
