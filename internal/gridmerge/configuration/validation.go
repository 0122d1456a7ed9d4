package configuration

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	commonconfig "github.com/G-Research/gridmerge/internal/common/config"
)

// Validate checks the struct tags, the logging config and the fields the selected transport needs.
// Struct tag failures are returned as validator.ValidationErrors so they can be logged per field.
func (c GridMergeConfiguration) Validate() error {
	if err := commonconfig.Validate(c); err != nil {
		return err
	}
	var result *multierror.Error
	if err := c.Logging.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Transport.validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if !c.Simulator.Test && c.Simulator.Command == "" {
		result = multierror.Append(result, errors.New("simulator.command is required unless simulator.test is set"))
	}
	return result.ErrorOrNil()
}

func (t TransportConfig) validate() error {
	switch t.Kind {
	case TCPTransport:
		if t.Tcp.Address == "" {
			return errors.New("transport.tcp.address is required for the tcp transport")
		}
	case NATSTransport:
		if t.Nats.Url == "" || t.Nats.Subject == "" {
			return errors.New("transport.nats.url and transport.nats.subject are required for the nats transport")
		}
	case RedisTransport:
		if len(t.Redis.Addrs) == 0 || t.Redis.Key == "" {
			return errors.New("transport.redis.addrs and transport.redis.key are required for the redis transport")
		}
		if t.Redis.PollInterval <= 0 {
			return errors.New("transport.redis.pollInterval must be positive")
		}
	}
	return nil
}
