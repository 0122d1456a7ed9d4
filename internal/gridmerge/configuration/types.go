package configuration

import (
	"strings"
	"time"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/common/logging"
)

type GridMergeConfiguration struct {
	Job JobConfig
	// Number of projections that may be merged at the same time. Each one holds a full image per channel in memory.
	QueueCapacity int `validate:"gte=1"`
	Dispatcher    DispatcherConfig
	// How often the coordinator logs the number of jobs in each state. 0 disables the report.
	ProgressInterval time.Duration `validate:"gte=0"`
	// Keep the per-job control files once a job is merged
	KeepConfigs bool
	// Keep the per-job simulator logs and the log directory once the run succeeds
	KeepLogs bool
	// Directory holding state.log and the per-job simulator logs
	LogDir string `validate:"required"`
	// Per-job control files are written to <TmpDir>/<job name>/
	TmpDir    string `validate:"required"`
	Transport TransportConfig
	Journal   JournalConfig
	AuxMerge  AuxMergeConfig
	Simulator SimulatorConfig
	Metrics   MetricsConfig
	Logging   logging.Config
}

type JobConfig struct {
	// Base control file the grid is derived from
	BaseConfig string
	// Assignment plan written by the plan command. If empty it is derived from BaseConfig and Workers.
	Plan string
	// Number of workers the grid is split over
	Workers int `validate:"gte=1"`
}

type DispatcherConfig struct {
	// Wait between two polls that found nothing to do
	IdleBackoff time.Duration `validate:"gt=0"`
	// Wait between two polls when the previous one processed jobs
	BusyBackoff time.Duration `validate:"gte=0"`
}

type TransportKind string

const (
	ChannelTransport TransportKind = "channel"
	TCPTransport     TransportKind = "tcp"
	NATSTransport    TransportKind = "nats"
	RedisTransport   TransportKind = "redis"
)

var transportKinds = []TransportKind{ChannelTransport, TCPTransport, NATSTransport, RedisTransport}

func ParseTransportKind(s string) (TransportKind, error) {
	for _, kind := range transportKinds {
		if strings.EqualFold(s, string(kind)) {
			return kind, nil
		}
	}
	return "", &griderrors.ErrInvalidArgument{Name: "transport.kind", Value: s, Message: "expected one of channel, tcp, nats or redis"}
}

func (k *TransportKind) UnmarshalText(text []byte) error {
	kind, err := ParseTransportKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

type TransportConfig struct {
	Kind TransportKind `validate:"required"`
	// Buffer size of the in-process channel
	Buffer int `validate:"gte=0"`
	Tcp    TCPConfig
	Nats   NATSConfig
	Redis  RedisConfig
}

type TCPConfig struct {
	// Address the coordinator listens on and workers dial
	Address      string
	DialAttempts uint
	DialDelay    time.Duration
}

type NATSConfig struct {
	Url     string
	Subject string
}

type RedisConfig struct {
	Addrs        []string
	Password     string
	Db           int
	Key          string
	PollInterval time.Duration
}

type JournalConfig struct {
	// If set, transitions are also recorded in this sqlite database
	SqlitePath string
}

type AuxMergeConfig struct {
	Command string `validate:"required"`
}

type SimulatorConfig struct {
	Command string
	Args    []string
	// Write synthetic images instead of running the simulator
	Test bool
}

type MetricsConfig struct {
	Port uint16
}
