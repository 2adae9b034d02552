package config

import (
	"runtime"
	"time"

	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// Config is every tunable of a smyte-db process, resolved once at startup
// and passed by value afterwards.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Streaming StreamingConfig `mapstructure:"streaming" yaml:"streaming"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	TaskQueue TaskQueueConfig `mapstructure:"task_queue" yaml:"task_queue"`
	Logging   log.Config      `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout bounds the health endpoint drain on Stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// StorageConfig drives the storage provisioner.
type StorageConfig struct {
	// DBPath is the engine root. Families without a dbPaths placement live here.
	DBPath string `mapstructure:"db_path" validate:"required" yaml:"db_path"`
	// DBPaths is a JSON list of {"path","targetSizeBytes"}.
	DBPaths string `mapstructure:"db_paths" yaml:"db_paths"`
	// CFGroupConfigs is a JSON list of shard groups to create.
	CFGroupConfigs string `mapstructure:"cf_group_configs" yaml:"cf_group_configs"`
	// DropCFGroupConfigs is a JSON list of shard groups to retire.
	DropCFGroupConfigs string `mapstructure:"drop_cf_group_configs" yaml:"drop_cf_group_configs"`

	Parallelism      int  `mapstructure:"parallelism" validate:"gte=0" yaml:"parallelism"`
	BlockCacheSizeMB int  `mapstructure:"block_cache_size_mb" validate:"gte=0" yaml:"block_cache_size_mb"`
	CreateIfMissing  bool `mapstructure:"create_if_missing" yaml:"create_if_missing"`
	// CreateIfMissingOneOff allows new families on an existing engine, subject
	// to the version timestamp gate.
	CreateIfMissingOneOff bool  `mapstructure:"create_if_missing_one_off" yaml:"create_if_missing_one_off"`
	VersionTimestampMs    int64 `mapstructure:"version_timestamp_ms" validate:"gte=0" yaml:"version_timestamp_ms"`

	Fsync         string        `mapstructure:"fsync" validate:"oneof=always interval never" yaml:"fsync"`
	FsyncInterval time.Duration `mapstructure:"fsync_interval" validate:"gte=0" yaml:"fsync_interval"`
}

// StreamingConfig drives producers and consumers.
type StreamingConfig struct {
	// BrokerList is a comma separated list of NATS URLs. Empty selects the
	// embedded log.
	BrokerList string `mapstructure:"broker_list" yaml:"broker_list"`
	// ProducerConfigs is a JSON list of producer specs.
	ProducerConfigs string `mapstructure:"producer_configs" yaml:"producer_configs"`
	// ConsumerConfigs is a JSON list of consumer specs.
	ConsumerConfigs string `mapstructure:"consumer_configs" yaml:"consumer_configs"`
	ClientName      string `mapstructure:"client_name" yaml:"client_name"`
}

// ServerConfig drives the RESP listener.
type ServerConfig struct {
	Port                  int           `mapstructure:"port" validate:"gte=0,lte=65535" yaml:"port"`
	ConnectionIdleTimeout time.Duration `mapstructure:"connection_idle_timeout" validate:"gte=0" yaml:"connection_idle_timeout"`
	// Role is the replication role handed to the storage manager factory.
	Role string `mapstructure:"role" validate:"oneof=master replica" yaml:"role"`
}

// Replication roles.
const (
	RoleMaster  = "master"
	RoleReplica = "replica"
)

// MasterReplica reports whether this process is the writable master.
func (c ServerConfig) MasterReplica() bool { return c.Role == RoleMaster }

// HealthConfig drives the health and metrics endpoint.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// HTTPPort serves /healthz, /readyz and /metrics. Zero picks a free port.
	HTTPPort int `mapstructure:"http_port" validate:"gte=0,lte=65535" yaml:"http_port"`
	// GRPCPort serves grpc.health.v1 when positive.
	GRPCPort int `mapstructure:"grpc_port" validate:"gte=0,lte=65535" yaml:"grpc_port"`
}

// TaskQueueConfig tunes every scheduled task queue.
type TaskQueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0" yaml:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0" yaml:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gt=0" yaml:"max_attempts"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DBPath:           DefaultDataDir(),
			Parallelism:      runtime.NumCPU(),
			BlockCacheSizeMB: 512,
			CreateIfMissing:  true,
			Fsync:            "interval",
			FsyncInterval:    5 * time.Millisecond,
		},
		Streaming: StreamingConfig{
			ClientName: "smyte-db",
		},
		Server: ServerConfig{
			Port: 9049,
			Role: RoleMaster,
		},
		Health: HealthConfig{
			Enabled:  true,
			HTTPPort: 9050,
		},
		TaskQueue: TaskQueueConfig{
			PollInterval: 100 * time.Millisecond,
			BatchSize:    64,
			MaxAttempts:  5,
		},
		Logging: log.Config{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}
