package config

import (
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Raft      RaftConfig      `mapstructure:"raft"`
	LogStream LogStreamConfig `mapstructure:"logstream"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Exporters ExportersConfig `mapstructure:"exporters"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Log       LogConfig       `mapstructure:"log"`
	Feature   FeatureConfig   `mapstructure:"feature"`
}

type NodeConfig struct {
	ID      uint64 `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
}

type MemberConfig struct {
	ID      uint64 `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

type ClusterConfig struct {
	Partitions int            `mapstructure:"partitions"`
	Members    []MemberConfig `mapstructure:"members"`
}

type JournalConfig struct {
	SegmentSize    string `mapstructure:"segment_size"`
	SegmentEntries int    `mapstructure:"segment_entries"`
}

// SegmentSizeBytes parses SegmentSize ("64MB", "512K").
func (c JournalConfig) SegmentSizeBytes() (int64, error) {
	n, err := bytefmt.ToBytes(c.SegmentSize)
	if err != nil {
		return 0, fmt.Errorf("journal.segment_size: %w", err)
	}
	return int64(n), nil
}

type RaftConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	ElectionTicks   int           `mapstructure:"election_ticks"`
	HeartbeatTicks  int           `mapstructure:"heartbeat_ticks"`
	MaxSizePerMsg   uint64        `mapstructure:"max_size_per_msg"`
	MaxInflightMsgs int           `mapstructure:"max_inflight_msgs"`
	CheckQuorum     bool          `mapstructure:"check_quorum"`
}

type LogStreamConfig struct {
	MaxInflightEntries int `mapstructure:"max_inflight_entries"`
}

type ProcessorConfig struct {
	SideEffectAttempts int           `mapstructure:"side_effect_attempts"`
	SideEffectInterval time.Duration `mapstructure:"side_effect_interval"`
	SideEffectBackoff  int           `mapstructure:"side_effect_backoff"`
}

type SnapshotConfig struct {
	Period time.Duration `mapstructure:"period"`
	// MinEntries skips a snapshot when fewer entries were processed since
	// the previous one.
	MinEntries uint64 `mapstructure:"min_entries"`
}

type ExportersConfig struct {
	SQLite SQLiteExporterConfig `mapstructure:"sqlite"`
}

type SQLiteExporterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type GatewayConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Network          string        `mapstructure:"network"`
	Address          string        `mapstructure:"address"`
	UnixSocketPath   string        `mapstructure:"unix_socket_path"`
	AuthToken        string        `mapstructure:"auth_token"`
	MaxInflight      int           `mapstructure:"max_inflight"`
	GlobalQueueLimit int           `mapstructure:"global_queue_limit"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	DedupeTTL        time.Duration `mapstructure:"dedupe_ttl"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	Topics      []string `mapstructure:"topics"`
	GroupID     string   `mapstructure:"group_id"`
	ClientID    string   `mapstructure:"client_id"`
	WorkerCount int      `mapstructure:"worker_count"`
	CommitMode  string   `mapstructure:"commit_mode"`
}

type RabbitMQConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Queue         string `mapstructure:"queue"`
	ConsumerTag   string `mapstructure:"consumer_tag"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
	WorkerCount   int    `mapstructure:"worker_count"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

const commitModeAfterCommit = "after_log_commit"

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("conduit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.data_dir", "data")
	v.SetDefault("cluster.partitions", 1)
	v.SetDefault("journal.segment_size", "64MB")
	v.SetDefault("raft.tick_interval", 20*time.Millisecond)
	v.SetDefault("raft.election_ticks", 10)
	v.SetDefault("raft.heartbeat_ticks", 1)
	v.SetDefault("raft.max_size_per_msg", 1<<20)
	v.SetDefault("raft.max_inflight_msgs", 256)
	v.SetDefault("raft.check_quorum", true)
	v.SetDefault("logstream.max_inflight_entries", 256)
	v.SetDefault("processor.side_effect_attempts", 5)
	v.SetDefault("processor.side_effect_interval", 100*time.Millisecond)
	v.SetDefault("processor.side_effect_backoff", 2)
	v.SetDefault("snapshot.period", 5*time.Minute)
	v.SetDefault("snapshot.min_entries", 1)
	v.SetDefault("gateway.network", "tcp")
	v.SetDefault("gateway.address", "127.0.0.1:26500")
	v.SetDefault("gateway.max_inflight", 64)
	v.SetDefault("gateway.global_queue_limit", 4096)
	v.SetDefault("gateway.request_timeout", 15*time.Second)
	v.SetDefault("gateway.dedupe_ttl", 10*time.Minute)
	v.SetDefault("ingest.kafka.commit_mode", commitModeAfterCommit)
	v.SetDefault("ingest.kafka.worker_count", 4)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 256)
	v.SetDefault("ingest.rabbitmq.worker_count", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("feature.allow_multiple_adapters", true)
}

// Member returns the address of the member with the given id.
func (c ClusterConfig) Member(id uint64) (string, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m.Address, true
		}
	}
	return "", false
}

func (c Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Cluster.Partitions <= 0 || c.Cluster.Partitions > 1<<15 {
		return fmt.Errorf("cluster.partitions must be in [1, 32768], got %d", c.Cluster.Partitions)
	}
	if len(c.Cluster.Members) == 0 {
		return fmt.Errorf("cluster.members is required")
	}
	seen := map[uint64]bool{}
	for _, m := range c.Cluster.Members {
		if m.ID == 0 || m.Address == "" {
			return fmt.Errorf("cluster.members entries need an id and an address")
		}
		if seen[m.ID] {
			return fmt.Errorf("cluster.members has duplicate id %d", m.ID)
		}
		seen[m.ID] = true
	}
	if !seen[c.Node.ID] {
		return fmt.Errorf("node.id %d is not a cluster member", c.Node.ID)
	}
	if _, err := c.Journal.SegmentSizeBytes(); err != nil {
		return err
	}
	if c.Raft.HeartbeatTicks >= c.Raft.ElectionTicks {
		return fmt.Errorf("raft.heartbeat_ticks must be below raft.election_ticks")
	}
	if c.Ingest.Kafka.Enabled {
		k := c.Ingest.Kafka
		if len(k.Brokers) == 0 || len(k.Topics) == 0 || k.GroupID == "" {
			return fmt.Errorf("ingest.kafka needs brokers, topics and group_id")
		}
		if k.CommitMode != commitModeAfterCommit {
			return fmt.Errorf("unsupported ingest.kafka.commit_mode %q", k.CommitMode)
		}
	}
	if c.Ingest.RabbitMQ.Enabled && (c.Ingest.RabbitMQ.URL == "" || c.Ingest.RabbitMQ.Queue == "") {
		return fmt.Errorf("ingest.rabbitmq needs url and queue")
	}
	if !c.Feature.AllowMultipleAdapters {
		enabled := 0
		if c.Gateway.Enabled {
			enabled++
		}
		if c.Ingest.Kafka.Enabled {
			enabled++
		}
		if c.Ingest.RabbitMQ.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
		}
	}
	return nil
}
