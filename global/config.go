package global

import (
	"time"

	"github.com/mitchellh/mapstructure"

	errs "IMDeliver/tools/errs"
)

// AppConfig is the node configuration. Zero values are normalized to the
// production defaults by norm, so a partial map from deployment tooling
// is enough to boot.
type AppConfig struct {
	NodeAddr string `mapstructure:"node_addr"` // advertised ip:port for server-to-server forwards

	Conn      ConnConfig      `mapstructure:"conn"`
	Transport TransportConfig `mapstructure:"transport"`
	Retry     RetryConfig     `mapstructure:"retry"`
	IDs       IDConfig        `mapstructure:"ids"`

	Redis RedisConfig `mapstructure:"redis"`
	Mongo MongoConfig `mapstructure:"mongo"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Nats  NatsConfig  `mapstructure:"nats"`
}

type ConnConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	MaxPerUser    int           `mapstructure:"max_per_user"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

type TransportConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	KeepAliveTime     time.Duration `mapstructure:"keepalive_time"`
	KeepAliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	MaxInboundMsgSize int           `mapstructure:"max_inbound_msg_size"`
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	IdleExpiry        time.Duration `mapstructure:"idle_expiry"`
}

type RetryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DelaysSec    []int         `mapstructure:"delays_sec"`
	BatchSize    int           `mapstructure:"batch_size"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

type IDConfig struct {
	NodeID         int64  `mapstructure:"node_id"`
	DatacenterSeed string `mapstructure:"datacenter_seed"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	OfflineTopic string   `mapstructure:"offline_topic"`
}

type NatsConfig struct {
	URL           string `mapstructure:"url"`
	EventsSubject string `mapstructure:"events_subject"`
}

// Load decodes a raw config map (typically parsed from yaml/json by the
// deployment layer) and applies defaults.
func Load(raw map[string]any) (*AppConfig, error) {
	cfg := &AppConfig{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errs.Wrap(err, "build config decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errs.Wrap(err, "decode config")
	}
	cfg.norm()
	return cfg, nil
}

// Default returns the all-defaults config used by tests and local runs.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.norm()
	return cfg
}

func (c *AppConfig) norm() {
	if c.NodeAddr == "" {
		c.NodeAddr = "127.0.0.1:9091"
	}

	if c.Conn.ListenAddr == "" {
		c.Conn.ListenAddr = ":8088"
	}
	if c.Conn.MaxPerUser <= 0 {
		c.Conn.MaxPerUser = 5
	}
	if c.Conn.SweepInterval <= 0 {
		c.Conn.SweepInterval = 60 * time.Second
	}
	if c.Conn.IdleTimeout <= 0 {
		c.Conn.IdleTimeout = 5 * time.Minute
	}

	if c.Transport.ListenAddr == "" {
		c.Transport.ListenAddr = ":9091"
	}
	if c.Transport.ConnectTimeout <= 0 {
		c.Transport.ConnectTimeout = 5 * time.Second
	}
	if c.Transport.CallTimeout <= 0 {
		c.Transport.CallTimeout = 5 * time.Second
	}
	if c.Transport.KeepAliveTime <= 0 {
		c.Transport.KeepAliveTime = 30 * time.Second
	}
	if c.Transport.KeepAliveTimeout <= 0 {
		c.Transport.KeepAliveTimeout = 5 * time.Second
	}
	if c.Transport.MaxInboundMsgSize <= 0 {
		c.Transport.MaxInboundMsgSize = 10 * 1024 * 1024
	}
	if c.Transport.HealthInterval <= 0 {
		c.Transport.HealthInterval = 30 * time.Second
	}
	if c.Transport.IdleExpiry <= 0 {
		c.Transport.IdleExpiry = 5 * time.Minute
	}

	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if len(c.Retry.DelaysSec) == 0 {
		c.Retry.DelaysSec = []int{5, 30, 300}
	}
	if c.Retry.BatchSize <= 0 {
		c.Retry.BatchSize = 100
	}
	if c.Retry.ScanInterval <= 0 {
		c.Retry.ScanInterval = time.Second
	}

	if c.IDs.DatacenterSeed == "" {
		c.IDs.DatacenterSeed = "im-deliver"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://127.0.0.1:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "im_deliver"
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"127.0.0.1:9092"}
	}
	if c.Kafka.OfflineTopic == "" {
		c.Kafka.OfflineTopic = "im-offline-msg"
	}
	if c.Nats.URL == "" {
		c.Nats.URL = "nats://127.0.0.1:4222"
	}
	if c.Nats.EventsSubject == "" {
		c.Nats.EventsSubject = "im.deliver.events"
	}
}
