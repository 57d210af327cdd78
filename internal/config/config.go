package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TASK_RELAY_QUEUEMANAGER_TASKIDTTL=1h
const EnvPrefix = "TASK_RELAY"

const (
	ProviderMemory   = "memory"
	ProviderPostgres = "postgres"
	ProviderEtcd     = "etcd"
	ProviderNSQ      = "nsq"
)

type App struct {
	Name           string `mapstructure:"name" validate:"required"`
	NodeID         string `mapstructure:"nodeId"` // empty: random per process
	LogLevel       string `mapstructure:"logLevel" validate:"oneof=debug info warn error"`
	HTTPPort       string `mapstructure:"httpPort" validate:"required"` // :8080
	GRPCPort       string `mapstructure:"grpcPort" validate:"required"` // :50051
	TracingEnabled bool   `mapstructure:"tracingEnabled"`
	OTLPEndpoint   string `mapstructure:"otlpEndpoint"`
}

type Registry struct {
	Provider string `mapstructure:"provider" validate:"oneof=memory postgres etcd"`
}

type Relay struct {
	Provider string `mapstructure:"provider" validate:"oneof=memory postgres nsq"`
}

type QueueManager struct {
	Registry              Registry      `mapstructure:"registry"`
	Relay                 Relay         `mapstructure:"relay"`
	RelayChannelKeyPrefix string        `mapstructure:"relayChannelKeyPrefix" validate:"required"`
	TaskRegistryKey       string        `mapstructure:"taskRegistryKey" validate:"required"`
	TaskIDTTL             time.Duration `mapstructure:"taskIdTtl" validate:"gt=0"`
	// PurgeInterval is how often expired postgres leases are deleted
	PurgeInterval time.Duration `mapstructure:"purgeInterval" validate:"gte=0"`
}

type DB struct {
	User     string `mapstructure:"user"`
	Pass     string `mapstructure:"pass"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	MaxConns int32  `mapstructure:"maxConns" validate:"gte=0"`
}

type NSQ struct {
	NsqdTCPAddr     string   `mapstructure:"nsqdTcpAddr"`     // e.g. nsqd:4150
	LookupHTTPAddrs []string `mapstructure:"lookupHttpAddrs"` // e.g. http://nsqlookupd:4161
	// NsqdHTTPAddr enables the relay backlog poller, e.g. nsqd:4151
	NsqdHTTPAddr  string        `mapstructure:"nsqdHttpAddr"`
	StatsInterval time.Duration `mapstructure:"statsInterval" validate:"gte=0"`
}

type Etcd struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dialTimeout" validate:"gte=0"`
}

type Config struct {
	App          App          `mapstructure:"app"`
	QueueManager QueueManager `mapstructure:"queueManager"`
	DB           DB           `mapstructure:"db"`
	NSQ          NSQ          `mapstructure:"nsq"`
	Etcd         Etcd         `mapstructure:"etcd"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "task-relay")
	v.SetDefault("app.nodeId", "")
	v.SetDefault("app.logLevel", "info")
	v.SetDefault("app.httpPort", ":8080")
	v.SetDefault("app.grpcPort", ":50051")
	v.SetDefault("app.tracingEnabled", false)
	v.SetDefault("app.otlpEndpoint", "")

	v.SetDefault("queueManager.registry.provider", ProviderMemory)
	v.SetDefault("queueManager.relay.provider", ProviderMemory)
	v.SetDefault("queueManager.relayChannelKeyPrefix", "a2a.event.relay.")
	v.SetDefault("queueManager.taskRegistryKey", "a2a.event.registry")
	v.SetDefault("queueManager.taskIdTtl", 24*time.Hour)
	v.SetDefault("queueManager.purgeInterval", time.Minute)

	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.pass", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "task_relay")
	v.SetDefault("db.maxConns", 10)

	v.SetDefault("nsq.nsqdTcpAddr", "")
	v.SetDefault("nsq.lookupHttpAddrs", []string{})
	v.SetDefault("nsq.nsqdHttpAddr", "")
	v.SetDefault("nsq.statsInterval", 15*time.Second)

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dialTimeout", 5*time.Second)
}

// Load reads an optional YAML file at path, applies TASK_RELAY_* environment
// overrides and validates the result. An empty path reads the environment
// only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load without a config file
func FromEnv() (Config, error) {
	return Load("")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every selected provider has
// the connection settings it needs
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	qm := c.QueueManager
	if qm.Registry.Provider == ProviderPostgres || qm.Relay.Provider == ProviderPostgres {
		if c.DB.Host == "" || c.DB.Name == "" {
			errs = append(errs, errors.New("postgres provider requires db.host and db.name"))
		}
	}
	if qm.Registry.Provider == ProviderEtcd && len(c.Etcd.Endpoints) == 0 {
		errs = append(errs, errors.New("etcd registry requires etcd.endpoints"))
	}
	if qm.Relay.Provider == ProviderNSQ && c.NSQ.NsqdTCPAddr == "" {
		errs = append(errs, errors.New("nsq relay requires nsq.nsqdTcpAddr"))
	}
	if qm.Registry.Provider == ProviderMemory && qm.Relay.Provider != ProviderMemory ||
		qm.Registry.Provider != ProviderMemory && qm.Relay.Provider == ProviderMemory {
		errs = append(errs, errors.New("memory registry and memory relay only work together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// UsesPostgres reports whether any provider needs a database pool
func (c Config) UsesPostgres() bool {
	return c.QueueManager.Registry.Provider == ProviderPostgres ||
		c.QueueManager.Relay.Provider == ProviderPostgres
}

func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Pass),
		Host:     net.JoinHostPort(c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
