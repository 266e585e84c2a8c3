package config

import (
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Indexer    IndexerConfig    `yaml:"indexer" mapstructure:"indexer"`
	Contract   ContractConfig   `yaml:"contract" mapstructure:"contract"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Metadata   MetadataConfig   `yaml:"metadata" mapstructure:"metadata"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IndexerConfig configures the batch loop.
type IndexerConfig struct {
	// Source is a path or http(s) URL of a JSON array of decoded logs.
	Source         string        `yaml:"source" mapstructure:"source"`
	BatchBlocks    uint64        `yaml:"batch_blocks" mapstructure:"batch_blocks"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// ContractConfig identifies the indexed collection.
type ContractConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	BaseURI string `yaml:"base_uri" mapstructure:"base_uri"`
}

// EnrichConfig bounds token metadata lookups.
type EnrichConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	ChunkSize    int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxPerSecond float64       `yaml:"max_per_second" mapstructure:"max_per_second"`
	ItemTimeout  time.Duration `yaml:"item_timeout" mapstructure:"item_timeout"`
	// MaxAttempts retries a single metadata fetch on transient errors. 1 disables.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// MetadataConfig configures the metadata HTTP client.
type MetadataConfig struct {
	Gateway          string        `yaml:"gateway" mapstructure:"gateway"`
	UserAgent        string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries       int           `yaml:"max_retries" mapstructure:"max_retries"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures batch health alerts.
type MonitoringConfig struct {
	// WebhookURL receives alerts as JSON. Empty disables the checker.
	WebhookURL           string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckInterval        time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackWindow       time.Duration `yaml:"lookback_window" mapstructure:"lookback_window"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StallThreshold       time.Duration `yaml:"stall_threshold" mapstructure:"stall_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("indexer.batch_blocks", 100)
	v.SetDefault("indexer.max_attempts", 3)
	v.SetDefault("indexer.initial_backoff", "2s")
	v.SetDefault("indexer.max_backoff", "1m")
	v.SetDefault("contract.address", "0xbc4ca0eda7647a8ab7c2061c2e118a18a936f13d")
	v.SetDefault("contract.base_uri", "ipfs://QmeSjSinHpPnmXmspMjwiXyN6zS4E9zccariGR3jxcaWtq/")
	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.chunk_size", 1)
	v.SetDefault("enrich.max_per_second", 1)
	v.SetDefault("enrich.item_timeout", "30s")
	v.SetDefault("enrich.max_attempts", 1)
	v.SetDefault("metadata.gateway", "https://ipfs.filebase.io/ipfs/")
	v.SetDefault("metadata.user_agent", "erc721-indexer/1.0")
	v.SetDefault("metadata.timeout", "20s")
	v.SetDefault("metadata.max_retries", 3)
	v.SetDefault("metadata.breaker_threshold", 5)
	v.SetDefault("metadata.breaker_reset", "30s")
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.lookback_window", "24h")
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.stall_threshold", "15m")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Validate checks the settings an ingest run depends on.
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
	case "sqlite", "memory":
	default:
		problems = append(problems, "store.driver must be postgres, sqlite or memory")
	}
	if !addressPattern.MatchString(c.Contract.Address) {
		problems = append(problems, "contract.address must be a 0x-prefixed 20-byte hex address")
	}
	if c.Indexer.BatchBlocks == 0 {
		problems = append(problems, "indexer.batch_blocks must be positive")
	}
	if c.Enrich.Enabled {
		if c.Enrich.ChunkSize <= 0 {
			problems = append(problems, "enrich.chunk_size must be positive")
		}
		if c.Enrich.MaxPerSecond <= 0 {
			problems = append(problems, "enrich.max_per_second must be positive")
		}
		if c.Contract.BaseURI == "" {
			problems = append(problems, "contract.base_uri is required when enrichment is enabled")
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
