package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the linsight engine
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Linsight    LinsightConfig    `mapstructure:"linsight"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	WorkerID string `mapstructure:"worker_id"` // defaults to hostname
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address          string   `mapstructure:"address"`
	JWTSecret        string   `mapstructure:"jwt_secret"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	MigrationsDir    string   `mapstructure:"migrations_dir"`
	MigrateOnStartup bool     `mapstructure:"migrate_on_startup"`
}

func (s ServerConfig) Normalize() ServerConfig {
	if strings.TrimSpace(s.Address) == "" {
		s.Address = ":10001"
	}
	if strings.TrimSpace(s.MigrationsDir) == "" {
		s.MigrationsDir = "file://migrations"
	}
	if len(s.AllowedOrigins) == 0 {
		s.AllowedOrigins = []string{"*"}
	}
	return s
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	return nil
}

// LLMConfig describes the chat/embedding provider used by planner, executor and retriever.
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"` // openai
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Normalize() LLMConfig {
	l.Provider = strings.ToLower(strings.TrimSpace(l.Provider))
	if l.Provider == "" {
		l.Provider = "openai"
	}
	if l.Model == "" {
		l.Model = "gpt-4o-mini"
	}
	if l.EmbeddingModel == "" {
		l.EmbeddingModel = "text-embedding-3-small"
	}
	if l.Timeout <= 0 {
		l.Timeout = 2 * time.Minute
	}
	return l
}

func (l LLMConfig) Validate() error {
	if l.Provider != "openai" {
		return fmt.Errorf("llm.provider %q not supported", l.Provider)
	}
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0,2]")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr joins host and port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// MaintenanceConfig drives the retention sweeper.
type MaintenanceConfig struct {
	SweepCron     string        `mapstructure:"sweep_cron"`
	TaskRetention time.Duration `mapstructure:"task_retention"`
}

func (m MaintenanceConfig) Normalize() MaintenanceConfig {
	if strings.TrimSpace(m.SweepCron) == "" {
		m.SweepCron = "*/15 * * * *"
	}
	if m.TaskRetention <= 0 {
		m.TaskRetention = 7 * 24 * time.Hour
	}
	return m
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("LINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // LINSIGHT_STORAGE_REDIS_HOST etc.

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("fatal error config file: %w", err)
	}
	cfg.Server = cfg.Server.Normalize()
	cfg.LLM = cfg.LLM.Normalize()
	cfg.Linsight = cfg.Linsight.Normalize()
	cfg.Maintenance = cfg.Maintenance.Normalize()
	if cfg.General.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.General.WorkerID = host
	}

	validators := []func() error{
		cfg.Server.Validate,
		cfg.LLM.Validate,
		cfg.Telemetry.Validate,
		cfg.Storage.Redis.Validate,
		cfg.Storage.Postgres.Validate,
		cfg.Linsight.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.migrate_on_startup", true)
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("linsight.executor.mode", string(ModeFunctionCall))
	v.SetDefault("linsight.executor.max_steps", DefaultMaxSteps)
	v.SetDefault("linsight.executor.tool_buffer", DefaultToolBuffer)
	v.SetDefault("linsight.executor.retry_num", 3)
	v.SetDefault("linsight.executor.retry_sleep", "5s")
	v.SetDefault("linsight.executor.retry_temperature", 1.0)
	v.SetDefault("linsight.scheduler.parallelism", DefaultParallelism)
	v.SetDefault("linsight.scheduler.hard_timeout", "30m")
	v.SetDefault("linsight.queue.max_active_sessions", 8)
	v.SetDefault("linsight.queue.heartbeat_interval", "5s")
	v.SetDefault("linsight.eventbus.driver", "redis")
	v.SetDefault("linsight.eventbus.retention", "24h")
	v.SetDefault("linsight.tools.default_timeout", "60s")
	v.SetDefault("linsight.retriever.rrf_c", DefaultRRFConstant)
	v.SetDefault("linsight.planner.retry_num", 3)
}
