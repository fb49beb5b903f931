package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Models     []ModelConfig    `mapstructure:"models"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Credits    CreditsConfig    `mapstructure:"credits"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	LLM        LLMConfig        `mapstructure:"llm"`
}

type ServerConfig struct {
	Port       int        `mapstructure:"port"`
	Mode       string     `mapstructure:"mode"`
	AdminToken string     `mapstructure:"admin_token"` // empty disables the admin API
	CORS       CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	URL             string        `mapstructure:"url"`    // PostgreSQL connection string
	Path            string        `mapstructure:"path"`   // SQLite file path
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN returns the driver-specific data source name.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	if c.Path == ":memory:" || strings.HasPrefix(c.Path, "file:") {
		return c.Path
	}
	return c.Path + "?_busy_timeout=5000"
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // s3, r2, s3compatible, supabase, local
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`

	SupabaseURL string `mapstructure:"supabase_url"`
	SupabaseKey string `mapstructure:"supabase_key"`

	LocalDir string `mapstructure:"local_dir"`

	KeyPrefix        string        `mapstructure:"key_prefix"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
	MaxDownloadBytes int64         `mapstructure:"max_download_bytes"`
}

type ProvidersConfig struct {
	Kie   HTTPProviderConfig `mapstructure:"kie"`
	Kling KlingConfig        `mapstructure:"kling"`
}

// HTTPProviderConfig carries the transport settings shared by HTTP task providers.
type HTTPProviderConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type KlingConfig struct {
	HTTPProviderConfig `mapstructure:",squash"`
	AccessKey          string `mapstructure:"access_key"`
	SecretKey          string `mapstructure:"secret_key"`
}

type ReconcilerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	Workers        int           `mapstructure:"workers"`
	BatchSize      int           `mapstructure:"batch_size"`
	SubTaskTimeout time.Duration `mapstructure:"subtask_timeout"`
	LockWait       time.Duration `mapstructure:"lock_wait"` // how long a worker waits for another job writer
}

type CreditsConfig struct {
	LowBalanceThreshold int `mapstructure:"low_balance_threshold"`
	CreditsPerAngle     int `mapstructure:"credits_per_angle"`
	SignupBonus         int `mapstructure:"signup_bonus"`
	MaxQuantity         int `mapstructure:"max_quantity"` // images per submission
}

type NotifierConfig struct {
	TelegramBotToken string        `mapstructure:"telegram_bot_token"`
	TelegramChatID   string        `mapstructure:"telegram_chat_id"`
	TelegramBaseURL  string        `mapstructure:"telegram_base_url"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Timeout          time.Duration `mapstructure:"timeout"`
	PublicBaseURL    string        `mapstructure:"public_base_url"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("server.admin_token", "ADMIN_TOKEN")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.bucket", "S3_BUCKET")
	v.BindEnv("storage.public_url", "S3_PUBLIC_URL")
	v.BindEnv("storage.supabase_url", "SUPABASE_URL")
	v.BindEnv("storage.supabase_key", "SUPABASE_SERVICE_KEY")
	v.BindEnv("providers.kie.api_key", "KIE_API_KEY")
	v.BindEnv("providers.kie.base_url", "KIE_BASE_URL")
	v.BindEnv("providers.kling.access_key", "KLING_ACCESS_KEY")
	v.BindEnv("providers.kling.secret_key", "KLING_SECRET_KEY")
	v.BindEnv("notifier.telegram_bot_token", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("notifier.telegram_chat_id", "TELEGRAM_ADMIN_CHAT_ID")
	v.BindEnv("llm.api_key", "LLM_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	for i := range cfg.Models {
		cfg.Models[i].ResolveEnvVars()
		if err := cfg.Models[i].Validate(); err != nil {
			return nil, err
		}
	}

	cfg.LLM.ResolveEnvVars()
	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/genflow.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "genflow")
	v.SetDefault("redis.lock_ttl", 2*time.Minute)

	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "generations")
	v.SetDefault("storage.local_dir", "./data/artifacts")
	v.SetDefault("storage.key_prefix", "generations")
	v.SetDefault("storage.download_timeout", 60*time.Second)
	v.SetDefault("storage.max_download_bytes", int64(200<<20))

	v.SetDefault("providers.kie.base_url", "https://api.kie.ai")
	v.SetDefault("providers.kie.timeout", 45*time.Second)
	v.SetDefault("providers.kie.max_retries", 2)
	v.SetDefault("providers.kie.retry_backoff", 600*time.Millisecond)
	v.SetDefault("providers.kling.base_url", "https://api.klingai.com")
	v.SetDefault("providers.kling.timeout", 60*time.Second)
	v.SetDefault("providers.kling.max_retries", 2)
	v.SetDefault("providers.kling.retry_backoff", 600*time.Millisecond)

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", 30*time.Second)
	v.SetDefault("reconciler.workers", 5)
	v.SetDefault("reconciler.batch_size", 100)
	v.SetDefault("reconciler.subtask_timeout", 30*time.Minute)
	v.SetDefault("reconciler.lock_wait", 30*time.Second)

	v.SetDefault("credits.low_balance_threshold", 50)
	v.SetDefault("credits.credits_per_angle", 20)
	v.SetDefault("credits.signup_bonus", 0)
	v.SetDefault("credits.max_quantity", 4)

	v.SetDefault("notifier.telegram_base_url", "https://api.telegram.org")
	v.SetDefault("notifier.max_retries", 2)
	v.SetDefault("notifier.timeout", 10*time.Second)
	v.SetDefault("notifier.public_base_url", "")

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.credit_cost", 1)
}
