package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Fallback  FallbackConfig
	Redis     RedisConfig
	Discord   DiscordConfig
	CoC       CoCConfig
	Auth      AuthConfig
	Mimir     MimirConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type LogConfig struct {
	Level       string
	Development bool
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver         string
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

// FallbackConfig controls the file store used while the database is down.
type FallbackConfig struct {
	Dir           string
	ProbeCooldown time.Duration
	MaxCooldown   time.Duration
}

type RedisConfig struct {
	URL         string
	SnapshotTTL time.Duration
}

type DiscordConfig struct {
	Token string
}

type CoCConfig struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	RatePerSecond float64
	MaxConcurrent int
	MaxRetries    int
}

type AuthConfig struct {
	JWTSecret string
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

type SchedulerConfig struct {
	Interval            time.Duration
	WorkerCount         int
	QueueSize           int
	JobTimeout          time.Duration
	EscalationThreshold int
}

func Load() (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}
	if token := os.Getenv("COC_API_TOKEN"); token != "" {
		cfg.CoC.Token = token
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:guardian.db")
	v.SetDefault("database.maxconnections", 10)
	v.SetDefault("database.maxidleconns", 2)
	v.SetDefault("fallback.dir", "./data")
	v.SetDefault("fallback.probecooldown", "30s")
	v.SetDefault("fallback.maxcooldown", "10m")
	v.SetDefault("redis.snapshotttl", "10m")
	v.SetDefault("coc.baseurl", "https://api.clashofclans.com/v1")
	v.SetDefault("coc.timeout", "10s")
	v.SetDefault("coc.ratepersecond", 10)
	v.SetDefault("coc.maxconcurrent", 5)
	v.SetDefault("coc.maxretries", 2)
	v.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	v.SetDefault("mimir.batchsize", 1000)
	v.SetDefault("mimir.flushinterval", "30s")
	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.workercount", 4)
	v.SetDefault("scheduler.queuesize", 100)
	v.SetDefault("scheduler.jobtimeout", "45s")
	v.SetDefault("scheduler.escalationthreshold", 3)
}
