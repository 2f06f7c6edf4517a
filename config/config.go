package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the engine reads from the environment.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`

	// Database. Driver is "mysql" or "sqlite"; sqlite keeps local runs and
	// CI self-contained.
	DBDriver   string `mapstructure:"DB_DRIVER"`
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	SQLitePath string `mapstructure:"SQLITE_PATH"`

	// Redis, used for the per-task generation claims. Optional: when the
	// host is empty the engine falls back to in-process claims.
	RedisHost     string `mapstructure:"REDIS_HOST"`
	RedisPort     string `mapstructure:"REDIS_PORT"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// LLM backing the recommendation function.
	OpenAIAPIKey   string `mapstructure:"OPENAI_API_KEY"`
	OpenAIEndpoint string `mapstructure:"OPENAI_API_ENDPOINT"`
	OpenAIModel    string `mapstructure:"OPENAI_MODEL"`

	// Suggestion engine tuning.
	ConfidenceFloor   float64 `mapstructure:"CONFIDENCE_FLOOR"`
	ClaimTTLSeconds   int     `mapstructure:"CLAIM_TTL_SECONDS"`
	GenTimeoutSeconds int     `mapstructure:"GENERATION_TIMEOUT_SECONDS"`

	// Telemetry layout and retention.
	TelemetryBucketHours int `mapstructure:"TELEMETRY_BUCKET_HOURS"`
	RollupWindowMinutes  int `mapstructure:"ROLLUP_WINDOW_MINUTES"`
	RetentionDays        int `mapstructure:"RETENTION_DAYS"`

	// Feature windows.
	LookbackHours    int `mapstructure:"FEATURE_LOOKBACK_HOURS"`
	HalfLifeMinutes  int `mapstructure:"FEATURE_HALFLIFE_MINUTES"`
	DefaultEstMinute int `mapstructure:"DEFAULT_EST_MINUTES"`

	// Background trigger cadence.
	SchedulerIntervalSeconds int `mapstructure:"SCHEDULER_INTERVAL_SECONDS"`
}

// LoadConfig reads configuration from a .env file in path, overridden by the
// process environment. A missing file is fine; env vars alone work.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()

	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("DB_DRIVER", "sqlite")
	viper.SetDefault("SQLITE_PATH", "smartflow.db")
	viper.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	viper.SetDefault("CONFIDENCE_FLOOR", 0.5)
	viper.SetDefault("CLAIM_TTL_SECONDS", 120)
	viper.SetDefault("GENERATION_TIMEOUT_SECONDS", 60)
	viper.SetDefault("TELEMETRY_BUCKET_HOURS", 24)
	viper.SetDefault("ROLLUP_WINDOW_MINUTES", 60)
	viper.SetDefault("RETENTION_DAYS", 30)
	viper.SetDefault("FEATURE_LOOKBACK_HOURS", 336)
	viper.SetDefault("FEATURE_HALFLIFE_MINUTES", 720)
	viper.SetDefault("DEFAULT_EST_MINUTES", 30)
	viper.SetDefault("SCHEDULER_INTERVAL_SECONDS", 300)

	err = viper.ReadInConfig()
	if err != nil {
		// The config file is optional; env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}

// GetDBConnString returns the mysql DSN.
func (c *Config) GetDBConnString() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// GetRedisConnString returns the redis address.
func (c *Config) GetRedisConnString() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenTimeoutSeconds) * time.Second
}

func (c *Config) TelemetryBucket() time.Duration {
	return time.Duration(c.TelemetryBucketHours) * time.Hour
}

func (c *Config) RollupWindow() time.Duration {
	return time.Duration(c.RollupWindowMinutes) * time.Minute
}

func (c *Config) RetentionHorizon() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

func (c *Config) HalfLife() time.Duration {
	return time.Duration(c.HalfLifeMinutes) * time.Minute
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}
