package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Discord struct {
		Token   string `envconfig:"DISCORD_BOT_TOKEN"`
		GuildID string `envconfig:"DISCORD_TEST_GUILD_ID"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL      string `envconfig:"RABBIT_URL"`
	RabbitExchange string `envconfig:"RABBIT_AWARDS_EXCHANGE" default:"xp.awards"`

	WriteQueue struct {
		MaxDepth    int `envconfig:"WRITE_QUEUE_MAX_DEPTH" default:"1000"`
		MaxRetries  int `envconfig:"WRITE_QUEUE_BUSY_RETRIES" default:"6"`
		RetryBaseMs int `envconfig:"WRITE_QUEUE_RETRY_BASE_MS" default:"8"`
	} `envconfig:""`

	Leveling struct {
		XPScale float64 `envconfig:"LEVEL_XP_SCALE" default:"1"`
	} `envconfig:""`

	Voice struct {
		TickSeconds int `envconfig:"VOICE_TICK_SECONDS" default:"60"`
	} `envconfig:""`

	Rollup struct {
		TickSeconds     int `envconfig:"ROLLUP_TICK_SECONDS" default:"5"`
		DebounceSeconds int `envconfig:"ROLLUP_DEBOUNCE_SECONDS" default:"15"`
		MaxRows         int `envconfig:"ROLLUP_MAX_ROWS" default:"5000"`
	} `envconfig:""`

	Ledger struct {
		RetentionDays        int `envconfig:"LEDGER_RETENTION_DAYS" default:"30"`
		PruneIntervalMinutes int `envconfig:"LEDGER_PRUNE_INTERVAL_MINUTES" default:"120"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
