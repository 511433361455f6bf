package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"discord-xp-bot/internal/adapters/discord"
	"discord-xp-bot/internal/adapters/events"
	"discord-xp-bot/internal/adapters/repo"
	"discord-xp-bot/internal/domain"
	"discord-xp-bot/internal/infra/cache"
	"discord-xp-bot/internal/infra/config"
	"discord-xp-bot/internal/infra/db"
	"discord-xp-bot/internal/infra/log"
	"discord-xp-bot/internal/infra/metrics"
	"discord-xp-bot/internal/infra/writequeue"
	"discord-xp-bot/internal/usecase/leaderboard"
	"discord-xp-bot/internal/usecase/leveling"
	"discord-xp-bot/internal/usecase/voice"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	queue := writequeue.New(writequeue.Config{
		MaxDepth:    cfg.WriteQueue.MaxDepth,
		MaxRetries:  cfg.WriteQueue.MaxRetries,
		RetryBase:   time.Duration(cfg.WriteQueue.RetryBaseMs) * time.Millisecond,
		IsTransient: repo.IsTransientError,
	}, log.Component(logger, "writequeue"))
	go queue.Run(ctx)

	store := repo.NewPostgres(pool, queue)

	var pageCache domain.PageCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pageCache = cache.NewRedisPages(redisClient)
		defer redisClient.Close()
	}

	var publisher domain.EventPublisher
	if cfg.RabbitURL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		publisher = rabbit
	}

	rollup := leaderboard.NewService(store, store, pageCache, leaderboard.Options{
		Tick:     time.Duration(cfg.Rollup.TickSeconds) * time.Second,
		Debounce: time.Duration(cfg.Rollup.DebounceSeconds) * time.Second,
		MaxRows:  cfg.Rollup.MaxRows,
	}, log.Component(logger, "rollup"))
	go rollup.Run(ctx)

	curve := domain.Curve{Scale: cfg.Leveling.XPScale}
	engine := leveling.NewService(store, curve, store, publisher, rollup, log.Component(logger, "leveling"))

	tracker := voice.NewTracker(store, engine, store, nil, log.Component(logger, "voice"))

	adapter, err := discord.NewAdapter(
		cfg.Discord.Token,
		engine,
		tracker,
		store,
		store,
		store,
		rollup,
		cfg.Discord.GuildID,
		log.Component(logger, "discord"),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать адаптер discord")
	}
	tracker.SetMultiplier(adapter.MemberMultiplier())

	go voiceTickLoop(ctx, tracker, time.Duration(cfg.Voice.TickSeconds)*time.Second)
	go pruneLoop(ctx, store, cfg.Ledger.RetentionDays, time.Duration(cfg.Ledger.PruneIntervalMinutes)*time.Minute, logger)

	go metrics.StartServer(ctx, logger, fmt.Sprintf(":%d", cfg.Port))

	if err := adapter.Open(); err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к discord")
	}
	logger.Info().Msg("бот запущен")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка бота")

	// Закрываем шлюз до отмены контекста: финальный расчёт голосовых
	// сессий должен успеть пройти через очередь записи.
	_ = adapter.Close()
	tracker.Tick(context.Background(), time.Now().UnixMilli())
	cancel()
	time.Sleep(200 * time.Millisecond)
}

func voiceTickLoop(ctx context.Context, tracker *voice.Tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.Tick(ctx, time.Now().UnixMilli())
		}
	}
}

func pruneLoop(ctx context.Context, ledger domain.AwardLedger, retentionDays int, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()
			if err := ledger.Prune(ctx, cutoff); err != nil {
				logger.Warn().Err(err).Msg("очистка леджера не удалась")
			}
		}
	}
}
