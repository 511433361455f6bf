package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"discord-xp-bot/internal/adapters/repo"
	"discord-xp-bot/internal/domain"
	"discord-xp-bot/internal/infra/cache"
	"discord-xp-bot/internal/infra/config"
	"discord-xp-bot/internal/infra/db"
	infrahttp "discord-xp-bot/internal/infra/http"
	"discord-xp-bot/internal/infra/log"
	"discord-xp-bot/internal/infra/metrics"
	"discord-xp-bot/internal/infra/writequeue"
	"discord-xp-bot/internal/usecase/leaderboard"
)

type levelResponse struct {
	GuildID   string `json:"guildId"`
	UserID    string `json:"userId"`
	XP        int64  `json:"xp"`
	Level     int    `json:"level"`
	XPToNext  int64  `json:"xpToNext"`
	MaxLevel  bool   `json:"maxLevel"`
	LastAward int64  `json:"lastAwardMs"`
}

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

	// API не пишет страницы, но настройки гильдий идут через общий
	// адаптер, которому нужна очередь записи.
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

	rollup := leaderboard.NewService(store, store, pageCache, leaderboard.Options{
		MaxRows: cfg.Rollup.MaxRows,
	}, log.Component(logger, "rollup"))

	curve := domain.Curve{Scale: cfg.Leveling.XPScale}

	srv := infrahttp.NewServer(log.Component(logger, "http"))
	srv.Router.Route("/api/v1/guilds/{guildID}", func(r chi.Router) {
		r.Get("/leaderboard", leaderboardHandler(rollup))
		r.Get("/members/{userID}/level", levelHandler(store, curve))
	})

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка API")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func leaderboardHandler(rollup *leaderboard.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		guildID := chi.URLParam(r, "guildID")
		pageNo := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				http.Error(w, "page должен быть положительным числом", http.StatusBadRequest)
				return
			}
			pageNo = parsed
		}
		page, err := rollup.GetPage(r.Context(), guildID, pageNo)
		if err != nil {
			http.Error(w, "хранилище недоступно", http.StatusInternalServerError)
			return
		}
		if page == nil {
			// Страницы ещё не строились: отвечаем живым запросом.
			page, err = rollup.LivePage(r.Context(), guildID, pageNo)
			if err != nil {
				http.Error(w, "хранилище недоступно", http.StatusInternalServerError)
				return
			}
		}
		if page == nil {
			http.Error(w, "страница не найдена", http.StatusNotFound)
			return
		}
		writeJSON(w, page)
	}
}

func levelHandler(profiles domain.ProfileRepo, curve domain.Curve) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		guildID := chi.URLParam(r, "guildID")
		userID := chi.URLParam(r, "userID")
		profile, ok, err := profiles.GetProfile(r.Context(), guildID, userID)
		if err != nil {
			http.Error(w, "хранилище недоступно", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "профиль не найден", http.StatusNotFound)
			return
		}
		resp := levelResponse{
			GuildID:   profile.GuildID,
			UserID:    profile.UserID,
			XP:        profile.XP,
			Level:     profile.Level,
			MaxLevel:  profile.Level >= domain.MaxLevel,
			LastAward: profile.LastAwardMs,
		}
		if !resp.MaxLevel {
			resp.XPToNext = curve.CumulativeXP(profile.Level+1) - profile.XP
		}
		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "ошибка сериализации", http.StatusInternalServerError)
	}
}
