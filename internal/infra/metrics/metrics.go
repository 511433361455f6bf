package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "write_queue_depth",
		Help: "Текущая глубина очереди записи",
	})
	QueueShedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "write_queue_shed_total",
		Help: "Задачи, сброшенные из-за переполнения очереди",
	})
	WriteRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_write_retries_total",
		Help: "Повторы записи после транзиентных ошибок",
	})
	WriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_write_failures_total",
		Help: "Окончательно не удавшиеся записи",
	})
	WriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "store_write_duration_seconds",
		Help:    "Длительность записи через очередь",
		Buckets: prometheus.DefBuckets,
	})

	AwardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xp_awards_total",
		Help: "Успешные начисления XP по источникам",
	}, []string{"source"})
	AwardsZeroTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xp_awards_zero_total",
		Help: "Начисления, завершившиеся нулём (кулдаун, потолок)",
	}, []string{"source"})
	AwardedXPTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xp_awarded_points_total",
		Help: "Суммарно начисленный XP по источникам",
	}, []string{"source"})
	LevelUpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xp_level_ups_total",
		Help: "Количество переходов на новый уровень",
	})

	LedgerConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "award_ledger_conflicts_total",
		Help: "Повторные заявки на уже захваченный ключ леджера",
	})
	VoiceMinutesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voice_minutes_claimed_total",
		Help: "Засчитанные минуты голосового присутствия",
	})
	VoiceSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Количество отслеживаемых голосовых сессий",
	})

	RollupRebuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaderboard_rollup_rebuilds_total",
		Help: "Перестроения страниц лидерборда",
	})
	RollupErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaderboard_rollup_errors_total",
		Help: "Ошибки перестроения лидерборда",
	})
	RollupPages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "leaderboard_rollup_pages",
		Help: "Количество страниц в последнем перестроении",
	})

	StoreRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "store_request_duration_seconds",
		Help:    "Длительность обращений к хранилищу",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		QueueDepth,
		QueueShedTotal,
		WriteRetriesTotal,
		WriteFailuresTotal,
		WriteDuration,
		AwardsTotal,
		AwardsZeroTotal,
		AwardedXPTotal,
		LevelUpsTotal,
		LedgerConflictsTotal,
		VoiceMinutesTotal,
		VoiceSessionsActive,
		RollupRebuildsTotal,
		RollupErrorsTotal,
		RollupPages,
		StoreRequestDuration,
	)
}

// ObserveStoreRequest записывает длительность и статус обращения к БД.
func ObserveStoreRequest(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreRequestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// ObserveAward учитывает результат начисления.
func ObserveAward(source string, awarded int64, leveledUp bool) {
	if awarded > 0 {
		AwardsTotal.WithLabelValues(source).Inc()
		AwardedXPTotal.WithLabelValues(source).Add(float64(awarded))
	} else {
		AwardsZeroTotal.WithLabelValues(source).Inc()
	}
	if leveledUp {
		LevelUpsTotal.Inc()
	}
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: сервер остановлен")
		}
	}()
}
