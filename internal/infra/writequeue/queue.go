package writequeue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"discord-xp-bot/internal/infra/metrics"
)

// Task — одна отложенная мутация хранилища.
type Task func(ctx context.Context) error

// Config задаёт параметры очереди записи.
type Config struct {
	// MaxDepth — глубина, при достижении которой новые задачи
	// молча сбрасываются (shed).
	MaxDepth int
	// MaxRetries — число повторов при транзиентной ошибке хранилища.
	MaxRetries int
	// RetryBase — базовая задержка повторов; удваивается с каждой
	// попыткой.
	RetryBase time.Duration
	// IsTransient классифицирует ошибку хранилища как временную.
	IsTransient func(error) bool
}

type item struct {
	task Task
	done chan error
}

// Queue сериализует все мутации хранилища: один потребитель, строгий
// FIFO, повторы с экспоненциальной задержкой, сброс при переполнении.
// Сброшенная задача никогда не выполняется, но её сигнал завершения
// разрешается успешно — вызывающие обязаны относиться к записи как к
// best-effort.
type Queue struct {
	cfg   Config
	items chan item
	log   zerolog.Logger
}

// New создаёт очередь. Запуск потребителя — через Run.
func New(cfg Config, logger zerolog.Logger) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 8 * time.Millisecond
	}
	return &Queue{
		cfg:   cfg,
		items: make(chan item, cfg.MaxDepth),
		log:   logger,
	}
}

// Enqueue ставит задачу в очередь и возвращает канал завершения.
// Канал получает nil при успехе или сбросе и ошибку, если запись
// окончательно не удалась.
func (q *Queue) Enqueue(task Task) <-chan error {
	done := make(chan error, 1)
	it := item{task: task, done: done}
	select {
	case q.items <- it:
		metrics.QueueDepth.Set(float64(len(q.items)))
	default:
		metrics.QueueShedTotal.Inc()
		done <- nil
	}
	return done
}

// Len возвращает текущую глубину очереди.
func (q *Queue) Len() int {
	return len(q.items)
}

// Run запускает цикл потребителя; блокируется до отмены контекста.
// Задачи завершаются строго в порядке постановки.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.drain(ctx.Err())
			return
		case it := <-q.items:
			metrics.QueueDepth.Set(float64(len(q.items)))
			it.done <- q.execute(ctx, it.task)
		}
	}
}

// drain разрешает оставшиеся задачи при остановке, чтобы вызывающие
// не повисли на каналах завершения.
func (q *Queue) drain(err error) {
	for {
		select {
		case it := <-q.items:
			it.done <- err
		default:
			metrics.QueueDepth.Set(0)
			return
		}
	}
}

// execute выполняет задачу, повторяя её при транзиентных ошибках
// хранилища. После исчерпания попыток ошибка уходит вызывающему.
func (q *Queue) execute(ctx context.Context, task Task) error {
	start := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		err = task(ctx)
		if err == nil {
			metrics.WriteDuration.Observe(time.Since(start).Seconds())
			return nil
		}
		if q.cfg.IsTransient == nil || !q.cfg.IsTransient(err) || attempt >= q.cfg.MaxRetries {
			break
		}
		metrics.WriteRetriesTotal.Inc()
		delay := q.cfg.RetryBase << attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	metrics.WriteFailuresTotal.Inc()
	q.log.Error().Err(err).Msg("write queue: запись не удалась")
	return err
}
