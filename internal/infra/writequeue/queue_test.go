package writequeue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBusy = errors.New("store busy")

func isBusy(err error) bool { return errors.Is(err, errBusy) }

func newTestQueue(maxDepth, maxRetries int) *Queue {
	return New(Config{
		MaxDepth:    maxDepth,
		MaxRetries:  maxRetries,
		RetryBase:   time.Millisecond,
		IsTransient: isBusy,
	}, zerolog.Nop())
}

func TestFIFOOrder(t *testing.T) {
	q := newTestQueue(100, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var order []int
	done := make([]<-chan error, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		done = append(done, q.Enqueue(func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}
	for _, ch := range done {
		if err := <-ch; err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("порядок нарушен: %v", order)
		}
	}
}

func TestShedWhenFull(t *testing.T) {
	q := newTestQueue(1, 0)

	var executed atomic.Int64
	task := func(context.Context) error {
		executed.Add(1)
		return nil
	}
	// потребитель ещё не запущен: вторая задача не помещается
	first := q.Enqueue(task)
	second := q.Enqueue(task)

	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("сброс должен разрешаться успешно, получили %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("сигнал сброшенной задачи не пришёл")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	if err := <-first; err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if executed.Load() != 1 {
		t.Fatalf("ожидали ровно одно выполнение, получили %d", executed.Load())
	}
}

func TestRetryOnTransientError(t *testing.T) {
	q := newTestQueue(10, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	attempts := 0
	err := <-q.Enqueue(func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errBusy
		}
		return nil
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку после повторов: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("ожидали 3 попытки, получили %d", attempts)
	}
}

func TestRetriesExhausted(t *testing.T) {
	q := newTestQueue(10, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	attempts := 0
	err := <-q.Enqueue(func(context.Context) error {
		attempts++
		return errBusy
	})
	if !errors.Is(err, errBusy) {
		t.Fatalf("ожидали errBusy, получили %v", err)
	}
	if attempts != 3 {
		t.Fatalf("ожидали 1+2 попытки, получили %d", attempts)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	q := newTestQueue(10, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	permanent := errors.New("constraint violation")
	attempts := 0
	err := <-q.Enqueue(func(context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("ожидали постоянную ошибку, получили %v", err)
	}
	if attempts != 1 {
		t.Fatalf("постоянная ошибка не должна повторяться, попыток %d", attempts)
	}
}
