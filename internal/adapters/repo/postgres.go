package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"discord-xp-bot/internal/domain"
	"discord-xp-bot/internal/infra/metrics"
	"discord-xp-bot/internal/infra/writequeue"
)

// Postgres реализует репозитории на основе pgxpool. Чтения идут в пул
// напрямую; все мутации проходят через очередь записи.
type Postgres struct {
	pool  *pgxpool.Pool
	queue *writequeue.Queue
}

var (
	_ domain.ProfileRepo  = (*Postgres)(nil)
	_ domain.AwardLedger  = (*Postgres)(nil)
	_ domain.RollupRepo   = (*Postgres)(nil)
	_ domain.SettingsRepo = (*Postgres)(nil)
	_ domain.JournalRepo  = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool, queue *writequeue.Queue) *Postgres {
	return &Postgres{pool: pool, queue: queue}
}

// IsTransientError сообщает, стоит ли повторять запись: блокировки,
// дедлоки и сбои сериализации считаются временными.
func IsTransientError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// --- профили уровней ---

// GetProfile возвращает профиль и признак его существования.
func (p *Postgres) GetProfile(ctx context.Context, guildID, userID string) (domain.LevelProfile, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var profile domain.LevelProfile
	var lastAward sql.NullInt64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT guild_id, user_id, xp, level, last_award_ms
FROM level_profiles
WHERE guild_id = $1 AND user_id = $2
`, guildID, userID).Scan(&profile.GuildID, &profile.UserID, &profile.XP, &profile.Level, &lastAward)
	metrics.ObserveStoreRequest("profiles_get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LevelProfile{}, false, nil
	}
	if err != nil {
		return domain.LevelProfile{}, false, err
	}
	if lastAward.Valid {
		profile.LastAwardMs = lastAward.Int64
	}
	return profile, true, nil
}

// SetProfile сохраняет профиль через очередь записи.
func (p *Postgres) SetProfile(ctx context.Context, profile domain.LevelProfile) error {
	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		var lastAward sql.NullInt64
		if profile.LastAwardMs != 0 {
			lastAward = sql.NullInt64{Int64: profile.LastAwardMs, Valid: true}
		}
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `
INSERT INTO level_profiles (guild_id, user_id, xp, level, last_award_ms)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (guild_id, user_id) DO UPDATE SET
	xp = EXCLUDED.xp,
	level = EXCLUDED.level,
	last_award_ms = EXCLUDED.last_award_ms
`, profile.GuildID, profile.UserID, profile.XP, profile.Level, lastAward)
		metrics.ObserveStoreRequest("profiles_upsert", start, err)
		return err
	})
	return <-done
}

// ListTop возвращает профили гильдии в порядке (xp desc, user_id asc).
func (p *Postgres) ListTop(ctx context.Context, guildID string, limit, offset int) ([]domain.LevelProfile, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT guild_id, user_id, xp, level, last_award_ms
FROM level_profiles
WHERE guild_id = $1
ORDER BY xp DESC, user_id ASC
LIMIT $2 OFFSET $3
`, guildID, limit, offset)
	metrics.ObserveStoreRequest("profiles_top", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []domain.LevelProfile
	for rows.Next() {
		var profile domain.LevelProfile
		var lastAward sql.NullInt64
		if err := rows.Scan(&profile.GuildID, &profile.UserID, &profile.XP, &profile.Level, &lastAward); err != nil {
			return nil, err
		}
		if lastAward.Valid {
			profile.LastAwardMs = lastAward.Int64
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// --- леджер начислений ---

// ClaimOnce выполняет атомарный insert-if-absent; true получает только
// тот вызов, который фактически вставил запись. Захват идёт мимо
// очереди записи: это синхронная операция, от результата которой
// зависит ветвление вызывающего.
func (p *Postgres) ClaimOnce(ctx context.Context, guildID string, source domain.LedgerSource, key, userID string, nowMs int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO award_ledger (guild_id, source, key, user_id, awarded, created_ms)
VALUES ($1, $2, $3, $4, 0, $5)
ON CONFLICT (guild_id, source, key) DO NOTHING
`, guildID, string(source), key, userID, nowMs)
	metrics.ObserveStoreRequest("ledger_claim", start, err)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		metrics.LedgerConflictsTotal.Inc()
		return false, nil
	}
	return true, nil
}

// ClaimVoiceMinutes захватывает минутные бакеты одной транзакцией и
// возвращает число впервые захваченных; занятые бакеты молча
// пропускаются.
func (p *Postgres) ClaimVoiceMinutes(ctx context.Context, guildID, userID string, buckets []int64, perMinute int64, nowMs int64) (int, error) {
	if len(buckets) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		metrics.ObserveStoreRequest("ledger_claim_minutes", start, err)
		return 0, err
	}
	claimed := 0
	for _, bucket := range buckets {
		key := fmt.Sprintf("%s:%d", userID, bucket)
		tag, err := tx.Exec(ctx, `
INSERT INTO award_ledger (guild_id, source, key, user_id, awarded, created_ms)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (guild_id, source, key) DO NOTHING
`, guildID, string(domain.SourceVoice), key, userID, perMinute, nowMs)
		if err != nil {
			_ = tx.Rollback(ctx)
			metrics.ObserveStoreRequest("ledger_claim_minutes", start, err)
			return 0, err
		}
		if tag.RowsAffected() > 0 {
			claimed++
		} else {
			metrics.LedgerConflictsTotal.Inc()
		}
	}
	err = tx.Commit(ctx)
	metrics.ObserveStoreRequest("ledger_claim_minutes", start, err)
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// Finalize записывает фактическую сумму начисления; best-effort.
func (p *Postgres) Finalize(ctx context.Context, guildID string, source domain.LedgerSource, key string, awarded int64) error {
	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `
UPDATE award_ledger SET awarded = $1
WHERE guild_id = $2 AND source = $3 AND key = $4
`, awarded, guildID, string(source), key)
		metrics.ObserveStoreRequest("ledger_finalize", start, err)
		return err
	})
	return <-done
}

// Prune удаляет устаревшие записи леджера; сбой не фатален.
func (p *Postgres) Prune(ctx context.Context, olderThanMs int64) error {
	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `DELETE FROM award_ledger WHERE created_ms < $1`, olderThanMs)
		metrics.ObserveStoreRequest("ledger_prune", start, err)
		return err
	})
	return <-done
}

// --- страницы лидерборда ---

// ReplacePages атомарно заменяет страницы гильдии: удаление и вставка
// выполняются одной транзакцией внутри очереди записи.
func (p *Postgres) ReplacePages(ctx context.Context, guildID string, pages []domain.RollupPage) error {
	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()

		start := time.Now()
		tx, err := p.pool.BeginTx(taskCtx, pgx.TxOptions{})
		if err != nil {
			metrics.ObserveStoreRequest("pages_replace", start, err)
			return err
		}
		if _, err := tx.Exec(taskCtx, `DELETE FROM leaderboard_pages WHERE guild_id = $1`, guildID); err != nil {
			_ = tx.Rollback(taskCtx)
			metrics.ObserveStoreRequest("pages_replace", start, err)
			return err
		}
		for _, page := range pages {
			content, err := json.Marshal(page.Rows)
			if err != nil {
				_ = tx.Rollback(taskCtx)
				return fmt.Errorf("encode page: %w", err)
			}
			if _, err := tx.Exec(taskCtx, `
INSERT INTO leaderboard_pages (guild_id, page_no, page_size, content, updated_ms)
VALUES ($1, $2, $3, $4, $5)
`, page.GuildID, page.PageNo, page.PageSize, content, page.UpdatedMs); err != nil {
				_ = tx.Rollback(taskCtx)
				metrics.ObserveStoreRequest("pages_replace", start, err)
				return err
			}
		}
		err = tx.Commit(taskCtx)
		metrics.ObserveStoreRequest("pages_replace", start, err)
		return err
	})
	return <-done
}

// GetPage возвращает страницу или nil, если она не строилась.
func (p *Postgres) GetPage(ctx context.Context, guildID string, pageNo int) (*domain.RollupPage, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var content []byte
	page := domain.RollupPage{GuildID: guildID, PageNo: pageNo}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT page_size, content, updated_ms
FROM leaderboard_pages
WHERE guild_id = $1 AND page_no = $2
`, guildID, pageNo).Scan(&page.PageSize, &content, &page.UpdatedMs)
	metrics.ObserveStoreRequest("pages_get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &page.Rows); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &page, nil
}

// GetPageSize возвращает размер страницы гильдии, 0 — не задан.
func (p *Postgres) GetPageSize(ctx context.Context, guildID string) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var size int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT page_size FROM leaderboard_settings WHERE guild_id = $1
`, guildID).Scan(&size)
	metrics.ObserveStoreRequest("page_size_get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return size, nil
}

// SetPageSize сохраняет размер страницы гильдии.
func (p *Postgres) SetPageSize(ctx context.Context, guildID string, size int) (int, error) {
	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `
INSERT INTO leaderboard_settings (guild_id, page_size)
VALUES ($1, $2)
ON CONFLICT (guild_id) DO UPDATE SET page_size = EXCLUDED.page_size
`, guildID, size)
		metrics.ObserveStoreRequest("page_size_set", start, err)
		return err
	})
	if err := <-done; err != nil {
		return 0, err
	}
	return size, nil
}
