package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"discord-xp-bot/internal/domain"
	"discord-xp-bot/internal/infra/metrics"
)

const (
	minRoleMultiplier = 0
	maxRoleMultiplier = 5
)

// LevelConfig возвращает настройки начисления гильдии; отсутствие
// строки означает настройки по умолчанию.
func (p *Postgres) LevelConfig(ctx context.Context, guildID string) (domain.LevelConfig, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	cfg := domain.DefaultLevelConfig(guildID)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT cooldown_ms, xp_min, xp_max, channel_blacklist, role_blacklist
FROM level_settings
WHERE guild_id = $1
`, guildID).Scan(&cfg.CooldownMs, &cfg.XPMin, &cfg.XPMax, &cfg.ChannelBlacklist, &cfg.RoleBlacklist)
	metrics.ObserveStoreRequest("level_config_get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DefaultLevelConfig(guildID), nil
	}
	if err != nil {
		return domain.LevelConfig{}, err
	}
	return cfg, nil
}

// UpdateLevelConfig применяет частичное обновление и возвращает
// итоговые настройки.
func (p *Postgres) UpdateLevelConfig(ctx context.Context, guildID string, patch domain.LevelConfigPatch) (domain.LevelConfig, error) {
	cfg, err := p.LevelConfig(ctx, guildID)
	if err != nil {
		return domain.LevelConfig{}, err
	}
	if patch.CooldownMs != nil {
		cfg.CooldownMs = *patch.CooldownMs
	}
	if patch.XPMin != nil {
		cfg.XPMin = *patch.XPMin
	}
	if patch.XPMax != nil {
		cfg.XPMax = *patch.XPMax
	}
	if patch.ChannelBlacklist != nil {
		cfg.ChannelBlacklist = patch.ChannelBlacklist
	}
	if patch.RoleBlacklist != nil {
		cfg.RoleBlacklist = patch.RoleBlacklist
	}

	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `
INSERT INTO level_settings (guild_id, cooldown_ms, xp_min, xp_max, channel_blacklist, role_blacklist)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (guild_id) DO UPDATE SET
	cooldown_ms = EXCLUDED.cooldown_ms,
	xp_min = EXCLUDED.xp_min,
	xp_max = EXCLUDED.xp_max,
	channel_blacklist = EXCLUDED.channel_blacklist,
	role_blacklist = EXCLUDED.role_blacklist
`, guildID, cfg.CooldownMs, cfg.XPMin, cfg.XPMax, cfg.ChannelBlacklist, cfg.RoleBlacklist)
		metrics.ObserveStoreRequest("level_config_set", start, err)
		return err
	})
	if err := <-done; err != nil {
		return domain.LevelConfig{}, err
	}
	return cfg, nil
}

// VoicePolicy возвращает голосовую политику гильдии; отсутствие строки
// означает политику по умолчанию.
func (p *Postgres) VoicePolicy(ctx context.Context, guildID string) (domain.VoicePolicy, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var policy domain.VoicePolicy
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT min_session_ms, xp_per_minute, require_others, ignore_afk, require_unmuted
FROM voice_settings
WHERE guild_id = $1
`, guildID).Scan(&policy.MinSessionMs, &policy.XPPerMinute, &policy.RequireOthers, &policy.IgnoreAFK, &policy.RequireUnmuted)
	metrics.ObserveStoreRequest("voice_policy_get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DefaultVoicePolicy(), nil
	}
	if err != nil {
		return domain.VoicePolicy{}, err
	}
	return policy, nil
}

// UpdateVoicePolicy применяет частичное обновление голосовой политики.
func (p *Postgres) UpdateVoicePolicy(ctx context.Context, guildID string, patch domain.VoicePolicyPatch) (domain.VoicePolicy, error) {
	policy, err := p.VoicePolicy(ctx, guildID)
	if err != nil {
		return domain.VoicePolicy{}, err
	}
	if patch.MinSessionMs != nil {
		policy.MinSessionMs = *patch.MinSessionMs
	}
	if patch.XPPerMinute != nil {
		policy.XPPerMinute = *patch.XPPerMinute
	}
	if patch.RequireOthers != nil {
		policy.RequireOthers = *patch.RequireOthers
	}
	if patch.IgnoreAFK != nil {
		policy.IgnoreAFK = *patch.IgnoreAFK
	}
	if patch.RequireUnmuted != nil {
		policy.RequireUnmuted = *patch.RequireUnmuted
	}

	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `
INSERT INTO voice_settings (guild_id, min_session_ms, xp_per_minute, require_others, ignore_afk, require_unmuted)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (guild_id) DO UPDATE SET
	min_session_ms = EXCLUDED.min_session_ms,
	xp_per_minute = EXCLUDED.xp_per_minute,
	require_others = EXCLUDED.require_others,
	ignore_afk = EXCLUDED.ignore_afk,
	require_unmuted = EXCLUDED.require_unmuted
`, guildID, policy.MinSessionMs, policy.XPPerMinute, policy.RequireOthers, policy.IgnoreAFK, policy.RequireUnmuted)
		metrics.ObserveStoreRequest("voice_policy_set", start, err)
		return err
	})
	if err := <-done; err != nil {
		return domain.VoicePolicy{}, err
	}
	return policy, nil
}

// SetRoleMultiplier сохраняет множитель роли, ограничивая его
// диапазоном [0, 5].
func (p *Postgres) SetRoleMultiplier(ctx context.Context, guildID, roleID string, multiplier float64) error {
	if multiplier < minRoleMultiplier {
		multiplier = minRoleMultiplier
	}
	if multiplier > maxRoleMultiplier {
		multiplier = maxRoleMultiplier
	}
	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `
INSERT INTO role_multipliers (guild_id, role_id, multiplier)
VALUES ($1, $2, $3)
ON CONFLICT (guild_id, role_id) DO UPDATE SET multiplier = EXCLUDED.multiplier
`, guildID, roleID, multiplier)
		metrics.ObserveStoreRequest("role_multiplier_set", start, err)
		return err
	})
	return <-done
}

// RemoveRoleMultiplier удаляет множитель роли.
func (p *Postgres) RemoveRoleMultiplier(ctx context.Context, guildID, roleID string) error {
	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `
DELETE FROM role_multipliers WHERE guild_id = $1 AND role_id = $2
`, guildID, roleID)
		metrics.ObserveStoreRequest("role_multiplier_remove", start, err)
		return err
	})
	return <-done
}

// ListRoleMultipliers возвращает все множители ролей гильдии.
func (p *Postgres) ListRoleMultipliers(ctx context.Context, guildID string) ([]domain.RoleMultiplier, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT guild_id, role_id, multiplier
FROM role_multipliers
WHERE guild_id = $1
`, guildID)
	metrics.ObserveStoreRequest("role_multipliers_list", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var multipliers []domain.RoleMultiplier
	for rows.Next() {
		var rm domain.RoleMultiplier
		if err := rows.Scan(&rm.GuildID, &rm.RoleID, &rm.Multiplier); err != nil {
			return nil, err
		}
		multipliers = append(multipliers, rm)
	}
	return multipliers, rows.Err()
}

// LogAward добавляет запись в журнал начислений.
func (p *Postgres) LogAward(ctx context.Context, entry domain.XPJournalEntry) error {
	done := p.queue.Enqueue(func(taskCtx context.Context) error {
		taskCtx, cancel := p.connCtx(taskCtx)
		defer cancel()
		start := time.Now()
		_, err := p.pool.Exec(taskCtx, `
INSERT INTO xp_journal (guild_id, user_id, created_ms, source, amount, leveled_up, level_after, qty)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, entry.GuildID, entry.UserID, entry.CreatedMs, string(entry.Source), entry.Amount, entry.LeveledUp, entry.LevelAfter, entry.Qty)
		metrics.ObserveStoreRequest("journal_insert", start, err)
		return err
	})
	return <-done
}
