package voice

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"discord-xp-bot/internal/domain"
	"discord-xp-bot/internal/infra/metrics"
)

// RawAwarder начисляет XP без кулдауна.
type RawAwarder interface {
	AwardRawXP(ctx context.Context, guildID, userID string, amount int64, nowMs int64) (domain.AwardResult, error)
}

// PolicyProvider возвращает голосовую политику гильдии.
type PolicyProvider interface {
	VoicePolicy(ctx context.Context, guildID string) (domain.VoicePolicy, error)
}

// MultiplierFn возвращает множитель XP пользователя на момент расчёта.
type MultiplierFn func(ctx context.Context, guildID, userID string) float64

type sessionKey struct {
	guildID string
	userID  string
}

// session — состояние одного пользователя в голосовом канале.
// Не персистится: при рестарте незакрытые доли минут теряются,
// уже захваченные бакеты защищены леджером.
type session struct {
	mu            sync.Mutex
	guildID       string
	userID        string
	channelID     string
	eligible      bool
	lastSettledMs int64
}

// Tracker ведёт по одной сессии на (guild, user) и переводит прожитые
// целые минуты в XP через леджер и движок. Расчёт по сессии
// сериализован: два расчёта одной сессии не перемежаются.
type Tracker struct {
	mu       sync.Mutex
	sessions map[sessionKey]*session

	ledger     domain.AwardLedger
	engine     RawAwarder
	policies   PolicyProvider
	multiplier MultiplierFn
	log        zerolog.Logger
}

// NewTracker создаёт трекер. multiplier может быть nil (множитель 1).
func NewTracker(ledger domain.AwardLedger, engine RawAwarder, policies PolicyProvider, multiplier MultiplierFn, logger zerolog.Logger) *Tracker {
	return &Tracker{
		sessions:   make(map[sessionKey]*session),
		ledger:     ledger,
		engine:     engine,
		policies:   policies,
		multiplier: multiplier,
		log:        logger,
	}
}

func (t *Tracker) policy(ctx context.Context, guildID string) domain.VoicePolicy {
	policy, err := t.policies.VoicePolicy(ctx, guildID)
	if err != nil {
		t.log.Warn().Err(err).Str("guild", guildID).Msg("голосовая политика недоступна, берём умолчание")
		return domain.DefaultVoicePolicy()
	}
	return policy
}

// HandleVoiceState обрабатывает событие присутствия. presence == nil
// означает выход из голосового канала.
func (t *Tracker) HandleVoiceState(ctx context.Context, guildID, userID string, presence *domain.VoicePresence, nowMs int64) {
	key := sessionKey{guildID: guildID, userID: userID}

	t.mu.Lock()
	sess, exists := t.sessions[key]

	if presence == nil || presence.ChannelID == "" {
		delete(t.sessions, key)
		metrics.VoiceSessionsActive.Set(float64(len(t.sessions)))
		t.mu.Unlock()
		if exists {
			t.settle(ctx, sess, nowMs)
		}
		return
	}

	policy := t.policy(ctx, guildID)
	eligible := domain.VoiceEligible(*presence, policy)

	if !exists {
		t.sessions[key] = &session{
			guildID:       guildID,
			userID:        userID,
			channelID:     presence.ChannelID,
			eligible:      eligible,
			lastSettledMs: nowMs,
		}
		metrics.VoiceSessionsActive.Set(float64(len(t.sessions)))
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	sess.mu.Lock()
	moved := sess.channelID != presence.ChannelID
	flipped := sess.eligible != eligible
	sess.mu.Unlock()

	if moved {
		// переход между каналами: закрываем минуты старого канала,
		// затем стартуем заново
		t.settle(ctx, sess, nowMs)
		sess.mu.Lock()
		sess.channelID = presence.ChannelID
		sess.eligible = eligible
		sess.lastSettledMs = nowMs
		sess.mu.Unlock()
		return
	}
	if flipped {
		// выплачиваем прожитое по старому состоянию, потом переключаем
		t.settle(ctx, sess, nowMs)
		sess.mu.Lock()
		sess.eligible = eligible
		sess.lastSettledMs = nowMs
		sess.mu.Unlock()
	}
}

// Tick закрывает целые минуты всех активных сессий, ограничивая время
// жизни незаписанного кредита.
func (t *Tracker) Tick(ctx context.Context, nowMs int64) {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		t.settle(ctx, s, nowMs)
	}
}

// SetMultiplier задаёт функцию множителя. Вызывается при сборке
// процесса, до подписки на события шлюза.
func (t *Tracker) SetMultiplier(fn MultiplierFn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.multiplier = fn
}

// ActiveSessions возвращает число отслеживаемых сессий.
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// settle переводит прожитые целые минуты сессии в XP. Якорь
// сдвигается только мимо обработанных бакетов: при сбое леджера
// следующий расчёт начнёт с того же места, уже захваченные бакеты
// повторно не засчитываются.
func (t *Tracker) settle(ctx context.Context, sess *session, nowMs int64) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.eligible {
		return
	}

	startBucket := domain.MinuteBucket(sess.lastSettledMs) + 1
	endBucket := domain.MinuteBucket(nowMs)
	if endBucket < startBucket {
		return
	}
	elapsed := endBucket - startBucket + 1

	policy := t.policy(ctx, sess.guildID)
	factor := 1.0
	if t.multiplier != nil {
		factor = t.multiplier(ctx, sess.guildID, sess.userID)
	}
	perMinute := int64(math.Floor(float64(policy.XPPerMinute) * factor))

	buckets := make([]int64, 0, elapsed)
	for b := startBucket; b <= endBucket; b++ {
		buckets = append(buckets, b)
	}

	claimed, err := t.ledger.ClaimVoiceMinutes(ctx, sess.guildID, sess.userID, buckets, perMinute, nowMs)
	if err != nil {
		t.log.Error().Err(err).Str("guild", sess.guildID).Str("user", sess.userID).Msg("захват голосовых минут не удался")
		return
	}
	sess.lastSettledMs += elapsed * 60_000

	if claimed <= 0 {
		return
	}
	metrics.VoiceMinutesTotal.Add(float64(claimed))

	if perMinute <= 0 {
		return
	}
	if _, err := t.engine.AwardRawXP(ctx, sess.guildID, sess.userID, int64(claimed)*perMinute, nowMs); err != nil {
		t.log.Error().Err(err).Str("guild", sess.guildID).Str("user", sess.userID).Msg("начисление голосового XP не удалось")
	}
}
