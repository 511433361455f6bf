package leveling

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"discord-xp-bot/internal/domain"
	"discord-xp-bot/internal/infra/metrics"
)

// DirtyMarker помечает лидерборд гильдии устаревшим.
type DirtyMarker interface {
	MarkDirty(guildID string)
}

// Service — движок уровней: единственная точка истины для вопроса
// «какой уровень у пользователя». Все мутации профилей идут через него.
type Service struct {
	profiles domain.ProfileRepo
	curve    domain.Curve
	journal  domain.JournalRepo
	events   domain.EventPublisher
	rollup   DirtyMarker
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService создаёт движок. journal, events и rollup могут быть nil.
func NewService(profiles domain.ProfileRepo, curve domain.Curve, journal domain.JournalRepo, events domain.EventPublisher, rollup DirtyMarker, logger zerolog.Logger) *Service {
	return &Service{
		profiles: profiles,
		curve:    curve,
		journal:  journal,
		events:   events,
		rollup:   rollup,
		log:      logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock возвращает мьютекс пары (гильдия, пользователь). Шлюз
// обрабатывает каждое событие в своей горутине, поэтому без
// сериализации чтение-изменение-запись профиля теряет параллельные
// начисления.
func (s *Service) userLock(guildID, userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := guildID + "\x00" + userID
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Curve возвращает используемую кривую уровней.
func (s *Service) Curve() domain.Curve {
	return s.curve
}

func sanitizePolicy(p domain.LevelPolicy) domain.LevelPolicy {
	if p.XPMin < 0 {
		p.XPMin = 0
	}
	if p.XPMax < 0 {
		p.XPMax = 0
	}
	if p.XPMax < p.XPMin {
		p.XPMin, p.XPMax = p.XPMax, p.XPMin
	}
	if p.CooldownMs < 0 {
		p.CooldownMs = 0
	}
	return p
}

func (s *Service) loadOrInit(ctx context.Context, guildID, userID string) (domain.LevelProfile, error) {
	profile, ok, err := s.profiles.GetProfile(ctx, guildID, userID)
	if err != nil {
		return domain.LevelProfile{}, fmt.Errorf("чтение профиля: %w", err)
	}
	if !ok {
		profile = domain.LevelProfile{GuildID: guildID, UserID: userID}
	}
	return profile, nil
}

// AwardMessageXP начисляет XP за сообщение. Бросок в [XPMin, XPMax]
// случайный, либо детерминированный от dedupKey, если он задан.
// Кулдаун — это ограничитель частоты, а не леджер: нулевое начисление
// после успешного захвата ключа является нормальным исходом.
func (s *Service) AwardMessageXP(ctx context.Context, guildID, userID string, nowMs int64, policy domain.LevelPolicy, dedupKey string) (domain.AwardResult, error) {
	policy = sanitizePolicy(policy)

	lock := s.userLock(guildID, userID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := s.loadOrInit(ctx, guildID, userID)
	if err != nil {
		return domain.AwardResult{}, err
	}

	if prev.Level >= domain.MaxLevel {
		metrics.ObserveAward(string(domain.SourceMessage), 0, false)
		return domain.AwardResult{Profile: prev}, nil
	}
	if prev.LastAwardMs != 0 && nowMs-prev.LastAwardMs < policy.CooldownMs {
		metrics.ObserveAward(string(domain.SourceMessage), 0, false)
		return domain.AwardResult{Profile: prev}, nil
	}

	var add int64
	if dedupKey != "" {
		add = domain.DeterministicInt(policy.XPMin, policy.XPMax, dedupKey)
	} else {
		n, err := rand.Int(rand.Reader, big.NewInt(policy.XPMax-policy.XPMin+1))
		if err != nil {
			return domain.AwardResult{}, fmt.Errorf("бросок XP: %w", err)
		}
		add = policy.XPMin + n.Int64()
	}

	result, err := s.apply(ctx, prev, add, nowMs, domain.SourceMessage, 1)
	if err != nil {
		return domain.AwardResult{}, err
	}
	return result, nil
}

// AwardRawXP начисляет XP безусловно по кулдауну: голосовые минуты,
// бонусы, административные выдачи. Неположительная сумма или профиль
// на потолке — no-op.
func (s *Service) AwardRawXP(ctx context.Context, guildID, userID string, amount int64, nowMs int64) (domain.AwardResult, error) {
	lock := s.userLock(guildID, userID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := s.loadOrInit(ctx, guildID, userID)
	if err != nil {
		return domain.AwardResult{}, err
	}
	if prev.Level >= domain.MaxLevel || amount <= 0 {
		metrics.ObserveAward(string(domain.SourceVoice), 0, false)
		return domain.AwardResult{Profile: prev}, nil
	}
	result, err := s.apply(ctx, prev, amount, nowMs, domain.SourceVoice, amount)
	if err != nil {
		return domain.AwardResult{}, err
	}
	return result, nil
}

// apply пересчитывает уровень, сохраняет профиль и раздаёт побочные
// сигналы: журнал, событие, отметку лидерборда.
func (s *Service) apply(ctx context.Context, prev domain.LevelProfile, add, nowMs int64, source domain.LedgerSource, qty int64) (domain.AwardResult, error) {
	next := prev
	next.XP = prev.XP + add
	next.Level = s.curve.LevelFromXP(next.XP)
	next.LastAwardMs = nowMs
	leveledUp := next.Level > prev.Level

	if err := s.profiles.SetProfile(ctx, next); err != nil {
		return domain.AwardResult{}, fmt.Errorf("сохранение профиля: %w", err)
	}

	metrics.ObserveAward(string(source), add, leveledUp)
	if s.rollup != nil {
		s.rollup.MarkDirty(next.GuildID)
	}
	if s.journal != nil {
		entry := domain.XPJournalEntry{
			GuildID:    next.GuildID,
			UserID:     next.UserID,
			CreatedMs:  nowMs,
			Source:     source,
			Amount:     add,
			LeveledUp:  leveledUp,
			LevelAfter: next.Level,
			Qty:        qty,
		}
		if err := s.journal.LogAward(ctx, entry); err != nil {
			s.log.Warn().Err(err).Msg("журнал начислений недоступен")
		}
	}
	if s.events != nil {
		event := domain.AwardEvent{
			EventID:    uuid.NewString(),
			GuildID:    next.GuildID,
			UserID:     next.UserID,
			Source:     source,
			Amount:     add,
			LeveledUp:  leveledUp,
			LevelAfter: next.Level,
			CreatedMs:  nowMs,
		}
		publishCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.events.PublishAward(publishCtx, event); err != nil {
			s.log.Warn().Err(err).Msg("событие начисления не опубликовано")
		}
		cancel()
	}

	return domain.AwardResult{Profile: next, Awarded: add, LeveledUp: leveledUp}, nil
}
