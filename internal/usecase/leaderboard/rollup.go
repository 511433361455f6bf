package leaderboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"discord-xp-bot/internal/domain"
	"discord-xp-bot/internal/infra/metrics"
)

// MinPageSize и MaxPageSize ограничивают настраиваемый размер страницы.
const (
	MinPageSize     = 1
	MaxPageSize     = 50
	DefaultPageSize = 10
)

// Options настраивают фоновое перестроение.
type Options struct {
	// Debounce — минимальный возраст отметки, после которого гильдия
	// перестраивается; гасит всплески активности.
	Debounce time.Duration
	// Tick — период сканирования отметок.
	Tick time.Duration
	// MaxRows — верхняя граница числа профилей в перестроении.
	MaxRows int
}

// Service поддерживает предрассчитанные страницы лидерборда. Страницы
// могут отставать от профилей на окно дебаунса; чтение при промахе
// падает на живой запрос к профилям.
type Service struct {
	mu    sync.Mutex
	dirty map[string]int64 // guildID → момент отметки, ms

	profiles domain.ProfileRepo
	pages    domain.RollupRepo
	cache    domain.PageCache
	opts     Options
	log      zerolog.Logger

	nowFn func() int64
}

// NewService создаёт сервис. cache может быть nil.
func NewService(profiles domain.ProfileRepo, pages domain.RollupRepo, cache domain.PageCache, opts Options, logger zerolog.Logger) *Service {
	if opts.Debounce <= 0 {
		opts.Debounce = 15 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 5000
	}
	return &Service{
		dirty:    make(map[string]int64),
		profiles: profiles,
		pages:    pages,
		cache:    cache,
		opts:     opts,
		log:      logger,
		nowFn:    func() int64 { return time.Now().UnixMilli() },
	}
}

// MarkDirty помечает лидерборд гильдии устаревшим. O(1), идемпотентно.
func (s *Service) MarkDirty(guildID string) {
	s.mu.Lock()
	s.dirty[guildID] = s.nowFn()
	s.mu.Unlock()
}

// takeDue снимает и возвращает гильдии, чья отметка старше дебаунса.
func (s *Service) takeDue(nowMs int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for guildID, markedMs := range s.dirty {
		if nowMs-markedMs < s.opts.Debounce.Milliseconds() {
			continue
		}
		delete(s.dirty, guildID)
		due = append(due, guildID)
	}
	return due
}

// Run — фоновый цикл перестроения; блокируется до отмены контекста.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, guildID := range s.takeDue(s.nowFn()) {
				if _, err := s.Rebuild(ctx, guildID); err != nil {
					metrics.RollupErrorsTotal.Inc()
					s.log.Error().Err(err).Str("guild", guildID).Msg("перестроение лидерборда не удалось")
				}
			}
		}
	}
}

// Rebuild полностью перестраивает страницы гильдии: профили в порядке
// (xp desc, user_id asc), сквозные ранги с единицы, атомарная замена
// всех страниц. Возвращает число собранных страниц.
func (s *Service) Rebuild(ctx context.Context, guildID string) (int, error) {
	pageSize, err := s.GetPageSize(ctx, guildID)
	if err != nil {
		return 0, fmt.Errorf("размер страницы: %w", err)
	}
	profiles, err := s.profiles.ListTop(ctx, guildID, s.opts.MaxRows, 0)
	if err != nil {
		return 0, fmt.Errorf("чтение профилей: %w", err)
	}

	nowMs := s.nowFn()
	var pages []domain.RollupPage
	var rows []domain.RollupRow
	pageNo := 1
	for i, p := range profiles {
		rows = append(rows, domain.RollupRow{
			Rank:   i + 1,
			UserID: p.UserID,
			XP:     p.XP,
			Level:  p.Level,
		})
		if len(rows) == pageSize {
			pages = append(pages, domain.RollupPage{
				GuildID:   guildID,
				PageNo:    pageNo,
				PageSize:  pageSize,
				Rows:      rows,
				UpdatedMs: nowMs,
			})
			pageNo++
			rows = nil
		}
	}
	if len(rows) > 0 {
		pages = append(pages, domain.RollupPage{
			GuildID:   guildID,
			PageNo:    pageNo,
			PageSize:  pageSize,
			Rows:      rows,
			UpdatedMs: nowMs,
		})
	}

	if err := s.pages.ReplacePages(ctx, guildID, pages); err != nil {
		return 0, fmt.Errorf("замена страниц: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.DropGuild(ctx, guildID); err != nil {
			s.log.Warn().Err(err).Str("guild", guildID).Msg("сброс кэша страниц не удался")
		}
	}

	metrics.RollupRebuildsTotal.Inc()
	metrics.RollupPages.Set(float64(len(pages)))
	return len(pages), nil
}

// GetPage возвращает страницу из кэша или хранилища; nil — страница
// ещё не строилась, вызывающий падает на живой запрос.
func (s *Service) GetPage(ctx context.Context, guildID string, pageNo int) (*domain.RollupPage, error) {
	if s.cache != nil {
		page, err := s.cache.GetPage(ctx, guildID, pageNo)
		if err != nil {
			s.log.Warn().Err(err).Str("guild", guildID).Msg("кэш страниц недоступен")
		} else if page != nil {
			return page, nil
		}
	}
	page, err := s.pages.GetPage(ctx, guildID, pageNo)
	if err != nil {
		return nil, err
	}
	if page != nil && s.cache != nil {
		if err := s.cache.SetPage(ctx, *page); err != nil {
			s.log.Warn().Err(err).Str("guild", guildID).Msg("прогрев кэша страниц не удался")
		}
	}
	return page, nil
}

// LivePage строит страницу живым запросом к профилям — запасной путь
// чтения, пока страницы гильдии не построены. nil — страница пуста.
func (s *Service) LivePage(ctx context.Context, guildID string, pageNo int) (*domain.RollupPage, error) {
	if pageNo < 1 {
		pageNo = 1
	}
	size, err := s.GetPageSize(ctx, guildID)
	if err != nil {
		return nil, err
	}
	profiles, err := s.profiles.ListTop(ctx, guildID, size, (pageNo-1)*size)
	if err != nil {
		return nil, fmt.Errorf("живой запрос профилей: %w", err)
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	page := &domain.RollupPage{
		GuildID:   guildID,
		PageNo:    pageNo,
		PageSize:  size,
		UpdatedMs: s.nowFn(),
	}
	for idx, p := range profiles {
		page.Rows = append(page.Rows, domain.RollupRow{
			Rank:   (pageNo-1)*size + idx + 1,
			UserID: p.UserID,
			XP:     p.XP,
			Level:  p.Level,
		})
	}
	return page, nil
}

// GetPageSize возвращает размер страницы гильдии.
func (s *Service) GetPageSize(ctx context.Context, guildID string) (int, error) {
	size, err := s.pages.GetPageSize(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if size < MinPageSize {
		return DefaultPageSize, nil
	}
	return size, nil
}

// SetPageSize задаёт размер страницы (ограничен [1, 50]). Изменение
// вступает в силу на следующем перестроении: старые страницы остаются
// читаемыми до него.
func (s *Service) SetPageSize(ctx context.Context, guildID string, size int) (int, error) {
	if size < MinPageSize {
		size = MinPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	stored, err := s.pages.SetPageSize(ctx, guildID, size)
	if err != nil {
		return 0, err
	}
	s.MarkDirty(guildID)
	return stored, nil
}
