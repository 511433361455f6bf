package leaderboard

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"discord-xp-bot/internal/domain"
)

type memStore struct {
	profiles  map[string][]domain.LevelProfile
	pages     map[string]map[int]domain.RollupPage
	pageSizes map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		profiles:  map[string][]domain.LevelProfile{},
		pages:     map[string]map[int]domain.RollupPage{},
		pageSizes: map[string]int{},
	}
}

func (m *memStore) GetProfile(context.Context, string, string) (domain.LevelProfile, bool, error) {
	return domain.LevelProfile{}, false, nil
}

func (m *memStore) SetProfile(context.Context, domain.LevelProfile) error { return nil }

func (m *memStore) ListTop(_ context.Context, guildID string, limit, offset int) ([]domain.LevelProfile, error) {
	rows := append([]domain.LevelProfile(nil), m.profiles[guildID]...)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].XP != rows[j].XP {
			return rows[i].XP > rows[j].XP
		}
		return rows[i].UserID < rows[j].UserID
	})
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *memStore) ReplacePages(_ context.Context, guildID string, pages []domain.RollupPage) error {
	byNo := map[int]domain.RollupPage{}
	for _, p := range pages {
		byNo[p.PageNo] = p
	}
	m.pages[guildID] = byNo
	return nil
}

func (m *memStore) GetPage(_ context.Context, guildID string, pageNo int) (*domain.RollupPage, error) {
	byNo, ok := m.pages[guildID]
	if !ok {
		return nil, nil
	}
	p, ok := byNo[pageNo]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memStore) GetPageSize(_ context.Context, guildID string) (int, error) {
	return m.pageSizes[guildID], nil
}

func (m *memStore) SetPageSize(_ context.Context, guildID string, size int) (int, error) {
	m.pageSizes[guildID] = size
	return size, nil
}

func newTestService(store *memStore) *Service {
	return NewService(store, store, nil, Options{}, zerolog.Nop())
}

func seedProfiles(store *memStore, guildID string, n int) {
	for i := 0; i < n; i++ {
		store.profiles[guildID] = append(store.profiles[guildID], domain.LevelProfile{
			GuildID: guildID,
			UserID:  string(rune('a' + i%26)) + string(rune('0'+i/26)),
			XP:      int64(100 * (n - i)),
			Level:   1,
		})
	}
}

func TestGetPageBeforeFirstRebuild(t *testing.T) {
	svc := newTestService(newMemStore())
	page, err := svc.GetPage(context.Background(), "g1", 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if page != nil {
		t.Fatalf("до первого перестроения страница должна быть nil")
	}
}

func TestRebuildRanksContiguous(t *testing.T) {
	store := newMemStore()
	seedProfiles(store, "g1", 25)
	svc := newTestService(store)
	ctx := context.Background()

	pages, err := svc.Rebuild(ctx, "g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if pages != 3 {
		t.Fatalf("25 профилей при размере 10 — ожидали 3 страницы, получили %d", pages)
	}

	rank := 1
	prevXP := int64(1 << 40)
	for pageNo := 1; pageNo <= pages; pageNo++ {
		page, err := svc.GetPage(ctx, "g1", pageNo)
		if err != nil || page == nil {
			t.Fatalf("страница %d недоступна: %v", pageNo, err)
		}
		for _, row := range page.Rows {
			if row.Rank != rank {
				t.Fatalf("ранги не сквозные: ожидали %d, получили %d", rank, row.Rank)
			}
			if row.XP > prevXP {
				t.Fatalf("нарушен порядок по XP")
			}
			prevXP = row.XP
			rank++
		}
	}
	if rank != 26 {
		t.Fatalf("ожидали 25 строк, получили %d", rank-1)
	}
}

func TestRebuildTieBreakByUserID(t *testing.T) {
	store := newMemStore()
	store.profiles["g1"] = []domain.LevelProfile{
		{GuildID: "g1", UserID: "bob", XP: 100},
		{GuildID: "g1", UserID: "alice", XP: 100},
	}
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Rebuild(ctx, "g1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	page, _ := svc.GetPage(ctx, "g1", 1)
	if page.Rows[0].UserID != "alice" || page.Rows[1].UserID != "bob" {
		t.Fatalf("при равном XP порядок по userId: %+v", page.Rows)
	}
}

func TestTakeDueHonorsDebounce(t *testing.T) {
	svc := newTestService(newMemStore())
	now := int64(1_000_000)
	svc.nowFn = func() int64 { return now }

	svc.MarkDirty("g1")
	if due := svc.takeDue(now + 5_000); len(due) != 0 {
		t.Fatalf("отметка моложе дебаунса не должна перестраиваться")
	}
	due := svc.takeDue(now + 15_000)
	if len(due) != 1 || due[0] != "g1" {
		t.Fatalf("ожидали g1 после дебаунса, получили %v", due)
	}
	if due := svc.takeDue(now + 30_000); len(due) != 0 {
		t.Fatalf("отметка должна сниматься после выборки")
	}
}

func TestMarkDirtyIdempotent(t *testing.T) {
	svc := newTestService(newMemStore())
	now := int64(0)
	svc.nowFn = func() int64 { return now }
	for i := 0; i < 10; i++ {
		svc.MarkDirty("g1")
	}
	now = 20_000
	if due := svc.takeDue(now); len(due) != 1 {
		t.Fatalf("много отметок — одно перестроение, получили %v", due)
	}
}

func TestSetPageSizeClamped(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	if size, _ := svc.SetPageSize(ctx, "g1", 500); size != MaxPageSize {
		t.Fatalf("ожидали потолок %d, получили %d", MaxPageSize, size)
	}
	if size, _ := svc.SetPageSize(ctx, "g1", 0); size != MinPageSize {
		t.Fatalf("ожидали минимум %d, получили %d", MinPageSize, size)
	}
}

func TestPageSizeDefaultsWhenUnset(t *testing.T) {
	svc := newTestService(newMemStore())
	size, err := svc.GetPageSize(context.Background(), "g1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if size != DefaultPageSize {
		t.Fatalf("ожидали размер по умолчанию %d, получили %d", DefaultPageSize, size)
	}
}

func TestPageSizeChangeAppliesOnNextRebuild(t *testing.T) {
	store := newMemStore()
	seedProfiles(store, "g1", 20)
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Rebuild(ctx, "g1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := svc.SetPageSize(ctx, "g1", 5); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// старые страницы всё ещё читаемы
	page, _ := svc.GetPage(ctx, "g1", 1)
	if page == nil || page.PageSize != DefaultPageSize {
		t.Fatalf("старые страницы должны остаться до перестроения")
	}
	if _, err := svc.Rebuild(ctx, "g1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	page, _ = svc.GetPage(ctx, "g1", 1)
	if page == nil || page.PageSize != 5 || len(page.Rows) != 5 {
		t.Fatalf("новый размер не применился: %+v", page)
	}
}

func TestOptionsDefaults(t *testing.T) {
	svc := NewService(newMemStore(), newMemStore(), nil, Options{}, zerolog.Nop())
	if svc.opts.Debounce != 15*time.Second || svc.opts.Tick != 5*time.Second {
		t.Fatalf("умолчания дебаунса/тика не применились: %+v", svc.opts)
	}
}

func TestLivePageBeforeFirstRebuild(t *testing.T) {
	store := newMemStore()
	seedProfiles(store, "g1", 25)
	svc := newTestService(store)
	ctx := context.Background()

	// страницы ещё не строились
	if page, _ := svc.GetPage(ctx, "g1", 1); page != nil {
		t.Fatalf("до перестроения страниц быть не должно")
	}

	page, err := svc.LivePage(ctx, "g1", 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if page == nil || len(page.Rows) != DefaultPageSize {
		t.Fatalf("живой запрос должен вернуть полную страницу: %+v", page)
	}
	for idx, row := range page.Rows {
		if row.Rank != idx+1 {
			t.Fatalf("ранги не сквозные: %d на позиции %d", row.Rank, idx)
		}
	}

	second, err := svc.LivePage(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if second == nil || second.Rows[0].Rank != DefaultPageSize+1 {
		t.Fatalf("вторая страница должна продолжать нумерацию: %+v", second)
	}
	if second.Rows[0].XP > page.Rows[len(page.Rows)-1].XP {
		t.Fatalf("порядок между страницами нарушен")
	}
}

func TestLivePageEmptyGuild(t *testing.T) {
	svc := newTestService(newMemStore())
	page, err := svc.LivePage(context.Background(), "empty", 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if page != nil {
		t.Fatalf("пустая гильдия должна давать nil, получили %+v", page)
	}
}
