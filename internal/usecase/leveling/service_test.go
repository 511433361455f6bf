package leveling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"discord-xp-bot/internal/domain"
)

type memProfiles struct {
	m map[string]domain.LevelProfile
}

func newMemProfiles() *memProfiles {
	return &memProfiles{m: map[string]domain.LevelProfile{}}
}

func (r *memProfiles) key(g, u string) string { return g + ":" + u }

func (r *memProfiles) GetProfile(_ context.Context, guildID, userID string) (domain.LevelProfile, bool, error) {
	p, ok := r.m[r.key(guildID, userID)]
	return p, ok, nil
}

func (r *memProfiles) SetProfile(_ context.Context, profile domain.LevelProfile) error {
	r.m[r.key(profile.GuildID, profile.UserID)] = profile
	return nil
}

func (r *memProfiles) ListTop(_ context.Context, guildID string, limit, offset int) ([]domain.LevelProfile, error) {
	return nil, nil
}

type dirtyRecorder struct {
	guilds []string
}

func (d *dirtyRecorder) MarkDirty(guildID string) { d.guilds = append(d.guilds, guildID) }

func newTestService(profiles *memProfiles) (*Service, *dirtyRecorder) {
	dirty := &dirtyRecorder{}
	return NewService(profiles, domain.DefaultCurve, nil, nil, dirty, zerolog.Nop()), dirty
}

func fixedPolicy(cooldownMs int64, min, max int64) domain.LevelPolicy {
	return domain.LevelPolicy{CooldownMs: cooldownMs, XPMin: min, XPMax: max}
}

func TestAwardMessageXPCreatesProfileLazily(t *testing.T) {
	svc, dirty := newTestService(newMemProfiles())
	res, err := svc.AwardMessageXP(context.Background(), "g1", "u1", 1_000, fixedPolicy(0, 10, 10), "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Awarded != 10 {
		t.Fatalf("ожидали 10 XP, получили %d", res.Awarded)
	}
	if res.Profile.XP != 10 || res.Profile.LastAwardMs != 1_000 {
		t.Fatalf("профиль не создан: %+v", res.Profile)
	}
	if len(dirty.guilds) != 1 || dirty.guilds[0] != "g1" {
		t.Fatalf("лидерборд не помечен устаревшим")
	}
}

func TestCooldownGate(t *testing.T) {
	svc, _ := newTestService(newMemProfiles())
	ctx := context.Background()
	policy := fixedPolicy(60_000, 10, 10)

	first, _ := svc.AwardMessageXP(ctx, "g1", "u1", 0, policy, "")
	if first.Awarded != 10 {
		t.Fatalf("первое начисление должно пройти")
	}
	second, _ := svc.AwardMessageXP(ctx, "g1", "u1", 30_000, policy, "")
	if second.Awarded != 0 {
		t.Fatalf("кулдаун не сработал: %d", second.Awarded)
	}
	third, _ := svc.AwardMessageXP(ctx, "g1", "u1", 60_000, policy, "")
	if third.Awarded != 10 {
		t.Fatalf("после кулдауна начисление должно пройти")
	}
}

func TestDeterministicDraw(t *testing.T) {
	profiles := newMemProfiles()
	svc, _ := newTestService(profiles)
	ctx := context.Background()
	policy := fixedPolicy(0, 15, 25)

	first, _ := svc.AwardMessageXP(ctx, "g1", "u1", 0, policy, "msg-42")
	second, _ := svc.AwardMessageXP(ctx, "g1", "u2", 0, policy, "msg-42")
	if first.Awarded != second.Awarded {
		t.Fatalf("одинаковый ключ дал разные броски: %d и %d", first.Awarded, second.Awarded)
	}
	if first.Awarded < 15 || first.Awarded > 25 {
		t.Fatalf("бросок %d вне диапазона", first.Awarded)
	}
}

func TestThreeMessagesScenario(t *testing.T) {
	svc, _ := newTestService(newMemProfiles())
	ctx := context.Background()
	policy := fixedPolicy(0, 10, 10)

	var last domain.AwardResult
	for i := 0; i < 3; i++ {
		var err error
		last, err = svc.AwardMessageXP(ctx, "g1", "u1", int64(i), policy, "det")
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	if last.Profile.XP != 30 {
		t.Fatalf("ожидали 30 XP, получили %d", last.Profile.XP)
	}
	if want := domain.DefaultCurve.LevelFromXP(30); last.Profile.Level != want {
		t.Fatalf("ожидали уровень %d, получили %d", want, last.Profile.Level)
	}
}

func TestAwardRawXPAdditiveUntilCap(t *testing.T) {
	profiles := newMemProfiles()
	svc, _ := newTestService(profiles)
	ctx := context.Background()

	prevXP := int64(-1)
	for i := 0; i < 100_000; i++ {
		res, err := svc.AwardRawXP(ctx, "g1", "u1", 50_000, int64(i))
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if res.Profile.Level >= domain.MaxLevel {
			// дальнейшие вызовы уже не меняют XP
			capXP := res.Profile.XP
			after, _ := svc.AwardRawXP(ctx, "g1", "u1", 50_000, int64(i+1))
			if after.Awarded != 0 || after.Profile.XP != capXP {
				t.Fatalf("XP продолжил расти после потолка")
			}
			return
		}
		if res.Profile.XP <= prevXP {
			t.Fatalf("XP не растёт: %d после %d", res.Profile.XP, prevXP)
		}
		prevXP = res.Profile.XP
	}
	t.Fatalf("потолок так и не достигнут")
}

func TestAwardRawXPNonPositiveIsNoop(t *testing.T) {
	svc, _ := newTestService(newMemProfiles())
	ctx := context.Background()
	res, err := svc.AwardRawXP(ctx, "g1", "u1", 0, 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Awarded != 0 || res.Profile.XP != 0 {
		t.Fatalf("ноль XP должен быть no-op")
	}
}

func TestLeveledUpFlag(t *testing.T) {
	svc, _ := newTestService(newMemProfiles())
	ctx := context.Background()
	need := domain.DefaultCurve.XPToNext(0)

	res, _ := svc.AwardRawXP(ctx, "g1", "u1", need, 1)
	if !res.LeveledUp || res.Profile.Level != 1 {
		t.Fatalf("ожидали переход на уровень 1: %+v", res)
	}
	res, _ = svc.AwardRawXP(ctx, "g1", "u1", 1, 2)
	if res.LeveledUp {
		t.Fatalf("одного XP мало для следующего уровня")
	}
}

func TestPolicySanitation(t *testing.T) {
	svc, _ := newTestService(newMemProfiles())
	ctx := context.Background()
	// границы перепутаны и отрицательны
	res, err := svc.AwardMessageXP(ctx, "g1", "u1", 0, fixedPolicy(-5, 20, 10), "k")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Awarded < 10 || res.Awarded > 20 {
		t.Fatalf("бросок %d вне нормализованного диапазона", res.Awarded)
	}
}

// slowProfiles — потокобезопасный репозиторий с паузой между чтением
// и записью: расширяет окно для гонки чтение-изменение-запись.
type slowProfiles struct {
	mu sync.Mutex
	m  map[string]domain.LevelProfile
}

func newSlowProfiles() *slowProfiles {
	return &slowProfiles{m: map[string]domain.LevelProfile{}}
}

func (r *slowProfiles) GetProfile(_ context.Context, guildID, userID string) (domain.LevelProfile, bool, error) {
	r.mu.Lock()
	p, ok := r.m[guildID+":"+userID]
	r.mu.Unlock()
	time.Sleep(time.Millisecond)
	return p, ok, nil
}

func (r *slowProfiles) SetProfile(_ context.Context, profile domain.LevelProfile) error {
	r.mu.Lock()
	r.m[profile.GuildID+":"+profile.UserID] = profile
	r.mu.Unlock()
	return nil
}

func (r *slowProfiles) ListTop(_ context.Context, guildID string, limit, offset int) ([]domain.LevelProfile, error) {
	return nil, nil
}

func TestConcurrentAwardsDoNotLoseUpdates(t *testing.T) {
	profiles := newSlowProfiles()
	dirty := &dirtyRecorder{}
	svc := NewService(profiles, domain.DefaultCurve, nil, nil, dirty, zerolog.Nop())
	ctx := context.Background()

	const workers = 4
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := svc.AwardRawXP(ctx, "g1", "u1", 5, 1_000); err != nil {
					t.Errorf("не ожидали ошибку: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	profile, ok, _ := profiles.GetProfile(ctx, "g1", "u1")
	if !ok {
		t.Fatalf("профиль не создан")
	}
	want := int64(workers * perWorker * 5)
	if profile.XP != want {
		t.Fatalf("параллельные начисления потеряны: XP=%d, ожидали %d", profile.XP, want)
	}
}

func TestRandomDrawWithinBounds(t *testing.T) {
	svc, _ := newTestService(newMemProfiles())
	ctx := context.Background()
	policy := fixedPolicy(0, 15, 25)

	for i := 0; i < 50; i++ {
		res, err := svc.AwardMessageXP(ctx, "g1", fmt.Sprintf("u%d", i), 1_000, policy, "")
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if res.Awarded < 15 || res.Awarded > 25 {
			t.Fatalf("бросок %d вне диапазона [15, 25]", res.Awarded)
		}
	}
}
