package domain

import "context"

// ProfileRepo управляет профилями уровней.
type ProfileRepo interface {
	GetProfile(ctx context.Context, guildID, userID string) (LevelProfile, bool, error)
	SetProfile(ctx context.Context, profile LevelProfile) error
	// ListTop возвращает профили гильдии в порядке (xp desc, user_id asc).
	ListTop(ctx context.Context, guildID string, limit, offset int) ([]LevelProfile, error)
}

// AwardLedger — таблица идемпотентности начислений. Единственный
// механизм, защищающий от двойного зачёта при повторной доставке
// событий; ClaimOnce обязан быть одной атомарной операцией хранилища.
type AwardLedger interface {
	// ClaimOnce возвращает true только тому вызову, который первым
	// захватил ключ.
	ClaimOnce(ctx context.Context, guildID string, source LedgerSource, key, userID string, nowMs int64) (bool, error)
	// ClaimVoiceMinutes атомарно захватывает набор минутных бакетов и
	// возвращает количество впервые захваченных.
	ClaimVoiceMinutes(ctx context.Context, guildID, userID string, buckets []int64, perMinute int64, nowMs int64) (int, error)
	// Finalize записывает фактически начисленную сумму. Вызывается
	// только после успешного ClaimOnce; сумма может быть нулевой.
	Finalize(ctx context.Context, guildID string, source LedgerSource, key string, awarded int64) error
	// Prune удаляет записи старше отметки. Ошибка не фатальна.
	Prune(ctx context.Context, olderThanMs int64) error
}

// RollupRepo хранит предрассчитанные страницы лидерборда.
type RollupRepo interface {
	// ReplacePages атомарно заменяет все страницы гильдии.
	ReplacePages(ctx context.Context, guildID string, pages []RollupPage) error
	// GetPage возвращает nil, если страница ещё не строилась.
	GetPage(ctx context.Context, guildID string, pageNo int) (*RollupPage, error)
	GetPageSize(ctx context.Context, guildID string) (int, error)
	SetPageSize(ctx context.Context, guildID string, size int) (int, error)
}

// SettingsRepo управляет пер-гильдийными настройками.
type SettingsRepo interface {
	LevelConfig(ctx context.Context, guildID string) (LevelConfig, error)
	UpdateLevelConfig(ctx context.Context, guildID string, patch LevelConfigPatch) (LevelConfig, error)
	VoicePolicy(ctx context.Context, guildID string) (VoicePolicy, error)
	UpdateVoicePolicy(ctx context.Context, guildID string, patch VoicePolicyPatch) (VoicePolicy, error)
	SetRoleMultiplier(ctx context.Context, guildID, roleID string, multiplier float64) error
	RemoveRoleMultiplier(ctx context.Context, guildID, roleID string) error
	ListRoleMultipliers(ctx context.Context, guildID string) ([]RoleMultiplier, error)
}

// JournalRepo пишет журнал начислений. Запись best-effort.
type JournalRepo interface {
	LogAward(ctx context.Context, entry XPJournalEntry) error
}

// PageCache — кэш страниц лидерборда перед хранилищем.
type PageCache interface {
	GetPage(ctx context.Context, guildID string, pageNo int) (*RollupPage, error)
	SetPage(ctx context.Context, page RollupPage) error
	DropGuild(ctx context.Context, guildID string) error
}

// EventPublisher отправляет события начислений внешним потребителям
// (сезонные архивы, рекапы). Ошибки публикации не влияют на начисление.
type EventPublisher interface {
	PublishAward(ctx context.Context, event AwardEvent) error
}
