package domain

// LedgerSource обозначает источник начисления XP.
type LedgerSource string

const (
	// SourceMessage — начисление за текстовое сообщение.
	SourceMessage LedgerSource = "msg"
	// SourceVoice — начисление за минуту в голосовом канале.
	SourceVoice LedgerSource = "voice"
)

// LevelProfile хранит накопленный XP пользователя в рамках гильдии.
// Level всегда производен от XP через кривую уровней и кэшируется
// только ради скорости чтения.
type LevelProfile struct {
	GuildID     string
	UserID      string
	XP          int64
	Level       int
	LastAwardMs int64 // 0 — начислений ещё не было
}

// AwardResult описывает итог одного начисления XP.
type AwardResult struct {
	Profile   LevelProfile
	Awarded   int64
	LeveledUp bool
}

// LevelPolicy задаёт правила начисления XP за сообщение.
type LevelPolicy struct {
	CooldownMs int64
	XPMin      int64
	XPMax      int64
}

// LevelConfig хранит настройки начисления XP гильдии.
type LevelConfig struct {
	GuildID          string
	CooldownMs       int64
	XPMin            int64
	XPMax            int64
	ChannelBlacklist []string
	RoleBlacklist    []string
}

// Policy возвращает политику начисления из настроек гильдии.
func (c LevelConfig) Policy() LevelPolicy {
	return LevelPolicy{CooldownMs: c.CooldownMs, XPMin: c.XPMin, XPMax: c.XPMax}
}

// DefaultLevelConfig возвращает настройки по умолчанию.
func DefaultLevelConfig(guildID string) LevelConfig {
	return LevelConfig{
		GuildID:    guildID,
		CooldownMs: 60_000,
		XPMin:      15,
		XPMax:      25,
	}
}

// LevelConfigPatch — частичное обновление настроек начисления.
// Nil-поле означает «оставить как есть».
type LevelConfigPatch struct {
	CooldownMs       *int64
	XPMin            *int64
	XPMax            *int64
	ChannelBlacklist []string
	RoleBlacklist    []string
}

// VoicePolicy задаёт правила начисления XP за голосовое присутствие.
type VoicePolicy struct {
	MinSessionMs   int64
	XPPerMinute    int64
	RequireOthers  bool
	IgnoreAFK      bool
	RequireUnmuted bool
}

// DefaultVoicePolicy возвращает голосовую политику по умолчанию.
func DefaultVoicePolicy() VoicePolicy {
	return VoicePolicy{
		MinSessionMs:   60_000,
		XPPerMinute:    10,
		RequireOthers:  true,
		IgnoreAFK:      true,
		RequireUnmuted: true,
	}
}

// VoicePolicyPatch — частичное обновление голосовой политики.
type VoicePolicyPatch struct {
	MinSessionMs   *int64
	XPPerMinute    *int64
	RequireOthers  *bool
	IgnoreAFK      *bool
	RequireUnmuted *bool
}

// RoleMultiplier хранит множитель XP для роли гильдии.
type RoleMultiplier struct {
	GuildID    string
	RoleID     string
	Multiplier float64
}

// MultiplierForRoles возвращает наибольший множитель среди ролей
// пользователя. Если подходящих записей нет — 1.
func MultiplierForRoles(configured []RoleMultiplier, roleIDs []string) float64 {
	owned := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		owned[id] = struct{}{}
	}
	best := 1.0
	for _, rm := range configured {
		if _, ok := owned[rm.RoleID]; ok && rm.Multiplier > best {
			best = rm.Multiplier
		}
	}
	return best
}

// RollupRow — одна строка страницы лидерборда.
type RollupRow struct {
	Rank   int    `json:"rank"`
	UserID string `json:"userId"`
	XP     int64  `json:"xp"`
	Level  int    `json:"level"`
}

// RollupPage — предрассчитанная страница лидерборда гильдии.
// Страницы являются кэшем и могут отставать от профилей на окно
// дебаунса; источником истины они не бывают.
type RollupPage struct {
	GuildID   string      `json:"guildId"`
	PageNo    int         `json:"page"`
	PageSize  int         `json:"pageSize"`
	Rows      []RollupRow `json:"rows"`
	UpdatedMs int64       `json:"updatedMs"`
}

// XPJournalEntry — запись журнала начислений.
type XPJournalEntry struct {
	GuildID    string
	UserID     string
	CreatedMs  int64
	Source     LedgerSource
	Amount     int64
	LeveledUp  bool
	LevelAfter int
	Qty        int64 // сообщения = 1, голос = минуты
}

// AwardEvent публикуется во внешнюю шину после успешного начисления.
type AwardEvent struct {
	EventID    string       `json:"event_id"`
	GuildID    string       `json:"guild_id"`
	UserID     string       `json:"user_id"`
	Source     LedgerSource `json:"source"`
	Amount     int64        `json:"amount"`
	LeveledUp  bool         `json:"leveled_up"`
	LevelAfter int          `json:"level_after"`
	CreatedMs  int64        `json:"created_ms"`
}
