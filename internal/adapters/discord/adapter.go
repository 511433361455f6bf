package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"discord-xp-bot/internal/domain"
	"discord-xp-bot/internal/usecase/leaderboard"
	"discord-xp-bot/internal/usecase/leveling"
	"discord-xp-bot/internal/usecase/voice"
)

// Adapter связывает шлюз Discord с движком уровней: сообщения и
// голосовые события превращаются в начисления, слэш-команды — в чтения
// и настройки.
type Adapter struct {
	session  *discordgo.Session
	log      zerolog.Logger
	engine   *leveling.Service
	tracker  *voice.Tracker
	ledger   domain.AwardLedger
	profiles domain.ProfileRepo
	settings domain.SettingsRepo
	rollup   *leaderboard.Service

	testGuildID string
	registered  []*discordgo.ApplicationCommand
}

// NewAdapter создаёт адаптер и сессию шлюза. testGuildID непустой —
// команды регистрируются только в этой гильдии (мгновенно, для стенда).
func NewAdapter(
	token string,
	engine *leveling.Service,
	tracker *voice.Tracker,
	ledger domain.AwardLedger,
	profiles domain.ProfileRepo,
	settings domain.SettingsRepo,
	rollup *leaderboard.Service,
	testGuildID string,
	logger zerolog.Logger,
) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("создание сессии discord: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentMessageContent
	session.StateEnabled = true

	a := &Adapter{
		session:     session,
		log:         logger,
		engine:      engine,
		tracker:     tracker,
		ledger:      ledger,
		profiles:    profiles,
		settings:    settings,
		rollup:      rollup,
		testGuildID: testGuildID,
	}
	session.AddHandler(a.handleMessage)
	session.AddHandler(a.handleVoiceState)
	session.AddHandler(a.handleInteraction)
	return a, nil
}

// Session возвращает сессию шлюза.
func (a *Adapter) Session() *discordgo.Session {
	return a.session
}

// MemberMultiplier возвращает MultiplierFn для голосового трекера:
// множитель считается от текущих ролей участника.
func (a *Adapter) MemberMultiplier() voice.MultiplierFn {
	return func(ctx context.Context, guildID, userID string) float64 {
		roles := a.memberRoles(guildID, userID)
		if len(roles) == 0 {
			return 1
		}
		configured, err := a.settings.ListRoleMultipliers(ctx, guildID)
		if err != nil {
			a.log.Warn().Err(err).Str("guild", guildID).Msg("множители ролей недоступны")
			return 1
		}
		return domain.MultiplierForRoles(configured, roles)
	}
}

func (a *Adapter) memberRoles(guildID, userID string) []string {
	member, err := a.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return member.Roles
	}
	member, err = a.session.GuildMember(guildID, userID)
	if err != nil || member == nil {
		return nil
	}
	return member.Roles
}

// Open открывает соединение со шлюзом и регистрирует слэш-команды.
func (a *Adapter) Open() error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("подключение к шлюзу: %w", err)
	}
	registered, err := a.session.ApplicationCommandBulkOverwrite(a.session.State.User.ID, a.testGuildID, slashCommands)
	if err != nil {
		_ = a.session.Close()
		return fmt.Errorf("регистрация команд: %w", err)
	}
	a.registered = registered
	a.log.Info().Int("commands", len(registered)).Msg("адаптер discord запущен")
	return nil
}

// Close закрывает соединение со шлюзом.
func (a *Adapter) Close() error {
	return a.session.Close()
}
