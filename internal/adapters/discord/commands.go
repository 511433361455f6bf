package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"discord-xp-bot/internal/domain"
)

var adminPermission int64 = discordgo.PermissionAdministrator

var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "rank",
		Description: "Показывает уровень и XP участника.",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        "user",
				Description: "Участник. По умолчанию — вы.",
				Required:    false,
			},
		},
	},
	{
		Name:        "leaderboard",
		Description: "Показывает страницу таблицы лидеров.",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "page",
				Description: "Номер страницы, с единицы.",
				Required:    false,
			},
		},
	},
	{
		Name:                     "levelconfig",
		Description:              "Показывает или меняет настройки начисления XP.",
		DefaultMemberPermissions: &adminPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "cooldown-seconds",
				Description: "Кулдаун начисления за сообщения, в секундах.",
				Required:    false,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "xp-min",
				Description: "Нижняя граница броска XP.",
				Required:    false,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "xp-max",
				Description: "Верхняя граница броска XP.",
				Required:    false,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "page-size",
				Description: "Размер страницы лидерборда (1–50).",
				Required:    false,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "voice-xp-per-minute",
				Description: "XP за минуту в голосовом канале.",
				Required:    false,
			},
		},
	},
	{
		Name:                     "multiplier",
		Description:              "Задаёт или убирает множитель XP для роли.",
		DefaultMemberPermissions: &adminPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        "role",
				Description: "Роль гильдии.",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionNumber,
				Name:        "factor",
				Description: "Множитель 0–5. Без значения — убрать множитель.",
				Required:    false,
			},
		},
	},
}

func (a *Adapter) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || i.GuildID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch i.ApplicationCommandData().Name {
	case "rank":
		a.handleRank(ctx, s, i)
	case "leaderboard":
		a.handleLeaderboard(ctx, s, i)
	case "levelconfig":
		a.handleLevelConfig(ctx, s, i)
	case "multiplier":
		a.handleMultiplier(ctx, s, i)
	}
}

func (a *Adapter) respond(s *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: text},
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("ответ на команду не доставлен")
	}
}

func (a *Adapter) handleRank(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	target := i.Member.User
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "user" {
			target = opt.UserValue(s)
		}
	}
	profile, ok, err := a.profiles.GetProfile(ctx, i.GuildID, target.ID)
	if err != nil {
		a.respond(s, i, "Не удалось получить профиль, попробуйте позже.")
		return
	}
	if !ok {
		a.respond(s, i, fmt.Sprintf("У <@%s> пока нет XP в этой гильдии.", target.ID))
		return
	}
	curve := a.engine.Curve()
	if profile.Level >= domain.MaxLevel {
		a.respond(s, i, fmt.Sprintf("<@%s>: уровень **%d** (максимум), %d XP.", target.ID, profile.Level, profile.XP))
		return
	}
	remaining := curve.CumulativeXP(profile.Level+1) - profile.XP
	a.respond(s, i, fmt.Sprintf("<@%s>: уровень **%d**, %d XP. До следующего уровня: %d XP.", target.ID, profile.Level, profile.XP, remaining))
}

func (a *Adapter) handleLeaderboard(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	pageNo := 1
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "page" {
			pageNo = int(opt.IntValue())
		}
	}
	if pageNo < 1 {
		pageNo = 1
	}

	page, err := a.rollup.GetPage(ctx, i.GuildID, pageNo)
	if err != nil {
		a.log.Error().Err(err).Str("guild", i.GuildID).Msg("чтение страницы лидерборда не удалось")
		a.respond(s, i, "Не удалось получить лидерборд, попробуйте позже.")
		return
	}
	if page == nil {
		// Страницы ещё не строились: отвечаем живым запросом.
		if page, err = a.rollup.LivePage(ctx, i.GuildID, pageNo); err != nil {
			a.log.Warn().Err(err).Str("guild", i.GuildID).Msg("живой запрос лидерборда не удался")
		}
	}
	if page == nil || len(page.Rows) == 0 {
		a.respond(s, i, "На этой странице пусто.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "**Таблица лидеров — страница %d**\n", page.PageNo)
	for _, row := range page.Rows {
		fmt.Fprintf(&sb, "%d. <@%s> — уровень %d, %d XP\n", row.Rank, row.UserID, row.Level, row.XP)
	}
	a.respond(s, i, sb.String())
}

func (a *Adapter) handleLevelConfig(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	var patch domain.LevelConfigPatch
	var voicePatch domain.VoicePolicyPatch
	var pageSize *int
	for _, opt := range i.ApplicationCommandData().Options {
		switch opt.Name {
		case "cooldown-seconds":
			v := opt.IntValue() * 1000
			patch.CooldownMs = &v
		case "xp-min":
			v := opt.IntValue()
			patch.XPMin = &v
		case "xp-max":
			v := opt.IntValue()
			patch.XPMax = &v
		case "page-size":
			v := int(opt.IntValue())
			pageSize = &v
		case "voice-xp-per-minute":
			v := opt.IntValue()
			voicePatch.XPPerMinute = &v
		}
	}

	if voicePatch.XPPerMinute != nil {
		policy, err := a.settings.UpdateVoicePolicy(ctx, i.GuildID, voicePatch)
		if err != nil {
			a.log.Error().Err(err).Str("guild", i.GuildID).Msg("обновление голосовой политики не удалось")
			a.respond(s, i, "Не удалось сохранить голосовую политику, попробуйте позже.")
			return
		}
		if patch.CooldownMs == nil && patch.XPMin == nil && patch.XPMax == nil && pageSize == nil {
			a.respond(s, i, fmt.Sprintf("Готово. Голосовой XP: %d в минуту.", policy.XPPerMinute))
			return
		}
	}

	if patch.CooldownMs == nil && patch.XPMin == nil && patch.XPMax == nil && pageSize == nil && voicePatch.XPPerMinute == nil {
		cfg, err := a.settings.LevelConfig(ctx, i.GuildID)
		if err != nil {
			a.respond(s, i, "Не удалось получить настройки, попробуйте позже.")
			return
		}
		size, _ := a.rollup.GetPageSize(ctx, i.GuildID)
		a.respond(s, i, fmt.Sprintf(
			"Кулдаун: %d с, бросок XP: %d–%d, страница лидерборда: %d.",
			cfg.CooldownMs/1000, cfg.XPMin, cfg.XPMax, size,
		))
		return
	}

	cfg, err := a.settings.UpdateLevelConfig(ctx, i.GuildID, patch)
	if err != nil {
		a.log.Error().Err(err).Str("guild", i.GuildID).Msg("обновление настроек не удалось")
		a.respond(s, i, "Не удалось сохранить настройки, попробуйте позже.")
		return
	}
	size := 0
	if pageSize != nil {
		if size, err = a.rollup.SetPageSize(ctx, i.GuildID, *pageSize); err != nil {
			a.respond(s, i, "Настройки XP сохранены, но размер страницы не обновился.")
			return
		}
	} else {
		size, _ = a.rollup.GetPageSize(ctx, i.GuildID)
	}
	a.respond(s, i, fmt.Sprintf(
		"Готово. Кулдаун: %d с, бросок XP: %d–%d, страница лидерборда: %d.",
		cfg.CooldownMs/1000, cfg.XPMin, cfg.XPMax, size,
	))
}

func (a *Adapter) handleMultiplier(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	var roleID string
	var factor *float64
	for _, opt := range i.ApplicationCommandData().Options {
		switch opt.Name {
		case "role":
			roleID = opt.RoleValue(s, i.GuildID).ID
		case "factor":
			v := opt.FloatValue()
			factor = &v
		}
	}
	if roleID == "" {
		a.respond(s, i, "Роль не указана.")
		return
	}
	if factor == nil {
		if err := a.settings.RemoveRoleMultiplier(ctx, i.GuildID, roleID); err != nil {
			a.respond(s, i, "Не удалось убрать множитель, попробуйте позже.")
			return
		}
		a.respond(s, i, fmt.Sprintf("Множитель роли <@&%s> убран.", roleID))
		return
	}
	if err := a.settings.SetRoleMultiplier(ctx, i.GuildID, roleID, *factor); err != nil {
		a.respond(s, i, "Не удалось сохранить множитель, попробуйте позже.")
		return
	}
	a.respond(s, i, fmt.Sprintf("Множитель роли <@&%s>: ×%.2g.", roleID, *factor))
}
