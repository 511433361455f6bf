package discord

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"discord-xp-bot/internal/domain"
)

// countableMessage сообщает, участвует ли сообщение в начислении XP:
// отсекаются боты, системные сообщения, вебхуки, личка и пустой текст.
func countableMessage(m *discordgo.Message) bool {
	if m == nil || m.Author == nil {
		return false
	}
	if m.Author.Bot || m.Author.System {
		return false
	}
	if m.WebhookID != "" {
		return false
	}
	if m.GuildID == "" {
		return false
	}
	return strings.TrimSpace(m.Content) != ""
}

func (a *Adapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if !countableMessage(m.Message) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	guildID := m.GuildID
	userID := m.Author.ID

	cfg, err := a.settings.LevelConfig(ctx, guildID)
	if err != nil {
		a.log.Error().Err(err).Str("guild", guildID).Msg("настройки гильдии недоступны")
		return
	}
	if slices.Contains(cfg.ChannelBlacklist, m.ChannelID) {
		return
	}
	var roles []string
	if m.Member != nil {
		roles = m.Member.Roles
	} else {
		roles = a.memberRoles(guildID, userID)
	}
	for _, roleID := range roles {
		if slices.Contains(cfg.RoleBlacklist, roleID) {
			return
		}
	}

	// Ключ леджера — ID сообщения: повторная доставка того же события
	// шлюзом не даёт второго начисления.
	claimed, err := a.ledger.ClaimOnce(ctx, guildID, domain.SourceMessage, m.ID, userID, nowMs)
	if err != nil {
		a.log.Error().Err(err).Str("guild", guildID).Str("user", userID).Msg("захват ключа леджера не удался")
		return
	}
	if !claimed {
		return
	}

	policy := cfg.Policy()
	if factor := a.roleFactor(ctx, guildID, roles); factor != 1 {
		policy.XPMin = int64(float64(policy.XPMin) * factor)
		policy.XPMax = int64(float64(policy.XPMax) * factor)
	}

	result, err := a.engine.AwardMessageXP(ctx, guildID, userID, nowMs, policy, m.ID)
	if err != nil {
		a.log.Error().Err(err).Str("guild", guildID).Str("user", userID).Msg("начисление XP за сообщение не удалось")
		return
	}
	if err := a.ledger.Finalize(ctx, guildID, domain.SourceMessage, m.ID, result.Awarded); err != nil {
		a.log.Warn().Err(err).Msg("финализация записи леджера не удалась")
	}
	if result.LeveledUp {
		a.announceLevelUp(s, m.ChannelID, userID, result.Profile.Level)
	}
}

func (a *Adapter) roleFactor(ctx context.Context, guildID string, roles []string) float64 {
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

func (a *Adapter) announceLevelUp(s *discordgo.Session, channelID, userID string, level int) {
	text := fmt.Sprintf("<@%s> достигает уровня **%d**! 🎉", userID, level)
	if _, err := s.ChannelMessageSend(channelID, text); err != nil {
		a.log.Warn().Err(err).Str("channel", channelID).Msg("не удалось отправить поздравление")
	}
}
