package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"discord-xp-bot/internal/domain"
)

func (a *Adapter) handleVoiceState(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.GuildID == "" {
		return
	}
	member, err := s.State.Member(v.GuildID, v.UserID)
	if err == nil && member != nil && member.User != nil && member.User.Bot {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nowMs := time.Now().UnixMilli()

	presence := a.buildPresence(s, v.GuildID, v.VoiceState)
	a.tracker.HandleVoiceState(ctx, v.GuildID, v.UserID, presence, nowMs)

	// Вход, выход и переход меняют заселённость каналов, а с ней —
	// право соседей на начисление; их присутствие пересчитывается.
	if v.BeforeUpdate != nil && v.BeforeUpdate.ChannelID != "" && v.BeforeUpdate.ChannelID != v.ChannelID {
		a.sweepChannel(ctx, s, v.GuildID, v.BeforeUpdate.ChannelID, v.UserID, nowMs)
	}
	if v.ChannelID != "" {
		a.sweepChannel(ctx, s, v.GuildID, v.ChannelID, v.UserID, nowMs)
	}
}

// buildPresence собирает снимок присутствия из состояния шлюза.
// Возвращает nil, если пользователь не в голосовом канале.
func (a *Adapter) buildPresence(s *discordgo.Session, guildID string, vs *discordgo.VoiceState) *domain.VoicePresence {
	if vs == nil || vs.ChannelID == "" {
		return nil
	}
	guild, err := s.State.Guild(guildID)
	if err != nil || guild == nil {
		a.log.Warn().Str("guild", guildID).Msg("гильдия отсутствует в состоянии шлюза")
		return nil
	}
	return &domain.VoicePresence{
		ChannelID:       vs.ChannelID,
		AFKChannel:      vs.ChannelID == guild.AfkChannelID,
		SelfMute:        vs.SelfMute || vs.Mute,
		SelfDeaf:        vs.SelfDeaf || vs.Deaf,
		HumansInChannel: a.humansInChannel(s, guild, vs.ChannelID),
	}
}

func (a *Adapter) humansInChannel(s *discordgo.Session, guild *discordgo.Guild, channelID string) int {
	humans := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		member, err := s.State.Member(guild.ID, vs.UserID)
		if err == nil && member != nil && member.User != nil && member.User.Bot {
			continue
		}
		humans++
	}
	return humans
}

func (a *Adapter) sweepChannel(ctx context.Context, s *discordgo.Session, guildID, channelID, skipUserID string, nowMs int64) {
	guild, err := s.State.Guild(guildID)
	if err != nil || guild == nil {
		return
	}
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == skipUserID {
			continue
		}
		member, err := s.State.Member(guildID, vs.UserID)
		if err == nil && member != nil && member.User != nil && member.User.Bot {
			continue
		}
		a.tracker.HandleVoiceState(ctx, guildID, vs.UserID, a.buildPresence(s, guildID, vs), nowMs)
	}
}
