package domain

// VoicePresence — мгновенный снимок голосового состояния пользователя.
// Собирается платформенным адаптером; трекер сессий никогда не хранит
// его авторитетно, пригодность пересчитывается на каждом событии.
type VoicePresence struct {
	ChannelID       string
	AFKChannel      bool
	SelfMute        bool
	SelfDeaf        bool
	HumansInChannel int
}

// VoiceEligible решает, засчитывается ли присутствие в голосовом
// канале под политику гильдии. Чистая функция от снимка и политики.
func VoiceEligible(p VoicePresence, policy VoicePolicy) bool {
	if p.ChannelID == "" {
		return false
	}
	if policy.IgnoreAFK && p.AFKChannel {
		return false
	}
	if policy.RequireUnmuted && (p.SelfMute || p.SelfDeaf) {
		return false
	}
	if policy.RequireOthers && p.HumansInChannel < 2 {
		return false
	}
	return true
}

// MinuteBucket возвращает номер минутного бакета для отметки времени.
func MinuteBucket(ms int64) int64 {
	return ms / 60_000
}
