package domain

import "testing"

func TestVoiceEligible(t *testing.T) {
	policy := DefaultVoicePolicy()
	cases := []struct {
		name string
		p    VoicePresence
		want bool
	}{
		{"обычный канал с людьми", VoicePresence{ChannelID: "c1", HumansInChannel: 2}, true},
		{"вне канала", VoicePresence{}, false},
		{"AFK канал", VoicePresence{ChannelID: "afk", AFKChannel: true, HumansInChannel: 3}, false},
		{"самозаглушен", VoicePresence{ChannelID: "c1", SelfMute: true, HumansInChannel: 2}, false},
		{"отключил звук", VoicePresence{ChannelID: "c1", SelfDeaf: true, HumansInChannel: 2}, false},
		{"один в канале", VoicePresence{ChannelID: "c1", HumansInChannel: 1}, false},
	}
	for _, tc := range cases {
		if got := VoiceEligible(tc.p, policy); got != tc.want {
			t.Fatalf("%s: ожидали %v, получили %v", tc.name, tc.want, got)
		}
	}
}

func TestVoiceEligibleRelaxedPolicy(t *testing.T) {
	policy := VoicePolicy{XPPerMinute: 10}
	p := VoicePresence{ChannelID: "afk", AFKChannel: true, SelfMute: true, HumansInChannel: 1}
	if !VoiceEligible(p, policy) {
		t.Fatalf("при выключенных требованиях присутствие должно засчитываться")
	}
}

func TestMinuteBucket(t *testing.T) {
	if MinuteBucket(0) != 0 {
		t.Fatalf("бакет нуля")
	}
	if MinuteBucket(59_999) != 0 {
		t.Fatalf("59.999с — ещё нулевой бакет")
	}
	if MinuteBucket(60_000) != 1 {
		t.Fatalf("60с — первый бакет")
	}
}
