package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestClassifier(t *testing.T) {
	c := NewClassifier(TierChat,
		CommandRule("/admin*", TierAdmin),
		CommandRule("/imagine", TierMediaHeavy),
		AttachmentRule("photo", TierMediaHeavy),
		ExplicitTier("vip"),
	)

	tests := []struct {
		name string
		in   Descriptor
		want Tier
	}{
		{"plain text falls back to default", Descriptor{Command: "hello there"}, TierChat},
		{"empty descriptor", Descriptor{}, TierChat},
		{"exact command", Descriptor{Command: "/imagine a red fox"}, TierMediaHeavy},
		{"command with bot suffix", Descriptor{Command: "/IMAGINE@mybot fox"}, TierMediaHeavy},
		{"prefix command", Descriptor{Command: "/admin_ban 42"}, TierAdmin},
		{"attachment", Descriptor{Attachment: "Photo"}, TierMediaHeavy},
		{"unmatched attachment", Descriptor{Attachment: "sticker"}, TierChat},
		{"command beats attachment", Descriptor{Command: "/admin", Attachment: "photo"}, TierAdmin},
		{"explicit beats command", Descriptor{Tier: TierChat, Command: "/imagine"}, TierChat},
		{"explicit-only tier", Descriptor{Tier: "vip"}, "vip"},
		{"unknown explicit tier is ignored", Descriptor{Tier: "root", Attachment: "photo"}, TierMediaHeavy},
		{"non-command text with slash inside", Descriptor{Command: "a/imagine"}, TierChat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.in); got != tt.want {
				t.Errorf("Classify(%+v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDefaultClassifier(t *testing.T) {
	c := DefaultClassifier()
	if c.DefaultTier() != TierChat {
		t.Errorf("expected default tier chat, got %q", c.DefaultTier())
	}
	if got := c.Classify(Descriptor{Attachment: "voice"}); got != TierMediaHeavy {
		t.Errorf("expected voice to be media-heavy, got %q", got)
	}
	if got := c.Classify(Descriptor{Command: "/admin_stats"}); got != TierAdmin {
		t.Errorf("expected /admin_stats to be admin, got %q", got)
	}
}

func TestTierConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TierConfig
		wantErr bool
	}{
		{"valid", TierConfig{PerMinuteLimit: 5, BurstLimit: 2, BurstWindow: time.Second}, false},
		{"burst disabled", TierConfig{PerMinuteLimit: 5}, false},
		{"zero per-minute", TierConfig{PerMinuteLimit: 0}, true},
		{"negative burst", TierConfig{PerMinuteLimit: 5, BurstLimit: -1}, true},
		{"burst without window", TierConfig{PerMinuteLimit: 5, BurstLimit: 2}, true},
		{"negative minute window", TierConfig{PerMinuteLimit: 5, MinuteWindow: -time.Second}, true},
		{"sub-millisecond minute window", TierConfig{PerMinuteLimit: 5, MinuteWindow: 500 * time.Microsecond}, true},
		{"one millisecond minute window", TierConfig{PerMinuteLimit: 5, MinuteWindow: time.Millisecond}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTier) {
				t.Errorf("expected ErrInvalidTier, got %v", err)
			}
		})
	}
}

func TestWindowKey(t *testing.T) {
	minute := WindowKey{Tier: TierChat, UserID: "42", Kind: WindowMinute}
	if got := minute.String(); got != "minute:chat:42" {
		t.Errorf("unexpected minute key %q", got)
	}

	daily := WindowKey{Tier: TierAdmin, UserID: "42", Kind: WindowDaily, Day: "2026-03-14"}
	if got := daily.String(); got != "daily:*:42:2026-03-14" {
		t.Errorf("unexpected daily key %q", got)
	}
}
