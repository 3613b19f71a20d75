package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier is a traffic class with its own rate budget.
type Tier string

// Built-in tiers.
const (
	TierChat       Tier = "chat"
	TierMediaHeavy Tier = "media-heavy"
	TierAdmin      Tier = "admin"
)

// ErrInvalidTier is returned for tier configurations that cannot be enforced.
var ErrInvalidTier = errors.New("ratelimit: invalid tier config")

// DefaultMinuteWindow is used when a TierConfig leaves MinuteWindow unset.
const DefaultMinuteWindow = time.Minute

// TierConfig is the per-tier budget.
type TierConfig struct {
	// PerMinuteLimit is the number of events allowed per MinuteWindow.
	PerMinuteLimit int
	// MinuteWindow is the length of the per-minute window (default 60s).
	MinuteWindow time.Duration
	// BurstLimit is the number of events allowed per BurstWindow.
	// Zero disables the burst window.
	BurstLimit int
	// BurstWindow is the length of the short burst window.
	BurstWindow time.Duration
}

// Validate checks that the config can be enforced.
func (c TierConfig) Validate() error {
	if c.PerMinuteLimit <= 0 {
		return fmt.Errorf("%w: per-minute limit must be positive, got %d", ErrInvalidTier, c.PerMinuteLimit)
	}
	if c.MinuteWindow < 0 {
		return fmt.Errorf("%w: minute window must not be negative, got %s", ErrInvalidTier, c.MinuteWindow)
	}
	if c.MinuteWindow > 0 && c.MinuteWindow < time.Millisecond {
		return fmt.Errorf("%w: minute window must be at least 1ms, got %s", ErrInvalidTier, c.MinuteWindow)
	}
	if c.BurstLimit < 0 {
		return fmt.Errorf("%w: burst limit must not be negative, got %d", ErrInvalidTier, c.BurstLimit)
	}
	if c.BurstLimit > 0 && c.BurstWindow < time.Millisecond {
		return fmt.Errorf("%w: burst window must be at least 1ms, got %s", ErrInvalidTier, c.BurstWindow)
	}
	return nil
}

func (c TierConfig) withDefaults() TierConfig {
	if c.MinuteWindow == 0 {
		c.MinuteWindow = DefaultMinuteWindow
	}
	return c
}

// DefaultTiers returns the budgets for the built-in tiers.
func DefaultTiers() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierChat: {
			PerMinuteLimit: 20,
			MinuteWindow:   time.Minute,
			BurstLimit:     5,
			BurstWindow:    10 * time.Second,
		},
		TierMediaHeavy: {
			PerMinuteLimit: 5,
			MinuteWindow:   time.Minute,
			BurstLimit:     2,
			BurstWindow:    10 * time.Second,
		},
		TierAdmin: {
			PerMinuteLimit: 60,
			MinuteWindow:   time.Minute,
			BurstLimit:     20,
			BurstWindow:    10 * time.Second,
		},
	}
}

// WindowKind names one of the three policies consulted by TieredLimiter.
type WindowKind string

const (
	WindowNone   WindowKind = ""
	WindowDaily  WindowKind = "daily"
	WindowBurst  WindowKind = "burst"
	WindowMinute WindowKind = "minute"
)

// dailyTier is the tier component of daily keys; the daily cap is shared
// by every tier.
const dailyTier Tier = "*"

// WindowKey identifies one counter: (tier, user, window kind). Daily keys
// also carry the UTC calendar date so the cap restarts every day.
type WindowKey struct {
	Tier   Tier
	UserID string
	Kind   WindowKind
	Day    string
}

// String renders the key as stored in the Counter.
func (k WindowKey) String() string {
	if k.Kind == WindowDaily {
		return string(WindowDaily) + ":" + string(dailyTier) + ":" + k.UserID + ":" + k.Day
	}
	return string(k.Kind) + ":" + string(k.Tier) + ":" + k.UserID
}

// Descriptor is what the classifier needs to know about an event.
type Descriptor struct {
	// Tier is an explicit tier signal set by trusted caller code.
	Tier Tier
	// Command is the command text, e.g. "/imagine a cat".
	Command string
	// Attachment is the content kind, e.g. "photo", "voice".
	Attachment string
}

type ruleKind int

const (
	ruleCommand ruleKind = iota
	ruleAttachment
	ruleExplicit
)

// Rule maps one command or attachment kind to a tier.
type Rule struct {
	kind   ruleKind
	match  string
	prefix bool
	tier   Tier
}

// CommandRule matches a command name. A trailing "*" matches by prefix,
// so "/admin*" matches "/admin_ban". Matching ignores case, arguments and a
// "@botname" suffix.
func CommandRule(command string, tier Tier) Rule {
	m := strings.ToLower(command)
	prefix := strings.HasSuffix(m, "*")
	return Rule{kind: ruleCommand, match: strings.TrimSuffix(m, "*"), prefix: prefix, tier: tier}
}

// AttachmentRule matches an attachment kind, ignoring case.
func AttachmentRule(kind string, tier Tier) Rule {
	return Rule{kind: ruleAttachment, match: strings.ToLower(kind), tier: tier}
}

// ExplicitTier allows tier to be selected by an explicit Descriptor.Tier
// signal even though no command or attachment rule maps to it.
func ExplicitTier(tier Tier) Rule {
	return Rule{kind: ruleExplicit, tier: tier}
}

// Classifier maps descriptors to tiers.
//
// Classification is pure and total. Precedence:
//  1. an explicit tier signal naming a known tier
//  2. the first matching command rule
//  3. the first matching attachment rule
//  4. the default tier
//
// Known tiers are the default tier plus every tier named by a rule.
type Classifier struct {
	defaultTier Tier
	known       map[Tier]struct{}
	commands    []Rule
	attachments []Rule
}

// NewClassifier creates a classifier. Rules are matched in the given order.
func NewClassifier(defaultTier Tier, rules ...Rule) *Classifier {
	c := &Classifier{
		defaultTier: defaultTier,
		known:       map[Tier]struct{}{defaultTier: {}},
	}
	for _, r := range rules {
		c.known[r.tier] = struct{}{}
		switch r.kind {
		case ruleCommand:
			c.commands = append(c.commands, r)
		case ruleAttachment:
			c.attachments = append(c.attachments, r)
		}
	}
	return c
}

// DefaultRules maps admin commands to TierAdmin and heavy media to
// TierMediaHeavy.
func DefaultRules() []Rule {
	return []Rule{
		CommandRule("/admin*", TierAdmin),
		CommandRule("/imagine", TierMediaHeavy),
		AttachmentRule("photo", TierMediaHeavy),
		AttachmentRule("video", TierMediaHeavy),
		AttachmentRule("voice", TierMediaHeavy),
		AttachmentRule("audio", TierMediaHeavy),
		AttachmentRule("document", TierMediaHeavy),
	}
}

// DefaultClassifier uses DefaultRules with TierChat as the fallback.
func DefaultClassifier() *Classifier {
	return NewClassifier(TierChat, DefaultRules()...)
}

// DefaultTier returns the fallback tier.
func (c *Classifier) DefaultTier() Tier {
	return c.defaultTier
}

// Classify returns the tier for d.
func (c *Classifier) Classify(d Descriptor) Tier {
	if d.Tier != "" {
		if _, ok := c.known[d.Tier]; ok {
			return d.Tier
		}
	}

	if name := commandName(d.Command); name != "" {
		for _, r := range c.commands {
			if name == r.match || (r.prefix && strings.HasPrefix(name, r.match)) {
				return r.tier
			}
		}
	}

	if kind := strings.ToLower(strings.TrimSpace(d.Attachment)); kind != "" {
		for _, r := range c.attachments {
			if kind == r.match {
				return r.tier
			}
		}
	}

	return c.defaultTier
}

// commandName extracts "/cmd" from "/cmd@bot args".
func commandName(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(name)
}
