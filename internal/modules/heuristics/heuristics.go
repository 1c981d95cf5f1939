// Package heuristics holds the pure content evaluators used by automod and the
// named policies that parameterize them.
package heuristics

import (
	"strings"
	"time"

	"guildwarden/internal/model"
)

// Kind names a violation as shown to members and moderators.
type Kind string

const (
	KindSpam      Kind = "spam"
	KindEmoji     Kind = "emoji spam"
	KindProfanity Kind = "inappropriate language"
	KindLink      Kind = "unauthorized links"
)

// Scope tells the engine which per-channel exemption list silences an evaluator.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeSpam
	ScopeLink
)

// Evaluator decides whether a message triggers one violation kind.
// recent is the channel context, most recent first, excluding msg itself.
type Evaluator interface {
	Kind() Kind
	Scope() Scope
	Evaluate(msg model.Message, recent []model.Message) bool
}

const (
	PolicySimple = "simple"
	PolicyStrict = "strict"
)

var DefaultDenylist = []string{"badword1", "badword2", "spam", "test_bad"}

type Policy struct {
	Name          string
	BurstRun      int
	BurstWindow   time.Duration
	EmojiLimit    int
	EmojiRun      int
	EmojiRunMin   int
	ProfanityHits int
	ContextSize   int
	Denylist      []string
}

func Simple(denylist []string) Policy {
	return Policy{
		Name:          PolicySimple,
		BurstRun:      3,
		BurstWindow:   5 * time.Second,
		EmojiLimit:    5,
		ProfanityHits: 1,
		ContextSize:   6,
		Denylist:      denylist,
	}
}

func Strict(denylist []string) Policy {
	return Policy{
		Name:          PolicyStrict,
		BurstRun:      5,
		BurstWindow:   5 * time.Second,
		EmojiLimit:    5,
		EmojiRun:      5,
		EmojiRunMin:   3,
		ProfanityHits: 3,
		ContextSize:   6,
		Denylist:      denylist,
	}
}

// Lookup resolves a preset by name. Unknown names report ok=false.
func Lookup(name string, denylist []string) (Policy, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PolicySimple:
		return Simple(denylist), true
	case PolicyStrict:
		return Strict(denylist), true
	default:
		return Policy{}, false
	}
}

// Evaluators returns the fixed evaluation order: burst, emoji, profanity, link.
func (p Policy) Evaluators() []Evaluator {
	return []Evaluator{
		Burst{Run: p.BurstRun, Window: p.BurstWindow},
		EmojiFlood{Limit: p.EmojiLimit, Run: p.EmojiRun, RunMin: p.EmojiRunMin, Window: p.BurstWindow},
		NewProfanity(p.Denylist, p.ProfanityHits),
		Link{},
	}
}

func (p Policy) NeedsContext() bool {
	return p.BurstRun > 1 || p.EmojiRun > 1
}
