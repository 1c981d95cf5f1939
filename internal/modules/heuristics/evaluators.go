package heuristics

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"guildwarden/internal/model"
	"guildwarden/internal/utils"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Burst fires when the author repeated the same content Run times within Window.
type Burst struct {
	Run    int
	Window time.Duration
}

func (Burst) Kind() Kind   { return KindSpam }
func (Burst) Scope() Scope { return ScopeSpam }

func (b Burst) Evaluate(msg model.Message, recent []model.Message) bool {
	needed := b.Run - 1
	if needed < 1 || msg.Content == "" || len(recent) < needed {
		return false
	}
	for _, prior := range recent[:needed] {
		if prior.AuthorID != msg.AuthorID || prior.Content != msg.Content {
			return false
		}
		if msg.Timestamp.Sub(prior.Timestamp) > b.Window {
			return false
		}
	}
	return true
}

var emojiRegex = regexp.MustCompile(`<a?:[A-Za-z0-9_~]+:\d+>|[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{1F900}-\x{1F9FF}\x{2600}-\x{27BF}]`)

// CountEmoji counts custom emoji tags and pictographic code points.
func CountEmoji(content string) int {
	return len(emojiRegex.FindAllStringIndex(content, -1))
}

// EmojiFlood fires on more than Limit emoji in one message. With Run > 1 it also
// fires when Run consecutive messages from the author, each carrying at least
// RunMin emoji, land within Window.
type EmojiFlood struct {
	Limit  int
	Run    int
	RunMin int
	Window time.Duration
}

func (EmojiFlood) Kind() Kind   { return KindEmoji }
func (EmojiFlood) Scope() Scope { return ScopeNone }

func (e EmojiFlood) Evaluate(msg model.Message, recent []model.Message) bool {
	count := CountEmoji(msg.Content)
	if e.Limit > 0 && count > e.Limit {
		return true
	}
	if e.Run <= 1 || count < e.RunMin {
		return false
	}
	run := 1
	for _, prior := range recent {
		if prior.AuthorID != msg.AuthorID || msg.Timestamp.Sub(prior.Timestamp) > e.Window {
			break
		}
		if CountEmoji(prior.Content) < e.RunMin {
			break
		}
		run++
		if run >= e.Run {
			return true
		}
	}
	return false
}

// Profanity counts tokens that equal, start with or end with a denylisted term.
type Profanity struct {
	terms   []string
	minHits int
}

func NewProfanity(denylist []string, minHits int) *Profanity {
	if minHits < 1 {
		minHits = 1
	}
	terms := make([]string, 0, len(denylist))
	for _, term := range denylist {
		if normalized := normalizeText(strings.TrimSpace(term)); normalized != "" {
			terms = append(terms, normalized)
		}
	}
	return &Profanity{terms: terms, minHits: minHits}
}

func (*Profanity) Kind() Kind   { return KindProfanity }
func (*Profanity) Scope() Scope { return ScopeNone }

func (p *Profanity) Evaluate(msg model.Message, _ []model.Message) bool {
	if len(p.terms) == 0 || msg.Content == "" {
		return false
	}
	hits := 0
	for _, token := range tokenize(normalizeText(msg.Content)) {
		if p.matches(token) {
			hits++
			if hits >= p.minHits {
				return true
			}
		}
	}
	return false
}

func (p *Profanity) matches(token string) bool {
	for _, term := range p.terms {
		if strings.HasPrefix(token, term) || strings.HasSuffix(token, term) {
			return true
		}
	}
	return false
}

func normalizeText(input string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(fold, input)
	if err != nil {
		out = input
	}
	return strings.ToLower(out)
}

func tokenize(content string) []string {
	return strings.FieldsFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// Link fires on any http(s) URL.
type Link struct{}

func (Link) Kind() Kind   { return KindLink }
func (Link) Scope() Scope { return ScopeLink }

func (Link) Evaluate(msg model.Message, _ []model.Message) bool {
	return len(utils.ExtractURLs(msg.Content)) > 0
}
