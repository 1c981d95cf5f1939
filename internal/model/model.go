package model

import (
	"sort"
	"time"
)

// ExperiencePerLevel is the experience needed to advance one level.
const ExperiencePerLevel = 100

// IDSet holds platform identifiers (channels, roles) without duplicates.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s *IDSet) Add(id string) {
	if id == "" {
		return
	}
	if *s == nil {
		*s = make(IDSet)
	}
	(*s)[id] = struct{}{}
}

func (s IDSet) Remove(id string) {
	delete(s, id)
}

// Sorted returns the members in a stable order for persistence and display.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type GuildConfig struct {
	GuildID        string
	AutomodEnabled bool
	LogChannelID   string
	LevelChannelID string
	SpamExempt     IDSet
	LinkExempt     IDSet
	StaffRoles     IDSet
	VerifiedRoleID string
	Policy         string
}

type ViolationCounter struct {
	GuildID       string
	UserID        string
	Count         int
	LastViolation time.Time
}

type LevelState struct {
	GuildID    string
	UserID     string
	Experience int
	LastScored time.Time
}

// Level is derived from experience on every read and never stored.
func (s LevelState) Level() int {
	return LevelFor(s.Experience)
}

func LevelFor(experience int) int {
	if experience <= 0 {
		return 0
	}
	return experience / ExperiencePerLevel
}

type LevelRoleRule struct {
	GuildID string
	Level   int
	RoleID  string
}

// Message is the engine's view of an inbound guild message.
type Message struct {
	ID        string
	GuildID   string
	GuildName string
	ChannelID string
	AuthorID  string
	// AuthorName is the display name used on rank cards.
	AuthorName string
	Content    string
	Timestamp  time.Time
	// Bypass is set when the author holds the moderation bypass capability.
	Bypass bool
}

type ActionKind string

const ActionUnban ActionKind = "unban"

// ScheduledAction is a persisted deadline executed by the schedule runner.
type ScheduledAction struct {
	ID        int64
	Kind      ActionKind
	GuildID   string
	UserID    string
	Reason    string
	DueAt     time.Time
	Attempts  int
	CreatedAt time.Time
}

type AuditEntry struct {
	ID        int64
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

// Warning is a manual moderator warning. It is independent of the automod counter.
type Warning struct {
	ID          int64
	GuildID     string
	UserID      string
	ModeratorID string
	Reason      string
	CreatedAt   time.Time
}
