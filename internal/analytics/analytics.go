package analytics

import (
	"context"
	"sort"
	"time"

	"guildwarden/internal/model"
)

type Store interface {
	ListAuditEntries(ctx context.Context, guildID string, since time.Time) ([]model.AuditEntry, error)
}

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

type Report struct {
	Total   int
	ByLevel map[string]int
	ByEvent map[string]int
	// TopUsers lists the members with the most entries, busiest first.
	TopUsers []UserCount
}

type UserCount struct {
	UserID string
	Count  int
}

const topUsers = 5

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	entries, err := s.store.ListAuditEntries(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{ByLevel: make(map[string]int), ByEvent: make(map[string]int)}
	perUser := make(map[string]int)
	for _, entry := range entries {
		report.Total++
		report.ByLevel[entry.Level]++
		report.ByEvent[entry.Event]++
		if entry.UserID != "" {
			perUser[entry.UserID]++
		}
	}

	for userID, count := range perUser {
		report.TopUsers = append(report.TopUsers, UserCount{UserID: userID, Count: count})
	}
	sort.Slice(report.TopUsers, func(i, j int) bool {
		if report.TopUsers[i].Count != report.TopUsers[j].Count {
			return report.TopUsers[i].Count > report.TopUsers[j].Count
		}
		return report.TopUsers[i].UserID < report.TopUsers[j].UserID
	})
	if len(report.TopUsers) > topUsers {
		report.TopUsers = report.TopUsers[:topUsers]
	}
	return report, nil
}

// Events returns the event names in the report sorted by count, then name.
func (r Report) Events() []string {
	events := make([]string, 0, len(r.ByEvent))
	for event := range r.ByEvent {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		if r.ByEvent[events[i]] != r.ByEvent[events[j]] {
			return r.ByEvent[events[i]] > r.ByEvent[events[j]]
		}
		return events[i] < events[j]
	})
	return events
}
