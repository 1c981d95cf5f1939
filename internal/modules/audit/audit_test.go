package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"guildwarden/internal/model"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeStore struct {
	entries []model.AuditEntry
	err     error
}

func (f *fakeStore) AddAuditEntry(ctx context.Context, entry model.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func TestLogPersistsAndNotifies(t *testing.T) {
	store := &fakeStore{}
	logger := NewLogger(store, zap.NewNop())
	fixed := time.Unix(1_700_000_000, 0)
	logger.now = func() time.Time { return fixed }

	var notified []model.AuditEntry
	logger.SetNotifier(func(ctx context.Context, entry model.AuditEntry) {
		notified = append(notified, entry)
	})

	logger.Log(context.Background(), LevelCrit, "g1", "u1", "automod_timeout", "3 violations")

	if len(store.entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(store.entries))
	}
	got := store.entries[0]
	if got.Level != LevelCrit || got.Event != "automod_timeout" || !got.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if len(notified) != 1 || notified[0].UserID != "u1" {
		t.Fatalf("notifier not called with entry: %+v", notified)
	}
}

func TestLogSurvivesStoreFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := NewLogger(&fakeStore{err: errors.New("disk full")}, zap.New(core))

	logger.Log(context.Background(), LevelWarn, "g1", "u1", "automod_violation", "spam")

	if logs.FilterMessage("audit persist failed").Len() != 1 {
		t.Fatalf("expected a persist failure warning, got %v", logs.All())
	}
}

func TestLogWithoutStore(t *testing.T) {
	logger := NewLogger(nil, nil)
	logger.Log(context.Background(), LevelInfo, "g1", "", "config", "automod enabled")
}

type fakeCleaner struct {
	before []time.Time
}

func (f *fakeCleaner) CleanupAuditEntries(ctx context.Context, before time.Time) (int64, error) {
	f.before = append(f.before, before)
	return 2, nil
}

func TestPrune(t *testing.T) {
	cleaner := &fakeCleaner{}
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	removed, err := Prune(context.Background(), cleaner, 14*24*time.Hour, now)
	if err != nil || removed != 2 {
		t.Fatalf("prune: %d %v", removed, err)
	}
	if want := now.Add(-14 * 24 * time.Hour); !cleaner.before[0].Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, cleaner.before[0])
	}

	if removed, _ := Prune(context.Background(), cleaner, 0, now); removed != 0 || len(cleaner.before) != 1 {
		t.Fatalf("zero retention must keep everything")
	}
}

func TestRunRetentionStopsOnCancel(t *testing.T) {
	cleaner := &fakeCleaner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRetention(ctx, cleaner, time.Hour, time.Hour, zap.NewNop()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retention loop did not stop")
	}
	if len(cleaner.before) == 0 {
		t.Fatalf("expected a startup prune")
	}
}
