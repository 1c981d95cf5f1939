package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/sink"
	"guildwarden/internal/sink/sinktest"
	"guildwarden/internal/storage/memory"

	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

var start = time.Unix(1_700_000_000, 0)

func newRunner(maxAttempts int) (*Runner, *memory.Store, *sinktest.Recorder, *fakeClock) {
	store := memory.New()
	recorder := sinktest.New()
	clock := &fakeClock{now: start}
	runner := New(store, recorder, zap.NewNop(), maxAttempts)
	runner.WithClock(clock)
	return runner, store, recorder, clock
}

func TestRunOnceExecutesOnlyDueActions(t *testing.T) {
	runner, store, recorder, clock := newRunner(0)
	ctx := context.Background()

	if _, err := runner.Schedule(ctx, model.ScheduledAction{Kind: model.ActionUnban, GuildID: "g1", UserID: "u1", DueAt: start.Add(time.Hour)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	report, err := runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Due != 0 || recorder.Count("unban") != 0 {
		t.Fatalf("nothing should be due yet: %+v", report)
	}

	clock.now = start.Add(time.Hour)
	report, err = runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Done != 1 || recorder.Count("unban") != 1 {
		t.Fatalf("expected one unban, got %+v ops=%v", report, recorder.Ops())
	}
	if text := recorder.Calls()[0].Text; text != "Temporary ban expired" {
		t.Fatalf("unexpected reason %q", text)
	}

	remaining, _ := store.DueScheduledActions(ctx, start.Add(24*time.Hour))
	if len(remaining) != 0 {
		t.Fatalf("action not deleted: %+v", remaining)
	}
}

func TestActionsSurviveRunnerRestart(t *testing.T) {
	first, store, _, _ := newRunner(0)
	ctx := context.Background()
	if _, err := first.Schedule(ctx, model.ScheduledAction{Kind: model.ActionUnban, GuildID: "g1", UserID: "u1", DueAt: start.Add(time.Minute), Reason: "tempban over"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	recorder := sinktest.New()
	second := New(store, recorder, zap.NewNop(), 0)
	second.WithClock(&fakeClock{now: start.Add(time.Hour)})
	if _, err := second.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := recorder.Calls()
	if len(calls) != 1 || calls[0].UserID != "u1" || calls[0].Text != "tempban over" {
		t.Fatalf("expected the persisted unban to run, got %+v", calls)
	}
}

func TestFailuresRetryThenAbandon(t *testing.T) {
	runner, store, recorder, _ := newRunner(3)
	ctx := context.Background()
	recorder.Fail["unban"] = errors.New("gateway unavailable")

	if _, err := runner.Schedule(ctx, model.ScheduledAction{Kind: model.ActionUnban, GuildID: "g1", UserID: "u1", DueAt: start}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	for i := 1; i <= 2; i++ {
		report, err := runner.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if report.Retrying != 1 {
			t.Fatalf("run %d: expected retry, got %+v", i, report)
		}
	}
	report, err := runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Abandoned != 1 {
		t.Fatalf("expected abandon on third attempt, got %+v", report)
	}
	remaining, _ := store.DueScheduledActions(ctx, start)
	if len(remaining) != 0 {
		t.Fatalf("abandoned action still stored")
	}
}

func TestNotFoundCountsAsDone(t *testing.T) {
	runner, store, recorder, _ := newRunner(0)
	ctx := context.Background()
	recorder.Fail["unban"] = sink.ErrNotFound

	if _, err := runner.Schedule(ctx, model.ScheduledAction{Kind: model.ActionUnban, GuildID: "g1", UserID: "u1", DueAt: start}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	report, err := runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Done != 1 {
		t.Fatalf("expected done, got %+v", report)
	}
	remaining, _ := store.DueScheduledActions(ctx, start)
	if len(remaining) != 0 {
		t.Fatalf("action still stored")
	}
}

func TestScheduleRejectsInvalidActions(t *testing.T) {
	runner, _, _, _ := newRunner(0)
	ctx := context.Background()

	if _, err := runner.Schedule(ctx, model.ScheduledAction{Kind: model.ActionUnban, GuildID: "g1"}); err == nil {
		t.Fatalf("expected error for missing user")
	}
	if _, err := runner.Schedule(ctx, model.ScheduledAction{Kind: "explode", GuildID: "g1", UserID: "u1"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestRunProcessesBacklogImmediately(t *testing.T) {
	runner, _, recorder, _ := newRunner(0)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := runner.Schedule(ctx, model.ScheduledAction{Kind: model.ActionUnban, GuildID: "g1", UserID: "u1", DueAt: start.Add(-time.Hour)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, time.Hour) }()

	deadline := time.Now().Add(time.Second)
	for recorder.Count("unban") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("backlog not processed on startup")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}
