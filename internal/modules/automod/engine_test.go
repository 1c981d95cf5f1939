package automod

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"guildwarden/internal/history"
	"guildwarden/internal/model"
	"guildwarden/internal/modules/heuristics"
	"guildwarden/internal/sink"
	"guildwarden/internal/sink/sinktest"
	"guildwarden/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

type fakeAuditor struct {
	events []string
}

func (f *fakeAuditor) Log(ctx context.Context, level, guildID, userID, event, details string) {
	f.events = append(f.events, level+":"+event)
}

type harness struct {
	engine  *Engine
	store   *memory.Store
	sink    *sinktest.Recorder
	history *history.Memory
	clock   *fakeClock
	audit   *fakeAuditor
	seq     int
}

func newHarness(t *testing.T, cfg model.GuildConfig) *harness {
	t.Helper()
	store := memory.New()
	cfg.GuildID = "g1"
	cfg.AutomodEnabled = true
	require.NoError(t, store.UpsertGuildConfig(context.Background(), cfg))
	return newHarnessWithStore(store)
}

func newHarnessWithStore(store *memory.Store) *harness {
	h := &harness{
		store:   store,
		sink:    sinktest.New(),
		history: history.NewMemory(history.DefaultSize),
		clock:   &fakeClock{now: time.Unix(1_700_000_000, 0)},
		audit:   &fakeAuditor{},
	}
	h.engine = New(DefaultConfig(), store, h.sink, h.history, nil, h.audit, zap.NewNop())
	h.engine.WithClock(h.clock)
	return h
}

func (h *harness) send(t *testing.T, channelID, content string) Outcome {
	t.Helper()
	h.seq++
	msg := model.Message{
		ID:        fmt.Sprintf("m%d", h.seq),
		GuildID:   "g1",
		GuildName: "Test Guild",
		ChannelID: channelID,
		AuthorID:  "u1",
		Content:   content,
		Timestamp: h.clock.now,
	}
	require.NoError(t, h.history.Record(context.Background(), msg))
	outcome, err := h.engine.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	return outcome
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	counter, err := h.store.GetViolationCounter(context.Background(), "g1", "u1")
	require.NoError(t, err)
	return counter.Count
}

func TestDenylistedWordEscalatesOnThirdViolation(t *testing.T) {
	h := newHarness(t, model.GuildConfig{LogChannelID: "log"})

	for i, channel := range []string{"c1", "c2", "c3"} {
		h.clock.now = h.clock.now.Add(time.Minute)
		outcome := h.send(t, channel, "this is spam")
		require.Equal(t, []heuristics.Kind{heuristics.KindProfanity}, outcome.Kinds)
		assert.Equal(t, i+1, outcome.Count)
		assert.Equal(t, i == 2, outcome.Escalated)
	}

	assert.Equal(t, 0, h.count(t))
	assert.Equal(t, 3, h.sink.Count("delete"))
	assert.Equal(t, 3, h.sink.Count("log"))
	require.Equal(t, 1, h.sink.Count("timeout"))

	var timeout sinktest.Call
	var dms []string
	for _, call := range h.sink.Calls() {
		switch call.Op {
		case "timeout":
			timeout = call
		case "dm":
			dms = append(dms, call.Text)
		}
	}
	assert.Equal(t, h.clock.now.Add(10*time.Minute), timeout.Until)
	assert.Equal(t, "Automod: 3 violations reached", timeout.Text)
	require.Len(t, dms, 4)
	assert.Contains(t, dms[0], "warning 1/3")
	assert.Contains(t, dms[2], "warning 3/3")
	assert.Contains(t, dms[3], "muted for 10 minutes in **Test Guild**")
	assert.Contains(t, h.audit.events, "CRIT:automod_timeout")
}

func TestBurstRepetitionFiresWithinWindow(t *testing.T) {
	h := newHarness(t, model.GuildConfig{})

	var fired []int
	for i := 1; i <= 5; i++ {
		h.clock.now = h.clock.now.Add(time.Second)
		if h.send(t, "c1", "hi").Violated() {
			fired = append(fired, i)
		}
	}
	assert.Equal(t, []int{3, 4, 5}, fired)
	assert.Equal(t, 0, h.count(t), "third violation escalates and resets")
}

func TestBurstRepetitionStrictPolicy(t *testing.T) {
	h := newHarness(t, model.GuildConfig{Policy: heuristics.PolicyStrict})

	var fired []int
	for i := 1; i <= 5; i++ {
		h.clock.now = h.clock.now.Add(time.Second)
		if h.send(t, "c1", "hi").Violated() {
			fired = append(fired, i)
		}
	}
	assert.Equal(t, []int{5}, fired)
	assert.Equal(t, 1, h.count(t))
}

func TestBurstBrokenByInterveningMessage(t *testing.T) {
	h := newHarness(t, model.GuildConfig{})
	ctx := context.Background()

	h.send(t, "c1", "hi")
	h.clock.now = h.clock.now.Add(time.Second)
	require.NoError(t, h.history.Record(ctx, model.Message{ID: "other", GuildID: "g1", ChannelID: "c1", AuthorID: "u2", Content: "hello", Timestamp: h.clock.now}))
	h.send(t, "c1", "hi")
	outcome := h.send(t, "c1", "hi")

	assert.False(t, outcome.Violated())
	assert.Empty(t, h.sink.Calls())
}

func TestSpamExemptChannelSkipsBurst(t *testing.T) {
	h := newHarness(t, model.GuildConfig{SpamExempt: model.NewIDSet("c1")})

	for i := 0; i < 5; i++ {
		assert.False(t, h.send(t, "c1", "hi").Violated())
	}
	outcome := h.send(t, "c1", "badword1")
	assert.Equal(t, []heuristics.Kind{heuristics.KindProfanity}, outcome.Kinds, "exemption only silences burst checks")
}

func TestSpamExemptChannelStillChecksEmojiRuns(t *testing.T) {
	h := newHarness(t, model.GuildConfig{Policy: heuristics.PolicyStrict, SpamExempt: model.NewIDSet("c1")})

	var fired []int
	var kinds []heuristics.Kind
	for i := 1; i <= 5; i++ {
		h.clock.now = h.clock.now.Add(500 * time.Millisecond)
		outcome := h.send(t, "c1", "😀😀😀")
		if outcome.Violated() {
			fired = append(fired, i)
			kinds = outcome.Kinds
		}
	}
	assert.Equal(t, []int{5}, fired)
	assert.Equal(t, []heuristics.Kind{heuristics.KindEmoji}, kinds, "burst stays silenced, emoji runs do not")
}

func TestLinkExemptChannel(t *testing.T) {
	h := newHarness(t, model.GuildConfig{LinkExempt: model.NewIDSet("links"), LogChannelID: "log"})

	assert.False(t, h.send(t, "links", "see https://example.com/x").Violated())

	outcome := h.send(t, "general", "see https://Example.com/x and http://example.com/y")
	require.Equal(t, []heuristics.Kind{heuristics.KindLink}, outcome.Kinds)

	var record sink.LogRecord
	for _, call := range h.sink.Calls() {
		if call.Op == "log" {
			record = call.Record
		}
	}
	assert.Equal(t, []string{"example.com"}, record.Hosts)
	assert.Equal(t, []string{"unauthorized links"}, record.Kinds)
	assert.Equal(t, 1, record.Count)
	assert.Equal(t, 3, record.Threshold)
}

func TestMultipleKindsCountOnce(t *testing.T) {
	h := newHarness(t, model.GuildConfig{})

	outcome := h.send(t, "c1", "spam https://x.test 😀😀😀😀😀😀")
	assert.Equal(t, []heuristics.Kind{heuristics.KindEmoji, heuristics.KindProfanity, heuristics.KindLink}, outcome.Kinds)
	assert.Equal(t, 1, outcome.Count)
	assert.Equal(t, 1, h.count(t))
}

func TestSkipsDisabledAndBypass(t *testing.T) {
	store := memory.New()
	h := newHarnessWithStore(store)

	outcome := h.send(t, "c1", "spam")
	assert.False(t, outcome.Violated(), "missing config means automod is off")

	require.NoError(t, store.UpsertGuildConfig(context.Background(), model.GuildConfig{GuildID: "g1", AutomodEnabled: true}))
	bypass := model.Message{ID: "staff", GuildID: "g1", ChannelID: "c1", AuthorID: "u1", Content: "spam", Bypass: true}
	outcome, err := h.engine.HandleMessage(context.Background(), bypass)
	require.NoError(t, err)
	assert.False(t, outcome.Violated())
	assert.Empty(t, h.sink.Calls())
}

type failingStore struct {
	*memory.Store
}

func (failingStore) SetViolationCounter(ctx context.Context, counter model.ViolationCounter) error {
	return errors.New("database is locked")
}

func TestPersistenceFailureAbortsWithoutActions(t *testing.T) {
	mem := memory.New()
	require.NoError(t, mem.UpsertGuildConfig(context.Background(), model.GuildConfig{GuildID: "g1", AutomodEnabled: true}))
	recorder := sinktest.New()
	engine := New(DefaultConfig(), failingStore{mem}, recorder, nil, nil, nil, zap.NewNop())

	_, err := engine.HandleMessage(context.Background(), model.Message{ID: "m1", GuildID: "g1", ChannelID: "c1", AuthorID: "u1", Content: "spam"})
	require.Error(t, err)
	assert.Empty(t, recorder.Calls())
}

func TestTimeoutFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, model.GuildConfig{})
	h.sink.Fail["timeout"] = sink.ErrPermission
	h.sink.Fail["delete"] = sink.ErrNotFound
	h.sink.Fail["dm"] = errors.New("dms closed")

	var last Outcome
	for i := 0; i < 3; i++ {
		last = h.send(t, fmt.Sprintf("c%d", i), "spam")
	}
	assert.True(t, last.Escalated)
	assert.Equal(t, 0, h.count(t))
	assert.Equal(t, 3, h.sink.Count("dm"), "no mute notice after a failed timeout")
	assert.Contains(t, h.audit.events, "WARN:automod_action_failed")
}

func TestCleanMessagesNeverMutate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := memory.New()
		_ = store.UpsertGuildConfig(context.Background(), model.GuildConfig{GuildID: "g1", AutomodEnabled: true})
		recorder := sinktest.New()
		engine := New(DefaultConfig(), store, recorder, history.NewMemory(history.DefaultSize), nil, nil, zap.NewNop())

		words := rapid.SliceOfN(rapid.SampledFrom([]string{"hello", "there", "good", "morning", "chat", "ok"}), 1, 6)
		n := rapid.IntRange(1, 20).Draw(t, "n")
		base := time.Unix(1_700_000_000, 0)
		for i := 0; i < n; i++ {
			msg := model.Message{
				ID:        fmt.Sprintf("m%d", i),
				GuildID:   "g1",
				ChannelID: "c1",
				AuthorID:  "u1",
				Content:   fmt.Sprintf("%s %d", strings.Join(words.Draw(t, "words"), " "), i),
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}
			outcome, err := engine.HandleMessage(context.Background(), msg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome.Violated() {
				t.Fatalf("clean message %q triggered %v", msg.Content, outcome.Kinds)
			}
		}
		counter, _ := store.GetViolationCounter(context.Background(), "g1", "u1")
		if counter.Count != 0 || !counter.LastViolation.IsZero() {
			t.Fatalf("counter mutated: %+v", counter)
		}
		if len(recorder.Calls()) != 0 {
			t.Fatalf("actions emitted: %v", recorder.Ops())
		}
	})
}

func TestCounterCyclesThroughThreshold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 6).Draw(t, "threshold")
		violations := rapid.IntRange(1, 30).Draw(t, "violations")

		store := memory.New()
		_ = store.UpsertGuildConfig(context.Background(), model.GuildConfig{GuildID: "g1", AutomodEnabled: true})
		recorder := sinktest.New()
		cfg := DefaultConfig()
		cfg.Threshold = threshold
		engine := New(cfg, store, recorder, nil, nil, nil, zap.NewNop())

		escalations := 0
		for i := 0; i < violations; i++ {
			before, _ := store.GetViolationCounter(context.Background(), "g1", "u1")
			outcome, err := engine.HandleMessage(context.Background(), model.Message{
				ID: fmt.Sprintf("m%d", i), GuildID: "g1", ChannelID: fmt.Sprintf("c%d", i), AuthorID: "u1", Content: "test_bad",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			after, _ := store.GetViolationCounter(context.Background(), "g1", "u1")
			if outcome.Count != before.Count+1 {
				t.Fatalf("count went %d -> %d", before.Count, outcome.Count)
			}
			if after.Count >= threshold {
				t.Fatalf("stored count %d reached threshold %d", after.Count, threshold)
			}
			if outcome.Escalated != (outcome.Count == threshold) {
				t.Fatalf("escalated=%v at count %d", outcome.Escalated, outcome.Count)
			}
			if outcome.Escalated {
				escalations++
				if after.Count != 0 {
					t.Fatalf("counter not reset: %d", after.Count)
				}
			} else if after.Count != outcome.Count {
				t.Fatalf("stored %d, reported %d", after.Count, outcome.Count)
			}
		}
		if recorder.Count("timeout") != escalations || escalations != violations/threshold {
			t.Fatalf("timeouts=%d escalations=%d want %d", recorder.Count("timeout"), escalations, violations/threshold)
		}
	})
}
