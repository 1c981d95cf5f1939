package leveling

import (
	"context"
	"errors"
	"testing"
	"time"

	"guildwarden/internal/model"
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

type stubCards struct {
	label string
	err   error
}

func (s *stubCards) Render(state model.LevelState, label string) ([]byte, error) {
	s.label = label
	if s.err != nil {
		return nil, s.err
	}
	return []byte("png"), nil
}

var start = time.Unix(1_700_000_000, 0)

func setup(t *testing.T) (*Engine, *memory.Store, *sinktest.Recorder, *fakeClock) {
	t.Helper()
	store := memory.New()
	recorder := sinktest.New()
	clock := &fakeClock{now: start}
	engine := New(DefaultConfig(), store, recorder, nil, zap.NewNop())
	engine.WithClock(clock)
	return engine, store, recorder, clock
}

func message() model.Message {
	return model.Message{ID: "m", GuildID: "g1", ChannelID: "c1", AuthorID: "u1", AuthorName: "alice", Content: "hello"}
}

func TestFirstMessageCreatesStateWithoutAnnouncement(t *testing.T) {
	engine, store, recorder, _ := setup(t)
	require.NoError(t, store.UpsertGuildConfig(context.Background(), model.GuildConfig{GuildID: "g1", LevelChannelID: "levels"}))

	outcome, err := engine.HandleMessage(context.Background(), message())
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.False(t, outcome.LeveledUp)
	assert.Equal(t, 15, outcome.Experience)

	state, ok, err := store.GetLevelState(context.Background(), "g1", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 15, state.Experience)
	assert.True(t, state.LastScored.Equal(start))
	assert.Empty(t, recorder.Calls())
}

func TestCooldownLeavesStateUntouched(t *testing.T) {
	engine, store, _, clock := setup(t)
	ctx := context.Background()

	_, err := engine.HandleMessage(ctx, message())
	require.NoError(t, err)

	clock.now = start.Add(59 * time.Second)
	outcome, err := engine.HandleMessage(ctx, message())
	require.NoError(t, err)
	assert.False(t, outcome.Awarded)

	state, _, _ := store.GetLevelState(ctx, "g1", "u1")
	assert.Equal(t, 15, state.Experience)
	assert.True(t, state.LastScored.Equal(start), "cooldown must not refresh the timestamp")

	clock.now = start.Add(60 * time.Second)
	outcome, err = engine.HandleMessage(ctx, message())
	require.NoError(t, err)
	assert.True(t, outcome.Awarded)
	assert.Equal(t, 30, outcome.Experience)
}

func TestLevelUpAnnouncesAndGrantsExactLevelRules(t *testing.T) {
	engine, store, recorder, clock := setup(t)
	ctx := context.Background()
	cards := &stubCards{}
	engine.WithCards(cards)

	require.NoError(t, store.UpsertGuildConfig(ctx, model.GuildConfig{GuildID: "g1", LevelChannelID: "levels"}))
	require.NoError(t, store.SetLevelState(ctx, model.LevelState{GuildID: "g1", UserID: "u1", Experience: 85, LastScored: start}))
	for _, rule := range []model.LevelRoleRule{
		{GuildID: "g1", Level: 1, RoleID: "bronze"},
		{GuildID: "g1", Level: 1, RoleID: "chatter"},
		{GuildID: "g1", Level: 2, RoleID: "silver"},
		{GuildID: "g1", Level: 0, RoleID: "newcomer"},
	} {
		require.NoError(t, store.AddLevelRoleRule(ctx, rule))
	}

	clock.now = start.Add(2 * time.Minute)
	outcome, err := engine.HandleMessage(ctx, message())
	require.NoError(t, err)
	assert.True(t, outcome.LeveledUp)
	assert.Equal(t, 1, outcome.Level)
	assert.Equal(t, 100, outcome.Experience)
	assert.Equal(t, []string{"bronze", "chatter"}, outcome.Granted)

	calls := recorder.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "announce", calls[0].Op)
	assert.Equal(t, "levels", calls[0].ChannelID)
	assert.Contains(t, calls[0].Text, "<@u1>")
	assert.Contains(t, calls[0].Text, "level **1**")
	assert.Equal(t, []byte("png"), calls[0].Announce.Card)
	assert.Equal(t, "alice", cards.label)
	assert.Equal(t, "Level reward", calls[1].Text)
}

func TestGrantFailureDoesNotBlockOtherRoles(t *testing.T) {
	engine, store, recorder, clock := setup(t)
	ctx := context.Background()
	engine.WithCards(&stubCards{err: errors.New("font missing")})

	require.NoError(t, store.SetLevelState(ctx, model.LevelState{GuildID: "g1", UserID: "u1", Experience: 190, LastScored: start}))
	require.NoError(t, store.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: "g1", Level: 2, RoleID: "a"}))
	require.NoError(t, store.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: "g1", Level: 2, RoleID: "b"}))

	recorder.Fail["grant"] = sink.ErrPermission
	clock.now = start.Add(time.Hour)
	outcome, err := engine.HandleMessage(ctx, message())
	require.NoError(t, err)
	assert.True(t, outcome.LeveledUp)
	assert.Empty(t, outcome.Granted)
	assert.Equal(t, 2, recorder.Count("grant"))
	assert.Equal(t, 0, recorder.Count("announce"), "no level channel configured")
}

func TestDirectMessagesNeverScore(t *testing.T) {
	engine, store, _, _ := setup(t)
	msg := message()
	msg.GuildID = ""

	outcome, err := engine.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, outcome.Awarded)
	_, ok, _ := store.GetLevelState(context.Background(), "", "u1")
	assert.False(t, ok)
}

func TestRank(t *testing.T) {
	engine, _, _, _ := setup(t)
	ctx := context.Background()

	_, ok, err := engine.Rank(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = engine.HandleMessage(ctx, message())
	require.NoError(t, err)
	state, ok, err := engine.Rank(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 15, state.Experience)
}

func TestLevelTracksExperience(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := memory.New()
		recorder := sinktest.New()
		clock := &fakeClock{now: start}
		engine := New(DefaultConfig(), store, recorder, nil, zap.NewNop())
		engine.WithClock(clock)
		ctx := context.Background()

		gaps := rapid.SliceOfN(rapid.IntRange(0, 180), 1, 40).Draw(t, "gaps")
		awards := 0
		var last time.Time
		for i, gap := range gaps {
			clock.now = clock.now.Add(time.Duration(gap) * time.Second)
			before, existed, _ := store.GetLevelState(ctx, "g1", "u1")

			outcome, err := engine.HandleMessage(ctx, message())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			after, _, _ := store.GetLevelState(ctx, "g1", "u1")
			if after.Level() != after.Experience/model.ExperiencePerLevel || outcome.Level != after.Level() {
				t.Fatalf("level drifted from experience: %+v outcome=%+v", after, outcome)
			}
			eligible := i == 0 || clock.now.Sub(last) >= time.Minute
			if outcome.Awarded != eligible {
				t.Fatalf("message %d awarded=%v, eligible=%v", i, outcome.Awarded, eligible)
			}
			if outcome.Awarded {
				awards++
				last = clock.now
			} else if after != before {
				t.Fatalf("cooldown message mutated state: %+v -> %+v", before, after)
			}
			crossed := existed && after.Experience/100 > before.Experience/100
			if outcome.LeveledUp != crossed {
				t.Fatalf("leveled up=%v, crossed=%v", outcome.LeveledUp, crossed)
			}
		}
		final, _, _ := store.GetLevelState(ctx, "g1", "u1")
		if final.Experience != awards*15 {
			t.Fatalf("experience %d after %d awards", final.Experience, awards)
		}
	})
}
