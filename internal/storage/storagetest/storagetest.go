// Package storagetest runs the same behavioural checks against every Gateway backend.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a migrated, empty gateway. Cleanup is the opener's job.
type Opener func(t *testing.T) storage.Gateway

var base = time.Unix(1_700_000_000, 0)

func Run(t *testing.T, open Opener) {
	t.Run("GuildConfigRoundTrip", func(t *testing.T) { testGuildConfig(t, open(t)) })
	t.Run("ViolationCounter", func(t *testing.T) { testViolationCounter(t, open(t)) })
	t.Run("LevelState", func(t *testing.T) { testLevelState(t, open(t)) })
	t.Run("IterateLevelStates", func(t *testing.T) { testIterate(t, open(t)) })
	t.Run("LevelRoleRules", func(t *testing.T) { testRules(t, open(t)) })
	t.Run("ScheduledActions", func(t *testing.T) { testScheduled(t, open(t)) })
	t.Run("AuditEntries", func(t *testing.T) { testAudit(t, open(t)) })
	t.Run("Warnings", func(t *testing.T) { testWarnings(t, open(t)) })
}

func testGuildConfig(t *testing.T, gw storage.Gateway) {
	ctx := context.Background()

	missing, err := gw.GetGuildConfig(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", missing.GuildID)
	assert.False(t, missing.AutomodEnabled)
	assert.Zero(t, len(missing.SpamExempt))

	cfg := model.GuildConfig{
		GuildID:        "g1",
		AutomodEnabled: true,
		LogChannelID:   "log",
		LevelChannelID: "levels",
		SpamExempt:     model.NewIDSet("c1", "c2"),
		LinkExempt:     model.NewIDSet("c3"),
		StaffRoles:     model.NewIDSet("r1"),
		Policy:         "strict",
	}
	require.NoError(t, gw.UpsertGuildConfig(ctx, cfg))

	cfg.SpamExempt.Remove("c2")
	cfg.LogChannelID = "log2"
	require.NoError(t, gw.UpsertGuildConfig(ctx, cfg))

	got, err := gw.GetGuildConfig(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, got.AutomodEnabled)
	assert.Equal(t, "log2", got.LogChannelID)
	assert.Equal(t, "levels", got.LevelChannelID)
	assert.Equal(t, []string{"c1"}, got.SpamExempt.Sorted())
	assert.Equal(t, []string{"c3"}, got.LinkExempt.Sorted())
	assert.Equal(t, []string{"r1"}, got.StaffRoles.Sorted())
	assert.Equal(t, "strict", got.Policy)
}

func testViolationCounter(t *testing.T, gw storage.Gateway) {
	ctx := context.Background()

	counter, err := gw.GetViolationCounter(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, counter.Count)

	counter.Count = 2
	counter.LastViolation = base
	require.NoError(t, gw.SetViolationCounter(ctx, counter))

	got, err := gw.GetViolationCounter(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
	assert.True(t, got.LastViolation.Equal(base))

	counter.Count = -1
	assert.Error(t, gw.SetViolationCounter(ctx, counter))
}

func testLevelState(t *testing.T, gw storage.Gateway) {
	ctx := context.Background()

	_, ok, err := gw.GetLevelState(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, gw.SetLevelState(ctx, model.LevelState{GuildID: "g1", UserID: "u1", Experience: 245, LastScored: base}))

	state, ok, err := gw.GetLevelState(ctx, "g1", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 245, state.Experience)
	assert.Equal(t, 2, state.Level())
	assert.True(t, state.LastScored.Equal(base))
}

func testIterate(t *testing.T, gw storage.Gateway) {
	ctx := context.Background()

	total := storage.IterateBatch*2 + 3
	for i := 0; i < total; i++ {
		guild := "g1"
		if i%2 == 1 {
			guild = "g2"
		}
		state := model.LevelState{GuildID: guild, UserID: fmt.Sprintf("u%05d", i), Experience: i, LastScored: base}
		require.NoError(t, gw.SetLevelState(ctx, state))
	}

	seen := make(map[string]bool, total)
	prev := ""
	err := gw.IterateLevelStates(ctx, func(state model.LevelState) error {
		key := state.GuildID + "/" + state.UserID
		assert.False(t, seen[key], "state %s visited twice", key)
		assert.Less(t, prev, key)
		seen[key] = true
		prev = key
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, total)
}

func testRules(t *testing.T, gw storage.Gateway) {
	ctx := context.Background()

	require.NoError(t, gw.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: "g1", Level: 5, RoleID: "r5"}))
	require.NoError(t, gw.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: "g1", Level: 1, RoleID: "r1"}))
	require.NoError(t, gw.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: "g1", Level: 1, RoleID: "r1"}))
	require.NoError(t, gw.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: "g1", Level: 10, RoleID: "r1"}))
	require.NoError(t, gw.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: "g2", Level: 1, RoleID: "x"}))
	assert.Error(t, gw.AddLevelRoleRule(ctx, model.LevelRoleRule{GuildID: "g1", Level: -1, RoleID: "neg"}))

	rules, err := gw.GetLevelRoleRules(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []model.LevelRoleRule{
		{GuildID: "g1", Level: 1, RoleID: "r1"},
		{GuildID: "g1", Level: 5, RoleID: "r5"},
		{GuildID: "g1", Level: 10, RoleID: "r1"},
	}, rules)

	all, err := gw.ListAllLevelRoleRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	removed, err := gw.RemoveLevelRoleRule(ctx, "g1", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	rules, err = gw.GetLevelRoleRules(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []model.LevelRoleRule{{GuildID: "g1", Level: 5, RoleID: "r5"}}, rules)
}

func testScheduled(t *testing.T, gw storage.Gateway) {
	ctx := context.Background()

	dueID, err := gw.AddScheduledAction(ctx, model.ScheduledAction{Kind: model.ActionUnban, GuildID: "g1", UserID: "u1", Reason: "tempban", DueAt: base})
	require.NoError(t, err)
	_, err = gw.AddScheduledAction(ctx, model.ScheduledAction{Kind: model.ActionUnban, GuildID: "g1", UserID: "u2", DueAt: base.Add(time.Hour)})
	require.NoError(t, err)

	due, err := gw.DueScheduledActions(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueID, due[0].ID)
	assert.Equal(t, model.ActionUnban, due[0].Kind)
	assert.Equal(t, "u1", due[0].UserID)
	assert.Equal(t, "tempban", due[0].Reason)
	assert.True(t, due[0].DueAt.Equal(base))

	attempts, err := gw.BumpScheduledAction(ctx, dueID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	require.NoError(t, gw.DeleteScheduledAction(ctx, dueID))
	due, err = gw.DueScheduledActions(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "u2", due[0].UserID)
}

func testAudit(t *testing.T, gw storage.Gateway) {
	ctx := context.Background()

	require.NoError(t, gw.AddAuditEntry(ctx, model.AuditEntry{GuildID: "g1", UserID: "u1", Level: "WARN", Event: "automod_violation", CreatedAt: base}))
	require.NoError(t, gw.AddAuditEntry(ctx, model.AuditEntry{GuildID: "g1", UserID: "u1", Level: "CRIT", Event: "automod_timeout", CreatedAt: base.Add(time.Hour)}))
	require.NoError(t, gw.AddAuditEntry(ctx, model.AuditEntry{GuildID: "g2", Level: "INFO", Event: "config", CreatedAt: base.Add(time.Hour)}))

	entries, err := gw.ListAuditEntries(ctx, "g1", base)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "automod_timeout", entries[0].Event)

	removed, err := gw.CleanupAuditEntries(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err = gw.ListAuditEntries(ctx, "g1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testWarnings(t *testing.T, gw storage.Gateway) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := gw.AddWarning(ctx, model.Warning{GuildID: "g1", UserID: "u1", ModeratorID: "m1", Reason: fmt.Sprintf("r%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := gw.AddWarning(ctx, model.Warning{GuildID: "g1", UserID: "u2", Reason: "other", CreatedAt: base})
	require.NoError(t, err)

	warnings, err := gw.ListWarnings(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, warnings, 3)
	assert.Equal(t, "r2", warnings[0].Reason)
	assert.Equal(t, "m1", warnings[0].ModeratorID)

	removed, err := gw.RemoveRecentWarnings(ctx, "g1", "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	warnings, err = gw.ListWarnings(ctx, "g1", "u1")
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "r0", warnings[0].Reason)

	removed, err = gw.RemoveRecentWarnings(ctx, "g1", "u1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	warnings, err = gw.ListWarnings(ctx, "g1", "u2")
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}
