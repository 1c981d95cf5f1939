package storage_test

import (
	"context"
	"testing"

	"guildwarden/internal/storage"
	"guildwarden/internal/storage/storagetest"
)

func openSQLite(t *testing.T) storage.Gateway {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestSQLiteGateway(t *testing.T) {
	storagetest.Run(t, openSQLite)
}

func TestMigrateIsRepeatable(t *testing.T) {
	store := openSQLite(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUpsertGuildConfigClearsSets(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()

	cfg, err := store.GetGuildConfig(ctx, "g1")
	if err != nil {
		t.Fatalf("get guild config: %v", err)
	}
	cfg.SpamExempt.Add("c1")
	if err := store.UpsertGuildConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert guild config: %v", err)
	}

	cfg.SpamExempt = nil
	if err := store.UpsertGuildConfig(ctx, cfg); err != nil {
		t.Fatalf("update guild config: %v", err)
	}

	got, err := store.GetGuildConfig(ctx, "g1")
	if err != nil {
		t.Fatalf("get guild config: %v", err)
	}
	if got.SpamExempt.Has("c1") {
		t.Fatalf("expected spam exemption to be cleared")
	}
}
