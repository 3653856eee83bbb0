package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"copybot/internal/store"
)

func populatedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.UpsertWallet(ctx, store.TrackedWallet{Chain: "base", Address: testAddr(1), Score: 80}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.OpenTrade(ctx, &store.CopyTrade{Wallet: testAddr(1), Token: testAddr(100), Chain: "base", EntryPrice: 1, PositionUSD: 100}); err != nil {
		t.Fatalf("open: %v", err)
	}
	return st
}

func TestNewCachePersister_Defaults(t *testing.T) {
	cp := NewCachePersister(nil, NewMockGistStorage(), store.NewMemoryStore(), 10*time.Minute, "", 0)

	if cp.logger == nil {
		t.Error("expected logger to be set")
	}
	if cp.fileName != "copybot_store.json" {
		t.Errorf("unexpected default file name: %s", cp.fileName)
	}
	if cp.uploadInterval != 10*time.Minute {
		t.Errorf("unexpected upload interval: %v", cp.uploadInterval)
	}
}

func TestCachePersister_LoadWithoutFile(t *testing.T) {
	cp := NewCachePersister(nil, NewMockGistStorage(), store.NewMemoryStore(), time.Minute, "store.json", 0)

	n, err := cp.Load(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 trades loaded, got %d", n)
	}
}

func TestCachePersister_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewMockGistStorage()

	src := NewCachePersister(nil, storage, populatedStore(t), time.Minute, "store.json", 100)
	if err := src.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.Contains(storage.GetContent("store.json"), strings.ToLower(testAddr(100))) {
		t.Fatal("expected saved snapshot to contain the open trade")
	}

	dst := store.NewMemoryStore()
	n, err := NewCachePersister(nil, storage, dst, time.Minute, "store.json", 100).Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 trade restored, got %d", n)
	}
	open, _ := dst.OpenTradesByToken(ctx, "base", testAddr(100))
	if len(open) != 1 {
		t.Error("expected the open trade to be restored")
	}
	if _, ok, _ := dst.TrackedWallet(ctx, "base", testAddr(1)); !ok {
		t.Error("expected the tracked wallet to be restored")
	}
}

func TestCachePersister_EmptyStoreSkipsSave(t *testing.T) {
	storage := NewMockGistStorage()
	cp := NewCachePersister(nil, storage, store.NewMemoryStore(), time.Minute, "store.json", 0)

	if err := cp.Save(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if storage.Saves() != 0 {
		t.Errorf("expected no save for an empty store, got %d", storage.Saves())
	}
}

func TestCachePersister_Disabled(t *testing.T) {
	storage := NewMockGistStorage()
	storage.SetEnabled(false)
	cp := NewCachePersister(nil, storage, populatedStore(t), time.Minute, "store.json", 0)

	if err := cp.Save(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if storage.Saves() != 0 {
		t.Error("disabled storage should not be written")
	}
	if n, err := cp.Load(context.Background()); n != 0 || err != nil {
		t.Errorf("expected noop load, got %d / %v", n, err)
	}

	// Run returns immediately when disabled.
	done := make(chan struct{})
	go func() {
		cp.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return when storage is disabled")
	}
}

func TestCachePersister_ErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	storage := NewMockGistStorage()
	cp := NewCachePersister(nil, storage, populatedStore(t), time.Minute, "store.json", 0)

	storage.SetLoadError(errBoom)
	if _, err := cp.Load(ctx); err == nil {
		t.Error("expected load error")
	}

	storage.SetSaveError(errBoom)
	if err := cp.Save(ctx); err == nil {
		t.Error("expected save error")
	}
}

func TestCachePersister_SavesOnShutdown(t *testing.T) {
	storage := NewMockGistStorage()
	cp := NewCachePersister(nil, storage, populatedStore(t), time.Hour, "store.json", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cp.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if storage.Saves() != 1 {
		t.Errorf("expected a final save, got %d", storage.Saves())
	}
}
