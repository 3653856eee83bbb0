package app

import (
	"context"
	"errors"
	"time"

	"copybot/clients/gist"
	"copybot/internal/store"

	"go.uber.org/zap"
)

// SnapshotStore is a store that can be dumped and restored whole.
// *store.MemoryStore satisfies it.
type SnapshotStore interface {
	Export(maxClosed int) *store.Snapshot
	Import(snap *store.Snapshot) int
}

// CachePersister handles persisting the store snapshot to GitHub Gist.
type CachePersister struct {
	logger         *zap.Logger
	storage        gist.Storage
	store          SnapshotStore
	uploadInterval time.Duration
	fileName       string
	maxClosed      int
}

// NewCachePersister creates a new cache persister.
func NewCachePersister(
	logger *zap.Logger,
	storage gist.Storage,
	st SnapshotStore,
	uploadInterval time.Duration,
	fileName string,
	maxClosed int,
) *CachePersister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fileName == "" {
		fileName = "copybot_store.json"
	}

	return &CachePersister{
		logger:         logger.Named("cache-persister"),
		storage:        storage,
		store:          st,
		uploadInterval: uploadInterval,
		fileName:       fileName,
		maxClosed:      maxClosed,
	}
}

func (cp *CachePersister) enabled() bool {
	return cp.storage != nil && cp.storage.IsEnabled() && cp.store != nil
}

// Load restores the store from the gist. Returns the number of trades
// loaded, or 0 if there is nothing to load.
func (cp *CachePersister) Load(ctx context.Context) (int, error) {
	if !cp.enabled() {
		cp.logger.Info("gist storage not configured, skipping snapshot load")
		return 0, nil
	}

	gistID := cp.storage.GistID()
	if gistID == "" {
		cp.logger.Info("no gist ID configured, starting with an empty store")
		return 0, nil
	}

	var snap store.Snapshot
	err := cp.storage.LoadJSON(ctx, cp.fileName, &snap)
	if errors.Is(err, gist.ErrFileNotFound) || errors.Is(err, gist.ErrNoGistID) {
		cp.logger.Info("no snapshot in gist, starting fresh",
			zap.String("gistID", gistID),
			zap.String("fileName", cp.fileName),
		)
		return 0, nil
	}
	if err != nil {
		cp.logger.Warn("failed to load snapshot from gist",
			zap.String("gistID", gistID),
			zap.String("fileName", cp.fileName),
			zap.Error(err),
		)
		return 0, err
	}

	loaded := cp.store.Import(&snap)
	cp.logger.Info("loaded store snapshot from gist",
		zap.Int("trades", loaded),
		zap.Int("wallets", len(snap.Wallets)),
		zap.Int("rugs", len(snap.Rugs)),
		zap.Time("savedAt", snap.SavedAt),
	)
	return loaded, nil
}

// Save writes the current store snapshot to the gist.
func (cp *CachePersister) Save(ctx context.Context) error {
	if !cp.enabled() {
		return nil
	}

	snap := cp.store.Export(cp.maxClosed)
	if len(snap.Trades) == 0 && len(snap.Wallets) == 0 && len(snap.Rugs) == 0 {
		cp.logger.Debug("store is empty, skipping save")
		return nil
	}

	if err := cp.storage.SaveJSON(ctx, cp.fileName, snap); err != nil {
		return err
	}

	cp.logger.Info("saved store snapshot to gist",
		zap.String("gistID", cp.storage.GistID()),
		zap.Int("trades", len(snap.Trades)),
		zap.Int("wallets", len(snap.Wallets)),
	)
	return nil
}

// Run starts the periodic save loop. A final save runs on shutdown.
func (cp *CachePersister) Run(ctx context.Context) {
	if !cp.enabled() {
		cp.logger.Info("gist storage not configured, snapshot persistence disabled")
		return
	}

	ticker := time.NewTicker(cp.uploadInterval)
	defer ticker.Stop()

	cp.logger.Info("cache persister started",
		zap.Duration("saveInterval", cp.uploadInterval),
	)

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := cp.Save(saveCtx); err != nil {
				cp.logger.Error("failed to save snapshot on shutdown", zap.Error(err))
			}
			cancel()
			cp.logger.Info("cache persister stopped")
			return

		case <-ticker.C:
			if err := cp.Save(ctx); err != nil {
				cp.logger.Warn("failed to save snapshot", zap.Error(err))
			}
		}
	}
}
