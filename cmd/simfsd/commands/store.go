package commands

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ajaxzhan/simfs/internal/config"
	"github.com/ajaxzhan/simfs/internal/fs"
	"github.com/ajaxzhan/simfs/internal/logging"
	"github.com/ajaxzhan/simfs/internal/metrics"
	"github.com/ajaxzhan/simfs/internal/storage"
	"github.com/ajaxzhan/simfs/pkg/types"
)

// bootActor applies configured quotas and aliases.
var bootActor = &types.Actor{UID: types.RootUID, Umask: 0o022}

// openStore opens the configured backend, restores the store from it and
// applies the quotas and aliases of cfg.
func openStore(ctx context.Context, cfg *config.Config) (*fs.Store, error) {
	backend, err := storage.Open(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Type, err)
	}

	opts := []fs.Option{
		fs.WithLockBackoff(fs.BackoffOptions{
			InitialBackoff: cfg.Locks.GetInitialBackoff(),
			MaxBackoff:     cfg.Locks.GetMaxBackoff(),
			Multiplier:     cfg.Locks.GetMultiplier(),
		}),
		fs.WithMaxFileSize(cfg.Filesystem.MaxFileSize),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, fs.WithMetrics(metrics.NewMetrics(prometheus.DefaultRegisterer)))
	}

	store, err := fs.Open(ctx, backend, opts...)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to restore store: %w", err)
	}
	logging.Info("Store opened",
		logging.String("storage", cfg.Storage.Type),
		logging.String("path", cfg.Storage.Path),
	)

	for _, q := range cfg.Quotas {
		if err := store.SetQuota(ctx, bootActor, q); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to apply quota for group %d: %w", q.GroupID, err)
		}
	}
	for _, a := range cfg.Aliases {
		if a.Symlink {
			_, err = store.RegisterSymlink(ctx, bootActor, a.Name, a.Target)
		} else {
			_, err = store.RegisterFixedAlias(ctx, bootActor, a.Name, a.Target)
		}
		if err != nil {
			logging.Warn("Skipping configured alias",
				logging.String("alias", a.Name),
				logging.String("target", a.Target),
				logging.Err(err),
			)
		}
	}
	return store, nil
}

func mountConfig(cfg *config.Config, mountPoint string) *fs.MountConfig {
	if mountPoint == "" {
		mountPoint = cfg.Mount.Path
	}
	return &fs.MountConfig{
		MountPoint: mountPoint,
		AllowOther: cfg.Mount.AllowOther,
		Debug:      cfg.Mount.Debug,
	}
}
