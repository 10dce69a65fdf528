package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/reqdesk/reqsync"
	"github.com/reqdesk/reqsync/pgstore"
)

// OpenStore opens the configured durable store. The returned func releases it.
func OpenStore(ctx context.Context, cfg *Config, logger *slog.Logger) (reqsync.DurableStore, func() error, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		logger.Warn("using in-memory storage; messages are lost on restart")
		return reqsync.NewMemoryStore(), func() error { return nil }, nil
	case "postgres":
		st, err := pgstore.Open(ctx, cfg.Storage.DSN, pgstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.Migrate {
			if err := st.Migrate(ctx); err != nil {
				st.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated")
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
