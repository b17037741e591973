package registry

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/cadence/internal/logger"
)

// Publish keeps a session's record current until ctx ends, then unregisters
// it. snapshot is called once per interval; a record that expired or was
// removed in the meantime is registered again.
func Publish(ctx context.Context, reg Registry, interval time.Duration, snapshot func() *Record, log logger.Logger) {
	if log == nil {
		log = logger.NewNullLogger()
	}

	rec := snapshot()
	if err := reg.Register(ctx, rec); err != nil {
		log.WithError(err).Warn("Failed to register session")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The parent context is gone; give the final write its own budget.
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := reg.Unregister(cleanup, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
				log.WithError(err).Warn("Failed to unregister session")
			}
			cancel()
			return
		case <-ticker.C:
			rec = snapshot()
			err := reg.Update(ctx, rec)
			if errors.Is(err, ErrNotFound) {
				err = reg.Register(ctx, rec)
			}
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Failed to publish session status")
			}
		}
	}
}
