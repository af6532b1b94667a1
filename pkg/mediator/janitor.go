package mediator

import (
	"context"
	"time"
)

// Purge removes expired query cache entries once.
func (m *Mediator) Purge(ctx context.Context) (int, error) {
	return m.store.PurgeExpired(ctx, m.clock.Now())
}

// RunJanitor purges immediately and then every cleanup interval until
// ctx is done. Failures are logged and retried on the next tick.
func (m *Mediator) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		if n, err := m.Purge(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error().Err(err).Msg("Query cache purge failed")
		} else if n > 0 {
			m.logger.Info().Int("purged", n).Msg("Query cache purged")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
