package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"unitrack/auth-gate/internal/config"
)

// SessionSweeper deletes session rows older than a cutoff.
type SessionSweeper interface {
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartSessionSweep periodically removes ledger rows whose tokens have long
// expired. Rows are the revocation source of truth, so the sweep only runs
// when a max age is configured, and the cutoff always trails the token TTL.
func StartSessionSweep(ctx context.Context, cfg config.Config, sweeper SessionSweeper, log zerolog.Logger) {
	if cfg.SessionMaxAge <= 0 {
		return
	}
	maxAge := cfg.SessionMaxAge
	if maxAge < cfg.AccessTokenTTL {
		maxAge = cfg.AccessTokenTTL
	}
	interval := cfg.SessionSweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	log = log.With().Str("component", "session_sweep").Logger()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-maxAge)
				tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				deleted, err := sweeper.DeleteSessionsBefore(tickCtx, cutoff)
				cancel()
				if err != nil {
					log.Error().Err(err).Msg("sweep failed")
					continue
				}
				if deleted > 0 {
					log.Info().Int64("deleted", deleted).Msg("stale sessions removed")
				}
			}
		}
	}()
}
