package auth

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// KeepSessionAlive periodically refreshes the token pair when the access
// token is within `within` of expiry, so long-lived processes rarely hit
// the reactive 401 path. Runs once immediately, then on every tick. Returns
// when ctx is done or when the session expires terminally.
func KeepSessionAlive(ctx context.Context, m *Manager, interval, within time.Duration) error {
	tick := func() error {
		refreshed, err := m.RefreshIfExpiring(ctx, within)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				log.Warn().Err(err).Msg("session expired during keep-alive")
				return err
			}
			// Store errors are not terminal, try again on the next tick.
			log.Error().Err(err).Msg("keep-alive refresh failed")
			return nil
		}
		if refreshed {
			log.Info().Msg("keep-alive refreshed token pair")
		}
		return nil
	}

	if err := tick(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping session keep-alive")
			return ctx.Err()
		case <-ticker.C:
			if err := tick(); err != nil {
				return err
			}
		}
	}
}
