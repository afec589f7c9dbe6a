// ABOUTME: Idle-session janitor closing conversations abandoned past the configured timeout
// ABOUTME: Runs only when chat.session_idle_timeout is set; zero disables eviction

package gateway

import (
	"context"
	"time"
)

// runJanitor sweeps idle sessions until the context ends. The sweep interval
// is a fraction of the timeout so sessions close reasonably soon after
// crossing it, floored so short timeouts cannot busy-loop the store.
func (g *Gateway) runJanitor(ctx context.Context) {
	interval := g.cfg.Chat.SessionIdleTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	g.logger.Info("idle-session janitor started",
		"idle_timeout", g.cfg.Chat.SessionIdleTimeout,
		"sweep_interval", interval,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweepIdleSessions(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweepIdleSessions closes every non-closed session whose last activity is
// older than the idle timeout. Closing goes through the router so any
// still-connected parties are told the session ended.
func (g *Gateway) sweepIdleSessions(ctx context.Context) {
	// UTC to match the store's timestamps.
	cutoff := time.Now().UTC().Add(-g.cfg.Chat.SessionIdleTimeout)

	idle, err := g.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		g.logger.Error("idle sweep failed", "error", err)
		return
	}

	for _, sess := range idle {
		if err := g.router.CloseSession(ctx, sess.ID); err != nil {
			g.logger.Warn("failed to close idle session", "session_id", sess.ID, "error", err)
			continue
		}
		g.logger.Info("idle session closed",
			"session_id", sess.ID,
			"last_activity", sess.UpdatedAt,
		)
	}
}
