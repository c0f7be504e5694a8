package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const auditPurgeInterval = time.Hour

// newScheduler registers the periodic maintenance jobs. The scheduler is
// returned unstarted.
func (g *Gateway) newScheduler(ctx context.Context) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	logger := g.logger.With("component", "scheduler")

	if _, err := sched.NewJob(
		gocron.DurationJob(auditPurgeInterval),
		gocron.NewTask(func() { g.purgeAudit(ctx) }),
		gocron.WithName("audit-purge"),
	); err != nil {
		return nil, fmt.Errorf("schedule audit purge: %w", err)
	}

	if g.images != nil && g.cfg.ImageStorage.AutoCleanup() {
		if _, err := sched.NewJob(
			gocron.DurationJob(g.cfg.ImageStorage.CleanupInterval.Duration),
			gocron.NewTask(func() {
				if n := g.images.CleanupExpired(); n > 0 {
					logger.Info("removed expired images", "count", n)
				}
			}),
			gocron.WithName("image-cleanup"),
		); err != nil {
			return nil, fmt.Errorf("schedule image cleanup: %w", err)
		}
	}

	if timeout := g.cfg.DeviceHub.HeartbeatTimeout.Duration; timeout > 0 {
		if _, err := sched.NewJob(
			gocron.DurationJob(timeout/2),
			gocron.NewTask(func() {
				if n := g.hub.ReapIdle(timeout); n > 0 {
					logger.Info("closed idle device sessions", "count", n)
				}
			}),
			gocron.WithName("device-reaper"),
		); err != nil {
			return nil, fmt.Errorf("schedule device reaper: %w", err)
		}
	}

	return sched, nil
}

func (g *Gateway) purgeAudit(ctx context.Context) {
	cutoff := time.Now().Add(-g.cfg.Storage.AuditRetention.Duration)
	n, err := g.store.PurgeAuditEvents(ctx, cutoff)
	if err != nil {
		g.logger.Warn("retention purge: audit events failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
