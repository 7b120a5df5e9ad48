package syncer

import (
	"context"
	"errors"
	"time"

	"dukafiti/offline/internal/lock"

	"github.com/rs/zerolog"
)

const DefaultInterval = time.Minute

// Connectivity is the part of the monitor the runner needs.
type Connectivity interface {
	Online() bool
	OnOnline(fn func())
}

// Runner starts sync passes when the connection comes back, when asked to,
// and periodically while work is queued.
type Runner struct {
	orch     *Orchestrator
	conn     Connectivity
	pending  func() int
	interval time.Duration
	trigger  chan struct{}
	log      zerolog.Logger
}

func NewRunner(orch *Orchestrator, conn Connectivity, pending func() int, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Runner{
		orch:     orch,
		conn:     conn,
		pending:  pending,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      logger.With().Str("component", "runner").Logger(),
	}
	conn.OnOnline(r.Trigger)
	return r
}

// Trigger asks for a pass. Requests made while one is pending collapse.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
			r.pass(ctx, "trigger")
		case <-ticker.C:
			if r.pending() > 0 {
				r.pass(ctx, "periodic")
			}
		}
	}
}

func (r *Runner) pass(ctx context.Context, reason string) {
	if !r.conn.Online() {
		r.log.Debug().Str("reason", reason).Msg("offline, sync skipped")
		return
	}
	report, err := r.orch.SyncAll(ctx)
	switch {
	case errors.Is(err, lock.ErrLocked):
		r.log.Info().Str("reason", reason).Msg("another agent is syncing")
	case err != nil && ctx.Err() == nil:
		r.log.Warn().Err(err).Str("reason", reason).Msg("sync pass failed")
	default:
		r.log.Debug().Str("reason", reason).Int("synced", report.Synced).Int("failed", report.Failed).Msg("sync pass")
	}
}
