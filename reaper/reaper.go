// Package reaper reclaims sessions that no longer correspond to anything
// live: failed records, initialization attempts nobody finished, and
// disconnected sessions past their retention window.
package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/amatiasdev/whatsapp-backend/config"
	"github.com/amatiasdev/whatsapp-backend/remote"
	"github.com/amatiasdev/whatsapp-backend/session"
	"github.com/amatiasdev/whatsapp-backend/store"
)

var (
	reapedSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_sessions_total",
		Help: "Sessions reclaimed by sweep, by removal mode",
	}, []string{"mode"})
	skippedSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reaper_sweeps_skipped_total",
		Help: "Sweeps skipped because the previous one was still running",
	})
)

// Unsubscriber is the slice of the bridge the reaper needs.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, sessionID string) error
}

// Stats summarizes one sweep.
type Stats struct {
	Examined    int
	HardDeleted int
	SoftDeleted int
}

// Reaper periodically retires orphaned sessions.
type Reaper struct {
	store   store.SessionStore
	remote  remote.Automation
	bridge  Unsubscriber
	cfg     *config.Config
	log     zerolog.Logger
	now     func() time.Time
	running atomic.Bool
}

func New(st store.SessionStore, rmt remote.Automation, br Unsubscriber, cfg *config.Config, log zerolog.Logger) *Reaper {
	return &Reaper{
		store:  st,
		remote: rmt,
		bridge: br,
		cfg:    cfg,
		log:    log.With().Str("component", "reaper").Logger(),
		now:    time.Now,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.ReaperInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.log.Error().Err(err).Msg("sweep failed")
				}
			}
		}
	}()
}

// Sweep runs one pass. A sweep that fires while the previous one is still
// running is skipped, never run concurrently.
func (r *Reaper) Sweep(ctx context.Context) (Stats, error) {
	if !r.running.CompareAndSwap(false, true) {
		skippedSweeps.Inc()
		r.log.Debug().Msg("previous sweep still running, skipping")
		return Stats{}, nil
	}
	defer r.running.Store(false)

	now := r.now()
	candidates, err := r.store.FindReapable(ctx,
		now.Add(-r.cfg.ReaperStaleWindow),
		now.Add(-r.cfg.ReaperRetention))
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Examined: len(candidates)}
	if len(candidates) == 0 {
		return stats, nil
	}

	var hard, soft atomic.Int64
	pool := newWorkerPool(r.cfg.ReaperWorkers)
	for _, s := range candidates {
		s := s
		pool.Submit(func() {
			if r.reap(ctx, s) {
				hard.Add(1)
			} else {
				soft.Add(1)
			}
		})
	}
	pool.Wait()

	stats.HardDeleted = int(hard.Load())
	stats.SoftDeleted = int(soft.Load())
	r.log.Info().Int("examined", stats.Examined).
		Int("hard_deleted", stats.HardDeleted).
		Int("soft_deleted", stats.SoftDeleted).
		Msg("sweep complete")
	return stats, nil
}

// reap retires one session: best-effort remote teardown, bridge unsubscribe,
// then removal from persistence. Remote failures never block the removal.
// Returns true when the record was hard-deleted.
func (r *Reaper) reap(ctx context.Context, s *session.Session) bool {
	tctx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()
	if err := r.remote.Teardown(tctx, s.ID); err != nil {
		r.log.Warn().Err(err).Str("session_id", s.ID).Msg("remote teardown failed, removing anyway")
	}

	if err := r.bridge.Unsubscribe(ctx, s.ID); err != nil {
		r.log.Warn().Err(err).Str("session_id", s.ID).Msg("bridge unsubscribe failed")
	}

	// Failed and never-finished initializations are junk records; the rest
	// keep their history behind the soft-delete marker.
	if s.Status == session.StatusFailed || s.Status == session.StatusInitializing {
		if err := r.store.Delete(ctx, s.ID); err != nil {
			r.log.Error().Err(err).Str("session_id", s.ID).Msg("hard delete failed")
			return false
		}
		reapedSessions.WithLabelValues("hard").Inc()
		return true
	}

	if err := r.store.SoftDelete(ctx, s.ID); err != nil {
		r.log.Error().Err(err).Str("session_id", s.ID).Msg("soft delete failed")
	}
	reapedSessions.WithLabelValues("soft").Inc()
	return false
}
