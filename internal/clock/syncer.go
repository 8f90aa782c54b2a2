package clock

import (
	"context"
	"time"

	"mealslot/internal/metrics"

	"github.com/rs/zerolog"
)

// Checkpointer persists clock state between restarts.
type Checkpointer interface {
	SaveClock(ctx context.Context, st State) error
	LoadClock(ctx context.Context) (*State, error)
}

// Syncer is the only writer of the clock offset. It runs from the scheduler
// and never blocks readers of the clock.
type Syncer struct {
	clock      *Service
	source     TimeSource
	checkpoint Checkpointer
	logger     zerolog.Logger
}

// NewSyncer wires a syncer; checkpoint may be nil.
func NewSyncer(clock *Service, source TimeSource, checkpoint Checkpointer, logger zerolog.Logger) *Syncer {
	return &Syncer{
		clock:      clock,
		source:     source,
		checkpoint: checkpoint,
		logger:     logger.With().Str("component", "clock_sync").Logger(),
	}
}

// Restore loads the last checkpoint into the clock, if any.
func (s *Syncer) Restore(ctx context.Context) {
	if s.checkpoint == nil {
		return
	}
	st, err := s.checkpoint.LoadClock(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load clock checkpoint")
		return
	}
	if st == nil {
		return
	}
	if s.clock.Restore(*st) {
		metrics.SetClockOffset(st.OffsetMillis)
		s.logger.Info().Int64("offset_ms", st.OffsetMillis).Time("last_sync_at", st.LastSyncAt).Msg("clock offset restored")
	}
}

// SyncNow performs one synchronization and checkpoints a successful result.
func (s *Syncer) SyncNow(ctx context.Context) SyncResult {
	res := s.clock.Sync(ctx, s.source)
	metrics.IncClockSync(res.Success)
	metrics.SetClockOffset(res.OffsetMillis)
	if !res.Success {
		return res
	}

	if s.checkpoint != nil {
		cpCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.checkpoint.SaveClock(cpCtx, s.clock.State()); err != nil {
			s.logger.Warn().Err(err).Msg("save clock checkpoint")
		}
	}
	s.logger.Info().Str("source", res.Source).Int64("offset_ms", res.OffsetMillis).Msg("clock synchronized")
	return res
}

// Run is the scheduler job entry point.
func (s *Syncer) Run(ctx context.Context) {
	s.SyncNow(ctx)
}
