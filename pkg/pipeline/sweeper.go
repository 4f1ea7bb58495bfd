package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/quill/pkg/search"
)

// Sweeper periodically backfills embeddings for messages that were indexed
// while the embedding backend was unavailable.
type Sweeper struct {
	index  *search.Index
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewSweeper schedules a backfill on the given cron expression (standard
// cron syntax or descriptors like "@every 10m").
func NewSweeper(index *search.Index, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		index:  index,
		cron:   cron.New(),
		logger: logger,
	}

	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return s, nil
}

// Start begins the schedule in a background goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Embedding sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	written, err := s.index.Backfill(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Embedding backfill failed")
		return
	}
	if written > 0 {
		s.logger.Info().Int("embeddings", written).Msg("Embedding backfill completed")
	}
}
