package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Refreshable is a service whose cached data can be renewed.
type Refreshable interface {
	Refresh(ctx context.Context) error
}

// Refresher keeps cached market data warm by refreshing it on an interval.
type Refresher struct {
	interval time.Duration
	targets  []Refreshable
	logger   zerolog.Logger
}

// NewRefresher creates a refresher for targets.
func NewRefresher(interval time.Duration, logger zerolog.Logger, targets ...Refreshable) *Refresher {
	return &Refresher{interval: interval, targets: targets, logger: logger}
}

// Run refreshes once immediately and then every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	if r.interval <= 0 || len(r.targets) == 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Market data refresher started")
	r.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Market data refresher stopped")
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	for _, t := range r.targets {
		if err := t.Refresh(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Market data refresh failed")
		}
	}
}
