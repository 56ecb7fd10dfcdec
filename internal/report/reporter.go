// Package report logs periodic state summaries for headless deployments
// where no display layer polls the store.
package report

import (
	"time"

	"github.com/robfig/cron/v3"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/umbrellasoft/ratecore/internal/state"
)

// Reporter emits one summary line per exchange on a cron schedule.
type Reporter struct {
	cron     *cron.Cron
	store    *state.Store
	schedule string
}

// NewReporter builds a reporter on the given cron schedule, e.g.
// "@every 1m".
func NewReporter(store *state.Store, schedule string) *Reporter {
	return &Reporter{
		cron:     cron.New(),
		store:    store,
		schedule: schedule,
	}
}

// Start registers the summary job and starts the scheduler.
func (r *Reporter) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.logSummary); err != nil {
		return err
	}
	r.cron.Start()
	zerologlog.Info().Str("schedule", r.schedule).Msg("state reporter started")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reporter) logSummary() {
	for _, ex := range r.store.Exchanges() {
		staleness := time.Duration(0)
		if !ex.LastUpdate.IsZero() {
			staleness = time.Since(ex.LastUpdate).Round(time.Second)
		}
		zerologlog.Info().
			Str("exchange", ex.Name).
			Bool("enabled", ex.Enabled).
			Bool("connected", ex.Connected).
			Int("assets", len(ex.Assets)).
			Dur("staleness", staleness).
			Msg("state summary")
	}
}
