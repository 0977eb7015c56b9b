package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/voice101/worker"
)

// DefaultCheckInterval is how often long-lived pages look for a new worker
const DefaultCheckInterval = time.Hour

// Updater is the part of a registration the checker drives
type Updater interface {
	Update(ctx context.Context) (*worker.Version, error)
}

// Checker calls Update on a fixed schedule
type Checker struct {
	updater  Updater
	interval time.Duration
	logger   zerolog.Logger
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewChecker schedules u every interval, DefaultCheckInterval when zero
func NewChecker(u Updater, interval time.Duration, logger zerolog.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Checker{
		updater:  u,
		interval: interval,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start begins the schedule. ctx bounds every check.
func (c *Checker) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	_, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.interval), c.Check)
	if err != nil {
		c.cancel()
		return fmt.Errorf("schedule update check: %w", err)
	}
	c.cron.Start()
	c.logger.Debug().Dur("interval", c.interval).Msg("update checks scheduled")
	return nil
}

// Check runs one update check now
func (c *Checker) Check() {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	v, err := c.updater.Update(ctx)
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Msg("update check failed")
	case v != nil:
		c.logger.Info().Str("version", v.ID()).Str("state", v.State().String()).Msg("update check found a new worker")
	}
}

// Stop ends the schedule and waits for a running check
func (c *Checker) Stop() {
	<-c.cron.Stop().Done()
	if c.cancel != nil {
		c.cancel()
	}
}
