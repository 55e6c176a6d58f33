package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is a cron job body.
type JobFunc func(ctx context.Context) error

// Cron runs named jobs on six-field (with seconds) cron expressions.
type Cron struct {
	c      *cron.Cron
	logger zerolog.Logger
}

// NewCron builds a cron runner; overlapping runs of the same job are skipped.
func NewCron(logger zerolog.Logger) *Cron {
	l := logger.With().Str("component", "cron").Logger()
	return &Cron{
		c: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: l,
	}
}

// ValidateSpec reports whether spec parses with the runner's parser.
func ValidateSpec(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Add registers job under name. ctx is handed to every run.
func (c *Cron) Add(ctx context.Context, name, spec string, job JobFunc) error {
	_, err := c.c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		c.logger.Info().Str("job", name).Msg("执行定时任务")
		if err := job(ctx); err != nil {
			c.logger.Error().Err(err).Str("job", name).Msg("定时任务失败")
		}
	})
	if err != nil {
		return fmt.Errorf("add cron job %s: %w", name, err)
	}
	c.logger.Info().Str("job", name).Str("spec", spec).Msg("定时任务已注册")
	return nil
}

// Len returns the number of registered jobs.
func (c *Cron) Len() int { return len(c.c.Entries()) }

// Run starts the runner and blocks until ctx is done; running jobs are awaited.
func (c *Cron) Run(ctx context.Context) error {
	c.c.Start()
	<-ctx.Done()
	<-c.c.Stop().Done()
	return ctx.Err()
}
