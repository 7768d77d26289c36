package monitor

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultInterval = time.Minute

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DaemonOpts configures RunDaemon. Cron, when set, takes precedence over
// Interval.
type DaemonOpts struct {
	Check    CheckOpts
	Interval time.Duration
	Cron     string
	Out      io.Writer
}

// RunDaemon runs Check repeatedly until ctx is done. Check failures are
// logged and the loop continues.
func RunDaemon(ctx context.Context, opts DaemonOpts) error {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Check.Out == nil {
		opts.Check.Out = opts.Out
	}
	next, err := scheduler(opts)
	if err != nil {
		return err
	}
	if opts.Cron != "" {
		fmt.Fprintf(opts.Out, "Monitor started (cron %q)\n", opts.Cron)
	} else {
		fmt.Fprintf(opts.Out, "Monitor started (every %s)\n", opts.Interval)
	}
	defer fmt.Fprintf(opts.Out, "Monitor stopped.\n")

	for {
		if !sleepWithContext(ctx, next(time.Now())) {
			return nil
		}
		if _, err := Check(ctx, opts.Check); err != nil {
			log.Printf("monitor: check: %v", err)
		}
	}
}

// scheduler returns a function giving the wait before the next check.
func scheduler(opts DaemonOpts) (func(time.Time) time.Duration, error) {
	if opts.Cron != "" {
		sched, err := cronParser.Parse(opts.Cron)
		if err != nil {
			return nil, fmt.Errorf("monitor: parse cron %q: %w", opts.Cron, err)
		}
		return func(now time.Time) time.Duration {
			return max(sched.Next(now).Sub(now), 0)
		}, nil
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return func(time.Time) time.Duration { return interval }, nil
}

// sleepWithContext sleeps for d and reports false if ctx ended first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
