// Package schedule runs periodic jobs that only do work while someone is
// listening.
package schedule

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidJob is returned by Start when the job is missing its function or
// interval.
var ErrInvalidJob = errors.New("job requires a run function and a positive interval")

// InterestChecker reports whether a topic has subscribers.
type InterestChecker interface {
	HasSubscribers(topic string) bool
}

// Job ticks every Interval and calls Run when Topic has subscribers.
// A receive on Trigger runs the job immediately with forced set, bypassing
// the subscriber check.
type Job struct {
	Topic    string
	Interval time.Duration

	// WaitFirst delays the first run by one interval instead of running
	// immediately.
	WaitFirst bool

	// Interest gates ticks. A nil Interest runs every tick.
	Interest InterestChecker

	// Trigger requests a forced run. May be nil.
	Trigger <-chan struct{}

	Run func(ctx context.Context, forced bool) error
}

// Start runs the job until ctx is done or Run returns an error. It returns
// ctx.Err() on cancellation, otherwise the error from Run.
func (j *Job) Start(ctx context.Context) error {
	if j.Run == nil || j.Interval <= 0 {
		return ErrInvalidJob
	}

	if !j.WaitFirst {
		if err := j.tick(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := j.tick(ctx); err != nil {
				return err
			}
		case <-j.Trigger:
			if err := j.Run(ctx, true); err != nil {
				return err
			}
		}
	}
}

func (j *Job) tick(ctx context.Context) error {
	if j.Interest != nil && !j.Interest.HasSubscribers(j.Topic) {
		return nil
	}
	return j.Run(ctx, false)
}
