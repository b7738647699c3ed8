package scrobble

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// retrySchedule is the open-question decision for the scrobbler's retry
// backoff (spec §9 suggests "e.g. 1 min, 5 min, 30 min, capped at 1 hr").
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// RetryScheduler recovers a Backend from TemporarilyUnavailable on the
// schedule above, and paces outbound requests against the provider so a
// burst of queued scrobbles doesn't hammer it.
type RetryScheduler struct {
	backend *Backend
	limiter *rate.Limiter
	attempt int
}

// NewRetryScheduler creates a scheduler for backend, allowing at most one
// request every minPeriod (bursts of 1).
func NewRetryScheduler(backend *Backend, minPeriod time.Duration) *RetryScheduler {
	return &RetryScheduler{
		backend: backend,
		limiter: rate.NewLimiter(rate.Every(minPeriod), 1),
	}
}

// Wait blocks until the pacing limiter allows the next request.
func (s *RetryScheduler) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// ScheduleRecovery arms a one-shot timer that calls Backend.Recover after
// the next backoff step, advancing through retrySchedule and holding at its
// final (capped) entry on repeated failures. Call Reset after a successful
// request to restart the schedule from its first step.
func (s *RetryScheduler) ScheduleRecovery(ctx context.Context) {
	step := s.attempt
	if step >= len(retrySchedule) {
		step = len(retrySchedule) - 1
	}
	delay := retrySchedule[step]
	if s.attempt < len(retrySchedule) {
		s.attempt++
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			s.backend.Recover()
		}
	}()
}

// Reset restarts the backoff schedule, called after a request succeeds.
func (s *RetryScheduler) Reset() { s.attempt = 0 }
