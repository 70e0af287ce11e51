package chat

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	// DefaultPollInterval is the fallback re-fetch cadence.
	DefaultPollInterval = 3 * time.Second

	// DefaultPollMaxBackoff caps the delay between failing polls.
	DefaultPollMaxBackoff = 30 * time.Second

	// jitterDivisor controls the range of random jitter added to backoff
	// delays: jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2

	// maxBackoffShift caps the exponent of the poll backoff so the
	// shift cannot overflow time.Duration.
	maxBackoffShift = 10
)

// Poller periodically re-fetches a conversation as a compensating
// control for missed push events. It is independent of the push
// transport. Consecutive failures back off exponentially up to
// maxBackoff; a success restores the base interval.
type Poller struct {
	fetch          func(ctx context.Context, conversationID string) ([]Message, error)
	deliver        func([]Message)
	conversationID string
	interval       time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

// NewPoller creates a poller. deliver is called with every successful
// fetch; failed fetches are logged and skipped.
func NewPoller(fetcher *Fetcher, conversationID string, interval, maxBackoff time.Duration, deliver func([]Message), logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	if maxBackoff < interval {
		maxBackoff = max(interval, DefaultPollMaxBackoff)
	}

	return &Poller{
		fetch:          fetcher.Fetch,
		deliver:        deliver,
		conversationID: conversationID,
		interval:       interval,
		maxBackoff:     maxBackoff,
		logger:         logger,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	failures := 0
	timer := time.NewTimer(p.interval)

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		msgs, err := p.fetch(ctx, p.conversationID)
		if ctx.Err() != nil {
			return
		}

		delay := p.interval

		if err != nil {
			failures++
			delay = p.backoff(failures)
			p.logger.Warn("poll failed, keeping previous state",
				slog.String("conversation_id", p.conversationID),
				slog.Int("failures", failures),
				slog.Duration("next", delay),
				slog.String("error", err.Error()),
			)
		} else {
			if failures > 0 {
				p.logger.Info("poll recovered", slog.String("conversation_id", p.conversationID))
			}

			failures = 0
			p.deliver(msgs)
		}

		timer.Reset(delay)
	}
}

// backoff returns interval * 2^failures capped at maxBackoff, plus jitter.
func (p *Poller) backoff(failures int) time.Duration {
	shift := min(failures, maxBackoffShift)
	delay := min(p.interval*time.Duration(1<<shift), p.maxBackoff)

	jitter := time.Duration(rand.Int64N(int64(delay)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for poll jitter, no security impact

	return delay + jitter
}
