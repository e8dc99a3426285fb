// Package poller drives an asynchronous backend job to a terminal state by
// repeatedly probing its status.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/jimeng/pkg/models"
)

type State string

const (
	StateRunning         State = "RUNNING"
	StateStableCandidate State = "STABLE_CANDIDATE"
	StateSucceeded       State = "SUCCEEDED"
	StateFailed          State = "FAILED"
	StateTimedOut        State = "TIMED_OUT"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Status is what a probe reports for one poll.
type Status struct {
	Code       models.StatusCode
	FailCode   string
	ItemCount  int
	FinishTime int64
}

// Probe fetches the current status of one job along with the raw payload it
// was derived from. It must not mutate server state.
type Probe[T any] func(ctx context.Context) (Status, T, error)

type Config struct {
	MaxPollCount      int
	Interval          time.Duration
	StableRounds      int
	ExpectedItemCount int
	Timeout           time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPollCount:      models.PollMaxCount,
		Interval:          models.PollInterval,
		StableRounds:      models.PollStableRounds,
		ExpectedItemCount: models.ExpectedItemsSingle,
		Timeout:           models.PollTimeout,
	}
}

type Result struct {
	State      State
	Elapsed    time.Duration
	Polls      int
	LastStatus models.StatusCode
	ItemCount  int
	FailCode   string
}

// Observation is passed to OnPoll after every probe.
type Observation struct {
	Poll        int
	State       State
	Status      Status
	StableCount int
	Elapsed     time.Duration
}

type Poller[T any] struct {
	Config Config
	Probe  Probe[T]
	Logger zerolog.Logger
	OnPoll func(Observation)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New[T any](cfg Config, probe Probe[T], logger zerolog.Logger) *Poller[T] {
	return &Poller[T]{
		Config: cfg,
		Probe:  probe,
		Logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Run polls until the job succeeds, fails or exhausts its budget. The last
// probe payload is returned in every case where at least one probe succeeded.
// A probe error or context cancellation ends polling as TIMED_OUT with the
// error returned.
func (p *Poller[T]) Run(ctx context.Context) (Result, T, error) {
	cfg := p.Config
	start := p.now()

	var (
		last      T
		res       Result
		prevCount = -1
		streak    int
		unchanged int
	)

	finish := func(state State) Result {
		res.State = state
		res.Elapsed = p.now().Sub(start)
		return res
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(StateTimedOut), last, fmt.Errorf("poller: %w", err)
		}

		status, payload, err := p.Probe(ctx)
		res.Polls++
		if err != nil {
			p.Logger.Warn().Err(err).Int("poll", res.Polls).Msg("poller: probe failed")
			return finish(StateTimedOut), last, fmt.Errorf("poller: probe failed: %w", err)
		}
		last = payload
		res.LastStatus = status.Code
		res.ItemCount = status.ItemCount
		res.FailCode = status.FailCode

		if status.ItemCount == prevCount {
			unchanged++
		} else {
			unchanged = 1
		}
		if status.ItemCount >= cfg.ExpectedItemCount {
			if status.ItemCount == prevCount && streak > 0 {
				streak++
			} else {
				streak = 1
			}
		} else {
			streak = 0
		}
		prevCount = status.ItemCount

		state := p.evaluate(status, streak, unchanged, res.Polls, p.now().Sub(start))

		if p.OnPoll != nil {
			p.OnPoll(Observation{
				Poll:        res.Polls,
				State:       state,
				Status:      status,
				StableCount: streak,
				Elapsed:     p.now().Sub(start),
			})
		}
		p.Logger.Debug().
			Int("poll", res.Polls).
			Str("status", status.Code.String()).
			Int("items", status.ItemCount).
			Int("stable", streak).
			Str("state", string(state)).
			Msg("poller: observed")

		if state.Terminal() {
			return finish(state), last, nil
		}

		if err := p.sleep(ctx, cfg.Interval); err != nil {
			return finish(StateTimedOut), last, fmt.Errorf("poller: %w", err)
		}
	}
}

func (p *Poller[T]) evaluate(status Status, streak, unchanged, polls int, elapsed time.Duration) State {
	cfg := p.Config

	if status.Code.IsFailure() {
		return StateFailed
	}
	if streak >= cfg.StableRounds {
		return StateSucceeded
	}
	if status.Code.IsCompletion() && status.FinishTime > 0 && status.ItemCount > 0 && unchanged >= cfg.StableRounds {
		return StateSucceeded
	}
	if polls >= cfg.MaxPollCount || elapsed > cfg.Timeout {
		return StateTimedOut
	}
	if streak > 0 {
		return StateStableCandidate
	}
	return StateRunning
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
