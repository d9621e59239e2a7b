// Package jobs runs named background work on a schedule under a suture supervisor.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Outcome classifies a job run.
type Outcome int

const (
	Success Outcome = iota
	Retry
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is returned by a job run. RetryAfter replaces the next periodic delay
// when Outcome is Retry.
type Result struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Err        error
}

// Succeeded is a convenience for a successful run.
func Succeeded() Result {
	return Result{Outcome: Success}
}

// Failed wraps err as a failed run.
func Failed(err error) Result {
	return Result{Outcome: Failure, Err: err}
}

// RunFunc is the work performed by a job.
type RunFunc func(ctx context.Context) Result

var (
	errMissingName     = errors.New("jobs: name required")
	errMissingRun      = errors.New("jobs: run function required")
	errInvalidInterval = errors.New("jobs: interval must be positive and larger than flex")
)

// Config describes a periodic job.
type Config struct {
	Name     string
	Interval time.Duration
	// Flex spreads each run uniformly within Interval ± Flex.
	Flex time.Duration
	// RunOnStart runs the job as soon as it is served instead of after the first interval.
	RunOnStart bool
	Run        RunFunc
	// Group coalesces concurrent runs of jobs sharing a name. A private group is used when nil.
	Group  *singleflight.Group
	Logger *zap.Logger
}

// PeriodicJob is a suture.Service that runs its work on a jittered schedule and
// on demand. At most one run per job name executes at a time; overlapping
// requests share the in-flight run.
type PeriodicJob struct {
	name       string
	interval   time.Duration
	flex       time.Duration
	runOnStart bool
	run        RunFunc
	group      *singleflight.Group
	logger     *zap.Logger
	triggers   chan struct{}
}

// NewPeriodicJob validates the configuration and constructs a job.
func NewPeriodicJob(cfg Config) (*PeriodicJob, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errMissingName
	}
	if cfg.Run == nil {
		return nil, errMissingRun
	}
	if cfg.Interval <= 0 || cfg.Flex < 0 || cfg.Flex >= cfg.Interval {
		return nil, errInvalidInterval
	}
	group := cfg.Group
	if group == nil {
		group = &singleflight.Group{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeriodicJob{
		name:       name,
		interval:   cfg.Interval,
		flex:       cfg.Flex,
		runOnStart: cfg.RunOnStart,
		run:        cfg.Run,
		group:      group,
		logger:     logger.With(zap.String("job", name)),
		triggers:   make(chan struct{}, 1),
	}, nil
}

// String names the job for supervisor events.
func (j *PeriodicJob) String() string {
	return j.name
}

// Name returns the job name.
func (j *PeriodicJob) Name() string {
	return j.name
}

// Trigger requests an immediate run. Triggers arriving while one is pending coalesce.
func (j *PeriodicJob) Trigger() {
	select {
	case j.triggers <- struct{}{}:
	default:
	}
}

// Serve implements suture.Service.
func (j *PeriodicJob) Serve(ctx context.Context) error {
	delay := j.nextDelay()
	if j.runOnStart {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.triggers:
		case <-timer.C:
		}

		result := j.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		next := j.nextDelay()
		if result.Outcome == Retry && result.RetryAfter > 0 {
			next = result.RetryAfter
		}
		timer.Reset(next)
	}
}

// RunOnce executes the job now, or joins the run already in flight. The work runs
// detached from ctx cancellation so a stopped job lets an in-flight run finish.
func (j *PeriodicJob) RunOnce(ctx context.Context) Result {
	detached := context.WithoutCancel(ctx)
	value, _, shared := j.group.Do(j.name, func() (interface{}, error) {
		return j.execute(detached), nil
	})
	result, _ := value.(Result)
	if shared {
		j.logger.Debug("job run coalesced")
	}
	return result
}

func (j *PeriodicJob) execute(ctx context.Context) (result Result) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Failed(fmt.Errorf("jobs: %s panicked: %v", j.name, recovered))
		}
		metrics.RecordJobRun(j.name, result.Outcome.String())
		fields := []zap.Field{
			zap.String("outcome", result.Outcome.String()),
			zap.Duration("elapsed", time.Since(started)),
		}
		switch result.Outcome {
		case Success:
			j.logger.Debug("job run finished", fields...)
		case Retry:
			j.logger.Info("job run will retry", append(fields, zap.Duration("retry_after", result.RetryAfter), zap.Error(result.Err))...)
		default:
			j.logger.Warn("job run failed", append(fields, zap.Error(result.Err))...)
		}
	}()
	return j.run(ctx)
}

func (j *PeriodicJob) nextDelay() time.Duration {
	if j.flex <= 0 {
		return j.interval
	}
	offset := time.Duration(rand.Int64N(int64(2*j.flex)+1)) - j.flex
	return j.interval + offset
}
