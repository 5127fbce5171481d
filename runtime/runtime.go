package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalgp/catalog"
	"github.com/petal-labs/petalgp/core"
	"github.com/petal-labs/petalgp/gen"
	"github.com/petal-labs/petalgp/interp"
)

// Runtime errors
var (
	ErrRunCanceled  = errors.New("run was canceled")
	ErrTrialFailed  = errors.New("trial failed")
	ErrInvalidRange = errors.New("invalid depth range")
)

// RunOptions controls a batch of trials.
type RunOptions struct {
	// Trials is the number of generate+evaluate cycles (default: 1).
	Trials int

	// MinDepth and MaxDepth bound the max depth passed to the generator;
	// each trial draws one uniformly from [MinDepth, MaxDepth].
	MinDepth int
	MaxDepth int

	// Seed makes the run reproducible. Zero seeds from the clock.
	Seed uint64

	// RunID names the run. Empty generates a UUID.
	RunID string

	// Catalog is the instruction set (default: catalog.Default()).
	Catalog *catalog.Catalog

	// StopOnError ends the run at the first failed trial.
	StopOnError bool

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	EventBus EventPublisher

	// Logger receives run-level log records (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultRunOptions returns the options used by the smoke run: 10,000
// trials at depth 3 to 4 over the default catalog.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Trials:   10000,
		MinDepth: 3,
		MaxDepth: 4,
	}
}

// RunSummary describes a completed batch.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	Seed       uint64        `json:"seed"`
	Trials     int           `json:"trials"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Nodes      int           `json:"nodes"`
	MinResult  float64       `json:"min_result"`
	MaxResult  float64       `json:"max_result"`
	MeanResult float64       `json:"mean_result"`
	NonFinite  int           `json:"non_finite,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Status     string        `json:"status"`
	LastError  string        `json:"last_error,omitempty"`
}

// Runner executes batches of trials. A Runner holds no state between runs
// and may be reused.
type Runner struct{}

// NewRunner creates a new runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run performs opts.Trials generate+evaluate+force cycles. A generation
// error (an unusable catalog) is fatal to the run and returned. Panics while
// forcing are recorded as failed trials; with StopOnError the first one ends
// the run with ErrTrialFailed. Cancellation is checked between trials.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	if opts.Trials <= 0 {
		opts.Trials = 1
	}
	if opts.MinDepth < 0 || opts.MaxDepth < opts.MinDepth {
		return nil, fmt.Errorf("runtime: %w: [%d, %d]", ErrInvalidRange, opts.MinDepth, opts.MaxDepth)
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Seed == 0 {
		opts.Seed = uint64(opts.Now().UnixNano()) // #nosec G115 -- any bit pattern is a valid seed
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5851f42d4c957f2d))
	g := gen.New(opts.Catalog, gen.WithRand(rng))

	var seq seqGen
	emit := func(e Event) {
		e.Seq = seq.next()
		if opts.EventBus != nil {
			opts.EventBus.Publish(e)
		}
		if opts.EventHandler != nil {
			opts.EventHandler(e)
		}
	}
	if opts.EventEmitterDecorator != nil {
		emit = opts.EventEmitterDecorator(emit)
	}

	runStart := opts.Now()
	emit(NewEvent(EventRunStarted, runID).
		WithTime(runStart).
		WithPayload("trials", opts.Trials).
		WithPayload("min_depth", opts.MinDepth).
		WithPayload("max_depth", opts.MaxDepth).
		WithPayload("seed", opts.Seed))

	opts.Logger.Debug("run started",
		"run_id", runID,
		"trials", opts.Trials,
		"min_depth", opts.MinDepth,
		"max_depth", opts.MaxDepth,
		"seed", opts.Seed,
	)

	sum := &RunSummary{
		RunID:     runID,
		Seed:      opts.Seed,
		MinResult: math.Inf(1),
		MaxResult: math.Inf(-1),
	}
	var total float64
	var numeric int

	finish := func(status string, runErr error) (*RunSummary, error) {
		sum.Elapsed = opts.Now().Sub(runStart)
		sum.Status = status
		if numeric > 0 {
			sum.MeanResult = total / float64(numeric)
		} else {
			sum.MinResult, sum.MaxResult = 0, 0
		}
		emit(NewEvent(EventRunFinished, runID).
			WithTime(opts.Now()).
			WithElapsed(sum.Elapsed).
			WithPayload("status", status).
			WithPayload("completed", sum.Completed).
			WithPayload("failed", sum.Failed).
			WithPayload("nodes", sum.Nodes).
			WithPayload("non_finite", sum.NonFinite))
		opts.Logger.Info("run finished",
			"run_id", runID,
			"status", status,
			"completed", sum.Completed,
			"failed", sum.Failed,
			"elapsed", sum.Elapsed,
		)
		return sum, runErr
	}

	for i := 1; i <= opts.Trials; i++ {
		select {
		case <-ctx.Done():
			return finish("canceled", fmt.Errorf("%w: %w", ErrRunCanceled, ctx.Err()))
		default:
		}

		depth := opts.MinDepth + rng.IntN(opts.MaxDepth-opts.MinDepth+1)
		trialStart := opts.Now()

		tree, err := g.Generate(depth)
		if err != nil {
			sum.LastError = err.Error()
			return finish("failed", fmt.Errorf("runtime: trial %d: %w", i, err))
		}
		d, err := interp.Evaluate(tree)
		if err != nil {
			sum.LastError = err.Error()
			return finish("failed", fmt.Errorf("runtime: trial %d: %w", i, err))
		}
		v, err := core.Force(d)

		sum.Trials++
		sum.Nodes += tree.Size()
		trialEnd := opts.Now()
		ev := NewEvent(EventTrialFinished, runID).
			WithTrial(i).
			WithTime(trialEnd).
			WithElapsed(trialEnd.Sub(trialStart)).
			WithPayload("max_depth", depth).
			WithPayload("depth", tree.Depth()).
			WithPayload("size", tree.Size())

		if err != nil {
			sum.Failed++
			sum.LastError = err.Error()
			ev.Kind = EventTrialFailed
			emit(ev.WithPayload("error", err.Error()))
			opts.Logger.Warn("trial failed", "run_id", runID, "trial", i, "error", err)
			if opts.StopOnError {
				return finish("failed", fmt.Errorf("runtime: trial %d: %w: %w", i, ErrTrialFailed, err))
			}
			continue
		}

		sum.Completed++
		f, ok := core.AsFloat(v)
		switch {
		case ok && (math.IsNaN(f) || math.IsInf(f, 0)):
			// Kept out of the result statistics; JSON cannot carry them.
			sum.NonFinite++
			ev = ev.WithPayload("result", strconv.FormatFloat(f, 'g', -1, 64))
		case ok:
			numeric++
			total += f
			sum.MinResult = math.Min(sum.MinResult, f)
			sum.MaxResult = math.Max(sum.MaxResult, f)
			ev = ev.WithPayload("result", f)
		default:
			ev = ev.WithPayload("result", fmt.Sprint(v))
		}
		emit(ev)
	}

	return finish("completed", nil)
}
