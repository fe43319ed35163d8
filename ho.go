package ho

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

//////
// Exported functionalities.
//////

// DefaultConfig returns the default Gaussian Process sampler configuration.
func DefaultConfig() OptimizationConfig {
	return OptimizationConfig{
		InitialSamples:  10,
		NumCandidates:   50,
		AcquisitionFunc: UCB,
		AcqParams: AcquisitionParams{
			Beta: 2.0,
			Xi:   0.01,
		},
	}
}

// Optimize runs config.NTrials trials of objective, config.NJobs at a time.
//
// How it works:
// 1. Each worker asks the study for a new trial (see Study.Ask)
// 2. Runs the objective with it
// 3. Records the outcome:
//   - a value: COMPLETE (a NaN value is recorded as FAIL)
//   - ErrTrialPruned: PRUNED
//   - any other error: FAIL, and Optimize stops starting new trials
//
// 4. Runs the callbacks and sends a ProgressUpdate
//
// Returns:
// - error: the first objective error, wrapped with the trial number, or a
// storage error. Trials already running when it happens still finish.
//
// Important notes:
// - Trial outcomes are stored even when ctx is cancelled mid-trial
// - Concurrent trials share the storage; it must be safe for concurrent use
//
// Usage example:
//
//	study, err := CreateStudy(ctx, "search", NewInMemoryStorage(), WithDirection(DirectionMaximize))
//	err = study.Optimize(ctx, objective, OptimizeConfig{NTrials: 20, NJobs: 2})
//	best, err := study.BestParams(ctx)
func (s *Study) Optimize(ctx context.Context, objective ObjectiveFunc, config OptimizeConfig) error {
	if config.NTrials <= 0 {
		return errors.Errorf("NTrials must be positive, got %d", config.NTrials)
	}

	if config.NJobs < 1 {
		config.NJobs = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.NJobs)

	var (
		progressMu sync.Mutex
		finished   int
	)

	// sendProgress reports a finished trial, never blocking the worker.
	sendProgress := func(trial FrozenTrial, phase string) {
		if config.ProgressChan == nil {
			return
		}

		progressMu.Lock()
		finished++
		update := ProgressUpdate{
			Phase:          phase,
			TrialNumber:    trial.Number,
			FinishedTrials: finished,
			TotalTrials:    config.NTrials,
			State:          trial.State,
			LastValue:      math.NaN(),
			BestValue:      math.NaN(),
		}
		progressMu.Unlock()

		if trial.Value != nil {
			update.LastValue = *trial.Value
		}

		if best, err := s.BestTrial(ctx); err == nil {
			update.BestValue = *best.Value
			update.BestParams = best.Params
		}

		select {
		case config.ProgressChan <- update:
		default:
			// Skip update if channel is full.
		}
	}

	for i := 0; i < config.NTrials; i++ {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			// A worker slot may free up only after another trial failed.
			if gctx.Err() != nil {
				return nil
			}

			// gctx only stops scheduling; running trials keep the caller's ctx
			// so one failed trial does not cancel the others.
			trial, phase, err := s.runTrial(ctx, objective)
			if trial.ID != 0 {
				for _, callback := range config.Callbacks {
					callback(ctx, s, trial)
				}

				sendProgress(trial, phase)
			}

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return errors.Wrap(ctx.Err(), "optimize")
}

// runTrial evaluates one trial and stores its outcome. The returned trial has
// a zero ID when it could not be created.
func (s *Study) runTrial(ctx context.Context, objective ObjectiveFunc) (FrozenTrial, string, error) {
	trial, err := s.Ask(ctx)
	if err != nil {
		return FrozenTrial{}, "", err
	}

	phase := "InitialSampling"
	if trial.guided() {
		phase = "Optimization"
	}

	klog.V(1).Infof("study %q: trial %d started (%s)", s.name, trial.number, phase)

	value, objErr := objective(ctx, trial)

	state := TrialComplete

	switch {
	case errors.Is(objErr, ErrTrialPruned):
		state = TrialPruned
	case objErr != nil:
		state = TrialFail
	case math.IsNaN(value):
		klog.Warningf("study %q: trial %d returned NaN, recording it as failed", s.name, trial.number)

		state = TrialFail
	}

	var stored *float64
	if state == TrialComplete {
		stored = &value
	}

	// The outcome is recorded even if ctx was cancelled while the objective ran.
	frozen, err := s.Tell(context.WithoutCancel(ctx), trial, state, stored)
	if err != nil {
		return FrozenTrial{}, phase, err
	}

	switch state {
	case TrialComplete:
		klog.Infof("study %q: trial %d finished with value %g and parameters %v", s.name, frozen.Number, value, frozen.Params)
	case TrialPruned:
		klog.Infof("study %q: trial %d pruned at step %d", s.name, frozen.Number, frozen.LastStep())
	case TrialFail:
		if objErr != nil {
			klog.Errorf("study %q: trial %d failed with parameters %v: %+v", s.name, frozen.Number, frozen.Params, objErr)

			return frozen, phase, errors.Wrapf(objErr, "trial %d", frozen.Number)
		}
	}

	return frozen, phase, nil
}
