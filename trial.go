package ho

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Trial is the handle an objective uses to sample parameters and report
// intermediate values. It is created by Study.Ask and owned by a single
// objective call.
type Trial struct {
	study  *Study
	id     int64
	number int

	// relative holds the joint sample drawn when the trial started.
	relative      Params
	relativeSpace map[string]Distribution

	mu            sync.Mutex
	params        Params
	distributions map[string]Distribution
}

// Number returns the zero-based position of the trial inside its study.
func (t *Trial) Number() int { return t.number }

// ID returns the storage identifier of the trial.
func (t *Trial) ID() int64 { return t.id }

// Params returns a copy of the parameters suggested so far.
func (t *Trial) Params() Params {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.params.Clone()
}

// guided reports whether the sampler drew a joint sample for this trial.
func (t *Trial) guided() bool { return len(t.relative) > 0 }

// Suggest samples the named parameter from r and records it.
//
// Integer ranges give integers, float ranges floats (log-uniform when r.Log).
// Suggesting the same name twice returns the first value, as long as the
// range is the same.
//
// Usage example:
//
//	hidden, err := Suggest(ctx, trial, "num_hidden", ParameterRange[int]{Min: 8, Max: 64})
//	lr, err := Suggest(ctx, trial, "learning_rate", ParameterRange[float64]{Min: 1e-5, Max: 1e-1, Log: true})
func Suggest[T constraints.Integer | constraints.Float](ctx context.Context, t *Trial, name string, r ParameterRange[T]) (T, error) {
	var dist Distribution

	switch any(r.Min).(type) {
	case float32, float64:
		dist = FloatDistribution{Low: float64(r.Min), High: float64(r.Max), Log: r.Log}
	default:
		dist = IntDistribution{Low: int64(r.Min), High: int64(r.Max)}
	}

	v, err := t.suggest(ctx, name, dist)
	if err != nil {
		return 0, err
	}

	return T(v), nil
}

// SuggestFloat samples a float parameter in [low, high].
func (t *Trial) SuggestFloat(ctx context.Context, name string, low, high float64, log bool) (float64, error) {
	return Suggest(ctx, t, name, ParameterRange[float64]{Min: low, Max: high, Log: log})
}

// SuggestInt samples an integer parameter in [low, high].
func (t *Trial) SuggestInt(ctx context.Context, name string, low, high int) (int, error) {
	return Suggest(ctx, t, name, ParameterRange[int]{Min: low, Max: high})
}

func (t *Trial) suggest(ctx context.Context, name string, dist Distribution) (float64, error) {
	if err := validateDistribution(dist); err != nil {
		return 0, errors.Wrapf(err, "parameter %q", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.distributions[name]; ok {
		if prev != dist {
			return 0, errors.Wrapf(ErrIncompatibleDistribution, "parameter %q: %+v then %+v", name, prev, dist)
		}

		return t.params[name], nil
	}

	value, ok := t.relative[name]
	if !ok || t.relativeSpace[name] != dist || !dist.Contains(value) {
		value = t.study.sampler.SampleIndependent(name, dist)
	}

	if err := t.study.storage.SetTrialParam(ctx, t.id, name, value, dist); err != nil {
		return 0, errors.Wrapf(err, "store parameter %q of trial %d", name, t.number)
	}

	t.params[name] = value
	t.distributions[name] = dist

	return value, nil
}

// Report records the objective's intermediate value at step (for training,
// the number of epochs done so far).
func (t *Trial) Report(ctx context.Context, step int, value float64) error {
	if step < 0 {
		return errors.Errorf("step must be non-negative, got %d", step)
	}

	return errors.Wrapf(t.study.storage.SetTrialIntermediateValue(ctx, t.id, step, value),
		"report step %d of trial %d", step, t.number)
}

// ShouldPrune asks the study's pruner whether the trial should stop, given
// what it reported so far. An objective that gets true should return
// ErrTrialPruned.
func (t *Trial) ShouldPrune(ctx context.Context) (bool, error) {
	trial, err := t.study.storage.GetTrial(ctx, t.id)
	if err != nil {
		return false, errors.Wrapf(err, "read trial %d", t.number)
	}

	trials, err := t.study.storage.GetAllTrials(ctx, t.study.id)
	if err != nil {
		return false, errors.Wrapf(err, "read trials of study %q", t.study.name)
	}

	return t.study.pruner.Prune(t.study.direction, trials, trial), nil
}
