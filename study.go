package ho

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

// Study is a named hyperparameter search backed by a Storage.
//
// The sampler and pruner are runtime settings: they are not persisted, so a
// study reloaded by another process uses whatever that process configures.
type Study struct {
	name      string
	id        int64
	direction StudyDirection
	storage   Storage
	sampler   Sampler
	pruner    Pruner
}

type studyOptions struct {
	direction StudyDirection
	sampler   Sampler
	pruner    Pruner
}

// StudyOption configures CreateStudy and LookupStudy.
type StudyOption func(*studyOptions)

// WithDirection sets the direction of a study created by CreateStudy.
// Ignored when the study already exists. Defaults to DirectionMinimize.
func WithDirection(direction StudyDirection) StudyOption {
	return func(o *studyOptions) { o.direction = direction }
}

// WithSampler sets the sampler. Defaults to a GPSampler with DefaultConfig.
func WithSampler(sampler Sampler) StudyOption {
	return func(o *studyOptions) { o.sampler = sampler }
}

// WithPruner sets the pruner. Defaults to NopPruner.
func WithPruner(pruner Pruner) StudyOption {
	return func(o *studyOptions) { o.pruner = pruner }
}

func buildOptions(opts []StudyOption) studyOptions {
	o := studyOptions{direction: DirectionMinimize}
	for _, opt := range opts {
		opt(&o)
	}

	if o.sampler == nil {
		o.sampler = NewGPSampler(DefaultConfig())
	}

	if o.pruner == nil {
		o.pruner = NopPruner{}
	}

	return o
}

// CreateStudy creates the named study if it does not exist yet. Creation is
// atomic at the storage level, so concurrent callers all end up with the same
// study; if it already existed its stored direction wins.
func CreateStudy(ctx context.Context, name string, storage Storage, opts ...StudyOption) (*Study, error) {
	o := buildOptions(opts)

	id, err := storage.CreateStudy(ctx, name, o.direction)
	if err != nil {
		return nil, errors.Wrapf(err, "create study %q", name)
	}

	return openStudy(ctx, name, id, storage, o)
}

// LookupStudy loads the named study. found is false, with a nil error, when
// no study has that name: callers decide what a missing study means.
func LookupStudy(ctx context.Context, name string, storage Storage, opts ...StudyOption) (study *Study, found bool, err error) {
	id, err := storage.GetStudyIDByName(ctx, name)
	if errors.Is(err, ErrStudyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "look up study %q", name)
	}

	study, err = openStudy(ctx, name, id, storage, buildOptions(opts))
	if err != nil {
		return nil, false, err
	}

	return study, true, nil
}

func openStudy(ctx context.Context, name string, id int64, storage Storage, o studyOptions) (*Study, error) {
	direction, err := storage.GetStudyDirection(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "read direction of study %q", name)
	}

	return &Study{
		name:      name,
		id:        id,
		direction: direction,
		storage:   storage,
		sampler:   o.sampler,
		pruner:    o.pruner,
	}, nil
}

// Name returns the study name.
func (s *Study) Name() string { return s.name }

// Direction returns the optimization direction stored with the study.
func (s *Study) Direction() StudyDirection { return s.direction }

// Pruner returns the pruner the study was opened with.
func (s *Study) Pruner() Pruner { return s.pruner }

// Trials returns the study's trials, optionally filtered by state.
func (s *Study) Trials(ctx context.Context, states ...TrialState) ([]FrozenTrial, error) {
	trials, err := s.storage.GetAllTrials(ctx, s.id, states...)

	return trials, errors.Wrapf(err, "read trials of study %q", s.name)
}

// BestTrial returns the completed trial with the best value.
func (s *Study) BestTrial(ctx context.Context) (FrozenTrial, error) {
	trials, err := s.Trials(ctx, TrialComplete)
	if err != nil {
		return FrozenTrial{}, err
	}

	best := -1

	for i, trial := range trials {
		if trial.Value == nil || math.IsNaN(*trial.Value) {
			continue
		}

		if best < 0 || s.direction.Better(*trial.Value, *trials[best].Value) {
			best = i
		}
	}

	if best < 0 {
		return FrozenTrial{}, errors.Wrapf(ErrNoCompletedTrials, "study %q", s.name)
	}

	return trials[best], nil
}

// BestParams returns the parameters of BestTrial.
func (s *Study) BestParams(ctx context.Context) (Params, error) {
	best, err := s.BestTrial(ctx)
	if err != nil {
		return nil, err
	}

	return best.Params, nil
}

// BestValue returns the value of BestTrial.
func (s *Study) BestValue(ctx context.Context) (float64, error) {
	best, err := s.BestTrial(ctx)
	if err != nil {
		return 0, err
	}

	return *best.Value, nil
}

// Ask starts a new trial. Its relative sample is drawn here, from the trials
// completed so far.
func (s *Study) Ask(ctx context.Context) (*Trial, error) {
	frozen, err := s.storage.CreateTrial(ctx, s.id)
	if err != nil {
		return nil, errors.Wrapf(err, "create trial in study %q", s.name)
	}

	completed, err := s.Trials(ctx, TrialComplete)
	if err != nil {
		return nil, err
	}

	relative, space := s.sampler.SampleRelative(s.direction, completed)

	return &Trial{
		study:         s,
		id:            frozen.ID,
		number:        frozen.Number,
		relative:      relative,
		relativeSpace: space,
		params:        Params{},
		distributions: map[string]Distribution{},
	}, nil
}

// Tell finishes a trial started with Ask. value is ignored for FAIL, and for
// PRUNED it defaults to the last intermediate value.
func (s *Study) Tell(ctx context.Context, trial *Trial, state TrialState, value *float64) (FrozenTrial, error) {
	if !state.IsFinished() {
		return FrozenTrial{}, errors.Errorf("cannot tell trial %d with state %s", trial.number, state)
	}

	if state == TrialFail {
		value = nil
	}

	if state == TrialComplete && value == nil {
		return FrozenTrial{}, errors.Errorf("trial %d is complete but has no value", trial.number)
	}

	if state == TrialPruned && value == nil {
		frozen, err := s.storage.GetTrial(ctx, trial.id)
		if err != nil {
			return FrozenTrial{}, errors.Wrapf(err, "read trial %d", trial.number)
		}

		if step := frozen.LastStep(); step >= 0 {
			v := frozen.IntermediateValues[step]
			value = &v
		}
	}

	if err := s.storage.FinishTrial(ctx, trial.id, state, value); err != nil {
		return FrozenTrial{}, errors.Wrapf(err, "finish trial %d", trial.number)
	}

	frozen, err := s.storage.GetTrial(ctx, trial.id)

	return frozen, errors.Wrapf(err, "read trial %d", trial.number)
}
