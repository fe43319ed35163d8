package ho

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Storage persists studies and their trials. Implementations must be safe
// for concurrent use by the workers of Study.Optimize.
type Storage interface {
	// CreateStudy creates the study if no study has that name, and returns
	// the ID of the study with that name either way. It must be atomic.
	CreateStudy(ctx context.Context, name string, direction StudyDirection) (int64, error)

	// GetStudyIDByName returns ErrStudyNotFound when no study has that name.
	GetStudyIDByName(ctx context.Context, name string) (int64, error)

	GetStudyDirection(ctx context.Context, studyID int64) (StudyDirection, error)

	// CreateTrial starts a RUNNING trial and returns it with its number set.
	CreateTrial(ctx context.Context, studyID int64) (FrozenTrial, error)

	SetTrialParam(ctx context.Context, trialID int64, name string, value float64, dist Distribution) error
	SetTrialIntermediateValue(ctx context.Context, trialID int64, step int, value float64) error

	// FinishTrial moves a RUNNING trial to a terminal state.
	FinishTrial(ctx context.Context, trialID int64, state TrialState, value *float64) error

	GetTrial(ctx context.Context, trialID int64) (FrozenTrial, error)

	// GetAllTrials returns the study's trials ordered by number, filtered by
	// state when states are given.
	GetAllTrials(ctx context.Context, studyID int64, states ...TrialState) ([]FrozenTrial, error)
}

// InMemoryStorage is a Storage kept in process memory. It is lost when the
// process exits; use it for tests and throwaway searches.
type InMemoryStorage struct {
	mu sync.RWMutex

	studies     map[int64]StudyDirection
	studyByName map[string]int64
	trials      map[int64]*FrozenTrial
	trialsOf    map[int64][]int64
	nextID      int64
}

// NewInMemoryStorage returns an empty InMemoryStorage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		studies:     map[int64]StudyDirection{},
		studyByName: map[string]int64{},
		trials:      map[int64]*FrozenTrial{},
		trialsOf:    map[int64][]int64{},
	}
}

// CreateStudy implements Storage.
func (s *InMemoryStorage) CreateStudy(_ context.Context, name string, direction StudyDirection) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.studyByName[name]; ok {
		return id, nil
	}

	s.nextID++
	s.studies[s.nextID] = direction
	s.studyByName[name] = s.nextID

	return s.nextID, nil
}

// GetStudyIDByName implements Storage.
func (s *InMemoryStorage) GetStudyIDByName(_ context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.studyByName[name]
	if !ok {
		return 0, errors.Wrapf(ErrStudyNotFound, "study %q", name)
	}

	return id, nil
}

// GetStudyDirection implements Storage.
func (s *InMemoryStorage) GetStudyDirection(_ context.Context, studyID int64) (StudyDirection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	direction, ok := s.studies[studyID]
	if !ok {
		return "", errors.Wrapf(ErrStudyNotFound, "study id %d", studyID)
	}

	return direction, nil
}

// CreateTrial implements Storage.
func (s *InMemoryStorage) CreateTrial(_ context.Context, studyID int64) (FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.studies[studyID]; !ok {
		return FrozenTrial{}, errors.Wrapf(ErrStudyNotFound, "study id %d", studyID)
	}

	s.nextID++
	trial := &FrozenTrial{
		ID:                 s.nextID,
		Number:             len(s.trialsOf[studyID]),
		State:              TrialRunning,
		Params:             Params{},
		Distributions:      map[string]Distribution{},
		IntermediateValues: map[int]float64{},
		DatetimeStart:      time.Now(),
	}
	s.trials[trial.ID] = trial
	s.trialsOf[studyID] = append(s.trialsOf[studyID], trial.ID)

	return copyTrial(trial), nil
}

// runningTrial must be called with s.mu held.
func (s *InMemoryStorage) runningTrial(trialID int64) (*FrozenTrial, error) {
	trial, ok := s.trials[trialID]
	if !ok {
		return nil, errors.Wrapf(ErrTrialNotFound, "trial id %d", trialID)
	}

	if trial.State.IsFinished() {
		return nil, errors.Errorf("trial %d is already %s", trial.Number, trial.State)
	}

	return trial, nil
}

// SetTrialParam implements Storage.
func (s *InMemoryStorage) SetTrialParam(_ context.Context, trialID int64, name string, value float64, dist Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trial, err := s.runningTrial(trialID)
	if err != nil {
		return err
	}

	trial.Params[name] = value
	trial.Distributions[name] = dist

	return nil
}

// SetTrialIntermediateValue implements Storage.
func (s *InMemoryStorage) SetTrialIntermediateValue(_ context.Context, trialID int64, step int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trial, err := s.runningTrial(trialID)
	if err != nil {
		return err
	}

	trial.IntermediateValues[step] = value

	return nil
}

// FinishTrial implements Storage.
func (s *InMemoryStorage) FinishTrial(_ context.Context, trialID int64, state TrialState, value *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trial, err := s.runningTrial(trialID)
	if err != nil {
		return err
	}

	now := time.Now()
	trial.State = state
	trial.DatetimeComplete = &now

	if value != nil {
		v := *value
		trial.Value = &v
	}

	return nil
}

// GetTrial implements Storage.
func (s *InMemoryStorage) GetTrial(_ context.Context, trialID int64) (FrozenTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trial, ok := s.trials[trialID]
	if !ok {
		return FrozenTrial{}, errors.Wrapf(ErrTrialNotFound, "trial id %d", trialID)
	}

	return copyTrial(trial), nil
}

// GetAllTrials implements Storage.
func (s *InMemoryStorage) GetAllTrials(_ context.Context, studyID int64, states ...TrialState) ([]FrozenTrial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.studies[studyID]; !ok {
		return nil, errors.Wrapf(ErrStudyNotFound, "study id %d", studyID)
	}

	out := make([]FrozenTrial, 0, len(s.trialsOf[studyID]))
	for _, id := range s.trialsOf[studyID] {
		trial := s.trials[id]
		if matchesState(trial.State, states) {
			out = append(out, copyTrial(trial))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })

	return out, nil
}

// matchesState reports whether state is one of states; an empty filter
// matches everything.
func matchesState(state TrialState, states []TrialState) bool {
	if len(states) == 0 {
		return true
	}

	for _, s := range states {
		if s == state {
			return true
		}
	}

	return false
}

func copyTrial(t *FrozenTrial) FrozenTrial {
	out := *t
	out.Params = t.Params.Clone()

	out.Distributions = make(map[string]Distribution, len(t.Distributions))
	for k, v := range t.Distributions {
		out.Distributions[k] = v
	}

	out.IntermediateValues = make(map[int]float64, len(t.IntermediateValues))
	for k, v := range t.IntermediateValues {
		out.IntermediateValues[k] = v
	}

	if t.Value != nil {
		v := *t.Value
		out.Value = &v
	}

	return out
}
