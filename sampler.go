package ho

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Sampler decides the parameters of new trials.
//
// SampleRelative is called once when a trial starts, with the study's
// completed trials; it may return a joint sample for a search space inferred
// from them. Parameters outside that space, or suggested with a different
// distribution, are drawn with SampleIndependent.
type Sampler interface {
	SampleRelative(direction StudyDirection, completed []FrozenTrial) (Params, map[string]Distribution)
	SampleIndependent(name string, dist Distribution) float64
}

//////
// Random sampler.
//////

// RandomSampler samples every parameter independently and uniformly (in the
// log domain for log distributions).
type RandomSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSampler returns a RandomSampler. A zero seed uses the clock.
func NewRandomSampler(seed int64) *RandomSampler {
	return &RandomSampler{rng: newRand(seed)}
}

// SampleRelative implements Sampler. It never samples jointly.
func (s *RandomSampler) SampleRelative(StudyDirection, []FrozenTrial) (Params, map[string]Distribution) {
	return nil, nil
}

// SampleIndependent implements Sampler.
func (s *RandomSampler) SampleIndependent(_ string, dist Distribution) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dist.Sample(s.rng)
}

//////
// Gaussian Process sampler.
//////

// GPSampler uses Bayesian optimization with a Gaussian Process to choose the
// parameters of each trial.
//
// How it works:
// 1. Until InitialSamples trials completed, parameters are random
// 2. Afterwards, for each new trial:
//   - Infers the search space shared by all completed trials
//   - Fits a Gaussian Process on their (unit hypercube, standardized loss) points
//   - Generates NumCandidates random candidate points
//   - Uses AcquisitionFunc to select the most promising one
//
// Thread safety:
// - Safe for concurrent trials; the random generator is guarded by a mutex
// - Each SampleRelative call fits its own Gaussian Process
type GPSampler struct {
	config OptimizationConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGPSampler returns a GPSampler. Zero fields of config take the values of
// DefaultConfig.
func NewGPSampler(config OptimizationConfig) *GPSampler {
	defaults := DefaultConfig()

	if config.InitialSamples <= 0 {
		config.InitialSamples = defaults.InitialSamples
	}

	if config.NumCandidates <= 0 {
		config.NumCandidates = defaults.NumCandidates
	}

	if config.AcquisitionFunc == nil {
		config.AcquisitionFunc = defaults.AcquisitionFunc
		config.AcqParams = defaults.AcqParams
	}

	s := &GPSampler{config: config, rng: newRand(config.Seed)}
	if s.config.AcqParams.RandomState == nil {
		s.config.AcqParams.RandomState = s.rng
	}

	return s
}

// SampleIndependent implements Sampler.
func (s *GPSampler) SampleIndependent(_ string, dist Distribution) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dist.Sample(s.rng)
}

// SampleRelative implements Sampler.
func (s *GPSampler) SampleRelative(direction StudyDirection, completed []FrozenTrial) (Params, map[string]Distribution) {
	if len(completed) < s.config.InitialSamples {
		return nil, nil
	}

	space := intersectionSearchSpace(completed)
	if len(space) == 0 {
		return nil, nil
	}

	names := sortedNames(space)

	gp := newGaussianProcess()
	if s.config.KernelWidth > 0 {
		gp.SetSigma(s.config.KernelWidth)
	}

	losses := make([]float64, 0, len(completed))
	points := make([][]float64, 0, len(completed))

	for _, trial := range completed {
		if trial.Value == nil || math.IsNaN(*trial.Value) {
			continue
		}

		point := make([]float64, len(names))
		for i, name := range names {
			point[i] = space[name].ToUnit(trial.Params[name])
		}

		points = append(points, point)
		losses = append(losses, toLoss(direction, *trial.Value))
	}

	if len(points) == 0 {
		return nil, nil
	}

	losses = standardize(losses)
	bestSoFar := math.MaxFloat64

	for i := range points {
		gp.Update(points[i], losses[i])

		if losses[i] < bestSoFar {
			bestSoFar = losses[i]
		}
	}

	// Scoring runs with the generator locked since ThompsonSampling draws
	// from it through AcqParams.RandomState.
	s.mu.Lock()
	defer s.mu.Unlock()

	acqParams := s.config.AcqParams
	acqParams.BestSoFar = bestSoFar

	var nextPoint []float64
	bestAcquisition := math.MaxFloat64

	for j := 0; j < s.config.NumCandidates; j++ {
		candidate := make([]float64, len(names))
		for i, name := range names {
			// Snap to valid values first, so integer dimensions are scored
			// where they will actually be evaluated.
			candidate[i] = space[name].ToUnit(space[name].FromUnit(s.rng.Float64()))
		}

		mean, variance := gp.Predict(candidate)

		acquisition := s.config.AcquisitionFunc(mean, variance, acqParams)
		if acquisition < bestAcquisition || nextPoint == nil {
			bestAcquisition = acquisition
			nextPoint = candidate
		}
	}

	params := make(Params, len(names))
	for i, name := range names {
		params[name] = space[name].FromUnit(nextPoint[i])
	}

	return params, space
}

// intersectionSearchSpace returns the parameters sampled, with the same
// distribution, by every given trial.
func intersectionSearchSpace(trials []FrozenTrial) map[string]Distribution {
	var space map[string]Distribution

	for _, trial := range trials {
		if space == nil {
			space = make(map[string]Distribution, len(trial.Distributions))
			for name, dist := range trial.Distributions {
				space[name] = dist
			}

			continue
		}

		for name, dist := range space {
			if other, ok := trial.Distributions[name]; !ok || other != dist {
				delete(space, name)
			}
		}
	}

	return space
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return rand.New(rand.NewSource(seed))
}
