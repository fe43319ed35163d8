package ho

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

//////
// Errors.
//////

var (
	// ErrStudyNotFound is returned by storages when no study has the requested
	// name. LookupStudy turns it into its `found` result.
	ErrStudyNotFound = errors.New("study not found")

	// ErrTrialNotFound is returned by storages for unknown trial IDs.
	ErrTrialNotFound = errors.New("trial not found")

	// ErrNoCompletedTrials is returned by BestTrial, BestParams and BestValue
	// when the study has no trial in the COMPLETE state.
	ErrNoCompletedTrials = errors.New("no completed trials")

	// ErrTrialPruned must be returned (possibly wrapped) by an objective that
	// stops early because Trial.ShouldPrune reported true. The trial is then
	// recorded as PRUNED instead of FAIL.
	ErrTrialPruned = errors.New("trial pruned")

	// ErrIncompatibleDistribution is returned when a parameter is suggested
	// twice in the same trial with different distributions.
	ErrIncompatibleDistribution = errors.New("incompatible distribution")
)

//////
// Const, vars, types.
//////

// StudyDirection tells whether the objective is minimized or maximized.
type StudyDirection string

const (
	// DirectionMinimize means lower objective values are better.
	DirectionMinimize StudyDirection = "minimize"

	// DirectionMaximize means higher objective values are better.
	DirectionMaximize StudyDirection = "maximize"
)

// Better reports whether a is a better objective value than b.
func (d StudyDirection) Better(a, b float64) bool {
	if d == DirectionMaximize {
		return a > b
	}

	return a < b
}

// TrialState is the lifecycle state of a trial.
type TrialState string

const (
	TrialRunning  TrialState = "RUNNING"
	TrialComplete TrialState = "COMPLETE"
	TrialPruned   TrialState = "PRUNED"
	TrialFail     TrialState = "FAIL"
)

// IsFinished reports whether the state is terminal.
func (s TrialState) IsFinished() bool {
	return s != TrialRunning
}

// Params maps a parameter name to its sampled value. Integer parameters are
// stored as whole floats; use Int to read them back.
type Params map[string]float64

// Float returns the named parameter, or 0 and false if it was not sampled.
func (p Params) Float(name string) (float64, bool) {
	v, ok := p[name]

	return v, ok
}

// Int returns the named parameter rounded to the nearest integer.
func (p Params) Int(name string) (int, bool) {
	v, ok := p[name]

	return int(math.Round(v)), ok
}

// Clone returns a copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}

	return out
}

// FrozenTrial is a read-only snapshot of a trial as persisted by a Storage.
type FrozenTrial struct {
	// ID is the storage identifier of the trial.
	ID int64

	// Number is the zero-based position of the trial inside its study.
	Number int

	// State of the trial.
	State TrialState

	// Value is the objective value. Nil for running or failed trials.
	Value *float64

	// Params holds the sampled parameters.
	Params Params

	// Distributions holds the distribution each parameter was sampled from.
	Distributions map[string]Distribution

	// IntermediateValues holds values reported with Trial.Report, by step.
	IntermediateValues map[int]float64

	DatetimeStart    time.Time
	DatetimeComplete *time.Time
}

// LastStep returns the highest step with an intermediate value, or -1.
func (ft FrozenTrial) LastStep() int {
	last := -1
	for step := range ft.IntermediateValues {
		if step > last {
			last = step
		}
	}

	return last
}

// ProgressUpdate represents the current state of the optimization process.
type ProgressUpdate struct {
	// Phase indicates whether the trial was sampled at random while the
	// model warms up ("InitialSampling") or guided by it ("Optimization").
	Phase string

	// TrialNumber is the number of the trial that just finished.
	TrialNumber int

	// FinishedTrials is how many trials this Optimize call has finished.
	FinishedTrials int

	// TotalTrials is the trial budget of this Optimize call.
	TotalTrials int

	// State is the final state of the trial that just finished.
	State TrialState

	// LastValue is the objective value of that trial (NaN if it has none).
	LastValue float64

	// BestValue and BestParams describe the best completed trial so far.
	BestValue  float64
	BestParams Params
}

// ParameterRange defines the valid range for a hyperparameter in the optimization process.
// Each hyperparameter must have a minimum and maximum value to define its search space.
//
// Type Parameter:
//   - T: The numeric type for this parameter range. Integer types are sampled
//     as integers, float types as floats.
//
// Fields:
// - Min: The minimum (inclusive) value for this hyperparameter
// - Max: The maximum (inclusive) value for this hyperparameter
// - Log: Sample in the log domain (floats only, Min must be positive)
//
// Usage:
//
//	// Hidden units from 8 to 64
//	hiddenRange := ParameterRange[int]{
//	    Min: 8,
//	    Max: 64,
//	}
//
//	// Learning rate range from 0.00001 to 0.1, log-uniform
//	learningRateRange := ParameterRange[float64]{
//	    Min: 0.00001,
//	    Max: 0.1,
//	    Log: true,
//	}
//
// Validation:
// - Min must be less than or equal to Max
// - The range is inclusive of both Min and Max values
type ParameterRange[T constraints.Integer | constraints.Float] struct {
	// Min defines the minimum allowed value (inclusive) for this hyperparameter.
	Min T

	// Max defines the maximum allowed value (inclusive) for this hyperparameter.
	Max T

	// Log samples the value log-uniformly. Ignored for integer ranges.
	Log bool
}

// ObjectiveFunc evaluates one trial and returns its objective value.
//
// Parameters are sampled through the trial (Suggest, SuggestFloat,
// SuggestInt). Any returned error marks the trial FAIL and stops Optimize,
// except ErrTrialPruned which marks it PRUNED.
//
// Usage example:
//
//	objective := func(ctx context.Context, trial *Trial) (float64, error) {
//	    lr, err := Suggest(ctx, trial, "learning_rate", ParameterRange[float64]{Min: 1e-5, Max: 1e-1, Log: true})
//	    if err != nil {
//	        return 0, err
//	    }
//
//	    return trainAndValidate(lr)
//	}
type ObjectiveFunc func(ctx context.Context, trial *Trial) (float64, error)

// Callback is invoked after every trial finished by Optimize, with the
// trial as persisted.
type Callback func(ctx context.Context, study *Study, trial FrozenTrial)

// AcquisitionFunc defines the signature for acquisition functions used in the
// Bayesian optimization process. These functions help decide which points in the
// parameter space should be evaluated next.
//
// Parameters:
// - mean: The predicted mean loss at a point (lower is better)
// - variance: The predicted variance/uncertainty at that point
// - params: Additional parameters needed by specific acquisition functions
//
// Returns:
// - float64: Acquisition value (lower values indicate more promising points)
//
// Built-in acquisition functions:
// - UCB: Upper Confidence Bound
// - ProbabilityOfImprovement: Probability of finding better value
// - ExpectedImprovement: Expected magnitude of improvement
// - ThompsonSampling: Random sampling from posterior
//
// Implementation notes for custom acquisition functions:
// - Must be thread-safe
// - Should return lower values for more promising points
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by different acquisition functions to make decisions
// about which points to sample next in the optimization process.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off in the Upper Confidence Bound (UCB)
	// acquisition function.
	// - Higher values (e.g., 3.0 or 5.0) encourage more exploration of uncertain areas
	// - Lower values (e.g., 0.1 or 0.5) focus more on exploiting known good areas
	Beta float64

	// Xi (Greek letter ξ) is the minimum improvement asked for by Probability of
	// Improvement (PI) and Expected Improvement (EI).
	// Typical values range from 0.01 to 0.1.
	Xi float64

	// BestSoFar is the best (lowest) normalized loss observed so far.
	// It is set by the sampler before each scoring round.
	BestSoFar float64

	// RandomState is the random number generator used by Thompson Sampling.
	// The sampler sets it to its own generator when left nil.
	RandomState *rand.Rand
}

// OptimizationConfig holds the configuration of the Gaussian Process sampler.
//
// Fields explanation:
// - InitialSamples: Number of completed trials sampled at random before the model is used
// - NumCandidates: Number of random candidates scored per guided trial
// - AcquisitionFunc: Strategy for choosing next points to evaluate
// - AcqParams: Parameters for the acquisition function
// - KernelWidth: RBF kernel width (0 keeps the default)
// - Seed: Seed of the sampler's random generator (0 uses the clock)
//
// Usage example:
//
//	config := OptimizationConfig{
//	    InitialSamples: 10,
//	    NumCandidates: 100,
//	    AcquisitionFunc: ExpectedImprovement,
//	    AcqParams: AcquisitionParams{
//	        Xi: 0.01,
//	    },
//	}
//	sampler := NewGPSampler(config)
type OptimizationConfig struct {
	// InitialSamples determines how many trials must complete before the
	// Gaussian Process model drives sampling.
	// Recommended range: 5-20
	InitialSamples int

	// NumCandidates determines how many random candidates to consider in each
	// guided trial before selecting the best one to evaluate.
	// Recommended range: 50-500
	NumCandidates int

	// AcquisitionFunc determines the strategy for selecting the next point to
	// evaluate. See AcquisitionFunc type for built-in options.
	AcquisitionFunc AcquisitionFunc

	// AcqParams holds the parameters for the acquisition function.
	AcqParams AcquisitionParams

	// KernelWidth overrides the RBF kernel width of the Gaussian Process.
	// Zero keeps the default, suited to the unit hypercube.
	KernelWidth float64

	// Seed for the random generator. Zero seeds from the clock.
	Seed int64
}

// OptimizeConfig controls one Study.Optimize call.
type OptimizeConfig struct {
	// NTrials is the number of trials to run.
	NTrials int

	// NJobs is the number of trials evaluated concurrently. Values below 1
	// mean 1.
	NJobs int

	// Callbacks run after every finished trial, in order.
	Callbacks []Callback

	// ProgressChan is used to send progress updates during optimization.
	// If nil, no updates will be sent. Updates are dropped when it is full.
	ProgressChan chan<- ProgressUpdate
}
