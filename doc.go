// Package ho provides hyperparameter optimization using Bayesian optimization
// with Gaussian Processes, organized around persisted studies and trials.
//
// # Features
//
// The package includes the following key features:
//
//   - Studies: named, persisted searches with a direction (minimize or
//     maximize), created atomically if absent and reloadable by name
//   - Define-by-run trials: objectives sample their own parameters with
//     Suggest, SuggestFloat and SuggestInt (uniform, log-uniform, integer)
//   - Bayesian Optimization: the GPSampler fits a Gaussian Process on the
//     completed trials and picks new points with an acquisition function
//   - Multiple Acquisition Functions: Upper Confidence Bound (UCB),
//     Probability of Improvement (PI), Expected Improvement (EI) and Thompson
//     Sampling
//   - Pruning: objectives report intermediate values; the HyperbandPruner
//     stops unpromising trials early
//   - Concurrent trials: Study.Optimize runs NJobs workers against a shared
//     Storage
//   - Progress Monitoring: updates via channel and per-trial callbacks
//
// # Storage
//
// InMemoryStorage keeps everything in the process. The storage package of
// this module provides a SQL implementation (Postgres and SQLite).
//
// # Acquisition Functions
//
// All acquisition functions score a standardized loss, lower being better,
// whatever the study direction:
//
//  1. Upper Confidence Bound (UCB): default, Beta controls exploration.
//
//     config := DefaultConfig()
//     config.AcqParams.Beta = 2.0
//
//  2. Probability of Improvement (PI): conservative.
//
//     config.AcquisitionFunc = ProbabilityOfImprovement
//
//  3. Expected Improvement (EI): balances improvement probability and magnitude.
//
//     config.AcquisitionFunc = ExpectedImprovement
//
//  4. Thompson Sampling: random draw from the posterior, good with many
//     parallel workers.
//
//     config.AcquisitionFunc = ThompsonSampling
//
// # Usage
//
//	storage := NewInMemoryStorage()
//	study, err := CreateStudy(ctx, "mnist", storage,
//	    WithDirection(DirectionMaximize),
//	    WithSampler(NewGPSampler(DefaultConfig())),
//	    WithPruner(NewHyperbandPruner(3)),
//	)
//	if err != nil {
//	    return err
//	}
//
//	err = study.Optimize(ctx, func(ctx context.Context, trial *Trial) (float64, error) {
//	    lr, err := trial.SuggestFloat(ctx, "learning_rate", 1e-5, 1e-1, true)
//	    if err != nil {
//	        return 0, err
//	    }
//	    return evaluate(lr)
//	}, OptimizeConfig{NTrials: 20, NJobs: 2})
//
// # Thread Safety
//
// Studies, samplers, pruners and InMemoryStorage are safe for concurrent
// use. A Trial belongs to the objective call it was handed to.
package ho
