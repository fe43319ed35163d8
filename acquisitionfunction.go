package ho

import "math"

//////
// Available acquisition functions for Bayesian optimization.
// Every function scores a candidate from the Gaussian Process prediction of
// its normalized loss. Lower scores are more promising.
//////

// UCB implements the Upper Confidence Bound acquisition function. Since the
// sampler minimizes a loss, this is the lower confidence bound of the loss.
//
// How it works:
// - Combines the predicted mean loss with the uncertainty (variance)
// - The Beta parameter controls the trade-off between exploration and exploitation
//
// Parameters:
// - mean: Predicted loss at this point
// - variance: Uncertainty in the prediction
// - params.Beta: Exploration weight (higher = more exploration)
//
// Example:
//
//	params := AcquisitionParams{
//	    Beta: 2.0,
//	}
//	value := UCB(0.5, 0.2, params)
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement (PI) scores a point by the probability that its loss
// falls below the best loss observed so far by at least Xi. The probability is
// negated so that lower scores stay more promising.
//
// Parameters:
// - mean: Predicted loss at this point
// - variance: Uncertainty in the prediction
// - params.BestSoFar: Best loss observed so far
// - params.Xi: Minimum improvement desired
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: -1.2,
//	    Xi: 0.01,
//	}
//	score := ProbabilityOfImprovement(-0.9, 0.2, params)
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		if params.BestSoFar-mean-params.Xi > 0 {
			return -1
		}

		return 0
	}

	z := (params.BestSoFar - mean - params.Xi) / sigma

	return -normalCDF(z)
}

// ExpectedImprovement (EI) scores a point by the expected amount its loss
// improves on the best loss observed so far, negated.
//
// How it works:
// - Combines the probability of improvement with the magnitude of improvement
// - Often provides better exploration than PI
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: -1.2,
//	    Xi: 0.01,
//	}
//	score := ExpectedImprovement(-0.9, 0.2, params)
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - mean - params.Xi

	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return -math.Max(improvement, 0)
	}

	z := improvement / sigma

	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling draws a random sample from the posterior of the loss.
//
// Warning:
//   - params.RandomState must not be nil. The GP sampler fills it with its own
//     generator when the configuration leaves it empty.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}
