package ho

import (
	"math"
	"sort"
)

//////
// Helper functions.
//////

// Helper function used by PI and EI to compute the cumulative distribution
// function of the standard normal distribution.
func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// Helper function used by EI to compute the probability density function
// of the standard normal distribution.
func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}

// toLoss converts an objective value into a loss, lower being better.
func toLoss(direction StudyDirection, value float64) float64 {
	if direction == DirectionMaximize {
		return -value
	}

	return value
}

// standardize rescales ys to zero mean and unit standard deviation. A constant
// slice is only centered.
func standardize(ys []float64) []float64 {
	if len(ys) == 0 {
		return nil
	}

	var mean float64
	for _, y := range ys {
		mean += y
	}

	mean /= float64(len(ys))

	var variance float64
	for _, y := range ys {
		variance += (y - mean) * (y - mean)
	}

	std := math.Sqrt(variance / float64(len(ys)))
	if std == 0 {
		std = 1
	}

	out := make([]float64, len(ys))
	for i, y := range ys {
		out[i] = (y - mean) / std
	}

	return out
}

// sortedNames returns the keys of a distribution set in a stable order, so
// that vectors handed to the Gaussian Process are always laid out the same way.
func sortedNames(space map[string]Distribution) []string {
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
