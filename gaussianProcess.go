package ho

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// gpNoise is added to the diagonal of the kernel matrix. It models the noise
// of validation metrics and keeps the matrix positive definite.
const gpNoise = 1e-4

// gaussianProcess implements a thread-safe Gaussian Process model for regression
// with multidimensional inputs. It is used to predict the loss of untested
// hyperparameter combinations based on previously observed results.
//
// Inputs are expected in the unit hypercube (see Distribution.ToUnit) and
// outputs standardized, which is what the default sigma is tuned for.
//
// Thread safety:
// - All fields are protected by the mutex
// - The Cholesky factorization is recomputed lazily after updates
type gaussianProcess struct {
	// mu protects access to all fields
	mu sync.Mutex

	// X stores the input points (hyperparameter combinations)
	X [][]float64

	// Y stores the observed losses at each point in X
	Y []float64

	// sigma is the kernel width parameter
	// Larger values = smoother interpolation
	// Smaller values = more local influence
	sigma float64

	// chol and alpha cache the posterior; nil when stale.
	chol  *mat.Cholesky
	alpha *mat.VecDense
}

//////
// Methods.
//////

// RBFKernel implements the Radial Basis Function (also known as Gaussian) kernel.
// This kernel measures the similarity between two points in the input space,
// with the similarity decreasing exponentially with distance.
//
// Mathematical formula:
//
//	k(x1, x2) = exp(-sum((x1 - x2)^2) / (2 * sigma^2))
//
// Important notes:
// - Panics if input vectors have different lengths
// - Returns 1.0 for identical points
// - Callers must hold gp.mu
func (gp *gaussianProcess) RBFKernel(x1, x2 []float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * gp.sigma * gp.sigma))
}

// fit factorizes the kernel matrix and solves for the posterior weights.
// Jitter grows until the factorization succeeds.
func (gp *gaussianProcess) fit() {
	n := len(gp.X)
	k := mat.NewSymDense(n, nil)

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, gp.RBFKernel(gp.X[i], gp.X[j]))
		}
	}

	jitter := gpNoise
	for attempt := 0; attempt < 8; attempt++ {
		noisy := mat.NewSymDense(n, nil)
		noisy.CopySym(k)

		for i := 0; i < n; i++ {
			noisy.SetSym(i, i, noisy.At(i, i)+jitter)
		}

		var chol mat.Cholesky
		if chol.Factorize(noisy) {
			alpha := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(alpha, mat.NewVecDense(n, append([]float64(nil), gp.Y...))); err == nil {
				gp.chol = &chol
				gp.alpha = alpha

				return
			}
		}

		jitter *= 10
	}
}

// Predict estimates the expected loss and uncertainty at a given point
// based on previously observed data points.
//
// Parameters:
// - x: Input point at which to make prediction (unit hypercube coordinates)
//
// Returns:
// - mean: Posterior mean of the loss
// - variance: Posterior variance (higher = less certain)
//
// Mathematical details:
// - mean = k*ᵀ (K + σₙ²I)⁻¹ y
// - variance = k(x, x) - k*ᵀ (K + σₙ²I)⁻¹ k*
// - Returns (0, 1) if no observations exist, the prior
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if len(gp.X) == 0 {
		return 0, 1
	}

	if gp.chol == nil {
		gp.fit()

		if gp.chol == nil {
			return 0, 1
		}
	}

	n := len(gp.X)

	kStar := mat.NewVecDense(n, nil)
	for i := range gp.X {
		kStar.SetVec(i, gp.RBFKernel(x, gp.X[i]))
	}

	mean = mat.Dot(kStar, gp.alpha)

	w := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(w, kStar); err != nil {
		return mean, 1
	}

	variance = 1.0 - mat.Dot(kStar, w)
	if variance < 0 {
		variance = 0
	}

	return mean, variance
}

// Update adds a new observation point to the Gaussian Process model.
//
// Important notes:
// - Creates a deep copy of input slice x to prevent external modifications
// - Invalidates the cached factorization
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)
	gp.chol = nil
	gp.alpha = nil
}

// SetSigma updates the kernel width parameter (sigma) of the Gaussian Process.
// No validation of sigma value (caller's responsibility).
func (gp *gaussianProcess) SetSigma(sigma float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.sigma = sigma
	gp.chol = nil
	gp.alpha = nil
}

//////
// Factory.
//////

// newGaussianProcess creates a Gaussian Process with a kernel width suited to
// inputs in the unit hypercube.
func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{
		sigma: 0.25, // Default kernel width
	}
}
