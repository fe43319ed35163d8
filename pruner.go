package ho

import (
	"math"
	"sort"
)

// Pruner decides whether a running trial should stop early, from the
// intermediate values it and the other trials of the study reported.
type Pruner interface {
	Prune(direction StudyDirection, trials []FrozenTrial, trial FrozenTrial) bool
}

// NopPruner never prunes.
type NopPruner struct{}

// Prune implements Pruner.
func (NopPruner) Prune(StudyDirection, []FrozenTrial, FrozenTrial) bool { return false }

// HyperbandPruner runs several successive-halving brackets side by side.
//
// Steps reported with Trial.Report are the resource consumed so far (epochs).
// A trial belongs to bracket Number % NumBrackets. Bracket b checks trials at
// the rungs MinResource * ReductionFactor^(b+k), k = 0, 1, ...; at a rung, a
// trial survives only if its value is in the top 1/ReductionFactor of the
// values reported at that rung by the trials of its bracket. Until a rung has
// ReductionFactor values, only the best one survives.
type HyperbandPruner struct {
	// MinResource is the first rung of bracket 0. Defaults to 1.
	MinResource int

	// MaxResource is the largest resource a trial may consume; it bounds the
	// number of brackets. Defaults to 3.
	MaxResource int

	// ReductionFactor is the fraction of trials promoted per rung. Defaults
	// to 3.
	ReductionFactor int
}

// NewHyperbandPruner returns a HyperbandPruner with default settings for the
// given maximum resource.
func NewHyperbandPruner(maxResource int) *HyperbandPruner {
	return &HyperbandPruner{MinResource: 1, MaxResource: maxResource, ReductionFactor: 3}
}

func (p *HyperbandPruner) settings() (minResource, maxResource, eta int) {
	minResource, maxResource, eta = p.MinResource, p.MaxResource, p.ReductionFactor
	if minResource < 1 {
		minResource = 1
	}

	if maxResource < minResource {
		maxResource = max(minResource, 3)
	}

	if eta < 2 {
		eta = 3
	}

	return minResource, maxResource, eta
}

// NumBrackets returns the number of successive-halving brackets.
func (p *HyperbandPruner) NumBrackets() int {
	minResource, maxResource, eta := p.settings()

	return int(math.Floor(math.Log(float64(maxResource)/float64(minResource))/math.Log(float64(eta))+1e-9)) + 1
}

// rungs returns the resources at which bracket b checks its trials.
func (p *HyperbandPruner) rungs(bracket int) []int {
	minResource, maxResource, eta := p.settings()

	var out []int

	for r := minResource * intPow(eta, bracket); r <= maxResource; r *= eta {
		out = append(out, r)
	}

	return out
}

// Prune implements Pruner.
func (p *HyperbandPruner) Prune(direction StudyDirection, trials []FrozenTrial, trial FrozenTrial) bool {
	step := trial.LastStep()
	if step < 0 {
		return false
	}

	bracket := trial.Number % p.NumBrackets()

	isRung := false

	for _, r := range p.rungs(bracket) {
		if r == step {
			isRung = true

			break
		}
	}

	if !isRung {
		return false
	}

	value := trial.IntermediateValues[step]
	if math.IsNaN(value) {
		return true
	}

	competing := []float64{value}

	for _, other := range trials {
		if other.ID == trial.ID || other.Number%p.NumBrackets() != bracket {
			continue
		}

		if v, ok := other.IntermediateValues[step]; ok && !math.IsNaN(v) {
			competing = append(competing, v)
		}
	}

	_, _, eta := p.settings()

	return !promotable(direction, value, competing, eta)
}

// promotable reports whether value ranks in the top len/eta of competing
// (which includes value). With fewer than eta values, only the best ranks.
func promotable(direction StudyDirection, value float64, competing []float64, eta int) bool {
	idx := len(competing)/eta - 1
	if idx < 0 {
		idx = 0
	}

	sort.Float64s(competing)

	if direction == DirectionMaximize {
		return value >= competing[len(competing)-1-idx]
	}

	return value <= competing[idx]
}

func intPow(base, exp int) int {
	out := 1
	for i := 0; i < exp; i++ {
		out *= base
	}

	return out
}
