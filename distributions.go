package ho

import (
	"encoding/json"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Distribution describes the range a parameter is sampled from.
//
// Distributions are comparable values: two parameters share a search space
// dimension only if their distributions are equal (==).
type Distribution interface {
	// Contains reports whether v is a valid value of the distribution.
	Contains(v float64) bool

	// Sample draws a value at random.
	Sample(rng *rand.Rand) float64

	// ToUnit maps a value to [0, 1], the space the Gaussian Process works in.
	ToUnit(v float64) float64

	// FromUnit maps a point of [0, 1] back to a valid value.
	FromUnit(u float64) float64
}

// FloatDistribution is a uniform or log-uniform distribution over [Low, High].
type FloatDistribution struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
	Log  bool    `json:"log"`
}

// Contains implements Distribution.
func (d FloatDistribution) Contains(v float64) bool {
	return v >= d.Low && v <= d.High
}

// Sample implements Distribution.
func (d FloatDistribution) Sample(rng *rand.Rand) float64 {
	return d.FromUnit(rng.Float64())
}

// ToUnit implements Distribution.
func (d FloatDistribution) ToUnit(v float64) float64 {
	if d.High == d.Low {
		return 0.5
	}

	if d.Log {
		return (math.Log(v) - math.Log(d.Low)) / (math.Log(d.High) - math.Log(d.Low))
	}

	return (v - d.Low) / (d.High - d.Low)
}

// FromUnit implements Distribution.
func (d FloatDistribution) FromUnit(u float64) float64 {
	var v float64
	if d.Log {
		logLow, logHigh := math.Log(d.Low), math.Log(d.High)
		v = math.Exp(logLow + u*(logHigh-logLow))
	} else {
		v = d.Low + u*(d.High-d.Low)
	}

	return math.Min(math.Max(v, d.Low), d.High)
}

// IntDistribution is a uniform distribution over the integers of [Low, High].
type IntDistribution struct {
	Low  int64 `json:"low"`
	High int64 `json:"high"`
}

// Contains implements Distribution.
func (d IntDistribution) Contains(v float64) bool {
	return v == math.Trunc(v) && v >= float64(d.Low) && v <= float64(d.High)
}

// Sample implements Distribution.
func (d IntDistribution) Sample(rng *rand.Rand) float64 {
	return float64(d.Low + rng.Int63n(d.High-d.Low+1))
}

// ToUnit implements Distribution.
func (d IntDistribution) ToUnit(v float64) float64 {
	if d.High == d.Low {
		return 0.5
	}

	return (v - float64(d.Low)) / float64(d.High-d.Low)
}

// FromUnit implements Distribution.
func (d IntDistribution) FromUnit(u float64) float64 {
	v := math.Round(float64(d.Low) + u*float64(d.High-d.Low))

	return math.Min(math.Max(v, float64(d.Low)), float64(d.High))
}

// validateDistribution rejects empty or inverted ranges.
func validateDistribution(d Distribution) error {
	switch dist := d.(type) {
	case FloatDistribution:
		if dist.Low > dist.High {
			return errors.Errorf("float distribution: low %v > high %v", dist.Low, dist.High)
		}

		if dist.Log && dist.Low <= 0 {
			return errors.Errorf("log float distribution: low %v must be positive", dist.Low)
		}
	case IntDistribution:
		if dist.Low > dist.High {
			return errors.Errorf("int distribution: low %d > high %d", dist.Low, dist.High)
		}
	default:
		return errors.Errorf("unsupported distribution %T", d)
	}

	return nil
}

//////
// Serialization, used by storages.
//////

type distributionEnvelope struct {
	Name       string          `json:"name"`
	Attributes json.RawMessage `json:"attributes"`
}

// MarshalDistribution encodes d as {"name": ..., "attributes": {...}}.
func MarshalDistribution(d Distribution) ([]byte, error) {
	var name string

	switch d.(type) {
	case FloatDistribution:
		name = "FloatDistribution"
	case IntDistribution:
		name = "IntDistribution"
	default:
		return nil, errors.Errorf("unsupported distribution %T", d)
	}

	attrs, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", name)
	}

	return json.Marshal(distributionEnvelope{Name: name, Attributes: attrs})
}

// UnmarshalDistribution decodes the output of MarshalDistribution.
func UnmarshalDistribution(data []byte) (Distribution, error) {
	var env distributionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode distribution")
	}

	switch env.Name {
	case "FloatDistribution":
		var d FloatDistribution
		if err := json.Unmarshal(env.Attributes, &d); err != nil {
			return nil, errors.Wrap(err, "decode FloatDistribution")
		}

		return d, nil
	case "IntDistribution":
		var d IntDistribution
		if err := json.Unmarshal(env.Attributes, &d); err != nil {
			return nil, errors.Wrap(err, "decode IntDistribution")
		}

		return d, nil
	}

	return nil, errors.Errorf("unknown distribution %q", env.Name)
}
