// Package pipeline runs the hyperparameter search and the production
// retraining of the MNIST classifier.
package pipeline

import (
	"context"

	"github.com/pkg/errors"

	ho "github.com/thalesfsp/hotrain"
	"github.com/thalesfsp/hotrain/internal/model"
)

// Parameter names, as stored in the study and logged to the tracker.
const (
	ParamLearningRate = "learning_rate"
	ParamL1           = "l1"
	ParamL2           = "l2"
	ParamNumHidden    = "num_hidden"
	ParamEpochs       = "epochs"
)

// Search space.
var (
	LearningRateRange = ho.ParameterRange[float64]{Min: 1e-5, Max: 0.1, Log: true}
	L1Range           = ho.ParameterRange[float64]{Min: 0, Max: 0.05}
	L2Range           = ho.ParameterRange[float64]{Min: 0, Max: 0.05}
	NumHiddenRange    = ho.ParameterRange[int]{Min: 8, Max: 64}
	EpochsRange       = ho.ParameterRange[int]{Min: 1, Max: 3}
)

// SampleHyperparameters draws a configuration for trial.
func SampleHyperparameters(ctx context.Context, trial *ho.Trial) (model.Hyperparameters, error) {
	var (
		hp  model.Hyperparameters
		err error
	)

	if hp.LearningRate, err = ho.Suggest(ctx, trial, ParamLearningRate, LearningRateRange); err != nil {
		return hp, err
	}

	if hp.L1, err = ho.Suggest(ctx, trial, ParamL1, L1Range); err != nil {
		return hp, err
	}

	if hp.L2, err = ho.Suggest(ctx, trial, ParamL2, L2Range); err != nil {
		return hp, err
	}

	if hp.NumHidden, err = ho.Suggest(ctx, trial, ParamNumHidden, NumHiddenRange); err != nil {
		return hp, err
	}

	hp.Epochs, err = ho.Suggest(ctx, trial, ParamEpochs, EpochsRange)

	return hp, err
}

// HyperparametersFromParams converts stored study parameters back, e.g. the
// best parameters of a study.
func HyperparametersFromParams(params ho.Params) (model.Hyperparameters, error) {
	var hp model.Hyperparameters

	floats := map[string]*float64{ParamLearningRate: &hp.LearningRate, ParamL1: &hp.L1, ParamL2: &hp.L2}
	for name, dst := range floats {
		v, ok := params.Float(name)
		if !ok {
			return hp, errors.Errorf("parameter %q missing from %v", name, params)
		}

		*dst = v
	}

	ints := map[string]*int{ParamNumHidden: &hp.NumHidden, ParamEpochs: &hp.Epochs}
	for name, dst := range ints {
		v, ok := params.Int(name)
		if !ok {
			return hp, errors.Errorf("parameter %q missing from %v", name, params)
		}

		*dst = v
	}

	return hp, hp.Validate()
}

// ParamsOf returns the five hyperparameters by name, for logging.
func ParamsOf(hp model.Hyperparameters) map[string]any {
	return map[string]any{
		ParamLearningRate: hp.LearningRate,
		ParamL1:           hp.L1,
		ParamL2:           hp.L2,
		ParamNumHidden:    hp.NumHidden,
		ParamEpochs:       hp.Epochs,
	}
}
