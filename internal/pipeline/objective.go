package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	ho "github.com/thalesfsp/hotrain"
	"github.com/thalesfsp/hotrain/internal/dataset"
	"github.com/thalesfsp/hotrain/internal/model"
)

// ModelFactory returns a fresh, untrained classifier.
type ModelFactory func() model.Classifier

// Objective returns the search objective: it trains a fresh model with the
// trial's hyperparameters and scores it with the validation accuracy of the
// final epoch. After each epoch the validation accuracy is reported to the
// trial, and training stops with ho.ErrTrialPruned when the study's pruner
// asks for it before the last epoch.
func Objective(train, val *dataset.Dataset, newModel ModelFactory) ho.ObjectiveFunc {
	return func(ctx context.Context, trial *ho.Trial) (float64, error) {
		hp, err := SampleHyperparameters(ctx, trial)
		if err != nil {
			return 0, err
		}

		klog.V(1).Infof("trial %d: training with %+v", trial.Number(), hp)

		history, err := newModel().FitHPSearch(ctx, train, val, hp, func(ctx context.Context, epoch int, h model.History) error {
			value, ok := h.Last(model.MetricValAccuracy)
			if !ok {
				return nil
			}

			if err := trial.Report(ctx, epoch, value); err != nil {
				return err
			}

			// Nothing is saved by pruning a trial that has trained every epoch.
			if epoch >= hp.Epochs {
				return nil
			}

			prune, err := trial.ShouldPrune(ctx)
			if err != nil {
				return err
			}

			if prune {
				return errors.Wrapf(ho.ErrTrialPruned, "epoch %d, val_accuracy %.4f", epoch, value)
			}

			return nil
		})
		if err != nil {
			return 0, err
		}

		value, ok := history.Last(model.MetricValAccuracy)
		if !ok {
			return 0, errors.Errorf("trial %d: training history has no %s", trial.Number(), model.MetricValAccuracy)
		}

		return value, nil
	}
}
