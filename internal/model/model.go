// Package model trains the MNIST digit classifier.
package model

import (
	"context"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/thalesfsp/hotrain/internal/dataset"
)

// Metric names recorded in a History.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_accuracy"
)

// Hyperparameters configure one training.
type Hyperparameters struct {
	LearningRate float64
	L1           float64
	L2           float64
	NumHidden    int
	Epochs       int
}

// Validate checks the hyperparameters can train a model.
func (hp Hyperparameters) Validate() error {
	switch {
	case hp.LearningRate <= 0:
		return errors.Errorf("learning rate must be positive, got %g", hp.LearningRate)
	case hp.L1 < 0 || hp.L2 < 0:
		return errors.Errorf("regularization factors must not be negative, got l1=%g l2=%g", hp.L1, hp.L2)
	case hp.NumHidden < 1:
		return errors.Errorf("num_hidden must be positive, got %d", hp.NumHidden)
	case hp.Epochs < 1:
		return errors.Errorf("epochs must be positive, got %d", hp.Epochs)
	}

	return nil
}

// History maps a metric name to its per-epoch values, first epoch first.
type History map[string][]float64

// Last returns the final-epoch value of metric.
func (h History) Last(metric string) (float64, bool) {
	values := h[metric]
	if len(values) == 0 {
		return 0, false
	}

	return values[len(values)-1], true
}

// Epochs returns the number of epochs recorded.
func (h History) Epochs() int {
	n := 0
	for _, values := range h {
		n = max(n, len(values))
	}

	return n
}

// Metrics returns the metric names in sorted order.
func (h History) Metrics() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// AtEpoch returns the value of every metric at the zero-based epoch.
func (h History) AtEpoch(epoch int) map[string]float64 {
	out := make(map[string]float64, len(h))
	for name, values := range h {
		if epoch < len(values) {
			out[name] = values[epoch]
		}
	}

	return out
}

func (h History) add(metric string, value float64) {
	h[metric] = append(h[metric], value)
}

// EpochReporter is called after each epoch of a hyperparameter-search fit
// with the one-based epoch and the history so far. A non-nil error stops the
// fit and is returned by it.
type EpochReporter func(ctx context.Context, epoch int, history History) error

// Classifier is a trainable model. Each value is trained at most once.
type Classifier interface {
	// FitHPSearch trains on train and evaluates on val after every epoch,
	// recording loss, accuracy, val_loss and val_accuracy.
	FitHPSearch(ctx context.Context, train, val *dataset.Dataset, hp Hyperparameters, report EpochReporter) (History, error)

	// FitProduction trains on train only, recording loss and accuracy.
	FitProduction(ctx context.Context, train *dataset.Dataset, hp Hyperparameters) (History, error)

	// Save writes the trained model.
	Save(w io.Writer) error
}
