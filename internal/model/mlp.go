package model

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/thalesfsp/hotrain/internal/dataset"
)

const (
	// modelScope holds the variables of the network. Optimizer state lives
	// outside of it and is not saved.
	modelScope = "model"

	// evalBatchSize bounds the rows evaluated at once.
	evalBatchSize = 1024

	adamEpsilon = 1e-7
)

// backend is shared by every model of the process. simplego is pure Go, so
// no accelerator runtime is needed.
var backend = sync.OnceValue(func() backends.Backend {
	return backends.MustNew()
})

// MLP is a one-hidden-layer perceptron: ReLU hidden units, softmax output,
// cross-entropy loss with L1 and L2 penalties on the weights, trained with
// Adam on shuffled mini-batches.
//
// Thread safety: an MLP must not be used concurrently.
type MLP struct {
	BatchSize int

	seed   int64
	rng    *rand.Rand
	hidden int

	// ctx holds the trained variables; nil until trained or loaded.
	ctx     *mlctx.Context
	predict *mlctx.Exec
}

var _ Classifier = (*MLP)(nil)

// NewMLP returns an untrained MLP. A zero seed picks a random one.
func NewMLP(batchSize int, seed int64) *MLP {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &MLP{BatchSize: batchSize, seed: seed, rng: rand.New(rand.NewSource(seed))}
}

// FitHPSearch implements Classifier.
func (m *MLP) FitHPSearch(ctx context.Context, train, val *dataset.Dataset, hp Hyperparameters, report EpochReporter) (History, error) {
	if val == nil || val.Len() == 0 {
		return nil, errors.New("hyperparameter search needs a validation set")
	}

	return m.fit(ctx, train, val, hp, report)
}

// FitProduction implements Classifier.
func (m *MLP) FitProduction(ctx context.Context, train *dataset.Dataset, hp Hyperparameters) (History, error) {
	return m.fit(ctx, train, nil, hp, nil)
}

// Predict returns the most likely digit of one image.
func (m *MLP) Predict(image []float64) (int, error) {
	if m.ctx == nil {
		return 0, errors.New("model is not trained")
	}

	if len(image) != dataset.NumPixels {
		return 0, errors.Errorf("image has %d pixels, want %d", len(image), dataset.NumPixels)
	}

	pixels := make([]float32, len(image))
	for i, v := range image {
		pixels[i] = float32(v)
	}

	var label int

	err := exceptions.TryCatch[error](func() {
		if m.predict == nil {
			m.predict = mlctx.MustNewExec(backend(), m.ctx.In(modelScope).Reuse(),
				func(ctx *mlctx.Context, images *graph.Node) *graph.Node {
					return graph.ArgMax(m.logits(ctx, images), -1)
				})
		}

		out := m.predict.MustExec1(tensors.FromFlatDataAndDimensions(pixels, 1, dataset.NumPixels))
		label = int(tensors.MustCopyFlatData[int32](out)[0])
	})

	return label, errors.Wrap(err, "predict")
}

// logits is the network: one ReLU hidden layer of m.hidden units. fnn reads
// the L1 and L2 factors from the context params.
func (m *MLP) logits(ctx *mlctx.Context, images *graph.Node) *graph.Node {
	return fnn.New(ctx, images, dataset.NumClasses).
		NumHiddenLayers(1, m.hidden).
		Activation(activations.TypeRelu).
		Done()
}

func (m *MLP) modelGraph(ctx *mlctx.Context, _ any, inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{m.logits(ctx, inputs[0])}
}

func (m *MLP) fit(ctx context.Context, train, val *dataset.Dataset, hp Hyperparameters, report EpochReporter) (History, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}

	if train == nil || train.Len() == 0 {
		return nil, errors.New("empty training set")
	}

	if m.BatchSize < 1 {
		return nil, errors.Errorf("batch size must be positive, got %d", m.BatchSize)
	}

	if m.ctx != nil {
		return nil, errors.New("model is already trained")
	}

	history := History{}

	var fitErr error

	err := exceptions.TryCatch[error](func() {
		fitErr = m.run(ctx, train, val, hp, report, history)
	})
	if err != nil {
		return history, errors.Wrap(err, "training")
	}

	return history, fitErr
}

func (m *MLP) run(ctx context.Context, trainSet, val *dataset.Dataset, hp Hyperparameters, report EpochReporter, history History) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "before training")
	}

	m.hidden = hp.NumHidden
	m.ctx = mlctx.New()
	m.ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: hp.LearningRate,
		optimizers.ParamAdamEpsilon:  adamEpsilon,
		regularizers.ParamL1:         hp.L1,
		regularizers.ParamL2:         hp.L2,
	})
	m.ctx.RngStateFromSeed(m.seed)

	modelCtx := m.ctx.In(modelScope)
	trainer := train.NewTrainer(backend(), modelCtx, m.modelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(modelCtx),
		nil,
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")})

	loop := train.NewLoop(trainer)
	loop.OnStep("cancellation", 0, func(*train.Loop, []*tensors.Tensor) error {
		return ctx.Err()
	})

	trainDS := newBatches(trainSet, m.BatchSize, m.rng)
	trainEval := newBatches(trainSet, evalBatchSize, nil)

	var valEval *batches
	if val != nil {
		valEval = newBatches(val, evalBatchSize, nil)
	}

	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}

		if _, err := loop.RunEpochs(trainDS, 1); err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}

		loss, accuracy, err := evaluate(trainer, trainEval)
		if err != nil {
			return err
		}

		history.add(MetricLoss, loss)
		history.add(MetricAccuracy, accuracy)

		if valEval != nil {
			valLoss, valAccuracy, err := evaluate(trainer, valEval)
			if err != nil {
				return err
			}

			history.add(MetricValLoss, valLoss)
			history.add(MetricValAccuracy, valAccuracy)
		}

		if klog.V(1).Enabled() {
			klog.Infof("epoch %d/%d: %v", epoch, hp.Epochs, history.AtEpoch(epoch-1))
		}

		if report != nil {
			if err := report(ctx, epoch, history); err != nil {
				return err
			}
		}
	}

	return nil
}

// evaluate returns the mean loss and accuracy of the trained network over ds.
func evaluate(trainer *train.Trainer, ds *batches) (loss, accuracy float64, err error) {
	ds.Reset()

	results, err := trainer.Eval(ds)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "evaluating %q", ds.Name())
	}

	var hasLoss, hasAccuracy bool

	for i, desc := range trainer.EvalMetrics() {
		value := shapes.ConvertTo[float64](results[i].Value())

		switch {
		case desc.MetricType() == metrics.LossMetricType && !hasLoss:
			loss, hasLoss = value, true
		case desc.MetricType() == metrics.AccuracyMetricType && !hasAccuracy:
			accuracy, hasAccuracy = value, true
		}
	}

	if !hasLoss || !hasAccuracy {
		return 0, 0, errors.Errorf("evaluation of %q misses the loss or the accuracy", ds.Name())
	}

	return loss, accuracy, nil
}
