package model

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/hotrain/internal/dataset"
)

// digits returns n examples where digit d lights up the d-th band of rows,
// plus some noise.
func digits(n int, seed int64) *dataset.Dataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &dataset.Dataset{Name: "synthetic"}

	for i := 0; i < n; i++ {
		label := uint8(i % dataset.NumClasses)
		image := make([]float64, dataset.NumPixels)

		for p := range image {
			image[p] = 0.1 * rng.Float64()
		}

		band := int(label) * dataset.NumPixels / dataset.NumClasses
		for p := band; p < band+dataset.NumPixels/dataset.NumClasses; p++ {
			image[p] = 1
		}

		ds.Pixels = append(ds.Pixels, image...)
		ds.Labels = append(ds.Labels, label)
	}

	return ds
}

var testHP = Hyperparameters{LearningRate: 0.01, L1: 0, L2: 1e-4, NumHidden: 16, Epochs: 3}

func TestFitHPSearchLearns(t *testing.T) {
	train, val := digits(300, 1), digits(100, 2)

	var epochs []int
	history, err := NewMLP(32, 7).FitHPSearch(context.Background(), train, val, testHP,
		func(_ context.Context, epoch int, h History) error {
			epochs = append(epochs, epoch)
			assert.Len(t, h[MetricValAccuracy], epoch)

			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, epochs)
	assert.Equal(t, []string{MetricAccuracy, MetricLoss, MetricValAccuracy, MetricValLoss}, history.Metrics())
	assert.Equal(t, 3, history.Epochs())

	valAccuracy, ok := history.Last(MetricValAccuracy)
	require.True(t, ok)
	assert.Greater(t, valAccuracy, 0.8)

	loss := history[MetricLoss]
	assert.Less(t, loss[2], loss[0])
}

func TestFitProductionRecordsTrainingMetricsOnly(t *testing.T) {
	hp := testHP
	hp.Epochs = 2

	history, err := NewMLP(64, 3).FitProduction(context.Background(), digits(100, 1), hp)
	require.NoError(t, err)

	assert.Equal(t, []string{MetricAccuracy, MetricLoss}, history.Metrics())
	assert.Equal(t, 2, history.Epochs())

	_, ok := history.Last(MetricValAccuracy)
	assert.False(t, ok)
}

func TestReporterErrorStopsFit(t *testing.T) {
	errStop := errors.New("stop")

	history, err := NewMLP(32, 1).FitHPSearch(context.Background(), digits(50, 1), digits(20, 2), testHP,
		func(context.Context, int, History) error { return errStop })

	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, history.Epochs())
}

func TestFitObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMLP(32, 1).FitProduction(ctx, digits(50, 1), testHP)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitRejectsBadInput(t *testing.T) {
	ctx := context.Background()

	bad := testHP
	bad.NumHidden = 0
	_, err := NewMLP(32, 1).FitProduction(ctx, digits(10, 1), bad)
	assert.Error(t, err)

	_, err = NewMLP(32, 1).FitProduction(ctx, &dataset.Dataset{}, testHP)
	assert.Error(t, err)

	_, err = NewMLP(32, 1).FitHPSearch(ctx, digits(10, 1), nil, testHP, nil)
	assert.Error(t, err)

	m := NewMLP(32, 1)
	_, err = m.FitProduction(ctx, digits(10, 1), testHP)
	require.NoError(t, err)

	_, err = m.FitProduction(ctx, digits(10, 1), testHP)
	assert.Error(t, err, "an MLP trains once")
}

func TestSaveLoad(t *testing.T) {
	train := digits(200, 1)

	m := NewMLP(32, 5)
	_, err := m.FitProduction(context.Background(), train, testHP)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		want, err := m.Predict(train.Image(i))
		require.NoError(t, err)

		got, err := loaded.Predict(train.Image(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	assert.Error(t, NewMLP(32, 1).Save(&buf), "untrained models cannot be saved")

	_, err = Load(bytes.NewReader([]byte("not a model")))
	assert.Error(t, err)
}

// weightNorm is the summed squares of the dense kernels, biases excluded.
func weightNorm(t *testing.T, m *MLP) float64 {
	t.Helper()

	var norm float64

	for v := range m.ctx.In(modelScope).IterVariablesInScope() {
		if v.Name() != "weights" {
			continue
		}

		for _, w := range tensors.MustCopyFlatData[float32](v.MustValue()) {
			norm += float64(w) * float64(w)
		}
	}

	require.Greater(t, norm, 0.0)

	return norm
}

func TestL2ShrinksWeights(t *testing.T) {
	train := digits(200, 1)

	plain := testHP
	plain.L2 = 0

	heavy := testHP
	heavy.L2 = 0.1

	m1 := NewMLP(32, 9)
	_, err := m1.FitProduction(context.Background(), train, plain)
	require.NoError(t, err)

	m2 := NewMLP(32, 9)
	_, err = m2.FitProduction(context.Background(), train, heavy)
	require.NoError(t, err)

	assert.Less(t, weightNorm(t, m2), weightNorm(t, m1))
}

func TestHistoryAtEpoch(t *testing.T) {
	h := History{MetricLoss: {0.9, 0.5}, MetricAccuracy: {0.6, 0.8}}

	assert.Equal(t, map[string]float64{MetricLoss: 0.5, MetricAccuracy: 0.8}, h.AtEpoch(1))
	assert.Empty(t, h.AtEpoch(2))
}
