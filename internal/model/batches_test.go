package model

import (
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/hotrain/internal/dataset"
)

func TestBatchesYieldsOneEpoch(t *testing.T) {
	ds := digits(25, 1)
	b := newBatches(ds, 10, nil)

	assert.Equal(t, "synthetic", b.Name())

	var sizes []int
	var seen []int32

	for {
		_, inputs, labels, err := b.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)

		n := labels[0].Shape().Dimensions[0]
		sizes = append(sizes, n)
		assert.Equal(t, []int{n, dataset.NumPixels}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{n, 1}, labels[0].Shape().Dimensions)

		seen = append(seen, tensors.MustCopyFlatData[int32](labels[0])...)
	}

	assert.Equal(t, []int{10, 10, 5}, sizes)

	want := make([]int32, ds.Len())
	for i, label := range ds.Labels {
		want[i] = int32(label)
	}
	assert.Equal(t, want, seen, "no rng keeps the dataset order")

	b.Reset()
	_, _, _, err := b.Yield()
	assert.NoError(t, err, "Reset starts a new epoch")
}

func TestBatchesReshuffleOnReset(t *testing.T) {
	b := newBatches(digits(200, 1), 200, rand.New(rand.NewSource(3)))

	epoch := func() []int32 {
		_, _, labels, err := b.Yield()
		require.NoError(t, err)

		return tensors.MustCopyFlatData[int32](labels[0])
	}

	first := epoch()
	b.Reset()
	second := epoch()

	assert.ElementsMatch(t, first, second)
	assert.NotEqual(t, first, second)
}
