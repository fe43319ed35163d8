package model

import (
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/thalesfsp/hotrain/internal/dataset"
)

// batches yields a dataset.Dataset to the trainer: float32 images shaped
// [n, NumPixels] and int32 labels shaped [n, 1]. One pass is one epoch.
type batches struct {
	ds   *dataset.Dataset
	size int

	// rng reshuffles on every Reset; nil keeps the dataset order.
	rng *rand.Rand

	order [][]int
	next  int
}

func newBatches(ds *dataset.Dataset, size int, rng *rand.Rand) *batches {
	b := &batches{ds: ds, size: size, rng: rng}
	b.Reset()

	return b
}

// Name implements train.Dataset.
func (b *batches) Name() string { return b.ds.Name }

// Reset implements train.Dataset.
func (b *batches) Reset() {
	b.next = 0

	if b.order != nil && b.rng == nil {
		return
	}

	// size is checked by the caller, so Batches cannot fail here.
	if order, err := b.ds.Batches(b.size, b.rng); err == nil {
		b.order = order
	}
}

// Yield implements train.Dataset.
func (b *batches) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if b.next >= len(b.order) {
		return nil, nil, nil, io.EOF
	}

	idx := b.order[b.next]
	b.next++

	pixels := make([]float32, 0, len(idx)*dataset.NumPixels)
	digits := make([]int32, len(idx))

	for j, i := range idx {
		for _, v := range b.ds.Image(i) {
			pixels = append(pixels, float32(v))
		}

		digits[j] = int32(b.ds.Labels[i])
	}

	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(pixels, len(idx), dataset.NumPixels)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(digits, len(idx), 1)}

	return nil, inputs, labels, nil
}
