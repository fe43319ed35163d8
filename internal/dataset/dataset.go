package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Dataset is a preprocessed, in-memory set of labeled images.
type Dataset struct {
	Name string

	// Pixels holds the images back to back, NumPixels values each, in [0, 1].
	Pixels []float64

	// Labels holds one digit per image.
	Labels []uint8
}

// Len returns the number of examples.
func (ds *Dataset) Len() int { return len(ds.Labels) }

// Image returns the pixels of example i. The slice aliases the dataset.
func (ds *Dataset) Image(i int) []float64 {
	return ds.Pixels[i*NumPixels : (i+1)*NumPixels]
}

// Concat returns a dataset with the examples of all datasets, in order.
func Concat(name string, datasets ...*Dataset) *Dataset {
	out := &Dataset{Name: name}
	for _, ds := range datasets {
		out.Pixels = append(out.Pixels, ds.Pixels...)
		out.Labels = append(out.Labels, ds.Labels...)
	}

	return out
}

// Head returns a view of the first n examples, or of all of them when n is
// larger than the dataset.
func (ds *Dataset) Head(n int) *Dataset {
	n = min(n, ds.Len())

	return &Dataset{Name: ds.Name, Pixels: ds.Pixels[:n*NumPixels], Labels: ds.Labels[:n]}
}

// Batches splits the example indices into batches of batchSize; the last one
// may be shorter. Indices are shuffled with rng unless it is nil.
func (ds *Dataset) Batches(batchSize int, rng *rand.Rand) ([][]int, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}

	var indices []int
	if rng != nil {
		indices = rng.Perm(ds.Len())
	} else {
		indices = make([]int, ds.Len())
		for i := range indices {
			indices[i] = i
		}
	}

	batches := make([][]int, 0, (len(indices)+batchSize-1)/batchSize)
	for start := 0; start < len(indices); start += batchSize {
		batches = append(batches, indices[start:min(start+batchSize, len(indices))])
	}

	return batches, nil
}
