package fpn

import (
	"fmt"
	"reflect"

	ts "github.com/sugarme/gotch/tensor"
)

// catChannels concatenates xs along the channel dimension after checking
// that batch size and spatial shape agree.
func catChannels(xs []*ts.Tensor) (*ts.Tensor, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	ref := xs[0].MustSize()
	vals := make([]ts.Tensor, len(xs))
	for i, x := range xs {
		size := x.MustSize()
		if len(size) != 4 || size[0] != ref[0] || !reflect.DeepEqual(size[2:], ref[2:]) {
			return nil, fmt.Errorf("%w: input %d has shape %v, input 0 has %v", ErrShapeMismatch, i, size, ref)
		}
		vals[i] = *x
	}

	return ts.MustCat(vals, 1), nil
}

// buckets collects per-stride contributions in insertion order and owns the
// intermediate tensors created while filling them.
type buckets struct {
	lists   map[string][]*ts.Tensor
	scratch []*ts.Tensor
}

func newBuckets() *buckets {
	return &buckets{lists: make(map[string][]*ts.Tensor)}
}

// own registers t as an intermediate to be released by drop.
func (b *buckets) own(t *ts.Tensor) *ts.Tensor {
	b.scratch = append(b.scratch, t)
	return t
}

func (b *buckets) add(label string, t *ts.Tensor) {
	b.lists[label] = append(b.lists[label], t)
}

// concat concatenates every non-empty bucket.
func (b *buckets) concat() (map[string]*ts.Tensor, error) {
	out := make(map[string]*ts.Tensor, len(StrideLabels))
	for _, label := range StrideLabels {
		list := b.lists[label]
		if len(list) == 0 {
			continue
		}
		cat, err := catChannels(list)
		if err != nil {
			for _, t := range out {
				t.MustDrop()
			}
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		out[label] = cat
	}
	return out, nil
}

func (b *buckets) drop() {
	for _, t := range b.scratch {
		t.MustDrop()
	}
	b.scratch = nil
}
