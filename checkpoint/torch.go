package checkpoint

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	ts "github.com/sugarme/gotch/tensor"
)

var (
	ErrMissingKey        = errors.New("checkpoint: missing key")
	ErrUnsupportedTensor = errors.New("checkpoint: unsupported tensor")
)

// getter is satisfied by both *types.Dict and *types.OrderedDict.
type getter interface {
	Get(key interface{}) (interface{}, bool)
}

// Load decodes a PyTorch state dict and converts the named entries to
// float32 tensors. With no keys every entry is converted.
func Load(p string, keys ...string) (map[string]*ts.Tensor, error) {
	pt, err := pytorch.Load(p)
	if err != nil {
		return nil, fmt.Errorf("unpickle %s: %w", p, err)
	}

	dict, ok := pt.(getter)
	if !ok {
		return nil, fmt.Errorf("checkpoint: %s is not a state dict (%T)", p, pt)
	}

	if len(keys) == 0 {
		keys, err = allKeys(pt)
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string]*ts.Tensor, len(keys))
	for _, k := range keys {
		v, ok := dict.Get(k)
		if !ok {
			dropAll(out)
			return nil, fmt.Errorf("%w: %q in %s", ErrMissingKey, k, p)
		}
		t, err := toTensor(k, v)
		if err != nil {
			dropAll(out)
			return nil, err
		}
		out[k] = t
	}

	return out, nil
}

// allKeys lists the string keys of a state dict in checkpoint order.
func allKeys(pt interface{}) ([]string, error) {
	var raw []interface{}
	switch d := pt.(type) {
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			raw = append(raw, e.Value.(*types.OrderedDictEntry).Key)
		}
	case *types.Dict:
		raw = d.Keys()
	default:
		return nil, fmt.Errorf("checkpoint: cannot list keys of %T", pt)
	}

	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

func dropAll(m map[string]*ts.Tensor) {
	for _, t := range m {
		t.MustDrop()
	}
}

// toTensor copies a contiguous float32 pickle tensor into a gotch tensor.
func toTensor(name string, v interface{}) (*ts.Tensor, error) {
	pt, ok := v.(*pytorch.Tensor)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T", ErrUnsupportedTensor, name, v)
	}
	storage, ok := pt.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, fmt.Errorf("%w: %q has %T storage", ErrUnsupportedTensor, name, pt.Source)
	}

	shape := make([]int64, len(pt.Size))
	numel := 1
	for i, d := range pt.Size {
		shape[i] = int64(d)
		numel *= d
	}
	if !contiguous(pt.Size, pt.Stride) {
		return nil, fmt.Errorf("%w: %q is not contiguous (size %v, stride %v)", ErrUnsupportedTensor, name, pt.Size, pt.Stride)
	}
	end := pt.StorageOffset + numel
	if pt.StorageOffset < 0 || end > len(storage.Data) {
		return nil, fmt.Errorf("%w: %q overruns its storage", ErrUnsupportedTensor, name)
	}

	data := make([]float32, numel)
	copy(data, storage.Data[pt.StorageOffset:end])

	return ts.MustOfSlice(data).MustView(shape, true), nil
}

func contiguous(size, stride []int) bool {
	if len(stride) == 0 {
		return true
	}
	if len(size) != len(stride) {
		return false
	}
	expect := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expect {
			return false
		}
		expect *= size[i]
	}
	return true
}
