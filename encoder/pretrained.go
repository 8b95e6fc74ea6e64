package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	ts "github.com/sugarme/gotch/tensor"
)

// StateLoader fetches named tensors of a pretrained checkpoint.
type StateLoader interface {
	StateDict(ctx context.Context, arch string, keys ...string) (map[string]*ts.Tensor, error)
}

// StemKeys are the only checkpoint entries applied to a trunk.
var StemKeys = []string{
	"conv1.weight",
	"bn1.weight",
	"bn1.bias",
	"bn1.running_mean",
	"bn1.running_var",
}

// LoadStem copies the stem convolution and stem batch-norm of the
// architecture's pretrained checkpoint into r. The checkpoint stem expects RGB
// input, so only its first input channel is kept. Every other parameter of r
// is left untouched.
func LoadStem(ctx context.Context, r *ResNet, loader StateLoader) error {
	if loader == nil {
		return ErrNoLoader
	}
	state, err := loader.StateDict(ctx, string(r.arch), StemKeys...)
	if err != nil {
		return fmt.Errorf("load %s stem: %w", r.arch, err)
	}
	defer func() {
		for _, t := range state {
			t.MustDrop()
		}
	}()

	return ApplyStem(r, state)
}

// ApplyStem copies stem entries of state into r. state is left unchanged.
func ApplyStem(r *ResNet, state map[string]*ts.Tensor) error {
	for _, k := range StemKeys {
		if _, ok := state[k]; !ok {
			return fmt.Errorf("encoder: checkpoint has no %q", k)
		}
	}

	conv1 := state["conv1.weight"].MustNarrow(1, 0, 1, false)
	defer conv1.MustDrop()

	pairs := []struct {
		name string
		dst  *ts.Tensor
		src  *ts.Tensor
	}{
		{"conv1.weight", r.Conv1.Ws, conv1},
		{"bn1.weight", r.Bn1.Ws, state["bn1.weight"]},
		{"bn1.bias", r.Bn1.Bs, state["bn1.bias"]},
		{"bn1.running_mean", r.Bn1.RunningMean, state["bn1.running_mean"]},
		{"bn1.running_var", r.Bn1.RunningVar, state["bn1.running_var"]},
	}

	for _, pair := range pairs {
		if want, got := pair.dst.MustSize(), pair.src.MustSize(); !reflect.DeepEqual(want, got) {
			return fmt.Errorf("%w: %s expected %v, got %v", ErrShapeMismatch, pair.name, want, got)
		}
	}

	ts.NoGrad(func() {
		for _, pair := range pairs {
			pair.dst.Copy_(pair.src)
		}
	})

	slog.Info("loaded pretrained stem", "arch", r.arch, "conv1", r.Conv1.Ws.MustSize())

	return nil
}
