package encoder_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/encoder"
)

// fakeLoader serves a random RGB-stem checkpoint and records what was asked.
type fakeLoader struct {
	arch  string
	keys  []string
	state map[string]*ts.Tensor
	err   error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{state: map[string]*ts.Tensor{
		"conv1.weight":      ts.MustRand([]int64{64, 3, 7, 7}, gotch.Float, gotch.CPU),
		"bn1.weight":        ts.MustRand([]int64{64}, gotch.Float, gotch.CPU),
		"bn1.bias":          ts.MustRand([]int64{64}, gotch.Float, gotch.CPU),
		"bn1.running_mean":  ts.MustRand([]int64{64}, gotch.Float, gotch.CPU),
		"bn1.running_var":   ts.MustRand([]int64{64}, gotch.Float, gotch.CPU),
		"layer1.0.bn1.bias": ts.MustRand([]int64{64}, gotch.Float, gotch.CPU),
	}}
}

// StateDict hands out shallow clones so the test keeps its own references.
func (l *fakeLoader) StateDict(ctx context.Context, arch string, keys ...string) (map[string]*ts.Tensor, error) {
	l.arch = arch
	l.keys = keys
	if l.err != nil {
		return nil, l.err
	}
	out := make(map[string]*ts.Tensor, len(keys))
	for _, k := range keys {
		out[k] = l.state[k].MustShallowClone()
	}
	return out, nil
}

func TestLoadStem(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net, err := encoder.NewResNet(vs.Root(), encoder.ResNet18, encoder.DefaultOptions())
	require.NoError(t, err)

	vars := vs.Variables()
	layer1 := vars["layer1.0.conv1.weight"]
	before := layer1.Float64Values()

	loader := newFakeLoader()
	require.NoError(t, encoder.LoadStem(context.Background(), net, loader))

	assert.Equal(t, "resnet18", loader.arch)
	assert.Equal(t, encoder.StemKeys, loader.keys)

	assert.Equal(t, []int64{64, 1, 7, 7}, net.Conv1.Ws.MustSize())
	want := loader.state["conv1.weight"].MustNarrow(1, 0, 1, false)
	defer want.MustDrop()
	assert.Equal(t, want.Float64Values(), net.Conv1.Ws.Float64Values())

	assert.Equal(t, loader.state["bn1.weight"].Float64Values(), net.Bn1.Ws.Float64Values())
	assert.Equal(t, loader.state["bn1.bias"].Float64Values(), net.Bn1.Bs.Float64Values())
	assert.Equal(t, loader.state["bn1.running_mean"].Float64Values(), net.Bn1.RunningMean.Float64Values())
	assert.Equal(t, loader.state["bn1.running_var"].Float64Values(), net.Bn1.RunningVar.Float64Values())

	assert.Equal(t, before, layer1.Float64Values())
	bias := vars["layer1.0.bn1.bias"]
	for _, v := range bias.Float64Values() {
		assert.Zero(t, v)
	}
}

func TestLoadStemShapeMismatch(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	opts := encoder.DefaultOptions()
	opts.InputDim = 3
	net, err := encoder.NewResNet(vs.Root(), encoder.ResNet34, opts)
	require.NoError(t, err)

	err = encoder.LoadStem(context.Background(), net, newFakeLoader())
	assert.ErrorIs(t, err, encoder.ErrShapeMismatch)
}

func TestLoadStemLoaderError(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net, err := encoder.NewResNet(vs.Root(), encoder.ResNet18, encoder.DefaultOptions())
	require.NoError(t, err)

	fetchErr := errors.New("connection refused")
	loader := newFakeLoader()
	loader.err = fetchErr

	err = encoder.LoadStem(context.Background(), net, loader)
	assert.ErrorIs(t, err, fetchErr)

	assert.ErrorIs(t, encoder.LoadStem(context.Background(), net, nil), encoder.ErrNoLoader)
}

func TestWrapperPretrained(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	loader := newFakeLoader()

	w, err := encoder.NewWrapper(context.Background(), vs.Root(), encoder.WrapperOptions{
		Options:    encoder.DefaultOptions(),
		Arch:       "resnet50",
		Pretrained: true,
		Loader:     loader,
	})
	require.NoError(t, err)
	assert.Equal(t, "resnet50", loader.arch)
	assert.Equal(t, loader.state["bn1.weight"].Float64Values(), w.Model.Bn1.Ws.Float64Values())
}
