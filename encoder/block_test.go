package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

func TestBasicBlockRejectsGroups(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)

	_, err := NewBasicBlock(vs.Root().Sub("a"), blockConfig{cIn: 64, planes: 64, stride: 1, groups: 32, baseWidth: 4, dilation: 1})
	assert.ErrorIs(t, err, ErrBasicBlockConfig)

	_, err = NewBasicBlock(vs.Root().Sub("b"), blockConfig{cIn: 64, planes: 64, stride: 1, groups: 1, baseWidth: 128, dilation: 1})
	assert.ErrorIs(t, err, ErrBasicBlockConfig)
}

func TestResNeXtRejectsBasicBlock(t *testing.T) {
	b := &trunkBuilder{block: BlockBasic, groups: 32, baseWidth: 4, inplanes: 64, dilation: 1}
	vs := nn.NewVarStore(gotch.CPU)

	_, err := b.makeLayer(vs.Root().Sub("layer1"), 64, 2, 1, false)
	assert.ErrorIs(t, err, ErrBasicBlockConfig)
}

func TestBottleneckWidth(t *testing.T) {
	assert.Equal(t, int64(64), bottleneckWidth(64, 64, 1))
	assert.Equal(t, int64(128), bottleneckWidth(64, 128, 1))
	assert.Equal(t, int64(128), bottleneckWidth(64, 4, 32))
	assert.Equal(t, int64(256), bottleneckWidth(64, 8, 32))
}

func TestBlockShapes(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	x := ts.MustRand([]int64{1, 16, 8, 8}, gotch.Float, gotch.CPU)
	defer x.MustDrop()

	basic, err := NewBasicBlock(vs.Root().Sub("basic"), blockConfig{
		cIn: 16, planes: 32, stride: 2, groups: 1, baseWidth: 64, dilation: 1,
		downsample: downSample(vs.Root().Sub("basic").Sub("downsample"), 16, 32, 2),
	})
	require.NoError(t, err)
	out := basic.ForwardT(x, false)
	assert.Equal(t, []int64{1, 32, 4, 4}, out.MustSize())
	out.MustDrop()

	bottleneck := NewBottleneck(vs.Root().Sub("bottleneck"), blockConfig{
		cIn: 16, planes: 8, stride: 1, groups: 1, baseWidth: 64, dilation: 2,
		downsample: downSample(vs.Root().Sub("bottleneck").Sub("downsample"), 16, 32, 1),
	})
	out = bottleneck.ForwardT(x, false)
	assert.Equal(t, []int64{1, 32, 8, 8}, out.MustSize())
	out.MustDrop()

	identity := NewBottleneck(vs.Root().Sub("identity"), blockConfig{
		cIn: 32, planes: 8, stride: 1, groups: 1, baseWidth: 64, dilation: 1,
	})
	assert.Nil(t, identity.Downsample)
}

func TestDownSample(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	assert.Nil(t, downSample(vs.Root().Sub("a"), 64, 64, 1))
	assert.NotNil(t, downSample(vs.Root().Sub("b"), 64, 256, 1))
	assert.NotNil(t, downSample(vs.Root().Sub("c"), 64, 64, 2))
}
