package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/base"
)

// BlockKind selects the residual block variant of a trunk.
type BlockKind int

const (
	BlockBasic BlockKind = iota
	BlockBottleneck
)

// Expansion is the ratio between a block's output channels and its nominal width.
func (k BlockKind) Expansion() int64 {
	if k == BlockBottleneck {
		return 4
	}
	return 1
}

func (k BlockKind) String() string {
	switch k {
	case BlockBasic:
		return "BasicBlock"
	case BlockBottleneck:
		return "Bottleneck"
	default:
		return fmt.Sprintf("BlockKind(%d)", int(k))
	}
}

// blockConfig carries everything one residual block needs. Downsample is the
// shortcut projection built by the trunk; nil means identity shortcut.
type blockConfig struct {
	cIn        int64
	planes     int64
	stride     int64
	downsample ts.ModuleT
	groups     int64
	baseWidth  int64
	dilation   int64
	zeroInit   bool
}

func (k BlockKind) build(p *nn.Path, c blockConfig) (ts.ModuleT, error) {
	switch k {
	case BlockBasic:
		return NewBasicBlock(p, c)
	case BlockBottleneck:
		return NewBottleneck(p, c), nil
	default:
		return nil, fmt.Errorf("encoder: unsupported block kind %v", k)
	}
}

// downSample builds the 1x1 conv + batch-norm shortcut projection when the
// block changes stride or channel count. It returns nil otherwise.
func downSample(path *nn.Path, cIn, cOut, stride int64) ts.ModuleT {
	if stride != 1 || cIn != cOut {
		seq := nn.SeqT()
		seq.Add(base.Conv1x1(path.Sub("0"), cIn, cOut, stride))
		seq.Add(base.BatchNorm2d(path.Sub("1"), cOut, false))

		return seq
	}
	return nil
}

// shortcut applies the block's shortcut path to x.
func shortcut(ds ts.ModuleT, x *ts.Tensor, train bool) *ts.Tensor {
	if ds == nil {
		return x.MustShallowClone()
	}
	return ds.ForwardT(x, train)
}

type BasicBlock struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Downsample ts.ModuleT
}

// NewBasicBlock creates a two-convolution residual block (expansion 1).
func NewBasicBlock(path *nn.Path, c blockConfig) (*BasicBlock, error) {
	if c.groups != 1 || c.baseWidth != 64 {
		return nil, fmt.Errorf("%w: got groups=%d base_width=%d", ErrBasicBlockConfig, c.groups, c.baseWidth)
	}

	conv1 := base.Conv3x3(path.Sub("conv1"), c.cIn, c.planes, c.stride, 1, c.dilation)
	bn1 := base.BatchNorm2d(path.Sub("bn1"), c.planes, false)
	conv2 := base.Conv3x3(path.Sub("conv2"), c.planes, c.planes, 1, 1, c.dilation)
	bn2 := base.BatchNorm2d(path.Sub("bn2"), c.planes, c.zeroInit)

	return &BasicBlock{conv1, bn1, conv2, bn2, c.downsample}, nil
}

func (bb *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.ForwardT(x, train)
	bn1Ts := bb.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1Ts.MustRelu(true)
	c2 := bb.Conv2.ForwardT(relu, train)
	relu.MustDrop()
	bn2Ts := bb.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	dsl := shortcut(bb.Downsample, x, train)
	dslAdd := dsl.MustAdd(bn2Ts, true)
	bn2Ts.MustDrop()
	res := dslAdd.MustRelu(true)

	return res
}

type Bottleneck struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Conv3      *nn.Conv2D
	Bn3        *nn.BatchNorm
	Downsample ts.ModuleT
}

// bottleneckWidth is the inner width of a Bottleneck block.
func bottleneckWidth(planes, baseWidth, groups int64) int64 {
	return int64(float64(planes)*(float64(baseWidth)/64.0)) * groups
}

// NewBottleneck creates a 1x1 -> 3x3 -> 1x1 residual block (expansion 4).
// Stride, groups and dilation are carried by the 3x3 convolution.
func NewBottleneck(path *nn.Path, c blockConfig) *Bottleneck {
	width := bottleneckWidth(c.planes, c.baseWidth, c.groups)
	cOut := c.planes * BlockBottleneck.Expansion()

	conv1 := base.Conv1x1(path.Sub("conv1"), c.cIn, width, 1)
	bn1 := base.BatchNorm2d(path.Sub("bn1"), width, false)
	conv2 := base.Conv3x3(path.Sub("conv2"), width, width, c.stride, c.groups, c.dilation)
	bn2 := base.BatchNorm2d(path.Sub("bn2"), width, false)
	conv3 := base.Conv1x1(path.Sub("conv3"), width, cOut, 1)
	bn3 := base.BatchNorm2d(path.Sub("bn3"), cOut, c.zeroInit)

	return &Bottleneck{conv1, bn1, conv2, bn2, conv3, bn3, c.downsample}
}

func (b *Bottleneck) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := b.Conv1.ForwardT(x, train)
	bn1Ts := b.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu1 := bn1Ts.MustRelu(true)
	c2 := b.Conv2.ForwardT(relu1, train)
	relu1.MustDrop()
	bn2Ts := b.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	relu2 := bn2Ts.MustRelu(true)
	c3 := b.Conv3.ForwardT(relu2, train)
	relu2.MustDrop()
	bn3Ts := b.Bn3.ForwardT(c3, train)
	c3.MustDrop()
	dsl := shortcut(b.Downsample, x, train)
	dslAdd := dsl.MustAdd(bn3Ts, true)
	bn3Ts.MustDrop()
	res := dslAdd.MustRelu(true)

	return res
}
