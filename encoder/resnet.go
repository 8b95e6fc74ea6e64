package encoder

import (
	"fmt"
	"log/slog"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/base"
)

// stemChannels is the stem output width. It does not follow InChannels.
const stemChannels int64 = 64

// Options configures a ResNet trunk.
type Options struct {
	// InChannels holds the nominal width of the four stages. A non-positive
	// value at index 2 or 3 disables that stage.
	InChannels []int64
	// InputDim is the number of channels of the input tensor.
	InputDim int64
	// StrideToDilation replaces the stride of stages 2, 3 and 4 with dilation.
	// Nil means no replacement.
	StrideToDilation []bool
	// ZeroInitResidual zeroes the last batch-norm scale of every block.
	ZeroInitResidual bool
}

// DefaultOptions returns the single-channel BEV configuration with all four
// stages enabled.
func DefaultOptions() Options {
	return Options{
		InChannels:       []int64{64, 128, 256, 512},
		InputDim:         1,
		StrideToDilation: []bool{false, false, false},
	}
}

func (o Options) validate() error {
	if len(o.InChannels) != 4 {
		return fmt.Errorf("%w: expected 4 stage channels, got %d", ErrStageConfig, len(o.InChannels))
	}
	if o.InChannels[0] <= 0 || o.InChannels[1] <= 0 {
		return fmt.Errorf("%w: stages 1 and 2 must be positive, got %v", ErrStageConfig, o.InChannels)
	}
	if o.InChannels[3] > 0 && o.InChannels[2] <= 0 {
		return fmt.Errorf("%w: in_channels=%v", ErrStageOrder, o.InChannels)
	}
	if o.InputDim <= 0 {
		return fmt.Errorf("%w: input_dim must be positive, got %d", ErrStageConfig, o.InputDim)
	}
	if o.StrideToDilation != nil && len(o.StrideToDilation) != 3 {
		return fmt.Errorf("%w, got %v", ErrDilationFlags, o.StrideToDilation)
	}
	return nil
}

// ResNet is a residual trunk with a stride-1 stem and no max-pool, so the
// first two feature maps keep the input resolution.
type ResNet struct {
	Conv1  *nn.Conv2D
	Bn1    *nn.BatchNorm
	Layer1 *nn.SequentialT
	Layer2 *nn.SequentialT
	Layer3 *nn.SequentialT // nil when disabled
	Layer4 *nn.SequentialT // nil when disabled

	arch       Arch
	block      BlockKind
	inChannels []int64
}

// trunkBuilder tracks the running width and dilation while stages are built.
type trunkBuilder struct {
	block     BlockKind
	groups    int64
	baseWidth int64
	zeroInit  bool
	inplanes  int64
	dilation  int64
}

func (b *trunkBuilder) makeLayer(path *nn.Path, planes, blocks, stride int64, dilate bool) (*nn.SequentialT, error) {
	previousDilation := b.dilation
	if dilate {
		b.dilation *= stride
		stride = 1
	}
	expansion := b.block.Expansion()
	ds := downSample(path.Sub("0").Sub("downsample"), b.inplanes, planes*expansion, stride)

	layer := nn.SeqT()
	first, err := b.block.build(path.Sub("0"), blockConfig{
		cIn:        b.inplanes,
		planes:     planes,
		stride:     stride,
		downsample: ds,
		groups:     b.groups,
		baseWidth:  b.baseWidth,
		dilation:   previousDilation,
		zeroInit:   b.zeroInit,
	})
	if err != nil {
		return nil, err
	}
	layer.Add(first)

	b.inplanes = planes * expansion
	for blockIndex := 1; blockIndex < int(blocks); blockIndex++ {
		blk, err := b.block.build(path.Sub(fmt.Sprint(blockIndex)), blockConfig{
			cIn:       b.inplanes,
			planes:    planes,
			stride:    1,
			groups:    b.groups,
			baseWidth: b.baseWidth,
			dilation:  b.dilation,
			zeroInit:  b.zeroInit,
		})
		if err != nil {
			return nil, err
		}
		layer.Add(blk)
	}

	return layer, nil
}

// NewResNet builds the trunk of the given architecture under p. Variable
// names follow the torchvision layout (conv1, bn1, layer1.0.conv1, ...).
func NewResNet(p *nn.Path, arch Arch, opts Options) (*ResNet, error) {
	spec, ok := archs[arch]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArch, arch)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	dilate := opts.StrideToDilation
	if dilate == nil {
		dilate = []bool{false, false, false}
	}

	b := &trunkBuilder{
		block:     spec.block,
		groups:    spec.groups,
		baseWidth: spec.widthPerGroup,
		zeroInit:  opts.ZeroInitResidual,
		inplanes:  stemChannels,
		dilation:  1,
	}

	net := &ResNet{
		Conv1:      base.Conv2dNoBias(p.Sub("conv1"), opts.InputDim, stemChannels, 7, 3, 1),
		Bn1:        base.BatchNorm2d(p.Sub("bn1"), stemChannels, false),
		arch:       arch,
		block:      spec.block,
		inChannels: append([]int64(nil), opts.InChannels...),
	}

	var err error
	ch := opts.InChannels
	if net.Layer1, err = b.makeLayer(p.Sub("layer1"), ch[0], spec.layers[0], 1, false); err != nil {
		return nil, err
	}
	if net.Layer2, err = b.makeLayer(p.Sub("layer2"), ch[1], spec.layers[1], 2, dilate[0]); err != nil {
		return nil, err
	}
	if ch[2] > 0 {
		if net.Layer3, err = b.makeLayer(p.Sub("layer3"), ch[2], spec.layers[2], 2, dilate[1]); err != nil {
			return nil, err
		}
	}
	if ch[3] > 0 {
		if net.Layer4, err = b.makeLayer(p.Sub("layer4"), ch[3], spec.layers[3], 2, dilate[2]); err != nil {
			return nil, err
		}
	}

	slog.Debug("built resnet trunk", "arch", arch, "block", spec.block, "in_channels", opts.InChannels,
		"dilation", dilate, "features", net.NumFeatures())

	return net, nil
}

// Arch returns the trunk architecture.
func (r *ResNet) Arch() Arch {
	return r.arch
}

// Expansion returns the block expansion factor of the trunk.
func (r *ResNet) Expansion() int64 {
	return r.block.Expansion()
}

// NumFeatures is the length of the ForwardAll output.
func (r *ResNet) NumFeatures() int {
	n := 3
	if r.Layer3 != nil {
		n++
	}
	if r.Layer4 != nil {
		n++
	}
	return n
}

// FeatureChannels returns the channel count of every ForwardAll output.
func (r *ResNet) FeatureChannels() []int64 {
	e := r.Expansion()
	chans := []int64{stemChannels, r.inChannels[0] * e, r.inChannels[1] * e}
	if r.Layer3 != nil {
		chans = append(chans, r.inChannels[2]*e)
	}
	if r.Layer4 != nil {
		chans = append(chans, r.inChannels[3]*e)
	}
	return chans
}

// OutChannels is the channel count of the deepest enabled stage.
func (r *ResNet) OutChannels() int64 {
	chans := r.FeatureChannels()
	return chans[len(chans)-1]
}

func (r *ResNet) stem(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := r.Conv1.ForwardT(x, train)
	bn1 := r.Bn1.ForwardT(c1, train)
	c1.MustDrop()

	return bn1.MustRelu(true)
}

func (r *ResNet) stages() []*nn.SequentialT {
	layers := []*nn.SequentialT{r.Layer1, r.Layer2}
	if r.Layer3 != nil {
		layers = append(layers, r.Layer3)
	}
	if r.Layer4 != nil {
		layers = append(layers, r.Layer4)
	}
	return layers
}

// ForwardAll implements Encoder interface for ResNet.
func (r *ResNet) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	feats := []*ts.Tensor{r.stem(x, train)}
	for _, layer := range r.stages() {
		feats = append(feats, layer.ForwardT(feats[len(feats)-1], train))
	}

	return feats
}

// ForwardT implements ts.ModuleT for ResNet. It returns the deepest enabled
// stage output only.
func (r *ResNet) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out := r.stem(x, train)
	for _, layer := range r.stages() {
		next := layer.ForwardT(out, train)
		out.MustDrop()
		out = next
	}

	return out
}
