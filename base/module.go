package base

import (
	"math"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Identity is a nn.Module placeholder.
// It forwards the input tensor as such, sharing storage and autograd history.
type Identity struct{}

// Forward implement nn.Module for Identity struct
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustShallowClone()
}

// ForwardT implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return x.MustShallowClone()
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// fanOutInit draws from N(0, std) where std = sqrt(2 / fan-out).
type fanOutInit struct {
	std float64
}

// KaimingFanOut returns a normal initializer scaled by the fan-out of a
// ReLU-followed convolution: std = sqrt(2 / (cOut * ksize * ksize)).
func KaimingFanOut(cOut, ksize int64) nn.Init {
	fanOut := float64(cOut * ksize * ksize)
	return fanOutInit{std: math.Sqrt(2.0 / fanOut)}
}

func (k fanOutInit) InitTensor(dims []int64, device gotch.Device) *ts.Tensor {
	x := ts.MustZeros(dims, gotch.Float, device)
	x.MustNormal_(0.0, k.std)
	return x
}

func (k fanOutInit) Set(x *ts.Tensor) {
	ts.NoGrad(func() {
		x.MustNormal_(0.0, k.std)
	})
}

// Conv3x3 creates a 3x3 convolution without bias. Padding follows dilation so
// that spatial size only changes with stride.
func Conv3x3(p *nn.Path, cIn, cOut, stride, groups, dilation int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{dilation, dilation}
	config.Dilation = []int64{dilation, dilation}
	config.Groups = groups
	config.WsInit = KaimingFanOut(cOut, 3)

	return nn.NewConv2D(p, cIn, cOut, 3, config)
}

// Conv1x1 creates a 1x1 convolution without bias.
func Conv1x1(p *nn.Path, cIn, cOut, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{0, 0}
	config.WsInit = KaimingFanOut(cOut, 1)

	return nn.NewConv2D(p, cIn, cOut, 1, config)
}

// Conv2dNoBias creates Conv2D with no bias and fan-out Kaiming weights.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}
	config.WsInit = KaimingFanOut(cOut, ksize)

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// BatchNorm2d creates a batch-norm layer with scale 1 and bias 0. With
// zeroInit the scale starts at 0 instead.
func BatchNorm2d(p *nn.Path, c int64, zeroInit bool) *nn.BatchNorm {
	config := nn.DefaultBatchNormConfig()
	config.WsInit = nn.NewConstInit(1.0)
	if zeroInit {
		config.WsInit = nn.NewConstInit(0.0)
	}
	config.BsInit = nn.NewConstInit(0.0)

	return nn.BatchNorm2D(p, c, config)
}

// TransConv2D is a 3x3 transposed convolution with padding 1 and a bias.
// The weight is laid out [cIn, cOut, 3, 3] as conv_transpose2d expects.
type TransConv2D struct {
	Ws *ts.Tensor
	Bs *ts.Tensor

	Stride        []int64
	OutputPadding []int64
}

// TransConv2d creates a TransConv2D under p.
//
// Output size is (H-1)*stride - 2 + 3 + outputPadding, i.e. H*stride when
// outputPadding == stride-1.
func TransConv2d(p *nn.Path, cIn, cOut, stride, outputPadding int64) *TransConv2D {
	// fan-in of a transposed convolution is taken over dim 1 of its weight.
	bound := 1.0 / math.Sqrt(float64(cOut*3*3))

	return &TransConv2D{
		Ws:            p.NewVar("weight", []int64{cIn, cOut, 3, 3}, nn.NewKaimingUniformInit()),
		Bs:            p.NewVar("bias", []int64{cOut}, nn.NewUniformInit(-bound, bound)),
		Stride:        []int64{stride, stride},
		OutputPadding: []int64{outputPadding, outputPadding},
	}
}

// Forward implements ts.Module for TransConv2D.
func (c *TransConv2D) Forward(x *ts.Tensor) *ts.Tensor {
	return ts.MustConvTranspose2d(x, c.Ws, c.Bs, c.Stride, []int64{1, 1}, c.OutputPadding, 1, []int64{1, 1})
}
