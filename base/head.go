package base

import (
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Projection is the optional 1x1 output head appended to a backbone.
type Projection struct {
	Conv *nn.Conv2D
}

// ForwardT implements ts.ModuleT for Projection.
func (h *Projection) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return h.Conv.ForwardT(x, train)
}

// NewProjection creates a 1x1 convolution mapping cIn channels to cOut.
func NewProjection(p *nn.Path, cIn, cOut int64) *Projection {
	config := nn.DefaultConv2DConfig()
	config.Bias = false

	return &Projection{Conv: nn.NewConv2D(p, cIn, cOut, 1, config)}
}
