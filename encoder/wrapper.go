package encoder

import (
	"context"
	"log/slog"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/base"
)

// WrapperOptions configures a Wrapper.
type WrapperOptions struct {
	Options

	// Arch is the architecture name, e.g. "resnet18".
	Arch string
	// Pretrained loads the checkpoint stem through Loader.
	Pretrained bool
	Loader     StateLoader
	// OutConv appends a 1x1 projection to OutChannel channels.
	OutConv    bool
	OutChannel int64
}

// Wrapper is a named trunk with an optional 1x1 output projection.
type Wrapper struct {
	Model *ResNet
	Out   *base.Projection // nil without OutConv
}

// NewWrapper looks up and builds the trunk named by opts.Arch.
func NewWrapper(ctx context.Context, p *nn.Path, opts WrapperOptions) (*Wrapper, error) {
	arch, err := LookupArch(opts.Arch)
	if err != nil {
		return nil, err
	}
	model, err := NewResNet(p.Sub("model"), arch, opts.Options)
	if err != nil {
		return nil, err
	}
	if opts.Pretrained {
		if err := LoadStem(ctx, model, opts.Loader); err != nil {
			return nil, err
		}
	}

	w := &Wrapper{Model: model}
	if opts.OutConv {
		w.Out = base.NewProjection(p.Sub("out"), model.OutChannels(), opts.OutChannel)
		slog.Debug("backbone output projection", "in", model.OutChannels(), "out", opts.OutChannel)
	}

	return w, nil
}

// FeatureChannels returns the channel count of every ForwardAll output.
func (w *Wrapper) FeatureChannels() []int64 {
	chans := w.Model.FeatureChannels()
	if w.Out != nil {
		chans[len(chans)-1] = w.Out.Conv.Ws.MustSize()[0]
	}
	return chans
}

// ForwardT implements ts.ModuleT for Wrapper: trunk, then the projection.
func (w *Wrapper) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out := w.Model.ForwardT(x, train)
	if w.Out == nil {
		return out
	}
	proj := w.Out.ForwardT(out, train)
	out.MustDrop()

	return proj
}

// ForwardAll implements Encoder for Wrapper. The projection, if any, replaces
// the deepest feature map.
func (w *Wrapper) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	feats := w.Model.ForwardAll(x, train)
	if w.Out == nil {
		return feats
	}
	last := len(feats) - 1
	proj := w.Out.ForwardT(feats[last], train)
	feats[last].MustDrop()
	feats[last] = proj

	return feats
}
