package fpn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/config"
	"github.com/sugarme/bevfpn/encoder"
)

// Item is the dictionary flowing through a detector: the model reads its
// input tensor from it and writes the multi-resolution features back.
type Item map[string]interface{}

// Model is a residual trunk emitting every stage output, followed by the
// multi-resolution feature pyramid.
type Model struct {
	Backbone *encoder.Wrapper
	Head     *Head

	inputKey  string
	outputKey string
}

// NewModel builds the backbone and the head described by cfg under p. loader
// is only used when pretrained weights are requested.
func NewModel(ctx context.Context, p *nn.Path, cfg *config.Config, loader encoder.StateLoader) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bb := cfg.Model.Backbone

	backbone, err := encoder.NewWrapper(ctx, p.Sub("resnet"), encoder.WrapperOptions{
		Options: encoder.Options{
			InChannels:       bb.InChannels,
			InputDim:         bb.InputDim,
			StrideToDilation: bb.StrideToDilation,
		},
		Arch:       bb.ResNet,
		Pretrained: bb.Pretrained,
		Loader:     loader,
		OutConv:    bb.OutConv,
		OutChannel: cfg.FeaturemapOutChannel,
	})
	if err != nil {
		return nil, err
	}

	head, err := NewHead(p, bb)
	if err != nil {
		return nil, err
	}

	chans := backbone.FeatureChannels()
	if head.NumInputs() != len(chans) {
		return nil, fmt.Errorf("%w: backbone emits %d feature maps, fpn_rate has %d entries",
			ErrLengthMismatch, len(chans), head.NumInputs())
	}
	if head.Mode() != ModeBilinear {
		for i, c := range chans {
			if bb.FPNInChannels[i] != c {
				return nil, fmt.Errorf("%w: feature map %d has %d channels, fpn_in_channels[%d] = %d",
					ErrChannelMismatch, i, c, i, bb.FPNInChannels[i])
			}
		}
	}

	slog.Info("built multi-resolution fpn", "resnet", bb.ResNet, "mode", head.Mode(), "features", chans)

	return &Model{
		Backbone:  backbone,
		Head:      head,
		inputKey:  cfg.InputKey,
		outputKey: cfg.OutputKey,
	}, nil
}

// ForwardFeatures runs the backbone and the head on x.
func (m *Model) ForwardFeatures(x *ts.Tensor, train bool) (*Features, error) {
	feats := m.Backbone.ForwardAll(x, train)
	defer func() {
		for _, f := range feats {
			f.MustDrop()
		}
	}()

	return m.Head.Fuse(feats, train)
}

// Forward reads the input tensor from item, and stores either a *ts.Tensor
// (bilinear mode) or a map[string]*ts.Tensor keyed by stride label under the
// output key. The same item is returned.
func (m *Model) Forward(item Item, train bool) (Item, error) {
	x, ok := item[m.inputKey].(*ts.Tensor)
	if !ok || x == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingInput, m.inputKey)
	}

	out, err := m.ForwardFeatures(x, train)
	if err != nil {
		return nil, err
	}
	item[m.outputKey] = out.Value()

	return item, nil
}
