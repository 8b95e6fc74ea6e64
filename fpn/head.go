package fpn

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/config"
	"github.com/sugarme/bevfpn/logutil"
)

// Features is the output of a Head. Fused is set in ModeBilinear, Strides in
// the other modes.
//
// Strides only holds the labels some input contributed to. With fpn_rate
// [1, 1] there is no stride2 or stride4 entry, so index it with the comma-ok
// form or range over Labels.
type Features struct {
	Mode    Mode
	Fused   *ts.Tensor
	Strides map[string]*ts.Tensor
}

// Value returns the tensor or the stride map, whichever the mode produces.
func (f *Features) Value() interface{} {
	if f.Mode == ModeBilinear {
		return f.Fused
	}
	return f.Strides
}

// Labels returns the populated stride labels, finest first.
func (f *Features) Labels() []string {
	var labels []string
	for _, l := range StrideLabels {
		if _, ok := f.Strides[l]; ok {
			labels = append(labels, l)
		}
	}
	return labels
}

// Drop releases every output tensor.
func (f *Features) Drop() {
	if f.Fused != nil {
		f.Fused.MustDrop()
		f.Fused = nil
	}
	for k, t := range f.Strides {
		t.MustDrop()
		delete(f.Strides, k)
	}
}

// fuser is one fusion topology.
type fuser interface {
	numInputs() int
	fuse(feats []*ts.Tensor, train bool) (*Features, error)
}

// Head is the multi-resolution feature pyramid. It holds exactly one fusion
// strategy, chosen at construction.
type Head struct {
	mode  Mode
	fuser fuser
}

// NewHead builds the head described by bb under p.
func NewHead(p *nn.Path, bb config.Backbone) (*Head, error) {
	mode, err := ParseMode(bb.FPNMode)
	if err != nil {
		return nil, err
	}

	var f fuser
	switch mode {
	case ModeBilinear:
		f, err = newBilinearFuser(bb.FPNRate)
	case ModeTransConv:
		f, err = newTransConvFuser(p.Sub("upsample"), bb.FPNRate, bb.FPNInChannels, bb.FPNOutChannels)
	case ModeBiFPN:
		f, err = newBiFPNFuser(p, biFPNOptions{
			rates:   bb.FPNRate,
			cIn:     bb.FPNInChannels,
			cOut:    bb.FPNOutChannels,
			biRates: bb.BiFPNRate,
			biIn:    bb.BiFPNInChannels,
			biOut:   bb.BiFPNOutChannels,
		})
	}
	if err != nil {
		return nil, err
	}

	return &Head{mode: mode, fuser: f}, nil
}

// Mode returns the fusion topology.
func (h *Head) Mode() Mode {
	return h.mode
}

// NumInputs is the number of feature maps Fuse expects.
func (h *Head) NumInputs() int {
	return h.fuser.numInputs()
}

// Fuse combines the trunk feature maps, shallowest first. feats are not
// dropped; the caller owns both feats and the returned Features.
func (h *Head) Fuse(feats []*ts.Tensor, train bool) (*Features, error) {
	if len(feats) != h.fuser.numInputs() {
		return nil, fmt.Errorf("%w: %s head expects %d feature maps, got %d",
			ErrLengthMismatch, h.mode, h.fuser.numInputs(), len(feats))
	}
	for i, feat := range feats {
		logutil.Trace("fpn input", "index", i, "shape", feat.MustSize())
	}

	out, err := h.fuser.fuse(feats, train)
	if err != nil {
		return nil, err
	}

	if out.Fused != nil {
		logutil.Trace("fpn output", "mode", h.mode, "shape", out.Fused.MustSize())
	}
	for _, k := range out.Labels() {
		logutil.Trace("fpn output", "mode", h.mode, "stride", k, "shape", out.Strides[k].MustSize())
	}

	return out, nil
}
