package fpn

import (
	"fmt"
	"log/slog"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/base"
)

// cascade is the ordered chain of upsampling stages owned by one input map.
//
//	rate 1: [transconv s1]
//	rate 2: [identity, transconv s2]
//	rate 4: [identity, transconv s2, transconv s2]
type cascade []ts.Module

func newCascade(p *nn.Path, rate, cIn, cOut int64) cascade {
	switch rate {
	case 1:
		return cascade{base.TransConv2d(p.Sub("0"), cIn, cOut, 1, 0)}
	case 2:
		return cascade{
			base.NewIdentity(),
			base.TransConv2d(p.Sub("1"), cIn, cOut, 2, 1),
		}
	default:
		return cascade{
			base.NewIdentity(),
			base.TransConv2d(p.Sub("1"), cIn, cOut, 2, 1),
			base.TransConv2d(p.Sub("2"), cOut, cOut, 2, 1),
		}
	}
}

// transConvFuser upsamples each map with its own cascade and collects the
// native and intermediate resolutions into stride buckets.
type transConvFuser struct {
	rates    []int64
	cascades []cascade
}

func newTransConvFuser(p *nn.Path, rates, cIn, cOut []int64) (*transConvFuser, error) {
	if err := checkRates("fpn_rate", rates); err != nil {
		return nil, err
	}
	if len(cIn) != len(rates) || len(cOut) != len(rates) {
		return nil, fmt.Errorf("%w: fpn_rate has %d entries, fpn_in_channels %d, fpn_out_channels %d",
			ErrLengthMismatch, len(rates), len(cIn), len(cOut))
	}

	f := &transConvFuser{rates: append([]int64(nil), rates...)}
	for i, rate := range rates {
		f.cascades = append(f.cascades, newCascade(p.Sub(fmt.Sprint(i)), rate, cIn[i], cOut[i]))
		slog.Debug("fpn cascade", "index", i, "rate", rate, "in", cIn[i], "out", cOut[i], "stages", len(f.cascades[i]))
	}

	return f, nil
}

func (f *transConvFuser) numInputs() int { return len(f.rates) }

func (f *transConvFuser) fuse(feats []*ts.Tensor, train bool) (*Features, error) {
	b := newBuckets()
	defer b.drop()

	for i, feat := range feats {
		c := f.cascades[i]
		switch f.rates[i] {
		case 1:
			b.add(Stride1, b.own(c[0].Forward(feat)))
		case 2:
			native := b.own(c[0].Forward(feat))
			b.add(Stride2, native)
			b.add(Stride1, b.own(c[1].Forward(native)))
		case 4:
			native := b.own(c[0].Forward(feat))
			b.add(Stride4, native)
			up2 := b.own(c[1].Forward(native))
			b.add(Stride2, up2)
			b.add(Stride1, b.own(c[2].Forward(up2)))
		}
	}

	strides, err := b.concat()
	if err != nil {
		return nil, err
	}

	return &Features{Mode: ModeTransConv, Strides: strides}, nil
}
