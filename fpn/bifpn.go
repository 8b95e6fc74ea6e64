package fpn

import (
	"fmt"
	"log/slog"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/base"
)

// lateralOutputPadding brings a stride-r transposed convolution exactly to r*H.
var lateralOutputPadding = map[int64]int64{1: 0, 2: 1, 4: 3}

// pyramidLevel upsamples one max-pooled copy of the fused tensor back to
// stride 1. Rate 4 levels chain two stride-2 convolutions.
type pyramidLevel struct {
	rate int64
	up   []ts.Module
}

// biFPNFuser brings every map to stride 1, concatenates them, rebuilds a
// max-pooled pyramid from that tensor and upsamples every level again.
type biFPNFuser struct {
	rates   []int64
	lateral []ts.Module
	levels  []pyramidLevel
}

type biFPNOptions struct {
	rates, cIn, cOut []int64
	biRates          []int64
	biIn             int64
	biOut            []int64
}

func newBiFPNFuser(p *nn.Path, o biFPNOptions) (*biFPNFuser, error) {
	if err := checkRates("fpn_rate", o.rates); err != nil {
		return nil, err
	}
	if err := checkRates("bifpn_rate", o.biRates); err != nil {
		return nil, err
	}
	if len(o.cIn) != len(o.rates) || len(o.cOut) != len(o.rates) {
		return nil, fmt.Errorf("%w: fpn_rate has %d entries, fpn_in_channels %d, fpn_out_channels %d",
			ErrLengthMismatch, len(o.rates), len(o.cIn), len(o.cOut))
	}
	if len(o.biRates) == 0 || len(o.biOut) != len(o.biRates) {
		return nil, fmt.Errorf("%w: bifpn_rate has %d entries, bifpn_out_channels %d",
			ErrLengthMismatch, len(o.biRates), len(o.biOut))
	}
	var fused int64
	for _, c := range o.cOut {
		fused += c
	}
	if fused != o.biIn {
		return nil, fmt.Errorf("%w: bifpn_in_channels is %d, fused fpn_out_channels sum to %d",
			ErrChannelMismatch, o.biIn, fused)
	}

	f := &biFPNFuser{rates: append([]int64(nil), o.rates...)}

	lp := p.Sub("lateral")
	for i, rate := range o.rates {
		f.lateral = append(f.lateral, base.TransConv2d(lp.Sub(fmt.Sprint(i)), o.cIn[i], o.cOut[i], rate, lateralOutputPadding[rate]))
	}

	up := p.Sub("pyramid")
	for i, rate := range o.biRates {
		lvl := up.Sub(fmt.Sprint(i))
		level := pyramidLevel{rate: rate}
		switch rate {
		case 1:
			level.up = []ts.Module{base.TransConv2d(lvl.Sub("0"), o.biIn, o.biOut[i], 1, 0)}
		case 2:
			level.up = []ts.Module{base.TransConv2d(lvl.Sub("0"), o.biIn, o.biOut[i], 2, 1)}
		case 4:
			level.up = []ts.Module{
				base.TransConv2d(lvl.Sub("0"), o.biIn, o.biOut[i], 2, 1),
				base.TransConv2d(lvl.Sub("1"), o.biOut[i], o.biOut[i], 2, 1),
			}
		}
		f.levels = append(f.levels, level)
	}

	slog.Debug("bifpn head", "rates", o.rates, "bifpn_rates", o.biRates, "fused_channels", o.biIn)

	return f, nil
}

func (f *biFPNFuser) numInputs() int { return len(f.rates) }

func (f *biFPNFuser) fuse(feats []*ts.Tensor, train bool) (*Features, error) {
	b := newBuckets()
	defer b.drop()

	ups := make([]*ts.Tensor, len(feats))
	for i, feat := range feats {
		ups[i] = b.own(f.lateral[i].Forward(feat))
	}
	fused, err := catChannels(ups)
	if err != nil {
		return nil, fmt.Errorf("fused base: %w", err)
	}

	// Each level is pooled from the previous one, not from the base.
	pyramid := []*ts.Tensor{b.own(fused)}
	for i := 1; i < len(f.levels); i++ {
		prev := pyramid[i-1]
		pooled := prev.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, false)
		pyramid = append(pyramid, b.own(pooled))
	}

	for i, level := range f.levels {
		x := pyramid[i]
		switch level.rate {
		case 1:
			b.add(Stride1, b.own(level.up[0].Forward(x)))
		case 2:
			b.add(Stride1, b.own(level.up[0].Forward(x)))
			b.add(Stride2, x)
		case 4:
			half := b.own(level.up[0].Forward(x))
			b.add(Stride1, b.own(level.up[1].Forward(half)))
			b.add(Stride2, half)
			b.add(Stride4, x)
		}
	}

	strides, err := b.concat()
	if err != nil {
		return nil, err
	}

	return &Features{Mode: ModeBiFPN, Strides: strides}, nil
}
