package fpn

import (
	ts "github.com/sugarme/gotch/tensor"
)

// bilinearFuser upsamples each map by its rate (align_corners semantics) and
// concatenates everything into one tensor. It has no parameters.
type bilinearFuser struct {
	rates []int64
}

func newBilinearFuser(rates []int64) (*bilinearFuser, error) {
	if err := checkRates("fpn_rate", rates); err != nil {
		return nil, err
	}
	return &bilinearFuser{rates: append([]int64(nil), rates...)}, nil
}

func (f *bilinearFuser) numInputs() int { return len(f.rates) }

func (f *bilinearFuser) fuse(feats []*ts.Tensor, train bool) (*Features, error) {
	var scratch []*ts.Tensor
	defer func() {
		for _, t := range scratch {
			t.MustDrop()
		}
	}()

	ups := make([]*ts.Tensor, len(feats))
	for i, feat := range feats {
		rate := f.rates[i]
		if rate == 1 {
			ups[i] = feat
			continue
		}
		size := feat.MustSize()
		up := feat.MustUpsampleBilinear2d([]int64{size[2] * rate, size[3] * rate}, true, nil, nil, false)
		scratch = append(scratch, up)
		ups[i] = up
	}

	fused, err := catChannels(ups)
	if err != nil {
		return nil, err
	}

	return &Features{Mode: ModeBilinear, Fused: fused}, nil
}
