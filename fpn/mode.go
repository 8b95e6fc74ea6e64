package fpn

import (
	"errors"
	"fmt"
)

// Mode selects the fusion topology of a Head. It is fixed at construction.
type Mode int

const (
	// ModeBilinear upsamples every map bilinearly and concatenates them.
	ModeBilinear Mode = iota
	// ModeTransConv runs a cascade of learned transposed convolutions per map
	// and buckets the intermediate outputs by stride.
	ModeTransConv
	// ModeBiFPN fuses all maps at stride 1, rebuilds a max-pooled pyramid
	// from the fused tensor and upsamples every level again.
	ModeBiFPN
)

var modeNames = map[Mode]string{
	ModeBilinear:  "bilinear",
	ModeTransConv: "transconv2d",
	ModeBiFPN:     "bifpn_transconv2d",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode resolves a configured fpn_mode name.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Stride labels of the multi-resolution output, finest first.
const (
	Stride1 = "stride1"
	Stride2 = "stride2"
	Stride4 = "stride4"
)

// StrideLabels lists the output buckets in concatenation order.
var StrideLabels = []string{Stride1, Stride2, Stride4}

var (
	ErrUnknownMode     = errors.New("fpn: unknown fpn mode")
	ErrInvalidRate     = errors.New("fpn: rate must be 1, 2 or 4")
	ErrLengthMismatch  = errors.New("fpn: length mismatch")
	ErrChannelMismatch = errors.New("fpn: channel mismatch")
	ErrShapeMismatch   = errors.New("fpn: cannot concatenate tensors of different shapes")
	ErrMissingInput    = errors.New("fpn: missing input tensor")
)

func checkRates(name string, rates []int64) error {
	for i, r := range rates {
		if r != 1 && r != 2 && r != 4 {
			return fmt.Errorf("%w: %s[%d] = %d", ErrInvalidRate, name, i, r)
		}
	}
	return nil
}
