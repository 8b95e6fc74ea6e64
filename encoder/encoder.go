package encoder

import (
	"errors"

	ts "github.com/sugarme/gotch/tensor"
)

// Encoder is the backbone interface consumed by the multi-resolution head.
// ForwardAll returns the stem output followed by every enabled stage output,
// shallowest first.
type Encoder interface {
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
}

var (
	ErrUnknownArch      = errors.New("encoder: unknown architecture")
	ErrBasicBlockConfig = errors.New("encoder: BasicBlock only supports groups=1 and base_width=64")
	ErrDilationFlags    = errors.New("encoder: replace_stride_with_dilation must have 3 elements")
	ErrStageConfig      = errors.New("encoder: invalid stage channel configuration")
	ErrStageOrder       = errors.New("encoder: stage 4 requires stage 3")
	ErrShapeMismatch    = errors.New("encoder: checkpoint tensor shape mismatch")
	ErrNoLoader         = errors.New("encoder: pretrained weights requested without a state loader")
)
