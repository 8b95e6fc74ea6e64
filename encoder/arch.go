package encoder

import (
	"fmt"
	"sort"
)

// Arch names a residual trunk architecture.
type Arch string

const (
	ResNet18        Arch = "resnet18"
	ResNet34        Arch = "resnet34"
	ResNet50        Arch = "resnet50"
	ResNet101       Arch = "resnet101"
	ResNet152       Arch = "resnet152"
	ResNeXt50x4d    Arch = "resnext50_32x4d"
	ResNeXt101x8d   Arch = "resnext101_32x8d"
	WideResNet50x2  Arch = "wide_resnet50_2"
	WideResNet101x2 Arch = "wide_resnet101_2"
)

type archSpec struct {
	block         BlockKind
	layers        [4]int64
	groups        int64
	widthPerGroup int64
}

var archs = map[Arch]archSpec{
	ResNet18:        {BlockBasic, [4]int64{2, 2, 2, 2}, 1, 64},
	ResNet34:        {BlockBasic, [4]int64{3, 4, 6, 3}, 1, 64},
	ResNet50:        {BlockBottleneck, [4]int64{3, 4, 6, 3}, 1, 64},
	ResNet101:       {BlockBottleneck, [4]int64{3, 4, 23, 3}, 1, 64},
	ResNet152:       {BlockBottleneck, [4]int64{3, 8, 36, 3}, 1, 64},
	ResNeXt50x4d:    {BlockBottleneck, [4]int64{3, 4, 6, 3}, 32, 4},
	ResNeXt101x8d:   {BlockBottleneck, [4]int64{3, 4, 23, 3}, 32, 8},
	WideResNet50x2:  {BlockBottleneck, [4]int64{3, 4, 6, 3}, 1, 64 * 2},
	WideResNet101x2: {BlockBottleneck, [4]int64{3, 4, 23, 3}, 1, 64 * 2},
}

// LookupArch resolves an architecture name.
func LookupArch(name string) (Arch, error) {
	a := Arch(name)
	if _, ok := archs[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArch, name)
	}
	return a, nil
}

// Archs lists every supported architecture in name order.
func Archs() []Arch {
	list := make([]Arch, 0, len(archs))
	for a := range archs {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// Block returns the residual block variant used by the architecture.
func (a Arch) Block() BlockKind {
	return archs[a].block
}

// Layers returns the number of blocks in each of the four stages.
func (a Arch) Layers() [4]int64 {
	return archs[a].layers
}
