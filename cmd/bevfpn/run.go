package main

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/nfnt/resize"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
	"golang.org/x/image/draw"

	"github.com/sugarme/bevfpn/config"
	"github.com/sugarme/bevfpn/fpn"
)

func RunHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Model.Backbone.InputDim != 1 {
		return fmt.Errorf("run: BEV images are single channel, input_dim is %d", cfg.Model.Backbone.InputDim)
	}

	input, _ := cmd.Flags().GetString("input")
	list, _ := cmd.Flags().GetString("list")
	var inputs []string
	switch {
	case input != "" && list != "":
		return errors.New("run: --input and --list are mutually exclusive")
	case input != "":
		inputs = []string{input}
	case list != "":
		if inputs, err = readList(list); err != nil {
			return err
		}
	default:
		return errors.New("run: one of --input or --list is required")
	}

	_, model, err := buildModel(cmd, cfg)
	if err != nil {
		return err
	}

	opts := runOptions{}
	opts.outDir, _ = cmd.Flags().GetString("out")
	opts.height, _ = cmd.Flags().GetInt("height")
	opts.width, _ = cmd.Flags().GetInt("width")
	opts.upscale, _ = cmd.Flags().GetBool("upscale")
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}

	for _, in := range inputs {
		if err := runOne(model, cfg, in, opts); err != nil {
			return fmt.Errorf("%s: %w", in, err)
		}
	}

	return nil
}

type runOptions struct {
	outDir        string
	height, width int
	upscale       bool
}

func runOne(model *fpn.Model, cfg *config.Config, input string, opts runOptions) error {
	img, err := readImage(input)
	if err != nil {
		return err
	}
	gray := toGray(img, opts.width, opts.height)

	x := grayTensor(gray).MustTo(device(), true)
	defer x.MustDrop()

	item, err := model.Forward(fpn.Item{cfg.InputKey: x}, false)
	if err != nil {
		return err
	}

	var saved []namedTensor
	switch v := item[cfg.OutputKey].(type) {
	case *ts.Tensor:
		saved = []namedTensor{{"fused", v}}
	case map[string]*ts.Tensor:
		for _, l := range fpn.StrideLabels {
			if t, ok := v[l]; ok {
				saved = append(saved, namedTensor{l, t})
			}
		}
	}
	defer func() {
		for _, o := range saved {
			o.t.MustDrop()
		}
	}()

	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	for _, o := range saved {
		var out image.Image = meanImage(o.t)
		if opts.upscale {
			b := gray.Bounds()
			out = resize.Resize(uint(b.Dx()), uint(b.Dy()), out, resize.Lanczos3)
		}
		dst := filepath.Join(opts.outDir, fmt.Sprintf("%s_%s.png", stem, o.name))
		if err := imaging.Save(out, dst); err != nil {
			return err
		}
		fmt.Printf("%s\t%v\t%s\n", o.name, o.t.MustSize(), dst)
	}

	return nil
}

// readList returns the "file" column of a CSV frame list. Relative paths are
// resolved against the directory of the list.
func readList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.WithTypes(map[string]series.Type{
		"file": series.String,
	}))
	if df.Err != nil {
		return nil, fmt.Errorf("read %s: %w", path, df.Err)
	}
	col := df.Select([]string{"file"})
	if col.Err != nil {
		return nil, fmt.Errorf("read %s: %w", path, col.Err)
	}

	dir := filepath.Dir(path)
	files := col.Col("file").Records()
	for i, file := range files {
		if !filepath.IsAbs(file) {
			files[i] = filepath.Join(dir, file)
		}
	}

	return files, nil
}

// readImage decodes TIFF with chai2010/tiff, which handles the 16-bit and
// float radar rasters, and everything else with imaging.
func readImage(filename string) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff":
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return tiff.Decode(f)
	default:
		return imaging.Open(filename)
	}
}

// toGray converts img to grayscale and rescales it bilinearly when a target
// size is given.
func toGray(img image.Image, width, height int) *image.Gray {
	src := imaging.Grayscale(img)
	b := src.Bounds()
	if width <= 0 {
		width = b.Dx()
	}
	if height <= 0 {
		height = b.Dy()
	}

	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	return dst
}

// grayTensor returns a [1, 1, H, W] float tensor scaled to [0, 1].
func grayTensor(g *image.Gray) *ts.Tensor {
	b := g.Bounds()
	h, w := b.Dy(), b.Dx()
	data := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = float32(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255
		}
	}

	return ts.MustOfSlice(data).MustView([]int64{1, 1, int64(h), int64(w)}, true)
}

// meanImage renders the channel mean of the first batch element of a
// [N, C, H, W] tensor, min-max normalized.
func meanImage(t *ts.Tensor) *image.Gray {
	size := t.MustSize()
	c, h, w := int(size[1]), int(size[2]), int(size[3])
	host := t.MustDetach(false).MustTo(gotch.CPU, true)
	vals := host.Float64Values()
	host.MustDrop()

	mean := make([]float64, h*w)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range mean {
		var sum float64
		for ch := 0; ch < c; ch++ {
			sum += vals[ch*h*w+i]
		}
		mean[i] = sum / float64(c)
		lo = math.Min(lo, mean[i])
		hi = math.Max(hi, mean[i])
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	span := hi - lo
	for i, v := range mean {
		var g uint8
		if span > 0 {
			g = uint8(math.Round(255 * (v - lo) / span))
		}
		img.SetGray(i%w, i/w, color.Gray{Y: g})
	}

	return img
}
