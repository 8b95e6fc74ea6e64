package main

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/checkpoint"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestGrayTensor(t *testing.T) {
	g := toGray(gradient(8, 4), 0, 0)
	assert.Equal(t, image.Rect(0, 0, 8, 4), g.Bounds())

	x := grayTensor(g)
	defer x.MustDrop()
	assert.Equal(t, []int64{1, 1, 4, 8}, x.MustSize())

	vals := x.Float64Values()
	assert.InDelta(t, 0.0, vals[0], 1e-6)
	assert.InDelta(t, 1.0, vals[7], 1e-6)

	resized := toGray(gradient(8, 4), 16, 16)
	assert.Equal(t, image.Rect(0, 0, 16, 16), resized.Bounds())
}

func TestMeanImage(t *testing.T) {
	data := []float32{
		0, 1, 2, 3,
		2, 3, 4, 5,
	}
	x := ts.MustOfSlice(data).MustView([]int64{1, 2, 2, 2}, true)
	defer x.MustDrop()

	img := meanImage(x)
	assert.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	assert.Equal(t, uint8(0), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), img.GrayAt(1, 1).Y)

	flat := ts.MustOnes([]int64{1, 3, 2, 2}, gotch.Float, gotch.CPU)
	defer flat.MustDrop()
	for _, v := range meanImage(flat).Pix {
		assert.Zero(t, v)
	}
}

func TestReadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bev.png")
	require.NoError(t, imaging.Save(gradient(6, 3), path))

	img, err := readImage(path)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())

	_, err = readImage(filepath.Join(t.TempDir(), "missing.tif"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "frame.png")
	require.NoError(t, imaging.Save(gradient(16, 16), input))
	out := filepath.Join(dir, "out")

	cmd := NewCLI()
	cmd.SetArgs([]string{"run", "--input", input, "--out", out})
	require.NoError(t, cmd.Execute())

	for name, size := range map[string]int{
		"frame_stride1.png": 16,
		"frame_stride2.png": 8,
		"frame_stride4.png": 4,
	} {
		img, err := imaging.Open(filepath.Join(out, name))
		require.NoError(t, err, name)
		assert.Equal(t, size, img.Bounds().Dx(), name)
	}
}

func TestRunList(t *testing.T) {
	dir := t.TempDir()
	frames := filepath.Join(dir, "frames")
	require.NoError(t, os.Mkdir(frames, 0o755))
	for _, name := range []string{"a.png", "b.png"} {
		require.NoError(t, imaging.Save(gradient(16, 16), filepath.Join(frames, name)))
	}
	list := filepath.Join(dir, "frames.csv")
	require.NoError(t, os.WriteFile(list, []byte("file,split\nframes/a.png,val\nframes/b.png,val\n"), 0o644))

	files, err := readList(list)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(frames, "a.png"), filepath.Join(frames, "b.png")}, files)

	out := filepath.Join(dir, "out")
	cmd := NewCLI()
	cmd.SetArgs([]string{"run", "--list", list, "--out", out, "--upscale"})
	require.NoError(t, cmd.Execute())

	for _, name := range []string{"a_stride4.png", "b_stride4.png"} {
		img, err := imaging.Open(filepath.Join(out, name))
		require.NoError(t, err, name)
		assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds(), name)
	}
}

func TestReadListMissingColumn(t *testing.T) {
	list := filepath.Join(t.TempDir(), "frames.csv")
	require.NoError(t, os.WriteFile(list, []byte("path\na.png\n"), 0o644))

	_, err := readList(list)
	assert.Error(t, err)
}

func TestRunRequiresInput(t *testing.T) {
	cmd := NewCLI()
	cmd.SetArgs([]string{"run"})
	assert.Error(t, cmd.Execute())

	cmd = NewCLI()
	cmd.SetArgs([]string{"run", "--input", "a.png", "--list", "frames.csv"})
	assert.Error(t, cmd.Execute())
}

func TestShapesCommand(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "bilinear.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("model:\n  backbone:\n    fpn_mode: bilinear\n"), 0o644))

	cmd := NewCLI()
	cmd.SetArgs([]string{"shapes", "--config", cfg, "--height", "16", "--width", "16"})
	assert.NoError(t, cmd.Execute())
}

func TestFetchUnknownArch(t *testing.T) {
	t.Setenv("BEVFPN_CACHE", t.TempDir())

	cmd := NewCLI()
	cmd.SetArgs([]string{"fetch", "vgg16"})
	assert.ErrorIs(t, cmd.Execute(), checkpoint.ErrUnknownArch)
}

func TestEnvCommand(t *testing.T) {
	cmd := NewCLI()
	cmd.SetArgs([]string{"env"})
	assert.NoError(t, cmd.Execute())
}
