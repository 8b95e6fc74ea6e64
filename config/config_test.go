package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/bevfpn/config"
)

const biFPNYAML = `
model:
  backbone:
    resnet: resnet34
    pretrained: true
    stride_to_dilation: [false, false, true]
    in_channels: [64, 128, 256, 512]
    input_dim: 1
    fpn_mode: bifpn_transconv2d
    fpn_rate: [1, 1, 2, 4, 4]
    fpn_in_channels: [64, 64, 128, 256, 512]
    fpn_out_channels: [16, 16, 32, 64, 128]
    bifpn_rate: [1, 2, 4]
    bifpn_in_channels: 256
    bifpn_out_channels: [64, 64, 64]
featuremap_out_channel: 256
`

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(biFPNYAML))
	require.NoError(t, err)

	want := config.Backbone{
		ResNet:           "resnet34",
		Pretrained:       true,
		StrideToDilation: []bool{false, false, true},
		InChannels:       []int64{64, 128, 256, 512},
		InputDim:         1,
		FPNMode:          "bifpn_transconv2d",
		FPNRate:          []int64{1, 1, 2, 4, 4},
		FPNInChannels:    []int64{64, 64, 128, 256, 512},
		FPNOutChannels:   []int64{16, 16, 32, 64, 128},
		BiFPNRate:        []int64{1, 2, 4},
		BiFPNInChannels:  256,
		BiFPNOutChannels: []int64{64, 64, 64},
	}
	if diff := cmp.Diff(want, cfg.Model.Backbone); diff != "" {
		t.Errorf("backbone mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(256), cfg.FeaturemapOutChannel)

	// Keys not present in the document keep their defaults.
	assert.Equal(t, "rdr_cube_bev", cfg.InputKey)
	assert.Equal(t, "mr_feats", cfg.OutputKey)
}

func TestParseEmptyIsDefault(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := config.Parse([]byte("model: [unclosed"))
	assert.Error(t, err)

	_, err = config.Parse([]byte("model:\n  backbone:\n    fpn_rate: one"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bevfpn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(biFPNYAML), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "resnet34", cfg.Model.Backbone.ResNet)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		edit func(c *config.Config)
	}{
		{"no resnet", func(c *config.Config) { c.Model.Backbone.ResNet = "" }},
		{"three stages", func(c *config.Config) { c.Model.Backbone.InChannels = []int64{64, 128, 256} }},
		{"dilation flags", func(c *config.Config) { c.Model.Backbone.StrideToDilation = []bool{true} }},
		{"out_conv without width", func(c *config.Config) {
			c.Model.Backbone.OutConv = true
			c.FeaturemapOutChannel = 0
		}},
		{"no output key", func(c *config.Config) { c.OutputKey = "" }},
		{"unknown mode", func(c *config.Config) { c.Model.Backbone.FPNMode = "nearest" }},
		{"transconv table", func(c *config.Config) { c.Model.Backbone.FPNOutChannels = []int64{64} }},
		{"rate", func(c *config.Config) { c.Model.Backbone.FPNRate = []int64{1, 1, 2, 8} }},
		{"bifpn tables", func(c *config.Config) {
			c.Model.Backbone.FPNMode = "bifpn_transconv2d"
			c.Model.Backbone.BiFPNRate = []int64{1, 2}
			c.Model.Backbone.BiFPNInChannels = 512
			c.Model.Backbone.BiFPNOutChannels = []int64{64}
		}},
		{"bifpn width", func(c *config.Config) {
			c.Model.Backbone.FPNMode = "bifpn_transconv2d"
			c.Model.Backbone.BiFPNRate = []int64{1}
			c.Model.Backbone.BiFPNOutChannels = []int64{64}
		}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.edit(cfg)
			assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)
		})
	}

	cfg := config.Default()
	cfg.Model.Backbone.FPNMode = "bilinear"
	cfg.Model.Backbone.FPNInChannels = nil
	cfg.Model.Backbone.FPNOutChannels = nil
	assert.NoError(t, cfg.Validate())
}
