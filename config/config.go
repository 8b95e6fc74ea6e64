// Package config loads the backbone and feature-pyramid configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

// Backbone mirrors the MODEL.BACKBONE section of a detector config.
type Backbone struct {
	ResNet           string  `yaml:"resnet"`
	Pretrained       bool    `yaml:"pretrained"`
	StrideToDilation []bool  `yaml:"stride_to_dilation"`
	OutConv          bool    `yaml:"out_conv"`
	InChannels       []int64 `yaml:"in_channels"`
	InputDim         int64   `yaml:"input_dim"`

	FPNMode        string  `yaml:"fpn_mode"`
	FPNRate        []int64 `yaml:"fpn_rate"`
	FPNInChannels  []int64 `yaml:"fpn_in_channels"`
	FPNOutChannels []int64 `yaml:"fpn_out_channels"`

	BiFPNRate        []int64 `yaml:"bifpn_rate"`
	BiFPNInChannels  int64   `yaml:"bifpn_in_channels"`
	BiFPNOutChannels []int64 `yaml:"bifpn_out_channels"`
}

type Model struct {
	Backbone Backbone `yaml:"backbone"`
}

// Config is the top-level configuration object.
type Config struct {
	Model Model `yaml:"model"`

	// FeaturemapOutChannel is the width of the optional backbone projection.
	FeaturemapOutChannel int64 `yaml:"featuremap_out_channel"`
	// InputKey and OutputKey name the entries of the forward item map.
	InputKey  string `yaml:"input_key"`
	OutputKey string `yaml:"output_key"`
}

// Default returns a resnet18 backbone over single-channel BEV input with
// stage 4 disabled and the cascaded transposed-convolution head.
func Default() *Config {
	return &Config{
		Model: Model{
			Backbone: Backbone{
				ResNet:           "resnet18",
				StrideToDilation: []bool{false, false, false},
				InChannels:       []int64{64, 128, 256, -1},
				InputDim:         1,
				FPNMode:          "transconv2d",
				FPNRate:          []int64{1, 1, 2, 4},
				FPNInChannels:    []int64{64, 64, 128, 256},
				FPNOutChannels:   []int64{64, 64, 128, 256},
			},
		},
		FeaturemapOutChannel: 128,
		InputKey:             "rdr_cube_bev",
		OutputKey:            "mr_feats",
	}
}

// Parse decodes YAML on top of Default.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a YAML file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Validate checks the structural constraints that do not need the trunk.
func (c *Config) Validate() error {
	bb := c.Model.Backbone
	if bb.ResNet == "" {
		return fmt.Errorf("%w: model.backbone.resnet is empty", ErrInvalid)
	}
	if len(bb.InChannels) != 4 {
		return fmt.Errorf("%w: in_channels needs 4 entries, got %v", ErrInvalid, bb.InChannels)
	}
	if bb.StrideToDilation != nil && len(bb.StrideToDilation) != 3 {
		return fmt.Errorf("%w: stride_to_dilation needs 3 entries, got %v", ErrInvalid, bb.StrideToDilation)
	}
	if bb.OutConv && c.FeaturemapOutChannel <= 0 {
		return fmt.Errorf("%w: out_conv requires featuremap_out_channel > 0", ErrInvalid)
	}
	if c.InputKey == "" || c.OutputKey == "" {
		return fmt.Errorf("%w: input_key and output_key must be set", ErrInvalid)
	}

	switch bb.FPNMode {
	case "bilinear":
	case "transconv2d":
		if err := sameLen("fpn_rate", bb.FPNRate, "fpn_in_channels", bb.FPNInChannels, "fpn_out_channels", bb.FPNOutChannels); err != nil {
			return err
		}
	case "bifpn_transconv2d":
		if err := sameLen("fpn_rate", bb.FPNRate, "fpn_in_channels", bb.FPNInChannels, "fpn_out_channels", bb.FPNOutChannels); err != nil {
			return err
		}
		if len(bb.BiFPNRate) == 0 || len(bb.BiFPNRate) != len(bb.BiFPNOutChannels) {
			return fmt.Errorf("%w: bifpn_rate %v and bifpn_out_channels %v must be non-empty and equal length",
				ErrInvalid, bb.BiFPNRate, bb.BiFPNOutChannels)
		}
		if bb.BiFPNInChannels <= 0 {
			return fmt.Errorf("%w: bifpn_in_channels must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown fpn_mode %q", ErrInvalid, bb.FPNMode)
	}

	for _, r := range append(append([]int64(nil), bb.FPNRate...), bb.BiFPNRate...) {
		if r != 1 && r != 2 && r != 4 {
			return fmt.Errorf("%w: rate %d not in {1, 2, 4}", ErrInvalid, r)
		}
	}

	return nil
}

func sameLen(rateName string, rate []int64, inName string, in []int64, outName string, out []int64) error {
	if len(rate) != len(in) || len(rate) != len(out) {
		return fmt.Errorf("%w: %s, %s and %s must have equal length, got %d, %d, %d",
			ErrInvalid, rateName, inName, outName, len(rate), len(in), len(out))
	}
	return nil
}
