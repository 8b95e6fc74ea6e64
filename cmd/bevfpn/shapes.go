package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/bevfpn/checkpoint"
	"github.com/sugarme/bevfpn/config"
	"github.com/sugarme/bevfpn/fpn"
)

func ShapesHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	vs, model, err := buildModel(cmd, cfg)
	if err != nil {
		return err
	}

	batch, _ := cmd.Flags().GetInt64("batch")
	height, _ := cmd.Flags().GetInt64("height")
	width, _ := cmd.Flags().GetInt64("width")
	bb := cfg.Model.Backbone

	x := ts.MustRand([]int64{batch, bb.InputDim, height, width}, gotch.Float, device())
	defer x.MustDrop()

	feats := model.Backbone.ForwardAll(x, false)
	defer func() {
		for _, f := range feats {
			f.MustDrop()
		}
	}()
	out, err := model.Head.Fuse(feats, false)
	if err != nil {
		return err
	}
	defer out.Drop()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"TENSOR", "SHAPE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	table.Append([]string{cfg.InputKey, fmt.Sprint(x.MustSize())})
	for i, f := range feats {
		table.Append([]string{fmt.Sprintf("feature[%d] (rate %d)", i, bb.FPNRate[i]), fmt.Sprint(f.MustSize())})
	}
	for _, o := range outputs(out) {
		table.Append([]string{cfg.OutputKey + "." + o.name, fmt.Sprint(o.t.MustSize())})
	}
	table.Render()

	fmt.Printf("mode %s, %d variables\n", model.Head.Mode(), len(vs.Variables()))
	return nil
}

type namedTensor struct {
	name string
	t    *ts.Tensor
}

// outputs names every tensor of f, finest stride first. Bilinear mode yields
// a single "fused" entry.
func outputs(f *fpn.Features) []namedTensor {
	if f.Mode == fpn.ModeBilinear {
		return []namedTensor{{"fused", f.Fused}}
	}
	var list []namedTensor
	for _, l := range f.Labels() {
		list = append(list, namedTensor{l, f.Strides[l]})
	}
	return list
}

func FetchHandler(cmd *cobra.Command, args []string) error {
	hub := checkpoint.NewHub(config.CacheDir())
	for _, arch := range args {
		url, err := hub.URL(arch)
		if err != nil {
			return err
		}
		p, err := hub.Fetch(cmd.Context(), url)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", arch, p)
	}
	return nil
}

func EnvHandler(cmd *cobra.Command, args []string) error {
	vals := config.Values()
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, vals[k])
	}
	return nil
}
