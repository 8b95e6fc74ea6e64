package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/bevfpn/checkpoint"
	"github.com/sugarme/bevfpn/config"
	"github.com/sugarme/bevfpn/fpn"
	"github.com/sugarme/bevfpn/logutil"
)

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(config.LogLevel())))

	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bevfpn",
		Short:         "Multi-resolution ResNet feature pyramid for BEV tensors",
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	shapesCmd := &cobra.Command{
		Use:   "shapes",
		Short: "Build the model and print feature map shapes for a random input",
		Args:  cobra.NoArgs,
		RunE:  ShapesHandler,
	}
	shapesCmd.Flags().StringP("config", "c", "", "YAML configuration file (defaults built in)")
	shapesCmd.Flags().Int64("batch", 1, "Batch size")
	shapesCmd.Flags().Int64("height", 64, "Input height")
	shapesCmd.Flags().Int64("width", 64, "Input width")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the model on BEV images and save every output as a PNG",
		Args:  cobra.NoArgs,
		RunE:  RunHandler,
	}
	runCmd.Flags().StringP("config", "c", "", "YAML configuration file (defaults built in)")
	runCmd.Flags().StringP("input", "i", "", "BEV image (.png, .jpg, .tif)")
	runCmd.Flags().StringP("list", "l", "", "CSV file with a \"file\" column listing BEV images")
	runCmd.Flags().StringP("out", "o", ".", "Output directory")
	runCmd.Flags().Int("height", 0, "Resize input to this height (0 keeps the image size)")
	runCmd.Flags().Int("width", 0, "Resize input to this width (0 keeps the image size)")
	runCmd.Flags().Bool("upscale", false, "Resize every saved output to the input size")

	fetchCmd := &cobra.Command{
		Use:   "fetch ARCH [ARCH...]",
		Short: "Download pretrained checkpoints into the local cache",
		Args:  cobra.MinimumNArgs(1),
		RunE:  FetchHandler,
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Print the environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(shapesCmd, runCmd, fetchCmd, envCmd)

	return rootCmd
}

func device() gotch.Device {
	if config.Cuda() {
		return gotch.NewCuda().CudaIfAvailable()
	}
	return gotch.CPU
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildModel creates a VarStore on the configured device and the model in it.
func buildModel(cmd *cobra.Command, cfg *config.Config) (*nn.VarStore, *fpn.Model, error) {
	vs := nn.NewVarStore(device())
	hub := checkpoint.NewHub(config.CacheDir())
	model, err := fpn.NewModel(cmd.Context(), vs.Root(), cfg, hub)
	if err != nil {
		return nil, nil, err
	}
	return vs, model, nil
}
