package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tiagoflino/capi/internal/modelfmt"
	"github.com/tiagoflino/capi/internal/registry"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage installed models",
	}
	cmd.AddCommand(newModelListCmd(), newModelInstallCmd(), newModelRemoveCmd())
	return cmd
}

func newModelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initRuntime(cmd.Context()); err != nil {
				return fmt.Errorf("initializing runtime: %w", err)
			}
			descs, err := reg.List()
			if err != nil {
				return fmt.Errorf("listing models: %w", err)
			}
			if len(descs) == 0 {
				cmd.Println("No models installed")
				return nil
			}

			table := tablewriter.NewTable(os.Stdout,
				tablewriter.WithHeader([]string{"ID", "ARCH", "QUANT", "PARAMS", "SIZE", "AVAILABLE"}),
			)
			for _, d := range descs {
				table.Append([]string{
					d.ID, d.Architecture, d.QuantizationTag, d.ParameterCount,
					fmt.Sprintf("%.2f GiB", float64(d.SizeBytes)/(1<<30)),
					fmt.Sprintf("%t", d.Available),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newModelInstallCmd() *cobra.Command {
	var id string
	var device []string

	cmd := &cobra.Command{
		Use:   "install DIR",
		Short: "Register a local GGUF model directory in the model registry",
		Long: `Register a local directory containing a GGUF model artifact.
Fetching models from a remote catalog is out of scope; point install at an
already-downloaded model directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelInstall(cmd, args[0], id, device)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Model id to register under (defaults to the directory's base name)")
	cmd.Flags().StringSliceVar(&device, "device", nil, "Device kinds this model supports (cpu, gpu, npu); defaults to all")

	return cmd
}

func runModelInstall(cmd *cobra.Command, dir, id string, devices []string) error {
	if err := initRuntime(cmd.Context()); err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}
	if id == "" {
		id = filepath.Base(abs)
	}
	if len(devices) == 0 {
		devices = []string{"cpu", "gpu", "npu"}
	}

	md, err := modelfmt.Inspect(abs)
	if err != nil {
		return fmt.Errorf("inspecting model at %s: %w", abs, err)
	}

	var size uint64
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("reading model directory: %w", err)
	}
	for _, e := range entries {
		if info, statErr := e.Info(); statErr == nil {
			size += uint64(info.Size())
		}
	}

	desc := registry.Descriptor{
		ID:                   id,
		DisplayName:          id,
		LocalPath:            abs,
		QuantizationTag:      md.Quantization,
		Architecture:         md.Architecture,
		ParameterCount:       md.ParameterCount,
		SizeBytes:            size,
		EstimatedMemoryBytes: md.EstimatedMemoryBytes,
		SupportedDevices:     devices,
		Available:            true,
		CreatedAt:            time.Now(),
	}
	if err := reg.Install(desc); err != nil {
		return fmt.Errorf("installing %s: %w", id, err)
	}

	cmd.Printf("Installed %s (%s, %s)\n", id, md.Architecture, md.Quantization)
	return nil
}

func newModelRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Remove a model from the registry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initRuntime(cmd.Context()); err != nil {
				return fmt.Errorf("initializing runtime: %w", err)
			}
			if err := reg.Remove(args[0]); err != nil {
				return fmt.Errorf("removing %s: %w", args[0], err)
			}
			cmd.Printf("Removed %s\n", args[0])
			return nil
		},
	}
}
