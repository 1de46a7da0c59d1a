package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbalest-llm/arbalest/internal/ggml"
)

func inspectCmd() *cobra.Command {
	var showTensors bool

	cmd := &cobra.Command{
		Use:   "inspect <model.bin>",
		Short: "Print header, hyper-parameters and tensor metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tensors ggml.TensorsMap
			loader, err := ggml.NewLoader(args[0], &tensors)
			if err != nil {
				return err
			}
			defer loader.Close()

			h := loader.HParams
			fmt.Printf("format:  %s\n", loader.Version)
			fmt.Printf("ftype:   %s\n", h.FType)
			fmt.Printf("n_vocab: %d\n", h.NVocab)
			fmt.Printf("n_embd:  %d\n", h.NEmbd)
			fmt.Printf("n_mult:  %d\n", h.NMult)
			fmt.Printf("n_head:  %d\n", h.NHead)
			fmt.Printf("n_layer: %d\n", h.NLayer)
			fmt.Printf("n_rot:   %d\n", h.NRot)
			fmt.Printf("n_ff:    %d\n", h.NFF())
			fmt.Printf("tensors: %d\n", len(tensors.Tensors))

			if showTensors {
				var total uint64
				for _, t := range tensors.Tensors {
					fmt.Printf("%-40s %-6s %s  %10d bytes @ %d\n",
						t.Name, t.Type, ggml.FormatTensorShape(t.NE), t.Size, t.FileOff)
					total += t.Size
				}
				fmt.Printf("payload: %.2f MB\n", float64(total)/1024.0/1024.0)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showTensors, "tensors", false, "List every tensor record")
	return cmd
}
