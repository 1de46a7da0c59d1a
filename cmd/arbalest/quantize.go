package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arbalest-llm/arbalest/llama"
)

var ftypeNames = map[string]llama.FType{
	"f32":    llama.FTypeAllF32,
	"f16":    llama.FTypeMostlyF16,
	"q4_0":   llama.FTypeMostlyQ4_0,
	"q4_1":   llama.FTypeMostlyQ4_1,
	"q5_0":   llama.FTypeMostlyQ5_0,
	"q5_1":   llama.FTypeMostlyQ5_1,
	"q8_0":   llama.FTypeMostlyQ8_0,
	"q2_k":   llama.FTypeMostlyQ2_K,
	"q3_k_s": llama.FTypeMostlyQ3_K_S,
	"q3_k_m": llama.FTypeMostlyQ3_K_M,
	"q3_k_l": llama.FTypeMostlyQ3_K_L,
	"q4_k_s": llama.FTypeMostlyQ4_K_S,
	"q4_k_m": llama.FTypeMostlyQ4_K_M,
	"q5_k_s": llama.FTypeMostlyQ5_K_S,
	"q5_k_m": llama.FTypeMostlyQ5_K_M,
	"q6_k":   llama.FTypeMostlyQ6_K,
}

func quantizeCmd() *cobra.Command {
	var (
		nThreads        int
		allowRequantize bool
		skipOutput      bool
	)

	cmd := &cobra.Command{
		Use:   "quantize <in.bin> <out.bin> <type>",
		Short: "Convert a model to another quantization",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ftype, ok := ftypeNames[strings.ToLower(args[2])]
			if !ok {
				names := make([]string, 0, len(ftypeNames))
				for n := range ftypeNames {
					names = append(names, n)
				}
				sort.Strings(names)
				return fmt.Errorf("unknown quantization type %q (one of %s)", args[2], strings.Join(names, ", "))
			}

			params := llama.DefaultModelQuantizeParams()
			params.FType = ftype
			params.NThread = nThreads
			params.AllowRequantize = allowRequantize
			params.QuantizeOutputTensor = !skipOutput
			return llama.Quantize(args[0], args[1], params)
		},
	}

	cmd.Flags().IntVarP(&nThreads, "threads", "t", 0, "Worker threads (0 = all cores)")
	cmd.Flags().BoolVar(&allowRequantize, "allow-requantize", false, "Permit quantizing an already-quantized model")
	cmd.Flags().BoolVar(&skipOutput, "leave-output-tensor", false, "Keep output.weight at its source type")
	return cmd
}
