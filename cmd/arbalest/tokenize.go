package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbalest-llm/arbalest/llama"
)

func tokenizeCmd() *cobra.Command {
	var (
		modelPath string
		noBos     bool
	)

	cmd := &cobra.Command{
		Use:   "tokenize <text>",
		Short: "Show the token ids and pieces of a text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}

			llama.BackendInit(false)
			defer llama.BackendFree()

			params := llama.DefaultContextParams()
			params.VocabOnly = true
			m, err := llama.LoadModelFromFile(modelPath, params)
			if err != nil {
				return err
			}
			defer llama.FreeModel(m)

			for _, id := range m.Tokenize(args[0], !noBos) {
				fmt.Printf("%6d -> %q\n", id, m.TokenToStr(id))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "Path to model file")
	cmd.Flags().BoolVar(&noBos, "no-bos", false, "Do not prepend the BOS token")
	return cmd
}
