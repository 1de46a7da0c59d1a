package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/arbalest-llm/arbalest/internal/flightout"
	"github.com/arbalest-llm/arbalest/internal/logger"
	"github.com/arbalest-llm/arbalest/llama"
)

func runCmd() *cobra.Command {
	var (
		modelPath  string
		prompt     string
		nPredict   int
		nThreads   int
		nCtx       int
		nBatch     int
		nGpuLayers int
		seed       uint32
		useMlock   bool
		noMmap     bool
		embedding  bool
		flightAddr string
		numa       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate text from a prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelPath == "" {
				return fmt.Errorf("--model is required")
			}

			llama.BackendInit(numa)
			defer llama.BackendFree()

			logger.Log.Info("system", "info", llama.PrintSystemInfo())

			params := llama.DefaultContextParams()
			params.NCtx = nCtx
			params.NBatch = nBatch
			params.NGpuLayers = nGpuLayers
			params.Seed = seed
			params.UseMmap = !noMmap
			params.UseMlock = useMlock
			params.Embedding = embedding
			params.RopeFreqBase = cfg.Model.RopeFreqBase
			params.RopeFreqScale = cfg.Model.RopeFreqScale
			if cfg.Model.F16KV != nil {
				params.F16KV = *cfg.Model.F16KV
			}

			ctx, err := llama.InitFromFile(modelPath, params)
			if err != nil {
				return err
			}
			defer llama.Free(ctx)

			var exporter *flightout.Exporter
			if embedding && flightAddr != "" {
				exporter, err = flightout.New(flightAddr, ctx.NEmbd())
				if err != nil {
					return err
				}
				defer exporter.Close()
			}

			tokens := ctx.Tokenize(prompt, true)
			if len(tokens) > ctx.NCtx()-4 {
				return fmt.Errorf("prompt of %d tokens does not fit n_ctx %d", len(tokens), ctx.NCtx())
			}

			// prompt ingestion in n_batch chunks
			nPast := 0
			for i := 0; i < len(tokens); i += nBatch {
				end := i + nBatch
				if end > len(tokens) {
					end = len(tokens)
				}
				if err := ctx.Eval(tokens[i:end], nPast, nThreads); err != nil {
					return err
				}
				nPast += end - i
			}
			if exporter != nil {
				if err := exporter.Publish(nPast, ctx.Embeddings()); err != nil {
					logger.Log.Warn("embedding export failed", "error", err)
				}
			}

			last := append([]llama.Token(nil), tokens...)
			for n := 0; n < nPredict && nPast < ctx.NCtx(); n++ {
				cands := ctx.NewCandidates()

				window := last
				if len(window) > cfg.Sampling.RepeatLastN {
					window = window[len(window)-cfg.Sampling.RepeatLastN:]
				}
				ctx.SampleRepetitionPenalty(cands, window, cfg.Sampling.RepeatPenalty)
				ctx.SampleTopK(cands, cfg.Sampling.TopK, 1)
				ctx.SampleTopP(cands, cfg.Sampling.TopP, 1)

				var tok llama.Token
				if cfg.Sampling.Temp <= 0 {
					tok = ctx.SampleTokenGreedy(cands)
				} else {
					ctx.SampleTemperature(cands, cfg.Sampling.Temp)
					tok = ctx.SampleToken(cands)
				}
				if tok == llama.TokenEOS {
					break
				}

				fmt.Print(ctx.TokenToStr(tok))
				os.Stdout.Sync()

				last = append(last, tok)
				if err := ctx.Eval([]llama.Token{tok}, nPast, nThreads); err != nil {
					return err
				}
				nPast++

				if exporter != nil {
					if err := exporter.Publish(nPast, ctx.Embeddings()); err != nil {
						logger.Log.Warn("embedding export failed", "error", err)
					}
				}
			}
			fmt.Println()

			ctx.PrintTimings()
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "Path to model file")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "Hello world", "Prompt to generate from")
	cmd.Flags().IntVarP(&nPredict, "n-predict", "n", 128, "Number of tokens to generate")
	cmd.Flags().IntVarP(&nThreads, "threads", "t", runtime.NumCPU(), "Compute threads")
	cmd.Flags().IntVarP(&nCtx, "ctx-size", "c", 512, "Context size")
	cmd.Flags().IntVarP(&nBatch, "batch-size", "b", 512, "Prompt batch size")
	cmd.Flags().IntVar(&nGpuLayers, "n-gpu-layers", 0, "Layers to offload to the GPU backend")
	cmd.Flags().Uint32Var(&seed, "seed", llama.DefaultSeed, "RNG seed (0xFFFFFFFF = clock)")
	cmd.Flags().BoolVar(&useMlock, "mlock", false, "Lock model pages in RAM")
	cmd.Flags().BoolVar(&noMmap, "no-mmap", false, "Read the model instead of mapping it")
	cmd.Flags().BoolVar(&embedding, "embedding", false, "Compute embeddings")
	cmd.Flags().StringVar(&flightAddr, "flight", "", "Arrow Flight endpoint for embedding export")
	cmd.Flags().BoolVar(&numa, "numa", false, "NUMA-aware initialization")
	return cmd
}
