package quant

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/logger"
	"github.com/arbalest-llm/arbalest/internal/metrics"
)

// Params mirrors the public quantize options.
type Params struct {
	NThread              int
	FType                ggml.FType
	AllowRequantize      bool
	QuantizeOutputTensor bool
}

func DefaultParams() Params {
	return Params{
		FType:                ggml.FTypeMostlyQ5_1,
		QuantizeOutputTensor: true,
	}
}

type ErrIncompatible struct {
	Name   string
	NX, NY int
}

func (e ErrIncompatible) Error() string {
	return fmt.Sprintf("tensor '%s' (%d x %d) has dimensions not divisible by %d, required for k-quants",
		e.Name, e.NX, e.NY, ggml.QKK)
}

type ErrRequantize struct{ Type ggml.TensorType }

func (e ErrRequantize) Error() string {
	return fmt.Sprintf("requantizing from type %s is disabled", e.Type)
}

// useMoreBits spreads extra precision over the first and last eighth
// of the layers plus every third one in between.
func useMoreBits(iLayer, nLayers int) bool {
	return iLayer < nLayers/8 || iLayer >= 7*nLayers/8 || (iLayer-nLayers/8)%3 == 2
}

const chunkSize = 32 * 512

// Quantize converts the model at inPath into outPath at the requested
// ftype, applying the per-tensor type selection rules.
func Quantize(inPath, outPath string, params Params) error {
	quantizedType, err := params.FType.QuantizedType()
	if err != nil {
		return err
	}

	nthread := params.NThread
	if nthread <= 0 {
		nthread = runtime.NumCPU()
	}

	var tensors ggml.TensorsMap
	loader, err := ggml.NewLoader(inPath, &tensors)
	if err != nil {
		return err
	}
	defer loader.Close()

	saver, err := ggml.NewSaver(outPath, &loader.HParams, &loader.Vocab,
		loader.Version == ggml.FileVersionGGML, params.FType)
	if err != nil {
		return err
	}
	defer saver.Close()

	// layer counts for the k-quant promotion schedule
	nAttentionWV := 0
	nFeedForwardW2 := 0
	for _, t := range tensors.Tensors {
		if strings.Contains(t.Name, "attention.wv.weight") {
			nAttentionWV++
		} else if strings.Contains(t.Name, "feed_forward.w2.weight") {
			nFeedForwardW2++
		}
	}
	iAttentionWV := 0
	iFeedForwardW2 := 0

	var totalSizeOrg, totalSizeNew uint64
	histAll := make([]int64, 16)

	for idx, tensor := range tensors.Tensors {
		readData := make([]byte, tensor.Size)
		if err := loader.File.Seek(tensor.FileOff, io.SeekStart); err != nil {
			return err
		}
		if err := loader.File.ReadRaw(readData); err != nil {
			return err
		}

		logger.Log.Info("quantizing tensor",
			"n", fmt.Sprintf("%d/%d", idx+1, len(tensors.Tensors)),
			"name", tensor.Name,
			"shape", ggml.FormatTensorShape(tensor.NE),
			"type", tensor.Type.String())

		// only 2-D "...weight" tensors are candidates
		quantize := strings.HasSuffix(tensor.Name, "weight")
		quantize = quantize && len(tensor.NE) == 2
		quantize = quantize && (params.QuantizeOutputTensor || tensor.Name != "output.weight")
		quantize = quantize && quantizedType != tensor.Type

		var newType ggml.TensorType
		var newData []byte

		if !quantize {
			newType = tensor.Type
			newData = readData
		} else {
			newType = quantizedType

			convertIncompatible := false
			if quantizedType == ggml.TypeQ2_K || quantizedType == ggml.TypeQ3_K ||
				quantizedType == ggml.TypeQ4_K || quantizedType == ggml.TypeQ5_K ||
				quantizedType == ggml.TypeQ6_K {
				nx, ny := int(tensor.NE[0]), int(tensor.NE[1])
				if nx%ggml.QKK != 0 || ny%ggml.QKK != 0 {
					convertIncompatible = true
				}
			}

			ft := params.FType
			switch {
			case tensor.Name == "output.weight":
				nx, ny := int(tensor.NE[0]), int(tensor.NE[1])
				if nx%ggml.QKK == 0 && ny%ggml.QKK == 0 {
					newType = ggml.TypeQ6_K
				}
			case strings.Contains(tensor.Name, "attention.wv.weight"):
				if ft == ggml.FTypeMostlyQ3_K_M || ft == ggml.FTypeMostlyQ2_K {
					newType = ggml.TypeQ4_K
				} else if ft == ggml.FTypeMostlyQ3_K_L {
					newType = ggml.TypeQ5_K
				} else if (ft == ggml.FTypeMostlyQ4_K_M || ft == ggml.FTypeMostlyQ5_K_M) &&
					useMoreBits(iAttentionWV, nAttentionWV) {
					newType = ggml.TypeQ6_K
				} else if ggml.QKK == 64 && (ft == ggml.FTypeMostlyQ4_K_S || ft == ggml.FTypeMostlyQ3_K_S) &&
					(iAttentionWV < nAttentionWV/8 || iAttentionWV >= 7*nAttentionWV/8) {
					newType = ggml.TypeQ6_K
				}
				iAttentionWV++
			case strings.Contains(tensor.Name, "feed_forward.w2.weight"):
				if ft == ggml.FTypeMostlyQ3_K_M || ft == ggml.FTypeMostlyQ2_K {
					newType = ggml.TypeQ4_K
				} else if ft == ggml.FTypeMostlyQ3_K_L {
					newType = ggml.TypeQ5_K
				} else if (ft == ggml.FTypeMostlyQ4_K_M || ft == ggml.FTypeMostlyQ5_K_M) &&
					useMoreBits(iFeedForwardW2, nFeedForwardW2) {
					newType = ggml.TypeQ6_K
				}
				iFeedForwardW2++
			case strings.Contains(tensor.Name, "attention.wo.weight"):
				if ft == ggml.FTypeMostlyQ3_K_M || ft == ggml.FTypeMostlyQ2_K {
					newType = ggml.TypeQ4_K
				} else if ft == ggml.FTypeMostlyQ3_K_L {
					newType = ggml.TypeQ5_K
				}
			}

			if convertIncompatible {
				switch tensor.Name {
				case "output.weight":
					newType = ggml.TypeF16
					logger.Log.Warn("falling back to F16 for incompatible tensor", "name", tensor.Name)
				case "tok_embeddings.weight":
					newType = ggml.TypeQ4_0
					logger.Log.Warn("falling back to Q4_0 for incompatible tensor", "name", tensor.Name)
				default:
					return ErrIncompatible{Name: tensor.Name, NX: int(tensor.NE[0]), NY: int(tensor.NE[1])}
				}
			}

			nelements := int(tensor.NElements())

			var f32Data []float32
			switch {
			case tensor.Type == ggml.TypeF32:
				f32Data = make([]float32, nelements)
				if err := DequantizeRow(ggml.TypeF32, readData, f32Data); err != nil {
					return err
				}
			case tensor.Type.IsQuantized() && !params.AllowRequantize:
				return ErrRequantize{Type: tensor.Type}
			default:
				f32Data, err = convertToF32(tensor.Type, readData, nelements, nthread)
				if err != nil {
					return err
				}
			}

			qData, histCur, err := quantizeParallel(newType, f32Data, nthread)
			if err != nil {
				return err
			}
			newData = qData

			for i, h := range histCur {
				histAll[i] += h
			}
			logger.Log.Info("quantized",
				"name", tensor.Name,
				"type", newType.String(),
				"mb_in", float64(tensor.Size)/1024.0/1024.0,
				"mb_out", float64(len(newData))/1024.0/1024.0)
		}

		totalSizeOrg += tensor.Size
		totalSizeNew += uint64(len(newData))
		metrics.QuantizeTensorsTotal.WithLabelValues(newType.String()).Inc()

		if err := saver.WriteTensor(tensor, newType, newData); err != nil {
			return err
		}
	}

	logger.Log.Info("model size",
		"mb_in", float64(totalSizeOrg)/1024.0/1024.0,
		"mb_out", float64(totalSizeNew)/1024.0/1024.0)

	var sumAll int64
	for _, h := range histAll {
		sumAll += h
	}
	if sumAll > 0 {
		dist := make([]float64, len(histAll))
		for i, h := range histAll {
			dist[i] = float64(h) / float64(sumAll)
		}
		logger.Log.Info("quantization histogram", "bins", dist)
	}
	return nil
}

// convertToF32 dequantizes a whole tensor, chunked across workers for
// anything beyond a single chunk.
func convertToF32(typ ggml.TensorType, data []byte, nelements, nthread int) ([]float32, error) {
	out := make([]float32, nelements)

	blck := typ.BlockSize()
	if nthread < 2 || nelements < chunkSize {
		return out, DequantizeRow(typ, data, out)
	}

	nchunk := (nelements + chunkSize - 1) / chunkSize
	if nthread > nchunk {
		nthread = nchunk
	}

	var mu sync.Mutex
	counter := 0

	var g errgroup.Group
	for w := 0; w < nthread; w++ {
		g.Go(func() error {
			for {
				mu.Lock()
				first := counter
				counter += chunkSize
				mu.Unlock()
				if first >= nelements {
					return nil
				}
				last := first + chunkSize
				if last > nelements {
					last = nelements
				}
				// chunk boundaries stay on whole blocks
				if first%blck != 0 || (last != nelements && last%blck != 0) {
					return fmt.Errorf("dequantize chunk [%d, %d) not block aligned", first, last)
				}
				src := data[first/blck*typ.TypeSize():]
				if err := DequantizeRow(typ, src, out[first:last]); err != nil {
					return err
				}
			}
		})
	}
	return out, g.Wait()
}

// quantizeParallel re-quantizes f32 data into newType, dispatching
// chunks to a worker pool under a shared counter, and merges the
// per-worker histograms.
func quantizeParallel(newType ggml.TensorType, f32Data []float32, nthread int) ([]byte, []int64, error) {
	nelements := len(f32Data)
	outSize := nelements / newType.BlockSize() * newType.TypeSize()
	out := make([]byte, outSize)
	hist := make([]int64, 16)

	nchunk := (nelements + chunkSize - 1) / chunkSize
	nthreadUse := 1
	if nthread > 1 {
		nthreadUse = nthread
		if nthreadUse > nchunk {
			nthreadUse = nchunk
		}
	}

	if nthreadUse < 2 {
		if _, err := QuantizeChunk(newType, f32Data, out, 0, nelements, hist); err != nil {
			return nil, nil, err
		}
		return out, hist, nil
	}

	var mu sync.Mutex
	counter := 0

	var g errgroup.Group
	for w := 0; w < nthreadUse; w++ {
		g.Go(func() error {
			localHist := make([]int64, 16)
			for {
				mu.Lock()
				first := counter
				counter += chunkSize
				if first >= nelements {
					for i, h := range localHist {
						hist[i] += h
					}
					mu.Unlock()
					return nil
				}
				mu.Unlock()
				last := first + chunkSize
				if last > nelements {
					last = nelements
				}
				if _, err := QuantizeChunk(newType, f32Data, out, first, last-first, localHist); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, hist, nil
}
