package llama

import "errors"

// ErrUnimplemented marks entry points whose bodies are disabled in
// this build.
var ErrUnimplemented = errors.New("not implemented")

// ApplyLoRAFromFile would patch model tensors with a low-rank adapter
// before context creation. Adapter support is disabled; the entry
// point is kept so callers can feature-detect it.
func ApplyLoRAFromFile(m *Model, pathLoRA, pathBaseModel string, nThreads int) error {
	return ErrUnimplemented
}
