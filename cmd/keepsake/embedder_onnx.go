//go:build onnx

package main

import (
	"github.com/keepsakebot/keepsake/config"
	"github.com/keepsakebot/keepsake/memory"
	"github.com/keepsakebot/keepsake/memory/embedder/onnx"
)

func newONNXEmbedder(cfg config.MemoryConfig) (memory.Embedder, error) {
	return onnx.New(onnx.Config{
		ModelPath:         cfg.ModelPath,
		TokenizerPath:     cfg.TokenizerPath,
		SharedLibraryPath: cfg.OrtLibrary,
	})
}
