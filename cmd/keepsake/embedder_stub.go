//go:build !onnx

package main

import (
	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/config"
	"github.com/keepsakebot/keepsake/memory"
)

func newONNXEmbedder(config.MemoryConfig) (memory.Embedder, error) {
	return nil, errors.New("onnx embedder requires building with the onnx tag")
}
