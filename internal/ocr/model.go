// Package ocr loads the OCR checkpoint and runs batch generation against it.
package ocr

import (
	"context"
	"image"
)

// BatchItem is one image plus the prompt mode to apply to it.
type BatchItem struct {
	Image      image.Image
	PromptType PromptType
}

// Generation is the model output for one BatchItem.
type Generation struct {
	Raw        string
	TokenCount int
	// Truncated is set when generation stopped at the output token limit.
	Truncated bool
}

// Model runs batch generation. Implementations are safe for concurrent use
// once constructed and hold no per-request state.
type Model interface {
	Generate(ctx context.Context, batch []BatchItem) ([]Generation, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, batch []BatchItem) ([]Generation, error)

func (f ModelFunc) Generate(ctx context.Context, batch []BatchItem) ([]Generation, error) {
	return f(ctx, batch)
}
