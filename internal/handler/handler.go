// Package handler turns one job input into one OCR result.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/example/chandra-ocr/worker-go/internal/model"
	"github.com/example/chandra-ocr/worker-go/internal/ocr"
)

const missingImageMsg = "Missing 'image_base64' in input"

type Handler struct {
	model         ocr.Model
	maxImageBytes int
	logger        *slog.Logger
}

type Option func(*Handler)

// WithMaxImageBytes rejects decoded payloads larger than n bytes. Zero
// disables the limit.
func WithMaxImageBytes(n int) Option {
	return func(h *Handler) { h.maxImageBytes = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func New(m ocr.Model, opts ...Option) *Handler {
	h := &Handler{model: m, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleRaw decodes the "input" object of a job payload and handles it.
func (h *Handler) HandleRaw(ctx context.Context, raw json.RawMessage) model.Result {
	var in model.Input
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &in); err != nil {
			return model.Failure(fmt.Sprintf("invalid input: %v", err))
		}
	}
	return h.Handle(ctx, in)
}

// Handle runs one OCR request. Every failure, including a panic in the
// model, comes back as an error-shaped Result.
func (h *Handler) Handle(ctx context.Context, in model.Input) (res model.Result) {
	start := time.Now()
	promptType := in.PromptType
	if promptType == "" {
		promptType = model.DefaultPromptType
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			res = model.Failure(fmt.Sprint(r))
		}
		attrs := []any{
			slog.String("prompt_type", promptType),
			slog.Duration("took", time.Since(start)),
		}
		if res.OK() {
			h.logger.Info("ocr request done", attrs...)
		} else {
			h.logger.Warn("ocr request failed", append(attrs, slog.String("error", res.Error))...)
		}
	}()

	out, err := h.run(ctx, in.ImageBase64, ocr.PromptType(promptType))
	if err != nil {
		return model.Failure(err.Error())
	}
	return model.Success(out)
}

func (h *Handler) run(ctx context.Context, b64 string, pt ocr.PromptType) (model.Output, error) {
	if b64 == "" {
		return model.Output{}, errors.New(missingImageMsg)
	}
	if !ocr.ValidPromptType(pt) {
		return model.Output{}, fmt.Errorf("unsupported prompt_type %q", string(pt))
	}
	data, err := decodeBase64(b64)
	if err != nil {
		return model.Output{}, err
	}
	img, err := decodeImage(data, h.maxImageBytes)
	if err != nil {
		return model.Output{}, err
	}

	gens, err := h.model.Generate(ctx, []ocr.BatchItem{{Image: img, PromptType: pt}})
	if err != nil {
		return model.Output{}, err
	}
	if len(gens) == 0 {
		return model.Output{}, errors.New("model returned no generations")
	}
	gen := gens[0]
	if gen.Truncated {
		h.logger.Warn("generation hit the output token limit", slog.Int("tokens", gen.TokenCount))
	}
	return model.Output{Markdown: ocr.ParseMarkdown(gen.Raw), Raw: gen.Raw}, nil
}
