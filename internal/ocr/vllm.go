package ocr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

func init() {
	RegisterBackend("vllm", newVLLMModel)
}

const defaultMaxOutputTokens = 12384

// vllmModel talks to an OpenAI-compatible server (vLLM) hosting the
// checkpoint on the accelerator.
type vllmModel struct {
	client    *openai.Client
	model     string
	maxTokens int
	proc      Processor
}

func newVLLMModel(ctx context.Context, opts Options, cp Checkpoint, proc Processor) (Model, error) {
	if strings.TrimSpace(opts.InferenceURL) == "" {
		return nil, errors.New("inference URL is required")
	}
	clientConfig := openai.DefaultConfig(opts.APIKey)
	clientConfig.BaseURL = strings.TrimRight(opts.InferenceURL, "/")
	client := openai.NewClientWithConfig(clientConfig)

	served := opts.ServedModel
	if served == "" {
		served = cp.ID
	}
	models, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe inference server %s: %w", clientConfig.BaseURL, err)
	}
	found := false
	for _, m := range models.Models {
		if m.ID == served {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("inference server %s does not serve model %q", clientConfig.BaseURL, served)
	}

	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	return &vllmModel{client: client, model: served, maxTokens: maxTokens, proc: proc}, nil
}

func (m *vllmModel) Generate(ctx context.Context, batch []BatchItem) ([]Generation, error) {
	out := make([]Generation, 0, len(batch))
	for i, item := range batch {
		g, err := m.generateOne(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (m *vllmModel) generateOne(ctx context.Context, item BatchItem) (Generation, error) {
	prompt, err := m.proc.Prompts.Lookup(item.PromptType)
	if err != nil {
		return Generation{}, err
	}
	imageURL, err := PNGDataURL(m.proc.ScaleToFit(item.Image))
	if err != nil {
		return Generation{}, fmt.Errorf("encode image: %w", err)
	}

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
				},
			},
		},
		MaxTokens: m.maxTokens,
		// A literal 0 is dropped by omitempty; this still selects greedy decoding.
		Temperature: math.SmallestNonzeroFloat32,
	})
	if err != nil {
		return Generation{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Generation{}, errors.New("chat completion returned no choices")
	}
	choice := resp.Choices[0]
	return Generation{
		Raw:        choice.Message.Content,
		TokenCount: resp.Usage.CompletionTokens,
		Truncated:  choice.FinishReason == openai.FinishReasonLength,
	}, nil
}
