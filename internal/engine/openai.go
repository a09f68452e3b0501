package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

var _ Backend = (*OpenAI)(nil)

// OpenAI talks to the OpenAI API or any server speaking its protocol.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates a backend. An empty baseURL targets api.openai.com.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return &OpenAI{client: openai.NewClient(opts...)}
}

func (o *OpenAI) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat: no completion choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

func (o *OpenAI) Embed(ctx context.Context, model, text string, dims int) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	}
	if dims > 0 {
		params.Dimensions = openai.Int(int64(dims))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: no embeddings returned")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (o *OpenAI) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := o.client.Models.List(ctx)
	return err == nil
}

func (o *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	page, err := o.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func (o *OpenAI) HasModel(ctx context.Context, name string) bool {
	models, err := o.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name {
			return true
		}
	}
	return false
}

// PullModel is not available on hosted APIs.
func (o *OpenAI) PullModel(context.Context, string, func(PullProgress)) error {
	return ErrUnsupported
}
