package oracle

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hazyhaar/ucti/internal/config"
)

// mistralBaseURL is the OpenAI-compatible endpoint of the Mistral
// platform; the "mistral" provider is openai-go pointed there.
const mistralBaseURL = "https://api.mistral.ai/v1"

type openaiCompleter struct {
	clients []openai.Client
	model   string
}

func newOpenAICompleter(block config.AI, baseURL string) *openaiCompleter {
	clients := make([]openai.Client, 0, len(block.APIKey))
	for _, key := range block.APIKey {
		opts := []option.RequestOption{option.WithAPIKey(key)}
		if baseURL != "" {
			opts = append(opts, option.WithBaseURL(baseURL))
		}
		clients = append(clients, openai.NewClient(opts...))
	}
	return &openaiCompleter{clients: clients, model: block.Model}
}

func (c *openaiCompleter) complete(ctx context.Context, system, user string) (string, error) {
	client := c.clients[rand.IntN(len(c.clients))]
	completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("no choices in completion")
	}
	return completion.Choices[0].Message.Content, nil
}
