package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hazyhaar/ucti/internal/config"
)

const maxOutputTokens = 1024

type anthropicCompleter struct {
	clients []anthropic.Client
	model   anthropic.Model
}

// newAnthropicCompleter builds one SDK client per configured API key;
// complete picks one at random to spread quota.
func newAnthropicCompleter(block config.AI) *anthropicCompleter {
	clients := make([]anthropic.Client, 0, len(block.APIKey))
	for _, key := range block.APIKey {
		clients = append(clients, anthropic.NewClient(option.WithAPIKey(key)))
	}
	return &anthropicCompleter{clients: clients, model: anthropic.Model(block.Model)}
}

func (c *anthropicCompleter) complete(ctx context.Context, system, user string) (string, error) {
	client := c.clients[rand.IntN(len(c.clients))]
	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxOutputTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", err
	}
	if len(message.Content) == 0 {
		return "", errors.New("no content blocks in response")
	}
	block := message.Content[0]
	if block.Type != "text" {
		return "", fmt.Errorf("unexpected content block type %q", block.Type)
	}
	return block.Text, nil
}
