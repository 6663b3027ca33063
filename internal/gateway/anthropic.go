package gateway

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const anthropicMaxTokens = 4096

// AnthropicClient adapts the Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient builds a client for the given model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(apiKey),
		model:  model,
	}
}

func (c *AnthropicClient) request(prompt string) anthropic.MessagesRequest {
	return anthropic.MessagesRequest{
		Model: anthropic.Model(c.model),
		Messages: []anthropic.Message{{
			Role:    anthropic.RoleUser,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(prompt)},
		}},
		MaxTokens: anthropicMaxTokens,
	}
}

// Generate performs a blocking messages call.
func (c *AnthropicClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateMessages(ctx, c.request(prompt))
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	if text.Len() == 0 {
		return "", ErrEmptyCandidate
	}
	return text.String(), nil
}

// Stream relays text deltas through the SDK's callback API. The callbacks run
// during CreateMessagesStream, so the accumulated text is complete once the
// call returns.
func (c *AnthropicClient) Stream(ctx context.Context, prompt string, onDelta DeltaFunc, opts StreamOptions) (string, error) {
	streamCtx, watchdog, cancel := newIdleWatchdog(ctx, opts.idle())
	defer cancel()
	defer watchdog.stop()

	var full strings.Builder
	var deltaErr error

	req := anthropic.MessagesStreamRequest{MessagesRequest: c.request(prompt)}
	req.OnContentBlockDelta = func(delta anthropic.MessagesEventContentBlockDeltaData) {
		if deltaErr != nil {
			return
		}
		if delta.Delta.Type != "text_delta" || delta.Delta.Text == nil {
			return
		}
		watchdog.reset()
		full.WriteString(*delta.Delta.Text)
		if err := onDelta(*delta.Delta.Text); err != nil {
			deltaErr = err
			cancel()
		}
	}

	if _, err := c.client.CreateMessagesStream(streamCtx, req); err != nil {
		if deltaErr != nil {
			return "", deltaErr
		}
		if watchdog.fired() && full.Len() > 0 {
			return full.String(), nil
		}
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	if deltaErr != nil {
		return "", deltaErr
	}

	if full.Len() == 0 {
		text, err := c.Generate(ctx, prompt)
		if err != nil {
			return "", err
		}
		if err := pseudoStream(text, onDelta); err != nil {
			return "", err
		}
		return text, nil
	}
	return full.String(), nil
}

var _ Client = (*AnthropicClient)(nil)
