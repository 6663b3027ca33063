package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIClient adapts the chat-completions API, including any
// OpenAI-compatible endpoint selected through a custom base URL.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client; baseURL may be empty for the default
// endpoint.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (c *OpenAIClient) request(prompt string, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}},
		Stream: stream,
	}
}

// Generate performs a blocking chat completion.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(prompt, false))
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCandidate
	}
	text := resp.Choices[0].Message.Content
	if text == "" {
		return "", ErrEmptyCandidate
	}
	return text, nil
}

// Stream reads completion deltas, resetting the idle watchdog per chunk. An
// empty stream falls back to Generate with pseudo-streamed delivery.
func (c *OpenAIClient) Stream(ctx context.Context, prompt string, onDelta DeltaFunc, opts StreamOptions) (string, error) {
	streamCtx, watchdog, cancel := newIdleWatchdog(ctx, opts.idle())
	defer cancel()
	defer watchdog.stop()

	stream, err := c.client.CreateChatCompletionStream(streamCtx, c.request(prompt, true))
	if err != nil {
		return "", fmt.Errorf("openai stream open: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if watchdog.fired() && full.Len() > 0 {
				return full.String(), nil
			}
			return "", fmt.Errorf("openai stream recv: %w", err)
		}
		watchdog.reset()
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return "", err
		}
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

var _ Client = (*OpenAIClient)(nil)
