package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiClient talks to the Generative Language REST API directly. The SDK is
// deliberately skipped: the service needs byte-level control over stream
// framing to handle proxies that rewrite server-sent events into plain
// line-delimited JSON.
type GeminiClient struct {
	apiKey  string
	model   string
	baseURL string
	httpc   *http.Client
}

// GeminiOption configures a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithGeminiBaseURL overrides the API endpoint, mainly for tests.
func WithGeminiBaseURL(u string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithGeminiHTTPClient substitutes the transport.
func WithGeminiHTTPClient(h *http.Client) GeminiOption {
	return func(c *GeminiClient) { c.httpc = h }
}

// NewGeminiClient builds a client for the given model, e.g.
// "gemini-1.5-flash-latest".
func NewGeminiClient(apiKey, model string, opts ...GeminiOption) *GeminiClient {
	c := &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultGeminiBaseURL,
		httpc:   http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Wire types, trimmed to the fields the service reads and writes.

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (r *geminiResponse) text() string {
	var b strings.Builder
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Generate performs a blocking generateContent call.
func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.post(ctx, ":generateContent", prompt, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}
	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	text := parsed.text()
	if text == "" {
		return "", ErrEmptyCandidate
	}
	return text, nil
}

// Stream performs streamGenerateContent with an idle watchdog. An empty
// stream degrades to Generate replayed through onDelta in chunks, so callers
// always observe at least one delta for a non-empty result.
func (c *GeminiClient) Stream(ctx context.Context, prompt string, onDelta DeltaFunc, opts StreamOptions) (string, error) {
	streamCtx, watchdog, cancel := newIdleWatchdog(ctx, opts.idle())
	defer cancel()
	defer watchdog.stop()

	resp, err := c.post(streamCtx, ":streamGenerateContent?alt=sse", prompt, true)
	if err != nil {
		if watchdog.fired() {
			return "", fmt.Errorf("gemini stream idle for %s: %w", opts.idle(), err)
		}
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	emit := func(delta string) error {
		watchdog.reset()
		full.WriteString(delta)
		return onDelta(delta)
	}

	// Some intermediaries strip the SSE content type and deliver bare JSON
	// lines; pick the framing by what the response claims to be.
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		err = c.consumeSSE(resp.Body, emit)
	} else {
		err = c.consumeJSONLines(resp.Body, emit)
	}
	if err != nil {
		if watchdog.fired() {
			// Idle cancellation after partial output: return what arrived.
			if full.Len() > 0 {
				return full.String(), nil
			}
			return "", fmt.Errorf("gemini stream idle for %s: %w", opts.idle(), err)
		}
		return "", err
	}

	if full.Len() == 0 {
		// Stream completed without a single delta. Fall back to a blocking
		// call on the parent context; the watchdog only guards the stream.
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

// consumeSSE decodes server-sent events separated by blank lines, honoring
// only "data:" fields and the [DONE] terminator.
func (c *GeminiClient) consumeSSE(r io.Reader, emit DeltaFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data bytes.Buffer
	flush := func() error {
		defer data.Reset()
		payload := strings.TrimSpace(data.String())
		if payload == "" || payload == "[DONE]" {
			return nil
		}
		return c.emitChunk(payload, emit)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(rest, " "))
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}

// consumeJSONLines decodes one JSON object per non-empty line.
func (c *GeminiClient) consumeJSONLines(r io.Reader, emit DeltaFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[DONE]" {
			continue
		}
		// Tolerate array framing: "[", "]" and leading commas around objects.
		line = strings.TrimLeft(line, ",")
		line = strings.TrimSpace(line)
		if line == "" || line == "[" || line == "]" {
			continue
		}
		if err := c.emitChunk(line, emit); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// emitChunk parses one streamed response object and forwards its text.
// Undecodable chunks are skipped rather than failing the whole stream.
func (c *GeminiClient) emitChunk(payload string, emit DeltaFunc) error {
	var chunk geminiResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil
	}
	if text := chunk.text(); text != "" {
		return emit(text)
	}
	return nil
}

func (c *GeminiClient) post(ctx context.Context, method, prompt string, streaming bool) (*http.Response, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt}},
		}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/%s%s", c.baseURL, c.model, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	if streaming {
		req.Header.Set("Accept", "text/event-stream, application/json")
		// Compressed bodies buffer in intermediaries and defeat streaming.
		req.Header.Set("Accept-Encoding", "identity")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &UpstreamError{Provider: "gemini", Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

var _ Client = (*GeminiClient)(nil)
