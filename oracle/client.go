// Package oracle asks an LLM proxy for candidate next lines of a program.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 60 * time.Second
	maxOutputTokens = 400
	// a finished program needs more room than a handful of candidate lines
	completeOutputTokens = 2000
	// maxResponseBytes caps how much of a proxy response is read
	maxResponseBytes = 1 << 20
	// bodyLogLimit caps how much of an error body ends up in logs and errors
	bodyLogLimit = 512
)

var (
	ErrNotConfigured    = errors.New("oracle is not configured")
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrEmptyResponse    = errors.New("empty oracle response")
	ErrMalformedAnswer  = errors.New("malformed oracle answer")
)

const prompt = `You are helping a group chat write a program one line at a time.
Below is the program so far, one line per row (it may be empty).
Suggest between 3 and 5 different candidates for the next line.
Each candidate must be a single line of code no longer than 100 characters.
Answer with ONLY a JSON array of strings, no markdown, no code fences, no explanations.

Program so far:
%s`

const completePrompt = `You are helping a group chat finish a program they wrote one line at a time.
Below is the program so far, one line per row.
Fix it so that it runs and does what it evidently tries to do, keeping as much of it as possible.
Answer with ONLY a JSON array of strings, one element per line of the finished program,
keeping indentation, no markdown, no code fences, no explanations.

Program so far:
%s`

type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	model      string
}

func New(url, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		apiKey:     apiKey,
		model:      model,
	}
}

type request struct {
	Model           string  `json:"model"`
	Input           string  `json:"input"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"top_p"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

type response struct {
	Output []struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Suggest returns the candidate lines proposed for the program. The answer
// is returned as is; deciding whether it is usable is up to the caller.
func (c *Client) Suggest(ctx context.Context, lines []string) ([]string, error) {
	slog.Debug("oracle: Asking for suggestions", "lines", len(lines), "model", c.model)

	text, err := c.ask(ctx, fmt.Sprintf(prompt, strings.Join(lines, "\n")), maxOutputTokens)
	if err != nil {
		return nil, err
	}

	options, err := decodeOptions(text)
	if err != nil {
		slog.Warn("oracle: Cannot decode answer", "error", err, "text", truncate([]byte(text)))
		return nil, err
	}

	slog.Debug("oracle: Got suggestions", "count", len(options))
	return options, nil
}

// Complete returns the program rewritten into a finished one, one line per
// element
func (c *Client) Complete(ctx context.Context, lines []string) ([]string, error) {
	slog.Debug("oracle: Asking for completion", "lines", len(lines), "model", c.model)

	text, err := c.ask(ctx, fmt.Sprintf(completePrompt, strings.Join(lines, "\n")), completeOutputTokens)
	if err != nil {
		return nil, err
	}

	completed, err := decodeOptions(text)
	if err != nil {
		slog.Warn("oracle: Cannot decode completion", "error", err, "text", truncate([]byte(text)))
		return nil, err
	}

	slog.Debug("oracle: Got completion", "lines", len(completed))
	return completed, nil
}

// ask sends one prompt to the proxy and returns the text of the first output
func (c *Client) ask(ctx context.Context, input string, outputTokens int) (string, error) {
	if c.url == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(request{
		Model:           c.model,
		Input:           input,
		Temperature:     0,
		TopP:            1,
		MaxOutputTokens: outputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("oracle: Proxy returned an error", "status", resp.StatusCode, "body", truncate(raw))
		return "", fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(raw))
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("oracle error: %s", parsed.Error.Message)
	}
	if len(parsed.Output) == 0 || len(parsed.Output[0].Content) == 0 {
		return "", ErrEmptyResponse
	}
	return parsed.Output[0].Content[0].Text, nil
}

func decodeOptions(text string) ([]string, error) {
	text = stripCodeFence(text)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	var options []string
	if err := json.Unmarshal([]byte(text), &options); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedAnswer, err)
	}
	return options, nil
}

// stripCodeFence removes a markdown fence around the answer, with or without
// a language tag
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], "[\"") {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func truncate(b []byte) string {
	if len(b) > bodyLogLimit {
		return string(b[:bodyLogLimit]) + "..."
	}
	return string(b)
}
