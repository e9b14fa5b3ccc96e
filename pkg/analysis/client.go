// Package analysis turns a call transcript into a structured outcome using an
// OpenAI-compatible chat completions API.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-callbridge/internal/httpc"
	"github.com/teslashibe/go-callbridge/internal/metrics"
)

// SystemPrompt instructs the model to return a single JSON object.
const SystemPrompt = `You review transcripts of short outbound sales calls and report the outcome.
Respond with one JSON object and nothing else, using exactly these keys:
{
  "interested": true or false, whether the person showed genuine interest,
  "consent": true, false or null, whether they agreed to be contacted again (null if never discussed),
  "phone": the best callback number they gave or confirmed, or null,
  "name": the person's name if known, else "",
  "summary": two sentences a customer could read,
  "next_step": the agreed next step, else "",
  "sentiment": "positive", "neutral" or "negative"
}
Never guess a phone number that was not said or confirmed in the call.`

// Input is the call material sent for analysis.
type Input struct {
	TargetName string
	To         string
	Transcript string
}

// Client calls the completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = httpc.NewClient(d) }
}

// NewClient creates an analyzer.
func NewClient(baseURL, apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    httpc.NewClient(httpc.BestEffortTimeout),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "analysis")
	return c, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Analyze classifies a transcript. An empty transcript yields an empty, non-qualifying
// result without calling the API.
func (c *Client) Analyze(ctx context.Context, in Input) (*Result, error) {
	if strings.TrimSpace(in.Transcript) == "" {
		return &Result{}, nil
	}
	start := time.Now()

	var user strings.Builder
	if in.TargetName != "" {
		fmt.Fprintf(&user, "Person called: %s\n", in.TargetName)
	}
	if in.To != "" {
		fmt.Fprintf(&user, "Number dialed: %s\n", in.To)
	}
	user.WriteString("Transcript:\n")
	user.WriteString(in.Transcript)

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: user.String()},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := httpc.PostJSON(ctx, c.http, c.baseURL+"/chat/completions", req, header)
	if err != nil {
		return nil, fmt.Errorf("analysis: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("analysis: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, ErrNoChoices
	}

	result, err := ParseResult(out.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.AnalysisLatency.Observe(elapsed.Seconds())
	c.logger.Info("transcript analyzed",
		"interested", result.Interested,
		"has_phone", result.Phone != nil,
		"latency_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var b apiErrorBody
	if json.Unmarshal(body, &b) == nil && b.Error.Message != "" {
		apiErr.Message = b.Error.Message
		apiErr.Code = b.Error.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
