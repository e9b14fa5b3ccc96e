package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/teslashibe/go-callbridge/internal/httpc"
)

// DefaultBaseURL is the Twilio-compatible REST API root.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// Call statuses reported by status callbacks and the REST API.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// ErrNoCredentials is returned by CreateCall when the client has no account credentials.
var ErrNoCredentials = errors.New("telephony: account credentials not configured")

// NeverConnected reports whether status is a terminal status for a call that was never answered.
func NeverConnected(status string) bool {
	switch status {
	case StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telephony: API error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("telephony: API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the call no longer exists.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Client calls the telephony REST API.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	http       *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a REST client. Empty credentials produce a client whose Hangup is a no-op.
func NewClient(accountSID, authToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		accountSID: accountSID,
		authToken:  authToken,
		http:       httpc.NewClient(httpc.BestEffortTimeout),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "telephony.rest")
	return c
}

// Enabled reports whether credentials are configured.
func (c *Client) Enabled() bool {
	return c.accountSID != "" && c.authToken != ""
}

// Hangup asks the API to move the call to `completed`. Without credentials or a call id it
// does nothing.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	if !c.Enabled() || callSID == "" {
		c.logger.Debug("hangup skipped", "call_sid", callSID, "enabled", c.Enabled())
		return nil
	}

	form := url.Values{}
	form.Set("Status", StatusCompleted)

	resp, err := httpc.PostForm(ctx, c.http, c.callURL(callSID), form, c.accountSID, c.authToken)
	if err != nil {
		return fmt.Errorf("telephony: hangup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return parseAPIError(resp)
	}
	c.logger.Info("call leg completed", "call_sid", callSID)
	return nil
}

// CallRequest describes an outbound call to place.
type CallRequest struct {
	To             string
	From           string
	AnswerURL      string // markup endpoint the API fetches once the call is answered
	StatusCallback string
	Timeout        int // ring timeout in seconds, 0 uses 30
}

// CallResponse is the subset of the created call resource the bridge uses.
type CallResponse struct {
	SID    string `json:"sid"`
	To     string `json:"to"`
	From   string `json:"from"`
	Status string `json:"status"`
}

// CreateCall places an outbound call.
func (c *Client) CreateCall(ctx context.Context, req CallRequest) (*CallResponse, error) {
	if !c.Enabled() {
		return nil, ErrNoCredentials
	}
	if req.To == "" || req.From == "" || req.AnswerURL == "" {
		return nil, errors.New("telephony: to, from and answer url are required")
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	form.Set("Method", http.MethodPost)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	form.Set("Timeout", fmt.Sprintf("%d", timeout))
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, url.PathEscape(c.accountSID))
	resp, err := httpc.PostForm(ctx, c.http, endpoint, form, c.accountSID, c.authToken)
	if err != nil {
		return nil, fmt.Errorf("telephony: create call request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp)
	}

	var out CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("telephony: decode call: %w", err)
	}
	c.logger.Info("call created", "call_sid", out.SID, "to", out.To, "status", out.Status)
	return &out, nil
}

func (c *Client) callURL(callSID string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, url.PathEscape(c.accountSID), url.PathEscape(callSID))
}

func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
