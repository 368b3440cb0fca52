// Package upstream talks to the third-party music generation API: it submits
// generation requests and queries task status. Responses are handed back raw;
// interpreting them is the normalizer's job.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/normalizer"
)

const (
	defaultGeneratePath = "/api/v1/generate"
	defaultStatusPath   = "/api/v1/generate/record-info"
	defaultCreditPath   = "/api/v1/generate/credit"
	defaultModel        = "V4_5"
	defaultTimeout      = 60 * time.Second
	maxResponseBytes    = 1 << 20
)

// Config holds upstream API settings
type Config struct {
	BaseURL      string
	Token        string
	CallbackURL  string
	DefaultModel string
	GeneratePath string
	StatusPath   string
	CreditPath   string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Client is the upstream API client
type Client struct {
	baseURL      *url.URL
	token        string
	callbackURL  string
	defaultModel string
	generatePath string
	statusPath   string
	creditPath   string
	http         *http.Client
	logger       *slog.Logger
}

// generatePayload is the body of a generation request
type generatePayload struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	NegativeTags string `json:"negativeTags,omitempty"`
	CallBackURL  string `json:"callBackUrl"`
}

// NewClient creates a new upstream client
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:      parsed,
		token:        cfg.Token,
		callbackURL:  cfg.CallbackURL,
		defaultModel: orDefault(cfg.DefaultModel, defaultModel),
		generatePath: orDefault(cfg.GeneratePath, defaultGeneratePath),
		statusPath:   orDefault(cfg.StatusPath, defaultStatusPath),
		creditPath:   orDefault(cfg.CreditPath, defaultCreditPath),
		http:         &http.Client{Timeout: timeout},
		logger:       logger,
	}, nil
}

// CallbackURL returns the webhook url sent with every submission
func (c *Client) CallbackURL() string {
	return c.callbackURL
}

// Generate submits req and returns the upstream task id
func (c *Client) Generate(ctx context.Context, req domain.Request) (string, error) {
	payload := generatePayload{
		Prompt:       req.Prompt,
		Style:        req.Style,
		Title:        req.Title,
		CustomMode:   req.CustomMode,
		Instrumental: req.Instrumental,
		Model:        orDefault(req.Model, c.defaultModel),
		NegativeTags: req.NegativeTags,
		CallBackURL:  c.callbackURL,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode generate payload: %w", err)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, c.generatePath, nil, body)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", &domain.UpstreamStatusError{StatusCode: status, Message: snippet(respBody)}
	}

	raw, err := normalizer.Decode(respBody)
	if err != nil {
		return "", err
	}

	if code, ok, msg := normalizer.Envelope(raw); ok && code != http.StatusOK {
		return "", &domain.UpstreamStatusError{StatusCode: code, Message: msg}
	}

	taskID := normalizer.FindJobID(raw)
	if taskID == "" {
		c.logger.Warn("Generate response without task id",
			slog.String("body", snippet(respBody)),
		)
		return "", fmt.Errorf("%w: no task id in generate response", domain.ErrMalformedPayload)
	}

	c.logger.Info("Generation submitted",
		slog.String("job_id", taskID),
		slog.String("model", payload.Model),
	)

	return taskID, nil
}

// Status returns the raw status answer for taskID. A task upstream does not
// know yet yields domain.ErrTaskNotVisible. A rejection of the query itself
// (auth, rate limiting, maintenance, 5xx, or an error code with no task record
// attached) yields a domain.UpstreamStatusError rather than a payload, so it is
// never mistaken for a job failure.
func (c *Client) Status(ctx context.Context, taskID string) ([]byte, error) {
	query := url.Values{"taskId": []string{taskID}}

	status, respBody, err := c.do(ctx, http.MethodGet, c.statusPath, query, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotVisible, taskID)
	}
	if status < 200 || status > 299 {
		return nil, &domain.UpstreamStatusError{StatusCode: status, Message: snippet(respBody)}
	}

	raw, err := normalizer.Decode(respBody)
	if err != nil {
		return nil, err
	}

	if code, ok, msg := normalizer.Envelope(raw); ok && code != http.StatusOK {
		switch {
		case code == http.StatusNotFound || isNotFoundMessage(msg):
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotVisible, taskID)
		case queryRejectionCodes[code] || code >= 500 || normalizer.FindJobID(raw) == "":
			return nil, &domain.UpstreamStatusError{StatusCode: code, Message: msg}
		}
	}

	return respBody, nil
}

// Credits returns the remaining generation credits of the account
func (c *Client) Credits(ctx context.Context) (float64, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, c.creditPath, nil, nil)
	if err != nil {
		return 0, err
	}
	if status < 200 || status > 299 {
		return 0, &domain.UpstreamStatusError{StatusCode: status, Message: snippet(respBody)}
	}

	var envelope struct {
		Code int     `json:"code"`
		Msg  string  `json:"msg"`
		Data float64 `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if envelope.Code != 0 && envelope.Code != http.StatusOK {
		return 0, &domain.UpstreamStatusError{StatusCode: envelope.Code, Message: envelope.Msg}
	}

	return envelope.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	endpoint := c.baseURL.JoinPath(path)
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", domain.ErrUpstreamUnavailable, err)
	}

	c.logger.Debug("Upstream call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("body", snippet(respBody)),
	)

	return resp.StatusCode, respBody, nil
}

// queryRejectionCodes are envelope codes that describe the request, never the task
var queryRejectionCodes = map[int]bool{
	http.StatusUnauthorized:     true,
	http.StatusForbidden:        true,
	http.StatusMethodNotAllowed: true, // upstream uses 405 for rate limiting
	http.StatusTooManyRequests:  true,
	430:                         true, // call frequency too high
	455:                         true, // maintenance
}

func isNotFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "not exist")
}

func snippet(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
