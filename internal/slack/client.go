// Package slack is the outbound side of the proxy: it posts replies and
// process output back to chat through the Web API.
package slack

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
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const DefaultAPIURL = "https://slack.com/api/"

// Notifier delivers replies to chat.
type Notifier interface {
	Respond(ctx context.Context, r Reply) error
}

// Config holds the Web API settings.
type Config struct {
	Token    string        `mapstructure:"token" json:"-"`
	APIURL   string        `mapstructure:"api_url" json:"api_url"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
	RetryMax int           `mapstructure:"retry_max" json:"retry_max"`
}

// APIError is returned when the API answers ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string { return fmt.Sprintf("slack %s: %s", e.Method, e.Code) }

// Client calls the Slack Web API with retries on transport errors and 5xx/429.
type Client struct {
	http    *http.Client
	token   string
	baseURL string
	log     *slog.Logger
}

type logAdapter struct{ log *slog.Logger }

func (a logAdapter) Error(msg string, kv ...interface{}) { a.log.Error(msg, kv...) }
func (a logAdapter) Info(msg string, kv ...interface{})  { a.log.Debug(msg, kv...) }
func (a logAdapter) Debug(msg string, kv ...interface{}) { a.log.Debug(msg, kv...) }
func (a logAdapter) Warn(msg string, kv ...interface{})  { a.log.Warn(msg, kv...) }

// NewClient builds a client from cfg.
func NewClient(cfg Config, log *slog.Logger) *Client {
	base := cfg.APIURL
	if base == "" {
		base = DefaultAPIURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryMax <= 0 {
		rc.RetryMax = 3
	}
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rc.HTTPClient = &http.Client{Timeout: timeout}
	rc.Logger = logAdapter{log: log.With("component", "slack")}
	return &Client{
		http:    rc.StandardClient(),
		token:   cfg.Token,
		baseURL: base,
		log:     log,
	}
}

type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Warning string `json:"warning"`
}

// Call performs a Web API method with form-encoded arguments.
func (c *Client) Call(ctx context.Context, method string, form url.Values) error {
	if form == nil {
		form = url.Values{}
	}
	form.Set("token", c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("slack %s: read body: %w", method, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack %s: status %d", method, resp.StatusCode)
	}
	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return fmt.Errorf("slack %s: decode: %w", method, err)
	}
	if ar.Warning != "" {
		c.log.Warn("slack warning", "method", method, "warning", ar.Warning)
	}
	if !ar.OK {
		return &APIError{Method: method, Code: ar.Error}
	}
	return nil
}

// Respond posts r with chat.postMessage.
func (c *Client) Respond(ctx context.Context, r Reply) error {
	if r.Channel == "" {
		return errors.New("slack: reply has no channel")
	}
	form := url.Values{}
	form.Set("channel", r.Channel)
	form.Set("text", r.Text)
	if r.ThreadTS != "" {
		form.Set("thread_ts", r.ThreadTS)
	}
	if len(r.Attachments) > 0 {
		b, err := json.Marshal(r.Attachments)
		if err != nil {
			return err
		}
		form.Set("attachments", string(b))
	}
	return c.Call(ctx, "chat.postMessage", form)
}
