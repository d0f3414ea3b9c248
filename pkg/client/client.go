package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to the admin API of a running sysproxy.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // bearer token for the admin API
	Timeout  time.Duration
	RetryMax int
	Logger   *slog.Logger
	CACert   string // PEM file used to verify the server
	Insecure bool   // skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:  "http://127.0.0.1:8080/api",
		Timeout:  10 * time.Second,
		RetryMax: 2,
	}
}

func New(config Config) *Client {
	d := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = d.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = d.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = config.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = config.Timeout
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			rc.HTTPClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client:  rc.StandardClient(),
	}
}

// IsReachable checks whether the proxy answers its health probe.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, c.baseURL+"/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("proxy unreachable", "error", err)
		return false
	}
	return true
}

// Processes lists the live persistent processes.
func (c *Client) Processes(ctx context.Context) ([]Process, error) {
	var out []Process
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/processes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendCommand queues a command on the proxy.
func (c *Client) SendCommand(ctx context.Context, req CommandRequest) (Accepted, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Accepted{}, fmt.Errorf("marshal request: %w", err)
	}
	var ack Accepted
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/commands", data, &ack); err != nil {
		return Accepted{}, err
	}
	c.logger.Debug("command queued", "id", ack.ID, "kind", ack.Kind)
	return ack, nil
}

// History returns up to limit lifecycle events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	u := c.baseURL + "/history"
	if limit > 0 {
		u += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out []HistoryEvent
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// do performs a request and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", e.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", e.Error)
}
