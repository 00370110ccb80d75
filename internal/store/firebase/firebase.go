// Package firebase stores the timer record in a Firebase Realtime Database
// through its REST API and follows changes through the REST streaming
// (server-sent events) endpoint.
package firebase

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/openpubmobus/mobdtimer/internal/metrics"
	"github.com/openpubmobus/mobdtimer/internal/store"
)

// DefaultBaseURL is the shared database the tool talks to unless configured otherwise.
const DefaultBaseURL = "https://rust-timer-default-rtdb.firebaseio.com"

// Client implements store.Store against a Firebase Realtime Database.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // optional PEM bundle for self-hosted emulators behind TLS
	Insecure bool   // skip TLS verification
}

// ErrorResponse is the body Firebase returns with non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// New creates a Firebase client. The REST client honours Timeout; the
// streaming client does not, since a subscription is expected to stay open.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = store.DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid firebase url %q: %w", config.BaseURL, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}, nil
}

// recordURL returns <base>/<key>.json
func (c *Client) recordURL(key string) string {
	return c.baseURL + "/" + url.PathEscape(key) + ".json"
}

// Get reads the record at key.
func (c *Client) Get(ctx context.Context, key string) (store.Record, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.recordURL(key), nil)
	if err != nil {
		return store.Record{}, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return store.Record{}, store.ErrNotFound
	}
	var rec store.Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return store.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Set overwrites the record at key.
func (c *Client) Set(ctx context.Context, key string, rec store.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	c.logger.Debug("Writing timer record", "key", key, "endTime", rec.EndTime)
	if _, err := c.doRequest(ctx, http.MethodPut, c.recordURL(key), data); err != nil {
		metrics.IncStoreWrite("error")
		return err
	}
	metrics.IncStoreWrite("ok")
	return nil
}

// Subscribe opens the streaming endpoint for key. Transport-level reconnects
// are handled by the SSE client; the returned channel closes once it gives
// up or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, key string) (<-chan store.Event, error) {
	sc := sse.NewClient(c.recordURL(key))
	sc.Connection = c.stream

	out := make(chan store.Event, 16)
	go func() {
		defer close(out)
		err := sc.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
			ev, err := store.ParseEvent(string(msg.Event), msg.Data)
			if err != nil {
				metrics.IncPayloadDrop()
				c.logger.Debug("Dropping unparsable stream event", "key", key, "event", string(msg.Event), "error", err)
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("Firebase stream ended", "key", key, "error", err)
		}
	}()
	return out, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	c.stream.CloseIdleConnections()
	return nil
}

// doRequest performs an HTTP request and returns the response body of a 2xx reply.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, c.errorFromResponse(resp.StatusCode, data)
}

func (c *Client) errorFromResponse(status int, data []byte) error {
	var errorResp ErrorResponse
	if err := json.Unmarshal(data, &errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Firebase request failed", "status", status)
		return fmt.Errorf("firebase: HTTP %d", status)
	}
	c.logger.Error("Firebase request failed", "error", errorResp.Error, "status", status)
	return fmt.Errorf("firebase: %s (HTTP %d)", errorResp.Error, status)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

var _ store.Store = (*Client)(nil)
