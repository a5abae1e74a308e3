// Package gateway implements a thin HTTP client for the upstream WhatsApp
// gateway (Evolution API). It carries no retry logic of its own: every
// operation returns a typed result so the caller's retry policy (see
// internal/queue) stays a pure function of the result kind and attempt
// count, rather than exception-driven control flow.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"log/slog"
)

// ConnectionState mirrors the upstream gateway's reported connection state
// for one instance.
type ConnectionState string

const (
	StateOpen       ConnectionState = "open"
	StateConnecting ConnectionState = "connecting"
	StateClosed     ConnectionState = "closed"
	StateUnknown    ConnectionState = "unknown"
)

// Error classification kinds, mirrored from the delivery transport this
// client is grounded on, minus any retry behaviour — the worker alone
// decides whether and how to retry.
const (
	ErrorTypeTimeout    = "timeout"
	ErrorTypeConnection = "connection"
	ErrorTypeServer     = "server"
	ErrorTypeClient     = "client"
	ErrorTypeNone       = ""
)

var phoneDigits = regexp.MustCompile(`[^0-9]`)

// Config tunes the underlying HTTP client. HTTPTimeout must be at least 15s
// per the gateway's reconnect-blocking behaviour.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPTimeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HTTPTimeout:         15 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Client is a stateless HTTP client for the upstream gateway.
type Client struct {
	cfg    Config
	http   *http.Client
	log    *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.HTTPTimeout < 15*time.Second {
		cfg.HTTPTimeout = 15 * time.Second
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Client{
		cfg: cfg,
		log: log,
		http: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// NormalizeJID converts a phone number in any common notation to the
// gateway's JID form: digits only, suffixed with @s.whatsapp.net. Any prior
// suffix is stripped before re-normalising.
func NormalizeJID(to string) string {
	to, _, _ = strings.Cut(to, "@")
	digits := phoneDigits.ReplaceAllString(to, "")
	return digits + "@s.whatsapp.net"
}

// SendText delivers one text message. It returns (true, nil) only on a 2xx
// response; any transport error or status >=400 yields (false, err) where
// err carries the classified error type via errors.As(*SendError).
func (c *Client) SendText(ctx context.Context, instance, to, text string) (bool, error) {
	jid := NormalizeJID(to)
	body, err := json.Marshal(map[string]string{"number": jid, "text": text})
	if err != nil {
		return false, &SendError{Type: ErrorTypeClient, Err: fmt.Errorf("marshal send_text payload: %w", err)}
	}
	resp, err := c.do(ctx, http.MethodPost, "/message/sendText/"+instance, body)
	if err != nil {
		return false, classifyTransportError(err)
	}
	defer drain(resp)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	return false, classifyStatus(resp.StatusCode)
}

// InstanceConnectionState reports the upstream instance's connection state.
// It never returns an error: transport failures and timeouts are reported
// as StateClosed, matching the gateway's own degraded-mode semantics.
func (c *Client) InstanceConnectionState(ctx context.Context, instance string) ConnectionState {
	resp, err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+instance, nil)
	if err != nil {
		if c.log != nil {
			c.log.Debug("connection state check failed", slog.String("instance", instance), slog.String("error", err.Error()))
		}
		return StateClosed
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return StateClosed
	}
	var payload struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return StateUnknown
	}
	switch strings.ToLower(payload.State) {
	case "open":
		return StateOpen
	case "connecting":
		return StateConnecting
	case "close", "closed":
		return StateClosed
	default:
		return StateUnknown
	}
}

// InstanceStatus is the result of GetInstanceStatus.
type InstanceStatus struct {
	Exists      bool
	Status      string
	PhoneNumber string
}

// GetInstanceStatus reports whether the instance exists upstream and its
// reported status/phone number, used by the health monitor.
func (c *Client) GetInstanceStatus(ctx context.Context, instance string) (InstanceStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/instance/status/"+instance, nil)
	if err != nil {
		return InstanceStatus{}, classifyTransportError(err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return InstanceStatus{Exists: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return InstanceStatus{}, classifyStatus(resp.StatusCode)
	}
	var payload struct {
		Status      string `json:"status"`
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return InstanceStatus{}, &SendError{Type: ErrorTypeClient, Err: err}
	}
	return InstanceStatus{Exists: true, Status: payload.Status, PhoneNumber: payload.PhoneNumber}, nil
}

// CreateInstance asks the gateway to create (or re-use) an instance.
func (c *Client) CreateInstance(ctx context.Context, instance, webhookURL string, events []string) error {
	body, err := json.Marshal(map[string]any{
		"instanceName": instance,
		"webhook":      webhookURL,
		"events":       events,
	})
	if err != nil {
		return &SendError{Type: ErrorTypeClient, Err: err}
	}
	resp, err := c.do(ctx, http.MethodPost, "/instance/create", body)
	if err != nil {
		return classifyTransportError(err)
	}
	defer drain(resp)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(resp.StatusCode)
}

// DeleteInstance deletes an instance upstream. Deleting a non-existent
// instance is not an error: a 404 is treated as success.
func (c *Client) DeleteInstance(ctx context.Context, instance string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/instance/delete/"+instance, nil)
	if err != nil {
		return classifyTransportError(err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return classifyStatus(resp.StatusCode)
}

// FetchAllInstances lists every instance name known to the upstream gateway.
func (c *Client) FetchAllInstances(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/instance/fetchInstances", nil)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, &SendError{Type: ErrorTypeClient, Err: err}
	}
	return names, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	return c.http.Do(req)
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// SendError carries the classified error type alongside the underlying
// transport or protocol error.
type SendError struct {
	Type string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("gateway %s error: %v", e.Type, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func classifyTransportError(err error) *SendError {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok && t.Timeout() {
		return &SendError{Type: ErrorTypeTimeout, Err: err}
	}
	return &SendError{Type: ErrorTypeConnection, Err: err}
}

func classifyStatus(statusCode int) *SendError {
	switch {
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		return &SendError{Type: ErrorTypeTimeout, Err: fmt.Errorf("gateway returned %d %s", statusCode, http.StatusText(statusCode))}
	case statusCode >= 400 && statusCode < 500:
		return &SendError{Type: ErrorTypeClient, Err: fmt.Errorf("gateway returned %d %s", statusCode, http.StatusText(statusCode))}
	case statusCode >= 500:
		return &SendError{Type: ErrorTypeServer, Err: fmt.Errorf("gateway returned %d %s", statusCode, http.StatusText(statusCode))}
	default:
		return &SendError{Type: ErrorTypeClient, Err: fmt.Errorf("gateway returned unexpected status %d", statusCode)}
	}
}

// Retryable reports whether the classified error type should feed the
// worker's retry/backoff path.
func Retryable(err error) bool {
	var se *SendError
	if !errors.As(err, &se) {
		return true
	}
	return se.Type != ErrorTypeNone
}
