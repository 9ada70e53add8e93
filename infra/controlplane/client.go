// Package controlplane is the HTTP client for the buoy control-plane service
// that discovers, attaches, detaches and steers buoys.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/buoyfleet/core/logger"
)

// Config holds the control-plane endpoint.
type Config struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SetDefaults applies the local control-plane defaults.
func (c *Config) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8001"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
}

// Validate checks the base URL.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("control_plane.base_url %q is not an absolute url", c.BaseURL)
	}
	return nil
}

// APIError is a non-2xx answer from the control plane.
type APIError struct {
	StatusCode int
	Detail     string
	Message    string
}

func (e *APIError) Error() string {
	if msg := e.Text(); msg != "" {
		return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("control plane returned %d", e.StatusCode)
}

// Text returns the server provided message, detail first.
func (e *APIError) Text() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}

// Client talks to the control plane.
type Client struct {
	base string
	http *http.Client
	log  logger.Logger
}

// New builds a Client. A nil httpClient gets one with the configured timeout.
func New(cfg Config, httpClient *http.Client, log logger.Logger) *Client {
	cfg.SetDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	return &Client{base: strings.TrimSuffix(cfg.BaseURL, "/"), http: httpClient, log: log}
}

// Scan asks the control plane for reachable, not yet attached buoys. The
// answer may be a bare array or an object with an ips or found array.
func (c *Client) Scan(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, "/scan", nil)
	if err != nil {
		return nil, err
	}
	return parseScan(body)
}

func parseScan(body []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var obj struct {
		IPs   []string `json:"ips"`
		Found []string `json:"found"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode scan response: %w", err)
	}
	if obj.IPs != nil {
		return obj.IPs, nil
	}
	if obj.Found != nil {
		return obj.Found, nil
	}
	return []string{}, nil
}

type endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// AddBuoy attaches the buoy at ip:port.
func (c *Client) AddBuoy(ctx context.Context, ip string, port int) error {
	_, err := c.do(ctx, http.MethodPost, "/aggiungiboa", endpoint{IP: ip, Port: port})
	return err
}

// RemoveBuoy detaches the buoy at ip:port.
func (c *Client) RemoveBuoy(ctx context.Context, ip string, port int) error {
	q := url.Values{}
	q.Set("ip", ip)
	q.Set("port", strconv.Itoa(port))
	_, err := c.do(ctx, http.MethodDelete, "/rimuoviboa?"+q.Encode(), nil)
	return err
}

// GotoRequest is forwarded as is to /vaia.
type GotoRequest struct {
	Lat float64  `json:"lat"`
	Lon float64  `json:"lon"`
	Alt *float64 `json:"alt,omitempty"`
}

// Goto sends the buoy towards a target position.
func (c *Client) Goto(ctx context.Context, ip string, port int, req GotoRequest) error {
	body := struct {
		endpoint
		GotoRequest
	}{endpoint{ip, port}, req}
	_, err := c.do(ctx, http.MethodPost, "/vaia", body)
	return err
}

// StopGoto cancels a running goto.
func (c *Client) StopGoto(ctx context.Context, ip string, port int) error {
	_, err := c.do(ctx, http.MethodPost, "/stop_vaia", endpoint{ip, port})
	return err
}

// SetState forwards a mode change without interpreting it.
func (c *Client) SetState(ctx context.Context, ip string, port int, state string) error {
	body := struct {
		endpoint
		State string `json:"stato"`
	}{endpoint{ip, port}, state}
	_, err := c.do(ctx, http.MethodPost, "/cambia_stato", body)
	return err
}

// IsGoing reports whether a goto is in progress.
func (c *Client) IsGoing(ctx context.Context, ip string, port int) (bool, error) {
	path := "/isgoing/" + url.PathEscape(ip) + "/" + strconv.Itoa(port)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	var resp struct {
		IsGoing bool `json:"isgoing"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode isgoing response: %w", err)
	}
	return resp.IsGoing, nil
}

// do performs the request and returns the body of a 2xx answer. Other
// answers become an *APIError carrying the detail or message fields.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Detail  any    `json:"detail"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil {
			if s, ok := e.Detail.(string); ok {
				apiErr.Detail = s
			}
			apiErr.Message = e.Message
		}
		c.log.Debugw("control plane rejection", map[string]any{"method": method, "path": path, "status": resp.StatusCode})
		return nil, apiErr
	}
	return data, nil
}
