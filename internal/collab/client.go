// Package collab talks to the agent service that performs website analysis, strategy
// generation, prospect search, drafting and failure diagnosis. Every error leaving this package
// is a *healing.Error.
package collab

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
)

const (
	maxErrorBody    = 4 << 10
	defaultIdleConn = 16
)

var errEmptyResponse = errors.New("empty response")

// transportKey captures the context fields that need a distinct transport.
type transportKey struct {
	insecure bool
	ipv4     bool
	maxConns int
}

// Client is an HTTP/JSON client for the agent service.
type Client struct {
	base   *url.URL
	logger *slog.Logger

	mu         sync.Mutex
	transports map[transportKey]*http.Transport
}

// NewClient creates a client for the agent service at baseURL.
func NewClient(baseURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse agent service url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("agent service url %q must be http or https", baseURL)
	}
	return &Client{
		base:       u,
		logger:     logger,
		transports: make(map[transportKey]*http.Transport),
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transports {
		t.CloseIdleConnections()
	}
}

// httpClient returns a client for request/response calls. hc's timeout bounds the whole
// exchange, body included.
func (c *Client) httpClient(hc healing.Context) *http.Client {
	return &http.Client{Transport: c.transport(hc), Timeout: hc.EffectiveTimeout()}
}

// streamClient returns a client without an overall timeout. Streaming calls are bounded by their
// context and an idle watchdog instead.
func (c *Client) streamClient(hc healing.Context) *http.Client {
	return &http.Client{Transport: c.transport(hc)}
}

// transport returns the transport for hc. Transports are shared between calls with the same
// TLS, address family and connection settings.
func (c *Client) transport(hc healing.Context) *http.Transport {
	key := transportKey{insecure: hc.InsecureSkipVerify, ipv4: hc.ForceIPv4, maxConns: hc.MaxConns}

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transports[key]
	if !ok {
		t = newTransport(key)
		c.transports[key] = t
	}
	return t
}

func newTransport(key transportKey) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = defaultIdleConn
	if key.maxConns > 0 {
		t.MaxConnsPerHost = key.maxConns
		t.MaxIdleConnsPerHost = key.maxConns
	}
	if key.insecure {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		t.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // enabled only by an ssl healing step
	}
	if key.ipv4 {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		t.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp4", addr)
		}
	}
	return t
}

// post sends in as JSON to path and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, hc healing.Context, in, out any) error {
	resp, err := c.do(ctx, c.httpClient(hc), path, hc, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			err = errEmptyResponse
		}
		return healing.Tag(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

// do performs the request and returns a 2xx response. Anything else is tagged.
func (c *Client) do(ctx context.Context, client *http.Client, path string, hc healing.Context, in any) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, healing.Tag(fmt.Errorf("encode %s request: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return nil, healing.Tag(fmt.Errorf("build %s request: %w", path, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hc.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, healing.Tag(fmt.Errorf("call %s: %w", path, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		reason := strings.TrimSpace(string(msg))
		c.logger.Debug("Agent service returned error status", "path", path, "status", resp.StatusCode)
		return nil, healing.Remote(resp.StatusCode, reason)
	}
	return resp, nil
}

type analyzeRequest struct {
	TargetURL     string          `json:"target_url"`
	AlternateURLs []string        `json:"alternate_urls,omitempty"`
	Goal          string          `json:"goal,omitempty"`
	Options       healing.Context `json:"options"`
}

// Analyze asks the agent service to analyze the target website.
func (c *Client) Analyze(ctx context.Context, target, goal string, hc healing.Context) (*domain.Analysis, error) {
	var out domain.Analysis
	err := c.post(ctx, "/v1/analyze", hc, analyzeRequest{
		TargetURL:     target,
		AlternateURLs: hc.AlternateURLs,
		Goal:          goal,
		Options:       hc,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type strategyRequest struct {
	Analysis *domain.Analysis `json:"analysis"`
	Feedback string           `json:"feedback,omitempty"`
}

// Generate asks for the full campaign strategy.
func (c *Client) Generate(ctx context.Context, analysis *domain.Analysis, hc healing.Context) (*domain.Strategy, error) {
	var out domain.Strategy
	err := c.post(ctx, "/v1/strategy", hc, strategyRequest{
		Analysis: analysis,
		Feedback: hc.Value(healing.KeyValidationFeedback),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type draftRequest struct {
	Record   domain.Record    `json:"record"`
	Persona  domain.Persona   `json:"persona"`
	Strategy *domain.Strategy `json:"strategy,omitempty"`
	Template *domain.Template `json:"template,omitempty"`
	Feedback string           `json:"feedback,omitempty"`
}

// Draft asks for one email to one prospect.
func (c *Client) Draft(ctx context.Context, rec domain.Record, persona domain.Persona, strategy *domain.Strategy, tmpl *domain.Template, hc healing.Context) (*domain.Draft, error) {
	var out domain.Draft
	err := c.post(ctx, "/v1/draft", hc, draftRequest{
		Record:   rec,
		Persona:  persona,
		Strategy: strategy,
		Template: tmpl,
		Feedback: hc.Value(healing.KeyValidationFeedback),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
