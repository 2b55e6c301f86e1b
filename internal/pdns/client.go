// Package pdns is a small client for the PowerDNS authoritative HTTP API.
package pdns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 64 << 10

// Config configures a Client.
type Config struct {
	BaseURL  string // e.g. http://pdns:8081
	APIKey   string
	ServerID string // usually "localhost"

	Timeout      time.Duration // per HTTP attempt
	MaxRetries   int           // extra attempts for transient failures
	RetryBackoff time.Duration // first retry delay, doubled each time

	RateLimit float64 // requests per second, 0 disables throttling
	RateBurst int
	MaxConns  int // per-host connection cap
}

// Client talks to one PowerDNS server. It is safe for concurrent use.
type Client struct {
	baseURL      *url.URL
	apiKey       string
	serverID     string
	http         *http.Client
	limiter      *rate.Limiter
	timeout      time.Duration
	maxRetries   int
	retryBackoff time.Duration
	logger       logger.Logger
}

// New creates a Client.
func New(cfg Config, log logger.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid pdns url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid pdns url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.ServerID == "" {
		cfg.ServerID = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 8
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.Timeout,
	}

	c := &Client{
		baseURL:      base,
		apiKey:       cfg.APIKey,
		serverID:     cfg.ServerID,
		http:         &http.Client{Transport: transport},
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       log,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// CreateOrReplaceRecord sets the RRSet fqdn/rtype to a single record.
// REPLACE is idempotent, so repeating a successful call is harmless.
func (c *Client) CreateOrReplaceRecord(ctx context.Context, zone, fqdn, rtype, content string, ttl int) error {
	body := patchRequest{RRsets: []RRSet{{
		Name:       fqdn,
		Type:       rtype,
		TTL:        ttl,
		Changetype: ChangeReplace,
		Records:    []Record{{Content: content}},
	}}}
	_, err := c.do(ctx, "create", http.MethodPatch, c.zonePath(zone), body)
	return err
}

// DeleteRecord removes the RRSet fqdn/rtype. Deleting a missing RRSet succeeds.
func (c *Client) DeleteRecord(ctx context.Context, zone, fqdn, rtype string) error {
	body := patchRequest{RRsets: []RRSet{{
		Name:       fqdn,
		Type:       rtype,
		Changetype: ChangeDelete,
		Records:    []Record{},
	}}}
	_, err := c.do(ctx, "delete", http.MethodPatch, c.zonePath(zone), body)
	return err
}

// ZoneExists reports whether the server hosts zone.
func (c *Client) ZoneExists(ctx context.Context, zone string) (bool, error) {
	_, err := c.do(ctx, "zone", http.MethodGet, c.zonePath(zone)+"?rrsets=false", nil)
	if err == nil {
		return true, nil
	}
	var perr *Error
	if errors.As(err, &perr) && perr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// Zone fetches a zone with its RRSets.
func (c *Client) Zone(ctx context.Context, zone string) (*Zone, error) {
	data, err := c.do(ctx, "zone", http.MethodGet, c.zonePath(zone), nil)
	if err != nil {
		return nil, err
	}
	var z Zone
	if err := json.Unmarshal(data, &z); err != nil {
		return nil, &Error{Op: "zone", Status: http.StatusOK, Err: fmt.Errorf("decode zone: %w", err)}
	}
	return &z, nil
}

func (c *Client) zonePath(zone string) string {
	if !strings.HasSuffix(zone, ".") {
		zone += "."
	}
	return "/api/v1/servers/" + url.PathEscape(c.serverID) + "/zones/" + url.PathEscape(zone)
}

// do performs one logical call, retrying transient failures.
func (c *Client) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, &Error{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
	}

	backoff := c.retryBackoff
	for attempt := 0; ; attempt++ {
		data, err := c.attempt(ctx, op, method, path, payload)
		if err == nil {
			return data, nil
		}
		if !err.transient || attempt >= c.maxRetries || ctx.Err() != nil {
			return nil, err
		}

		c.logger.Debug("retrying dns api call",
			logger.String("op", op),
			logger.Int("attempt", attempt+1),
			logger.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, &Error{Op: op, Err: ctx.Err()}
		}
		backoff *= 2
	}
}

func (c *Client) attempt(ctx context.Context, op, method, path string, payload []byte) ([]byte, *Error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Op: op, Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.DNSAPIDuration.WithLabelValues(method, "error").Observe(time.Since(start).Seconds())
		// A cancelled caller is never transient.
		return nil, &Error{Op: op, Err: err, transient: ctx.Err() == nil && transientTransport(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	metrics.DNSAPIDuration.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if readErr != nil {
			return nil, &Error{Op: op, Status: resp.StatusCode, Err: readErr, transient: ctx.Err() == nil && transientTransport(readErr)}
		}
		return data, nil
	}

	e := &Error{Op: op, Status: resp.StatusCode, transient: transientStatus(resp.StatusCode)}
	var apiErr apiError
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		e.Message = apiErr.Error
	} else if len(data) > 0 {
		e.Message = strings.TrimSpace(string(data))
	}
	return nil, e
}
