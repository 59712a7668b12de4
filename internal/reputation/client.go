// Package reputation classifies network addresses as residential or
// anonymizing-proxy/hosting. The Client issues the external oracle query;
// the Cache layered on top memoizes, deduplicates, and rate-bounds it.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultEndpoint is the base URL of the address reputation oracle.
	DefaultEndpoint = "http://ip-api.com/json"

	// DefaultTimeout bounds a single oracle round trip.
	DefaultTimeout = 5 * time.Second

	userAgent    = "deepalts/1.0"
	oracleFields = "status,message,proxy,hosting"
)

// ErrRateLimited is returned when the oracle signals it is throttling us.
var ErrRateLimited = errors.New("reputation: oracle rate limited")

// Verdict is the oracle's classification of a single address.
type Verdict struct {
	Proxy   bool
	Hosting bool
}

// Flagged collapses the oracle's booleans into the single is-proxy bit the
// rest of the system consumes.
func (v Verdict) Flagged() bool {
	return v.Proxy || v.Hosting
}

// Oracle answers reputation queries for raw addresses.
type Oracle interface {
	Check(ctx context.Context, rawAddr string) (Verdict, error)
}

// HTTPClient is the real oracle client. It speaks the ip-api.com JSON shape:
// GET <base>/<addr>?fields=status,message,proxy,hosting.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client

	checkCount    atomic.Int64
	localCount    atomic.Int64
	errorCount    atomic.Int64
	lastLatencyMs atomic.Int64
}

// NewHTTPClient creates an oracle client for the given base URL. An empty
// baseURL selects DefaultEndpoint; a zero timeout selects DefaultTimeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type oracleResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Proxy   bool   `json:"proxy"`
	Hosting bool   `json:"hosting"`
}

// Check classifies a single raw address. Addresses that cannot be routed on
// the public internet (loopback, RFC 1918, link-local) are answered locally
// as not-proxy without a network call. Malformed input is an error; the
// cache above treats any error as fail-open.
func (c *HTTPClient) Check(ctx context.Context, rawAddr string) (Verdict, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(rawAddr))
	if err != nil {
		return Verdict{}, fmt.Errorf("reputation: invalid address: %w", err)
	}

	if isLocalAddr(addr) {
		c.localCount.Add(1)
		log.Debug().Str("addr", addr.String()).Msg("reputation: private address, skipping oracle")
		return Verdict{}, nil
	}

	queryURL := fmt.Sprintf("%s/%s?fields=%s", c.baseURL, url.PathEscape(addr.String()), oracleFields)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("reputation: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.lastLatencyMs.Store(time.Since(start).Milliseconds())
	c.checkCount.Add(1)
	if err != nil {
		c.errorCount.Add(1)
		return Verdict{}, fmt.Errorf("reputation: oracle HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.errorCount.Add(1)
		retryAfter := resp.Header.Get("X-Ttl")
		log.Warn().Str("retry_after_s", retryAfter).Msg("reputation: oracle throttling requests")
		return Verdict{}, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		c.errorCount.Add(1)
		return Verdict{}, fmt.Errorf("reputation: oracle HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errorCount.Add(1)
		return Verdict{}, fmt.Errorf("reputation: read response: %w", err)
	}

	var parsed oracleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.errorCount.Add(1)
		return Verdict{}, fmt.Errorf("reputation: parse response: %w", err)
	}
	if parsed.Status == "fail" {
		c.errorCount.Add(1)
		return Verdict{}, fmt.Errorf("reputation: oracle failure: %s", parsed.Message)
	}

	return Verdict{Proxy: parsed.Proxy, Hosting: parsed.Hosting}, nil
}

// isLocalAddr reports whether the address can never have a meaningful
// public reputation.
func isLocalAddr(addr netip.Addr) bool {
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}

// ClientStats is a snapshot of oracle client counters.
type ClientStats struct {
	CheckCount    int64 `json:"check_count"`
	LocalCount    int64 `json:"local_count"`
	ErrorCount    int64 `json:"error_count"`
	LastLatencyMs int64 `json:"last_latency_ms"`
}

// Stats returns the client's counters.
func (c *HTTPClient) Stats() ClientStats {
	return ClientStats{
		CheckCount:    c.checkCount.Load(),
		LocalCount:    c.localCount.Load(),
		ErrorCount:    c.errorCount.Load(),
		LastLatencyMs: c.lastLatencyMs.Load(),
	}
}
