package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/webpilot/internal/reliability"
)

// ErrSessionUnavailable means no configured candidate exposed a reachable
// DevTools endpoint. Fatal for a run submit.
var ErrSessionUnavailable = errors.New("no reachable browser endpoint among configured candidates")

// DefaultCandidates mirror the common docker-compose and local setups:
// a sidecar container named "browser" first, then localhost.
var DefaultCandidates = []string{
	"http://browser:9222",
	"http://localhost:9222",
	"http://127.0.0.1:9222",
}

var probePaths = []string{"/json/version", "/devtools/version", "/json"}

// ResolverConfig controls DevTools endpoint discovery.
type ResolverConfig struct {
	Candidates   []string
	ProbeTimeout time.Duration
	Retries      int
	RetryDelay   time.Duration
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if len(c.Candidates) == 0 {
		c.Candidates = DefaultCandidates
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 1500 * time.Millisecond
	}
	return c
}

// Endpoint is a resolved DevTools target.
type Endpoint struct {
	// Base is the HTTP candidate that answered; kept for health checks.
	Base string
	// WebSocketURL is the debugger websocket advertised by the endpoint.
	WebSocketURL string
}

// ResolveEndpoint walks the candidate list and returns the first
// advertised debugger websocket, retrying the whole list with a capped
// backoff between rounds.
func ResolveEndpoint(ctx context.Context, cfg ResolverConfig) (Endpoint, error) {
	cfg = cfg.withDefaults()
	client := &http.Client{Timeout: cfg.ProbeTimeout}

	for attempt := 0; attempt < cfg.Retries; attempt++ {
		for _, candidate := range cfg.Candidates {
			ws := probeCandidate(ctx, client, candidate)
			if ws != "" {
				log.Printf("detected browser devtools endpoint at %s", candidate)
				return Endpoint{Base: strings.TrimRight(candidate, "/"), WebSocketURL: ws}, nil
			}
			if ctx.Err() != nil {
				return Endpoint{}, ctx.Err()
			}
		}
		if attempt+1 < cfg.Retries {
			delay := reliability.ExponentialBackoff(attempt, cfg.RetryDelay, 10*time.Second)
			log.Printf("browser endpoint not found; retrying (%d/%d)", attempt+2, cfg.Retries)
			select {
			case <-ctx.Done():
				return Endpoint{}, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return Endpoint{}, fmt.Errorf("%w: tried %s", ErrSessionUnavailable, strings.Join(cfg.Candidates, ", "))
}

// probeCandidate queries the DevTools metadata paths on one base URL and
// extracts the debugger websocket URL from either the version object or
// the target list.
func probeCandidate(ctx context.Context, client *http.Client, base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	for _, path := range probePaths {
		if ws := probeOne(ctx, client, base+path); ws != "" {
			return ws
		}
	}
	return ""
}

func probeOne(ctx context.Context, client *http.Client, target string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ""
	}
	res, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return ""
	}
	var payload any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return ""
	}
	return websocketURLFrom(payload)
}

func websocketURLFrom(payload any) string {
	switch v := payload.(type) {
	case map[string]any:
		for _, key := range []string{"webSocketDebuggerUrl", "webSocketUrl", "websocketUrl"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case []any:
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := entry["webSocketDebuggerUrl"].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// CheckEndpoint reports whether the resolved base still answers the
// version probe. Used as the mid-run health check.
func CheckEndpoint(ctx context.Context, base string, timeout time.Duration) bool {
	if strings.TrimSpace(base) == "" {
		return false
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/json/version", nil)
	if err != nil {
		return false
	}
	res, err := client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}
