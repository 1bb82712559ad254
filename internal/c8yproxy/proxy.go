// Package c8yproxy implements the C8Y HTTP Proxy (spec.md §4.E): an
// authenticating reverse proxy that injects a bearer token into
// forwarded requests and refreshes it on a 401, grounded on
// crates/extensions/c8y_auth_proxy/src/server.rs's respond_to handler.
// Upstream calls are wrapped in a sony/gobreaker circuit breaker so a
// prolonged Cumulocity outage fails fast instead of piling up goroutines
// blocked on dial timeouts.
package c8yproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tedge-bridge/cloud-mapper/internal/apperror"
	"github.com/tedge-bridge/cloud-mapper/internal/c8yproxy/token"
	"github.com/tedge-bridge/cloud-mapper/internal/metrics"
)

// Proxy forwards requests under its mount prefix to the configured cloud
// host, attaching a bearer token obtained from the Token Manager.
type Proxy struct {
	targetHost string
	tokens     *token.Manager
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a Proxy targeting targetHost (e.g. "https://tenant.cumulocity.com").
func New(targetHost string, tokens *token.Manager) *Proxy {
	return &Proxy{
		targetHost: strings.TrimSuffix(targetHost, "/"),
		tokens:     tokens,
		client:     &http.Client{Timeout: 60 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "c8y-proxy-upstream",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
}

// ServeHTTP implements the reverse-proxy handler. path is expected to
// already have the mount prefix stripped by the caller's router.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if strings.HasSuffix(path, ".js") || strings.HasPrefix(path, "apps/") {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	destination := p.targetHost + "/" + path
	if r.URL.RawQuery != "" {
		destination += "?" + r.URL.RawQuery
	}

	hasAuth := r.Header.Get("Authorization") != ""

	var bodyBytes []byte
	clonable := r.Body == nil || r.ContentLength >= 0 && r.ContentLength <= 8<<20
	if clonable && r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed reading request body", http.StatusBadGateway)
			return
		}
		bodyBytes = data
	} else {
		clonable = false
	}

	token, err := p.tokens.Get(r.Context(), "")
	if err != nil {
		http.Error(w, "error obtaining cloud credentials", http.StatusBadGateway)
		return
	}

	if !clonable {
		if refreshed := p.probeAndMaybeRefresh(r.Context(), token); refreshed != "" {
			token = refreshed
		}
	}

	var stream io.Reader
	if !clonable {
		stream = r.Body
	}
	resp, err := p.forward(r.Context(), r.Method, destination, r.Header, hasAuth, token, bodyBytes, stream)
	if err != nil {
		http.Error(w, "error communicating with cloud", http.StatusBadGateway)
		return
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if !clonable {
			// The body has already been consumed upstream once; without a
			// clone there's nothing left to retry with.
			http.Error(w, "cloud rejected credentials", http.StatusUnauthorized)
			return
		}
		metrics.ProxyUpstreamRetries.Inc()
		fresh, err := p.tokens.Get(r.Context(), token)
		if err != nil {
			http.Error(w, "error refreshing cloud credentials", http.StatusBadGateway)
			return
		}
		resp, err = p.forward(r.Context(), r.Method, destination, r.Header, hasAuth, fresh, bodyBytes, nil)
		if err != nil {
			http.Error(w, "error communicating with cloud", http.StatusBadGateway)
			return
		}
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// probeAndMaybeRefresh issues a HEAD to /tenant/currentTenant with the
// current token before streaming a non-clonable body; on a 401 it
// refreshes proactively so the real request isn't wasted on a token
// known to be stale.
func (p *Proxy) probeAndMaybeRefresh(ctx context.Context, currentToken string) string {
	probeURL := p.targetHost + "/tenant/currentTenant"
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+currentToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return ""
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return ""
	}
	fresh, err := p.tokens.Get(ctx, currentToken)
	if err != nil {
		return ""
	}
	return fresh
}

func (p *Proxy) forward(ctx context.Context, method, destination string, headers http.Header, hasAuth bool, token string, body []byte, stream io.Reader) (*http.Response, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		} else if stream != nil {
			bodyReader = stream
		}
		req, err := http.NewRequestWithContext(ctx, method, destination, bodyReader)
		if err != nil {
			return nil, apperror.Permanent(err)
		}
		req.Header = headers.Clone()
		if !hasAuth {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, apperror.Transient(err)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, err
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if strings.EqualFold(key, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// URL is a convenience for components (uploader/downloader) that need
// the fully-qualified upstream URL without going through ServeHTTP.
func (p *Proxy) URL(path string) string {
	return p.targetHost + "/" + strings.TrimPrefix(path, "/")
}
