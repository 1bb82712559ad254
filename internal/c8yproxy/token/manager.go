// Package token implements the single-flight JWT Token Manager described
// in spec.md §4.D: many concurrent callers asking to refresh the same
// stale token collapse into one retrieval, grounded on
// crates/extensions/c8y_auth_proxy/src/server.rs's
// `retrieve_token.not_matching(...)` calls and generalized with
// golang.org/x/sync/singleflight (promoted from the teacher's indirect
// dependency) in place of the Rust side's bespoke broadcast channel.
package token

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tedge-bridge/cloud-mapper/internal/metrics"
	"github.com/tedge-bridge/cloud-mapper/pkg/contracts"
)

// Manager caches the current token and deduplicates concurrent refreshes.
type Manager struct {
	retriever contracts.JWTRetriever

	mu      sync.RWMutex
	current string

	group singleflight.Group
}

// New wraps a retriever. The manager starts with no cached token; the
// first Get call always triggers a retrieval.
func New(retriever contracts.JWTRetriever) *Manager {
	return &Manager{retriever: retriever}
}

// Get returns a token guaranteed to differ from notMatching, if supplied.
// If the cached token already differs, it's returned without a network
// call. Otherwise a refresh is triggered; concurrent callers racing on
// the same stale token share one retrieval.
func (m *Manager) Get(ctx context.Context, notMatching string) (string, error) {
	m.mu.RLock()
	cached := m.current
	m.mu.RUnlock()

	if notMatching == "" || cached != notMatching {
		if cached != "" {
			return cached, nil
		}
	}

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		m.mu.RLock()
		stillStale := m.current == notMatching
		m.mu.RUnlock()
		if !stillStale {
			m.mu.RLock()
			defer m.mu.RUnlock()
			return m.current, nil
		}

		metrics.TokenRefreshTotal.WithLabelValues("attempt").Inc()
		fresh, err := m.retriever.Retrieve(ctx)
		if err != nil {
			metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
			return "", err
		}
		m.mu.Lock()
		if fresh != notMatching {
			m.current = fresh
		}
		result := m.current
		m.mu.Unlock()
		metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
		return result, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
