package c8yproxy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedge-bridge/cloud-mapper/internal/c8yproxy"
	"github.com/tedge-bridge/cloud-mapper/internal/c8yproxy/token"
)

type fixedRetriever struct{ tok string }

func (f *fixedRetriever) Retrieve(ctx context.Context) (string, error) { return f.tok, nil }

// sequenceRetriever hands out tokens from a fixed list, one per call,
// repeating the last entry once exhausted. Used to simulate a stale
// token followed by a freshly issued one.
type sequenceRetriever struct {
	tokens []string
	calls  int
}

func (s *sequenceRetriever) Retrieve(context.Context) (string, error) {
	tok := s.tokens[s.calls]
	if s.calls < len(s.tokens)-1 {
		s.calls++
	}
	return tok, nil
}

func TestForwardsSuccessfulResponsesWithBearerAuth(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	tokens := token.New(&fixedRetriever{tok: "test-token"})
	proxy := c8yproxy.New(upstream.URL, tokens)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestDeniesJsAndAppsPaths(t *testing.T) {
	tokens := token.New(&fixedRetriever{tok: "test-token"})
	proxy := c8yproxy.New("https://example.invalid", tokens)

	for _, path := range []string{"/main.js", "/apps/cockpit"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestForwardsAuthorizationHeaderVerbatimWhenAlreadyPresent(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tokens := token.New(&fixedRetriever{tok: "test-token"})
	proxy := c8yproxy.New(upstream.URL, tokens)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.Header.Set("Authorization", "Basic xyz")
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Basic xyz", gotAuth)
}

func TestRetriesWithFreshTokenOnUnauthorizedClonableBody(t *testing.T) {
	var auths []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		if len(auths) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tokens := token.New(&sequenceRetriever{tokens: []string{"stale-token", "fresh-token"}})
	proxy := c8yproxy.New(upstream.URL, tokens)

	req := httptest.NewRequest(http.MethodGet, "/inventory/managedObjects", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, auths, 2, "expected the first 401 to trigger exactly one retry")
	assert.Equal(t, "Bearer stale-token", auths[0])
	assert.Equal(t, "Bearer fresh-token", auths[1])
}

func TestUnauthorizedWithNonClonableBodyFailsWithoutRetry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tenant/currentTenant" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	tokens := token.New(&fixedRetriever{tok: "only-token"})
	proxy := c8yproxy.New(upstream.URL, tokens)

	req := httptest.NewRequest(http.MethodPut, "/inventory/binaries", strings.NewReader("payload"))
	req.ContentLength = -1 // force the non-clonable, streaming path
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a non-clonable body has nothing to retry with")
}

func TestNonClonableBodyProbesAndRefreshesStaleTokenBeforeStreaming(t *testing.T) {
	var headCalls int
	var headAuth, putAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/tenant/currentTenant" {
			headCalls++
			headAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		putAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tokens := token.New(&sequenceRetriever{tokens: []string{"stale-token", "fresh-token"}})
	proxy := c8yproxy.New(upstream.URL, tokens)

	req := httptest.NewRequest(http.MethodPut, "/inventory/binaries", strings.NewReader("payload-bytes"))
	req.ContentLength = -1 // force the non-clonable, streaming path
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, headCalls, "expected exactly one HEAD probe before streaming")
	assert.Equal(t, "Bearer stale-token", headAuth)
	assert.Equal(t, "Bearer fresh-token", putAuth)
}
