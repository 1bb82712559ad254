package token_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedge-bridge/cloud-mapper/internal/c8yproxy/token"
)

type stubRetriever struct {
	calls  int32
	tokens []string
	err    error
}

func (s *stubRetriever) Retrieve(ctx context.Context) (string, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return "", s.err
	}
	idx := int(n) - 1
	if idx >= len(s.tokens) {
		idx = len(s.tokens) - 1
	}
	return s.tokens[idx], nil
}

func TestGetTriggersRetrievalOnFirstCall(t *testing.T) {
	retriever := &stubRetriever{tokens: []string{"tok-1"}}
	mgr := token.New(retriever)

	tok, err := mgr.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.EqualValues(t, 1, retriever.calls)
}

func TestGetSkipsRetrievalWhenCachedTokenAlreadyDiffers(t *testing.T) {
	retriever := &stubRetriever{tokens: []string{"tok-1", "tok-2"}}
	mgr := token.New(retriever)

	_, err := mgr.Get(context.Background(), "")
	require.NoError(t, err)

	tok, err := mgr.Get(context.Background(), "some-other-stale-token")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.EqualValues(t, 1, retriever.calls)
}

func TestConcurrentRefreshesOfSameStaleTokenShareOneRetrieval(t *testing.T) {
	retriever := &stubRetriever{tokens: []string{"tok-1", "tok-2"}}
	mgr := token.New(retriever)

	_, err := mgr.Get(context.Background(), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := mgr.Get(context.Background(), "tok-1")
			require.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "tok-2", r)
	}
	assert.EqualValues(t, 2, retriever.calls)
}

func TestRetrieverFailureIsSurfacedAndNextCallRetries(t *testing.T) {
	retriever := &stubRetriever{err: errors.New("upstream unreachable")}
	mgr := token.New(retriever)

	_, err := mgr.Get(context.Background(), "")
	assert.Error(t, err)

	retriever.err = nil
	retriever.tokens = []string{"tok-recovered"}
	tok, err := mgr.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "tok-recovered", tok)
}
