package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/resilience"
)

func TestSearch_HappyPath(t *testing.T) {
	gw := New()
	p := NewFixtureProvider("linkup", ProviderSearch).WithSearchResponse(`{"results":[{"url":"https://a.test","title":"A","relevance":0.9}]}`)
	gw.Register(p, ProviderOptions{})

	res := gw.Search(context.Background(), "linkup", "private schools", nil)
	require.True(t, res.OK)
	require.Len(t, res.Value, 1)
	assert.Equal(t, "https://a.test", res.Value[0].URL)
}

func TestSearch_TransientThenSucceeds(t *testing.T) {
	gw := New()
	p := NewFixtureProvider("exa", ProviderSearch)
	p.FailNext(2, nerrors.ProviderTransient("exa", 1, errors.New("503 service unavailable")))
	gw.Register(p, ProviderOptions{Retry: resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 0, MaxDelay: 0, Multiplier: 1}})

	res := gw.Search(context.Background(), "exa", "q", nil)
	assert.True(t, res.OK)
}

func TestSearch_PermanentFailsImmediately(t *testing.T) {
	gw := New()
	p := NewFixtureProvider("perplexity", ProviderSearch)
	p.FailNext(10, nerrors.ProviderPermanent("perplexity", errors.New("401 unauthorized")))
	gw.Register(p, ProviderOptions{})

	res := gw.Search(context.Background(), "perplexity", "q", nil)
	assert.False(t, res.OK)
	assert.True(t, res.Permanent)
	assert.False(t, res.Transient)
}

func TestSearch_DegradedWhenDisabled(t *testing.T) {
	gw := New()
	p := NewFixtureProvider("firecrawl", ProviderSearch)
	p.SetEnabled(false)
	gw.Register(p, ProviderOptions{})

	res := gw.Search(context.Background(), "firecrawl", "q", nil)
	assert.False(t, res.OK)
	assert.True(t, res.Degraded)
}

func TestSearch_UnregisteredProviderIsPermanent(t *testing.T) {
	gw := New()
	res := gw.Search(context.Background(), "nonexistent", "q", nil)
	assert.False(t, res.OK)
	assert.True(t, res.Permanent)
}

func TestClassifyHTTPLike(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassifyHTTPLike(errors.New("got 503 from upstream")))
	assert.Equal(t, ClassPermanent, ClassifyHTTPLike(errors.New("got 401 unauthorized")))
	assert.Equal(t, ClassDegraded, ClassifyHTTPLike(errors.New("provider disabled")))
	assert.Equal(t, ClassTransient, ClassifyHTTPLike(context.DeadlineExceeded))
}

func TestFetch_HappyPath(t *testing.T) {
	gw := New()
	p := NewFixtureProvider("firecrawl", ProviderFetch).WithFetchResponse(`{"title":"T","content":"hello world"}`)
	gw.Register(p, ProviderOptions{})

	res := gw.Fetch(context.Background(), "firecrawl", "https://example.com")
	require.True(t, res.OK)
	assert.Equal(t, "hello world", res.Value.Content)
	assert.NotEmpty(t, res.Value.ContentHash)
}

func TestLLMComplete_HappyPath(t *testing.T) {
	gw := New()
	p := NewFixtureProvider("openai", ProviderLLM)
	gw.Register(p, ProviderOptions{})

	res := gw.LLMComplete(context.Background(), "openai", ModelReasoning, "summarize this", nil)
	require.True(t, res.OK)
	assert.NotEmpty(t, res.Value.Text)
}
