package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// FixtureProvider is a reference Provider backed by canned JSON responses,
// used by pkg/gateway's own tests and by higher-level packages' tests that
// need a deterministic stand-in for Linkup/Exa/Perplexity/Firecrawl/an LLM.
// Responses are parsed with gjson the same way a real adapter would parse a
// live HTTP body, so the fixture exercises the same mapping path.
type FixtureProvider struct {
	name    string
	kind    ProviderKind
	enabled bool

	searchJSON   string
	fetchJSON    string
	completeJSON string

	failNextN int32
	failErr   error
}

func NewFixtureProvider(name string, kind ProviderKind) *FixtureProvider {
	return &FixtureProvider{name: name, kind: kind, enabled: true}
}

func (f *FixtureProvider) Name() string       { return f.name }
func (f *FixtureProvider) Kind() ProviderKind { return f.kind }
func (f *FixtureProvider) Enabled() bool      { return f.enabled }

// SetEnabled toggles the provider to simulate a degraded/disabled state.
func (f *FixtureProvider) SetEnabled(v bool) { f.enabled = v }

// WithSearchResponse sets the raw JSON payload Search will parse.
func (f *FixtureProvider) WithSearchResponse(json string) *FixtureProvider {
	f.searchJSON = json
	return f
}

// WithFetchResponse sets the raw JSON payload Fetch will parse.
func (f *FixtureProvider) WithFetchResponse(json string) *FixtureProvider {
	f.fetchJSON = json
	return f
}

// WithCompleteResponse sets the raw JSON payload Complete will parse. When the
// payload has no top-level "text" field, the whole payload is the completion
// text.
func (f *FixtureProvider) WithCompleteResponse(json string) *FixtureProvider {
	f.completeJSON = json
	return f
}

// FailNext makes the next n calls (of any kind) return err, for exercising
// the gateway's retry/circuit-breaker paths deterministically in tests.
func (f *FixtureProvider) FailNext(n int, err error) {
	atomic.StoreInt32(&f.failNextN, int32(n))
	f.failErr = err
}

func (f *FixtureProvider) consumeFailure() error {
	for {
		n := atomic.LoadInt32(&f.failNextN)
		if n <= 0 {
			return nil
		}
		if atomic.CompareAndSwapInt32(&f.failNextN, n, n-1) {
			return f.failErr
		}
	}
}

func (f *FixtureProvider) Search(_ context.Context, query string, _ map[string]interface{}) ([]SearchResult, error) {
	if err := f.consumeFailure(); err != nil {
		return nil, err
	}
	if f.searchJSON == "" {
		return []SearchResult{{URL: "https://example.com/" + query, Title: query, Provider: f.name, Relevance: 0.5}}, nil
	}
	var results []SearchResult
	gjson.Parse(f.searchJSON).Get("results").ForEach(func(_, v gjson.Result) bool {
		results = append(results, SearchResult{
			URL:       v.Get("url").String(),
			Title:     v.Get("title").String(),
			Snippet:   v.Get("snippet").String(),
			Provider:  f.name,
			Relevance: v.Get("relevance").Float(),
		})
		return true
	})
	return results, nil
}

func (f *FixtureProvider) Fetch(_ context.Context, url string) (Document, error) {
	if err := f.consumeFailure(); err != nil {
		return Document{}, err
	}
	content := f.fetchJSON
	if content == "" {
		content = fmt.Sprintf(`{"title":"fixture","content":"fetched content for %s"}`, url)
	}
	parsed := gjson.Parse(content)
	text := parsed.Get("content").String()
	sum := sha256.Sum256([]byte(text))
	return Document{
		URL:         url,
		Title:       parsed.Get("title").String(),
		Content:     text,
		ContentHash: hex.EncodeToString(sum[:]),
		Provider:    f.name,
	}, nil
}

func (f *FixtureProvider) Complete(_ context.Context, role ModelRole, prompt string, _ map[string]interface{}) (Completion, error) {
	if err := f.consumeFailure(); err != nil {
		return Completion{}, err
	}
	if f.completeJSON == "" {
		return Completion{Text: "fixture completion for: " + prompt, Model: string(role), TokensUsed: len(prompt) / 4}, nil
	}
	parsed := gjson.Parse(f.completeJSON)
	text := f.completeJSON
	if t := parsed.Get("text"); t.Exists() {
		text = t.String()
	}
	return Completion{
		Text:       text,
		Model:      parsed.Get("model").String(),
		TokensUsed: int(parsed.Get("tokens_used").Int()),
	}, nil
}
