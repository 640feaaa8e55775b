// Package gateway provides the C3 Provider Gateway: a uniform Search/Fetch/
// LLMComplete surface over a closed registry of external providers, each
// wrapped in a rate limiter, concurrency cap, circuit breaker, and classified
// retry policy.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nexus-agents/orchestrator-core/pkg/cache"
	"github.com/nexus-agents/orchestrator-core/pkg/ratelimit"
	"github.com/nexus-agents/orchestrator-core/pkg/resilience"
)

// ProviderKind is the closed set of provider roles the gateway dispatches to.
// Adding a new provider means adding a constant here and a registration call
// at wiring time — never a string key invented at the call site.
type ProviderKind string

const (
	ProviderSearch ProviderKind = "search"
	ProviderFetch  ProviderKind = "fetch"
	ProviderLLM    ProviderKind = "llm"
)

// ModelRole selects which configured LLM model an LLMComplete call targets.
type ModelRole string

const (
	ModelReasoning ModelRole = "reasoning"
	ModelTask      ModelRole = "task"
)

// ErrorClass is the gateway's §4.3 error classification.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassDegraded  ErrorClass = "degraded"
)

// Classifier maps a raw provider error to one of the three classes. Gateway
// ships ClassifyHTTPLike as the default; callers may override per provider.
type Classifier func(err error) ErrorClass

// SearchResult is one hit returned by a search provider.
type SearchResult struct {
	URL         string
	Title       string
	Snippet     string
	Provider    string
	Relevance   float64
	RawResponse map[string]interface{}
}

// Document is fetched page/content.
type Document struct {
	URL         string
	Title       string
	Content     string
	ContentHash string
	Provider    string
}

// Completion is an LLM response.
type Completion struct {
	Text       string
	Model      string
	TokensUsed int
}

// Result is the discriminated outcome every gateway call returns instead of
// a bare error, per spec.md §4.3: {ok,value} | {transient,...} | {permanent,...} | {degraded,...}.
type Result[T any] struct {
	OK        bool
	Value     T
	Transient bool
	Attempts  int
	Permanent bool
	Degraded  bool
	Reason    string
	LastError error
}

func ok[T any](v T) Result[T] { return Result[T]{OK: true, Value: v} }

func transientResult[T any](attempts int, err error) Result[T] {
	return Result[T]{Transient: true, Attempts: attempts, LastError: err}
}

func permanentResult[T any](err error) Result[T] {
	return Result[T]{Permanent: true, LastError: err}
}

func degradedResult[T any](reason string) Result[T] {
	return Result[T]{Degraded: true, Reason: reason}
}

// Provider is the interface a real Linkup/Exa/Perplexity/Firecrawl/LLM
// adapter must implement; the gateway ships one in-memory fixture-backed
// implementation for tests plus the resilience wiring around any Provider.
type Provider interface {
	Name() string
	Kind() ProviderKind
	Enabled() bool
	Search(ctx context.Context, query string, opts map[string]interface{}) ([]SearchResult, error)
	Fetch(ctx context.Context, url string) (Document, error)
	Complete(ctx context.Context, role ModelRole, prompt string, opts map[string]interface{}) (Completion, error)
}

type registeredProvider struct {
	provider   Provider
	limiter    *ratelimit.Limiter
	sem        *semaphore.Weighted
	breaker    *resilience.CircuitBreaker
	retryCfg   resilience.RetryConfig
	classifier Classifier
	timeout    time.Duration
}

// Gateway dispatches Search/Fetch/LLMComplete calls through the registered
// provider's resilience stack.
type Gateway struct {
	providers map[string]*registeredProvider
	cache     *cache.Cache
}

// cacheTTL is how long a successful provider call is reused for an identical
// (provider, call kind, args) key. Short enough that a long-running task still
// picks up provider-side changes between phases, long enough to absorb the
// repeated fetches/searches a single research task tends to make for the same
// URL or query across its planning and search phases.
const cacheTTL = 2 * time.Minute

func cacheKey(kind, provider, primary string, opts map[string]interface{}) string {
	optsJSON, _ := json.Marshal(opts)
	return kind + "|" + provider + "|" + primary + "|" + string(optsJSON)
}

// ProviderOptions configures the resilience wrapping for one registered
// provider; zero values fall back to package defaults.
type ProviderOptions struct {
	RPS         float64
	Burst       int
	Concurrency int
	Breaker     resilience.Config
	Retry       resilience.RetryConfig
	Timeout     time.Duration
	Classifier  Classifier
}

func New() *Gateway {
	return &Gateway{
		providers: make(map[string]*registeredProvider),
		cache:     cache.New(cache.DefaultConfig()),
	}
}

// Close stops the gateway's result-cache cleanup goroutine. Safe to call once
// during shutdown; the gateway itself has no other background state.
func (g *Gateway) Close() {
	g.cache.Stop()
}

// Register adds a provider to the closed registry under its own name.
func (g *Gateway) Register(p Provider, opts ProviderOptions) {
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 2
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Classifier == nil {
		opts.Classifier = ClassifyHTTPLike
	}
	breakerCfg := opts.Breaker
	if breakerCfg.MaxFailures == 0 {
		breakerCfg = resilience.DefaultConfig()
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = resilience.DefaultRetryConfig()
	}

	g.providers[p.Name()] = &registeredProvider{
		provider:   p,
		limiter:    ratelimit.New(ratelimit.Config{RequestsPerSecond: opts.RPS, Burst: opts.Burst}),
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		breaker:    resilience.New(breakerCfg),
		retryCfg:   retryCfg,
		classifier: opts.Classifier,
		timeout:    opts.Timeout,
	}
}

func (g *Gateway) lookup(name string) (*registeredProvider, error) {
	rp, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("gateway: unregistered provider %q", name)
	}
	return rp, nil
}

// call runs fn through the provider's limiter, concurrency cap, circuit
// breaker, and classified retry, producing a Result[T] that never surfaces a
// bare error across the gateway boundary.
func call[T any](ctx context.Context, rp *registeredProvider, fn func(context.Context) (T, error)) Result[T] {
	if !rp.provider.Enabled() {
		return degradedResult[T]("provider disabled")
	}

	if err := rp.limiter.Wait(ctx); err != nil {
		return transientResult[T](0, err)
	}
	if err := rp.sem.Acquire(ctx, 1); err != nil {
		return transientResult[T](0, err)
	}
	defer rp.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, rp.timeout)
	defer cancel()

	attempts := 0
	var value T
	shouldRetry := func(err error) bool { return rp.classifier(err) == ClassTransient }

	retryErr := resilience.Retry(callCtx, rp.retryCfg, shouldRetry, func() error {
		attempts++
		breakerErr := rp.breaker.Execute(callCtx, func() error {
			v, err := fn(callCtx)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		return breakerErr
	})

	if retryErr == nil {
		return ok(value)
	}
	if retryErr == resilience.ErrCircuitOpen || retryErr == resilience.ErrTooManyRequests {
		return degradedResult[T]("circuit breaker open for " + rp.provider.Name())
	}
	switch rp.classifier(retryErr) {
	case ClassPermanent:
		return permanentResult[T](retryErr)
	case ClassDegraded:
		return degradedResult[T](retryErr.Error())
	default:
		return transientResult[T](attempts, retryErr)
	}
}

// Search dispatches to the named search provider. An identical (provider,
// query, opts) within cacheTTL is served from cache instead of re-issuing the
// call, so fanning the same subtopic query out across a retry or a
// re-rendered phase doesn't burn the provider's rate limit twice.
func (g *Gateway) Search(ctx context.Context, provider, query string, opts map[string]interface{}) Result[[]SearchResult] {
	rp, err := g.lookup(provider)
	if err != nil {
		return Result[[]SearchResult]{Permanent: true, LastError: err}
	}
	key := cacheKey("search", provider, query, opts)
	if v, hit := g.cache.Get(key); hit {
		return ok(v.([]SearchResult))
	}
	res := call(ctx, rp, func(c context.Context) ([]SearchResult, error) {
		return rp.provider.Search(c, query, opts)
	})
	if res.OK {
		g.cache.Set(key, res.Value, cacheTTL)
	}
	return res
}

// Fetch dispatches to the named fetch provider, with the same cache behavior
// as Search keyed on the URL.
func (g *Gateway) Fetch(ctx context.Context, provider, url string) Result[Document] {
	rp, err := g.lookup(provider)
	if err != nil {
		return Result[Document]{Permanent: true, LastError: err}
	}
	key := cacheKey("fetch", provider, url, nil)
	if v, hit := g.cache.Get(key); hit {
		return ok(v.(Document))
	}
	res := call(ctx, rp, func(c context.Context) (Document, error) {
		return rp.provider.Fetch(c, url)
	})
	if res.OK {
		g.cache.Set(key, res.Value, cacheTTL)
	}
	return res
}

// LLMComplete dispatches to the named LLM provider for the given model role,
// with the same cache behavior as Search/Fetch keyed on role, prompt, and
// opts — internal/orchestrator's pipeline ops can replay the same synthesis
// prompt when a phase partially fails and retries.
func (g *Gateway) LLMComplete(ctx context.Context, provider string, role ModelRole, prompt string, opts map[string]interface{}) Result[Completion] {
	rp, err := g.lookup(provider)
	if err != nil {
		return Result[Completion]{Permanent: true, LastError: err}
	}
	key := cacheKey("llm:"+string(role), provider, prompt, opts)
	if v, hit := g.cache.Get(key); hit {
		return ok(v.(Completion))
	}
	res := call(ctx, rp, func(c context.Context) (Completion, error) {
		return rp.provider.Complete(c, role, prompt, opts)
	})
	if res.OK {
		g.cache.Set(key, res.Value, cacheTTL)
	}
	return res
}

// Providers returns the names of registered, enabled providers of kind, for
// callers that fan out over "every enabled provider" (spec.md §4.6 step 3).
func (g *Gateway) Providers(kind ProviderKind) []string {
	var names []string
	for name, rp := range g.providers {
		if rp.provider.Kind() == kind && rp.provider.Enabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// BreakerState reports the current circuit state for a registered provider.
func (g *Gateway) BreakerState(provider string) (resilience.State, error) {
	rp, err := g.lookup(provider)
	if err != nil {
		return resilience.StateClosed, err
	}
	return rp.breaker.State(), nil
}
