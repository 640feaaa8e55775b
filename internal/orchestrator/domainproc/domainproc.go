// Package domainproc is a closed registry of domain-specific entity
// extractors. spec.md §4.6 step 3 lets `extract_entities` use "a domain
// processor, when domain_hint matches a registered processor" instead of a
// raw LLM call; this package is that registry. New domains are added here,
// never dispatched through a string key invented at the call site.
package domainproc

import (
	"context"
	"sync"

	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
	"github.com/nexus-agents/orchestrator-core/internal/entity"
)

// Processor extracts entity candidates with a domain-aware attribute set
// from a subspace's search results and fetched documents.
type Processor interface {
	Extract(ctx context.Context, subspace string, attributes []string, results []gateway.SearchResult, docs []gateway.Document) ([]entity.Candidate, error)
}

var (
	mu         sync.RWMutex
	processors = map[string]Processor{}
)

// Register adds a processor under domainHint. Call at wiring time only;
// Register is not safe to call concurrently with Lookup under load.
func Register(domainHint string, p Processor) {
	mu.Lock()
	defer mu.Unlock()
	processors[domainHint] = p
}

// Lookup returns the processor registered for domainHint, if any.
func Lookup(domainHint string) (Processor, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := processors[domainHint]
	return p, ok
}
