package orchestrator

import (
	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
)

// resultErr maps a gateway.Result's discriminated outcome to the unified
// error taxonomy so a failed provider call can flow through
// internal/ledger.Fail and the coordinator's classified retry the same way
// any other operation error does.
func resultErr[T any](provider string, r gateway.Result[T]) error {
	if r.OK {
		return nil
	}
	switch {
	case r.Transient:
		return nerrors.ProviderTransient(provider, r.Attempts, r.LastError)
	case r.Permanent:
		return nerrors.ProviderPermanent(provider, r.LastError)
	case r.Degraded:
		return nerrors.ProviderDegraded(provider, r.Reason)
	default:
		return r.LastError
	}
}
