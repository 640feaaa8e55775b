package main

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexus-agents/orchestrator-core/internal/ledger"
	"github.com/nexus-agents/orchestrator-core/internal/orchestrator"
	"github.com/nexus-agents/orchestrator-core/pkg/config"
	"github.com/nexus-agents/orchestrator-core/pkg/coordinator"
	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/eventbus"
	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
	"github.com/nexus-agents/orchestrator-core/pkg/logging"
	"github.com/nexus-agents/orchestrator-core/pkg/metrics"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// deps bundles everything main needs to shut down cleanly and to build an
// Orchestrator on demand.
type deps struct {
	log   *logging.Logger
	db    *sql.DB
	bus   *eventbus.Bus
	coord *coordinator.Coordinator
	gw    *gateway.Gateway
	orch  *orchestrator.Orchestrator
	store store.Store
}

// wire builds the full dependency graph from cfg. With no DATABASE_DSN set it
// runs entirely in-process (store.Memory, no event bus, FixtureProviders) so
// the CLI demo has zero external dependencies, matching spec.md §6's "runnable
// end to end with no network" requirement. With a DSN it opens Postgres and
// the pg_notify-backed bus instead.
func wire(ctx context.Context, cfg *config.Config, log *logging.Logger) (*deps, error) {
	d := &deps{log: log}

	var s store.Store
	storeCfg := store.DefaultConfig()
	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, nerrors.Config("open database", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nerrors.Config("ping database", err)
		}
		d.db = db
		s = store.NewPostgres(db, storeCfg)

		bus, err := eventbus.New(db, cfg.Database.DSN, eventbus.Config{
			MaxPayloadBytes:  cfg.EventBus.MaxEventBytes,
			ChannelPrefix:    cfg.EventBus.ChannelPrefix,
			SubscriberBuffer: cfg.EventBus.SubscriberBuffer,
		}, log)
		if err != nil {
			db.Close()
			return nil, nerrors.Config("start event bus", err)
		}
		d.bus = bus
	} else {
		s = store.NewMemory(storeCfg)
	}
	d.store = s

	met := metrics.New(prometheus.NewRegistry())

	queueCaps := make(map[string]int, len(cfg.Coordinator.Queues))
	for name, q := range cfg.Coordinator.Queues {
		queueCaps[name] = q.Capacity
	}
	coord := coordinator.New(coordinator.Config{
		WorkerCount:           cfg.Coordinator.WorkerCount,
		MaxRetries:            cfg.Coordinator.MaxRetries,
		RetryBaseMs:           cfg.Coordinator.RetryBaseMs,
		HeartbeatInterval:     cfg.Coordinator.HeartbeatInterval,
		HeartbeatTTL:          cfg.Coordinator.HeartbeatTTL,
		StatsSnapshotInterval: cfg.Coordinator.StatsInterval,
		QueueCapacities:       queueCaps,
	}, d.bus, log, met)
	if cfg.Redis.Addr != "" {
		coord.WithRedisMirror(coordinator.NewRedisMirror(cfg.Redis.Addr))
	}
	coord.Start()
	d.coord = coord

	gw := gateway.New()
	registerFixtureProviders(gw, cfg)
	d.gw = gw

	l := ledger.New(s)
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.SearchProviders = []string{providerNameSearch}
	orchCfg.FetchProvider = providerNameFetch
	orchCfg.ReasoningModel = providerNameLLM
	orchCfg.TaskModel = providerNameLLM
	d.orch = orchestrator.New(orchCfg, s, l, coord, gw, d.bus, log)

	return d, nil
}

// Fixed provider names cmd/orchestrator registers and wires into
// internal/orchestrator.Config. PROVIDER_<NAME>_RPS/_CONCURRENCY env
// overrides (pkg/config) key off these same three names.
const (
	providerNameSearch = "search"
	providerNameFetch  = "fetch"
	providerNameLLM    = "llm"
)

// fixtureCompletion is a superset of both pipelines' expected JSON shapes
// (internal/orchestrator/analytical_test.go's fixtureCompletion and
// aggregation_test.go's aggregationFixtureCompletion): every field either
// parser looks for is present, gjson ignores the fields it doesn't ask for,
// so a single canned completion drives both RunAnalytical and RunAggregation.
const fixtureCompletion = `{
	"subtopics":[{"focus_area":"overview","query":"overview of the research query"}],
	"objectives":["assess the research query"],
	"deliverables":["report"],
	"key_questions":["what does the evidence show"],
	"summary":"placeholder summary from the fixture provider",
	"dok1_facts":["placeholder fact from the fixture provider"],
	"nodes":[{"key":"root","parent_key":"","category":"general","subcategory":"overview","summary":"overview node","leaves":[{"source_id":"placeholder-source","relevance_score":0.5}]}],
	"insights":[{"category":"general","text":"placeholder insight","confidence":0.5,"source_ids":["placeholder-source"]}],
	"povs":[{"kind":"truth","statement":"placeholder spiky pov","reasoning":"fixture data has no real signal","insight_ids":["placeholder-insight"]}],
	"sections":{"key_findings":"placeholder key findings","evidence_analysis":"placeholder evidence analysis","causal_relationships":"placeholder causal relationships","alternative_interpretations":"placeholder alternative interpretations"},
	"section_sources":{"key_findings":["placeholder-source"]},
	"subspaces":["placeholder subspace"],
	"entities":[{"name":"Placeholder Entity","unique_identifier":"placeholder-entity","confidence":0.5,"attributes":{}}]
}`

// registerFixtureProviders registers the three named providers
// internal/orchestrator.Config expects. No real network adapter exists in
// this module (concrete MCP/LLM SDKs stay external); FixtureProvider
// synthesizes deterministic placeholder results so
// RunAnalytical/RunAggregation are runnable end to end without a network.
// Rate limits come from PROVIDER_<NAME>_RPS/_CONCURRENCY when configured.
func registerFixtureProviders(gw *gateway.Gateway, cfg *config.Config) {
	opts := func(name string, defaultRPS float64) gateway.ProviderOptions {
		if p, ok := cfg.Providers.Providers[name]; ok && p.Enabled {
			return gateway.ProviderOptions{RPS: p.RPS, Burst: p.Burst, Concurrency: p.Concurrency}
		}
		return gateway.ProviderOptions{RPS: defaultRPS, Burst: int(defaultRPS * 2), Concurrency: 4}
	}

	gw.Register(gateway.NewFixtureProvider(providerNameSearch, gateway.ProviderSearch), opts(providerNameSearch, 50))
	gw.Register(gateway.NewFixtureProvider(providerNameFetch, gateway.ProviderFetch), opts(providerNameFetch, 50))
	gw.Register(gateway.NewFixtureProvider(providerNameLLM, gateway.ProviderLLM).WithCompleteResponse(fixtureCompletion), opts(providerNameLLM, 20))
}

// Close releases every resource wire opened, in reverse acquisition order.
func (d *deps) Close() {
	d.coord.Stop()
	if d.gw != nil {
		d.gw.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}
