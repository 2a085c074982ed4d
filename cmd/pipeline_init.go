package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/extract"
	"github.com/sells-group/catalog-cli/internal/generate"
	"github.com/sells-group/catalog-cli/internal/jobs"
	"github.com/sells-group/catalog-cli/internal/reconcile"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/rules"
	"github.com/sells-group/catalog-cli/internal/store"
	anthropicpkg "github.com/sells-group/catalog-cli/pkg/anthropic"
	"github.com/sells-group/catalog-cli/pkg/jina"
	"github.com/sells-group/catalog-cli/pkg/sheets"
)

// catalogEnv holds the registry, both record stores and the services built
// on them. Which services are set depends on the command mode.
type catalogEnv struct {
	Registry     *registry.Registry
	Stores       recordstore.Set
	JobStore     store.Store // nil with the memory driver
	Rules        *rules.Cache
	Orchestrator *jobs.Orchestrator
	Reconciler   *reconcile.Engine

	conns *connections
}

// Close stops the orchestrator and releases every connection.
func (e *catalogEnv) Close() {
	if e.Orchestrator != nil {
		e.Orchestrator.Close()
	}
	e.conns.Close()
}

// initEnv validates config for mode and builds the services it needs.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*catalogEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load collection registry")
	}
	zap.L().Info("registry loaded", zap.Strings("collections", reg.Names()))

	env := &catalogEnv{Registry: reg, conns: newConnections()}
	fail := func(err error) (*catalogEnv, error) {
		env.Close()
		return nil, err
	}

	sheetClient, sheet, err := openSheet(ctx, reg)
	if err != nil {
		return fail(err)
	}
	docs, err := openDocs(ctx, env.conns, reg)
	if err != nil {
		return fail(err)
	}
	env.Stores = recordstore.Set{Sheet: sheet, Docs: docs}

	writeRetry := resilience.RateLimitBackoff(cfg.Jobs.RateLimitBackoff(), cfg.Jobs.RateLimitRetries)
	env.Reconciler = reconcile.NewEngine(env.Stores, reg, writeRetry)

	if mode != "serve" && mode != "enrich" {
		return env, nil
	}

	env.JobStore, err = openJobStore(ctx, env.conns)
	if err != nil {
		return fail(err)
	}

	env.Rules = rules.NewCache(rulesSource(sheetClient))
	set, err := env.Rules.Reload(ctx)
	if err != nil {
		return fail(eris.Wrap(err, "load rules"))
	}
	zap.L().Info("rules loaded", zap.Any("counts", set.Counts()))

	ai := anthropicpkg.NewClient(cfg.Anthropic.Key)
	ext := initExtractor(reg, ai)
	gen := generate.New(ai, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)

	breakers := resilience.NewBreakers(resilience.NewBreakerConfig(
		cfg.Jobs.BreakerThreshold,
		time.Duration(cfg.Jobs.BreakerResetSecs)*time.Second,
	))
	machine := jobs.NewMachine(env.Stores, reg, ext, gen, breakers, jobs.MachineConfig{
		CallTimeout: cfg.Jobs.CallTimeout(),
		WriteRetry:  writeRetry,
	})
	env.Orchestrator = jobs.NewOrchestrator(machine, reg, env.Rules, jobs.Options{
		MaxConcurrent:  cfg.Jobs.MaxConcurrent,
		RecordInterval: cfg.Jobs.RecordInterval(),
		Store:          env.JobStore,
		DLQMaxRetries:  cfg.Jobs.DLQMaxRetries,
		DLQBackoff:     cfg.Jobs.DLQBackoff(),
	})

	zap.L().Info("job orchestrator ready",
		zap.String("extract_mode", cfg.Extract.Mode),
		zap.Int("max_concurrent", cfg.Jobs.MaxConcurrent),
		zap.Duration("record_interval", cfg.Jobs.RecordInterval()),
	)
	return env, nil
}

// rulesSource picks the rule tables' origin. The sheet source falls back to
// the catalog spreadsheet when no dedicated one is configured.
func rulesSource(client sheets.Client) rules.Source {
	if cfg.Rules.Source == "file" {
		return &rules.FileSource{Path: cfg.Rules.FilePath}
	}
	id := cfg.Rules.SpreadsheetID
	if id == "" {
		id = cfg.Sheets.SpreadsheetID
	}
	return &rules.SheetSource{Reader: client, SpreadsheetID: id, Tabs: cfg.Rules.Tabs}
}

func initExtractor(reg *registry.Registry, ai anthropicpkg.Client) jobs.Extractor {
	if cfg.Extract.Mode == "llm" {
		reader := jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))
		return extract.NewLLM(reg, reader, ai, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	}
	return extract.NewHTML(reg,
		extract.WithUserAgent(cfg.Extract.UserAgent),
		extract.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Extract.TimeoutSecs) * time.Second}),
	)
}
