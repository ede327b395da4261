package main

import (
	"context"
	"fmt"

	"lateraltutor/internal/completion"
	"lateraltutor/internal/config"
	"lateraltutor/internal/dialogue"
	"lateraltutor/internal/imagery"
	"lateraltutor/internal/logging"
	"lateraltutor/internal/script"
	"lateraltutor/internal/store"
	"lateraltutor/internal/types"
	"lateraltutor/internal/webfetch"
)

// deps is everything a dialogue host needs.
type deps struct {
	orch  *dialogue.Orchestrator
	store types.Store
}

func (d *deps) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logging.StoreWarn("close store: %v", err)
		}
	}
}

// buildDeps wires the orchestrator from configuration.
func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timer := logging.StartTimer(logging.CategoryBoot, "buildDeps")
	defer timer.Stop()

	// Fail fast on a broken instruction template.
	if _, err := script.Load(cfg.Script.InstructionFile, cfg.Script.Scenario); err != nil {
		return nil, err
	}

	client, err := completion.NewFromConfig(ctx, cfg, "")
	if err != nil {
		return nil, fmt.Errorf("completion client: %w", err)
	}

	catalog, err := imagery.NewCatalog(cfg.Images.Catalog)
	if err != nil {
		return nil, fmt.Errorf("image catalog: %w", err)
	}
	resolver := imagery.NewResolver(catalog)

	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	opts := dialogue.OptionsFromConfig(cfg)
	opts.Completer = client
	opts.Resolver = resolver
	opts.Policy = imagery.NewPolicy(resolver, cfg.Images.OnboardingKey, cfg.Images.AssessmentKey)
	opts.Persistence = st
	opts.Instruction = func(sc types.Scenario) (string, error) {
		return script.Load(cfg.Script.InstructionFile, sc)
	}
	if cfg.Web.Enabled {
		opts.Fetcher = webfetch.New(webfetch.Config{ReaderURL: cfg.Web.ReaderURL, Timeout: cfg.GetWebTimeout()})
	}

	orch, err := dialogue.NewOrchestrator(opts)
	if err != nil {
		st.Close()
		return nil, err
	}
	logging.Boot("dialogue ready: model=%s max_off_topic=%d strict_stages=%v", client.Model(), opts.Machine.MaxOffTopic, opts.Machine.StrictStages)
	return &deps{orch: orch, store: st}, nil
}
