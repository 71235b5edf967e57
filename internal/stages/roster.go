// File: internal/stages/roster.go
// Description: Assembles the pipeline definition from configuration. The
// stage order is fixed; configuration tunes budgets and can disable the
// optional stages, never reorder them.

package stages

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/internal/config"
	"github.com/pkgsentry/pkgsentry/internal/llmclient"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
	"github.com/pkgsentry/pkgsentry/internal/stages/codepattern"
	"github.com/pkgsentry/pkgsentry/internal/stages/reputation"
	"github.com/pkgsentry/pkgsentry/internal/stages/supplychain"
	"github.com/pkgsentry/pkgsentry/internal/stages/synthesis"
	"github.com/pkgsentry/pkgsentry/internal/stages/vulnlookup"
)

// BuildRegistry wires every capability into a validated pipeline
// definition. llm may be nil; the code pattern stage then fails fast as a
// configuration error if its trigger ever fires.
func BuildRegistry(cfg *config.Config, llm llmclient.Client, logger *zap.Logger) (*pipeline.Registry, error) {
	r := pipeline.NewRegistry()

	// Required stages cannot be configured away; a pipeline without its
	// backbone is a different product.
	for name, sc := range map[string]config.StageConfig{
		vulnlookup.StageName:  cfg.Pipeline.Vulnerability,
		supplychain.StageName: cfg.Pipeline.SupplyChain,
		synthesis.StageName:   cfg.Pipeline.Synthesis,
	} {
		if !sc.Enabled {
			return nil, fmt.Errorf("required stage %s cannot be disabled", name)
		}
	}

	if err := r.Register(descriptor(vulnlookup.StageName, cfg.Pipeline.Vulnerability, true, nil,
		vulnlookup.New(cfg.OSV, logger))); err != nil {
		return nil, err
	}

	if cfg.Pipeline.Reputation.Enabled {
		rep := reputation.New(cfg.Registry, cfg.Pipeline.Reputation.ScoreThreshold, logger)
		if err := r.Register(descriptor(reputation.StageName, cfg.Pipeline.Reputation.StageConfig, false,
			rep.Trigger, rep)); err != nil {
			return nil, err
		}
	}

	if cfg.Pipeline.CodePattern.Enabled {
		judge := codepattern.New(llm, logger)
		if err := r.Register(descriptor(codepattern.StageName, cfg.Pipeline.CodePattern, false,
			judge.Trigger, judge)); err != nil {
			return nil, err
		}
	}

	if err := r.Register(descriptor(supplychain.StageName, cfg.Pipeline.SupplyChain, true, nil,
		supplychain.New(logger))); err != nil {
		return nil, err
	}

	if err := r.Register(descriptor(synthesis.StageName, cfg.Pipeline.Synthesis, true, nil,
		synthesis.New(logger))); err != nil {
		return nil, err
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func descriptor(name string, sc config.StageConfig, required bool, trigger pipeline.TriggerPredicate, cap pipeline.Capability) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Name:              name,
		Capability:        cap,
		Required:          required,
		Trigger:           trigger,
		Timeout:           sc.Timeout,
		MaxRetries:        sc.MaxRetries,
		BaseDelay:         sc.BaseDelay,
		BackoffMultiplier: sc.BackoffMultiplier,
	}
}
