package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/config"
	"github.com/pkgsentry/pkgsentry/internal/llmclient"
	"github.com/pkgsentry/pkgsentry/internal/manifest"
	"github.com/pkgsentry/pkgsentry/internal/observability"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
	"github.com/pkgsentry/pkgsentry/internal/reporting"
	"github.com/pkgsentry/pkgsentry/internal/stages"
)

// newAnalyzeCmd creates and configures the `analyze` command.
func newAnalyzeCmd(provider storeProvider) *cobra.Command {
	var (
		ecosystem string
		format    string
		output    string
		timeout   time.Duration
	)

	analyzeCmd := &cobra.Command{
		Use:   "analyze <manifest>",
		Short: "Runs the analysis pipeline over a dependency manifest",
		Long: `Parses the given lockfile, resolves the dependency closure and local
heuristic findings, and drives every analysis stage over it. The consolidated
result is reported in the chosen format; when a database is configured the
run is also persisted for later retrieval with 'pkgsentry report'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			eco, err := parseEcosystem(ecosystem)
			if err != nil {
				return err
			}

			cfg.Analyze = config.AnalyzeConfig{
				ManifestPath: args[0],
				Ecosystem:    ecosystem,
				Output:       output,
				Format:       format,
			}

			return runAnalyze(ctx, logger, cfg, eco, timeout, provider)
		},
	}

	analyzeCmd.Flags().StringVarP(&ecosystem, "ecosystem", "e", "npm", "Package ecosystem of the manifest (npm, pypi)")
	analyzeCmd.Flags().StringVarP(&format, "format", "f", "json", "Report format (json, sarif)")
	analyzeCmd.Flags().StringVarP(&output, "output", "o", "", "Output file path; stdout if unset")
	analyzeCmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall deadline for the run; 0 disables it")

	return analyzeCmd
}

// runAnalyze contains the core, testable logic for one analysis run.
func runAnalyze(
	ctx context.Context,
	logger *zap.Logger,
	cfg *config.Config,
	eco schemas.Ecosystem,
	timeout time.Duration,
	provider storeProvider,
) error {
	runID := uuid.New().String()
	logger.Info("Starting analysis run",
		zap.String("run_id", runID),
		zap.String("manifest", cfg.Analyze.ManifestPath),
		zap.String("ecosystem", string(eco)),
	)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// 1. Load the manifest into the pipeline input bundle.
	loader := manifest.NewLoader(logger)
	input, err := loader.Load(cfg.Analyze.ManifestPath, eco)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	logger.Info("Manifest loaded",
		zap.Int("targets", len(input.Targets)),
		zap.Int("baseline_findings", len(input.Findings)),
	)

	// 2. Assemble the stage roster. Without a model API key the code pattern
	// stage cannot run; it is optional, so disable it up front instead of
	// letting it fail its way into the degradation accounting.
	var llm llmclient.Client
	if cfg.LLM.APIKey != "" {
		gemini, err := llmclient.NewGeminiClient(cfg.LLM, logger)
		if err != nil {
			return fmt.Errorf("failed to construct model client: %w", err)
		}
		llm = gemini
	} else if cfg.Pipeline.CodePattern.Enabled {
		logger.Warn("PKGSENTRY_LLM_API_KEY not set, disabling code pattern analysis")
		cfg.Pipeline.CodePattern.Enabled = false
	}

	registry, err := stages.BuildRegistry(cfg, llm, logger)
	if err != nil {
		return fmt.Errorf("failed to build stage registry: %w", err)
	}

	orch, err := pipeline.New(registry, stages.NewManifestFallback(logger), logger)
	if err != nil {
		return fmt.Errorf("failed to construct pipeline: %w", err)
	}

	// 3. Drive the run.
	ac := pipeline.NewAnalysisContext(runID, *input)
	result, runErr := orch.Run(ctx, ac)
	if runErr != nil {
		if !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
			return fmt.Errorf("pipeline run failed: %w", runErr)
		}
		// A cancelled run still produced outcomes up to the cancellation
		// point; report what exists and surface the interruption after.
		logger.Warn("Run interrupted, reporting partial results",
			zap.String("run_id", runID),
			zap.String("degradation", string(result.Degradation)),
		)
	}

	envelope := &schemas.ResultEnvelope{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Ecosystem: eco,
		Targets:   input.Targets,
		Result:    result,
	}

	// 4. Report.
	if err := writeReport(logger, envelope, cfg.Analyze.Output, cfg.Analyze.Format); err != nil {
		return err
	}

	// 5. Persist when a database is configured. Persistence failure does not
	// invalidate an already-reported run.
	if cfg.Database.URL != "" {
		if err := persistRun(ctx, logger, cfg, envelope, provider); err != nil {
			logger.Error("Failed to persist run", zap.Error(err), zap.String("run_id", runID))
		}
	}

	logger.Info("Analysis run complete",
		zap.String("run_id", runID),
		zap.String("degradation", string(result.Degradation)),
		zap.Int("findings", len(result.Findings)),
	)

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	return nil
}

func persistRun(ctx context.Context, logger *zap.Logger, cfg *config.Config, envelope *schemas.ResultEnvelope, provider storeProvider) error {
	// An interrupted parent context would doom the insert; give persistence
	// its own short deadline instead.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	storeService, cleanup, err := provider.Create(persistCtx, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if err := storeService.PersistResult(persistCtx, envelope); err != nil {
		return err
	}
	logger.Info("Run persisted", zap.String("run_id", envelope.RunID))
	return nil
}

// writeReport renders the envelope with the reporting module.
func writeReport(logger *zap.Logger, envelope *schemas.ResultEnvelope, outputPath, format string) error {
	reporter, err := reporting.New(format, outputPath, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	if err := reporter.Write(envelope); err != nil {
		reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	if outputPath != "" && outputPath != "stdout" {
		logger.Info("Report written", zap.String("path", outputPath), zap.String("format", format))
	}
	return nil
}

func parseEcosystem(raw string) (schemas.Ecosystem, error) {
	switch raw {
	case "npm":
		return schemas.EcosystemNPM, nil
	case "pypi":
		return schemas.EcosystemPyPI, nil
	default:
		return "", fmt.Errorf("unsupported ecosystem %q (supported: npm, pypi)", raw)
	}
}
