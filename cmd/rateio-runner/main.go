// Package main implements the rateio batch runner: it loads raw tables,
// prepares them per the allocation plan, runs the staged allocation
// engine, and writes parquet artifacts, warehouse tables and the run
// ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rateio/rateio-core/internal/config"
	"github.com/rateio/rateio-core/internal/dataset"
	"github.com/rateio/rateio-core/internal/objstore"
	"github.com/rateio/rateio-core/internal/prepare"
	"github.com/rateio/rateio-core/internal/rateio"
	"github.com/rateio/rateio-core/internal/runlog"
	"github.com/rateio/rateio-core/internal/sink"
	"github.com/rateio/rateio-core/internal/source"
	"github.com/rateio/rateio-core/pkg/staging"
)

func main() {
	cfg := config.LoadRunnerConfig()

	zapCfg := zap.NewProductionConfig()
	if cfg.Debug {
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", zap.String("code", rateio.CodeOf(err)), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.RunnerConfig, logger *zap.Logger) error {
	plan, err := config.LoadPlan(cfg.PlanPath)
	if err != nil {
		return err
	}
	logger.Info("plan loaded",
		zap.String("plan", plan.Name),
		zap.Int("stages", len(plan.Stages)),
		zap.String("source", cfg.SourceKind))

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	loader, err := buildLoader(cfg, plan, store, logger)
	if err != nil {
		return err
	}
	tables, err := loader.Load(ctx)
	if err != nil {
		return err
	}

	for _, rule := range plan.Prepare {
		raw, ok := tables[rule.Table]
		if !ok {
			return fmt.Errorf("prepare rule targets unknown table %q", rule.Table)
		}
		prepared, report, err := prepare.Apply(raw, rule)
		if err != nil {
			return err
		}
		tables[rule.Table] = prepared
		logger.Info("table prepared",
			zap.String("table", rule.Table),
			zap.Int("rows", report.Rows),
			zap.Int("date_cells", report.DateCells),
			zap.Int("nulled_dates", report.NulledDates))
	}

	values, ok := tables[plan.ValueTable]
	if !ok {
		return fmt.Errorf("value table %q not found in source", plan.ValueTable)
	}
	metrics := tables[plan.MetricTable]

	runID := staging.NewRunID()
	provider, err := buildStaging(ctx, cfg, store, values)
	if err != nil {
		return err
	}

	ledger, err := buildLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()
	if err := ledger.BeginRun(ctx, runID, plan.Name, cfg.SourceKind); err != nil {
		return fmt.Errorf("ledger begin: %w", err)
	}

	opts := rateio.Options{
		Metrics:     metrics,
		Parallelism: cfg.Parallelism,
		Logger:      logger,
	}
	if provider != nil {
		opts.Checkpoint = func(ctx context.Context, stage int, out *dataset.Table) error {
			ref, err := provider.PutSnapshot(ctx, &staging.Snapshot{
				RunID:   runID,
				Stage:   stage,
				Table:   out.Name,
				Columns: out.Schema.FieldNames(),
				Rows:    out.Rows,
			})
			if err != nil {
				return err
			}
			logger.Debug("stage snapshot staged", zap.Int("stage", stage), zap.String("ref", ref))
			return nil
		}
	}

	engine, err := rateio.NewEngine(plan.Stages, opts)
	if err != nil {
		return err
	}

	logger.Info("starting allocation run", zap.String("run_id", runID))
	result, runErr := engine.Run(ctx, values)
	if runErr != nil {
		if err := ledger.FinishRun(ctx, runID, 0, 0, 0, runErr); err != nil {
			logger.Warn("ledger finish failed", zap.Error(err))
		}
		return runErr
	}

	artifactURLs, err := writeOutputs(ctx, cfg, plan, store, runID, result, logger)
	if err != nil {
		if lerr := ledger.FinishRun(ctx, runID, len(result.Reports), 0, 0, err); lerr != nil {
			logger.Warn("ledger finish failed", zap.Error(lerr))
		}
		return err
	}

	for i, report := range result.Reports {
		if err := ledger.RecordStage(ctx, runID, report, artifactURLs[i]); err != nil {
			return fmt.Errorf("ledger stage %d: %w", report.Stage, err)
		}
	}
	first, last := result.Reports[0], result.Reports[len(result.Reports)-1]
	if err := ledger.FinishRun(ctx, runID, len(result.Reports), first.TotalIn(), last.TotalOut(), nil); err != nil {
		return fmt.Errorf("ledger finish: %w", err)
	}

	logger.Info("allocation run complete",
		zap.String("run_id", runID),
		zap.Int("stages", len(result.Reports)),
		zap.Int("final_rows", result.Final.Len()),
		zap.Float64("total_out", last.TotalOut()))
	return nil
}

// buildStore returns the object store for artifacts and object sources:
// S3/MinIO when an endpoint is configured, otherwise a local directory
// store, or nil when neither applies.
func buildStore(cfg *config.RunnerConfig) (objstore.ObjectStore, error) {
	if cfg.S3Endpoint != "" {
		return objstore.NewS3Client(objstore.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	}
	if cfg.LocalStoreDir != "" {
		return objstore.NewLocalStore(cfg.LocalStoreDir), nil
	}
	return nil, nil
}

func buildLoader(cfg *config.RunnerConfig, plan *config.Plan, store objstore.ObjectStore, logger *zap.Logger) (source.Loader, error) {
	switch cfg.SourceKind {
	case "jsondir":
		return source.NewDirLoader(cfg.SourceDir, logger), nil
	case "object":
		if store == nil {
			return nil, fmt.Errorf("source %q needs an object store; set RATEIO_S3_ENDPOINT or RATEIO_LOCAL_STORE_DIR", cfg.SourceKind)
		}
		return source.NewObjectLoader(store, cfg.SourceBucket, cfg.SourcePrefix), nil
	case "http":
		if cfg.SourceBaseURL == "" {
			return nil, fmt.Errorf("source %q needs RATEIO_SOURCE_BASE_URL", cfg.SourceKind)
		}
		return source.NewHTTPLoader(source.HTTPConfig{
			BaseURL: cfg.SourceBaseURL,
			Tables:  planTablePaths(plan),
		}), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.SourceKind)
	}
}

// planTablePaths derives the HTTP request paths for every table the plan
// references.
func planTablePaths(plan *config.Plan) map[string]string {
	paths := map[string]string{
		plan.ValueTable:  "/" + plan.ValueTable + ".json",
		plan.MetricTable: "/" + plan.MetricTable + ".json",
	}
	for _, rule := range plan.Prepare {
		if _, ok := paths[rule.Table]; !ok {
			paths[rule.Table] = "/" + rule.Table + ".json"
		}
	}
	return paths
}

// buildStaging picks the snapshot provider for this run. Explicit
// configuration wins; otherwise the registry decides by estimated size.
// "none" disables stage snapshots.
func buildStaging(ctx context.Context, cfg *config.RunnerConfig, store objstore.ObjectStore, values *dataset.Table) (staging.Provider, error) {
	if cfg.StagingProvider == "none" {
		return nil, nil
	}
	registry := staging.NewRegistry(
		staging.NewMemoryProvider(0),
		staging.NewDiskProvider(cfg.StagingDir),
	)
	if store != nil {
		objProvider, err := objstore.NewSnapshotProvider(ctx, store, cfg.ArtifactBucket)
		if err != nil {
			return nil, err
		}
		registry.Register(objProvider)
	}

	// Rough per-row estimate; only the order of magnitude matters.
	estimated := int64(values.Len()) * 256
	return registry.SelectProvider(cfg.StagingProvider, estimated, 0)
}

func buildLedger(ctx context.Context, cfg *config.RunnerConfig) (runlog.Ledger, error) {
	if cfg.LedgerDSN == "" {
		return runlog.NewNop(), nil
	}
	return runlog.NewPostgresLedger(ctx, cfg.LedgerDSN)
}

// writeOutputs persists per-stage parquet artifacts and warehouse tables.
// Returned URLs are indexed by stage position for the ledger.
func writeOutputs(ctx context.Context, cfg *config.RunnerConfig, plan *config.Plan, store objstore.ObjectStore, runID string, result *rateio.Result, logger *zap.Logger) ([]string, error) {
	urls := make([]string, len(result.Outputs))

	if store != nil {
		if err := store.EnsureBucket(ctx, cfg.ArtifactBucket); err != nil {
			return nil, err
		}
		writer := sink.NewParquetWriter(store, cfg.ArtifactBucket, cfg.ArtifactPrefix)
		for i, out := range result.Outputs {
			url, err := writer.WriteStage(ctx, runID, i+1, out)
			if err != nil {
				return nil, err
			}
			urls[i] = url
			logger.Info("stage artifact written", zap.Int("stage", i+1), zap.String("url", url))
		}
		url, err := writer.WriteFinal(ctx, runID, result.Final)
		if err != nil {
			return nil, err
		}
		logger.Info("final artifact written", zap.String("url", url))
	}

	if cfg.WarehouseDSN != "" {
		warehouse, err := sink.NewWarehouse(sink.WarehouseConfig{DSN: cfg.WarehouseDSN})
		if err != nil {
			return nil, err
		}
		defer warehouse.Close()
		if err := warehouse.Ping(ctx); err != nil {
			return nil, fmt.Errorf("warehouse ping: %w", err)
		}
		for i, out := range result.Outputs {
			table := plan.Writers.StageTable(i + 1)
			inserted, err := warehouse.Replace(ctx, table, out)
			if err != nil {
				return nil, err
			}
			logger.Info("warehouse table replaced", zap.String("table", table), zap.Int64("rows", inserted))
		}
		if _, err := warehouse.Replace(ctx, plan.Writers.FinalTable, result.Final); err != nil {
			return nil, err
		}
	}

	return urls, nil
}
