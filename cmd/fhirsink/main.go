package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/fhirsink/internal/backfill"
	"github.com/mehmetymw/fhirsink/internal/cdc/postgres"
	"github.com/mehmetymw/fhirsink/internal/config"
	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/dispatch"
	"github.com/mehmetymw/fhirsink/internal/embeddings"
	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/graph"
	"github.com/mehmetymw/fhirsink/internal/pipeline"
	"github.com/mehmetymw/fhirsink/internal/server"
	"github.com/mehmetymw/fhirsink/internal/sink/milvus"
	"github.com/mehmetymw/fhirsink/internal/sink/qdrant"
	"github.com/mehmetymw/fhirsink/internal/stream/kafka"
	"github.com/mehmetymw/fhirsink/internal/vector"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:          "fhirsink",
		Short:        "Persist FHIR change events into vector and graph stores",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (default $CONFIG_PATH)")

	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(vectorCmd())
	rootCmd.AddCommand(backfillCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setup() (config.Config, *zap.Logger, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("config load failed: %w", err)
	}

	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return cfg, nil, fmt.Errorf("invalid log level: %w", err)
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	logger, err := zapConfig.Build()
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Consume change events into the property-graph tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			logger.Info("Starting graph consumer", zap.String("schema", cfg.Database.GraphSchema))
			pool, err := db.NewPool(ctx, cfg.Database, logger)
			if err != nil {
				logger.Fatal("database pool init failed", zap.Error(err))
			}
			defer pool.Close()

			dao := db.NewDao(pool, cfg.Database.GraphSchema, logger)
			reg := dispatch.NewRegistry()
			if err := graph.Register(reg, dao, logger); err != nil {
				logger.Fatal("writer registration failed", zap.Error(err))
			}
			return consume(ctx, cfg, logger, "graph", reg, pool.Stats)
		},
	}
}

func vectorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vector",
		Short: "Consume Observation events into the embedding table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			logger.Info("Initializing embeddings provider",
				zap.String("provider", cfg.Embed.Provider),
				zap.String("model", cfg.Embed.Model),
				zap.Bool("disabled", cfg.Embed.Disabled))
			embedder, err := embeddings.NewProvider(cfg.Embed, logger)
			if err != nil {
				logger.Fatal("embedder init failed", zap.Error(err))
			}
			defer embedder.Close()

			var (
				store vector.Store
				stats server.StatsFunc
			)
			logger.Info("Initializing vector store", zap.String("store", cfg.Vector.Store))
			switch cfg.Vector.Store {
			case "postgres":
				pool, err := db.NewPool(ctx, cfg.Database, logger)
				if err != nil {
					logger.Fatal("database pool init failed", zap.Error(err))
				}
				defer pool.Close()
				store, stats = vector.NewPostgresStore(pool, logger), pool.Stats
			case "milvus":
				store, err = milvus.New(ctx, cfg.Vector.Milvus, logger)
			case "qdrant":
				store, err = qdrant.New(cfg.Vector.Qdrant, logger)
			default:
				err = fmt.Errorf("unknown vector store %q", cfg.Vector.Store)
			}
			if err != nil {
				logger.Fatal("vector store init failed", zap.Error(err))
			}
			defer store.Close()

			transformer := vector.NewTransformer(embedder, cfg.Embed.Normalize, logger)
			reg := dispatch.NewRegistry()
			reg.MustRegister(fhir.KindObservation, vector.NewWriter(transformer, store, logger))
			return consume(ctx, cfg, logger, "vector", reg, stats)
		},
	}
}

// consume runs the consumption loop and the ops server until ctx is done or
// either fails. The source is closed after the loop has stopped.
func consume(ctx context.Context, cfg config.Config, logger *zap.Logger, mode string, reg *dispatch.Registry, stats server.StatsFunc) error {
	src, err := newSource(cfg, logger)
	if err != nil {
		logger.Fatal("source init failed", zap.Error(err))
	}

	reg.Freeze()
	logger.Info("Registered writers", zap.Any("kinds", reg.Kinds()))

	pl := pipeline.New(src, dispatch.NewDispatcher(reg, logger), logger)
	srv := server.New(cfg.HTTP.Addr, mode, pl.Status, stats, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pl.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()

	logger.Info("Shutting down", zap.Uint64("processed", pl.Status().Processed))
	if cerr := src.Close(); cerr != nil {
		logger.Warn("Source close failed", zap.Error(cerr))
	}
	if err != nil {
		logger.Error("Consumer stopped with error", zap.Error(err))
	}
	return err
}

func newSource(cfg config.Config, logger *zap.Logger) (pipeline.Source, error) {
	logger.Info("Initializing source", zap.String("type", cfg.Source.Type))
	switch cfg.Source.Type {
	case "kafka":
		return kafka.NewSource(cfg.Source.Kafka, logger)
	case "postgres":
		return postgres.New(cfg.Source.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

func backfillCmd() *cobra.Command {
	var patients []string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Publish every resource of the given patients from a FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if len(patients) == 0 {
				patients = cfg.Backfill.PatientIDs
			}
			if len(patients) == 0 {
				return fmt.Errorf("no patients to backfill: pass --patient or set backfill.patient_ids")
			}

			pub, err := kafka.NewPublisher(cfg.Backfill.Sink, logger)
			if err != nil {
				logger.Fatal("publisher init failed", zap.Error(err))
			}
			defer pub.Close()

			crawler, err := backfill.New(cfg.Backfill, pub, logger)
			if err != nil {
				logger.Fatal("backfill init failed", zap.Error(err))
			}
			logger.Info("Starting backfill",
				zap.String("fhir_base", cfg.Backfill.FHIRBase),
				zap.Strings("patients", patients))
			if err := crawler.Run(cmd.Context(), patients); err != nil {
				logger.Error("Backfill failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&patients, "patient", nil, "patient id to backfill (repeatable)")
	return cmd
}
