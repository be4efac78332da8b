package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/botadmin/internal/client"
	"github.com/xaenox/botadmin/internal/metrics"
	"github.com/xaenox/botadmin/internal/schema"
	"github.com/xaenox/botadmin/internal/storage"
	"github.com/xaenox/botadmin/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or revert the embedded schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(cmd, func(ctx context.Context, pg *storage.PostgresStorage) error {
			return pg.Migrate(ctx)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(cmd, func(ctx context.Context, pg *storage.PostgresStorage) error {
			return pg.MigrateDown(ctx)
		})
	},
}

var migrateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the embedded migration files",
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := storage.MigrationFiles()
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to the configured engine and disconnect again",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		start := time.Now()
		if err := env.client.Connect(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok (%s)\n", time.Since(start).Round(time.Millisecond))
		return env.client.Disconnect(ctx)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print row counts per model",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		counts, err := env.client.Stats(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tROWS")
		for _, m := range env.client.Schema().Models() {
			fmt.Fprintf(w, "%s\t%d\n", m.Name, counts[m.Name])
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if show, _ := cmd.Flags().GetBool("metrics"); show && env.registry != nil {
			return printMetrics(cmd, env.registry)
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateListCmd)

	statsCmd.Flags().Bool("metrics", false, "Also print the operation metrics collected while counting")
}

type environment struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    storage.Storage
	client   *client.Client
	registry *prometheus.Registry
}

func (e *environment) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close storage", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// setup loads the configuration and builds the logger, the storage engine
// and the client.
func setup(cmd *cobra.Command) (*environment, error) {
	path, _ := cmd.Flags().GetString("config")
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, err
	}

	// Initialize storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
	} else {
		logger.Info("Using PostgreSQL storage",
			zap.String("host", cfg.Database.Host),
			zap.String("dbname", cfg.Database.DBName))
	}
	store := storage.New(cfg.Database.Storage(), schema.Chatbots(), logger)

	env := &environment{cfg: cfg, logger: logger, store: store}
	opts := []client.Option{client.WithTxDefaults(cfg.Transaction.Options())}
	showMetrics, _ := cmd.Flags().GetBool("metrics")
	if cfg.Metrics.Enabled || showMetrics {
		rec := metrics.New(cfg.Metrics.Namespace)
		env.registry = prometheus.NewRegistry()
		if err := rec.Register(env.registry); err != nil {
			return nil, err
		}
		opts = append(opts, client.WithMetrics(rec))
	}
	env.client = client.New(store, logger, opts...)
	return env, nil
}

func withPostgres(cmd *cobra.Command, fn func(ctx context.Context, pg *storage.PostgresStorage) error) error {
	env, err := setup(cmd)
	if err != nil {
		return err
	}
	defer env.close()

	pg, ok := env.store.(*storage.PostgresStorage)
	if !ok {
		return fmt.Errorf("migrations need PostgreSQL, database.use_in_memory is set")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	if err := fn(ctx, pg); err != nil {
		env.logger.Error("Migration failed", zap.Error(err))
		return err
	}
	return nil
}

func printMetrics(cmd *cobra.Command, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	out := cmd.OutOrStdout()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(out, "%s%s %g\n", mf.GetName(), labels, m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				fmt.Fprintf(out, "%s%s count=%d sum=%gs\n", mf.GetName(), labels,
					m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum())
			}
		}
	}
	return nil
}
