package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hollomancer/sbir-analytics-sub004/internal/graph"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/postgres"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

type migrateOptions struct {
	Target   string
	Rollback int
}

// NewMigrateCmd applies schema to the graph database and the run catalog.
func NewMigrateCmd() *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply graph constraints and catalog migrations",
		Long: "Migrate bootstraps the graph schema (constraints, indexes, version\n" +
			"marker) and runs the SQL migrations of the run catalog. --target limits\n" +
			"the operation to one of the two.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cc, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Target, "target", "all", "migration target (graph, catalog, all)")
	f.IntVar(&opts.Rollback, "rollback", 0, "roll back this many catalog migrations instead of applying")
	return cmd
}

func runMigrate(ctx context.Context, cc *CLIContext, opts *migrateOptions) error {
	cfg, log := cc.Config, cc.Logger

	doGraph := opts.Target == "all" || opts.Target == "graph"
	doCatalog := opts.Target == "all" || opts.Target == "catalog"
	if !doGraph && !doCatalog {
		return errors.Newf(errors.ErrCodeInvalidParam, "target %q is not graph, catalog, or all", opts.Target)
	}
	if opts.Rollback > 0 && !doCatalog {
		return errors.New(errors.ErrCodeInvalidParam, "--rollback only applies to the catalog target")
	}

	if doCatalog {
		if opts.Rollback > 0 {
			if err := postgres.RollbackMigrations(cfg.Catalog, opts.Rollback); err != nil {
				return err
			}
			log.Info("catalog migrations rolled back", logging.Int("steps", opts.Rollback))
		} else {
			if err := postgres.RunMigrations(cfg.Catalog); err != nil {
				return err
			}
			log.Info("catalog migrations applied")
		}
	}

	if doGraph {
		d, err := graph.NewDriver(cfg.Graph, log)
		if err != nil {
			return err
		}
		defer d.Close()
		sm := graph.NewSchemaManager(d, log)
		if err := sm.Bootstrap(ctx); err != nil {
			return err
		}
		if err := sm.EnsureVersion(ctx); err != nil {
			return err
		}
		log.Info("graph schema bootstrapped", logging.String("version", graph.SchemaVersion))
	}
	return nil
}
