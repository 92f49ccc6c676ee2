// Package cli wires the pipeline into a cobra command tree. Commands build
// their collaborators from configuration in PersistentPreRunE, run, and
// surface failures as coded errors so main can map them to exit statuses.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// RootOptions holds global CLI flags.
type RootOptions struct {
	ConfigPath string
	Env        string
	LogLevel   string
}

// CLIContext carries the loaded configuration and logger through the
// command tree.
type CLIContext struct {
	Config *config.Config
	Logger logging.Logger
}

type cliContextKey struct{}

// GetCLIContext extracts the initialized context from a command. Commands
// call it from RunE, after PersistentPreRunE has populated it.
func GetCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		return nil, errors.New(errors.ErrCodeInternal, "CLI context not initialized")
	}
	return cc, nil
}

// NewRootCommand creates the root cobra command with global flags and all
// subcommands registered.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sbir",
		Short: "sbir — small-business R&D award graph pipeline",
		Long: "sbir ingests SBIR/STTR awards, the supplier registry, federal contract\n" +
			"actions, patent assignments, and the CET taxonomy into a Neo4j property\n" +
			"graph through a content-addressed asset pipeline.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return persistentPreRun(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "config file path (default: SBIR_* environment variables only)")
	pf.StringVarP(&opts.Env, "env", "e", "", "environment overlay (dev, staging, prod)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		NewMaterializeCmd(),
		NewCheckCmd(),
		NewMigrateCmd(),
		NewBenchmarkCmd(),
	)
	return cmd
}

func persistentPreRun(cmd *cobra.Command, opts *RootOptions) error {
	var cfg *config.Config
	var err error
	if opts.ConfigPath == "" {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.Load(opts.ConfigPath, opts.Env)
	}
	if err != nil {
		return err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	log, err := logging.NewLogger(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
	})
	if err != nil {
		return err
	}
	cc := &CLIContext{Config: cfg, Logger: log}
	cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))
	return nil
}

// Execute runs the CLI. The returned error carries an ErrorCode; main maps
// it to a process exit status.
func Execute() error {
	return NewRootCommand().Execute()
}
