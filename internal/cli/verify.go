package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/goliatone/go-identity-map/cache"
	"github.com/goliatone/go-identity-map/internal/scenarios"
	"github.com/goliatone/go-identity-map/pkg/di"
	"github.com/spf13/cobra"
)

// ErrScenariosFailed is returned by verify when at least one scenario fails.
var ErrScenariosFailed = errors.New("scenarios failed")

// VerifyOptions holds the verify command flags.
type VerifyOptions struct {
	ConfigPath  string
	Driver      string
	DSN         string
	ApplySchema bool
	RowCache    bool
	Parallel    int
	Scenarios   []string
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the scenarios against a storage backend",
		Long: `Run the identity map scenarios against the storage named by --config or
--driver/--dsn. Flags override values read from the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&opts.Driver, "driver", di.DriverMemory, "storage driver (memory|sqlite|postgres)")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "database file or connection string")
	cmd.Flags().BoolVar(&opts.ApplySchema, "apply-schema", false, "create the scenario tables first")
	cmd.Flags().BoolVar(&opts.RowCache, "row-cache", false, "read through the committed row cache")
	cmd.Flags().IntVarP(&opts.Parallel, "parallel", "p", 1, "scenarios run at once")
	cmd.Flags().StringSliceVarP(&opts.Scenarios, "scenario", "s", nil, "scenario to run (repeatable, default all)")

	return cmd
}

func runVerify(cmd *cobra.Command, rootOpts *RootOptions, opts *VerifyOptions) error {
	cfg, err := verifyConfig(cmd, opts)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if rootOpts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	ctx := cmd.Context()
	container, err := di.NewContainer(ctx, cfg, di.WithLogger(logger))
	if err != nil {
		return err
	}
	defer container.Close()

	results, err := scenarios.Run(ctx, container.Database(), opts.Parallel, opts.Scenarios...)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), results)
}

func verifyConfig(cmd *cobra.Command, opts *VerifyOptions) (di.Config, error) {
	cfg := di.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := di.LoadConfig(opts.ConfigPath)
		if err != nil {
			return di.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("driver") || opts.ConfigPath == "" {
		cfg.Driver = opts.Driver
	}
	if flags.Changed("dsn") {
		cfg.DSN = opts.DSN
	}
	if flags.Changed("apply-schema") {
		cfg.ApplySchema = opts.ApplySchema
	}
	if opts.RowCache && cfg.RowCache == nil {
		rc := cache.DefaultConfig()
		cfg.RowCache = &rc
	}
	return cfg, cfg.Validate()
}

func report(w io.Writer, results []scenarios.Result) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %-20s %v\n", r.Name, r.Err)
			continue
		}
		fmt.Fprintf(w, "ok   %-20s %s\n", r.Name, r.Duration)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrScenariosFailed, failed, len(results))
	}
	return nil
}
