package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/propdb/internal/jobs"
	"github.com/ajitpratap0/propdb/internal/pipeline"
	"github.com/ajitpratap0/propdb/internal/server"
	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/json"
	"github.com/ajitpratap0/propdb/pkg/logger"
	"github.com/ajitpratap0/propdb/pkg/observability"
	"github.com/ajitpratap0/propdb/pkg/profiling"
	"github.com/ajitpratap0/propdb/pkg/query"
	"github.com/ajitpratap0/propdb/pkg/source"
)

var version = "0.1.0"

// overrides holds flags that replace configuration values when set.
type overrides struct {
	configFile        string
	strategy          string
	pageSize          int
	maxParams         int
	durability        string
	restoreDurability bool
	noVerify          bool
	noPrefetch        bool
	profileDir        string
	logLevel          string
	addr              string
	cacheDir          string
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var o overrides
	root := &cobra.Command{
		Use:   "propdb",
		Short: "propdb - property database to SQLite converter",
		Long: `propdb converts a property database (five compressed JSON arrays of ids,
offsets, associations, attributes and values) into an indexed SQLite store
with a "properties" view, and answers SQL queries against finished stores.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&o.configFile, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("propdb v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	convertCmd := &cobra.Command{
		Use:   "convert <source> <output.sqlite>",
		Short: "Convert a property database into a store",
		Long: `Convert the five input arrays found at <source> into a store at <output.sqlite>.

<source> is a local directory or a URL:
  file:///data/model   s3://bucket/prefix   minio://bucket/prefix
  gs://bucket/prefix   https://host/prefix

Example:
  propdb convert ./model ./model.sqlite --strategy stream`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &o)
			if err != nil {
				return err
			}
			return runConvert(cmd.Context(), cfg, args[0], args[1], o.profileDir)
		},
	}
	convertCmd.Flags().StringVar(&o.strategy, "strategy", "", "Decode strategy: materialize, stream or auto")
	convertCmd.Flags().IntVar(&o.pageSize, "page-size", 0, "Rows per multi-row insert for dictionary tables")
	convertCmd.Flags().IntVar(&o.maxParams, "max-params", 0, "Maximum bound parameters per statement")
	convertCmd.Flags().StringVar(&o.durability, "durability", "", "Durability during the load: fast or safe")
	convertCmd.Flags().BoolVar(&o.restoreDurability, "restore-durability", true, "Re-enable journaling and fsync after the load")
	convertCmd.Flags().BoolVar(&o.noVerify, "no-verify", false, "Skip the validation pass before loading")
	convertCmd.Flags().BoolVar(&o.noPrefetch, "no-prefetch", false, "Read remote inputs on demand instead of downloading them first")
	convertCmd.Flags().StringVar(&o.profileDir, "profile-dir", "", "Write CPU and heap profiles of the conversion to this directory")
	root.AddCommand(convertCmd)

	root.AddCommand(&cobra.Command{
		Use:   "query <store.sqlite> [sql]",
		Short: "Run SQL against a finished store",
		Long: `Run a read-only query against a store and print one JSON object per row.
Without [sql] the default view is listed:

  SELECT dbid, category, name, value FROM properties ORDER BY dbid`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd, &o); err != nil {
				return err
			}
			var q string
			if len(args) == 2 {
				q = args[1]
			}
			return runQuery(cmd.Context(), args[0], q)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &o)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&o.addr, "addr", "", "Listen address")
	serveCmd.Flags().StringVar(&o.cacheDir, "cache-dir", "", "Directory holding stores and job records")
	root.AddCommand(serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and environment, applies the
// flags that were set and initialises the global logger.
func loadConfig(cmd *cobra.Command, o *overrides) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("strategy") {
		cfg.Decode.Strategy = o.strategy
	}
	if flags.Changed("page-size") {
		cfg.Load.PageSize = o.pageSize
		cfg.Decode.PageSize = o.pageSize
	}
	if flags.Changed("max-params") {
		cfg.Load.MaxParams = o.maxParams
	}
	if flags.Changed("durability") {
		cfg.Load.Durability = o.durability
	}
	if flags.Changed("restore-durability") {
		cfg.Load.RestoreDurability = o.restoreDurability
	}
	if flags.Changed("no-verify") {
		cfg.Decode.Verify = !o.noVerify
	}
	if flags.Changed("no-prefetch") {
		cfg.Source.Prefetch = !o.noPrefetch
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if flags.Changed("cache-dir") {
		cfg.Server.CacheDir = o.cacheDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialise logger: %w", err)
	}
	logger.Debug("configuration loaded",
		zap.String("file", o.configFile),
		zap.String("strategy", cfg.Decode.Strategy),
		zap.String("durability", cfg.Load.Durability))
	return cfg, nil
}

func runConvert(ctx context.Context, cfg *config.Config, location, output, profileDir string) error {
	shutdown, err := observability.Init(cfg.Tracing, version, nil)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx = logger.ContextWithJob(ctx, "cli", output)
	log := logger.WithContext(ctx).With(zap.String("component", "propdb-cli"))

	src, err := source.Parse(ctx, location, cfg.Source)
	if err != nil {
		return err
	}
	defer source.Close(src)

	var res pipeline.Result
	convert := func(ctx context.Context) error {
		var err error
		res, err = pipeline.NewConverter(cfg, log).Convert(ctx, src, output)
		return err
	}
	if profileDir != "" {
		_, err = profiling.Run(ctx, profiling.DefaultConfig(profileDir), log, convert)
	} else {
		err = convert(ctx)
	}
	if err != nil {
		return err
	}
	log.Info("store written",
		zap.String("output", res.Output),
		zap.String("strategy", res.Strategy),
		zap.Int64("entities", res.Stats.Entities),
		zap.Int64("attributes", res.Stats.Attributes),
		zap.Int64("values", res.Stats.Values),
		zap.Int64("associations", res.Stats.Associations),
		zap.Duration("duration", res.Duration),
		zap.Float64("associations_per_second", float64(res.Stats.Associations)/res.Duration.Seconds()))
	return nil
}

func runQuery(ctx context.Context, path, q string) error {
	gw, err := query.Open(ctx, path, logger.Get())
	if err != nil {
		return err
	}
	defer gw.Close()

	rows, err := gw.Query(ctx, q)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	shutdown, err := observability.Init(cfg.Tracing, version, nil)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	log := logger.Get()
	manager, err := jobs.NewManager(cfg, log, jobs.Options{})
	if err != nil {
		return err
	}
	defer manager.Close()
	if err := manager.Start(); err != nil {
		return err
	}

	if cfg.Server.AuthToken == "" {
		logger.Warn("API authentication disabled; set server.auth_token to require a bearer token")
	}
	logger.Info("serving job API",
		zap.String("addr", cfg.Server.Addr),
		zap.String("cache_dir", cfg.Server.CacheDir),
		zap.Strings("allowed_schemes", cfg.Server.AllowedSchemes))
	return server.New(cfg.Server, manager, cfg.Tracing.ServiceName, log).ListenAndServe(ctx)
}
