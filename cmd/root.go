package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/landmarkseq/internal/config"
	"github.com/andresmejia3/landmarkseq/internal/log"
	"github.com/andresmejia3/landmarkseq/internal/store"
	"github.com/andresmejia3/landmarkseq/internal/utils"
	"github.com/spf13/cobra"
)

// Options holds the command-line flags shared by the subcommands. Flags that
// were not set on the command line leave the config value in place.
type Options struct {
	InputPath     string
	OutputPath    string
	ModelPath     string
	Engine        string
	Scale         float64
	NthFrame      int
	NumWorkers    int
	Labels        bool
	Thickness     int
	WorkerTimeout string
}

var (
	// DB is the archive connection, opened only by archive subcommands
	DB *store.Store
	// dbURL is the connection string
	dbURL string

	cfgFile  string
	logLevel string

	// cfg is the loaded configuration, before per-command flags
	cfg config.Config
)

// Version is the application version.
const Version = "0.1.0"

// reportedError marks errors whose details were already printed.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

var rootCmd = &cobra.Command{
	Use:           "landmarkseq",
	Short:         "Facial landmark extraction, storage and rendering for image sequences",
	Version:       Version,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		log.Init(cfg.LogOptions())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// resolveDBURL picks the connection string: --db, then the config file,
// then POSTGRES_* environment variables, then a local default.
func resolveDBURL() string {
	if dbURL != "" {
		return dbURL
	}
	if cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/landmarkseq"
}

// applyOptions overlays the flags the user actually set onto base and
// validates the result.
func applyOptions(cmd *cobra.Command, base config.Config, opts Options) (config.Config, error) {
	c := base
	flags := cmd.Flags()
	if flags.Changed("model") {
		c.Model = opts.ModelPath
	}
	if flags.Changed("engine") {
		c.Engine = opts.Engine
	}
	if flags.Changed("scale") {
		c.Scale = opts.Scale
	}
	if flags.Changed("nth-frame") {
		c.NthFrame = opts.NthFrame
	}
	if flags.Changed("workers") {
		c.Render.Workers = opts.NumWorkers
	}
	if flags.Changed("labels") {
		c.Render.Labels = opts.Labels
	}
	if flags.Changed("thickness") {
		c.Render.Thickness = opts.Thickness
	}
	if flags.Changed("worker-timeout") {
		d, err := time.ParseDuration(opts.WorkerTimeout)
		if err != nil {
			return c, fmt.Errorf("invalid worker-timeout: %w", err)
		}
		c.Worker.Timeout = d
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// openDB connects to the archive if no connection is open yet.
func openDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	var err error
	DB, err = store.New(ctx, resolveDBURL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var shown reportedError
		if errors.As(err, &shown) {
			stop()
			os.Exit(1)
		}
		stop()
		utils.Die("Command failed", err, nil)
	}
}

func init() {
	cobra.EnableTraverseRunHooks = true

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a landmarkseq.yaml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for archive commands (default: POSTGRES_* env or postgres://localhost:5432/landmarkseq)")
}
