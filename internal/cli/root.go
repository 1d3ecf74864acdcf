package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/tutorsim/internal/config"
	"github.com/sbenjam1n/tutorsim/internal/logger"
	"github.com/sbenjam1n/tutorsim/internal/queue"
	"github.com/sbenjam1n/tutorsim/internal/store"
)

var (
	cfg     *config.Config
	log     *logger.Logger
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "tutorsim",
		Short: "Multi-agent clinical tutoring simulator",
		Long: `tutorsim runs simulated clinical teaching sessions: a patient, a group of
students, a teacher and two reviewers talk through a case round by round.

Run one case:
  tutorsim run <case-id>

Run a resumable batch:
  tutorsim batch --chunks 4 --chunk 0

Every run is exported to the output directory and, unless the store is
"none", saved for later inspection with 'tutorsim transcript'.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() error {
	defer func() {
		if log != nil {
			log.Sync()
		}
	}()
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML run file overlaid on environment settings")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(transcriptCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(serveCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfgFile != "" {
		if err := cfg.LoadFile(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	log, err = logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the configured repository. It returns nil for the "none"
// store.
func openStore(ctx context.Context, c *config.Config) (store.Repository, error) {
	switch c.Store {
	case config.StorePostgres:
		pg, err := store.Connect(ctx, c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w\nSet TUTORSIM_DATABASE_URL environment variable", err)
		}
		return pg, nil
	case config.StoreSQLite:
		s, err := store.NewSQLite(c.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w\nSet TUTORSIM_SQLITE_PATH environment variable", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

func requireStore(ctx context.Context) (store.Repository, error) {
	repo, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("no transcript store configured (TUTORSIM_STORE=none)")
	}
	return repo, nil
}

func connectQueue() (*queue.Queue, error) {
	rdb, err := queue.ConnectRedis(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w\nSet TUTORSIM_REDIS_URL environment variable", err)
	}
	return queue.New(rdb), nil
}
