package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/tutorsim/internal/config"
	"github.com/sbenjam1n/tutorsim/internal/prompts"
	"github.com/sbenjam1n/tutorsim/internal/store"
)

var initSkipRedis bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize output directories, the transcript store and the Redis stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		for _, dir := range []string{cfg.OutputDir, cfg.PromptsDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}
		fmt.Printf("Output directory: %s\n", cfg.OutputDir)

		if _, err := prompts.Load(cfg.PromptsDir); err != nil {
			fmt.Printf("Prompt templates incomplete in %s: %v\n", cfg.PromptsDir, err)
		} else {
			fmt.Printf("Prompt templates found in %s\n", cfg.PromptsDir)
		}

		if err := initStore(ctx); err != nil {
			return err
		}

		if initSkipRedis || !cfg.Publish {
			fmt.Println("Redis stream setup skipped (publishing disabled)")
		} else {
			fmt.Println("Connecting to Redis...")
			q, err := connectQueue()
			if err != nil {
				return fmt.Errorf("redis connection failed: %w", err)
			}
			defer q.Close()
			if err := q.EnsureStream(ctx); err != nil {
				return fmt.Errorf("redis stream setup failed: %w", err)
			}
			fmt.Println("Redis stream created")
		}

		fmt.Println("\ntutorsim initialized successfully.")
		fmt.Println("Next steps:")
		fmt.Println("  1. Put the prompt templates in", cfg.PromptsDir)
		fmt.Println("  2. Set OPENAI_API_KEY")
		fmt.Println("  3. Run: tutorsim run <case-id>")
		return nil
	},
}

func initStore(ctx context.Context) error {
	switch cfg.Store {
	case config.StorePostgres:
		fmt.Println("Connecting to PostgreSQL...")
		pg, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pg.Close()

		fmt.Println("Running migrations...")
		if err := pg.Migrate(ctx, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Println("PostgreSQL schema created")
	case config.StoreSQLite:
		s, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite setup failed: %w", err)
		}
		defer s.Close()
		fmt.Printf("SQLite store ready at %s\n", cfg.SQLitePath)
	default:
		fmt.Println("Transcript store disabled")
	}
	return nil
}

func init() {
	initCmd.Flags().BoolVar(&initSkipRedis, "skip-redis", false, "Do not create the Redis stream even when publishing is enabled")
}
