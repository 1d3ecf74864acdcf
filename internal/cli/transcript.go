package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/tutorsim/internal/export"
	"github.com/sbenjam1n/tutorsim/internal/sim"
)

var (
	transcriptLimit int
	transcriptRole  string
	transcriptOut   string
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Inspect stored transcripts",
}

var transcriptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		repo, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		runs, err := repo.ListRuns(ctx, transcriptLimit)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("  (none)")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("  %s  case=%s rounds=%d turns=%d fallbacks=%d  %s\n",
				r.RunID, r.CaseID, r.Rounds, r.Turns, r.FallbackRounds, r.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var transcriptShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a run's dialogue, optionally as one role sees it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := parseRole(transcriptRole)
		if err != nil {
			return err
		}

		ctx := context.Background()
		repo, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		turns, err := repo.Turns(ctx, args[0], role)
		if err != nil {
			return fmt.Errorf("load turns: %w", err)
		}
		printTurns(os.Stdout, turns)
		return nil
	},
}

var transcriptExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Write a stored run's JSON logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		repo, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()

		t, err := repo.GetRun(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		out := transcriptOut
		if out == "" {
			out = cfg.OutputDir
		}
		dir, err := export.Write(out, t)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %s to %s\n", t.RunID, dir)
		return nil
	},
}

// parseRole accepts an empty string (no filter) or a known role.
func parseRole(s string) (sim.Role, error) {
	if s == "" {
		return "", nil
	}
	role := sim.Role(strings.ToLower(s))
	for _, r := range sim.Roles {
		if r == role {
			return role, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func printTurns(w io.Writer, turns []sim.Turn) {
	round := 0
	for _, t := range turns {
		if t.Round != round {
			round = t.Round
			fmt.Fprintf(w, "\n=== Round %d ===\n", round)
		}
		status := ""
		if t.Status != "" {
			status = " [" + string(t.Status) + "]"
		}
		fmt.Fprintf(w, "[%s] %s%s: %s\n", t.Visibility, t.Speaker, status, t.Content)
	}
}

func init() {
	transcriptListCmd.Flags().IntVar(&transcriptLimit, "limit", 20, "Maximum number of runs")
	transcriptShowCmd.Flags().StringVar(&transcriptRole, "role", "", "Show only turns this role may read")
	transcriptExportCmd.Flags().StringVar(&transcriptOut, "out", "", "Output directory (default: configured output directory)")

	transcriptCmd.AddCommand(transcriptListCmd)
	transcriptCmd.AddCommand(transcriptShowCmd)
	transcriptCmd.AddCommand(transcriptExportCmd)
}
