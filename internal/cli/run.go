package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runPaths    libraryPaths
	runRounds   int
	runNoExport bool
)

var runCmd = &cobra.Command{
	Use:   "run <case-id>",
	Short: "Simulate one case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := newRunner(ctx, cfg, log, runPaths)
		if err != nil {
			return err
		}
		defer r.close()
		r.exportLogs = !runNoExport

		c, ok := r.lib.Case(args[0])
		if !ok {
			return fmt.Errorf("case %q not found in %s", args[0], runPaths.cases)
		}
		rounds := runRounds
		if rounds <= 0 {
			rounds = cfg.Simulation.MaxRounds
		}

		t, err := r.simulate(ctx, c, rounds)
		if t != nil {
			fmt.Printf("Run %s: case %s, %d round(s), %d turn(s), %d fallback round(s)\n",
				t.RunID, t.Case.ID, t.Rounds, len(t.Turns), t.FallbackRounds())
		}
		return err
	},
}

func addLibraryFlags(cmd *cobra.Command, p *libraryPaths) {
	cmd.Flags().StringVar(&p.cases, "cases", "data/cases.json", "Case library (JSON array)")
	cmd.Flags().StringVar(&p.personas, "personas", "data/personas.json", "Patient persona library (JSON array)")
	cmd.Flags().StringVar(&p.students, "students", "data/students.json", "Student profile library (JSON array)")
}

func init() {
	addLibraryFlags(runCmd, &runPaths)
	runCmd.Flags().IntVar(&runRounds, "rounds", 0, "Number of rounds (default: configured max rounds)")
	runCmd.Flags().BoolVar(&runNoExport, "no-export", false, "Skip writing JSON logs to the output directory")
}
