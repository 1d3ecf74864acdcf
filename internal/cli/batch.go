package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/tutorsim/internal/casebook"
)

var (
	batchPaths    libraryPaths
	batchChunks   int
	batchChunk    int
	batchProgress string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Simulate every case of one library chunk, resuming from a progress file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := newRunner(ctx, cfg, log, batchPaths)
		if err != nil {
			return err
		}
		defer r.close()

		progressPath := batchProgress
		if progressPath == "" {
			progressPath = filepath.Join(cfg.OutputDir, fmt.Sprintf("progress_chunk_%d.txt", batchChunk))
		}
		progress, err := casebook.OpenProgress(progressPath)
		if err != nil {
			return err
		}

		sum, err := runBatch(ctx, r, progress, batchChunks, batchChunk)
		fmt.Printf("Chunk %d/%d: %d completed, %d skipped, %d failed, %d already done\n",
			batchChunk, batchChunks, sum.completed, sum.skipped, sum.failed, sum.resumed)
		return err
	},
}

type batchSummary struct {
	completed int
	skipped   int
	failed    int
	resumed   int
}

// runBatch simulates each pending case of the chunk. Cases that cannot be
// cast are skipped; a failed run is logged and the batch moves on. Only a
// cancelled context stops the batch early.
func runBatch(ctx context.Context, r *runner, progress *casebook.Progress, chunks, index int) (batchSummary, error) {
	var sum batchSummary
	cases, offset, err := casebook.Chunk(r.lib.Cases, chunks, index)
	if err != nil {
		return sum, err
	}
	r.log.Info("batch started", "chunk", index, "chunks", chunks, "cases", len(cases), "offset", offset)

	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if progress.Done(c.ID) {
			sum.resumed++
			continue
		}

		rounds := r.sel.PickRounds(r.cfg.Simulation.RoundChoices)
		if rounds == 0 {
			rounds = r.cfg.Simulation.MaxRounds
		}
		_, err := r.simulate(ctx, c, rounds)
		switch {
		case isSelectionError(err):
			r.log.Warn("case skipped", "case_id", c.ID, "error", err.Error())
			sum.skipped++
			continue
		case err != nil && ctx.Err() != nil:
			return sum, err
		case err != nil:
			r.log.Error("case failed", "case_id", c.ID, "error", err.Error())
			sum.failed++
			continue
		}

		if err := progress.Mark(c.ID); err != nil {
			return sum, err
		}
		sum.completed++
	}
	r.log.Info("batch finished", "chunk", index, "completed", sum.completed, "skipped", sum.skipped, "failed", sum.failed)
	return sum, nil
}

func isSelectionError(err error) bool {
	return errors.Is(err, casebook.ErrIncompleteDemographics) ||
		errors.Is(err, casebook.ErrNoPersonaMatch) ||
		errors.Is(err, casebook.ErrNotEnoughStudents) ||
		errors.Is(err, casebook.ErrEmptyLibrary)
}

func init() {
	addLibraryFlags(batchCmd, &batchPaths)
	batchCmd.Flags().IntVar(&batchChunks, "chunks", 1, "Number of chunks the case library is split into")
	batchCmd.Flags().IntVar(&batchChunk, "chunk", 1, "One-based chunk to run")
	batchCmd.Flags().StringVar(&batchProgress, "progress", "", "Progress file (default: <output>/progress_chunk_<n>.txt)")
}
