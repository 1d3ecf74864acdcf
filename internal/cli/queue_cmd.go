package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/tutorsim/internal/queue"
)

var listenConsumer string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show announced and pending transcripts in Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := connectQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		length, pending, err := q.Status(context.Background())
		if err != nil {
			return fmt.Errorf("queue status: %w", err)
		}

		fmt.Printf("Queue Status:\n")
		fmt.Printf("  %s: %d announced, %d pending in %s\n", queue.StreamTranscripts, length, pending, queue.GroupScorers)
		return nil
	},
}

var queueListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Consume transcript announcements and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		q, err := connectQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		fmt.Printf("Listening on %s as %s. Press Ctrl+C to stop.\n", queue.StreamTranscripts, listenConsumer)
		err = q.Consume(ctx, listenConsumer, func(_ context.Context, msg queue.TranscriptMessage) error {
			fmt.Printf("  %s  run=%s case=%s rounds=%d fallbacks=%d  %s\n",
				msg.Event, msg.RunID, msg.CaseID, msg.Rounds, msg.FallbackRounds, msg.Location)
			return nil
		}, func(err error) {
			log.Warn("queue message failed", "error", err.Error())
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	hostname, _ := os.Hostname()
	queueListenCmd.Flags().StringVar(&listenConsumer, "consumer", "listener-"+hostname, "Consumer name within the scorer group")

	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueListenCmd)
}
