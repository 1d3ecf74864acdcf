package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sbenjam1n/tutorsim/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored transcripts over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		repo, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("store unreachable: %w", err)
		}

		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.NewHandler(repo, log).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("http server listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
