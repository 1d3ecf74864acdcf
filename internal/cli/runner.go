package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/sbenjam1n/tutorsim/internal/casebook"
	"github.com/sbenjam1n/tutorsim/internal/config"
	"github.com/sbenjam1n/tutorsim/internal/export"
	"github.com/sbenjam1n/tutorsim/internal/generation"
	"github.com/sbenjam1n/tutorsim/internal/logger"
	"github.com/sbenjam1n/tutorsim/internal/orchestrator"
	"github.com/sbenjam1n/tutorsim/internal/prompts"
	"github.com/sbenjam1n/tutorsim/internal/queue"
	"github.com/sbenjam1n/tutorsim/internal/sim"
	"github.com/sbenjam1n/tutorsim/internal/store"
)

// libraryPaths locates the three JSON libraries.
type libraryPaths struct {
	cases    string
	personas string
	students string
}

// runner holds everything shared by the runs of one command.
type runner struct {
	cfg        *config.Config
	log        *logger.Logger
	port       generation.Port
	tmpl       prompts.Set
	lib        *casebook.Library
	sel        *casebook.Selector
	repo       store.Repository
	q          *queue.Queue
	exportLogs bool
	nextSeq    int64
}

// newPort builds one retrying OpenAI-compatible handle per role.
func newPort(c *config.Config, log *logger.Logger) (generation.Router, error) {
	if err := c.RequireAPIKey(); err != nil {
		return nil, err
	}
	policy := generation.RetryPolicy{
		MaxAttempts: c.Simulation.MaxRetries,
		BaseDelay:   c.Simulation.RetryDelay,
		CallTimeout: c.Simulation.CallTimeout,
	}
	router := make(generation.Router, len(sim.Roles))
	for _, role := range sim.Roles {
		backend, err := generation.NewOpenAIBackend(generation.OpenAIConfig{
			BaseURL: c.BaseURL,
			APIKey:  c.APIKey,
			Model:   c.Models[string(role)],
			Timeout: c.Simulation.CallTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%s backend: %w", role, err)
		}
		router[string(role)] = generation.NewRetrying(backend, policy, log.With("role", string(role)))
	}
	return router, nil
}

func newRunner(ctx context.Context, c *config.Config, log *logger.Logger, paths libraryPaths) (*runner, error) {
	tmpl, err := prompts.Load(c.PromptsDir)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	lib, err := casebook.Load(paths.cases, paths.personas, paths.students)
	if err != nil {
		return nil, err
	}
	port, err := newPort(c, log)
	if err != nil {
		return nil, err
	}

	r := &runner{
		cfg:        c,
		log:        log,
		port:       port,
		tmpl:       tmpl,
		lib:        lib,
		sel:        casebook.NewSelector(c.Simulation.Seed),
		exportLogs: true,
	}
	if r.repo, err = openStore(ctx, c); err != nil {
		return nil, err
	}
	if c.Publish {
		rdb, err := queue.ConnectRedis(c.RedisURL)
		if err != nil {
			r.close()
			return nil, err
		}
		r.q = queue.New(rdb)
		if err := r.q.EnsureStream(ctx); err != nil {
			r.close()
			return nil, fmt.Errorf("redis stream setup failed: %w", err)
		}
	}
	return r, nil
}

func (r *runner) close() {
	if r.repo != nil {
		r.repo.Close()
	}
	if r.q != nil {
		r.q.Close()
	}
}

// simulate runs c for rounds rounds and hands the transcript to every
// configured sink. A sink failure is returned after the other sinks ran.
func (r *runner) simulate(ctx context.Context, c sim.Case, rounds int) (*sim.Transcript, error) {
	cast, err := r.sel.Prepare(c, r.lib)
	if err != nil {
		return nil, err
	}
	images, err := casebook.LoadImages(r.cfg.ImagesDir, c.Images, r.log)
	if err != nil {
		return nil, fmt.Errorf("load images for %s: %w", c.ID, err)
	}

	r.nextSeq++
	seq, err := orchestrator.New(r.port, r.tmpl, orchestrator.Setup{
		Case:        c,
		Persona:     cast.Persona,
		Students:    cast.Students,
		Attachments: images,
	}, orchestrator.Options{
		MaxRounds:         rounds,
		MaxReviewAttempts: r.cfg.Simulation.MaxReviewAttempts,
		Width:             r.cfg.Simulation.Concurrency,
		Seed:              r.cfg.Simulation.Seed + r.nextSeq,
	}, r.log)
	if err != nil {
		return nil, err
	}

	t, runErr := seq.Run(ctx)
	if t == nil {
		return nil, runErr
	}
	return t, errors.Join(runErr, r.deliver(ctx, t))
}

// deliver exports, stores and announces t.
func (r *runner) deliver(ctx context.Context, t *sim.Transcript) error {
	var errs []error
	location := ""
	if r.exportLogs {
		dir, err := export.Write(r.cfg.OutputDir, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("export: %w", err))
		} else {
			location = dir
			r.log.Info("transcript exported", "run_id", t.RunID, "dir", dir)
		}
	}
	if r.repo != nil {
		if err := r.repo.SaveTranscript(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("save transcript: %w", err))
		}
	}
	if r.q != nil {
		id, err := r.q.Publish(ctx, queue.NewTranscriptMessage(t, location))
		if err != nil {
			errs = append(errs, fmt.Errorf("publish transcript: %w", err))
		} else {
			r.log.Debug("transcript published", "run_id", t.RunID, "message_id", id)
		}
	}
	return errors.Join(errs...)
}
