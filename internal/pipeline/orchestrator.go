package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived background loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Flusher seals whatever input is still in progress. Pipeline implements it.
type Flusher interface {
	Flush(ctx context.Context) int
}

type task struct {
	name string
	r    Runner
}

// Orchestrator supervises the background side of the pipeline: the
// write-behind persister, the cold-storage archiver and any extra loops the
// mode adds (feed monitor, bus feeder, replayer).
type Orchestrator struct {
	persister   *Persister
	archiver    *Archiver
	archiveCron string
	flusher     Flusher
	tasks       []task
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator. persister and archiver may be nil;
// the archiver only runs when archiveCron is set.
func NewOrchestrator(persister *Persister, archiver *Archiver, archiveCron string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		persister:   persister,
		archiver:    archiver,
		archiveCron: archiveCron,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// Add registers an extra loop. It must be called before Run.
func (o *Orchestrator) Add(name string, r Runner) {
	if r != nil {
		o.tasks = append(o.tasks, task{name: name, r: r})
	}
}

// SetFlusher registers the input to seal on shutdown. It must be called
// before Run.
func (o *Orchestrator) SetFlusher(f Flusher) {
	o.flusher = f
}

// Run starts every loop under an errgroup. If any loop returns a
// non-context error, the shared context is cancelled and Run returns it.
//
// Shutdown is ordered: the loops stop first, then the flusher seals the
// in-progress bars, and only then does the persister drain its queue, so
// the last partial minute reaches the stores.
func (o *Orchestrator) Run(ctx context.Context) error {
	tasks := append([]task{}, o.tasks...)
	if o.archiver != nil && o.archiveCron != "" {
		tasks = append(tasks, task{name: "archiver", r: cronRunner{o.archiver, o.archiveCron}})
	}
	loops := len(tasks)
	if o.persister != nil {
		loops++
	}
	o.logger.Info("pipeline orchestrator starting", slog.Int("loops", loops))

	persistCtx, stopPersister := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPersister()
	persisted := make(chan struct{})
	if o.persister != nil {
		go func() {
			defer close(persisted)
			_ = o.persister.Run(persistCtx)
		}()
	} else {
		close(persisted)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			o.logger.Debug("starting loop", slog.String("loop", t.name))
			err := t.r.Run(gctx)
			if err == nil || gctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil // clean shutdown
			}
			return fmt.Errorf("%s: %w", t.name, err)
		})
	}
	if len(tasks) == 0 {
		<-ctx.Done()
	}
	err := g.Wait()

	if o.flusher != nil {
		if n := o.flusher.Flush(context.WithoutCancel(ctx)); n > 0 {
			o.logger.Info("sealed in-progress bars on shutdown", slog.Int("bars", n))
		}
	}
	stopPersister()
	<-persisted

	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

type cronRunner struct {
	a    *Archiver
	expr string
}

func (c cronRunner) Run(ctx context.Context) error { return c.a.RunCron(ctx, c.expr) }
