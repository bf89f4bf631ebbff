package reindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkilian/dicomindex/pkg/types"
)

// Daemon resumes Running operations that no runner in this process owns,
// such as operations left behind by a crash or a shutdown.
type Daemon struct {
	orch     *Orchestrator
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	runs    sync.WaitGroup
}

// NewDaemon creates a resume daemon for orch.
func NewDaemon(orch *Orchestrator) *Daemon {
	return &Daemon{orch: orch, interval: orch.cfg.ResumeInterval}
}

// Start begins the resume loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("reindex: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops the loop, pauses the operations it resumed and waits for their
// in-flight batches.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.runs.Wait()
	d.running = false
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.runOnce(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce launches a runner for every orphaned Running operation.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	ops, err := d.orch.store.ListReindexOperations(ctx, types.OperationRunning)
	if err != nil {
		d.orch.log.Error().Err(err).Msg("failed to list running operations")
		return
	}

	for _, op := range ops {
		if d.orch.running.owns(op.ID) {
			continue
		}
		d.orch.log.Info().Str("operation", op.ID).Msg("resuming reindex operation")

		d.runs.Add(1)
		go func(id string) {
			defer d.runs.Done()
			d.orch.runLogged(ctx, id)
		}(op.ID)
	}
}
