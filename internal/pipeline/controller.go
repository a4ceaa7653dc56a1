// Package pipeline contains the six processing stages and the controller
// that starts and stops them. Stages coordinate only through the record
// store; stopping and restarting any stage loses no committed work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Stage is one independent processing unit over the record store.
type Stage interface {
	Name() string
	// RunOnce performs one poll, claim, process, write-back cycle and
	// reports how many rows it advanced. Retryable failures that only
	// bumped a row's attempt counter do not count; a zero report makes
	// the controller sleep the poll interval, which is the retry backoff.
	// A returned error means the store is unusable; the controller halts
	// the stage and surfaces the error.
	RunOnce(ctx context.Context) (int, error)
}

type stageEntry struct {
	stage    Stage
	interval time.Duration
	running  bool
	lastErr  string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Controller is the process-wide stage registry. All stages start stopped;
// operators start them explicitly, also after every restart.
type Controller struct {
	mu      sync.Mutex
	log     *slog.Logger
	metrics *stageMetrics
	entries map[string]*stageEntry
	order   []string
}

func NewController(log *slog.Logger) *Controller {
	return &Controller{
		log:     log.With(slog.String("component", "stage-controller")),
		metrics: newStageMetrics(log),
		entries: make(map[string]*stageEntry),
	}
}

// Register adds a stage with its poll interval. Registration order is the
// order Status reports.
func (c *Controller) Register(stage Stage, pollInterval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	c.entries[stage.Name()] = &stageEntry{stage: stage, interval: pollInterval}
	c.order = append(c.order, stage.Name())
}

// Start launches a stage worker. Starting a running stage is a no-op.
func (c *Controller) Start(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return fmt.Errorf("unknown stage %q", name)
	}
	if e.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.lastErr = ""

	go c.run(ctx, e)
	c.log.Info("stage started", slog.String("stage", name))
	return nil
}

// Stop requests cooperative cancellation and waits for the worker to
// return. Cancellation is honored between claim cycles, never mid-write.
func (c *Controller) Stop(name string) error {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown stage %q", name)
	}
	if !e.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	e.running = false
	c.mu.Unlock()
	c.log.Info("stage stopped", slog.String("stage", name))
	return nil
}

// StopAll stops every running stage, used at shutdown.
func (c *Controller) StopAll() {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	c.mu.Unlock()
	for _, name := range names {
		_ = c.Stop(name)
	}
}

// StageStatus is one row of the operator status view.
type StageStatus struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	LastError string `json:"last_error,omitempty"`
}

// Status reports every registered stage in registration order.
func (c *Controller) Status() []StageStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	statuses := make([]StageStatus, 0, len(c.order))
	for _, name := range c.order {
		e := c.entries[name]
		statuses = append(statuses, StageStatus{Name: name, Running: e.running, LastError: e.lastErr})
	}
	return statuses
}

func (c *Controller) run(ctx context.Context, e *stageEntry) {
	defer close(e.done)
	name := e.stage.Name()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := e.stage.RunOnce(ctx)
		if n > 0 {
			c.metrics.processed(ctx, name, n)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Store-level failure: halt this stage and surface the error.
			// The queue keeps growing, which is the operator's signal.
			c.metrics.halted(ctx, name)
			c.log.Error("stage halted", slog.String("stage", name), slog.String("error", err.Error()))
			c.mu.Lock()
			e.running = false
			e.lastErr = err.Error()
			c.mu.Unlock()
			return
		}
		if n > 0 {
			// More work may be waiting; poll again immediately.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.interval):
		}
	}
}
