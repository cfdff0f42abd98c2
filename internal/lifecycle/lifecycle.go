// Package lifecycle runs a set of ordered components: started in
// declaration order, stopped in reverse, with a hard deadline on shutdown.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// shutdownDeadline is how long graceful stop may take before the process
// force-exits.
const shutdownDeadline = 30 * time.Second

// Component is one long-running part of a process. Run blocks until the
// context is cancelled or the component fails fatally.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner starts components in order and tears them down in reverse when a
// signal arrives or any component fails.
type Runner struct {
	log        zerolog.Logger
	components []Component
}

func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{log: log.With().Str("component", "lifecycle").Logger()}
}

// Add appends one component. Start order is Add order.
func (r *Runner) Add(name string, run func(ctx context.Context) error) {
	r.components = append(r.components, Component{Name: name, Run: run})
}

// Run blocks until SIGINT/SIGTERM or a component failure, then cancels all
// components and waits for them under the hard deadline.
func (r *Runner) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Components get per-component cancel funcs so stop order can be the
	// reverse of start order.
	type running struct {
		name   string
		cancel context.CancelFunc
		done   chan struct{}
	}
	failed := make(chan error, len(r.components))
	started := make([]running, 0, len(r.components))

	for _, c := range r.components {
		compCtx, compCancel := context.WithCancel(ctx)
		done := make(chan struct{})
		started = append(started, running{name: c.Name, cancel: compCancel, done: done})

		go func(c Component, compCtx context.Context, done chan struct{}) {
			defer close(done)
			if err := c.Run(compCtx); err != nil && compCtx.Err() == nil {
				r.log.Error().Err(err).Str("name", c.Name).Msg("Component failed")
				failed <- err
			}
		}(c, compCtx, done)
		r.log.Info().Str("name", c.Name).Msg("Component started")
	}

	var cause error
	select {
	case sig := <-sigCh:
		r.log.Info().Str("signal", sig.String()).Msg("Shutdown signal")
	case cause = <-failed:
	case <-ctx.Done():
		cause = ctx.Err()
	}

	// Reverse stop with a hard deadline.
	deadline := time.After(shutdownDeadline)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := len(started) - 1; i >= 0; i-- {
			started[i].cancel()
			select {
			case <-started[i].done:
				r.log.Info().Str("name", started[i].name).Msg("Component stopped")
			case <-deadline:
				r.log.Warn().Str("name", started[i].name).Msg("Shutdown deadline hit, abandoning")
				return
			}
		}
	}()
	wg.Wait()
	return cause
}
