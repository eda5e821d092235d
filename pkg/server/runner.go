package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poelstra/mhub-sub000/pkg/logging"
)

// Component is a long-running part of a service with its own lifecycle.
// Start blocks until the component stops; Stop asks it to shut down.
type Component struct {
	Name  string
	Start func() error
	Stop  func(ctx context.Context) error
}

// Runner drives a set of components and coordinates graceful shutdown:
// the first component failure, or SIGINT/SIGTERM, stops them all.
type Runner struct {
	logger          logging.Logger
	components      []Component
	ShutdownTimeout time.Duration
}

// NewRunner creates a runner with the default 30s shutdown timeout
func NewRunner(logger logging.Logger) *Runner {
	return &Runner{
		logger:          logger,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Add registers a component with the runner
func (r *Runner) Add(c Component) {
	r.components = append(r.components, c)
}

// Run starts all components and blocks until shutdown completes.
// It returns the first component error, or nil on a clean stop.
func (r *Runner) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var g errgroup.Group
	failed := make(chan error, len(r.components))
	for _, c := range r.components {
		c := c
		g.Go(func() error {
			r.logger.WithField("component", c.Name).Info("Starting component")
			if err := c.Start(); err != nil {
				r.logger.WithError(err).WithField("component", c.Name).Error("Component stopped with error")
				failed <- err
				return err
			}
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case sig := <-quit:
		r.logger.WithField("signal", sig.String()).Info("Shutting down...")
	case err := <-failed:
		r.logger.WithError(err).Error("Component failure, shutting down")
	case err := <-waitErr:
		// All components returned on their own; nothing left to stop.
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.ShutdownTimeout)
	defer cancel()

	// Stop in reverse registration order so frontends drain before backends.
	for i := len(r.components) - 1; i >= 0; i-- {
		c := r.components[i]
		if c.Stop == nil {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			r.logger.WithError(err).WithField("component", c.Name).Warn("Component shutdown error")
		}
	}

	err := <-waitErr
	if err != nil {
		return err
	}
	r.logger.Info("Server stopped")
	return nil
}
