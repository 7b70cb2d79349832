package trellis

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"trellis/pkg/logging"
)

// Run starts the component hierarchy and keeps the application running until
// ctx is cancelled or the process receives SIGINT or SIGTERM. The root
// context is created internally and closed on the way out, which runs every
// teardown callback the components registered. When startup fails, the root
// context is closed with the startup error as the cause and the error is
// returned.
func Run(ctx context.Context, component any, config map[string]any, opts ...StartOption) error {
	root := NewContext(nil)

	if _, err := StartComponent(ctx, root, component, config, opts...); err != nil {
		logging.Error("Runner", err, "error during application startup")
		if closeErr := root.Close(err); closeErr != nil && !errors.Is(closeErr, ErrContextClosed) {
			logging.Error("Runner", closeErr, "error closing the root context")
		}
		return err
	}
	logging.Info("Runner", "application started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logging.Info("Runner", "received signal %s, shutting down", sig)
	case <-ctx.Done():
		logging.Info("Runner", "run context cancelled, shutting down")
	}

	if err := root.Close(nil); err != nil && !errors.Is(err, ErrContextClosed) {
		logging.Error("Runner", err, "error closing the root context")
		return err
	}
	logging.Info("Runner", "application stopped")
	return nil
}
