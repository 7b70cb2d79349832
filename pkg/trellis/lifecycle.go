package trellis

import (
	"context"
	"sync"
)

// Lifecycle is a two-phase start/stop object. Stop receives the error that
// closed the owning context, or nil when it closed cleanly, and is guaranteed
// to run at most once.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(err error) error
}

// TeardownRegistrar accepts teardown callbacks. Both Context and
// ComponentContext satisfy it; the latter delegates registration to the root
// of its chain.
type TeardownRegistrar interface {
	AddTeardownCallbackWithError(fn func(error) error) error
}

// AddLifecycle starts the lifecycle object and registers its Stop as a
// teardown callback on the context, so the object is torn down during the
// context's close pass in reverse registration order. When Start fails,
// nothing is registered and the error is returned.
func AddLifecycle(ctx context.Context, c TeardownRegistrar, l Lifecycle) error {
	if err := l.Start(ctx); err != nil {
		return err
	}

	var once sync.Once
	return c.AddTeardownCallbackWithError(func(cause error) error {
		var err error
		once.Do(func() {
			err = l.Stop(cause)
		})
		return err
	})
}
