package trellis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects lifecycle events across goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) index(event string) int {
	for i, e := range r.all() {
		if e == event {
			return i
		}
	}
	return -1
}

// recordingComponent registers prepare/start events under a label and
// optionally declares children.
type recordingComponent struct {
	ChildComponents
	label string
	rec   *recorder
}

func (c *recordingComponent) Prepare(ctx context.Context, cc *ComponentContext) error {
	c.rec.record("prepare " + c.label)
	return nil
}

func (c *recordingComponent) Start(ctx context.Context, cc *ComponentContext) error {
	c.rec.record("start " + c.label)
	return nil
}

// publishingComponent publishes a string resource from its Start phase.
type publishingComponent struct {
	BaseComponent
	value string
	delay time.Duration
}

func (c *publishingComponent) Start(ctx context.Context, cc *ComponentContext) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := cc.AddResource(c.value, "")
	return err
}

// requestingComponent blocks in Start until a sibling's string resource
// appears, then records it.
type requestingComponent struct {
	BaseComponent
	name string
	got  string
}

func (c *requestingComponent) Start(ctx context.Context, cc *ComponentContext) error {
	value, err := Request[string](ctx, cc.Context, c.name)
	if err != nil {
		return err
	}
	c.got = value
	return nil
}

// failingComponent fails in the named phase.
type failingComponent struct {
	BaseComponent
	phase string
	err   error
}

func (c *failingComponent) Prepare(ctx context.Context, cc *ComponentContext) error {
	if c.phase == "prepare" {
		return c.err
	}
	return nil
}

func (c *failingComponent) Start(ctx context.Context, cc *ComponentContext) error {
	if c.phase == "start" {
		return c.err
	}
	return nil
}

// stalledComponent never finishes starting until cancelled.
type stalledComponent struct {
	BaseComponent
}

func (c *stalledComponent) Start(ctx context.Context, cc *ComponentContext) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStartComponentRequiresOpenContext(t *testing.T) {
	_, err := StartComponent(context.Background(), nil, &BaseComponent{}, nil)
	require.ErrorIs(t, err, ErrNoContext)

	root := NewContext(nil)
	require.NoError(t, root.Close(nil))
	_, err = StartComponent(context.Background(), root, &BaseComponent{}, nil)
	require.ErrorIs(t, err, ErrContextClosed)
}

func TestStartComponentSingle(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	component := &publishingComponent{value: "hello"}
	started, err := StartComponent(context.Background(), root, component, nil)
	require.NoError(t, err)
	assert.Same(t, component, started)

	// The root component's default name is "default", so the resource it
	// published during Start landed on the root context under that name.
	value, err := Require[string](root, "default")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestStartComponentLifecycleOrdering(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	rec := &recorder{}
	parent := &recordingComponent{label: "parent", rec: rec}
	childA := &recordingComponent{label: "a", rec: rec}
	childB := &recordingComponent{label: "b", rec: rec}
	require.NoError(t, parent.AddComponent("a", childA, nil))
	require.NoError(t, parent.AddComponent("b", childB, nil))

	_, err := StartComponent(context.Background(), root, parent, nil)
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 6)
	// The parent prepares before any child does anything, and starts only
	// after both children have fully started.
	assert.Equal(t, "prepare parent", events[0])
	assert.Equal(t, "start parent", events[5])
	assert.Less(t, rec.index("prepare a"), rec.index("start a"))
	assert.Less(t, rec.index("prepare b"), rec.index("start b"))
}

func TestStartComponentSiblingResourceExchange(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	parent := &recordingComponent{label: "root", rec: &recorder{}}
	producer := &publishingComponent{value: "shared", delay: 20 * time.Millisecond}
	consumer := &requestingComponent{name: "a"}
	require.NoError(t, parent.AddComponent("producer/a", producer, nil))
	require.NoError(t, parent.AddComponent("consumer", consumer, nil))

	_, err := StartComponent(context.Background(), root, parent, nil, WithStartTimeout(5*time.Second))
	require.NoError(t, err)

	// The consumer parked in Start until the producer published under the
	// alias-derived name "a", then resumed and finished.
	assert.Equal(t, "shared", consumer.got)
}

func TestStartComponentPrepareFailure(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	boom := errors.New("no database")
	parent := &recordingComponent{label: "root", rec: &recorder{}}
	require.NoError(t, parent.AddComponent("db", &failingComponent{phase: "prepare", err: boom}, nil))

	_, err := StartComponent(context.Background(), root, parent, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "db: preparing component")
}

func TestStartComponentSiblingFailuresAggregate(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	errA := errors.New("a exploded")
	errB := errors.New("b exploded")
	parent := &recordingComponent{label: "root", rec: &recorder{}}
	require.NoError(t, parent.AddComponent("a", &failingComponent{phase: "start", err: errA}, nil))
	require.NoError(t, parent.AddComponent("b", &failingComponent{phase: "start", err: errB}, nil))

	_, err := StartComponent(context.Background(), root, parent, nil, WithStartTimeout(5*time.Second))
	require.Error(t, err)
	// Both real failures surface; neither is masked by the other's
	// cancellation.
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func TestStartComponentFailureCancelsSiblings(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	boom := errors.New("fast failure")
	parent := &recordingComponent{label: "root", rec: &recorder{}}
	require.NoError(t, parent.AddComponent("bad", &failingComponent{phase: "start", err: boom}, nil))
	require.NoError(t, parent.AddComponent("slow", &stalledComponent{}, nil))

	start := time.Now()
	_, err := StartComponent(context.Background(), root, parent, nil, WithStartTimeout(time.Minute))
	require.ErrorIs(t, err, boom)
	// The stalled sibling was cancelled rather than waited out, and its
	// cancellation is not part of the aggregate.
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.NotContains(t, err.Error(), "context canceled")
}

func TestStartComponentConfigDriven(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	var gotGreeting string
	RegisterComponent("start_test_greeter", func(config map[string]any) (Component, error) {
		greeting, _ := config["greeting"].(string)
		return &publishingComponent{value: greeting}, nil
	})
	RegisterComponent("start_test_listener", func(config map[string]any) (Component, error) {
		c := &requestingComponent{name: "greeter"}
		return componentFunc(func(ctx context.Context, cc *ComponentContext) error {
			if err := c.Start(ctx, cc); err != nil {
				return err
			}
			gotGreeting = c.got
			return nil
		}), nil
	})

	config := map[string]any{
		"components": map[string]any{
			"hub/greeter": map[string]any{
				"type":     "start_test_greeter",
				"greeting": "hi there",
			},
			"listener": map[string]any{
				"type": "start_test_listener",
			},
		},
	}

	_, err := StartComponent(context.Background(), root, &recordingComponent{label: "root", rec: &recorder{}},
		config, WithStartTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "hi there", gotGreeting)
}

func TestStartComponentConfigOverridesDeclaredChildren(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	var received map[string]any
	factory := ComponentFactory(func(config map[string]any) (Component, error) {
		received = config
		return &BaseComponent{}, nil
	})

	parent := &recordingComponent{label: "root", rec: &recorder{}}
	require.NoError(t, parent.AddComponent("worker", factory, map[string]any{
		"a": 1,
		"b": map[string]any{"x": 2, "y": 3},
	}))

	config := map[string]any{
		"components": map[string]any{
			"worker": map[string]any{
				"a":   2,
				"b.x": 5,
			},
		},
	}

	_, err := StartComponent(context.Background(), root, parent, config)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": 2,
		"b": map[string]any{"x": 5, "y": 3},
	}, received)
}

func TestStartComponentUnknownType(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	_, err := StartComponent(context.Background(), root, "start_test_no_such_type", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_type")
}

func TestStartComponentCustomResolver(t *testing.T) {
	root := NewContext(nil)
	defer root.Close(nil)

	resolver := resolverFunc(func(ref string) (ComponentFactory, error) {
		if ref != "custom" {
			return nil, fmt.Errorf("unknown type %q", ref)
		}
		return func(map[string]any) (Component, error) {
			return &publishingComponent{value: "resolved"}, nil
		}, nil
	})

	_, err := StartComponent(context.Background(), root, "custom", nil, WithResolver(resolver))
	require.NoError(t, err)

	value, err := Require[string](root, "default")
	require.NoError(t, err)
	assert.Equal(t, "resolved", value)
}

func TestStartComponentTeardownOnRootClose(t *testing.T) {
	root := NewContext(nil)

	var order []string
	var mu sync.Mutex
	record := func(event string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, event)
	}

	parent := &recordingComponent{label: "root", rec: &recorder{}}
	require.NoError(t, parent.AddComponent("a", componentFunc(func(ctx context.Context, cc *ComponentContext) error {
		return cc.AddTeardownCallback(func() error {
			record("teardown a")
			return nil
		})
	}), nil))
	require.NoError(t, parent.AddComponent("b", componentFunc(func(ctx context.Context, cc *ComponentContext) error {
		return cc.AddTeardownCallback(func() error {
			record("teardown b")
			return nil
		})
	}), nil))

	_, err := StartComponent(context.Background(), root, parent, nil)
	require.NoError(t, err)

	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	require.NoError(t, root.Close(nil))
	mu.Lock()
	assert.Len(t, order, 2)
	mu.Unlock()
}

func TestMergeChildDeclarationsOverrideOnly(t *testing.T) {
	component := &recordingComponent{label: "x", rec: &recorder{}}
	declarations, err := mergeChildDeclarations(component, map[string]map[string]any{
		"zeta":  {"type": "custom"},
		"alpha": {},
	})
	require.NoError(t, err)
	require.Len(t, declarations, 2)
	// Override-only children are appended in sorted alias order, with the
	// alias doubling as the type when none is given.
	assert.Equal(t, "alpha", declarations[0].Alias)
	assert.Equal(t, "alpha", declarations[0].Type)
	assert.Equal(t, "zeta", declarations[1].Alias)
	assert.Equal(t, "custom", declarations[1].Type)
}

func TestChildOverridesValidation(t *testing.T) {
	_, err := childOverrides(map[string]any{"components": "nope"}, "db")
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "db: ")

	overrides, err := childOverrides(map[string]any{
		"components": map[string]any{"a": nil, "b": map[string]any{"x": 1}},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, overrides["a"])
	assert.Equal(t, map[string]any{"x": 1}, overrides["b"])

	_, err = childOverrides(map[string]any{
		"components": map[string]any{"a": 42},
	}, "")
	require.ErrorAs(t, err, &validationErr)
}

// componentFunc adapts a start function to the Component interface.
type componentFunc func(ctx context.Context, cc *ComponentContext) error

func (componentFunc) Prepare(ctx context.Context, cc *ComponentContext) error { return nil }
func (f componentFunc) Start(ctx context.Context, cc *ComponentContext) error { return f(ctx, cc) }

// resolverFunc adapts a function to the Resolver interface.
type resolverFunc func(ref string) (ComponentFactory, error)

func (f resolverFunc) Resolve(ref string) (ComponentFactory, error) { return f(ref) }
