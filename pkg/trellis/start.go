package trellis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"trellis/pkg/logging"
)

// DefaultStartTimeout bounds a whole StartComponent call unless overridden.
const DefaultStartTimeout = 20 * time.Second

// errStartupTimedOut is the cancellation cause installed by the watchdog.
var errStartupTimedOut = errors.New("component startup timed out")

// StartOption configures a StartComponent call.
type StartOption func(*startOptions)

type startOptions struct {
	timeout  time.Duration
	resolver Resolver
}

// WithStartTimeout overrides the startup deadline.
func WithStartTimeout(d time.Duration) StartOption {
	return func(o *startOptions) {
		o.timeout = d
	}
}

// WithoutStartTimeout disables the startup deadline entirely.
func WithoutStartTimeout() StartOption {
	return func(o *startOptions) {
		o.timeout = 0
	}
}

// WithResolver supplies a custom component type resolver for the
// instantiation pass.
func WithResolver(r Resolver) StartOption {
	return func(o *startOptions) {
		o.resolver = r
	}
}

// childInstance is one instantiated, not-yet-started child component.
type childInstance struct {
	alias     string
	component Component
}

// StartComponent instantiates and starts a component hierarchy.
//
// The component argument is the root component's type: a registered type
// name, a ComponentFactory, or an already constructed Component. The config
// may declare nested children through "components" sections, which are
// deep-merged over the children each component declares itself.
//
// Instantiation happens synchronously and surfaces configuration errors
// before anything starts. The start pass then brings the tree up
// concurrently: every component's Prepare runs before its children, all
// siblings start in parallel, and a component's Start runs only once the
// entire subtree below it has finished starting. The whole operation is
// bounded by a deadline (DefaultStartTimeout unless overridden); when it
// expires, a diagnostic tree of the still-starting branches is logged and a
// StartTimeoutError is returned.
//
// An open root context is required; resources the components publish at the
// top level, and all teardown callbacks they register, land on it.
func StartComponent(ctx context.Context, root *Context, component any, config map[string]any, opts ...StartOption) (Component, error) {
	if root == nil {
		return nil, ErrNoContext
	}
	if root.Closed() {
		return nil, ErrContextClosed
	}

	o := startOptions{timeout: DefaultStartTimeout, resolver: registryResolver{}}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := deepCopyMap(config)
	if cfg == nil {
		cfg = make(map[string]any)
	}
	if _, ok := cfg["type"]; !ok {
		cfg["type"] = component
	}

	childrenByPath := make(map[string][]childInstance)
	rootComponent, err := instantiateComponent(cfg, "", childrenByPath, o.resolver)
	if err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sup := NewSupervisor(startCtx)
	if err := root.AddTeardownCallback(func() error {
		// Background tasks components may have spawned are part of the root
		// context's scope; closing it reaps them.
		if err := sup.Shutdown(); err != nil {
			logging.Warn("Orchestrator", "background tasks finished with errors during teardown: %v", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var wd *watchdog
	if o.timeout > 0 {
		wd = newWatchdog(sup, rootComponent, o.timeout, cancel)
		if _, err := sup.Go("component startup watcher", wd.run); err != nil {
			return nil, err
		}
	}

	startErr := startComponentTree(startCtx, sup, root, rootComponent, "", defaultResourceName, childrenByPath)
	if wd != nil {
		wd.stop()
	}

	if cause := context.Cause(startCtx); errors.Is(cause, errStartupTimedOut) {
		return nil, &StartTimeoutError{Timeout: o.timeout, Diagnostic: wd.diagnostic()}
	}

	// Failures from background tasks the components spawned during startup
	// surface through the same channel as component start failures.
	if taskErr := sup.Errors(); taskErr != nil {
		startErr = multierror.Append(startErr, taskErr).ErrorOrNil()
	}
	if startErr != nil {
		cancel(startErr)
		return nil, startErr
	}
	return rootComponent, nil
}

// instantiateComponent recursively builds the component tree from
// configuration without starting anything. Each node's locally declared
// children are merged with the "components" overrides from the configuration
// and materialized depth-first into childrenByPath.
func instantiateComponent(cfg map[string]any, path string, childrenByPath map[string][]childInstance, resolver Resolver) (Component, error) {
	typeRef, ok := cfg["type"]
	if !ok || typeRef == nil {
		return nil, &ValidationError{Reason: pathPrefix(path) + `component configuration is missing "type"`}
	}

	overrides, err := childOverrides(cfg, path)
	if err != nil {
		return nil, err
	}

	factory, err := resolveComponentType(typeRef, resolver)
	if err != nil {
		return nil, fmt.Errorf("%sresolving component type: %w", pathPrefix(path), err)
	}

	componentCfg := deepCopyMap(cfg)
	delete(componentCfg, "type")
	delete(componentCfg, "components")

	component, err := factory(componentCfg)
	if err != nil {
		return nil, fmt.Errorf("%screating component: %w", pathPrefix(path), err)
	}
	if component == nil {
		return nil, &ValidationError{Reason: pathPrefix(path) + "component factory returned nil"}
	}

	declarations, err := mergeChildDeclarations(component, overrides)
	if err != nil {
		return nil, fmt.Errorf("%smerging child component configuration: %w", pathPrefix(path), err)
	}
	children := childrenByPath[path]
	for _, decl := range declarations {
		childCfg := deepCopyMap(decl.Config)
		if childCfg == nil {
			childCfg = make(map[string]any)
		}
		if _, ok := childCfg["type"]; !ok {
			childCfg["type"] = decl.Type
		}

		finalPath := joinPath(path, decl.Alias)
		child, err := instantiateComponent(childCfg, finalPath, childrenByPath, resolver)
		if err != nil {
			return nil, err
		}
		children = append(children, childInstance{alias: decl.Alias, component: child})
	}
	childrenByPath[path] = children

	return component, nil
}

// childOverrides extracts and validates the "components" section of a
// component's configuration.
func childOverrides(cfg map[string]any, path string) (map[string]map[string]any, error) {
	raw, ok := cfg["components"]
	if !ok || raw == nil {
		return nil, nil
	}

	section, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{
			Reason: fmt.Sprintf(`%s"components" must be a mapping, not %T`, pathPrefix(path), raw),
		}
	}

	overrides := make(map[string]map[string]any, len(section))
	for alias, value := range section {
		switch v := value.(type) {
		case nil:
			overrides[alias] = map[string]any{}
		case map[string]any:
			overrides[alias] = v
		default:
			return nil, &ValidationError{
				Reason: fmt.Sprintf("%schild component configuration for %q must be nil or a mapping, not %T",
					pathPrefix(path), alias, value),
			}
		}
	}
	return overrides, nil
}

// mergeChildDeclarations combines a component's own child declarations with
// the external overrides. Declared children keep their declaration order;
// children that exist only in the overrides follow, sorted by alias for
// determinism. The alias doubles as the type for override-only children.
func mergeChildDeclarations(component Component, overrides map[string]map[string]any) ([]ChildDeclaration, error) {
	var declared []ChildDeclaration
	if declarer, ok := component.(childDeclarer); ok {
		declared = declarer.childDeclarations()
		declarer.freezeChildren()
	}

	seen := make(map[string]struct{}, len(declared))
	out := make([]ChildDeclaration, 0, len(declared)+len(overrides))
	for _, decl := range declared {
		seen[decl.Alias] = struct{}{}
		if override, ok := overrides[decl.Alias]; ok {
			merged, err := MergeConfig(decl.Config, override)
			if err != nil {
				return nil, fmt.Errorf("child %q: %w", decl.Alias, err)
			}
			decl.Config = merged
			if typeRef, ok := override["type"]; ok {
				decl.Type = typeRef
			}
		}
		out = append(out, decl)
	}

	extra := make([]string, 0, len(overrides))
	for alias := range overrides {
		if _, ok := seen[alias]; !ok {
			extra = append(extra, alias)
		}
	}
	sort.Strings(extra)
	for _, alias := range extra {
		cfg := overrides[alias]
		typeRef, ok := cfg["type"]
		if !ok || typeRef == nil {
			typeRef = alias
		}
		out = append(out, ChildDeclaration{Alias: alias, Type: typeRef, Config: cfg})
	}
	return out, nil
}

// startComponentTree runs the start pass for one component node: enter its
// ComponentContext, Prepare, start all children concurrently, then Start.
// The ComponentContext is closed on the way out regardless of the outcome.
func startComponentTree(ctx context.Context, sup *Supervisor, parent *Context, component Component, path, defaultName string, childrenByPath map[string][]childInstance) (err error) {
	if declarer, ok := component.(childDeclarer); ok {
		declarer.freezeChildren()
	}

	cc := newComponentContext(parent, component, path, defaultName, sup)
	defer func() {
		if closeErr := cc.Close(err); closeErr != nil && !errors.Is(closeErr, ErrContextClosed) {
			logging.Error("Orchestrator", closeErr, "closing context of %s", cc.Description())
		}
	}()

	logging.Debug("Orchestrator", "preparing %s", cc.Description())
	if err := component.Prepare(ctx, cc); err != nil {
		return fmt.Errorf("%spreparing component: %w", pathPrefix(path), err)
	}
	cc.setStarting()

	if children := childrenByPath[path]; len(children) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		var errs *multierror.Error

		for _, child := range children {
			finalPath := joinPath(path, child.alias)
			childDefault := aliasDefaultName(child.alias)
			taskName := fmt.Sprintf("starting %s (%s)", finalPath, componentTypeName(child.component))
			childComponent := child.component

			g.Go(func() error {
				untrack := sup.trackStartTask(taskName, finalPath, path, componentTypeName(childComponent))
				defer untrack()

				err := startComponentTree(gctx, sup, cc.Context, childComponent, finalPath, childDefault, childrenByPath)
				if err != nil && !isCancellation(err) {
					mu.Lock()
					errs = multierror.Append(errs, err)
					mu.Unlock()
				}
				return err
			})
		}

		if err := g.Wait(); err != nil {
			// Siblings cancelled by the first failure are not part of the
			// aggregate; only real failures are reported.
			if aggregate := errs.ErrorOrNil(); aggregate != nil {
				return aggregate
			}
			return err
		}
	}

	logging.Debug("Orchestrator", "starting %s", cc.Description())
	if err := component.Start(ctx, cc); err != nil {
		return fmt.Errorf("%sstarting component: %w", pathPrefix(path), err)
	}
	return nil
}

func joinPath(path, alias string) string {
	if path == "" {
		return alias
	}
	return path + "." + alias
}

func pathPrefix(path string) string {
	if path == "" {
		return ""
	}
	return path + ": "
}
