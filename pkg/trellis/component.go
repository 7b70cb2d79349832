package trellis

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
)

// Component is the two-phase startup contract every component implements.
//
// Prepare is called before the component's children are started, so it is the
// place to add resources the children require. Start is called after every
// child's entire subtree has finished starting, so resources published by the
// children are available.
//
// Resource naming differs between the two phases: resources added while
// preparing always use the name "default" and are visible only to the
// component's own subtree, while resources added while starting propagate one
// level up under the component's alias-derived default name so that sibling
// components can discover them by convention.
type Component interface {
	Prepare(ctx context.Context, cc *ComponentContext) error
	Start(ctx context.Context, cc *ComponentContext) error
}

// BaseComponent provides no-op Prepare and Start implementations so that
// components only implement the phases they care about.
type BaseComponent struct{}

func (BaseComponent) Prepare(ctx context.Context, cc *ComponentContext) error { return nil }
func (BaseComponent) Start(ctx context.Context, cc *ComponentContext) error   { return nil }

// ChildDeclaration describes one not-yet-instantiated child component.
type ChildDeclaration struct {
	Alias  string
	Type   any
	Config map[string]any
}

// ChildComponents is the declarative child registry components embed. Child
// declarations are frozen the moment the component enters the startup
// protocol.
type ChildComponents struct {
	mu       sync.Mutex
	children []ChildDeclaration
	index    map[string]struct{}
	started  bool
}

// AddComponent declares a child component under the given alias. When typ is
// nil, the alias doubles as the component type name. The declared config can
// later be overridden field by field through the "components" section of the
// externally supplied configuration.
func (cc *ChildComponents) AddComponent(alias string, typ any, config map[string]any) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.started {
		return &ValidationError{
			Reason: "child components cannot be added once the component has been started",
		}
	}
	if alias == "" {
		return &ValidationError{Reason: "alias must be a nonempty string"}
	}
	if cc.index == nil {
		cc.index = make(map[string]struct{})
	}
	if _, ok := cc.index[alias]; ok {
		return &ValidationError{
			Reason: fmt.Sprintf("there is already a child component named %q", alias),
		}
	}

	if typ == nil {
		typ = alias
	}
	cc.index[alias] = struct{}{}
	cc.children = append(cc.children, ChildDeclaration{Alias: alias, Type: typ, Config: config})
	return nil
}

// childDeclarer is satisfied by components embedding ChildComponents.
type childDeclarer interface {
	childDeclarations() []ChildDeclaration
	freezeChildren()
}

func (cc *ChildComponents) childDeclarations() []ChildDeclaration {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]ChildDeclaration, len(cc.children))
	copy(out, cc.children)
	return out
}

func (cc *ChildComponents) freezeChildren() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.started = true
}

const (
	statePreparing int32 = iota
	stateStarting
)

// ComponentContext is the context a component receives during its startup. It
// starts out in the preparing state and is flipped to starting by the
// orchestrator right after Prepare returns, before any children start.
type ComponentContext struct {
	*Context

	path        string
	defaultName string
	description string
	supervisor  *Supervisor
	state       atomic.Int32
}

func newComponentContext(parent *Context, component Component, path, defaultName string, sup *Supervisor) *ComponentContext {
	displayPath := path
	if displayPath == "" {
		displayPath = "(root)"
	}
	return &ComponentContext{
		Context:     NewContext(parent),
		path:        path,
		defaultName: defaultName,
		description: fmt.Sprintf("%s (%s)", componentTypeName(component), displayPath),
		supervisor:  sup,
	}
}

// Path returns the dotted alias path of the component this context belongs
// to. The root component has an empty path.
func (cc *ComponentContext) Path() string {
	return cc.path
}

// Description returns a human-readable identification of the component,
// suitable for logs.
func (cc *ComponentContext) Description() string {
	return cc.description
}

// Supervisor returns the task supervisor shared by the whole startup
// operation. Components use it to launch named background tasks whose
// failures surface through the same channel as component startup failures.
func (cc *ComponentContext) Supervisor() *Supervisor {
	return cc.supervisor
}

func (cc *ComponentContext) setStarting() {
	cc.state.Store(stateStarting)
}

func (cc *ComponentContext) preparing() bool {
	return cc.state.Load() == statePreparing
}

// AddResource publishes a resource into the component's own context. While
// the component is preparing, the name is forced to "default" and the
// resource stays within the component's subtree. Once the component is
// starting, the resource additionally propagates one level up into the parent
// context under the alias-derived default name, which is how siblings
// discover each other's resources.
func (cc *ComponentContext) AddResource(value any, name string, opts ...ResourceOption) (*ResourceContainer, error) {
	requested := name
	if cc.preparing() {
		requested = defaultResourceName
	}

	rc, err := cc.Context.AddResource(value, requested, opts...)
	if err != nil {
		return nil, err
	}

	if cc.Context.parent != nil && !cc.preparing() {
		parentName := requested
		if name == "" {
			parentName = cc.defaultName
		}
		// The attribute binding stays local; only the resource itself is
		// made visible to the parent and siblings.
		if _, err := cc.Context.parent.AddResource(value, parentName, WithTypes(rc.types...)); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

// AddResourceFactory mirrors AddResource for resource factories, including
// the propagation rules.
func (cc *ComponentContext) AddResourceFactory(factory FactoryFunc, types []reflect.Type, name string, opts ...ResourceOption) (*ResourceContainer, error) {
	requested := name
	if cc.preparing() {
		requested = defaultResourceName
	}

	rc, err := cc.Context.AddResourceFactory(factory, types, requested, opts...)
	if err != nil {
		return nil, err
	}

	if cc.Context.parent != nil && !cc.preparing() {
		parentName := requested
		if name == "" {
			parentName = cc.defaultName
		}
		if _, err := cc.Context.parent.AddResourceFactory(factory, types, parentName); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

// AddTeardownCallback delegates to the root of the context chain. A
// ComponentContext never accumulates its own teardown list; component
// contexts only live for the duration of startup, so cleanup registered
// through them runs during the root context's single teardown pass, in
// reverse global registration order.
func (cc *ComponentContext) AddTeardownCallback(fn func() error) error {
	return cc.rootContext().AddTeardownCallback(fn)
}

// AddTeardownCallbackWithError delegates to the root of the context chain,
// like AddTeardownCallback.
func (cc *ComponentContext) AddTeardownCallbackWithError(fn func(error) error) error {
	return cc.rootContext().AddTeardownCallbackWithError(fn)
}

func (cc *ComponentContext) rootContext() *Context {
	c := cc.Context
	for c.parent != nil {
		c = c.parent
	}
	return c
}

func componentTypeName(component Component) string {
	t := reflect.TypeOf(component)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// aliasDefaultName derives the default resource name from a component alias:
// the part after the first "/", or "default" when the alias has none.
func aliasDefaultName(alias string) string {
	if i := strings.Index(alias, "/"); i >= 0 {
		return alias[i+1:]
	}
	return defaultResourceName
}
