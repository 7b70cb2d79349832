package trellis

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ComponentFactory constructs a component from its configuration.
type ComponentFactory func(config map[string]any) (Component, error)

// Resolver turns a textual component type reference into a factory. The
// embedding application supplies whatever discovery mechanism it has; the
// default resolver consults the process-wide registry populated through
// RegisterComponent.
type Resolver interface {
	Resolve(ref string) (ComponentFactory, error)
}

var (
	registryMu     sync.RWMutex
	componentTypes = make(map[string]ComponentFactory)
)

// RegisterComponent registers a component factory under a type name, making
// it resolvable from configuration. Registering the same name twice panics;
// registration is a package-initialization concern and a duplicate is a
// programming error.
func RegisterComponent(name string, factory ComponentFactory) {
	if name == "" {
		panic("trellis: RegisterComponent called with an empty name")
	}
	if factory == nil {
		panic("trellis: RegisterComponent called with a nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := componentTypes[name]; ok {
		panic(fmt.Sprintf("trellis: component type %q is already registered", name))
	}
	componentTypes[name] = factory
}

// RegisteredComponents returns the names of all registered component types,
// sorted.
func RegisteredComponents() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(componentTypes))
	for name := range componentTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registryResolver is the default Resolver backed by the process-wide
// component type registry.
type registryResolver struct{}

func (registryResolver) Resolve(ref string) (ComponentFactory, error) {
	registryMu.RLock()
	factory, ok := componentTypes[ref]
	registryMu.RUnlock()
	if !ok {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("no component type registered under %q", ref),
		}
	}
	return factory, nil
}

// resolveComponentType accepts the forms a component type may be declared in:
// a ComponentFactory, an already constructed Component, or a string reference
// handled by the resolver. String references may carry a "/suffix" used for
// alias-derived resource naming; only the part before the slash identifies
// the type.
func resolveComponentType(ref any, resolver Resolver) (ComponentFactory, error) {
	switch v := ref.(type) {
	case ComponentFactory:
		return v, nil
	case func(config map[string]any) (Component, error):
		return v, nil
	case Component:
		return func(map[string]any) (Component, error) { return v, nil }, nil
	case string:
		if v == "" {
			return nil, &ValidationError{Reason: "component type reference must not be empty"}
		}
		name := v
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[:i]
		}
		factory, err := resolver.Resolve(name)
		if err != nil {
			return nil, err
		}
		if factory == nil {
			return nil, &ValidationError{
				Reason: fmt.Sprintf("component type %q resolved to a nil factory", name),
			}
		}
		return factory, nil
	default:
		return nil, &ValidationError{
			Reason: fmt.Sprintf("component type reference must be a string or component factory, not %T", ref),
		}
	}
}
