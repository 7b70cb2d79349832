package trellis

import (
	"fmt"
	"reflect"
	"strings"
)

// FactoryFunc lazily produces a resource for the context that requested it.
// Factories must complete without blocking on the context chain; they run
// inside synchronous resource lookups.
type FactoryFunc func(c *Context) (any, error)

// ResourceContainer holds a resource value or its factory, plus the metadata
// it was registered with. Containers are immutable after creation.
type ResourceContainer struct {
	value   any
	factory FactoryFunc
	types   []reflect.Type
	name    string
	attr    string
}

// Value returns the stored resource value, or nil for a factory container.
func (rc *ResourceContainer) Value() any {
	return rc.value
}

// Types returns the types the resource was registered under.
func (rc *ResourceContainer) Types() []reflect.Type {
	out := make([]reflect.Type, len(rc.types))
	copy(out, rc.types)
	return out
}

// Name returns the logical name of the resource.
func (rc *ResourceContainer) Name() string {
	return rc.name
}

// Attr returns the context attribute the resource is bound to, or "".
func (rc *ResourceContainer) Attr() string {
	return rc.attr
}

// IsFactory reports whether the container holds a resource factory rather
// than a plain value.
func (rc *ResourceContainer) IsFactory() bool {
	return rc.factory != nil
}

// GenerateValue invokes the stored factory with the requesting context and
// publishes the produced value on that context under the container's own
// name, types, and attribute. The factory entry on the declaring context is
// left untouched, so every requesting context materializes its own instance.
func (rc *ResourceContainer) GenerateValue(c *Context) (any, error) {
	if rc.factory == nil {
		return nil, &ValidationError{Reason: "GenerateValue only works for resource factories"}
	}

	value, err := rc.factory(c)
	if err != nil {
		return nil, fmt.Errorf("resource factory for %s failed: %w", rc, err)
	}

	opts := []ResourceOption{WithTypes(rc.types...), withFactoryOrigin()}
	if rc.attr != "" {
		opts = append(opts, WithAttr(rc.attr))
	}
	if _, err := c.AddResource(value, rc.name, opts...); err != nil {
		return nil, err
	}
	return value, nil
}

func (rc *ResourceContainer) String() string {
	names := make([]string, len(rc.types))
	for i, t := range rc.types {
		names[i] = typeName(t)
	}
	kind := "value"
	if rc.IsFactory() {
		kind = "factory"
	}
	return fmt.Sprintf("ResourceContainer(%s, types=[%s], name=%q, attr=%q)",
		kind, strings.Join(names, ", "), rc.name, rc.attr)
}
