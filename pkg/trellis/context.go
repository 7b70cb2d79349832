package trellis

import (
	"context"
	"reflect"
	"regexp"
	"sync"

	"trellis/pkg/logging"
)

const defaultResourceName = "default"

var resourceNameRe = regexp.MustCompile(`^\w+$`)

type resourceKey struct {
	typ  reflect.Type
	name string
}

type teardownEntry struct {
	fn       func(error) error
	wantsErr bool
}

// resourceWaiter is a parked RequestResource call. It is registered on every
// context in the requester's chain and woken through ch whenever a matching
// resource or factory is added to any of them.
type resourceWaiter struct {
	typ  reflect.Type
	name string
	ch   chan struct{}
}

func (w *resourceWaiter) matches(rc *ResourceContainer) bool {
	if rc.name != w.name {
		return false
	}
	for _, t := range rc.types {
		if t == w.typ {
			return true
		}
	}
	return false
}

func (w *resourceWaiter) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Context is a node in a parent-linked tree of scoped resource registries.
// Components publish resources and resource factories into a context; other
// components discover them by walking the chain from their own context toward
// the root.
//
// A context never outlives its ancestors. Its tables are guarded by a mutex
// because a child component's startup task may publish into its parent's
// context while siblings are concurrently reading the chain.
type Context struct {
	parent *Context

	mu              sync.RWMutex
	resources       map[resourceKey]*ResourceContainer
	factories       map[resourceKey]*ResourceContainer
	attrs           map[string]any
	factoriesByAttr map[string]*ResourceContainer
	teardowns       []teardownEntry
	waiters         []*resourceWaiter
	closed          bool
}

// NewContext creates a new context as a child of parent. Pass nil for a root
// context.
func NewContext(parent *Context) *Context {
	return &Context{
		parent:          parent,
		resources:       make(map[resourceKey]*ResourceContainer),
		factories:       make(map[resourceKey]*ResourceContainer),
		attrs:           make(map[string]any),
		factoriesByAttr: make(map[string]*ResourceContainer),
	}
}

// Parent returns the parent context, or nil for a root context.
func (c *Context) Parent() *Context {
	return c.parent
}

// Chain returns the context chain, starting with this context and ending at
// the root.
func (c *Context) Chain() []*Context {
	var chain []*Context
	for ctx := c; ctx != nil; ctx = ctx.parent {
		chain = append(chain, ctx)
	}
	return chain
}

// Closed reports whether Close has been called on this context.
func (c *Context) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ResourceOption configures an AddResource or AddResourceFactory call.
type ResourceOption func(*resourceOptions)

type resourceOptions struct {
	types         []reflect.Type
	attr          string
	factoryOrigin bool
}

// WithTypes registers the resource under the given types instead of the
// runtime type of the value.
func WithTypes(types ...reflect.Type) ResourceOption {
	return func(o *resourceOptions) {
		o.types = types
	}
}

// WithAttr additionally binds the resource to a context attribute, making it
// reachable through Context.Attr from this context's whole subtree.
func WithAttr(attr string) ResourceOption {
	return func(o *resourceOptions) {
		o.attr = attr
	}
}

// withFactoryOrigin marks an add as the materialization of a resource
// factory. A factory may materialize on its own declaring context, so the
// attribute conflict check must not trip on the factory's own entry.
func withFactoryOrigin() ResourceOption {
	return func(o *resourceOptions) {
		o.factoryOrigin = true
	}
}

// AddResource publishes a value into this context. The name defaults to
// "default" when empty. Unless WithTypes is given, the resource is registered
// under the runtime type of the value. Waiters blocked in RequestResource
// anywhere in this context's subtree are notified.
func (c *Context) AddResource(value any, name string, opts ...ResourceOption) (*ResourceContainer, error) {
	var o resourceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		name = defaultResourceName
	}

	if value == nil {
		return nil, &ValidationError{Reason: `"value" must not be nil`}
	}
	if !resourceNameRe.MatchString(name) {
		return nil, &ValidationError{
			Reason: `"name" must be a nonempty string consisting only of alphanumeric characters and underscores`,
		}
	}

	types := o.types
	if len(types) == 0 {
		types = []reflect.Type{reflect.TypeOf(value)}
	}

	rc := &ResourceContainer{value: value, types: types, name: name, attr: o.attr}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrContextClosed
	}
	if o.attr != "" {
		if _, ok := c.attrs[o.attr]; ok {
			c.mu.Unlock()
			return nil, &ResourceConflictError{
				Reason: "this context already has an attribute " + quote(o.attr),
			}
		}
		if _, ok := c.factoriesByAttr[o.attr]; ok && !o.factoryOrigin {
			c.mu.Unlock()
			return nil, &ResourceConflictError{
				Reason: "this context already has a resource factory bound to the attribute " + quote(o.attr),
			}
		}
	}
	for _, t := range types {
		if _, ok := c.resources[resourceKey{t, name}]; ok {
			c.mu.Unlock()
			return nil, &ResourceConflictError{
				Reason: "this context already contains a resource of type " + typeName(t) +
					" using the name " + quote(name),
			}
		}
	}

	for _, t := range types {
		c.resources[resourceKey{t, name}] = rc
	}
	if o.attr != "" {
		c.attrs[o.attr] = value
	}
	waiters := c.matchingWaiters(rc)
	c.mu.Unlock()

	for _, w := range waiters {
		w.wake()
	}
	return rc, nil
}

// AddResourceFactory publishes a resource factory into this context. The
// factory is invoked with whichever context requests the resource, and the
// produced value is bound to that requesting context. At least one type must
// be given. Waiters are notified of the factory registration itself; values
// generated later raise ordinary resource-added notifications on the contexts
// that materialize them.
func (c *Context) AddResourceFactory(factory FactoryFunc, types []reflect.Type, name string, opts ...ResourceOption) (*ResourceContainer, error) {
	var o resourceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		name = defaultResourceName
	}

	if factory == nil {
		return nil, &ValidationError{Reason: `"factory" must not be nil`}
	}
	if !resourceNameRe.MatchString(name) {
		return nil, &ValidationError{
			Reason: `"name" must be a nonempty string consisting only of alphanumeric characters and underscores`,
		}
	}
	if len(types) == 0 {
		return nil, &ValidationError{Reason: `"types" must not be empty`}
	}

	rc := &ResourceContainer{factory: factory, types: types, name: name, attr: o.attr}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrContextClosed
	}
	if o.attr != "" {
		if _, ok := c.factoriesByAttr[o.attr]; ok {
			c.mu.Unlock()
			return nil, &ResourceConflictError{
				Reason: "this context already contains a resource factory for the attribute " + quote(o.attr),
			}
		}
		// Stricter than the factory-table check alone: a literal attribute
		// with the same name would always shadow the factory on this
		// context, so that binding is rejected outright too.
		if _, ok := c.attrs[o.attr]; ok {
			c.mu.Unlock()
			return nil, &ResourceConflictError{
				Reason: "this context already has an attribute " + quote(o.attr),
			}
		}
	}
	for _, t := range types {
		if _, ok := c.factories[resourceKey{t, name}]; ok {
			c.mu.Unlock()
			return nil, &ResourceConflictError{
				Reason: "this context already contains a resource factory for the type " + typeName(t),
			}
		}
	}

	for _, t := range types {
		c.factories[resourceKey{t, name}] = rc
	}
	if o.attr != "" {
		c.factoriesByAttr[o.attr] = rc
	}
	waiters := c.matchingWaiters(rc)
	c.mu.Unlock()

	for _, w := range waiters {
		w.wake()
	}
	return rc, nil
}

// matchingWaiters must be called with c.mu held. It collects the waiters of
// this context that match the added container; the actual wakeup happens
// outside the lock.
func (c *Context) matchingWaiters(rc *ResourceContainer) []*resourceWaiter {
	var matched []*resourceWaiter
	for _, w := range c.waiters {
		if w.matches(rc) {
			matched = append(matched, w)
		}
	}
	return matched
}

// GetResource looks a resource up in the chain of contexts without blocking.
// The lookup has three ordered tiers: a resource stored directly on this
// context, then the nearest factory on the ancestor-or-self chain (which is
// materialized on this context), then the nearest ancestor's resource.
// It returns nil when nothing matches.
func (c *Context) GetResource(typ reflect.Type, name string) (any, error) {
	if name == "" {
		name = defaultResourceName
	}
	if typ == nil {
		return nil, &ValidationError{Reason: `"typ" must not be nil`}
	}

	key := resourceKey{typ, name}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrContextClosed
	}
	if rc, ok := c.resources[key]; ok {
		c.mu.RUnlock()
		return rc.value, nil
	}
	c.mu.RUnlock()

	// Nearest factory in the chain wins over any plain resource further up.
	for _, ctx := range c.Chain() {
		ctx.mu.RLock()
		rc, ok := ctx.factories[key]
		ctx.mu.RUnlock()
		if ok {
			return rc.GenerateValue(c)
		}
	}

	for _, ctx := range c.Chain() {
		ctx.mu.RLock()
		rc, ok := ctx.resources[key]
		ctx.mu.RUnlock()
		if ok {
			return rc.value, nil
		}
	}
	return nil, nil
}

// RequireResource is like GetResource but returns a ResourceNotFoundError
// instead of nil when no matching resource exists.
func (c *Context) RequireResource(typ reflect.Type, name string) (any, error) {
	value, err := c.GetResource(typ, name)
	if err != nil {
		return nil, err
	}
	if value == nil {
		if name == "" {
			name = defaultResourceName
		}
		return nil, &ResourceNotFoundError{Type: typ, Name: name}
	}
	return value, nil
}

// RequestResource is like GetResource except that when the resource is not
// yet available, it blocks until a matching resource or factory is added
// anywhere in the context chain. There is no polling; the call parks on a
// notification channel registered with every context in the chain and is
// only released by a matching add or by ctx cancellation.
func (c *Context) RequestResource(ctx context.Context, typ reflect.Type, name string) (any, error) {
	if name == "" {
		name = defaultResourceName
	}
	if typ == nil {
		return nil, &ValidationError{Reason: `"typ" must not be nil`}
	}

	w := &resourceWaiter{typ: typ, name: name, ch: make(chan struct{}, 1)}
	chain := c.Chain()
	for _, node := range chain {
		node.addWaiter(w)
	}
	defer func() {
		for _, node := range chain {
			node.removeWaiter(w)
		}
	}()

	for {
		value, err := c.GetResource(typ, name)
		if err != nil || value != nil {
			return value, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.ch:
		}
	}
}

func (c *Context) addWaiter(w *resourceWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters = append(c.waiters, w)
}

func (c *Context) removeWaiter(w *resourceWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.waiters {
		if existing == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Attr resolves a context attribute by name. Factories bound to the attribute
// anywhere in the chain take priority over statically bound values and are
// materialized on this context, so repeated lookups return the generated
// value directly.
func (c *Context) Attr(name string) (any, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrContextClosed
	}
	if value, ok := c.attrs[name]; ok {
		c.mu.RUnlock()
		return value, nil
	}
	c.mu.RUnlock()

	for _, ctx := range c.Chain() {
		ctx.mu.RLock()
		rc, ok := ctx.factoriesByAttr[name]
		ctx.mu.RUnlock()
		if ok {
			return rc.GenerateValue(c)
		}
	}

	for _, ctx := range c.Chain()[1:] {
		ctx.mu.RLock()
		value, ok := ctx.attrs[name]
		ctx.mu.RUnlock()
		if ok {
			return value, nil
		}
	}
	return nil, &AttributeNotFoundError{Name: name}
}

// Resources returns containers for resources and factories registered for the
// given type, or for all types when typ is nil.
func (c *Context) Resources(typ reflect.Type, includeParents bool) []*ResourceContainer {
	seen := make(map[*ResourceContainer]struct{})
	var out []*ResourceContainer

	collect := func(ctx *Context) {
		ctx.mu.RLock()
		defer ctx.mu.RUnlock()
		for key, rc := range ctx.resources {
			if typ != nil && key.typ != typ {
				continue
			}
			if _, ok := seen[rc]; !ok {
				seen[rc] = struct{}{}
				out = append(out, rc)
			}
		}
		for key, rc := range ctx.factories {
			if typ != nil && key.typ != typ {
				continue
			}
			if _, ok := seen[rc]; !ok {
				seen[rc] = struct{}{}
				out = append(out, rc)
			}
		}
	}

	if includeParents {
		for _, ctx := range c.Chain() {
			collect(ctx)
		}
	} else {
		collect(c)
	}
	return out
}

// AddTeardownCallback registers a callback to run when this context closes.
// Callbacks run in reverse registration order, so the most recently added
// callback runs first.
func (c *Context) AddTeardownCallback(fn func() error) error {
	return c.addTeardown(teardownEntry{
		fn: func(error) error {
			return fn()
		},
	})
}

// AddTeardownCallbackWithError is like AddTeardownCallback, but the callback
// receives the error that closed the context, or nil when it closed cleanly.
func (c *Context) AddTeardownCallbackWithError(fn func(error) error) error {
	return c.addTeardown(teardownEntry{fn: fn, wantsErr: true})
}

func (c *Context) addTeardown(entry teardownEntry) error {
	if entry.fn == nil {
		return &ValidationError{Reason: `"fn" must not be nil`}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	c.teardowns = append(c.teardowns, entry)
	return nil
}

// Close closes the context and runs the registered teardown callbacks, newest
// first. A failing callback is logged and does not stop the remaining ones.
// Calling Close a second time returns ErrContextClosed.
func (c *Context) Close(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	c.closed = true
	teardowns := c.teardowns
	c.teardowns = nil
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	// Parked RequestResource calls retry their lookup and fail fast against
	// the closed context.
	for _, w := range waiters {
		w.wake()
	}

	for i := len(teardowns) - 1; i >= 0; i-- {
		entry := teardowns[i]
		var err error
		if entry.wantsErr {
			err = entry.fn(cause)
		} else {
			err = entry.fn(nil)
		}
		if err != nil {
			logging.Error("Context", err, "error calling teardown callback")
		}
	}
	return nil
}

func quote(s string) string {
	return "\"" + s + "\""
}

// Get looks up a resource of type T in the chain of contexts. The boolean
// result reports whether a matching resource was found.
func Get[T any](c *Context, name string) (T, bool, error) {
	var zero T
	value, err := c.GetResource(typeOf[T](), name)
	if err != nil || value == nil {
		return zero, false, err
	}
	return value.(T), true, nil
}

// Require looks up a resource of type T and fails with ResourceNotFoundError
// when it is missing.
func Require[T any](c *Context, name string) (T, error) {
	var zero T
	value, err := c.RequireResource(typeOf[T](), name)
	if err != nil {
		return zero, err
	}
	return value.(T), nil
}

// Request looks up a resource of type T, blocking until one becomes available
// in the context chain or ctx is cancelled.
func Request[T any](ctx context.Context, c *Context, name string) (T, error) {
	var zero T
	value, err := c.RequestResource(ctx, typeOf[T](), name)
	if err != nil {
		return zero, err
	}
	return value.(T), nil
}

// TypeOf returns the reflect.Type of T, usable with the reflect-typed Context
// methods. Unlike reflect.TypeOf, it preserves interface types.
func TypeOf[T any]() reflect.Type {
	return typeOf[T]()
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
