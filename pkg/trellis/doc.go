// Package trellis provides dependency-injected, lifecycle-managed composition
// of independently developed components running inside a single process.
//
// # Resource contexts
//
// A Context is a node in a parent-linked tree and acts as a scoped registry
// of resources: named, typed values that components publish and other
// components discover. Lookups walk the chain from the requesting context
// toward the root, so a child sees everything its ancestors publish while
// siblings stay isolated unless a resource is deliberately propagated.
//
//	root := trellis.NewContext(nil)
//	defer root.Close(nil)
//
//	root.AddResource(pool, "default")
//	pool, err := trellis.Require[*ConnectionPool](root, "default")
//
// Resources can also be published lazily through resource factories. A
// factory registered anywhere in the chain is invoked with the context that
// requests the resource, and the produced value is bound to that requesting
// context, so each scope gets its own instance.
//
// RequestResource blocks until a matching resource appears anywhere in the
// chain, which lets concurrently starting components depend on each other's
// resources without explicit ordering.
//
// # Components
//
// A Component starts in two phases: Prepare runs before the component's
// children start, Start runs after every child's subtree has finished
// starting. Children are declared through an embedded ChildComponents
// registry and instantiated from configuration by StartComponent:
//
//	rootComponent, err := trellis.StartComponent(ctx, root, "app", cfg)
//
// StartComponent instantiates the declared tree synchronously, then starts
// it concurrently: siblings run in parallel, parents wait for their entire
// subtree. The operation is bounded by a startup deadline; when it expires,
// a diagnostic tree showing which components are still starting, and where
// each one is suspended, is logged before the startup is cancelled.
//
// Teardown is handled by the context tree: callbacks registered during
// startup run in reverse registration order when the root context closes,
// regardless of how startup ended.
//
// Run wraps the whole lifecycle for a long-running process: it creates the
// root context, starts the component hierarchy, waits for SIGINT or SIGTERM,
// and closes the root context on the way out.
package trellis
