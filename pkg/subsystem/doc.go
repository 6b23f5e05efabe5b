// Package subsystem defines the cache management model: the resource
// schemas of cache containers, their transport, the four cache types and
// their stores; the transformers between model versions 1.0 and 1.4; the
// handler overrides; and the mapping of the tree onto runtime services.
//
// # Resource Tree
//
//	cache-container=<name>
//	├── transport=jgroups
//	├── local-cache=<name>
//	├── invalidation-cache=<name>
//	├── replicated-cache=<name>
//	└── distributed-cache=<name>
//	    ├── file-store=FILE_STORE
//	    ├── remote-store=REMOTE_STORE
//	    └── store=STORE
//
// Cache schemas are composed from fragments. Every cache carries the cache,
// locking, eviction, expiration and transactional fragments; clustered caches
// add clustered, replicated and distributed caches add shared-state, and
// distributed caches add distribution.
//
// # Services
//
// Each container yields a <container>.container unit and, when it has a
// transport, a <container>.transport unit. Each cache yields a
// <container>.<cache>.cache unit whose configuration includes its store.
// Clustered caches also depend on a <container>.<cache>.transport-requirement
// unit, which depends on the transport.
//
// # Example
//
//	sub, err := subsystem.New(subsystem.Config{
//		Container: container.New(logger),
//		Caches:    cacheengine.New(logger),
//		Logger:    logger,
//	})
//	if err != nil {
//		return err
//	}
//	res := sub.Pipeline.Execute(ctx, engine.NewOperation(engine.OpAdd,
//		subsystem.ContainerAddress("web"), nil))
package subsystem
