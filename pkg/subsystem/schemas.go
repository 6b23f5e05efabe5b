package subsystem

import (
	"fmt"

	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// NewRegistry builds and seals the resource schema registry of the cache
// subsystem at the current model version.
func NewRegistry() (*schema.Registry, error) {
	r := schema.NewRegistry(CurrentVersion)

	if err := r.RegisterRoot(containerSchema()); err != nil {
		return nil, err
	}
	others := []*schema.ResourceSchema{transportSchema()}
	others = append(others, cacheSchemas()...)
	others = append(others, storeSchemas()...)
	for _, s := range others {
		if err := r.Register(s); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", s.Key, err)
		}
	}
	if err := r.Seal(); err != nil {
		return nil, err
	}
	return r, nil
}

func containerSchema() *schema.ResourceSchema {
	children := append([]string{TransportType}, CacheTypes...)
	return schema.NewBuilder(ContainerType).
		Describe("A named group of caches sharing a transport and thread pools.").
		Attribute(str("default-cache", "")).
		Attribute(str("jndi-name", "")).
		Attribute(str("start", "LAZY", "EAGER", "LAZY")).
		Attribute(str("listener-executor", "")).
		Attribute(str("eviction-executor", "")).
		Attribute(str("replication-queue-executor", "")).
		Attribute(schema.AttributeDefinition{
			Name:        "aliases",
			Type:        value.TypeList,
			ElementType: value.TypeString,
			Nullable:    true,
			Mutability:  restart,
		}).
		Attribute(since(str("module", ""), schema.V(1, 3))).
		Attribute(since(immediate(boolean("statistics-enabled", false)), schema.V(1, 1))).
		Children(children...).
		Runtime(true).
		MustBuild()
}

func transportSchema() *schema.ResourceSchema {
	return schema.NewBuilder(TransportType).
		Describe("The group communication transport of a cache container.").
		Attribute(str("stack", "")).
		Attribute(str("cluster", "")).
		Attribute(str("executor", "")).
		Attribute(since(long("lock-timeout", 240000, "min=0"), schema.V(1, 1))).
		Attribute(str("site", "")).
		Attribute(str("rack", "")).
		Attribute(str("machine", "")).
		FixedName(TransportName).
		Runtime(true).
		MustBuild()
}

// cacheSchemas composes the four cache types from fragments.
func cacheSchemas() []*schema.ResourceSchema {
	compose := func(key, description string, capabilities ...schema.Fragment) *schema.ResourceSchema {
		b := schema.NewBuilder(key).
			Describe(description).
			Fragment(baseCacheFragment).
			Fragment(lockingFragment).
			Fragment(evictionFragment).
			Fragment(expirationFragment).
			Fragment(transactionalFragment)
		for _, f := range capabilities {
			b.Fragment(f)
		}
		return b.Children(StoreTypes...).Runtime(true).MustBuild()
	}

	return []*schema.ResourceSchema{
		compose(LocalCacheType, "A cache held by a single node."),
		compose(InvalidationCacheType, "A clustered cache that invalidates entries on other nodes.",
			clusteredFragment),
		compose(ReplicatedCacheType, "A clustered cache replicating every entry to every node.",
			clusteredFragment, sharedStateFragment),
		compose(DistributedCacheType, "A clustered cache storing each entry on a fixed number of owners.",
			clusteredFragment, sharedStateFragment, distributionFragment),
	}
}

func storeSchemas() []*schema.ResourceSchema {
	fileStore := schema.NewBuilder(FileStoreType).
		Describe("A cache store writing entries to the local file system.").
		Fragment(storeFragment).
		Attribute(str("relative-to", "jboss.server.data.dir")).
		Attribute(since(str("path", ""), schema.V(1, 2))).
		FixedName(FileStoreName).
		Runtime(true).
		MustBuild()

	remoteStore := schema.NewBuilder(RemoteStoreType).
		Describe("A cache store backed by a remote cache server.").
		Fragment(storeFragment).
		Attribute(str("cache", "")).
		Attribute(long("socket-timeout", 60000, "min=0")).
		Attribute(boolean("tcp-no-delay", true)).
		Attribute(schema.AttributeDefinition{
			Name:        "remote-servers",
			Type:        value.TypeList,
			ElementType: value.TypeString,
			Mutability:  restart,
			Validator:   nonEmptyList,
		}).
		FixedName(RemoteStoreName).
		Runtime(true).
		MustBuild()

	custom := schema.NewBuilder(CustomStoreType).
		Describe("A cache store implemented by a custom class.").
		Fragment(storeFragment).
		Attribute(schema.AttributeDefinition{
			Name:              "class",
			Type:              value.TypeString,
			Mutability:        restart,
			RejectExpressions: true,
		}).
		Attribute(schema.AttributeDefinition{
			Name:       "properties",
			Type:       value.TypeObject,
			Nullable:   true,
			Mutability: restart,
		}).
		FixedName(CustomStoreName).
		Runtime(true).
		MustBuild()

	return []*schema.ResourceSchema{fileStore, remoteStore, custom}
}
