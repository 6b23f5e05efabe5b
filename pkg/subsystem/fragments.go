package subsystem

import (
	"errors"

	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Resource type keys.
const (
	ContainerType         = "cache-container"
	TransportType         = "transport"
	LocalCacheType        = "local-cache"
	InvalidationCacheType = "invalidation-cache"
	ReplicatedCacheType   = "replicated-cache"
	DistributedCacheType  = "distributed-cache"
	FileStoreType         = "file-store"
	RemoteStoreType       = "remote-store"
	CustomStoreType       = "store"
)

// Fixed instance names of singleton children.
const (
	TransportName   = "jgroups"
	FileStoreName   = "FILE_STORE"
	RemoteStoreName = "REMOTE_STORE"
	CustomStoreName = "STORE"
)

// SegmentsPerVirtualNode converts the legacy virtual-nodes attribute of a
// distributed cache into segments.
const SegmentsPerVirtualNode = 6

var (
	// CacheTypes are the cache resource types in declaration order.
	CacheTypes = []string{LocalCacheType, InvalidationCacheType, ReplicatedCacheType, DistributedCacheType}

	// StoreTypes are the cache store resource types.
	StoreTypes = []string{FileStoreType, RemoteStoreType, CustomStoreType}
)

// IsCacheType reports whether key names a cache resource type.
func IsCacheType(key string) bool {
	for _, t := range CacheTypes {
		if t == key {
			return true
		}
	}
	return false
}

// IsStoreType reports whether key names a store resource type.
func IsStoreType(key string) bool {
	for _, t := range StoreTypes {
		if t == key {
			return true
		}
	}
	return false
}

// restart is the mutability of most cache attributes: the cache and its
// dependents pick the change up when restarted.
const restart = schema.RequiresRestart

func str(name string, def string, allowed ...string) schema.AttributeDefinition {
	d := schema.AttributeDefinition{Name: name, Type: value.TypeString, Mutability: restart, Allowed: allowed}
	if def == "" {
		d.Nullable = true
	} else {
		d.Default = value.String(def)
	}
	return d
}

func long(name string, def int64, constraint string) schema.AttributeDefinition {
	return schema.AttributeDefinition{
		Name:       name,
		Type:       value.TypeLong,
		Default:    value.Long(def),
		Constraint: constraint,
		Mutability: restart,
		Unit:       "MILLISECONDS",
	}
}

func integer(name string, def int32, constraint string) schema.AttributeDefinition {
	return schema.AttributeDefinition{
		Name:       name,
		Type:       value.TypeInt,
		Default:    value.Int(def),
		Constraint: constraint,
		Mutability: restart,
	}
}

func boolean(name string, def bool) schema.AttributeDefinition {
	return schema.AttributeDefinition{Name: name, Type: value.TypeBoolean, Default: value.Bool(def), Mutability: restart}
}

func since(d schema.AttributeDefinition, v schema.Version) schema.AttributeDefinition {
	d.Since = v
	return d
}

func immediate(d schema.AttributeDefinition) schema.AttributeDefinition {
	d.Mutability = schema.Immediate
	return d
}

func describe(d schema.AttributeDefinition, text string) schema.AttributeDefinition {
	d.Description = text
	return d
}

// Cache fragments. Every cache type is composed from the base fragment and
// the capability fragments matching its clustering mode.
var (
	baseCacheFragment = schema.Fragment{
		Name: "cache",
		Attributes: []schema.AttributeDefinition{
			str("start", "LAZY", "EAGER", "LAZY"),
			boolean("batching", false),
			str("indexing", "NONE", "NONE", "LOCAL", "ALL"),
			str("jndi-name", ""),
			since(str("module", ""), schema.V(1, 3)),
			since(immediate(boolean("statistics-enabled", false)), schema.V(1, 4)),
		},
	}

	lockingFragment = schema.Fragment{
		Name: "locking",
		Attributes: []schema.AttributeDefinition{
			str("isolation", "REPEATABLE_READ", "NONE", "READ_UNCOMMITTED", "READ_COMMITTED", "REPEATABLE_READ", "SERIALIZABLE"),
			boolean("striping", false),
			long("acquire-timeout", 15000, "min=0"),
			integer("concurrency-level", 1000, "min=1"),
		},
	}

	evictionFragment = schema.Fragment{
		Name: "eviction",
		Attributes: []schema.AttributeDefinition{
			str("eviction-strategy", "NONE", "NONE", "UNORDERED", "FIFO", "LRU", "LIRS"),
			describe(integer("eviction-max-entries", 10000, "min=-1"),
				"Maximum number of entries before eviction; -1 is unbounded."),
		},
	}

	expirationFragment = schema.Fragment{
		Name: "expiration",
		Attributes: []schema.AttributeDefinition{
			long("expiration-max-idle", -1, "min=-1"),
			long("expiration-lifespan", -1, "min=-1"),
			long("expiration-interval", 60000, "min=-1"),
		},
	}

	transactionalFragment = schema.Fragment{
		Name: "transactional",
		Attributes: []schema.AttributeDefinition{
			str("transaction-mode", "NONE", "NONE", "NON_XA", "NON_DURABLE_XA", "FULL_XA"),
			str("transaction-locking", "OPTIMISTIC", "OPTIMISTIC", "PESSIMISTIC"),
			long("stop-timeout", 30000, "min=0"),
		},
	}

	clusteredFragment = schema.Fragment{
		Name: "clustered",
		Attributes: []schema.AttributeDefinition{
			str("mode", "SYNC", "SYNC", "ASYNC"),
			integer("queue-size", 0, "min=0"),
			long("queue-flush-interval", 10, "min=0"),
			long("remote-timeout", 17500, "min=0"),
		},
	}

	sharedStateFragment = schema.Fragment{
		Name: "shared-state",
		Attributes: []schema.AttributeDefinition{
			boolean("state-transfer-enabled", true),
			long("state-transfer-timeout", 240000, "min=0"),
			integer("state-transfer-chunk-size", 10000, "min=1"),
		},
	}

	distributionFragment = schema.Fragment{
		Name: "distribution",
		Attributes: []schema.AttributeDefinition{
			integer("owners", 2, "min=1"),
			since(integer("segments", 80, "min=1"), schema.V(1, 4)),
			{
				Name:        "virtual-nodes",
				Description: "Deprecated. Number of virtual nodes, stored as segments.",
				Type:        value.TypeInt,
				Nullable:    true,
				Mutability:  restart,
				Constraint:  "min=1",
				Alias:       true,
			},
			long("l1-lifespan", 600000, "min=0"),
		},
	}

	storeFragment = schema.Fragment{
		Name: "store",
		Attributes: []schema.AttributeDefinition{
			boolean("shared", false),
			boolean("preload", false),
			boolean("passivation", true),
			boolean("fetch-state", true),
			boolean("purge", true),
			boolean("singleton", false),
		},
	}
)

func nonEmptyList(v value.Value) error {
	if v.Len() == 0 {
		return errors.New("at least one element is required")
	}
	return nil
}
