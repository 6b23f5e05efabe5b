package subsystem

import (
	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/transform"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// CurrentVersion is the model version the registry describes.
var CurrentVersion = schema.V(1, 4)

// Versions returns every supported model version, oldest first.
func Versions() []schema.Version {
	return []schema.Version{
		schema.V(1, 0),
		schema.V(1, 1),
		schema.V(1, 2),
		schema.V(1, 3),
		schema.V(1, 4),
	}
}

// Transformers returns the transformers linking adjacent model versions.
//
//	1.0 -> 1.1  transport lock-timeout and container statistics-enabled introduced
//	1.1 -> 1.2  file-store dir renamed to path
//	1.2 -> 1.3  module introduced on containers and caches
//	1.3 -> 1.4  distributed-cache virtual-nodes converted to segments,
//	            cache statistics-enabled introduced
func Transformers() []transform.Transformer {
	containerAndCaches := append([]string{ContainerType}, CacheTypes...)
	return []transform.Transformer{
		transform.NewRuleTransformer(schema.V(1, 0), schema.V(1, 1),
			transform.Introduce{Types: []string{TransportType}, Attribute: "lock-timeout", Default: value.Long(240000)},
			transform.Introduce{Types: []string{ContainerType}, Attribute: "statistics-enabled", Default: value.Bool(false)},
		),
		transform.NewRuleTransformer(schema.V(1, 1), schema.V(1, 2),
			transform.Rename{Types: []string{FileStoreType}, From: "dir", To: "path"},
		),
		transform.NewRuleTransformer(schema.V(1, 2), schema.V(1, 3),
			transform.Introduce{Types: containerAndCaches, Attribute: "module"},
		),
		transform.NewRuleTransformer(schema.V(1, 3), schema.V(1, 4),
			transform.Convert{Types: []string{DistributedCacheType}, From: "virtual-nodes", To: "segments",
				Ratio: SegmentsPerVirtualNode},
			transform.Introduce{Types: CacheTypes, Attribute: "statistics-enabled", Default: value.Bool(false)},
		),
	}
}

// NewTransforms builds the transformer registry for every supported version.
func NewTransforms(logger zerolog.Logger) (*transform.Registry, error) {
	r := transform.NewRegistry(logger)
	for _, v := range Versions() {
		if err := r.RegisterVersion(v); err != nil {
			return nil, err
		}
	}
	for _, t := range Transformers() {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
