package subsystem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Service unit roles.
const (
	RoleContainer   = "container"
	RoleTransport   = "transport"
	RoleCache       = "cache"
	RoleRequirement = "transport-requirement"
)

// ContainerUnit names the service of cache container c.
func ContainerUnit(c string) string { return c + "." + RoleContainer }

// TransportUnit names the transport service of cache container c.
func TransportUnit(c string) string { return c + "." + RoleTransport }

// CacheUnit names the service of cache name in container c.
func CacheUnit(c, name string) string { return c + "." + name + "." + RoleCache }

// RequirementUnit names the transport requirement of clustered cache name in container c.
func RequirementUnit(c, name string) string { return c + "." + name + "." + RoleRequirement }

// Deriver maps the configuration tree onto service units and builds their
// services on top of a cache engine.
type Deriver struct {
	registry *schema.Registry
	caches   engine.CacheEngine
	env      value.Environment
	logger   zerolog.Logger
}

// NewDeriver creates a deriver. env resolves expressions when services are built.
func NewDeriver(registry *schema.Registry, caches engine.CacheEngine, env value.Environment, logger zerolog.Logger) *Deriver {
	return &Deriver{
		registry: registry,
		caches:   caches,
		env:      env,
		logger:   logger.With().Str("component", "units").Logger(),
	}
}

// DeriveUnits implements engine.UnitDeriver.
//
// Every container yields a container unit, plus a transport unit when it has
// a transport. Every cache yields a cache unit configured with its stores;
// clustered caches add a transport requirement depending on the container's
// transport, so a clustered cache in a container without transport fails to
// plan with a missing dependency.
func (d *Deriver) DeriveUnits(snap *snapshot.Snapshot) ([]engine.ServiceUnit, error) {
	var units []engine.ServiceUnit
	byName := make(map[string]int)
	entries := snap.Entries()

	for _, e := range entries {
		addr := e.Address
		switch {
		case addr.Type() == ContainerType:
			units = append(units, engine.ServiceUnit{
				Name:     ContainerUnit(addr.Name()),
				Role:     RoleContainer,
				Resource: addr,
				Config:   e.Attributes,
			})

		case addr.Type() == TransportType:
			c := addr.Parent().Name()
			units = append(units, engine.ServiceUnit{
				Name:         TransportUnit(c),
				Role:         RoleTransport,
				Resource:     addr,
				Config:       e.Attributes,
				Dependencies: []string{ContainerUnit(c)},
			})

		case IsCacheType(addr.Type()):
			c := addr.Parent().Name()
			deps := []string{ContainerUnit(c)}
			if addr.Type() != LocalCacheType {
				req := RequirementUnit(c, addr.Name())
				units = append(units, engine.ServiceUnit{
					Name:         req,
					Role:         RoleRequirement,
					Resource:     addr,
					Config:       value.NewObject(),
					Dependencies: []string{TransportUnit(c)},
				})
				deps = append(deps, req)
			}
			units = append(units, engine.ServiceUnit{
				Name:         CacheUnit(c, addr.Name()),
				Role:         RoleCache,
				Resource:     addr,
				Config:       e.Attributes,
				Dependencies: deps,
			})
			byName[CacheUnit(c, addr.Name())] = len(units) - 1

		case IsStoreType(addr.Type()):
			// Entries are in tree order, so the owning cache unit exists.
			cacheAddr := addr.Parent()
			i, ok := byName[CacheUnit(cacheAddr.Parent().Name(), cacheAddr.Name())]
			if !ok {
				return nil, fmt.Errorf("store %s has no owning cache", addr)
			}
			units[i].Config.Set(addr.Type(), value.ObjectValue(e.Attributes))

		default:
			return nil, fmt.Errorf("no service mapping for resource type %s", addr.Type())
		}
	}

	return units, nil
}

// Factory implements engine.UnitDeriver. Expressions in the unit
// configuration are resolved and validated when the service is built.
func (d *Deriver) Factory(unit engine.ServiceUnit) engine.ServiceFactory {
	return func(ctx context.Context) (engine.Service, error) {
		config, err := d.resolve(unit.Resource.Type(), unit.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve configuration of %s: %w", unit.Name, err)
		}
		logger := d.logger.With().Str("unit", unit.Name).Logger()

		switch unit.Role {
		case RoleCache:
			mode := strings.TrimSuffix(unit.Resource.Type(), "-cache")
			cfg, err := d.caches.BuildConfiguration(unit.Resource.Parent().Name(), unit.Resource.Name(), mode, config)
			if err != nil {
				return nil, err
			}
			return &cacheService{caches: d.caches, config: cfg, logger: logger}, nil
		case RoleContainer, RoleTransport, RoleRequirement:
			return &lifecycleService{role: unit.Role, resource: unit.Resource, config: config, logger: logger}, nil
		}
		return nil, fmt.Errorf("unit %s has unknown role %q", unit.Name, unit.Role)
	}
}

// resolve returns a copy of attrs with every expression substituted and
// validated against the definition of resource type key. Folded stores are
// resolved against their own schemas.
func (d *Deriver) resolve(key string, attrs *value.Object) (*value.Object, error) {
	rs, ok := d.registry.Lookup(key)
	if !ok {
		return attrs.Clone(), nil
	}
	out := value.NewObject()
	var rerr error
	attrs.Range(func(name string, v value.Value) bool {
		if IsStoreType(name) && rs.AllowsChild(name) {
			store, err := d.resolve(name, v.AsObject())
			if err != nil {
				rerr = err
				return false
			}
			out.Set(name, value.ObjectValue(store))
			return true
		}
		def, ok := rs.Attribute(name)
		if !ok {
			out.Set(name, v)
			return true
		}
		resolved, err := value.Resolve(v, d.env, def.Type)
		if err != nil {
			rerr = err
			return false
		}
		if v.IsExpression() {
			if err := schema.Validate(resolved, def); err != nil {
				rerr = err
				return false
			}
		}
		out.Set(name, resolved)
		return true
	})
	if rerr != nil {
		return nil, rerr
	}
	return out, nil
}

// lifecycleService backs containers, transports and transport requirements.
// Their configuration is consumed by the caches; starting them only checks
// that it resolves.
type lifecycleService struct {
	role     string
	resource address.Address
	config   *value.Object
	logger   zerolog.Logger
}

func (s *lifecycleService) Start(ctx context.Context) error {
	s.logger.Debug().
		Str("role", s.role).
		Str("resource", s.resource.String()).
		Int("attributes", s.config.Len()).
		Msg("Service started")
	return nil
}

func (s *lifecycleService) Stop(ctx context.Context) error {
	s.logger.Debug().Str("role", s.role).Msg("Service stopped")
	return nil
}

// cacheService runs one cache on the cache engine.
type cacheService struct {
	caches engine.CacheEngine
	config *engine.CacheConfiguration
	logger zerolog.Logger

	mu     sync.Mutex
	handle engine.CacheHandle
}

func (s *cacheService) Start(ctx context.Context) error {
	handle, err := s.caches.StartCache(ctx, s.config)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	s.logger.Info().
		Str("container", s.config.Container).
		Str("cache", s.config.Name).
		Str("mode", s.config.Mode).
		Msg("Cache started")
	return nil
}

func (s *cacheService) Stop(ctx context.Context) error {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()
	if handle == nil {
		return nil
	}
	if err := s.caches.StopCache(ctx, handle); err != nil {
		return err
	}
	s.logger.Info().Str("cache", s.config.Name).Msg("Cache stopped")
	return nil
}
