// Package cacheengine is an in-memory cache engine. It turns resolved cache
// attributes into validated settings and runs each cache as a segmented map
// with optional FIFO eviction.
package cacheengine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/engine"
	mgmterrors "github.com/cachegrid/cachemgmt/pkg/errors"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// Settings are the cache parameters the engine understands.
type Settings struct {
	Mode             string   `json:"mode" validate:"oneof=local invalidation replicated distributed"`
	EvictionStrategy string   `json:"eviction_strategy" validate:"oneof=NONE UNORDERED FIFO LRU LIRS"`
	MaxEntries       int64    `json:"max_entries" validate:"gte=-1"`
	Owners           int64    `json:"owners" validate:"required_if=Mode distributed,gte=0"`
	Segments         int64    `json:"segments" validate:"required,gte=1"`
	Statistics       bool     `json:"statistics"`
	StoreType        string   `json:"store_type,omitempty" validate:"omitempty,oneof=file-store remote-store store"`
	RemoteServers    []string `json:"remote_servers,omitempty" validate:"required_if=StoreType remote-store,dive,hostname_port"`
	StoreClass       string   `json:"store_class,omitempty" validate:"required_if=StoreType store"`
}

// Evicts reports whether the cache bounds its size.
func (s Settings) Evicts() bool {
	return s.EvictionStrategy != "NONE" && s.MaxEntries > 0
}

var storeTypes = []string{"file-store", "remote-store", "store"}

// Engine implements engine.CacheEngine.
type Engine struct {
	mu       sync.Mutex
	caches   map[string]*Cache
	configs  map[string]*engine.CacheConfiguration
	failures map[string]error
	validate *validator.Validate
	logger   zerolog.Logger
}

// New creates an engine with no running caches.
func New(logger zerolog.Logger) *Engine {
	return &Engine{
		caches:   make(map[string]*Cache),
		configs:  make(map[string]*engine.CacheConfiguration),
		failures: make(map[string]error),
		validate: validator.New(),
		logger:   logger.With().Str("component", "cacheengine").Logger(),
	}
}

func key(container, name string) string { return container + "/" + name }

// FailCache makes every start of the named cache fail with err until
// cleared with a nil err.
func (e *Engine) FailCache(container, name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, key(container, name))
		return
	}
	e.failures[key(container, name)] = err
}

// BuildConfiguration implements engine.CacheEngine.
func (e *Engine) BuildConfiguration(container, name, mode string, attrs *value.Object) (*engine.CacheConfiguration, error) {
	cfg := &engine.CacheConfiguration{
		Container:  container,
		Name:       name,
		Mode:       mode,
		Attributes: attrs.Clone(),
	}
	if _, err := e.settings(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// settings extracts and validates the engine settings of cfg.
func (e *Engine) settings(cfg *engine.CacheConfiguration) (Settings, error) {
	attrs := cfg.Attributes
	s := Settings{
		Mode:             cfg.Mode,
		EvictionStrategy: stringAttr(attrs, "eviction-strategy", "NONE"),
		Segments:         1,
	}

	var err error
	if s.MaxEntries, err = longAttr(attrs, "eviction-max-entries", -1); err != nil {
		return s, err
	}
	if s.Statistics, err = boolAttr(attrs, "statistics-enabled"); err != nil {
		return s, err
	}
	if cfg.Mode == "distributed" {
		if s.Owners, err = longAttr(attrs, "owners", 2); err != nil {
			return s, err
		}
		if s.Segments, err = longAttr(attrs, "segments", 80); err != nil {
			return s, err
		}
	}

	for _, t := range storeTypes {
		store := attrs.Lookup(t)
		if !store.IsDefined() {
			continue
		}
		if s.StoreType != "" {
			return s, mgmterrors.Validation(mgmterrors.CodeInvalidOperation,
				"cache %s has both a %s and a %s", cfg.Name, s.StoreType, t)
		}
		s.StoreType = t
		obj := store.AsObject()
		for _, server := range obj.Lookup("remote-servers").AsList() {
			s.RemoteServers = append(s.RemoteServers, server.AsString())
		}
		s.StoreClass = obj.Lookup("class").AsString()
	}

	if err := e.validate.Struct(s); err != nil {
		return s, mgmterrors.Validation(mgmterrors.CodeConstraintViolation,
			"invalid configuration for cache %s: %v", cfg.Name, err).
			WithDetail("cache", key(cfg.Container, cfg.Name))
	}
	return s, nil
}

// StartCache implements engine.CacheEngine.
func (e *Engine) StartCache(ctx context.Context, cfg *engine.CacheConfiguration) (engine.CacheHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := e.settings(cfg)
	if err != nil {
		return nil, err
	}

	k := key(cfg.Container, cfg.Name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failures[k]; err != nil {
		return nil, fmt.Errorf("cache %s failed to start: %w", k, err)
	}
	if _, running := e.caches[k]; running {
		return nil, fmt.Errorf("cache %s is already running", k)
	}

	c := newCache(k, s)
	e.caches[k] = c
	e.configs[k] = cfg
	e.logger.Debug().
		Str("cache", k).
		Str("mode", s.Mode).
		Int64("segments", s.Segments).
		Int64("max_entries", s.MaxEntries).
		Msg("Cache started")
	return c, nil
}

// StopCache implements engine.CacheEngine.
func (e *Engine) StopCache(ctx context.Context, handle engine.CacheHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[handle.Name()]
	if !ok || engine.CacheHandle(c) != handle {
		return fmt.Errorf("cache %s is not running", handle.Name())
	}
	delete(e.caches, handle.Name())
	delete(e.configs, handle.Name())
	c.clear()
	e.logger.Debug().Str("cache", handle.Name()).Msg("Cache stopped")
	return nil
}

// Cache returns the running cache name of container.
func (e *Engine) Cache(container, name string) (*Cache, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[key(container, name)]
	return c, ok
}

// Configuration returns the configuration a running cache was started with.
func (e *Engine) Configuration(container, name string) (*engine.CacheConfiguration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[key(container, name)]
	return cfg, ok
}

// Caches returns the running caches as container/name, sorted.
func (e *Engine) Caches() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.caches))
	for k := range e.caches {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func stringAttr(attrs *value.Object, name, def string) string {
	v := attrs.Lookup(name)
	if !v.IsDefined() {
		return def
	}
	return v.AsString()
}

func longAttr(attrs *value.Object, name string, def int64) (int64, error) {
	v := attrs.Lookup(name)
	if !v.IsDefined() {
		return def, nil
	}
	n, err := v.AsLong()
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

func boolAttr(attrs *value.Object, name string) (bool, error) {
	v := attrs.Lookup(name)
	if !v.IsDefined() {
		return false, nil
	}
	b, err := v.AsBool()
	if err != nil {
		return false, fmt.Errorf("attribute %s: %w", name, err)
	}
	return b, nil
}
