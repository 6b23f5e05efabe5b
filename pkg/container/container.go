// Package container is an in-process service container. Services are
// installed with the names of the services they depend on and started
// asynchronously, each once all of its dependencies are up.
package container

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/engine"
)

// State is the lifecycle state of an installed service.
type State string

const (
	StateWaiting  State = "waiting"
	StateStarting State = "starting"
	StateUp       State = "up"
	StateFailed   State = "failed"
	StateRemoved  State = "removed"
)

// Container runs services in dependency order.
type Container struct {
	mu       sync.Mutex
	services map[string]*handle
	seq      uint64
	logger   zerolog.Logger

	// late stops services removed before they finished starting.
	late sync.WaitGroup
}

// handle is an installed service.
type handle struct {
	name  string
	deps  []*handle
	seq   uint64
	state State
	err   error

	service engine.Service
	cancel  context.CancelFunc
	settled chan struct{}
	done    chan struct{}

	onUp     []func()
	onFailed []func(error)
}

func (h *handle) Name() string { return h.name }

// New creates an empty container.
func New(logger zerolog.Logger) *Container {
	return &Container{
		services: make(map[string]*handle),
		logger:   logger.With().Str("component", "container").Logger(),
	}
}

// Install implements engine.ServiceContainer. Every dependency must already be
// installed. The service starts in the background once its dependencies are
// up; a failed dependency fails it without calling the factory.
func (c *Container) Install(name string, dependencies []string, factory engine.ServiceFactory) (engine.ServiceHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.services[name]; exists {
		return nil, fmt.Errorf("service %s is already installed", name)
	}
	deps := make([]*handle, 0, len(dependencies))
	for _, dep := range dependencies {
		d, ok := c.services[dep]
		if !ok {
			return nil, fmt.Errorf("service %s depends on %s, which is not installed", name, dep)
		}
		deps = append(deps, d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.seq++
	h := &handle{
		name:    name,
		deps:    deps,
		seq:     c.seq,
		state:   StateWaiting,
		cancel:  cancel,
		settled: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.services[name] = h
	go c.run(ctx, h, factory)

	c.logger.Debug().Str("service", name).Strs("dependencies", dependencies).Msg("Service installed")
	return h, nil
}

func (c *Container) run(ctx context.Context, h *handle, factory engine.ServiceFactory) {
	defer close(h.done)

	for _, dep := range h.deps {
		select {
		case <-dep.settled:
		case <-ctx.Done():
			c.settle(h, nil, ctx.Err())
			return
		}
		c.mu.Lock()
		err := dep.err
		c.mu.Unlock()
		if err != nil {
			c.settle(h, nil, fmt.Errorf("dependency %s failed: %w", dep.name, err))
			return
		}
	}

	c.mu.Lock()
	h.state = StateStarting
	c.mu.Unlock()

	svc, err := factory(ctx)
	if err == nil {
		if err = svc.Start(ctx); err != nil {
			svc = nil
		}
	}
	c.settle(h, svc, err)
}

func (c *Container) settle(h *handle, svc engine.Service, err error) {
	c.mu.Lock()
	h.service = svc
	h.err = err
	if err != nil {
		h.state = StateFailed
	} else {
		h.state = StateUp
	}
	onUp, onFailed := h.onUp, h.onFailed
	h.onUp, h.onFailed = nil, nil
	close(h.settled)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Str("service", h.name).Msg("Service failed")
		for _, fn := range onFailed {
			fn(err)
		}
		return
	}
	c.logger.Debug().Str("service", h.name).Msg("Service up")
	for _, fn := range onUp {
		fn()
	}
}

// AddListener implements engine.ServiceContainer.
func (c *Container) AddListener(sh engine.ServiceHandle, onUp func(), onFailed func(error)) {
	h, ok := sh.(*handle)
	if !ok {
		onFailed(fmt.Errorf("service %s was not installed by this container", sh.Name()))
		return
	}

	c.mu.Lock()
	select {
	case <-h.settled:
	default:
		h.onUp = append(h.onUp, onUp)
		h.onFailed = append(h.onFailed, onFailed)
		c.mu.Unlock()
		return
	}
	err := h.err
	c.mu.Unlock()

	if err != nil {
		onFailed(err)
	} else {
		onUp()
	}
}

// Remove implements engine.ServiceContainer. A service still waiting or
// starting is cancelled; a running service is stopped. The service is
// forgotten at once, even when Stop fails. When ctx expires before a start
// in progress returns, the service is stopped in the background as soon as
// it does.
func (c *Container) Remove(ctx context.Context, sh engine.ServiceHandle) error {
	c.mu.Lock()
	h, ok := c.services[sh.Name()]
	if !ok || engine.ServiceHandle(h) != sh {
		c.mu.Unlock()
		return fmt.Errorf("service %s is not installed", sh.Name())
	}
	var dependents []string
	for _, other := range c.services {
		for _, dep := range other.deps {
			if dep == h {
				dependents = append(dependents, other.name)
			}
		}
	}
	delete(c.services, h.name)
	c.mu.Unlock()

	if len(dependents) > 0 {
		sort.Strings(dependents)
		c.logger.Warn().Str("service", h.name).Strs("dependents", dependents).
			Msg("Removing service with installed dependents")
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		c.late.Add(1)
		go func() {
			defer c.late.Done()
			<-h.done
			if err := c.stop(context.Background(), h); err != nil {
				c.logger.Warn().Err(err).Str("service", h.name).Msg("Late stop failed")
			}
		}()
		return fmt.Errorf("service %s did not finish starting, it will be stopped when it does: %w",
			h.name, ctx.Err())
	}
	return c.stop(ctx, h)
}

// stop stops the service of a removed handle, if it started.
func (c *Container) stop(ctx context.Context, h *handle) error {
	c.mu.Lock()
	svc := h.service
	h.service = nil
	h.state = StateRemoved
	c.mu.Unlock()

	if svc == nil {
		return nil
	}
	if err := svc.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop service %s: %w", h.name, err)
	}
	c.logger.Debug().Str("service", h.name).Msg("Service removed")
	return nil
}

// State returns the state of the named service.
func (c *Container) State(name string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.services[name]
	if !ok {
		return "", false
	}
	return h.state, true
}

// Services returns the names of installed services in install order.
func (c *Container) Services() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names()
}

// Running returns the names of services that are up, sorted.
func (c *Container) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, h := range c.services {
		if h.state == StateUp {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Container) names() []string {
	list := make([]*handle, 0, len(c.services))
	for _, h := range c.services {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]string, len(list))
	for i, h := range list {
		out[i] = h.name
	}
	return out
}

// Close removes every service, most recently installed first, waits for late
// stops and returns the first error encountered.
func (c *Container) Close(ctx context.Context) error {
	c.mu.Lock()
	names := c.names()
	c.mu.Unlock()

	var first error
	for i := len(names) - 1; i >= 0; i-- {
		c.mu.Lock()
		h, ok := c.services[names[i]]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := c.Remove(ctx, h); err != nil && first == nil {
			first = err
		}
	}

	stopped := make(chan struct{})
	go func() {
		c.late.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		if first == nil {
			first = fmt.Errorf("services still starting at close: %w", ctx.Err())
		}
	}
	return first
}
