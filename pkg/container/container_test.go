package container

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachegrid/cachemgmt/pkg/engine"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type testService struct {
	name     string
	rec      *recorder
	startErr error
	gate     chan struct{}
	// slow holds Start until closed, ignoring cancellation.
	slow chan struct{}
}

func (s *testService) Start(ctx context.Context) error {
	if s.slow != nil {
		<-s.slow
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.startErr != nil {
		return s.startErr
	}
	s.rec.add("start " + s.name)
	return nil
}

func (s *testService) Stop(context.Context) error {
	s.rec.add("stop " + s.name)
	return nil
}

func factory(svc *testService) engine.ServiceFactory {
	return func(context.Context) (engine.Service, error) { return svc, nil }
}

// wait blocks until the service settles and returns its failure, if any.
func wait(t *testing.T, c *Container, h engine.ServiceHandle) error {
	t.Helper()
	done := make(chan error, 1)
	c.AddListener(h, func() { done <- nil }, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("service %s never settled", h.Name())
		return nil
	}
}

func TestContainer_StartsInDependencyOrder(t *testing.T) {
	c := New(zerolog.Nop())
	rec := &recorder{}
	gate := make(chan struct{})

	parent, err := c.Install("web.container", nil, factory(&testService{name: "container", rec: rec, gate: gate}))
	require.NoError(t, err)
	child, err := c.Install("web.users.cache", []string{"web.container"},
		factory(&testService{name: "cache", rec: rec}))
	require.NoError(t, err)

	state, ok := c.State("web.users.cache")
	require.True(t, ok)
	assert.Equal(t, StateWaiting, state)

	close(gate)
	require.NoError(t, wait(t, c, child))
	require.NoError(t, wait(t, c, parent))

	assert.Equal(t, []string{"start container", "start cache"}, rec.list())
	assert.Equal(t, []string{"web.container", "web.users.cache"}, c.Running())
	assert.Equal(t, []string{"web.container", "web.users.cache"}, c.Services())
}

func TestContainer_InstallRejectsUnknownDependencyAndDuplicates(t *testing.T) {
	c := New(zerolog.Nop())
	rec := &recorder{}

	_, err := c.Install("web.users.cache", []string{"web.container"}, factory(&testService{rec: rec}))
	assert.Error(t, err)

	h, err := c.Install("web.container", nil, factory(&testService{name: "container", rec: rec}))
	require.NoError(t, err)
	require.NoError(t, wait(t, c, h))

	_, err = c.Install("web.container", nil, factory(&testService{rec: rec}))
	assert.Error(t, err)
}

func TestContainer_FailurePropagatesToDependents(t *testing.T) {
	c := New(zerolog.Nop())
	rec := &recorder{}
	boom := errors.New("boom")

	parent, err := c.Install("web.container", nil, factory(&testService{rec: rec, startErr: boom}))
	require.NoError(t, err)
	child, err := c.Install("web.users.cache", []string{"web.container"},
		factory(&testService{name: "cache", rec: rec}))
	require.NoError(t, err)

	assert.ErrorIs(t, wait(t, c, parent), boom)
	assert.ErrorIs(t, wait(t, c, child), boom)
	assert.Empty(t, rec.list())

	state, _ := c.State("web.users.cache")
	assert.Equal(t, StateFailed, state)
	assert.Empty(t, c.Running())
}

func TestContainer_FactoryError(t *testing.T) {
	c := New(zerolog.Nop())
	boom := errors.New("bad configuration")

	h, err := c.Install("web.container", nil, func(context.Context) (engine.Service, error) {
		return nil, boom
	})
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, c, h), boom)
}

func TestContainer_ListenerAfterSettleFiresImmediately(t *testing.T) {
	c := New(zerolog.Nop())
	h, err := c.Install("web.container", nil, factory(&testService{rec: &recorder{}}))
	require.NoError(t, err)
	require.NoError(t, wait(t, c, h))

	called := false
	c.AddListener(h, func() { called = true }, func(error) { t.Error("unexpected failure") })
	assert.True(t, called)
}

func TestContainer_RemoveStopsAndCancels(t *testing.T) {
	c := New(zerolog.Nop())
	rec := &recorder{}

	up, err := c.Install("web.container", nil, factory(&testService{name: "container", rec: rec}))
	require.NoError(t, err)
	require.NoError(t, wait(t, c, up))

	hung, err := c.Install("web.users.cache", []string{"web.container"},
		factory(&testService{name: "cache", rec: rec, gate: make(chan struct{})}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Remove(ctx, hung))
	assert.ErrorIs(t, wait(t, c, hung), context.Canceled)

	require.NoError(t, c.Remove(ctx, up))
	assert.Equal(t, []string{"start container", "stop container"}, rec.list())
	assert.Empty(t, c.Services())

	assert.Error(t, c.Remove(ctx, up))
}

func TestContainer_CloseStopsInReverseOrder(t *testing.T) {
	c := New(zerolog.Nop())
	rec := &recorder{}

	a, err := c.Install("web.container", nil, factory(&testService{name: "container", rec: rec}))
	require.NoError(t, err)
	b, err := c.Install("web.transport", []string{"web.container"}, factory(&testService{name: "transport", rec: rec}))
	require.NoError(t, err)
	require.NoError(t, wait(t, c, a))
	require.NoError(t, wait(t, c, b))

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, []string{"start container", "start transport", "stop transport", "stop container"}, rec.list())
}

func TestContainer_RemoveTimeoutStopsLateStart(t *testing.T) {
	c := New(zerolog.Nop())
	rec := &recorder{}
	slow := make(chan struct{})

	h, err := c.Install("web.s.cache", nil, factory(&testService{name: "slow", rec: rec, slow: slow}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, c.Remove(ctx, h))
	assert.Empty(t, c.Services())

	again, err := c.Install("web.s.cache", nil, factory(&testService{name: "fast", rec: rec}))
	require.NoError(t, err)
	require.NoError(t, wait(t, c, again))

	close(slow)
	assert.Eventually(t, func() bool {
		events := rec.list()
		return len(events) == 3 && events[2] == "stop slow"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"web.s.cache"}, c.Running())

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, []string{"start fast", "start slow", "stop slow", "stop fast"}, rec.list())
}
