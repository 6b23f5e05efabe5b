package config

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachegrid/cachemgmt/pkg/cacheengine"
	"github.com/cachegrid/cachemgmt/pkg/container"
	"github.com/cachegrid/cachemgmt/pkg/engine"
	"github.com/cachegrid/cachemgmt/pkg/subsystem"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// newTestSubsystem assembles a subsystem with in-process services.
func newTestSubsystem(t *testing.T) *subsystem.Subsystem {
	t.Helper()
	c := container.New(zerolog.Nop())
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	sub, err := subsystem.New(subsystem.Config{
		Container:       c,
		Caches:          cacheengine.New(zerolog.Nop()),
		Environment:     value.MapEnvironment{},
		Logger:          zerolog.Nop(),
		PipelineOptions: []engine.PipelineOption{engine.WithVerifyTimeout(5 * time.Second)},
	})
	if err != nil {
		t.Fatalf("subsystem.New() error = %v", err)
	}
	return sub
}
