package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/cachegrid/cachemgmt/pkg/address"
	"github.com/cachegrid/cachemgmt/pkg/schema"
	"github.com/cachegrid/cachemgmt/pkg/snapshot"
	"github.com/cachegrid/cachemgmt/pkg/stores"
	"github.com/cachegrid/cachemgmt/pkg/value"
)

// ExampleSQLiteStore_SaveSnapshot saves a tree and loads it back.
func ExampleSQLiteStore_SaveSnapshot() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	snap := snapshot.New(schema.V(1, 4))
	snap.Put(address.MustParse("/cache-container=web"), value.NewObject().
		Set("default-cache", value.String("users")))
	if err := store.SaveSnapshot(ctx, snap, 1); err != nil {
		log.Fatal(err)
	}

	latest, generation, err := store.LoadLatest(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(generation, latest.Version, latest.Len())
	// Output: 1 1.4 1
}
