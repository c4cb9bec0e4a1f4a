// opsctl exercises the client-side sequence cache against a running
// Opsboard API: it reseeds a team's scope from the server's high-water
// mark, then prints the next short IDs the client would assign while
// offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"opsboard/api/internal/config"
	"opsboard/api/internal/seqcache"
)

func main() {
	cfg := config.Load()

	var (
		apiURL = flag.String("api", getenv("OPSBOARD_API_URL", "http://localhost:8686"), "Opsboard API base URL")
		token  = flag.String("token", os.Getenv("OPSBOARD_TOKEN"), "bearer token for the high-water endpoint")
		teamID = flag.String("team", "", "team scope to activate")
		take   = flag.Int("take", 1, "how many short IDs to take")
	)
	flag.Parse()

	if *teamID == "" {
		log.Fatal("opsctl: -team is required")
	}

	// A broken local store is not fatal: the cache degrades to
	// starting every scope at 1. The interface stays nil on failure so
	// the cache sees an absent store, not a typed nil.
	var cacheStore seqcache.Store
	if sqliteStore, err := seqcache.OpenSQLite(cfg.SeqCachePath); err != nil {
		log.Printf("opsctl: open %s: %v (continuing without persistence)", cfg.SeqCachePath, err)
	} else {
		cacheStore = sqliteStore
		defer sqliteStore.Close()
	}
	cache := seqcache.New(cacheStore)

	probe := seqcache.NewProbe(cache, &seqcache.HTTPHighWater{
		BaseURL: *apiURL,
		Token:   *token,
	}, cfg.SeqCacheBlockSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	probe.Activate(ctx, *teamID)
	probe.Wait()

	if next, ok := cache.Peek(*teamID); ok {
		fmt.Printf("scope %s seeded, next short ID %d\n", *teamID, next)
	} else {
		fmt.Printf("scope %s not seeded, starting from 1\n", *teamID)
	}

	for i := 0; i < *take; i++ {
		fmt.Printf("took %d\n", cache.TakeNext(*teamID))
	}
	cache.EnforceCapacity()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
