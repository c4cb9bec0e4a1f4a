package seqcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// HighWaterQuerier reads the highest persisted short ID among
// non-deleted matters in a scope from the read model.
type HighWaterQuerier interface {
	HighWater(ctx context.Context, scope string) (int64, error)
}

// Probe keeps the cache from falling behind the server when the client
// switches into a scope. Reseeding is best-effort and fire-and-forget:
// a failed read is skipped and retried on the next activation, and
// TakeNext is never blocked by an in-flight reseed.
type Probe struct {
	mu        sync.Mutex
	cache     *Cache
	querier   HighWaterQuerier
	blockSize int64
	online    func() bool
	lastScope string
	wg        sync.WaitGroup
}

func NewProbe(cache *Cache, querier HighWaterQuerier, blockSize int64) *Probe {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Probe{
		cache:     cache,
		querier:   querier,
		blockSize: blockSize,
		online:    func() bool { return true },
	}
}

// SetOnline overrides the connectivity check. Offline activations are
// skipped entirely.
func (p *Probe) SetOnline(online func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if online != nil {
		p.online = online
	}
}

// Activate reseeds the cache for scope, once per activation. Repeat
// activations of the same scope are no-ops until a different scope is
// activated or a reseed fails.
func (p *Probe) Activate(ctx context.Context, scope string) {
	p.mu.Lock()
	if scope == "" || scope == p.lastScope || !p.online() {
		p.mu.Unlock()
		return
	}
	p.lastScope = scope
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		highWater, err := p.querier.HighWater(ctx, scope)
		if err != nil {
			// Forget the scope so the next activation retries.
			p.mu.Lock()
			if p.lastScope == scope {
				p.lastScope = ""
			}
			p.mu.Unlock()
			return
		}
		p.cache.Seed(scope, highWater+1, p.blockSize)
	}()
}

// Wait blocks until in-flight reseeds finish. Used on shutdown and in
// tests.
func (p *Probe) Wait() {
	p.wg.Wait()
}

// HTTPHighWater queries the server's high-water endpoint.
type HTTPHighWater struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (h *HTTPHighWater) HighWater(ctx context.Context, scope string) (int64, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := h.BaseURL + "/api/teams/" + url.PathEscape(scope) + "/matters/high-water"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build high-water request: %w", err)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch high water: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("high water status %d", resp.StatusCode)
	}

	var body struct {
		HighWater int64 `json:"highWater"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode high water: %w", err)
	}
	return body.HighWater, nil
}
