package plan

import (
	"context"
	"fmt"
	"time"
)

// Store is the slice of the data layer the gate reads from.
type Store interface {
	GetOrganizationPlan(ctx context.Context, orgID string) (string, *time.Time, error)
	ReadUsage(ctx context.Context, orgID, kind string) (int64, error)
	CountMembers(ctx context.Context, orgID string) (int64, error)
	CountTeams(ctx context.Context, orgID string) (int64, error)
	CountMatters(ctx context.Context, orgID string) (int64, error)
	StorageBytes(ctx context.Context, orgID string) (int64, error)
}

// Snapshot backs the plan-limit query endpoint: current usage, limits,
// and derived creation booleans for one organization.
type Snapshot struct {
	PlanKey         Key              `json:"planKey"`
	Usage           map[string]int64 `json:"usage"`
	Limits          map[string]int64 `json:"limits"`
	CanAddMember    bool             `json:"canAddMember"`
	CanCreateTeam   bool             `json:"canCreateTeam"`
	CanCreateMatter bool             `json:"canCreateMatter"`
}

// Gate answers creation checks using the per-kind strategy table and a
// short-TTL plan-key cache, so the hot path avoids a database read per
// mutation.
type Gate struct {
	store    Store
	cache    *Cache
	recounts map[string]func(context.Context, string) (int64, error)
	now      func() time.Time
}

func NewGate(store Store, cache *Cache) *Gate {
	return &Gate{
		store: store,
		cache: cache,
		recounts: map[string]func(context.Context, string) (int64, error){
			"members": store.CountMembers,
			"teams":   store.CountTeams,
			"matters": store.CountMatters,
			"storage": store.StorageBytes,
		},
		now: time.Now,
	}
}

// ResolvePlanKey returns the organization's effective plan. A stored
// plan whose plan_valid_until has passed is forced to the default tier
// before caching, so the cached value is always the corrected one.
func (g *Gate) ResolvePlanKey(ctx context.Context, orgID string) (Key, error) {
	if cached, ok := g.cache.Get(orgID); ok {
		return cached, nil
	}

	rawKey, validUntil, err := g.store.GetOrganizationPlan(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("load plan: %w", err)
	}

	key := Key(rawKey)
	if !ValidKey(rawKey) {
		key = Default
	}
	if validUntil != nil && g.now().After(*validUntil) {
		key = Default
	}

	g.cache.Set(orgID, key)
	return key, nil
}

// CanCreate reports whether one more unit of kind may be created. Paid
// tiers are unlimited for creation-gated kinds; the default tier uses
// a strict current < limit comparison.
func (g *Gate) CanCreate(ctx context.Context, orgID, kind string) (bool, error) {
	spec, ok := Kinds[kind]
	if !ok {
		return false, fmt.Errorf("unknown resource kind %q", kind)
	}

	planKey, err := g.ResolvePlanKey(ctx, orgID)
	if err != nil {
		return false, err
	}
	if planKey != Default {
		return true, nil
	}

	current, err := g.currentUsage(ctx, orgID, kind, spec)
	if err != nil {
		return false, err
	}
	return current < spec.StarterLimit, nil
}

// Invalidate drops the cached plan for one organization. Must follow
// any change to plan_key or plan_valid_until; a stale entry here means
// either false rejections or a limit bypass.
func (g *Gate) Invalidate(orgID string) {
	g.cache.Invalidate(orgID)
}

func (g *Gate) currentUsage(ctx context.Context, orgID, kind string, spec KindSpec) (int64, error) {
	switch spec.Strategy {
	case StrategyCounter:
		return g.store.ReadUsage(ctx, orgID, kind)
	case StrategyRecount:
		recount, ok := g.recounts[kind]
		if !ok {
			return 0, fmt.Errorf("no recount for kind %q", kind)
		}
		return recount(ctx, orgID)
	default:
		return 0, fmt.Errorf("unknown strategy %q for kind %q", spec.Strategy, kind)
	}
}

// Snapshot assembles usage, limits, and derived booleans for the
// limits endpoint.
func (g *Gate) Snapshot(ctx context.Context, orgID string) (Snapshot, error) {
	planKey, err := g.ResolvePlanKey(ctx, orgID)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		PlanKey: planKey,
		Usage:   make(map[string]int64, len(Kinds)),
		Limits:  make(map[string]int64, len(Kinds)),
	}
	for kind, spec := range Kinds {
		current, err := g.currentUsage(ctx, orgID, kind, spec)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Usage[kind] = current
		if planKey == Default {
			snapshot.Limits[kind] = spec.StarterLimit
		} else {
			snapshot.Limits[kind] = -1
		}
	}

	if planKey == Default {
		snapshot.CanAddMember = snapshot.Usage["members"] < Kinds["members"].StarterLimit
		snapshot.CanCreateTeam = snapshot.Usage["teams"] < Kinds["teams"].StarterLimit
		snapshot.CanCreateMatter = snapshot.Usage["matters"] < Kinds["matters"].StarterLimit
	} else {
		snapshot.CanAddMember = true
		snapshot.CanCreateTeam = true
		snapshot.CanCreateMatter = true
	}
	return snapshot, nil
}
