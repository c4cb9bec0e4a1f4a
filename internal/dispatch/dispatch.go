// Package dispatch is the single choke point through which every
// client-submitted write reaches storage.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsboard/api/internal/plan"
	"opsboard/api/internal/rbac"
	"opsboard/api/internal/store"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNoActiveOrg     = errors.New("no active organization")
	ErrUnknownMutator  = errors.New("unknown mutator")
	ErrLimitExceeded   = errors.New("plan limit exceeded")
	ErrRateLimited     = errors.New("rate limited")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
)

// Identity is the authenticated caller. OrgID may be empty when the
// session does not carry an organization; Dispatch then falls back to
// a membership lookup.
type Identity struct {
	UserID string
	Name   string
	OrgID  string
}

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Store is the slice of the data layer mutators and the dispatcher
// use. *store.PostgresStore satisfies it.
type Store interface {
	ActiveOrgForUser(ctx context.Context, userID string) (string, error)
	MemberRole(ctx context.Context, orgID, userID string) (string, error)
	GetOrganization(ctx context.Context, orgID string) (store.Organization, error)
	GetTeam(ctx context.Context, teamID string) (store.Team, error)
	InsertTeam(ctx context.Context, q store.Querier, team store.Team) error
	NextShortID(ctx context.Context, q store.Querier, teamID string) (int64, error)
	RaiseShortIDFloor(ctx context.Context, q store.Querier, teamID string, floor int64) error
	InsertMatter(ctx context.Context, q store.Querier, matter store.Matter) (bool, error)
	GetMatter(ctx context.Context, orgID, matterID string) (store.Matter, error)
	SoftDeleteMatter(ctx context.Context, q store.Querier, orgID, matterID string) (bool, error)
	UpdateMatterStatus(ctx context.Context, q store.Querier, orgID, matterID, status, actor string) (bool, error)
	InsertComment(ctx context.Context, q store.Querier, comment store.Comment) error
	AddMember(ctx context.Context, q store.Querier, orgID, userID, role string) error
	RemoveMember(ctx context.Context, q store.Querier, orgID, userID string) (bool, error)
	AdjustUsage(ctx context.Context, q store.Querier, orgID, kind string, delta int64) error
	SetPlan(ctx context.Context, q store.Querier, orgID, planKey string, validUntil *time.Time) error
}

// Context is the request-scoped view a mutator receives: the caller,
// the resolved organization with its plan and usage snapshots, and
// bound gate handles. Snapshots are informational; gate checks go
// through Gate so the short-TTL cache is honored.
type Context struct {
	UserID         string
	UserName       string
	OrgID          string
	Role           rbac.Role
	PlanKey        plan.Key
	Usage          map[string]int64
	Gate  *plan.Gate
	Store Store
	// InvalidatePlan marks an organization's cached plan stale. The
	// dispatcher applies the invalidation after commit, never inside
	// the transaction.
	InvalidatePlan func(orgID string)
}

// Mutator is a named write operation. It runs inside the dispatch
// transaction and is responsible for consulting the gate before a
// limited write and adjusting usage counters on success.
type Mutator func(ctx context.Context, tx *sql.Tx, mctx *Context, args json.RawMessage) (any, error)

// TxRunner owns the transaction lifecycle around a mutator.
type TxRunner func(ctx context.Context, fn func(tx *sql.Tx) error) error

type Dispatcher struct {
	store    Store
	gate     *plan.Gate
	auth     Authenticator
	runTx    TxRunner
	limiter  AttemptLimiter
	mutators map[string]Mutator
}

func New(db *sql.DB, dataStore Store, gate *plan.Gate, auth Authenticator) *Dispatcher {
	d := &Dispatcher{
		store: dataStore,
		gate:  gate,
		auth:  auth,
		runTx: func(ctx context.Context, fn func(tx *sql.Tx) error) error {
			return store.WithTx(ctx, db, fn)
		},
		mutators: make(map[string]Mutator),
	}
	d.registerBuiltins()
	return d
}

// SetTxRunner replaces the transaction runner. Tests use this to run
// mutators without a database.
func (d *Dispatcher) SetTxRunner(runTx TxRunner) {
	d.runTx = runTx
}

func (d *Dispatcher) Register(name string, fn Mutator) {
	d.mutators[name] = fn
}

// Dispatch authenticates the caller, resolves the active organization,
// builds the mutator context, and runs the named mutator inside one
// transaction. An unknown name fails closed. Any mutator error rolls
// back everything the mutator did, including usage adjustments.
func (d *Dispatcher) Dispatch(ctx context.Context, token, name string, args json.RawMessage) (any, error) {
	identity, err := d.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	orgID := identity.OrgID
	if orgID == "" {
		orgID, err = d.store.ActiveOrgForUser(ctx, identity.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveOrg
		}
		if err != nil {
			return nil, fmt.Errorf("resolve active org: %w", err)
		}
	}
	if orgID == "" {
		return nil, ErrNoActiveOrg
	}

	role, err := d.store.MemberRole(ctx, orgID, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve member role: %w", err)
	}

	org, err := d.store.GetOrganization(ctx, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveOrg
	}
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}

	planKey, err := d.gate.ResolvePlanKey(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}

	fn, ok := d.mutators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMutator, name)
	}

	// Plan-cache invalidations requested by the mutator are applied
	// only after the transaction commits. Invalidating mid-transaction
	// lets a concurrent resolve re-read the old plan and cache it for
	// the full TTL.
	var stalePlans []string
	mctx := &Context{
		UserID:         identity.UserID,
		UserName:       identity.Name,
		OrgID:          orgID,
		Role:           rbac.Normalize(role),
		PlanKey:        planKey,
		Usage:          org.Usage,
		Gate:           d.gate,
		Store:          d.store,
		InvalidatePlan: func(orgID string) { stalePlans = append(stalePlans, orgID) },
	}

	var result any
	err = d.runTx(ctx, func(tx *sql.Tx) error {
		var mutErr error
		result, mutErr = fn(ctx, tx, mctx, args)
		return mutErr
	})
	if err != nil {
		return nil, err
	}
	for _, staleOrg := range stalePlans {
		d.gate.Invalidate(staleOrg)
	}
	return result, nil
}
