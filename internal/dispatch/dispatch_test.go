package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"opsboard/api/internal/plan"
	"opsboard/api/internal/store"
)

type fakeStore struct {
	activeOrgForUserFn   func(context.Context, string) (string, error)
	memberRoleFn         func(context.Context, string, string) (string, error)
	getOrganizationFn    func(context.Context, string) (store.Organization, error)
	getTeamFn            func(context.Context, string) (store.Team, error)
	insertTeamFn         func(context.Context, store.Querier, store.Team) error
	nextShortIDFn        func(context.Context, store.Querier, string) (int64, error)
	raiseShortIDFloorFn  func(context.Context, store.Querier, string, int64) error
	insertMatterFn       func(context.Context, store.Querier, store.Matter) (bool, error)
	getMatterFn          func(context.Context, string, string) (store.Matter, error)
	softDeleteMatterFn   func(context.Context, store.Querier, string, string) (bool, error)
	updateMatterStatusFn func(context.Context, store.Querier, string, string, string, string) (bool, error)
	insertCommentFn      func(context.Context, store.Querier, store.Comment) error
	addMemberFn          func(context.Context, store.Querier, string, string, string) error
	removeMemberFn       func(context.Context, store.Querier, string, string) (bool, error)
	adjustUsageFn        func(context.Context, store.Querier, string, string, int64) error
	setPlanFn            func(context.Context, store.Querier, string, string, *time.Time) error
}

func (f *fakeStore) ActiveOrgForUser(ctx context.Context, userID string) (string, error) {
	if f.activeOrgForUserFn != nil {
		return f.activeOrgForUserFn(ctx, userID)
	}
	return "", sql.ErrNoRows
}
func (f *fakeStore) MemberRole(ctx context.Context, orgID, userID string) (string, error) {
	if f.memberRoleFn != nil {
		return f.memberRoleFn(ctx, orgID, userID)
	}
	return "owner", nil
}
func (f *fakeStore) GetOrganization(ctx context.Context, orgID string) (store.Organization, error) {
	if f.getOrganizationFn != nil {
		return f.getOrganizationFn(ctx, orgID)
	}
	return store.Organization{ID: orgID, PlanKey: "starter", Usage: map[string]int64{}}, nil
}
func (f *fakeStore) GetTeam(ctx context.Context, teamID string) (store.Team, error) {
	if f.getTeamFn != nil {
		return f.getTeamFn(ctx, teamID)
	}
	return store.Team{ID: teamID, OrgID: "org_1", WorkspaceCode: "ENG", NextShortID: 1}, nil
}
func (f *fakeStore) InsertTeam(ctx context.Context, q store.Querier, team store.Team) error {
	if f.insertTeamFn != nil {
		return f.insertTeamFn(ctx, q, team)
	}
	return nil
}
func (f *fakeStore) NextShortID(ctx context.Context, q store.Querier, teamID string) (int64, error) {
	if f.nextShortIDFn != nil {
		return f.nextShortIDFn(ctx, q, teamID)
	}
	return 1, nil
}
func (f *fakeStore) RaiseShortIDFloor(ctx context.Context, q store.Querier, teamID string, floor int64) error {
	if f.raiseShortIDFloorFn != nil {
		return f.raiseShortIDFloorFn(ctx, q, teamID, floor)
	}
	return nil
}
func (f *fakeStore) InsertMatter(ctx context.Context, q store.Querier, matter store.Matter) (bool, error) {
	if f.insertMatterFn != nil {
		return f.insertMatterFn(ctx, q, matter)
	}
	return true, nil
}
func (f *fakeStore) GetMatter(ctx context.Context, orgID, matterID string) (store.Matter, error) {
	if f.getMatterFn != nil {
		return f.getMatterFn(ctx, orgID, matterID)
	}
	return store.Matter{}, sql.ErrNoRows
}
func (f *fakeStore) SoftDeleteMatter(ctx context.Context, q store.Querier, orgID, matterID string) (bool, error) {
	if f.softDeleteMatterFn != nil {
		return f.softDeleteMatterFn(ctx, q, orgID, matterID)
	}
	return false, nil
}
func (f *fakeStore) UpdateMatterStatus(ctx context.Context, q store.Querier, orgID, matterID, status, actor string) (bool, error) {
	if f.updateMatterStatusFn != nil {
		return f.updateMatterStatusFn(ctx, q, orgID, matterID, status, actor)
	}
	return false, nil
}
func (f *fakeStore) InsertComment(ctx context.Context, q store.Querier, comment store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, q, comment)
	}
	return nil
}
func (f *fakeStore) AddMember(ctx context.Context, q store.Querier, orgID, userID, role string) error {
	if f.addMemberFn != nil {
		return f.addMemberFn(ctx, q, orgID, userID, role)
	}
	return nil
}
func (f *fakeStore) RemoveMember(ctx context.Context, q store.Querier, orgID, userID string) (bool, error) {
	if f.removeMemberFn != nil {
		return f.removeMemberFn(ctx, q, orgID, userID)
	}
	return false, nil
}
func (f *fakeStore) AdjustUsage(ctx context.Context, q store.Querier, orgID, kind string, delta int64) error {
	if f.adjustUsageFn != nil {
		return f.adjustUsageFn(ctx, q, orgID, kind, delta)
	}
	return nil
}
func (f *fakeStore) SetPlan(ctx context.Context, q store.Querier, orgID, planKey string, validUntil *time.Time) error {
	if f.setPlanFn != nil {
		return f.setPlanFn(ctx, q, orgID, planKey, validUntil)
	}
	return nil
}

// fakePlanStore backs the gate in dispatcher tests.
type fakePlanStore struct {
	planKey    string
	validUntil *time.Time
	loads      int
	usage      map[string]int64
	members    int64
	teams      int64
}

func (f *fakePlanStore) GetOrganizationPlan(context.Context, string) (string, *time.Time, error) {
	f.loads++
	key := f.planKey
	if key == "" {
		key = "starter"
	}
	return key, f.validUntil, nil
}
func (f *fakePlanStore) ReadUsage(ctx context.Context, orgID, kind string) (int64, error) {
	return f.usage[kind], nil
}
func (f *fakePlanStore) CountMembers(context.Context, string) (int64, error) { return f.members, nil }
func (f *fakePlanStore) CountTeams(context.Context, string) (int64, error)   { return f.teams, nil }
func (f *fakePlanStore) CountMatters(context.Context, string) (int64, error) { return 0, nil }
func (f *fakePlanStore) StorageBytes(context.Context, string) (int64, error) { return 0, nil }

type fakeAuth struct {
	identity Identity
	err      error
}

func (f *fakeAuth) Authenticate(context.Context, string) (Identity, error) {
	return f.identity, f.err
}

type txRecord struct {
	calls      int
	rolledBack bool
}

// passthroughTx runs the mutator without a database and records
// whether it would have committed.
func passthroughTx(record *txRecord) TxRunner {
	return func(ctx context.Context, fn func(tx *sql.Tx) error) error {
		record.calls++
		if err := fn(nil); err != nil {
			record.rolledBack = true
			return err
		}
		return nil
	}
}

func newTestDispatcher(dataStore *fakeStore, planStore *fakePlanStore, identity Identity) (*Dispatcher, *txRecord) {
	gate := plan.NewGate(planStore, plan.NewCache(5*time.Minute, 100))
	d := New(nil, dataStore, gate, &fakeAuth{identity: identity})
	record := &txRecord{}
	d.SetTxRunner(passthroughTx(record))
	return d, record
}

func ownerIdentity() Identity {
	return Identity{UserID: "usr_1", Name: "Avery", OrgID: "org_1"}
}

func TestDispatchUnauthenticated(t *testing.T) {
	d, _ := newTestDispatcher(&fakeStore{}, &fakePlanStore{}, Identity{})
	d.auth = &fakeAuth{err: errors.New("bad token")}

	_, err := d.Dispatch(context.Background(), "tok", "matter.create", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestDispatchNoActiveOrg(t *testing.T) {
	d, _ := newTestDispatcher(&fakeStore{}, &fakePlanStore{}, Identity{UserID: "usr_1", Name: "Avery"})

	_, err := d.Dispatch(context.Background(), "tok", "matter.create", json.RawMessage(`{}`))
	if !errors.Is(err, ErrNoActiveOrg) {
		t.Errorf("expected ErrNoActiveOrg, got %v", err)
	}
}

func TestDispatchOrgFallbackByUser(t *testing.T) {
	dataStore := &fakeStore{
		activeOrgForUserFn: func(ctx context.Context, userID string) (string, error) {
			return "org_9", nil
		},
		getTeamFn: func(ctx context.Context, teamID string) (store.Team, error) {
			return store.Team{ID: teamID, OrgID: "org_9", WorkspaceCode: "OPS"}, nil
		},
	}
	d, _ := newTestDispatcher(dataStore, &fakePlanStore{}, Identity{UserID: "usr_1", Name: "Avery"})

	result, err := d.Dispatch(context.Background(), "tok", "matter.create",
		json.RawMessage(`{"teamId":"team_1","title":"Renew contract"}`))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	payload := result.(map[string]any)
	if payload["displayCode"] != "OPS-1" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestDispatchUnknownMutatorFailsClosed(t *testing.T) {
	d, record := newTestDispatcher(&fakeStore{}, &fakePlanStore{}, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "matter.obliterate", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownMutator) {
		t.Errorf("expected ErrUnknownMutator, got %v", err)
	}
	if record.calls != 0 {
		t.Error("no transaction should start for an unknown mutator")
	}
}

func TestMatterCreateAllocatesAndCounts(t *testing.T) {
	var inserted store.Matter
	var adjusted []int64
	dataStore := &fakeStore{
		nextShortIDFn: func(context.Context, store.Querier, string) (int64, error) {
			return 5, nil
		},
		insertMatterFn: func(ctx context.Context, q store.Querier, matter store.Matter) (bool, error) {
			inserted = matter
			return true, nil
		},
		adjustUsageFn: func(ctx context.Context, q store.Querier, orgID, kind string, delta int64) error {
			if kind != "matters" {
				t.Errorf("unexpected kind %s", kind)
			}
			adjusted = append(adjusted, delta)
			return nil
		},
	}
	d, record := newTestDispatcher(dataStore, &fakePlanStore{}, ownerIdentity())

	result, err := d.Dispatch(context.Background(), "tok", "matter.create",
		json.RawMessage(`{"teamId":"team_1","title":"Review NDA"}`))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if inserted.ShortID != 5 || inserted.DisplayCode != "ENG-5" {
		t.Errorf("unexpected matter %+v", inserted)
	}
	if len(adjusted) != 1 || adjusted[0] != 1 {
		t.Errorf("expected one +1 usage adjust, got %v", adjusted)
	}
	if record.rolledBack {
		t.Error("successful create should commit")
	}
	payload := result.(map[string]any)
	if payload["shortId"] != int64(5) {
		t.Errorf("unexpected shortId %v", payload["shortId"])
	}
}

func TestMatterCreateLimitExceeded(t *testing.T) {
	inserts := 0
	dataStore := &fakeStore{
		insertMatterFn: func(context.Context, store.Querier, store.Matter) (bool, error) {
			inserts++
			return true, nil
		},
	}
	planStore := &fakePlanStore{usage: map[string]int64{"matters": 100}}
	d, record := newTestDispatcher(dataStore, planStore, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "matter.create",
		json.RawMessage(`{"teamId":"team_1","title":"One too many"}`))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if inserts != 0 {
		t.Error("denied create must not insert")
	}
	if !record.rolledBack {
		t.Error("denied create should roll back")
	}
}

func TestMatterCreateClientProposalHonored(t *testing.T) {
	var floors []int64
	var inserted store.Matter
	dataStore := &fakeStore{
		raiseShortIDFloorFn: func(ctx context.Context, q store.Querier, teamID string, floor int64) error {
			floors = append(floors, floor)
			return nil
		},
		insertMatterFn: func(ctx context.Context, q store.Querier, matter store.Matter) (bool, error) {
			inserted = matter
			return true, nil
		},
	}
	d, _ := newTestDispatcher(dataStore, &fakePlanStore{}, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "matter.create",
		json.RawMessage(`{"teamId":"team_1","title":"Offline draft","shortId":12}`))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if inserted.ShortID != 12 || inserted.DisplayCode != "ENG-12" {
		t.Errorf("client-proposed short id not honored: %+v", inserted)
	}
	if len(floors) != 1 || floors[0] != 13 {
		t.Errorf("counter floor should be raised to 13, got %v", floors)
	}
}

func TestMatterCreateCollisionRenumbers(t *testing.T) {
	attempts := 0
	var inserted store.Matter
	dataStore := &fakeStore{
		insertMatterFn: func(ctx context.Context, q store.Querier, matter store.Matter) (bool, error) {
			attempts++
			if attempts == 1 {
				// short id already held by another matter
				return false, nil
			}
			inserted = matter
			return true, nil
		},
		nextShortIDFn: func(context.Context, store.Querier, string) (int64, error) {
			return 7, nil
		},
	}
	d, _ := newTestDispatcher(dataStore, &fakePlanStore{}, ownerIdentity())

	result, err := d.Dispatch(context.Background(), "tok", "matter.create",
		json.RawMessage(`{"teamId":"team_1","title":"Collision","shortId":3}`))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected retry after collision, got %d attempts", attempts)
	}
	if inserted.ShortID != 7 || inserted.DisplayCode != "ENG-7" {
		t.Errorf("losing item should be renumbered from the counter: %+v", inserted)
	}
	payload := result.(map[string]any)
	if payload["shortId"] != int64(7) {
		t.Errorf("payload should carry the renumbered id, got %v", payload["shortId"])
	}
}

func TestMatterCreateStoreErrorDoesNotRetry(t *testing.T) {
	// A genuine insert error (as opposed to a short-ID conflict, which
	// reports inserted=false) leaves a real database transaction
	// aborted, so the mutator must not issue further statements on it.
	allocs := 0
	dataStore := &fakeStore{
		insertMatterFn: func(context.Context, store.Querier, store.Matter) (bool, error) {
			return false, errors.New("connection reset")
		},
		nextShortIDFn: func(context.Context, store.Querier, string) (int64, error) {
			allocs++
			return 7, nil
		},
	}
	d, record := newTestDispatcher(dataStore, &fakePlanStore{}, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "matter.create",
		json.RawMessage(`{"teamId":"team_1","title":"Offline draft","shortId":3}`))
	if err == nil {
		t.Fatal("expected insert error to surface")
	}
	if allocs != 0 {
		t.Errorf("insert error must not trigger a renumber, NextShortID called %d times", allocs)
	}
	if !record.rolledBack {
		t.Error("insert error must roll the transaction back")
	}
}

func TestMutatorErrorRollsBackUsageAdjust(t *testing.T) {
	adjusts := 0
	dataStore := &fakeStore{
		adjustUsageFn: func(context.Context, store.Querier, string, string, int64) error {
			adjusts++
			return nil
		},
		insertMatterFn: func(context.Context, store.Querier, store.Matter) (bool, error) {
			return false, errors.New("disk full")
		},
	}
	d, record := newTestDispatcher(dataStore, &fakePlanStore{}, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "matter.create",
		json.RawMessage(`{"teamId":"team_1","title":"Doomed"}`))
	if err == nil {
		t.Fatal("expected mutator error")
	}
	if !record.rolledBack {
		t.Error("mutator error must roll the transaction back")
	}
}

func TestMatterDeleteDecrements(t *testing.T) {
	var adjusted []int64
	dataStore := &fakeStore{
		softDeleteMatterFn: func(context.Context, store.Querier, string, string) (bool, error) {
			return true, nil
		},
		adjustUsageFn: func(ctx context.Context, q store.Querier, orgID, kind string, delta int64) error {
			adjusted = append(adjusted, delta)
			return nil
		},
	}
	d, _ := newTestDispatcher(dataStore, &fakePlanStore{}, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "matter.delete",
		json.RawMessage(`{"matterId":"mat_1"}`))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(adjusted) != 1 || adjusted[0] != -1 {
		t.Errorf("expected one -1 adjust, got %v", adjusted)
	}
}

func TestMemberRoleForbidden(t *testing.T) {
	dataStore := &fakeStore{
		memberRoleFn: func(context.Context, string, string) (string, error) {
			return "member", nil
		},
	}
	d, _ := newTestDispatcher(dataStore, &fakePlanStore{}, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "member.add",
		json.RawMessage(`{"userId":"usr_2"}`))
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("member adding members should be forbidden, got %v", err)
	}
}

func TestTeamCreateLimit(t *testing.T) {
	planStore := &fakePlanStore{teams: 2}
	d, _ := newTestDispatcher(&fakeStore{}, planStore, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "team.create",
		json.RawMessage(`{"name":"Legal"}`))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded at 2 of 2 teams, got %v", err)
	}
}

func TestOrgSetPlanInvalidatesCache(t *testing.T) {
	planStore := &fakePlanStore{planKey: "starter"}
	d, _ := newTestDispatcher(&fakeStore{}, planStore, ownerIdentity())
	ctx := context.Background()

	// Prime the cache.
	if _, err := d.Dispatch(ctx, "tok", "team.create", json.RawMessage(`{"name":"Ops"}`)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	loadsBefore := planStore.loads

	if _, err := d.Dispatch(ctx, "tok", "org.setPlan", json.RawMessage(`{"planKey":"growth"}`)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// The next dispatch must re-read the plan from storage.
	if _, err := d.Dispatch(ctx, "tok", "team.create", json.RawMessage(`{"name":"Support"}`)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if planStore.loads <= loadsBefore {
		t.Error("plan change should force a storage re-read")
	}
}

func TestOrgSetPlanInvalidationHappensAfterCommit(t *testing.T) {
	planStore := &fakePlanStore{planKey: "starter"}
	gate := plan.NewGate(planStore, plan.NewCache(5*time.Minute, 100))
	d := New(nil, &fakeStore{}, gate, &fakeAuth{identity: ownerIdentity()})
	d.SetTxRunner(func(ctx context.Context, fn func(tx *sql.Tx) error) error {
		if err := fn(nil); err != nil {
			return err
		}
		// A concurrent request resolves the plan between the mutator
		// finishing and the commit landing. If the mutator had already
		// invalidated, this would re-cache the old plan for its full
		// TTL.
		if _, err := gate.ResolvePlanKey(ctx, "org_1"); err != nil {
			t.Fatalf("concurrent resolve failed: %v", err)
		}
		planStore.planKey = "growth" // the commit makes the change visible
		return nil
	})

	if _, err := d.Dispatch(context.Background(), "tok", "org.setPlan",
		json.RawMessage(`{"planKey":"growth"}`)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	key, err := gate.ResolvePlanKey(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("ResolvePlanKey failed: %v", err)
	}
	if key != plan.KeyGrowth {
		t.Errorf("plan cache stale after committed plan change: got %q, want %q", key, plan.KeyGrowth)
	}
}

func TestOrgSetPlanRejectsUnknownKey(t *testing.T) {
	d, _ := newTestDispatcher(&fakeStore{}, &fakePlanStore{}, ownerIdentity())

	_, err := d.Dispatch(context.Background(), "tok", "org.setPlan",
		json.RawMessage(`{"planKey":"platinum"}`))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

type fakeLimiter struct {
	allowed bool
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, error) {
	return f.allowed, nil
}

func TestBillingCheckoutRateLimited(t *testing.T) {
	d, _ := newTestDispatcher(&fakeStore{}, &fakePlanStore{}, ownerIdentity())
	d.SetCheckoutLimiter(&fakeLimiter{allowed: false})

	_, err := d.Dispatch(context.Background(), "tok", "billing.checkout", json.RawMessage(`{}`))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	d.SetCheckoutLimiter(&fakeLimiter{allowed: true})
	result, err := d.Dispatch(context.Background(), "tok", "billing.checkout", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.(map[string]any)["checkoutRef"] == "" {
		t.Error("expected a checkout reference")
	}
}
