package reconcile

import (
	"context"
	"testing"

	"opsboard/api/internal/store"
)

type fakeStore struct {
	orgIDs  []string
	truth   map[string]int64
	counter map[string]int64
}

func (f *fakeStore) ListOrganizationIDs(context.Context) ([]string, error) {
	return f.orgIDs, nil
}
func (f *fakeStore) CountMatters(ctx context.Context, orgID string) (int64, error) {
	return f.truth[orgID], nil
}
func (f *fakeStore) ReadUsage(ctx context.Context, orgID, kind string) (int64, error) {
	return f.counter[orgID], nil
}
func (f *fakeStore) AdjustUsage(ctx context.Context, q store.Querier, orgID, kind string, delta int64) error {
	next := f.counter[orgID] + delta
	if next < 0 {
		next = 0
	}
	f.counter[orgID] = next
	return nil
}

func TestRunCorrectsDrift(t *testing.T) {
	dataStore := &fakeStore{
		orgIDs:  []string{"org_1", "org_2", "org_3"},
		truth:   map[string]int64{"org_1": 10, "org_2": 4, "org_3": 7},
		counter: map[string]int64{"org_1": 10, "org_2": 9, "org_3": 2},
	}
	reconciler := New(nil, dataStore)

	corrected, err := reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if corrected != 2 {
		t.Errorf("expected 2 corrections, got %d", corrected)
	}
	for _, orgID := range dataStore.orgIDs {
		if dataStore.counter[orgID] != dataStore.truth[orgID] {
			t.Errorf("%s: counter %d != truth %d", orgID, dataStore.counter[orgID], dataStore.truth[orgID])
		}
	}
}

func TestRunIdempotent(t *testing.T) {
	dataStore := &fakeStore{
		orgIDs:  []string{"org_1"},
		truth:   map[string]int64{"org_1": 5},
		counter: map[string]int64{"org_1": 3},
	}
	reconciler := New(nil, dataStore)
	ctx := context.Background()

	if _, err := reconciler.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	corrected, err := reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if corrected != 0 {
		t.Errorf("second sweep should find nothing, corrected %d", corrected)
	}
}
