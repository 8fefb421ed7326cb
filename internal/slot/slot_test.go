package slot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecast/relay/internal/db"
	"github.com/homecast/relay/internal/repository"
	"go.uber.org/zap"
)

// fakeSlotRepository is a minimal in-memory stand-in for
// repository.SlotRepository, just enough to exercise Claim's three-step
// algorithm without a real database.
type fakeSlotRepository struct {
	mu    sync.Mutex
	rows  map[string]*db.SlotLease
	calls []string
}

func newFakeSlotRepository() *fakeSlotRepository {
	return &fakeSlotRepository{rows: make(map[string]*db.SlotLease)}
}

func (f *fakeSlotRepository) GetByInstance(ctx context.Context, instanceID string) (*db.SlotLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.InstanceID != nil && *row.InstanceID == instanceID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSlotRepository) RefreshOwned(ctx context.Context, slotName, instanceID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[slotName]
	if !ok || row.InstanceID == nil || *row.InstanceID != instanceID {
		return repository.ErrNotFound
	}
	row.LastHeartbeat = &now
	return nil
}

func (f *fakeSlotRepository) ClaimFreeOrStale(ctx context.Context, instanceID string, staleCutoff, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, row := range f.rows {
		free := row.InstanceID == nil
		stale := row.LastHeartbeat != nil && row.LastHeartbeat.Before(staleCutoff)
		if free || stale {
			id := instanceID
			row.InstanceID = &id
			row.ClaimedAt = &now
			row.LastHeartbeat = &now
			return name, nil
		}
	}
	return "", repository.ErrNotFound
}

func (f *fakeSlotRepository) Insert(ctx context.Context, slotName, instanceID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "insert:"+slotName)
	if _, exists := f.rows[slotName]; exists {
		return repository.ErrConflict
	}
	id := instanceID
	f.rows[slotName] = &db.SlotLease{SlotName: slotName, InstanceID: &id, ClaimedAt: &now, LastHeartbeat: &now}
	return nil
}

func (f *fakeSlotRepository) Heartbeat(ctx context.Context, slotName, instanceID string, now time.Time) error {
	return f.RefreshOwned(ctx, slotName, instanceID, now)
}

func (f *fakeSlotRepository) Release(ctx context.Context, slotName, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[slotName]
	if !ok || row.InstanceID == nil || *row.InstanceID != instanceID {
		return repository.ErrNotFound
	}
	row.InstanceID = nil
	row.ClaimedAt = nil
	row.LastHeartbeat = nil
	return nil
}

func (f *fakeSlotRepository) LookupByInstance(ctx context.Context, instanceID string) ([]db.SlotLease, error) {
	lease, err := f.GetByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return []db.SlotLease{*lease}, nil
}

func (f *fakeSlotRepository) SeedEmpty(ctx context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range names {
		if _, exists := f.rows[name]; !exists {
			f.rows[name] = &db.SlotLease{SlotName: name}
		}
	}
	return nil
}

func TestClaim_InsertsNewSlotWhenPoolEmpty(t *testing.T) {
	repo := newFakeSlotRepository()
	reg := New(repo, nil, zap.NewNop())

	lease, err := reg.Claim(context.Background(), "instance-a")
	require.NoError(t, err)
	assert.Equal(t, "instance-a", lease.InstanceID)
	assert.NotEmpty(t, lease.SlotName)
}

func TestClaim_ReclaimsFreeSeededSlot(t *testing.T) {
	repo := newFakeSlotRepository()
	require.NoError(t, repo.SeedEmpty(context.Background(), []string{"slot-00"}))
	reg := New(repo, nil, zap.NewNop())

	lease, err := reg.Claim(context.Background(), "instance-a")
	require.NoError(t, err)
	assert.Equal(t, "slot-00", lease.SlotName)
}

func TestClaim_RefreshesAlreadyOwnedSlot(t *testing.T) {
	repo := newFakeSlotRepository()
	reg := New(repo, nil, zap.NewNop())
	ctx := context.Background()

	first, err := reg.Claim(ctx, "instance-a")
	require.NoError(t, err)

	second, err := reg.Claim(ctx, "instance-a")
	require.NoError(t, err)

	assert.Equal(t, first.SlotName, second.SlotName)
}

func TestClaim_ReclaimsStaleSlotFromDeadInstance(t *testing.T) {
	repo := newFakeSlotRepository()
	ctx := context.Background()
	require.NoError(t, repo.SeedEmpty(ctx, []string{"slot-00"}))
	reg := New(repo, nil, zap.NewNop())

	old := "instance-dead"
	stale := time.Now().Add(-StaleWindow - time.Minute)
	repo.rows["slot-00"].InstanceID = &old
	repo.rows["slot-00"].LastHeartbeat = &stale

	lease, err := reg.Claim(ctx, "instance-b")
	require.NoError(t, err)
	assert.Equal(t, "slot-00", lease.SlotName)
	assert.Equal(t, "instance-b", lease.InstanceID)
}

func TestSeedPool_CreatesSequentiallyNamedSlots(t *testing.T) {
	repo := newFakeSlotRepository()
	reg := New(repo, nil, zap.NewNop())

	require.NoError(t, reg.SeedPool(context.Background(), 3))
	assert.Len(t, repo.rows, 3)
	assert.Contains(t, repo.rows, "slot-00")
	assert.Contains(t, repo.rows, "slot-02")
}
