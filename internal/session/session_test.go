package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/db"
	"github.com/homecast/relay/internal/repository"
)

// fakeSessionRepository is a minimal in-memory stand-in for
// repository.SessionRepository, just enough to exercise the Registry's
// staleness logic without a real database.
type fakeSessionRepository struct {
	mu   sync.Mutex
	rows map[string]*db.Session
}

func newFakeSessionRepository() *fakeSessionRepository {
	return &fakeSessionRepository{rows: make(map[string]*db.Session)}
}

func (f *fakeSessionRepository) Create(ctx context.Context, s *db.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.rows[s.ID] = &cp
	return nil
}

func (f *fakeSessionRepository) GetByID(ctx context.Context, id string) (*db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.rows[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSessionRepository) GetByAgentID(ctx context.Context, agentID string) (*db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.AgentID != nil && *s.AgentID == agentID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeSessionRepository) Update(ctx context.Context, s *db.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[s.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *s
	f.rows[s.ID] = &cp
	return nil
}

func (f *fakeSessionRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.LastHeartbeat = at
	return nil
}

func (f *fakeSessionRepository) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeSessionRepository) DeleteByInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.rows {
		if s.InstanceID == instanceID {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeSessionRepository) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.rows {
		if s.LastHeartbeat.Before(cutoff) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionRepository) ListByUser(ctx context.Context, userID uuid.UUID, sessionType db.SessionType) ([]db.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Session
	for _, s := range f.rows {
		if s.UserID == userID && s.SessionType == sessionType {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepository) CountListenersByUser(ctx context.Context, userID uuid.UUID, heartbeatAfter time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.rows {
		if s.UserID == userID && s.SessionType == db.SessionTypeListener && !s.LastHeartbeat.Before(heartbeatAfter) {
			n++
		}
	}
	return n, nil
}

func TestAgentLocation_LiveWithinWindow(t *testing.T) {
	repo := newFakeSessionRepository()
	reg := New(repo, zap.NewNop())
	agentID := "agent-1"
	require.NoError(t, repo.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-a", SessionType: db.SessionTypeAgent,
		AgentID: &agentID, LastHeartbeat: time.Now().Add(-30 * time.Second),
	}))

	loc, err := reg.AgentLocation(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, "instance-a", loc)
}

func TestAgentLocation_StaleAt121SecondsReportsNoLocation(t *testing.T) {
	repo := newFakeSessionRepository()
	reg := New(repo, zap.NewNop())
	agentID := "agent-1"
	require.NoError(t, repo.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-a", SessionType: db.SessionTypeAgent,
		AgentID: &agentID, LastHeartbeat: time.Now().Add(-121 * time.Second),
	}))

	loc, err := reg.AgentLocation(context.Background(), agentID)
	require.NoError(t, err)
	assert.Empty(t, loc, "a session stale by the 120s session window must not be reported as a live location")
}

func TestGarbageCollectStale_RemovesSessionStaleAt121SecondsWithinOneCycle(t *testing.T) {
	repo := newFakeSessionRepository()
	reg := New(repo, zap.NewNop())
	agentID := "agent-1"
	require.NoError(t, repo.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-a", SessionType: db.SessionTypeAgent,
		AgentID: &agentID, LastHeartbeat: time.Now().Add(-121 * time.Second),
	}))

	n, err := reg.GarbageCollectStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = repo.GetByID(context.Background(), "s1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGarbageCollectStale_KeepsSessionWithinSlotWindowButOutsideSessionWindow(t *testing.T) {
	// Regression test for conflating the 120s session window with the 300s
	// slot window: a session 150s stale must already be gone, not survive
	// until the slot window elapses.
	repo := newFakeSessionRepository()
	reg := New(repo, zap.NewNop())
	agentID := "agent-1"
	require.NoError(t, repo.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-a", SessionType: db.SessionTypeAgent,
		AgentID: &agentID, LastHeartbeat: time.Now().Add(-150 * time.Second),
	}))

	n, err := reg.GarbageCollectStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUserHasActiveListeners_FiltersOwnHeartbeatWindow(t *testing.T) {
	repo := newFakeSessionRepository()
	reg := New(repo, zap.NewNop())
	userID := uuid.New()
	require.NoError(t, repo.Create(context.Background(), &db.Session{
		ID: "l1", UserID: userID, InstanceID: "instance-a", SessionType: db.SessionTypeListener,
		LastHeartbeat: time.Now().Add(-150 * time.Second),
	}))

	active, err := reg.UserHasActiveListeners(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, active, "a listener heartbeat 150s old is outside the 120s window and must not count as active")
}

func TestUserHasActiveListeners_TrueWithinWindow(t *testing.T) {
	repo := newFakeSessionRepository()
	reg := New(repo, zap.NewNop())
	userID := uuid.New()
	require.NoError(t, repo.Create(context.Background(), &db.Session{
		ID: "l1", UserID: userID, InstanceID: "instance-a", SessionType: db.SessionTypeListener,
		LastHeartbeat: time.Now().Add(-10 * time.Second),
	}))

	active, err := reg.UserHasActiveListeners(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestDeleteByInstance_RemovesOnlyRowsOwnedByInstance(t *testing.T) {
	repo := newFakeSessionRepository()
	reg := New(repo, zap.NewNop())
	agentA, agentB := "agent-a", "agent-b"
	require.NoError(t, repo.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-a", SessionType: db.SessionTypeAgent, AgentID: &agentA, LastHeartbeat: time.Now(),
	}))
	require.NoError(t, repo.Create(context.Background(), &db.Session{
		ID: "s2", InstanceID: "instance-b", SessionType: db.SessionTypeAgent, AgentID: &agentB, LastHeartbeat: time.Now(),
	}))

	require.NoError(t, reg.DeleteByInstance(context.Background(), "instance-a"))

	_, err := repo.GetByID(context.Background(), "s1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.GetByID(context.Background(), "s2")
	assert.NoError(t, err)
}
