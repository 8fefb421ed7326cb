package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/bus"
	"github.com/homecast/relay/internal/connection"
	"github.com/homecast/relay/internal/db"
	"github.com/homecast/relay/internal/protocol"
	"github.com/homecast/relay/internal/repository"
	"github.com/homecast/relay/internal/session"
	"github.com/homecast/relay/internal/slot"
)

func TestRouteError_Error(t *testing.T) {
	err := newRouteError(CodeTimeout, "no response within deadline")
	assert.Equal(t, "router: TIMEOUT: no response within deadline", err.Error())
}

func TestRouteError_DistinctFromFrameError(t *testing.T) {
	var err error = newRouteError(CodeAgentUnreachable, "agent not connected anywhere")
	routeErr, ok := err.(*RouteError)
	assert.True(t, ok)
	assert.Equal(t, CodeAgentUnreachable, routeErr.Code)
}

// fakeSessionRepository is a minimal in-memory stand-in for
// repository.SessionRepository, just enough to back AgentLocation lookups.
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
	cp := *s
	f.rows[s.ID] = &cp
	return nil
}
func (f *fakeSessionRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	return nil
}
func (f *fakeSessionRepository) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}
func (f *fakeSessionRepository) DeleteByInstance(ctx context.Context, instanceID string) error {
	return nil
}
func (f *fakeSessionRepository) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeSessionRepository) ListByUser(ctx context.Context, userID uuid.UUID, sessionType db.SessionType) ([]db.Session, error) {
	return nil, nil
}
func (f *fakeSessionRepository) CountListenersByUser(ctx context.Context, userID uuid.UUID, heartbeatAfter time.Time) (int64, error) {
	return 0, nil
}

// fakeSlotRepository is a minimal in-memory stand-in for
// repository.SlotRepository, just enough to back slot lookups by instance.
type fakeSlotRepository struct {
	mu   sync.Mutex
	rows map[string]*db.SlotLease // keyed by instanceID
}

func newFakeSlotRepository() *fakeSlotRepository {
	return &fakeSlotRepository{rows: make(map[string]*db.SlotLease)}
}

func (f *fakeSlotRepository) seed(slotName, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := instanceID
	f.rows[instanceID] = &db.SlotLease{SlotName: slotName, InstanceID: &id}
}

func (f *fakeSlotRepository) GetByInstance(ctx context.Context, instanceID string) (*db.SlotLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lease, ok := f.rows[instanceID]; ok {
		cp := *lease
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeSlotRepository) RefreshOwned(ctx context.Context, slotName, instanceID string, now time.Time) error {
	return nil
}
func (f *fakeSlotRepository) ClaimFreeOrStale(ctx context.Context, instanceID string, staleCutoff, now time.Time) (string, error) {
	return "", repository.ErrNotFound
}
func (f *fakeSlotRepository) Insert(ctx context.Context, slotName, instanceID string, now time.Time) error {
	return nil
}
func (f *fakeSlotRepository) Heartbeat(ctx context.Context, slotName, instanceID string, now time.Time) error {
	return nil
}
func (f *fakeSlotRepository) Release(ctx context.Context, slotName, instanceID string) error {
	return nil
}
func (f *fakeSlotRepository) LookupByInstance(ctx context.Context, instanceID string) ([]db.SlotLease, error) {
	return nil, nil
}
func (f *fakeSlotRepository) SeedEmpty(ctx context.Context, names []string) error { return nil }

func newTestRouter(t *testing.T, sessionRepo *fakeSessionRepository, slotRepo *fakeSlotRepository, b bus.Bus, instanceID string, forceRemote bool) *Router {
	t.Helper()
	logger := zap.NewNop()
	sessions := session.New(sessionRepo, logger)
	slots := slot.New(slotRepo, nil, logger)
	connections := connection.New(sessions, instanceID, nil, logger, nil, nil)
	return New(connections, sessions, slots, b, instanceID, "relay", forceRemote, nil, logger)
}

func TestRoute_NoSession_ReturnsAgentUnreachable(t *testing.T) {
	rt := newTestRouter(t, newFakeSessionRepository(), newFakeSlotRepository(), bus.NewLocal(zap.NewNop()), "instance-a", false)

	_, err := rt.Route(context.Background(), "agent-1", "do-thing", nil)
	var routeErr *RouteError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, CodeAgentUnreachable, routeErr.Code)
}

func TestRoute_Local_NotConnected_ReturnsAgentUnreachable(t *testing.T) {
	agentID := "agent-1"
	sessionRepo := newFakeSessionRepository()
	require.NoError(t, sessionRepo.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-a", SessionType: db.SessionTypeAgent,
		AgentID: &agentID, LastHeartbeat: time.Now(),
	}))
	rt := newTestRouter(t, sessionRepo, newFakeSlotRepository(), bus.NewLocal(zap.NewNop()), "instance-a", false)

	_, err := rt.Route(context.Background(), agentID, "do-thing", nil)
	var routeErr *RouteError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, CodeAgentUnreachable, routeErr.Code)
}

func TestRoute_Remote_NoSlotForOwningInstance_ReturnsAgentUnreachable(t *testing.T) {
	agentID := "agent-1"
	sessionRepo := newFakeSessionRepository()
	require.NoError(t, sessionRepo.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-b", SessionType: db.SessionTypeAgent,
		AgentID: &agentID, LastHeartbeat: time.Now(),
	}))
	rt := newTestRouter(t, sessionRepo, newFakeSlotRepository(), bus.NewLocal(zap.NewNop()), "instance-a", false)

	_, err := rt.Route(context.Background(), agentID, "do-thing", nil)
	var routeErr *RouteError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, CodeAgentUnreachable, routeErr.Code)
}

func TestRoute_ForceRemote_SkipsLocalShortCircuitEvenForOwnInstance(t *testing.T) {
	// Regression test: config.ForceBus must make Route take the remote
	// path even when the session says the agent is owned by this very
	// instance (spec.md §6.4). Proven here by the distinct error message
	// the remote path produces (no slot registered for this instance)
	// versus the local path's "agent disconnected during routing".
	agentID := "agent-1"
	sessionRepo := newFakeSessionRepository()
	require.NoError(t, sessionRepo.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-a", SessionType: db.SessionTypeAgent,
		AgentID: &agentID, LastHeartbeat: time.Now(),
	}))
	rt := newTestRouter(t, sessionRepo, newFakeSlotRepository(), bus.NewLocal(zap.NewNop()), "instance-a", true)

	_, err := rt.Route(context.Background(), agentID, "do-thing", nil)
	var routeErr *RouteError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, CodeAgentUnreachable, routeErr.Code)
	assert.Equal(t, "owning instance has no active slot", routeErr.Message)
}

func TestRoute_Remote_RoundTripReturnsFrameErrorFromRemoteInstance(t *testing.T) {
	// Two instances sharing one in-memory bus: instance-a routes to an
	// agent owned by instance-b, which has no such agent connected, so
	// instance-b's router replies with a NO_HANDLER frame error that must
	// surface back through instance-a's Route call.
	agentID := "agent-1"
	b := bus.NewLocal(zap.NewNop())
	slotRepo := newFakeSlotRepository()
	slotRepo.seed("slot-00", "instance-a")
	slotRepo.seed("slot-01", "instance-b")

	sessionRepoA := newFakeSessionRepository()
	require.NoError(t, sessionRepoA.Create(context.Background(), &db.Session{
		ID: "s1", InstanceID: "instance-b", SessionType: db.SessionTypeAgent,
		AgentID: &agentID, LastHeartbeat: time.Now(),
	}))
	routerA := newTestRouter(t, sessionRepoA, slotRepo, b, "instance-a", false)
	routerB := newTestRouter(t, newFakeSessionRepository(), slotRepo, b, "instance-b", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = routerA.Subscribe(ctx, protocol.Topic("relay", "slot-00")) }()
	go func() { _ = routerB.Subscribe(ctx, protocol.Topic("relay", "slot-01")) }()
	time.Sleep(10 * time.Millisecond) // let both Subscribe calls register their handlers

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	_, err := routerA.Route(reqCtx, agentID, "do-thing", nil)
	require.Error(t, err)
	var frameErr *protocol.FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, string(CodeNoHandler), frameErr.Code)
}
