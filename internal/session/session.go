// Package session implements the Session Registry (C5, spec.md §4.5):
// database-backed tracking of agent and listener sessions across every
// process, used to decide routing targets and listener-activity state.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/db"
	"github.com/homecast/relay/internal/repository"
)

// ListenerStaleWindow is how old a listener's heartbeat may be before it no
// longer counts as active (spec.md §4.5: "> now − 120s").
const ListenerStaleWindow = 120 * time.Second

// GCInterval is the cadence of GarbageCollectStale sweeps (spec.md §4.5:
// "invoked every 60s").
const GCInterval = 60 * time.Second

// Registry wraps repository.SessionRepository with the operations named in
// spec.md §4.5.
type Registry struct {
	repo   repository.SessionRepository
	logger *zap.Logger
}

// New constructs a Registry over the given repository.
func New(repo repository.SessionRepository, logger *zap.Logger) *Registry {
	return &Registry{repo: repo, logger: logger}
}

// UpsertAgent creates or refreshes the Agent Session row for agentID,
// returning its session ID.
func (r *Registry) UpsertAgent(ctx context.Context, userID uuid.UUID, instanceID, agentID, name string) (string, error) {
	now := time.Now()
	existing, err := r.repo.GetByAgentID(ctx, agentID)
	if err == nil {
		existing.InstanceID = instanceID
		existing.Name = name
		existing.LastHeartbeat = now
		if updErr := r.repo.Update(ctx, existing); updErr != nil {
			return "", fmt.Errorf("session: refresh agent: %w", updErr)
		}
		return existing.ID, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("session: lookup agent: %w", err)
	}

	id := uuid.NewString()
	s := &db.Session{
		ID:            id,
		UserID:        userID,
		InstanceID:    instanceID,
		SessionType:   db.SessionTypeAgent,
		AgentID:       &agentID,
		Name:          name,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := r.repo.Create(ctx, s); err != nil {
		return "", fmt.Errorf("session: create agent: %w", err)
	}
	return id, nil
}

// UpsertListener creates a new Listener Session row, returning its ID.
func (r *Registry) UpsertListener(ctx context.Context, userID uuid.UUID, instanceID, name string) (string, error) {
	now := time.Now()
	id := uuid.NewString()
	s := &db.Session{
		ID:            id,
		UserID:        userID,
		InstanceID:    instanceID,
		SessionType:   db.SessionTypeListener,
		Name:          name,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := r.repo.Create(ctx, s); err != nil {
		return "", fmt.Errorf("session: create listener: %w", err)
	}
	return id, nil
}

// Heartbeat refreshes a session's lastHeartbeat by its own ID.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	if err := r.repo.UpdateHeartbeat(ctx, sessionID, time.Now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session: heartbeat: %w", err)
	}
	return nil
}

// HeartbeatByAgent refreshes the agent session named by agentID.
func (r *Registry) HeartbeatByAgent(ctx context.Context, agentID string) error {
	s, err := r.repo.GetByAgentID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session: heartbeat by agent lookup: %w", err)
	}
	return r.Heartbeat(ctx, s.ID)
}

// Delete removes a session by its own ID.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	if err := r.repo.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// DeleteByAgent removes the agent session named by agentID.
func (r *Registry) DeleteByAgent(ctx context.Context, agentID string) error {
	s, err := r.repo.GetByAgentID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session: delete by agent lookup: %w", err)
	}
	return r.Delete(ctx, s.ID)
}

// UserHasActiveListeners reports whether userID has at least one listener
// session whose heartbeat is within ListenerStaleWindow (spec.md §4.5/§4.6).
func (r *Registry) UserHasActiveListeners(ctx context.Context, userID uuid.UUID) (bool, error) {
	count, err := r.repo.CountListenersByUser(ctx, userID, time.Now().Add(-ListenerStaleWindow))
	if err != nil {
		return false, fmt.Errorf("session: user has active listeners: %w", err)
	}
	return count > 0, nil
}

// AgentLocation returns the instanceID currently owning agentID, or "" if
// the agent has no live (non-stale) session.
func (r *Registry) AgentLocation(ctx context.Context, agentID string) (string, error) {
	s, err := r.repo.GetByAgentID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("session: agent location: %w", err)
	}
	if time.Since(s.LastHeartbeat) > ListenerStaleWindow {
		return "", nil
	}
	return s.InstanceID, nil
}

// GarbageCollectStale deletes every session whose heartbeat predates
// ListenerStaleWindow (spec.md GLOSSARY: "Stale. Heartbeat older than the
// session (120s) or slot (300s) window" — sessions use the 120s window,
// distinct from internal/slot's 5-minute slot StaleWindow), returning the
// count removed.
func (r *Registry) GarbageCollectStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-ListenerStaleWindow)
	n, err := r.repo.DeleteStaleBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session: garbage collect: %w", err)
	}
	return n, nil
}

// DeleteByInstance removes every session row owned by instanceID (spec.md
// §4.5, invoked at process shutdown per spec.md §5 to clear this process's
// rows before releasing its slot).
func (r *Registry) DeleteByInstance(ctx context.Context, instanceID string) error {
	if err := r.repo.DeleteByInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("session: delete by instance: %w", err)
	}
	return nil
}
