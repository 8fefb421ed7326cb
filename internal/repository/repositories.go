// Package repository contains the GORM-backed data access layer: one
// interface plus one implementation per aggregate (Session, SlotLease,
// Home, HomeOwnership, UserSettings), matching the teacher's
// internal/repositories package split.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/homecast/relay/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// SessionRepository backs the Session Registry (C5, spec.md §4.5).
type SessionRepository interface {
	Create(ctx context.Context, s *db.Session) error
	GetByID(ctx context.Context, id string) (*db.Session, error)
	GetByAgentID(ctx context.Context, agentID string) (*db.Session, error)
	Update(ctx context.Context, s *db.Session) error
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteByInstance(ctx context.Context, instanceID string) error
	DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, sessionType db.SessionType) ([]db.Session, error)
	CountListenersByUser(ctx context.Context, userID uuid.UUID, heartbeatAfter time.Time) (int64, error)
}

// SlotRepository backs the Slot Registry (C1, spec.md §4.1). Claim is split
// across three methods mirroring spec.md §4.1's three-step algorithm; the
// internal/slot package orchestrates them.
type SlotRepository interface {
	GetByInstance(ctx context.Context, instanceID string) (*db.SlotLease, error)
	RefreshOwned(ctx context.Context, slotName, instanceID string, now time.Time) error
	ClaimFreeOrStale(ctx context.Context, instanceID string, staleCutoff, now time.Time) (string, error)
	Insert(ctx context.Context, slotName, instanceID string, now time.Time) error
	Heartbeat(ctx context.Context, slotName, instanceID string, now time.Time) error
	Release(ctx context.Context, slotName, instanceID string) error
	LookupByInstance(ctx context.Context, instanceID string) ([]db.SlotLease, error)
	SeedEmpty(ctx context.Context, names []string) error
}

// HomeRepository backs read-only home lookups used by the Scope Router (C9).
type HomeRepository interface {
	GetByPrefix(ctx context.Context, prefix string) (*db.Home, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.Home, error)
}

// HomeOwnershipRepository backs the home-ownership checks used by the Scope
// Router (spec.md §4.8 step 3).
type HomeOwnershipRepository interface {
	IsOwner(ctx context.Context, userID, homeID uuid.UUID) (bool, error)
	ListHomesForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ListUsersForHome(ctx context.Context, homeID uuid.UUID) ([]uuid.UUID, error)
}

// UserRepository backs user-prefix resolution used by the Scope Router
// when matching the `{userPrefix}/...` URL shape (spec.md §4.8).
type UserRepository interface {
	GetByPrefix(ctx context.Context, prefix string) (*db.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
}

// UserSettingsRepository backs the user's auth-requirement policy.
type UserSettingsRepository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*db.UserSettings, error)
}
