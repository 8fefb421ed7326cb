package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all UUID-keyed models.
// ID uses UUID v7 (time-ordered) for B-tree-friendly indexing.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUIDv7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Home is the minimal identity row for a smart-home. Everything else about
// the home (rooms, accessories, scenes) lives behind the agent and is opaque
// to the relay (spec.md §1: "pure data transforms, never interprets payload
// contents").
type Home struct {
	base
	Prefix string `gorm:"type:text;uniqueIndex;not null"` // 8 hex chars
	Name   string `gorm:"not null"`
}

// HomeOwnership is a read-only binding between a user and a home, owned by
// an external provisioning collaborator (spec.md §3). The relay only reads
// it to resolve scope during Scope Router checks (§4.8).
type HomeOwnership struct {
	base
	HomeID uuid.UUID `gorm:"type:text;index;not null"`
	UserID uuid.UUID `gorm:"type:text;index;not null"`
}

// User is the minimal identity row the relay needs to key sessions and
// settings by; issuance/profile management is an external collaborator
// (spec.md §1 Out-of-scope).
type User struct {
	base
	Prefix string `gorm:"type:text;uniqueIndex;not null"`
}

// UserSettings holds the per-user auth policy consulted by the Scope Router
// (spec.md §4.8 step 3). RequireAuthHomesJSON decodes to map[homeID]bool;
// a missing row or malformed JSON means "auth required" for every scope.
type UserSettings struct {
	UserID                uuid.UUID `gorm:"type:text;primaryKey"`
	RequireAuthUserScope  bool      `gorm:"not null;default:true"`
	RequireAuthHomesJSON  string    `gorm:"type:text;not null;default:'{}'"`
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

// SessionType discriminates the two kinds of duplex connection tracked by
// the Session Registry (spec.md §3, session-based model).
type SessionType string

const (
	SessionTypeAgent    SessionType = "AGENT"
	SessionTypeListener SessionType = "LISTENER"
)

// Session unifies Agent Sessions and Listener Sessions under one table
// (SPEC_FULL.md §3 Open Question resolution). AgentID is set and unique for
// agent sessions, null for listener sessions.
type Session struct {
	ID            string      `gorm:"type:text;primaryKey"` // session token, see internal/session
	UserID        uuid.UUID   `gorm:"type:text;index;not null"`
	InstanceID    string      `gorm:"type:text;index;not null"`
	SessionType   SessionType `gorm:"type:text;not null"`
	AgentID       *string     `gorm:"type:text;uniqueIndex"`
	Name          string      `gorm:"not null;default:''"`
	LastHeartbeat time.Time   `gorm:"not null"`
	CreatedAt     time.Time   `gorm:"not null"`
}

// SlotLease is one row of the fixed slot pool (spec.md §4.1). InstanceID and
// the timestamps are null while the slot is free.
type SlotLease struct {
	SlotName      string     `gorm:"type:text;primaryKey"`
	InstanceID    *string    `gorm:"type:text;index"`
	ClaimedAt     *time.Time
	LastHeartbeat *time.Time
}
