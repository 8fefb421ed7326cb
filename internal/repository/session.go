package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/homecast/relay/internal/db"
	"gorm.io/gorm"
)

type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the given *gorm.DB.
func NewSessionRepository(d *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: d}
}

func (r *gormSessionRepository) Create(ctx context.Context, s *db.Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

func (r *gormSessionRepository) GetByID(ctx context.Context, id string) (*db.Session, error) {
	var s db.Session
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by id: %w", err)
	}
	return &s, nil
}

func (r *gormSessionRepository) GetByAgentID(ctx context.Context, agentID string) (*db.Session, error) {
	var s db.Session
	err := r.db.WithContext(ctx).First(&s, "agent_id = ?", agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by agent id: %w", err)
	}
	return &s, nil
}

func (r *gormSessionRepository) Update(ctx context.Context, s *db.Session) error {
	result := r.db.WithContext(ctx).Save(s)
	if result.Error != nil {
		return fmt.Errorf("sessions: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSessionRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Session{}).
		Where("id = ?", id).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return fmt.Errorf("sessions: update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSessionRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&db.Session{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("sessions: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByInstance removes every session row owned by instanceID, invoked at
// process shutdown to clear this process's rows before its slot is released
// (spec.md §4.5, §5).
func (r *gormSessionRepository) DeleteByInstance(ctx context.Context, instanceID string) error {
	if err := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&db.Session{}).Error; err != nil {
		return fmt.Errorf("sessions: delete by instance: %w", err)
	}
	return nil
}

// DeleteStaleBefore removes every session whose last heartbeat predates
// cutoff, used by the Session Registry's garbage collector (spec.md §4.5).
func (r *gormSessionRepository) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("last_heartbeat < ?", cutoff).Delete(&db.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("sessions: delete stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormSessionRepository) ListByUser(ctx context.Context, userID uuid.UUID, sessionType db.SessionType) ([]db.Session, error) {
	var sessions []db.Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_type = ?", userID, sessionType).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("sessions: list by user: %w", err)
	}
	return sessions, nil
}

// CountListenersByUser counts userID's listener sessions with a heartbeat at
// or after heartbeatAfter, so staleness is enforced at query time rather than
// relying solely on the GC sweep's cadence (spec.md §4.5/§4.6).
func (r *gormSessionRepository) CountListenersByUser(ctx context.Context, userID uuid.UUID, heartbeatAfter time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Session{}).
		Where("user_id = ? AND session_type = ? AND last_heartbeat >= ?", userID, db.SessionTypeListener, heartbeatAfter).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("sessions: count listeners: %w", err)
	}
	return count, nil
}
