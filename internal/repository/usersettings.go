package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/homecast/relay/internal/db"
	"gorm.io/gorm"
)

type gormUserSettingsRepository struct {
	db *gorm.DB
}

// NewUserSettingsRepository returns a UserSettingsRepository backed by the
// given *gorm.DB.
func NewUserSettingsRepository(d *gorm.DB) UserSettingsRepository {
	return &gormUserSettingsRepository{db: d}
}

func (r *gormUserSettingsRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*db.UserSettings, error) {
	var s db.UserSettings
	err := r.db.WithContext(ctx).First(&s, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("user settings: get by user id: %w", err)
	}
	return &s, nil
}
