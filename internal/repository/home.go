package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/homecast/relay/internal/db"
	"gorm.io/gorm"
)

type gormHomeRepository struct {
	db *gorm.DB
}

// NewHomeRepository returns a HomeRepository backed by the given *gorm.DB.
func NewHomeRepository(d *gorm.DB) HomeRepository {
	return &gormHomeRepository{db: d}
}

func (r *gormHomeRepository) GetByPrefix(ctx context.Context, prefix string) (*db.Home, error) {
	var h db.Home
	err := r.db.WithContext(ctx).First(&h, "prefix = ?", prefix).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("homes: get by prefix: %w", err)
	}
	return &h, nil
}

func (r *gormHomeRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Home, error) {
	var h db.Home
	err := r.db.WithContext(ctx).First(&h, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("homes: get by id: %w", err)
	}
	return &h, nil
}

type gormHomeOwnershipRepository struct {
	db *gorm.DB
}

// NewHomeOwnershipRepository returns a HomeOwnershipRepository backed by the
// given *gorm.DB.
func NewHomeOwnershipRepository(d *gorm.DB) HomeOwnershipRepository {
	return &gormHomeOwnershipRepository{db: d}
}

func (r *gormHomeOwnershipRepository) IsOwner(ctx context.Context, userID, homeID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.HomeOwnership{}).
		Where("user_id = ? AND home_id = ?", userID, homeID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("home ownerships: is owner: %w", err)
	}
	return count > 0, nil
}

func (r *gormHomeOwnershipRepository) ListHomesForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ownerships []db.HomeOwnership
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&ownerships).Error; err != nil {
		return nil, fmt.Errorf("home ownerships: list for user: %w", err)
	}
	homeIDs := make([]uuid.UUID, 0, len(ownerships))
	for _, o := range ownerships {
		homeIDs = append(homeIDs, o.HomeID)
	}
	return homeIDs, nil
}

func (r *gormHomeOwnershipRepository) ListUsersForHome(ctx context.Context, homeID uuid.UUID) ([]uuid.UUID, error) {
	var ownerships []db.HomeOwnership
	if err := r.db.WithContext(ctx).Where("home_id = ?", homeID).Find(&ownerships).Error; err != nil {
		return nil, fmt.Errorf("home ownerships: list for home: %w", err)
	}
	userIDs := make([]uuid.UUID, 0, len(ownerships))
	for _, o := range ownerships {
		userIDs = append(userIDs, o.UserID)
	}
	return userIDs, nil
}

type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the given *gorm.DB.
func NewUserRepository(d *gorm.DB) UserRepository {
	return &gormUserRepository{db: d}
}

func (r *gormUserRepository) GetByPrefix(ctx context.Context, prefix string) (*db.User, error) {
	var u db.User
	err := r.db.WithContext(ctx).First(&u, "prefix = ?", prefix).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by prefix: %w", err)
	}
	return &u, nil
}

func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var u db.User
	err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &u, nil
}
