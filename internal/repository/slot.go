package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/homecast/relay/internal/db"
	"gorm.io/gorm"
)

type gormSlotRepository struct {
	db *gorm.DB
}

// NewSlotRepository returns a SlotRepository backed by the given *gorm.DB.
func NewSlotRepository(d *gorm.DB) SlotRepository {
	return &gormSlotRepository{db: d}
}

// GetByInstance returns the slot already owned by instanceID, if any
// (spec.md §4.1 Claim step 1).
func (r *gormSlotRepository) GetByInstance(ctx context.Context, instanceID string) (*db.SlotLease, error) {
	var lease db.SlotLease
	err := r.db.WithContext(ctx).First(&lease, "instance_id = ?", instanceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("slots: get by instance: %w", err)
	}
	return &lease, nil
}

// RefreshOwned refreshes claimedAt/lastHeartbeat on a slot already owned by
// instanceID (spec.md §4.1 Claim step 1).
func (r *gormSlotRepository) RefreshOwned(ctx context.Context, slotName, instanceID string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.SlotLease{}).
		Where("slot_name = ? AND instance_id = ?", slotName, instanceID).
		Updates(map[string]interface{}{"claimed_at": now, "last_heartbeat": now})
	if result.Error != nil {
		return fmt.Errorf("slots: refresh owned: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimFreeOrStale claims one row whose instance_id is null or whose
// last_heartbeat predates staleCutoff (spec.md §4.1 Claim step 2), inside a
// transaction so two processes racing on the same row cannot both succeed.
// Returns ErrNotFound if no such row exists.
func (r *gormSlotRepository) ClaimFreeOrStale(ctx context.Context, instanceID string, staleCutoff, now time.Time) (string, error) {
	var slotName string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease db.SlotLease
		err := tx.Set("gorm:query_option", "FOR UPDATE").
			Where("instance_id IS NULL OR last_heartbeat < ?", staleCutoff).
			Order("slot_name ASC").
			First(&lease).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		result := tx.Model(&db.SlotLease{}).
			Where("slot_name = ? AND (instance_id IS NULL OR last_heartbeat < ?)", lease.SlotName, staleCutoff).
			Updates(map[string]interface{}{
				"instance_id":    instanceID,
				"claimed_at":     now,
				"last_heartbeat": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race between the SELECT and the UPDATE; caller retries.
			return ErrConflict
		}
		slotName = lease.SlotName
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return "", err
		}
		return "", fmt.Errorf("slots: claim free or stale: %w", err)
	}
	return slotName, nil
}

// Insert creates a brand-new slot row already claimed by instanceID (spec.md
// §4.1 Claim step 3). Returns ErrConflict if slotName already exists so the
// caller can retry with a freshly generated token.
func (r *gormSlotRepository) Insert(ctx context.Context, slotName, instanceID string, now time.Time) error {
	lease := db.SlotLease{
		SlotName:      slotName,
		InstanceID:    &instanceID,
		ClaimedAt:     &now,
		LastHeartbeat: &now,
	}
	if err := r.db.WithContext(ctx).Create(&lease).Error; err != nil {
		if isUniqueConstraintErr(err) {
			return ErrConflict
		}
		return fmt.Errorf("slots: insert: %w", err)
	}
	return nil
}

func (r *gormSlotRepository) Heartbeat(ctx context.Context, slotName, instanceID string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.SlotLease{}).
		Where("slot_name = ? AND instance_id = ?", slotName, instanceID).
		Update("last_heartbeat", now)
	if result.Error != nil {
		return fmt.Errorf("slots: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSlotRepository) Release(ctx context.Context, slotName, instanceID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.SlotLease{}).
		Where("slot_name = ? AND instance_id = ?", slotName, instanceID).
		Updates(map[string]interface{}{
			"instance_id":    nil,
			"claimed_at":     nil,
			"last_heartbeat": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("slots: release: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSlotRepository) LookupByInstance(ctx context.Context, instanceID string) ([]db.SlotLease, error) {
	var leases []db.SlotLease
	if err := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Find(&leases).Error; err != nil {
		return nil, fmt.Errorf("slots: lookup by instance: %w", err)
	}
	return leases, nil
}

// SeedEmpty inserts a free slot row for each name not already present.
// Used at startup to pre-create the fixed pool (SPEC_FULL.md's supplemented
// slot-pool-seeding feature).
func (r *gormSlotRepository) SeedEmpty(ctx context.Context, names []string) error {
	for _, name := range names {
		lease := db.SlotLease{SlotName: name}
		if err := r.db.WithContext(ctx).
			Where("slot_name = ?", name).
			FirstOrCreate(&lease).Error; err != nil {
			return fmt.Errorf("slots: seed %q: %w", name, err)
		}
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
