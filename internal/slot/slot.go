// Package slot implements the Slot Registry (C1, spec.md §4.1): a small
// shared pool of named topics, database-backed, that avoids unbounded
// topic creation per process.
package slot

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/homecast/relay/internal/metrics"
	"github.com/homecast/relay/internal/repository"
)

const (
	// HeartbeatInterval is the cadence at which an owning process refreshes
	// its claimed slot (spec.md §4.1: "heartbeat cadence is 60s").
	HeartbeatInterval = 60 * time.Second
	// StaleWindow is how long a slot can go without a heartbeat before
	// another process may reclaim it (spec.md §4.1: "stale window is 5 min").
	StaleWindow = 5 * time.Minute

	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	tokenLength   = 8
	maxInsertTries = 10
)

// Lease is the slot handed back to a claiming process.
type Lease struct {
	SlotName   string
	InstanceID string
}

// Registry implements Claim/Heartbeat/Release/LookupSlotByInstance.
type Registry struct {
	repo    repository.SlotRepository
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Registry over the given repository. m may be nil.
func New(repo repository.SlotRepository, m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{repo: repo, metrics: m, logger: logger}
}

// Claim implements spec.md §4.1's three-step algorithm: refresh an owned
// row, else reclaim a free-or-stale row, else insert a brand-new one with a
// freshly generated token retried on collision.
func (r *Registry) Claim(ctx context.Context, instanceID string) (*Lease, error) {
	now := time.Now()

	if lease, err := r.repo.GetByInstance(ctx, instanceID); err == nil {
		if err := r.repo.RefreshOwned(ctx, lease.SlotName, instanceID, now); err != nil {
			r.countClaim("refresh_error")
			return nil, fmt.Errorf("slot: refresh owned: %w", err)
		}
		r.countClaim("refreshed")
		return &Lease{SlotName: lease.SlotName, InstanceID: instanceID}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("slot: lookup owned: %w", err)
	}

	staleCutoff := now.Add(-StaleWindow)
	slotName, err := r.repo.ClaimFreeOrStale(ctx, instanceID, staleCutoff, now)
	if err == nil {
		r.countClaim("claimed_existing")
		return &Lease{SlotName: slotName, InstanceID: instanceID}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, repository.ErrConflict) {
		return nil, fmt.Errorf("slot: claim free or stale: %w", err)
	}

	for i := 0; i < maxInsertTries; i++ {
		token, genErr := generateToken()
		if genErr != nil {
			return nil, fmt.Errorf("slot: generate token: %w", genErr)
		}
		insertErr := r.repo.Insert(ctx, token, instanceID, now)
		if insertErr == nil {
			r.countClaim("inserted")
			return &Lease{SlotName: token, InstanceID: instanceID}, nil
		}
		if errors.Is(insertErr, repository.ErrConflict) {
			continue
		}
		return nil, fmt.Errorf("slot: insert: %w", insertErr)
	}
	r.countClaim("exhausted")
	return nil, fmt.Errorf("slot: could not generate a unique token after %d tries", maxInsertTries)
}

func (r *Registry) countClaim(outcome string) {
	if r.metrics != nil {
		r.metrics.SlotClaimsTotal.WithLabelValues(outcome).Inc()
	}
}

// Heartbeat refreshes the lastHeartbeat of the slot owned by instanceID.
// Non-fatal if the slot is no longer owned (no-op).
func (r *Registry) Heartbeat(ctx context.Context, instanceID string) error {
	lease, err := r.repo.GetByInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("slot: heartbeat lookup: %w", err)
	}
	if err := r.repo.Heartbeat(ctx, lease.SlotName, instanceID, time.Now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("slot: heartbeat: %w", err)
	}
	return nil
}

// Release nulls out instanceID's claim on its slot, if any.
func (r *Registry) Release(ctx context.Context, instanceID string) error {
	lease, err := r.repo.GetByInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("slot: release lookup: %w", err)
	}
	if err := r.repo.Release(ctx, lease.SlotName, instanceID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("slot: release: %w", err)
	}
	return nil
}

// LookupSlotByInstance returns the slot name owned by instanceID, or ""
// if none.
func (r *Registry) LookupSlotByInstance(ctx context.Context, instanceID string) (string, error) {
	lease, err := r.repo.GetByInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("slot: lookup: %w", err)
	}
	return lease.SlotName, nil
}

// SeedPool pre-creates n empty slot rows with sequentially-suffixed names,
// the supplemented slot-pool-seeding feature in SPEC_FULL.md.
func (r *Registry) SeedPool(ctx context.Context, n int) error {
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, fmt.Sprintf("slot-%02d", i))
	}
	return r.repo.SeedEmpty(ctx, names)
}

func generateToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, tokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
