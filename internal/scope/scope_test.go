package scope

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/db"
	"github.com/homecast/relay/internal/repository"
)

type fakeHomeRepo struct{ homes map[string]*db.Home }

func (f *fakeHomeRepo) GetByPrefix(ctx context.Context, prefix string) (*db.Home, error) {
	if h, ok := f.homes[prefix]; ok {
		return h, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeHomeRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Home, error) {
	for _, h := range f.homes {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakeUserRepo struct{ users map[string]*db.User }

func (f *fakeUserRepo) GetByPrefix(ctx context.Context, prefix string) (*db.User, error) {
	if u, ok := f.users[prefix]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakeOwnershipRepo struct{ ownersByHome map[uuid.UUID][]uuid.UUID }

func (f *fakeOwnershipRepo) IsOwner(ctx context.Context, userID, homeID uuid.UUID) (bool, error) {
	for _, uid := range f.ownersByHome[homeID] {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeOwnershipRepo) ListHomesForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (f *fakeOwnershipRepo) ListUsersForHome(ctx context.Context, homeID uuid.UUID) ([]uuid.UUID, error) {
	return f.ownersByHome[homeID], nil
}

type fakeSettingsRepo struct{ byUser map[uuid.UUID]*db.UserSettings }

func (f *fakeSettingsRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*db.UserSettings, error) {
	if s, ok := f.byUser[userID]; ok {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

func newTestRouter(ownerships *fakeOwnershipRepo, settings *fakeSettingsRepo) *Router {
	return New(&fakeHomeRepo{homes: map[string]*db.Home{}}, &fakeUserRepo{users: map[string]*db.User{}}, ownerships, settings, nil, zap.NewNop())
}

func TestHomeRequiresAuth_DefaultsTrueWithNoOwners(t *testing.T) {
	rt := newTestRouter(&fakeOwnershipRepo{ownersByHome: map[uuid.UUID][]uuid.UUID{}}, &fakeSettingsRepo{byUser: map[uuid.UUID]*db.UserSettings{}})
	homeID := uuid.New()

	assert.True(t, rt.homeRequiresAuth(context.Background(), homeID))
}

func TestHomeRequiresAuth_FalseWhenEveryOwnerWaives(t *testing.T) {
	homeID := uuid.New()
	owner := uuid.New()
	rt := newTestRouter(
		&fakeOwnershipRepo{ownersByHome: map[uuid.UUID][]uuid.UUID{homeID: {owner}}},
		&fakeSettingsRepo{byUser: map[uuid.UUID]*db.UserSettings{
			owner: {UserID: owner, RequireAuthHomesJSON: `{"` + homeID.String() + `":false}`},
		}},
	)

	assert.False(t, rt.homeRequiresAuth(context.Background(), homeID))
}

func TestHomeRequiresAuth_TrueWhenOneOwnerDoesNotWaive(t *testing.T) {
	homeID := uuid.New()
	ownerA, ownerB := uuid.New(), uuid.New()
	rt := newTestRouter(
		&fakeOwnershipRepo{ownersByHome: map[uuid.UUID][]uuid.UUID{homeID: {ownerA, ownerB}}},
		&fakeSettingsRepo{byUser: map[uuid.UUID]*db.UserSettings{
			ownerA: {UserID: ownerA, RequireAuthHomesJSON: `{"` + homeID.String() + `":false}`},
			// ownerB has no settings row at all — missing settings default to required.
		}},
	)

	assert.True(t, rt.homeRequiresAuth(context.Background(), homeID))
}

func TestHomeRequiresAuth_TrueOnMalformedSettingsJSON(t *testing.T) {
	homeID := uuid.New()
	owner := uuid.New()
	rt := newTestRouter(
		&fakeOwnershipRepo{ownersByHome: map[uuid.UUID][]uuid.UUID{homeID: {owner}}},
		&fakeSettingsRepo{byUser: map[uuid.UUID]*db.UserSettings{
			owner: {UserID: owner, RequireAuthHomesJSON: `not json`},
		}},
	)

	assert.True(t, rt.homeRequiresAuth(context.Background(), homeID))
}

func TestUserScopeRequiresAuth_DefaultsTrueWithNoSettings(t *testing.T) {
	rt := newTestRouter(&fakeOwnershipRepo{}, &fakeSettingsRepo{byUser: map[uuid.UUID]*db.UserSettings{}})
	userID := uuid.New()

	assert.True(t, rt.userScopeRequiresAuth(context.Background(), userID))
}

func TestUserScopeRequiresAuth_RespectsExplicitSetting(t *testing.T) {
	userID := uuid.New()
	rt := newTestRouter(&fakeOwnershipRepo{}, &fakeSettingsRepo{byUser: map[uuid.UUID]*db.UserSettings{
		userID: {UserID: userID, RequireAuthUserScope: false},
	}})

	assert.False(t, rt.userScopeRequiresAuth(context.Background(), userID))
}
