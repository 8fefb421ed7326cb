// Package scope implements the Scope Router (C9, spec.md §4.8): it
// resolves a `{homePrefix}` or `{userPrefix}` URL segment to a concrete
// identity, decides whether the scope requires a bearer token, validates
// one when required, and binds the result to the request context for
// downstream adapters.
package scope

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/auth"
	"github.com/homecast/relay/internal/repository"
)

// Kind identifies which of the two URL shapes recognised by the Scope
// Router a given mount uses (spec.md §4.8).
type Kind string

const (
	KindHome Kind = "home"
	KindUser Kind = "user"
)

var prefixPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)

// Scope is the resolved identity bound to the request context for the
// lifetime of the request (spec.md §4.8 step 5).
type Scope struct {
	Kind   Kind
	Prefix string
	HomeID uuid.UUID
	UserID uuid.UUID
}

// AuthContext carries the validated bearer token's claims, when present.
type AuthContext struct {
	UserID uuid.UUID
	Claims *auth.Claims
}

type contextKey int

const (
	contextKeyScope contextKey = iota
	contextKeyAuth
)

// FromContext retrieves the Scope bound by the router's middleware.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(contextKeyScope).(*Scope)
	return s, ok
}

// AuthFromContext retrieves the AuthContext bound by the router's
// middleware, if the scope required authentication.
func AuthFromContext(ctx context.Context) (*AuthContext, bool) {
	a, ok := ctx.Value(contextKeyAuth).(*AuthContext)
	return a, ok
}

// Router resolves scopes and enforces the per-scope auth policy.
type Router struct {
	homes      repository.HomeRepository
	users      repository.UserRepository
	ownerships repository.HomeOwnershipRepository
	settings   repository.UserSettingsRepository
	jwt        *auth.JWTManager
	logger     *zap.Logger
}

// New constructs a Router from its dependencies.
func New(
	homes repository.HomeRepository,
	users repository.UserRepository,
	ownerships repository.HomeOwnershipRepository,
	settings repository.UserSettingsRepository,
	jwt *auth.JWTManager,
	logger *zap.Logger,
) *Router {
	return &Router{
		homes:      homes,
		users:      users,
		ownerships: ownerships,
		settings:   settings,
		jwt:        jwt,
		logger:     logger,
	}
}

// Middleware returns a chi middleware implementing spec.md §4.8 steps 1-5
// for the given Kind. param is the chi URL parameter name carrying the
// 8-hex-character prefix (e.g. "homePrefix" or "userPrefix").
func (rt *Router) Middleware(kind Kind, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := chi.URLParam(r, param)
			prefix := strings.ToLower(raw)
			if !prefixPattern.MatchString(prefix) {
				writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed scope prefix")
				return
			}

			sc, requireAuth, err := rt.resolve(r.Context(), kind, prefix)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					writeError(w, http.StatusNotFound, "NOT_FOUND", "scope not found")
					return
				}
				rt.logger.Error("scope resolve failed", zap.Error(err), zap.String("prefix", prefix))
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "scope resolution failed")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyScope, sc)

			if requireAuth {
				authCtx, ok := rt.authenticate(w, r, sc)
				if !ok {
					return
				}
				ctx = context.WithValue(ctx, contextKeyAuth, authCtx)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
			// Scope and auth context are request-scoped values on a context
			// that is discarded with the request; nothing further to clear.
		})
	}
}

// resolve implements steps 1-3: validate (already done by caller), resolve,
// and decide whether auth is required.
func (rt *Router) resolve(ctx context.Context, kind Kind, prefix string) (*Scope, bool, error) {
	switch kind {
	case KindHome:
		home, err := rt.homes.GetByPrefix(ctx, prefix)
		if err != nil {
			return nil, false, err
		}
		requireAuth := rt.homeRequiresAuth(ctx, home.ID)
		return &Scope{Kind: KindHome, Prefix: prefix, HomeID: home.ID}, requireAuth, nil

	case KindUser:
		user, err := rt.users.GetByPrefix(ctx, prefix)
		if err != nil {
			return nil, false, err
		}
		requireAuth := rt.userScopeRequiresAuth(ctx, user.ID)
		return &Scope{Kind: KindUser, Prefix: prefix, UserID: user.ID}, requireAuth, nil

	default:
		return nil, false, errors.New("scope: unknown kind")
	}
}

// homeRequiresAuth resolves the boolean auth policy for a home scope by
// checking every owner's settings; if any owner's settings are missing or
// malformed, or no settings exist at all, auth is required (spec.md §4.8
// step 3 default).
// homeRequiresAuth requires auth unless every owner's settings explicitly
// waive it for this home (spec.md §4.8 step 3 default: missing/malformed
// settings mean auth required).
func (rt *Router) homeRequiresAuth(ctx context.Context, homeID uuid.UUID) bool {
	ownerIDs, err := rt.ownerships.ListUsersForHome(ctx, homeID)
	if err != nil || len(ownerIDs) == 0 {
		return true
	}
	for _, uid := range ownerIDs {
		if !rt.homePrefixExempt(ctx, uid, homeID) {
			return true
		}
	}
	return false
}

func (rt *Router) homePrefixExempt(ctx context.Context, userID, homeID uuid.UUID) bool {
	settings, err := rt.settings.GetByUserID(ctx, userID)
	if err != nil {
		return false
	}
	exemptions := map[string]bool{}
	if jsonErr := json.Unmarshal([]byte(settings.RequireAuthHomesJSON), &exemptions); jsonErr != nil {
		return false
	}
	required, ok := exemptions[homeID.String()]
	if !ok {
		return true
	}
	return !required
}

func (rt *Router) userScopeRequiresAuth(ctx context.Context, userID uuid.UUID) bool {
	settings, err := rt.settings.GetByUserID(ctx, userID)
	if err != nil {
		return true
	}
	return settings.RequireAuthUserScope
}

// authenticate implements step 4: extract and validate the bearer token,
// and for user scopes require the subject to match the resolved userID.
func (rt *Router) authenticate(w http.ResponseWriter, r *http.Request, sc *Scope) (*AuthContext, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return nil, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "malformed authorization header")
		return nil, false
	}

	claims, err := rt.jwt.ValidateAccessToken(parts[1])
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
		return nil, false
	}

	userID, err := uuid.Parse(claims.UserID())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token subject")
		return nil, false
	}

	if sc.Kind == KindUser && userID != sc.UserID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "token subject does not match scope")
		return nil, false
	}

	return &AuthContext{UserID: userID, Claims: claims}, true
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
