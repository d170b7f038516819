package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/atlas-capital/atlas-portal/internal/platform/httpx"
	"github.com/atlas-capital/atlas-portal/internal/shared"
	"github.com/atlas-capital/atlas-portal/internal/token"
)

// PrincipalSource confirms that the subject referenced by a verified
// access token still exists and is active. A nil principal with a nil
// error means "treat as unauthenticated".
type PrincipalSource interface {
	ValidatePrincipal(ctx context.Context, userID int64) (*shared.Principal, error)
}

// Guard authenticates bearer tokens and enforces route policies.
type Guard struct {
	Tokens     *token.Service
	Principals PrincipalSource
	Resolver   *Resolver
	Logger     *slog.Logger
}

// Require returns middleware enforcing the policy. On success the
// fully resolved principal is stored in the request context.
func (g Guard) Require(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if policy.Public {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := g.authenticate(r)
			if err != nil {
				httpx.RespondError(w, shared.ErrInvalidCredentials)
				return
			}
			if err := Check(policy, principal); err != nil {
				g.reject(w, r, principal, err)
				return
			}
			ctx := shared.ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuthenticated enforces a verified active principal with no
// role or permission requirements.
func (g Guard) RequireAuthenticated() func(http.Handler) http.Handler {
	return g.Require(Policy{})
}

func (g Guard) authenticate(r *http.Request) (*shared.Principal, error) {
	bearer := bearerToken(r)
	if bearer == "" {
		return nil, shared.ErrInvalidCredentials
	}
	claims, err := g.Tokens.VerifyAccessToken(bearer)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	principal, err := g.Principals.ValidatePrincipal(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		return nil, shared.ErrInvalidCredentials
	}
	grants, err := g.Resolver.Resolve(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	principal.Roles = grants.Roles
	principal.Permissions = grants.Permissions
	return principal, nil
}

func (g Guard) reject(w http.ResponseWriter, r *http.Request, principal *shared.Principal, err error) {
	var denial *DenialError
	if errors.As(err, &denial) {
		// Full detail stays in the server log; the response never
		// enumerates the principal's holdings.
		if g.Logger != nil {
			g.Logger.Warn("authorization denied",
				slog.String("path", r.URL.Path),
				slog.Int64("user_id", principal.ID),
				slog.String("category", denial.Category),
				slog.Any("required", denial.Required),
				slog.Any("roles", principal.Roles),
				slog.Any("permissions", principal.Permissions))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.RespondError(w, shared.ErrInvalidCredentials)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
