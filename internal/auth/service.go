package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/atlas-capital/atlas-portal/internal/audit"
	"github.com/atlas-capital/atlas-portal/internal/session"
	"github.com/atlas-capital/atlas-portal/internal/shared"
	"github.com/atlas-capital/atlas-portal/internal/token"
)

// DefaultRoleAssigner grants the configured default role to freshly
// registered users.
type DefaultRoleAssigner interface {
	AssignDefaultRole(ctx context.Context, userID int64) error
}

// Service orchestrates the session lifecycle: login, refresh with
// rotation, logout and logout-everywhere. Sessions move ACTIVE to
// REVOKED by explicit revoke or ACTIVE to EXPIRED by time; neither
// transition ever reverses.
type Service struct {
	users    Repository
	sessions session.Repository
	tokens   *token.Service
	roles    DefaultRoleAssigner
	audit    *audit.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a new Service.
func NewService(users Repository, sessions session.Repository, tokens *token.Service, roles DefaultRoleAssigner, emitter *audit.Emitter, logger *slog.Logger) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		roles:    roles,
		audit:    emitter,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterInput carries credentials and request metadata for signup.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	UserAgent string
	IPAddress string
}

// Register creates the account, grants the default role, issues a
// token pair and persists the session.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &User{
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		PasswordHash: string(hash),
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	if s.roles != nil {
		if err := s.roles.AssignDefaultRole(ctx, user.ID); err != nil {
			s.logger.Warn("assign default role", slog.Int64("user_id", user.ID), slog.Any("error", err))
		}
	}
	result, err := s.issuePair(ctx, user, in.UserAgent, in.IPAddress)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:    user.ID,
		Action:    audit.ActionRegister,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})
	return result, nil
}

// LoginInput carries credentials and request metadata for login.
type LoginInput struct {
	Email     string
	Password  string
	UserAgent string
	IPAddress string
}

// Login validates credentials and creates a new session. Existing
// sessions are untouched so multiple devices coexist. Every failure
// mode reports the same shared.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	user, err := s.users.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(in.Email)))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("update last login", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	result, err := s.issuePair(ctx, user, in.UserAgent, in.IPAddress)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:    user.ID,
		Action:    audit.ActionLogin,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})
	return result, nil
}

// RefreshInput carries the presented refresh token and metadata.
type RefreshInput struct {
	RefreshToken string
	UserAgent    string
	IPAddress    string
}

// Refresh rotates the session: the old session is revoked and a new
// token pair with a new session row replaces it, so the presented
// token is permanently dead even if replayed later. The revoke is a
// conditional claim; of two concurrent callers presenting the same
// token, exactly one wins and the loser fails authentication.
func (s *Service) Refresh(ctx context.Context, in RefreshInput) (*AuthResult, error) {
	claims, err := s.tokens.VerifyRefreshToken(in.RefreshToken)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	sess, err := s.sessions.Get(ctx, in.RefreshToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, shared.ErrInvalidCredentials
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil || !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := s.sessions.Revoke(ctx, in.RefreshToken); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			// Lost the rotation race: another caller already claimed
			// this token.
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	// Stamp where the consumed token was presented from; the revoked
	// row keeps it until cleanup, which helps incident review.
	if err := s.sessions.TouchActivity(ctx, in.RefreshToken, in.UserAgent, in.IPAddress); err != nil {
		s.logger.Warn("touch session activity", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	result, err := s.issuePair(ctx, user, in.UserAgent, in.IPAddress)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:    user.ID,
		Action:    audit.ActionRefresh,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	})
	return result, nil
}

// Logout revokes the matching session. A missing session is treated as
// success: the end state, no usable session, is already achieved.
func (s *Service) Logout(ctx context.Context, refreshToken, userAgent, ip string) error {
	sess, err := s.sessions.Get(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.sessions.Revoke(ctx, refreshToken); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:    sess.UserID,
		Action:    audit.ActionLogout,
		IPAddress: ip,
		UserAgent: userAgent,
	})
	return nil
}

// LogoutAll revokes every session for the user. Used for "sign out
// everywhere" and incident response.
func (s *Service) LogoutAll(ctx context.Context, userID int64, userAgent, ip string) error {
	if err := s.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:    userID,
		Action:    audit.ActionLogoutAll,
		IPAddress: ip,
		UserAgent: userAgent,
	})
	return nil
}

// ValidatePrincipal confirms the subject of a verified access token
// still exists and is active. A nil principal with nil error lets the
// caller produce a uniform 401.
func (s *Service) ValidatePrincipal(ctx context.Context, userID int64) (*shared.Principal, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, nil
	}
	return &shared.Principal{ID: user.ID, Email: user.Email, IsActive: true}, nil
}

// issuePair mints an access/refresh pair and persists the new session.
// A session that fails to persist fails the whole operation.
func (s *Service) issuePair(ctx context.Context, user *User, userAgent, ip string) (*AuthResult, error) {
	accessToken, expiresIn, err := s.tokens.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, err
	}
	sess := &session.Session{
		UserID:       user.ID,
		RefreshToken: refreshToken,
		ExpiresAt:    s.now().Add(s.tokens.RefreshLifetime()),
		UserAgent:    userAgent,
		IPAddress:    ip,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
		User: UserSummary{
			ID:        user.ID,
			Email:     user.Email,
			FirstName: user.FirstName,
			LastName:  user.LastName,
		},
	}, nil
}
