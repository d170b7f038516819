package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/atlas-capital/atlas-portal/internal/audit"
	"github.com/atlas-capital/atlas-portal/internal/session"
	"github.com/atlas-capital/atlas-portal/internal/shared"
	"github.com/atlas-capital/atlas-portal/internal/token"
)

type memoryUsers struct {
	mu           sync.Mutex
	byEmail      map[string]*User
	byID         map[int64]*User
	nextID       int64
	lastLoginErr error
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byEmail: map[string]*User{}, byID: map[int64]*User{}}
}

func (m *memoryUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memoryUsers) FindByID(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memoryUsers) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[u.Email]; ok {
		return shared.ErrDuplicate
	}
	m.nextID++
	u.ID = m.nextID
	u.IsActive = true
	stored := *u
	m.byEmail[u.Email] = &stored
	m.byID[u.ID] = &stored
	return nil
}

func (m *memoryUsers) UpdateLastLogin(ctx context.Context, id int64) error {
	if m.lastLoginErr != nil {
		return m.lastLoginErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		u.LastLoginAt = time.Now()
	}
	return nil
}

func (m *memoryUsers) deactivate(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		u.IsActive = false
	}
}

type memorySessions struct {
	mu        sync.Mutex
	sessions  map[string]*session.Session
	nextID    int64
	createErr error
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: map[string]*session.Session{}}
}

func (m *memorySessions) Create(ctx context.Context, s *session.Session) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	stored := *s
	m.sessions[s.RefreshToken] = &stored
	return nil
}

func (m *memorySessions) Get(ctx context.Context, refreshToken string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[refreshToken]
	if !ok || s.IsRevoked || !s.ExpiresAt.After(time.Now()) {
		return nil, session.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memorySessions) Revoke(ctx context.Context, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[refreshToken]
	if !ok || s.IsRevoked {
		return session.ErrNotFound
	}
	s.IsRevoked = true
	return nil
}

func (m *memorySessions) RevokeAll(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.IsRevoked = true
		}
	}
	return nil
}

func (m *memorySessions) TouchActivity(ctx context.Context, refreshToken, userAgent, ip string) error {
	return nil
}

func (m *memorySessions) Cleanup(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, s := range m.sessions {
		if s.IsRevoked || !s.ExpiresAt.After(time.Now()) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed, nil
}

func (m *memorySessions) liveCount(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.Live(time.Now()) {
			count++
		}
	}
	return count
}

type stubAssigner struct {
	calls []int64
	err   error
}

func (s *stubAssigner) AssignDefaultRole(ctx context.Context, userID int64) error {
	s.calls = append(s.calls, userID)
	return s.err
}

type stubRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (s *stubRecorder) Insert(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubRecorder) List(ctx context.Context, filters audit.ListFilters) ([]audit.Entry, error) {
	return nil, nil
}

func (s *stubRecorder) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

type authFixture struct {
	svc      *Service
	users    *memoryUsers
	sessions *memorySessions
	assigner *stubAssigner
	recorder *stubRecorder
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := token.NewService(token.Config{
		AccessSecret:    "access-secret",
		RefreshSecret:   "refresh-secret",
		AccessLifetime:  "15m",
		RefreshLifetime: time.Hour,
		Issuer:          "atlas-test",
	})
	f := &authFixture{
		users:    newMemoryUsers(),
		sessions: newMemorySessions(),
		assigner: &stubAssigner{},
		recorder: &stubRecorder{},
	}
	f.svc = NewService(f.users, f.sessions, tokens, f.assigner, audit.NewEmitter(f.recorder, logger), logger)
	return f
}

func (f *authFixture) register(t *testing.T, email string) *AuthResult {
	t.Helper()
	result, err := f.svc.Register(context.Background(), RegisterInput{
		Email:     email,
		Password:  "correct horse",
		FirstName: "Ada",
		LastName:  "Investor",
	})
	require.NoError(t, err)
	return result
}

func TestRegisterIssuesPairAndDefaultRole(t *testing.T) {
	f := newAuthFixture(t)

	result := f.register(t, "ada@example.com")

	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.Equal(t, 900, result.ExpiresIn)
	assert.Equal(t, "ada@example.com", result.User.Email)
	assert.Equal(t, []int64{result.User.ID}, f.assigner.calls)
	assert.Equal(t, 1, f.sessions.liveCount(result.User.ID))
	assert.Contains(t, f.recorder.actions(), audit.ActionRegister)
}

func TestRegisterSurvivesDefaultRoleFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.assigner.err = errors.New("role store down")

	result := f.register(t, "ada@example.com")
	assert.NotEmpty(t, result.RefreshToken)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "ada@example.com")

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email:    "ada@example.com",
		Password: "correct horse",
	})
	assert.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "ada@example.com")

	result, err := f.svc.Login(context.Background(), LoginInput{
		Email:    "Ada@Example.com",
		Password: "correct horse",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.RefreshToken)
	assert.Equal(t, 2, f.sessions.liveCount(result.User.ID))
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newAuthFixture(t)
	registered := f.register(t, "ada@example.com")

	cases := map[string]LoginInput{
		"unknown email":  {Email: "nobody@example.com", Password: "correct horse"},
		"wrong password": {Email: "ada@example.com", Password: "wrong"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Login(context.Background(), in)
			assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
		})
	}

	f.users.deactivate(registered.User.ID)
	_, err := f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "correct horse"})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestLoginSurvivesLastLoginFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "ada@example.com")
	f.users.lastLoginErr = errors.New("stamp failed")

	_, err := f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "correct horse"})
	assert.NoError(t, err)
}

func TestLoginSessionCreateFailurePropagates(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "ada@example.com")
	f.sessions.createErr = errors.New("insert failed")

	_, err := f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "correct horse"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestLoginSurvivesAuditFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "ada@example.com")
	f.recorder.err = errors.New("audit store down")

	_, err := f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "correct horse"})
	assert.NoError(t, err)
}

func TestRefreshRotatesAndKillsOldToken(t *testing.T) {
	f := newAuthFixture(t)
	first := f.register(t, "ada@example.com")

	rotated, err := f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: first.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, 1, f.sessions.liveCount(first.User.ID))

	// Replaying the consumed token must fail permanently.
	_, err = f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: first.RefreshToken})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	// The rotated token keeps working.
	_, err = f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: rotated.RefreshToken})
	assert.NoError(t, err)
}

func TestRefreshRejectsGarbageToken(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: "not-a-jwt"})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestRefreshRejectsAccessTokenPresentedAsRefresh(t *testing.T) {
	f := newAuthFixture(t)
	result := f.register(t, "ada@example.com")

	_, err := f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: result.AccessToken})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestRefreshRejectsDeactivatedUser(t *testing.T) {
	f := newAuthFixture(t)
	result := f.register(t, "ada@example.com")
	f.users.deactivate(result.User.ID)

	_, err := f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: result.RefreshToken})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestMultiDeviceSessionsAreIsolated(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "ada@example.com")

	laptop, err := f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	phone, err := f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.NotEqual(t, laptop.RefreshToken, phone.RefreshToken)

	require.NoError(t, f.svc.Logout(context.Background(), laptop.RefreshToken, "", ""))

	_, err = f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: laptop.RefreshToken})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
	_, err = f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: phone.RefreshToken})
	assert.NoError(t, err)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	f := newAuthFixture(t)
	registered := f.register(t, "ada@example.com")

	laptop, err := f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)
	phone, err := f.svc.Login(context.Background(), LoginInput{Email: "ada@example.com", Password: "correct horse"})
	require.NoError(t, err)

	rotated, err := f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: laptop.RefreshToken})
	require.NoError(t, err)

	require.NoError(t, f.svc.LogoutAll(context.Background(), registered.User.ID, "", ""))
	assert.Equal(t, 0, f.sessions.liveCount(registered.User.ID))

	for _, tok := range []string{registered.RefreshToken, laptop.RefreshToken, phone.RefreshToken, rotated.RefreshToken} {
		_, err := f.svc.Refresh(context.Background(), RefreshInput{RefreshToken: tok})
		assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newAuthFixture(t)
	result := f.register(t, "ada@example.com")

	require.NoError(t, f.svc.Logout(context.Background(), result.RefreshToken, "", ""))
	assert.NoError(t, f.svc.Logout(context.Background(), result.RefreshToken, "", ""))
	assert.NoError(t, f.svc.Logout(context.Background(), "never-issued", "", ""))
}

func TestValidatePrincipal(t *testing.T) {
	f := newAuthFixture(t)
	result := f.register(t, "ada@example.com")

	principal, err := f.svc.ValidatePrincipal(context.Background(), result.User.ID)
	require.NoError(t, err)
	require.NotNil(t, principal)
	assert.Equal(t, result.User.ID, principal.ID)
	assert.Equal(t, "ada@example.com", principal.Email)
	assert.True(t, principal.IsActive)

	principal, err = f.svc.ValidatePrincipal(context.Background(), 9999)
	require.NoError(t, err)
	assert.Nil(t, principal)

	f.users.deactivate(result.User.ID)
	principal, err = f.svc.ValidatePrincipal(context.Background(), result.User.ID)
	require.NoError(t, err)
	assert.Nil(t, principal)
}

func TestPasswordsAreStoredHashed(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "ada@example.com")

	stored, err := f.users.FindByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("correct horse")))
}
