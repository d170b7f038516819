// Package token signs and verifies the access and refresh tokens used
// by the authorization kernel. Access and refresh tokens are signed
// with distinct secrets so that compromise of one cannot be used to
// mint the other type.
package token

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAccessLifetime is used when the configured access-token
// lifetime cannot be parsed.
const DefaultAccessLifetime = 900 * time.Second

// ErrInvalidToken indicates a token that failed verification for any
// reason: bad signature, expiry, malformed payload or wrong type.
var ErrInvalidToken = errors.New("token: invalid token")

// Config carries signing material and lifetimes. It is constructed
// once at process start and passed by reference; nothing in this
// package reads ambient state.
type Config struct {
	AccessSecret    string
	RefreshSecret   string
	AccessLifetime  string
	RefreshLifetime time.Duration
	Issuer          string
}

// AccessClaims is the payload carried by access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// UserID parses the subject claim into a user id.
func (c *AccessClaims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// RefreshClaims is the payload carried by refresh tokens. The jti is
// a random nonce so two refresh tokens for the same subject are never
// bit-identical, which lets the token double as a unique session key.
type RefreshClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"type"`
}

// UserID parses the subject claim into a user id.
func (c *RefreshClaims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// Service issues and verifies signed tokens.
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// NewService constructs a Service from the given config.
func NewService(cfg Config) *Service {
	refreshTTL := cfg.RefreshLifetime
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     ParseLifetime(cfg.AccessLifetime),
		refreshTTL:    refreshTTL,
		issuer:        cfg.Issuer,
		now:           time.Now,
	}
}

// AccessLifetime returns the effective access-token lifetime.
func (s *Service) AccessLifetime() time.Duration {
	return s.accessTTL
}

// RefreshLifetime returns the effective refresh-token lifetime.
func (s *Service) RefreshLifetime() time.Duration {
	return s.refreshTTL
}

// IssueAccessToken produces a short-lived signed token carrying the
// subject id and email, returning the token and its lifetime in seconds.
func (s *Service) IssueAccessToken(userID int64, email string) (string, int, error) {
	now := s.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.accessSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int(s.accessTTL.Seconds()), nil
}

// IssueRefreshToken produces a refresh token signed with the refresh
// secret, carrying a type marker and a random unique jti.
func (s *Service) IssueRefreshToken(userID int64) (string, error) {
	now := s.now()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		TokenType: "refresh",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.refreshSecret)
}

// VerifyAccessToken checks signature and expiry. It never touches the
// session store; access-token verification stays stateless on the hot path.
func (s *Service) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(tokenString, claims, s.accessSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefreshToken checks signature, expiry and the refresh type marker.
func (s *Service) VerifyRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(tokenString, claims, s.refreshSecret); err != nil {
		return nil, err
	}
	if claims.TokenType != "refresh" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	if tokenString == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

// ParseLifetime converts a configured lifetime such as "15m", "2h" or
// "1d" into a duration. Unrecognized formats fall back to
// DefaultAccessLifetime (900 seconds).
func ParseLifetime(value string) time.Duration {
	value = strings.TrimSpace(strings.ToLower(value))
	if len(value) < 2 {
		return DefaultAccessLifetime
	}
	unit := value[len(value)-1]
	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n <= 0 {
		return DefaultAccessLifetime
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return DefaultAccessLifetime
	}
}
