package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/faucetdb/valve/internal/config"
	"github.com/faucetdb/valve/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account is disabled")
)

const minPasswordLen = 8

// JWTPrincipal is the admin identity carried by a session token.
type JWTPrincipal struct {
	AdminID string
	Email   string
}

// AuthService manages admin accounts and their JWT sessions.
type AuthService struct {
	store     *config.Store
	jwtSecret []byte
	ttl       time.Duration
}

// NewAuthService creates an AuthService signing tokens with jwtSecret that
// live for ttl.
func NewAuthService(store *config.Store, jwtSecret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AuthService{
		store:     store,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
	}
}

// TokenTTL returns the lifetime of issued session tokens.
func (s *AuthService) TokenTTL() time.Duration {
	return s.ttl
}

// CreateAdmin registers an admin with a bcrypt-hashed password.
func (s *AuthService) CreateAdmin(ctx context.Context, email, password, name string) (*model.Admin, error) {
	var v validation
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		v.add("email", "a valid email address is required")
	}
	if len(password) < minPasswordLen {
		v.add("password", "must be at least %d characters", minPasswordLen)
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	if _, err := s.store.GetAdminByEmail(ctx, email); err == nil {
		return nil, &ValidationError{Fields: map[string]string{"email": "already registered"}}
	} else if !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	admin := &model.Admin{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Name:         strings.TrimSpace(name),
		IsActive:     true,
	}
	if err := s.store.CreateAdmin(ctx, admin); err != nil {
		return nil, err
	}
	return admin, nil
}

// Login verifies an admin's password and issues a session token.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, *model.Admin, error) {
	admin, err := s.store.GetAdminByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if !admin.IsActive {
		return "", nil, ErrAccountDisabled
	}

	token, err := s.IssueJWT(ctx, admin.ID, admin.Email, s.ttl)
	if err != nil {
		return "", nil, err
	}
	_ = s.store.UpdateAdminLastLogin(ctx, admin.ID)
	return token, admin, nil
}

// ValidateJWT verifies a JWT bearer token and returns the associated admin identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*JWTPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer("valve"))
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &JWTPrincipal{
		AdminID: claims.Subject,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a new signed JWT token for the given admin.
func (s *AuthService) IssueJWT(ctx context.Context, adminID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "valve",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}
