package service

import (
	"context"
	"ctchen222/code-battle/internal/api/models"
	"ctchen222/code-battle/internal/backend"
	"ctchen222/code-battle/internal/repository"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// AuthService issues and checks the relay's bearer tokens.
type AuthService interface {
	GuestLogin(ctx context.Context) (*models.GuestLoginResponse, error)
	Issue(userID int64) (string, error)
	Verify(token string) (int64, error)
}

type authService struct {
	players repository.PlayerRepository
	secret  []byte
	ttl     time.Duration
}

// NewAuthService creates an AuthService that signs HS256 tokens with secret.
func NewAuthService(players repository.PlayerRepository, secret string, ttl time.Duration) AuthService {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &authService{players: players, secret: []byte(secret), ttl: ttl}
}

// GuestLogin allocates a new player id and a token for it.
func (s *authService) GuestLogin(ctx context.Context) (*models.GuestLoginResponse, error) {
	id, err := s.players.NextUserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate guest id: %w", err)
	}
	token, err := s.Issue(id)
	if err != nil {
		return nil, err
	}
	return &models.GuestLoginResponse{Token: token, UserID: id}, nil
}

func (s *authService) Issue(userID int64) (string, error) {
	now := time.Now()
	claims := backend.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature and expiry of token and returns its user id.
// A "Bearer " prefix is accepted.
func (s *authService) Verify(token string) (int64, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return 0, ErrInvalidToken
	}

	var claims backend.Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID <= 0 {
		return 0, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return claims.UserID, nil
}
