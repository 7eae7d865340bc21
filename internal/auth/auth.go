// Package auth handles registration, login, and optional TOTP two-factor
// enrollment. It authenticates callers; authorization of trade transitions
// lives in the escrow engine.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/models"
	"github.com/p2p60/exchange/internal/storage"
)

// Service handles user authentication.
type Service struct {
	store     storage.Store
	jwtSecret []byte
	issuer    string
}

// NewService creates an auth service.
func NewService(store storage.Store, jwtSecret, issuer string) *Service {
	return &Service{store: store, jwtSecret: []byte(jwtSecret), issuer: issuer}
}

// Register creates a new user with a hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (*models.User, error) {
	if email == "" {
		return nil, fmt.Errorf("email cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(email) > 255 {
		return nil, fmt.Errorf("email too long (max 255 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{Email: email, PasswordHash: string(hashedPassword)}
	err = s.store.RunTx(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(ctx, user)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT. When the user has TOTP
// enabled, the code must validate as well.
func (s *Service) Login(ctx context.Context, email, password, totpCode string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}
	if user.TOTPEnabled && !totp.Validate(totpCode, user.TOTPSecret) {
		return "", exerr.New(exerr.Forbidden, "invalid two-factor code")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"exp":   time.Now().Add(24 * time.Hour).Unix(),
	})
	return token.SignedString(s.jwtSecret)
}

// GetUserFromToken extracts the user ID from a JWT.
func (s *Service) GetUserFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		sub, ok := claims["sub"].(string)
		if !ok || sub == "" {
			return "", fmt.Errorf("token missing subject")
		}
		return sub, nil
	}
	return "", fmt.Errorf("invalid token")
}

// Setup2FA generates a TOTP secret for the user and stores it disabled
// until Enable2FA confirms the first code. Returns the otpauth:// URL for
// the authenticator app.
func (s *Service) Setup2FA(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return "", err
	}

	err = s.store.RunTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateUserTOTP(ctx, userID, key.Secret(), false)
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// Enable2FA turns on two-factor auth after the user proves possession of
// the secret with a valid code.
func (s *Service) Enable2FA(ctx context.Context, userID, code string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TOTPSecret == "" {
		return exerr.New(exerr.InvalidState, "two-factor setup not started")
	}
	if !totp.Validate(code, user.TOTPSecret) {
		return exerr.New(exerr.Forbidden, "invalid two-factor code")
	}
	return s.store.RunTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateUserTOTP(ctx, userID, user.TOTPSecret, true)
	})
}
