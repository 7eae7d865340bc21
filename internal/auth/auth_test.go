package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p60/exchange/internal/exerr"
	"github.com/p2p60/exchange/internal/storage/memory"
)

func newService() (*Service, *memory.Store) {
	store := memory.NewStore()
	return NewService(store, "test-secret", "exchange-test"), store
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	user, err := svc.Register(ctx, "alice@test.com", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.NotEqual(t, "password123", user.PasswordHash)

	token, err := svc.Login(ctx, "alice@test.com", "password123", "")
	require.NoError(t, err)

	userID, err := svc.GetUserFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	longEmail := make([]byte, 256)
	for i := range longEmail {
		longEmail[i] = 'a'
	}
	longPassword := make([]byte, 101)
	for i := range longPassword {
		longPassword[i] = 'p'
	}

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"EmptyEmail", "", "password"},
		{"EmptyPassword", "alice@test.com", ""},
		{"EmailTooLong", string(longEmail), "password"},
		{"PasswordTooLong", "alice@test.com", string(longPassword)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.email, tt.password)
			assert.Error(t, err)
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	_, err := svc.Register(ctx, "alice@test.com", "password")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "alice@test.com", "password")
	assert.Error(t, err)
}

func TestLoginWrongPassword(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	_, err := svc.Register(ctx, "alice@test.com", "password")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice@test.com", "wrong", "")
	assert.Error(t, err)

	_, err = svc.Login(ctx, "nobody@test.com", "password", "")
	assert.True(t, exerr.Is(err, exerr.NotFound))
}

func TestGetUserFromTokenRejectsTampered(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	_, err := svc.Register(ctx, "alice@test.com", "password")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "alice@test.com", "password", "")
	require.NoError(t, err)

	other := NewService(memory.NewStore(), "other-secret", "exchange-test")
	_, err = other.GetUserFromToken(token)
	assert.Error(t, err, "token signed with a different secret must fail")

	_, err = svc.GetUserFromToken(token + "x")
	assert.Error(t, err)
}

func TestTwoFactorFlow(t *testing.T) {
	ctx := context.Background()
	svc, store := newService()

	user, err := svc.Register(ctx, "alice@test.com", "password")
	require.NoError(t, err)

	url, err := svc.Setup2FA(ctx, user.ID)
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://")

	// Setup alone does not require a code at login.
	_, err = svc.Login(ctx, "alice@test.com", "password", "")
	require.NoError(t, err)

	err = svc.Enable2FA(ctx, user.ID, "000000")
	assert.True(t, exerr.Is(err, exerr.Forbidden), "bad code: got %v", err)

	stored, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(stored.TOTPSecret, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.Enable2FA(ctx, user.ID, code))

	// With TOTP enabled, bare credentials stop working.
	_, err = svc.Login(ctx, "alice@test.com", "password", "")
	assert.True(t, exerr.Is(err, exerr.Forbidden))

	code, err = totp.GenerateCode(stored.TOTPSecret, time.Now())
	require.NoError(t, err)
	_, err = svc.Login(ctx, "alice@test.com", "password", code)
	require.NoError(t, err)
}

func TestEnable2FAWithoutSetup(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	user, err := svc.Register(ctx, "alice@test.com", "password")
	require.NoError(t, err)

	err = svc.Enable2FA(ctx, user.ID, "123456")
	assert.True(t, exerr.Is(err, exerr.InvalidState))
}
