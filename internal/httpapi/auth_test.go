package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/renaskerbr-techno/sbm-pharmacy-backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
	err     error
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {Username: "admin", Password: "admin123", Role: "admin", Active: true, CreatedAt: time.Now().UTC()},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store, nil)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, _ := store.ListUsers(context.Background())
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates == 0 {
		t.Fatalf("expected the upgraded hash to be written back")
	}
}

func TestLoginRejectsWrongPasswordAndInactiveAccount(t *testing.T) {
	hash, err := hashPassword("cashier123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"cashier": {Username: "cashier", Password: hash, Role: "cashier", Active: true},
			"retired": {Username: "retired", Password: hash, Role: "cashier", Active: false},
		},
	}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store, nil)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "cashier", Password: "nope"}); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "retired", Password: "cashier123"}); err == nil {
		t.Fatalf("expected inactive account to be refused")
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Cashier ", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "cashier" || actor.Role != "cashier" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsForeignIssuerAndSecret(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", nil, nil)

	foreign := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "admin",
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(signed); err == nil {
		t.Fatalf("expected token from another issuer to be rejected")
	}

	other := NewAuthManager(context.Background(), "other-secret", time.Hour, "123456", nil, nil)
	token, err := other.sign("admin", "admin", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, _ := manager.sign("admin", "admin", time.Now().Add(-time.Minute))
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "654321", &userStoreStub{users: map[string]domain.UserAccount{}}, nil)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") || manager.ValidateManagerPIN("") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestUserStoreOutageKeepsCachedCredentials(t *testing.T) {
	hash, _ := hashPassword("admin123")
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"admin": {Username: "admin", Password: hash, Role: "admin", Active: true},
	}}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store, nil)

	store.mu.Lock()
	store.err = errors.New("connection refused")
	store.mu.Unlock()

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("expected cached credentials to survive a store outage, got %v", err)
	}
}
