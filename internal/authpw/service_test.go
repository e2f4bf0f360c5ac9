package authpw

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"charter/api/internal/store"
)

type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: map[string]store.User{}, emailIndex: map[string]string{}}
}

func (m *mockUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if id, ok := m.emailIndex[strings.ToLower(strings.TrimSpace(email))]; ok {
		return m.users[id], nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *mockUserStore) CreateUser(_ context.Context, user store.User) error {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = hash
	m.users[userID] = user
	return nil
}

func newTestService() (*Service, *mockUserStore) {
	st := newMockUserStore()
	svc := NewService(st)
	svc.cost = bcrypt.MinCost
	return svc, st
}

func TestSignUpValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		req  SignUpRequest
	}{
		{"missing email", SignUpRequest{Password: "password123", DisplayName: "Ada"}},
		{"missing name", SignUpRequest{Email: "ada@example.com", Password: "password123"}},
		{"bad email", SignUpRequest{Email: "not-an-email", Password: "password123", DisplayName: "Ada"}},
		{"short password", SignUpRequest{Email: "ada@example.com", Password: "short", DisplayName: "Ada"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SignUp(ctx, tc.req); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestSignUpAndSignIn(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{Email: " Ada@Example.com ", Password: "password123", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if user.Email != "ada@example.com" || !strings.HasPrefix(user.ID, "usr_") {
		t.Fatalf("unexpected user: %+v", user)
	}
	if st.users[user.ID].PasswordHash == "password123" {
		t.Fatal("password stored in plain text")
	}

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "ada@example.com", Password: "password123", DisplayName: "Ada"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	got, err := svc.SignIn(ctx, "ADA@example.com", "password123")
	if err != nil || got.ID != user.ID {
		t.Fatalf("sign in: %+v, %v", got, err)
	}
	if _, err := svc.SignIn(ctx, "ada@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.SignIn(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	user, err := svc.SignUp(ctx, SignUpRequest{Email: "bo@example.com", Password: "password123", DisplayName: "Bo"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	if err := svc.ChangePassword(ctx, user.ID, "nope-nope", "newpassword1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "password123", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "password123", "newpassword1"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, err := svc.SignIn(ctx, "bo@example.com", "newpassword1"); err != nil {
		t.Fatalf("sign in with new password: %v", err)
	}
}
