package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func TestListUsers_ClampsPage(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		f.seed(t, email, "Secret123", RoleParent, StatusActive)
	}

	users, err := f.svc.ListUsers(context.Background(), -4, 0)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "a@example.com", users[0].Email)

	users, err = f.svc.ListUsers(context.Background(), 2, 1000)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "c@example.com", users[0].Email)

	f.store.failWith(errors.New("db down"))
	_, err = f.svc.ListUsers(context.Background(), 0, 10)
	assert.Error(t, err)
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t)
	user := f.seed(t, "ana@example.com", "Secret123", RoleTeacher, StatusActive)

	updated, err := f.svc.UpdateUser(context.Background(), user.ID, UserChanges{
		Name: ptr(" Ana Ruiz "),
		Role: ptr(RoleParent),
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana Ruiz", updated.Name)
	assert.Equal(t, RoleParent, updated.Role)
	assert.Equal(t, StatusActive, updated.Status)
	assert.Equal(t, user.PasswordHash, updated.PasswordHash)

	unchanged, err := f.svc.UpdateUser(context.Background(), user.ID, UserChanges{})
	require.NoError(t, err)
	assert.Equal(t, updated.Name, unchanged.Name)
}

func TestUpdateUser_DisableEndsSession(t *testing.T) {
	f := newFixture(t)
	user := f.seed(t, "ana@example.com", "Secret123", RoleTeacher, StatusActive)
	tokens := f.login(t, "ana@example.com", "Secret123")

	_, err := f.svc.UpdateUser(context.Background(), user.ID, UserChanges{Status: ptr(StatusDisabled)})
	require.NoError(t, err)

	stored := f.store.get(user.ID)
	assert.Equal(t, StatusDisabled, stored.Status)
	assert.Nil(t, stored.RefreshTokenHash)
	assert.Nil(t, stored.RefreshExpiresAt)

	_, err = f.svc.Refresh(context.Background(), tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.svc.Login(context.Background(), "198.51.100.4", "ana@example.com", "Secret123")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestUpdateUser_Rejects(t *testing.T) {
	f := newFixture(t)
	user := f.seed(t, "ana@example.com", "Secret123", RoleTeacher, StatusActive)

	tests := []struct {
		name    string
		id      int64
		changes UserChanges
		wantErr error
	}{
		{name: "blank name", id: user.ID, changes: UserChanges{Name: ptr("   ")}, wantErr: ErrInvalidName},
		{name: "unknown role", id: user.ID, changes: UserChanges{Role: ptr(Role("janitor"))}, wantErr: ErrInvalidRole},
		{name: "unknown status", id: user.ID, changes: UserChanges{Status: ptr(Status("banned"))}, wantErr: ErrInvalidStatus},
		{name: "missing user", id: 999, changes: UserChanges{Name: ptr("Bo")}, wantErr: ErrUserNotFound},
		{name: "missing user without changes", id: 999, wantErr: ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UpdateUser(context.Background(), tt.id, tt.changes)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, RoleTeacher, f.store.get(user.ID).Role)
	assert.Equal(t, "Test User", f.store.get(user.ID).Name)
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t)
	user := f.seed(t, "ana@example.com", "Secret123", RoleTeacher, StatusActive)
	tokens := f.login(t, "ana@example.com", "Secret123")

	require.NoError(t, f.svc.DeleteUser(context.Background(), user.ID))

	_, err := f.store.FindByID(context.Background(), user.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)

	gate := NewGate(f.store, f.codec, nil)
	_, err = gate.CurrentUser(context.Background(), tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	assert.ErrorIs(t, f.svc.DeleteUser(context.Background(), user.ID), ErrUserNotFound)

	f.store.failWith(errors.New("db down"))
	err = f.svc.DeleteUser(context.Background(), 42)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUserNotFound)
}
