package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultUserPageSize = 50
	maxUserPageSize     = 100
)

// UserChanges carries the fields an administrator may edit. Nil leaves the
// field as it is.
type UserChanges struct {
	Name   *string
	Role   *Role
	Status *Status
}

func (s *Service) ListUsers(ctx context.Context, offset, limit int) ([]User, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultUserPageSize
	}
	if limit > maxUserPageSize {
		limit = maxUserPageSize
	}

	users, err := s.store.List(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateUser applies an administrator's edit. Disabling an account also ends
// its refresh session.
func (s *Service) UpdateUser(ctx context.Context, id int64, changes UserChanges) (User, error) {
	var update UserUpdate

	if changes.Name != nil {
		name := strings.TrimSpace(*changes.Name)
		if name == "" {
			return User{}, ErrInvalidName
		}
		update.Name = SetTo(name)
	}
	if changes.Role != nil {
		if !changes.Role.Valid() {
			return User{}, ErrInvalidRole
		}
		update.Role = SetTo(*changes.Role)
	}
	if changes.Status != nil {
		if !changes.Status.Valid() {
			return User{}, ErrInvalidStatus
		}
		update.Status = SetTo(*changes.Status)
		if *changes.Status == StatusDisabled {
			update.RefreshTokenHash = Clear[string]()
			update.RefreshExpiresAt = Clear[string]()
		}
	}

	if !update.Empty() {
		ok, err := s.store.Update(ctx, id, update)
		if err != nil {
			return User{}, fmt.Errorf("update user: %w", err)
		}
		if !ok {
			return User{}, ErrUserNotFound
		}
	}

	user, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("find user by id: %w", err)
	}

	if !update.Empty() {
		s.logger.Info("user_updated", map[string]any{"user_id": id, "role": string(user.Role), "status": string(user.Status)})
	}
	return user, nil
}

func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if !deleted {
		return ErrUserNotFound
	}

	s.logger.Info("user_deleted", map[string]any{"user_id": id})
	return nil
}
