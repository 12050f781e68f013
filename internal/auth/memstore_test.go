package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same guard semantics as the
// Postgres repository.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
	// failNext, when set, is returned by the next call and then cleared.
	failNext error
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, users: make(map[int64]User)}
}

func (m *memStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memStore) find(match func(User) bool) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return User{}, err
	}
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func eq(p *string, v string) bool {
	return p != nil && *p == v
}

func (m *memStore) FindByID(_ context.Context, id int64) (User, error) {
	return m.find(func(u User) bool { return u.ID == id })
}

func (m *memStore) FindByEmail(_ context.Context, email string) (User, error) {
	return m.find(func(u User) bool { return u.Email == email })
}

func (m *memStore) FindByVerificationToken(_ context.Context, token string) (User, error) {
	return m.find(func(u User) bool { return eq(u.VerificationToken, token) })
}

func (m *memStore) FindByResetToken(_ context.Context, token string) (User, error) {
	return m.find(func(u User) bool { return eq(u.ResetToken, token) })
}

func (m *memStore) FindByRefreshHash(_ context.Context, hash string) (User, error) {
	return m.find(func(u User) bool { return eq(u.RefreshTokenHash, hash) })
}

func guardHolds(current *string, expected *string) bool {
	if expected == nil {
		return true
	}
	return current != nil && *current == *expected
}

func apply[T any](dst *T, p Patch[T]) {
	if p.Set && p.Value != nil {
		*dst = *p.Value
	}
}

func applyNullable(dst **string, p Patch[string]) {
	if !p.Set {
		return
	}
	if p.Value == nil {
		*dst = nil
		return
	}
	v := *p.Value
	*dst = &v
}

func (m *memStore) Update(_ context.Context, id int64, update UserUpdate) (bool, error) {
	if err := update.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return false, err
	}

	u, ok := m.users[id]
	if !ok {
		return false, nil
	}

	current := u.PasswordHash
	if !guardHolds(&current, update.Expect.PasswordHash) ||
		!guardHolds(u.RefreshTokenHash, update.Expect.RefreshTokenHash) ||
		!guardHolds(u.ResetToken, update.Expect.ResetToken) ||
		!guardHolds(u.VerificationToken, update.Expect.VerificationToken) {
		return false, nil
	}

	apply(&u.Name, update.Name)
	apply(&u.PasswordHash, update.PasswordHash)
	apply(&u.Role, update.Role)
	apply(&u.Status, update.Status)
	apply(&u.EmailVerified, update.EmailVerified)
	applyNullable(&u.VerificationToken, update.VerificationToken)
	applyNullable(&u.ResetToken, update.ResetToken)
	applyNullable(&u.ResetExpiresAt, update.ResetExpiresAt)
	applyNullable(&u.RefreshTokenHash, update.RefreshTokenHash)
	applyNullable(&u.RefreshExpiresAt, update.RefreshExpiresAt)
	u.UpdatedAt = time.Now().UTC()

	m.users[id] = u
	return true, nil
}

func (m *memStore) Create(_ context.Context, nu NewUser) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return User{}, err
	}
	for _, u := range m.users {
		if u.Email == nu.Email {
			return User{}, ErrEmailTaken
		}
	}

	now := time.Now().UTC()
	u := User{
		ID:           m.nextID,
		Name:         nu.Name,
		Email:        nu.Email,
		PasswordHash: nu.PasswordHash,
		Role:         nu.Role,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if nu.VerificationToken != "" {
		token := nu.VerificationToken
		u.VerificationToken = &token
	}
	m.users[u.ID] = u
	m.nextID++
	return u, nil
}

func (m *memStore) HasRole(_ context.Context, role Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return false, err
	}
	for _, u := range m.users {
		if u.Role == role {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) List(_ context.Context, offset, limit int) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	if offset >= len(users) {
		return []User{}, nil
	}
	users = users[offset:]
	if limit < len(users) {
		users = users[:limit]
	}
	return users, nil
}

func (m *memStore) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return false, err
	}
	if _, ok := m.users[id]; !ok {
		return false, nil
	}
	delete(m.users, id)
	return true, nil
}

// put inserts u as-is, assigning an id when it has none.
func (m *memStore) put(u User) User {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == 0 {
		u.ID = m.nextID
		m.nextID++
	} else if u.ID >= m.nextID {
		m.nextID = u.ID + 1
	}
	m.users[u.ID] = u
	return u
}

func (m *memStore) get(id int64) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id]
}

func (m *memStore) remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

func (m *memStore) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}
