package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. One mutex guards every
// read-modify-write so updates are trivially serialized.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]User
	byEmail map[string]string
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for UpdatedAt.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if in.Now.IsZero() {
		in.Now = s.now()
	}
	u, err := newUser(op, in)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[u.EmailNorm]; exists {
		return User{}, ConflictError{Op: op, Field: "email"}
	}
	s.byID[u.ID] = u
	s.byEmail[u.EmailNorm] = u.ID
	return u.clone(), nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetUserByID"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return u.clone(), nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.GetUserByEmail"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return s.byID[id].clone(), nil
}

func (s *MemoryStore) GetUserByResetToken(ctx context.Context, tokenHash string) (User, error) {
	const op = "identity.GetUserByResetToken"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return User{}, invalid(op, "empty token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.byID {
		if u.ResetToken == tokenHash {
			return u.clone(), nil
		}
	}
	return User{}, NotFoundError{Op: op, Resource: "user"}
}

func (s *MemoryStore) UpdateUser(ctx context.Context, id string, mutate MutateFunc) (User, error) {
	const op = "identity.UpdateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	next, err := applyMutation(op, prev, mutate, s.now())
	if err != nil {
		return User{}, err
	}
	s.byID[next.ID] = next
	return next.clone(), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
