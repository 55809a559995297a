// Package identity defines the interface to the external identity
// backend that verifies primary credentials and MFA tokens
package identity

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable indicates the identity backend could not be reached.
// Callers must treat this as a fail-closed condition.
var ErrUnavailable = errors.New("identity backend unavailable")

// Result is the outcome of a primary credential check
type Result struct {
	Success bool
	UserID  string
}

// Backend verifies primary credentials and multi-factor tokens
type Backend interface {
	Authenticate(ctx context.Context, username, password string) (Result, error)
	VerifyMFA(ctx context.Context, userID, token string) (bool, error)
}

// StaticBackend is an in-memory identity backend used by tests and
// the demo daemon. Production deployments plug in a real backend.
type StaticBackend struct {
	users     map[string]staticUser
	mfaTokens map[string]string // userID -> expected token
	mu        sync.RWMutex
}

type staticUser struct {
	userID   string
	password string
}

// NewStaticBackend creates an empty static backend
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{
		users:     make(map[string]staticUser),
		mfaTokens: make(map[string]string),
	}
}

// AddUser registers a username/password pair
func (b *StaticBackend) AddUser(username, password, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[username] = staticUser{userID: userID, password: password}
}

// SetMFAToken sets the expected MFA token for a user
func (b *StaticBackend) SetMFAToken(userID, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mfaTokens[userID] = token
}

// Authenticate implements Backend
func (b *StaticBackend) Authenticate(ctx context.Context, username, password string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, ErrUnavailable
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	user, exists := b.users[username]
	if !exists || user.password != password {
		return Result{Success: false}, nil
	}
	return Result{Success: true, UserID: user.userID}, nil
}

// VerifyMFA implements Backend
func (b *StaticBackend) VerifyMFA(ctx context.Context, userID, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ErrUnavailable
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	expected, exists := b.mfaTokens[userID]
	return exists && expected == token, nil
}
