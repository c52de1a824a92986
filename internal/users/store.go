// Package users manages registered user accounts: lookup by id or username
// and password authentication. Guest identities never touch this store; it
// exists for the seeded accounts that can log in with a password.
package users

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters.
const (
	argonMemory      = 64 * 1024
	argonIterations  = 3
	argonParallelism = 2
	argonSaltLength  = 16
	argonKeyLength   = 32
)

var (
	// ErrNotFound means no user matches the given id or username.
	ErrNotFound = errors.New("users: not found")

	// ErrBadCredentials means the username/password pair did not
	// authenticate.
	ErrBadCredentials = errors.New("users: bad credentials")
)

// User is a registered account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Store is an in-memory user registry, safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]User
	byName map[string]User
	hashes map[string]string // user id -> encoded argon2id hash
}

// NewStore creates an empty user store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]User),
		byName: make(map[string]User),
		hashes: make(map[string]string),
	}
}

// Create registers a user with the given plain-text password. An existing
// user with the same id is overwritten.
func (s *Store) Create(user User, plainPassword string) error {
	hash, err := hashPassword(plainPassword)
	if err != nil {
		return fmt.Errorf("users: hash password: %w", err)
	}

	s.mu.Lock()
	s.byID[user.ID] = user
	s.byName[user.Username] = user
	s.hashes[user.ID] = hash
	s.mu.Unlock()
	return nil
}

// Get returns the user with the given id.
func (s *Store) Get(id string) (User, error) {
	s.mu.RLock()
	user, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// GetByName returns the user with the given username.
func (s *Store) GetByName(username string) (User, error) {
	s.mu.RLock()
	user, ok := s.byName[username]
	s.mu.RUnlock()
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// Authenticate verifies a username/password pair and returns the matching
// user. Unknown usernames and wrong passwords both yield ErrBadCredentials
// so callers cannot distinguish the two.
func (s *Store) Authenticate(username, password string) (User, error) {
	s.mu.RLock()
	user, ok := s.byName[username]
	var hash string
	if ok {
		hash = s.hashes[user.ID]
	}
	s.mu.RUnlock()

	if !ok || user.Disabled {
		return User{}, ErrBadCredentials
	}

	match, err := comparePassword(password, hash)
	if err != nil || !match {
		return User{}, ErrBadCredentials
	}
	return user, nil
}

// Seed installs the development accounts. Each account's password equals its
// username.
func (s *Store) Seed() error {
	seeds := []User{
		{ID: "7a92c202", Username: "alice", FullName: "Alice Agent", Email: "alice@chir.py"},
		{ID: "24d58fa9", Username: "bob", FullName: "Bobby Bridge", Email: "bob@chir.py"},
		{ID: "72b0ed11", Username: "charlie", FullName: "Charlie Chatbot", Email: "charlie@chir.py"},
	}
	for _, u := range seeds {
		if err := s.Create(u, u.Username); err != nil {
			return err
		}
	}
	return nil
}

// hashPassword produces an encoded argon2id hash carrying its parameters.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism, b64Salt, b64Hash), nil
}

// comparePassword re-hashes password with the parameters stored in
// encodedHash and compares in constant time.
func comparePassword(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, errors.New("invalid hash format")
	}

	var version int
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, err
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
