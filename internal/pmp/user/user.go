// Package user implements account identity and the wire password-hashing
// scheme described in spec §6: the stored hash is a PBKDF2-derived value of
// (user_salt, password); the per-session wire value layers a cheap salted
// hash of the stored hash on top, so neither the plaintext password nor the
// stored hash itself ever crosses the wire.
package user

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltBytes  = 16
	pbkdf2Iter = 10000
	hashBytes  = sha256.Size
)

// User is one registered account.
type User struct {
	ID                 uint32
	Login              string
	Salt               []byte
	StoredPasswordHash []byte
}

// NewSalt returns a fresh random salt suitable for either a user account or
// a session.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// HashPassword computes the value stored server-side for a new account:
// PBKDF2-HMAC-SHA256(password, userSalt).
func HashPassword(userSalt []byte, password string) []byte {
	return pbkdf2.Key([]byte(password), userSalt, pbkdf2Iter, hashBytes, sha256.New)
}

// HashPasswordForSession computes the value a client sends over the wire to
// authenticate a session: SHA256(sessionSalt || storedHash). The server
// recomputes the same value from its copy of storedHash to verify it,
// without ever needing the plaintext password or transmitting storedHash
// itself.
func HashPasswordForSession(sessionSalt []byte, storedHash []byte) []byte {
	h := sha256.New()
	h.Write(sessionSalt)
	h.Write(storedHash)
	return h.Sum(nil)
}

// VerifySessionHash reports whether candidate matches the expected
// session-wire value for storedHash salted with sessionSalt, in constant
// time.
func VerifySessionHash(sessionSalt, storedHash, candidate []byte) bool {
	expected := HashPasswordForSession(sessionSalt, storedHash)
	return subtle.ConstantTimeCompare(expected, candidate) == 1
}

// Store is the minimal persistence interface the user registry needs.
type Store interface {
	LoadUsers() ([]User, error)
	SaveUser(u User) (uint32, error)
}

// Registry is the in-memory, mutex-guarded user directory, backed by Store.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	byID    map[uint32]User
	byLogin map[string]uint32
	nextID  uint32
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, byID: make(map[uint32]User), byLogin: make(map[string]uint32)}
}

// Load warms the registry from the store.
func (r *Registry) Load() error {
	users, err := r.store.LoadUsers()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		r.byID[u.ID] = u
		r.byLogin[u.Login] = u.ID
		if u.ID >= r.nextID {
			r.nextID = u.ID + 1
		}
	}
	return nil
}

// Create registers a new account with an already-hashed password
// (HashPassword's output). Fails if login is already taken.
func (r *Registry) Create(login string, passwordHash []byte) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byLogin[login]; exists {
		return User{}, fmt.Errorf("login %q already exists", login)
	}
	salt, err := NewSalt()
	if err != nil {
		return User{}, err
	}
	u := User{Login: login, Salt: salt, StoredPasswordHash: passwordHash}
	id, err := r.store.SaveUser(u)
	if err != nil {
		return User{}, err
	}
	u.ID = id
	r.byID[id] = u
	r.byLogin[login] = id
	if id >= r.nextID {
		r.nextID = id + 1
	}
	return u, nil
}

// ByLogin looks up a user by login name.
func (r *Registry) ByLogin(login string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byLogin[login]
	if !ok {
		return User{}, false
	}
	u := r.byID[id]
	return u, true
}

// ByID looks up a user by id.
func (r *Registry) ByID(id uint32) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	return u, ok
}
