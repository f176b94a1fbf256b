package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrUserNotFound is returned by a directory lookup miss.
var ErrUserNotFound = errors.New("user not found")

// User is a directory entry. PasswordHash is a bcrypt hash.
type User struct {
	ID           string
	Username     string
	PasswordHash string
}

// UserDirectory resolves usernames to stored credentials.
type UserDirectory interface {
	Lookup(ctx context.Context, username string) (*User, error)
}

// MemoryDirectory is the development directory seeded from configuration.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*User)}
}

// ParseDevUsers seeds a directory from the "user:bcrypt-hash,..." dev-users
// string. Bcrypt hashes contain no commas or colons beyond the prefix, so
// splitting on the first colon is safe.
func ParseDevUsers(spec string) (*MemoryDirectory, error) {
	dir := NewMemoryDirectory()
	if strings.TrimSpace(spec) == "" {
		return dir, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, found := strings.Cut(entry, ":")
		if !found || name == "" || !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("malformed dev user entry %q", entry)
		}
		dir.Add(&User{ID: uuid.NewString(), Username: name, PasswordHash: hash})
	}
	return dir, nil
}

// Add inserts or replaces a user.
func (d *MemoryDirectory) Add(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.Username] = u
}

// Lookup finds a user by username.
func (d *MemoryDirectory) Lookup(_ context.Context, username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}
