// Package users derives access-control records from the configured phone
// lists. A User is a pure function of configuration, so lookups are cached
// for the process lifetime.
package users

import (
	"errors"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/denidin/denidin/pkg/types"
)

// ErrEmptyPhone is returned for a lookup with no phone.
var ErrEmptyPhone = errors.New("users: empty phone")

// User is an immutable permission snapshot for one phone.
// Callers must not mutate the AllowedScopes slice.
type User struct {
	Phone             string
	Role              types.Role
	TokenLimit        int
	AllowedScopes     []types.Scope
	CanSeeAllMemories bool
	CanAccessSystem   bool
}

// IsBlocked reports whether the user is denied all access.
func (u User) IsBlocked() bool { return u.Role == types.RoleBlocked }

// ScopeAllowed reports whether the user may read records with the given scope.
func (u User) ScopeAllowed(s types.Scope) bool {
	for _, allowed := range u.AllowedScopes {
		if allowed == s {
			return true
		}
	}
	return false
}

// Limits holds the per-role token budgets. Zero values fall back to defaults.
type Limits struct {
	MaxTokensByRole map[types.Role]int
}

// Default token budgets per role.
const (
	defaultClientTokens     = 4000
	defaultPrivilegedTokens = 100000
)

// Config is the immutable phone-list configuration a Directory derives from.
// Admin and blocked entries accept doublestar glob patterns ("+97250*").
type Config struct {
	GodfatherPhone string
	AdminPhones    []string
	BlockedPhones  []string
	Limits         Limits
}

// Directory resolves phones to Users. Safe for concurrent use.
type Directory struct {
	cfg Config

	mu    sync.RWMutex
	cache map[string]User
}

// NewDirectory creates a Directory over the given configuration.
func NewDirectory(cfg Config) *Directory {
	return &Directory{
		cfg:   cfg,
		cache: make(map[string]User),
	}
}

// Lookup resolves a phone to its User. Deterministic and cached.
// Precedence when a phone appears in several lists: ADMIN > GODFATHER >
// BLOCKED > CLIENT. Unlisted phones default to CLIENT.
func (d *Directory) Lookup(phone string) (User, error) {
	if phone == "" {
		return User{}, ErrEmptyPhone
	}

	d.mu.RLock()
	u, ok := d.cache[phone]
	d.mu.RUnlock()
	if ok {
		return u, nil
	}

	u = d.derive(phone)

	d.mu.Lock()
	d.cache[phone] = u
	d.mu.Unlock()
	return u, nil
}

func (d *Directory) derive(phone string) User {
	role := types.RoleClient
	switch {
	case matchAny(d.cfg.AdminPhones, phone):
		role = types.RoleAdmin
	case phone == d.cfg.GodfatherPhone:
		role = types.RoleGodfather
	case matchAny(d.cfg.BlockedPhones, phone):
		role = types.RoleBlocked
	}

	u := User{Phone: phone, Role: role}
	switch role {
	case types.RoleGodfather:
		u.TokenLimit = defaultPrivilegedTokens
		u.AllowedScopes = []types.Scope{types.ScopePublic, types.ScopePrivate}
		u.CanSeeAllMemories = true
	case types.RoleAdmin:
		u.TokenLimit = defaultPrivilegedTokens
		u.AllowedScopes = []types.Scope{types.ScopePublic, types.ScopePrivate, types.ScopeSystem}
		u.CanSeeAllMemories = true
		u.CanAccessSystem = true
	case types.RoleBlocked:
		u.TokenLimit = 0
		u.AllowedScopes = nil
	default:
		u.TokenLimit = defaultClientTokens
		u.AllowedScopes = []types.Scope{types.ScopePublic, types.ScopePrivate}
	}

	if limit, ok := d.cfg.Limits.MaxTokensByRole[role]; ok && role != types.RoleBlocked {
		u.TokenLimit = limit
	}
	return u
}

// matchAny matches phone against exact entries and glob patterns.
func matchAny(patterns []string, phone string) bool {
	for _, p := range patterns {
		if p == phone {
			return true
		}
		if ok, err := doublestar.Match(p, phone); err == nil && ok {
			return true
		}
	}
	return false
}
