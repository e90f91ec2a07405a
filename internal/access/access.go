// Package access holds the capability grants that gate market administration.
package access

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/0xedev/Buster-market/internal/models"
)

// Capability is an independently grantable permission.
type Capability string

const (
	CapCreate  Capability = "create"
	CapResolve Capability = "resolve"
	CapCancel  Capability = "cancel"
)

var ErrNotOwner = errors.New("caller is not the owner")

// ParseCapability maps a name to a Capability.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapCreate, CapResolve, CapCancel:
		return Capability(s), nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

// Registry tracks grants. The owner implicitly holds every capability.
type Registry struct {
	mu     sync.RWMutex
	owner  string
	grants map[Capability]map[string]bool
}

// NewRegistry creates a registry administered by owner.
func NewRegistry(owner string) *Registry {
	return &Registry{
		owner:  owner,
		grants: make(map[Capability]map[string]bool),
	}
}

// Owner returns the administrative principal.
func (r *Registry) Owner() string {
	return r.owner
}

// IsOwner reports whether user is the owner.
func (r *Registry) IsOwner(user string) bool {
	return user != "" && user == r.owner
}

// Has reports whether user holds capability c.
func (r *Registry) Has(user string, c Capability) bool {
	if r.IsOwner(user) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[c][user]
}

// Grant gives c to user. Only the owner may grant.
func (r *Registry) Grant(caller string, c Capability, user string) error {
	if !r.IsOwner(caller) {
		return ErrNotOwner
	}
	if user == "" {
		return errors.New("grantee must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grants[c] == nil {
		r.grants[c] = make(map[string]bool)
	}
	r.grants[c][user] = true
	return nil
}

// Revoke removes c from user. Only the owner may revoke.
func (r *Registry) Revoke(caller string, c Capability, user string) error {
	if !r.IsOwner(caller) {
		return ErrNotOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants[c], user)
	return nil
}

// Holders lists explicit grantees of c in sorted order.
func (r *Registry) Holders(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	holders := make([]string, 0, len(r.grants[c]))
	for u := range r.grants[c] {
		holders = append(holders, u)
	}
	sort.Strings(holders)
	return holders
}

// ExportGrants lists every explicit grant, ordered by capability then user.
func (r *Registry) ExportGrants() []models.Grant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Grant
	for c, users := range r.grants {
		for u := range users {
			out = append(out, models.Grant{Capability: string(c), User: u})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].User < out[j].User
	})
	return out
}

// ImportGrants adds grants to the registry. Nothing is added if any entry is invalid.
func (r *Registry) ImportGrants(grants []models.Grant) error {
	parsed := make([]Capability, len(grants))
	for i, g := range grants {
		c, err := ParseCapability(g.Capability)
		if err != nil {
			return err
		}
		if g.User == "" {
			return errors.New("grantee must not be empty")
		}
		parsed[i] = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, g := range grants {
		c := parsed[i]
		if r.grants[c] == nil {
			r.grants[c] = make(map[string]bool)
		}
		r.grants[c][g.User] = true
	}
	return nil
}
