// Package participant decides who may act on a dispute.
//
// An order has two parties: the client (a user id) and the provider (a
// providers-table id owned by a user). Admins are identified by their
// profile role. Every mediation operation resolves the caller against the
// order's parties before doing anything else.
package participant

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotParticipant = errors.New("participant: caller is not a party to this order")
	ErrInvalidRole    = errors.New("participant: invalid role")
)

// Role is the closed set of mediation roles.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// ParseRole converts a wire value to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleProvider, RoleAdmin:
		return true
	}
	return false
}

// IsParty reports whether r is one of the two order parties.
func (r Role) IsParty() bool {
	switch r {
	case RoleClient, RoleProvider:
		return true
	case RoleAdmin:
		return false
	}
	return false
}

// Counterpart returns the other order party. Admin has no counterpart.
func (r Role) Counterpart() (Role, bool) {
	switch r {
	case RoleClient:
		return RoleProvider, true
	case RoleProvider:
		return RoleClient, true
	case RoleAdmin:
		return "", false
	}
	return "", false
}

// Parties identifies the two sides of an order.
type Parties struct {
	OrderID    string
	ClientID   string // user id
	ProviderID string // providers-table id
}

// Directory looks up the profile data needed to authorize a caller.
type Directory interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
	// ProviderIDForUser returns "" when the user owns no provider record.
	ProviderIDForUser(ctx context.Context, userID string) (string, error)
	// UserIDForProvider maps a providers-table id back to its owner.
	UserIDForProvider(ctx context.Context, providerID string) (string, error)
}

// Match describes which relations held for a caller. It carries only
// booleans so it can be echoed to clients without exposing ids.
type Match struct {
	ClientMatch   bool `json:"client_match"`
	ProviderMatch bool `json:"provider_match"`
	IsAdmin       bool `json:"is_admin"`
}

// Has reports whether the caller holds role r.
func (m Match) Has(r Role) bool {
	switch r {
	case RoleClient:
		return m.ClientMatch
	case RoleProvider:
		return m.ProviderMatch
	case RoleAdmin:
		return m.IsAdmin
	}
	return false
}

// IsParty reports whether the caller is the client or the provider.
func (m Match) IsParty() bool {
	return m.ClientMatch || m.ProviderMatch
}

// Any reports whether the caller may see the dispute at all.
func (m Match) Any() bool {
	return m.IsParty() || m.IsAdmin
}

// PartyRole returns the caller's party role, preferring client when a user
// somehow holds both sides.
func (m Match) PartyRole() (Role, bool) {
	switch {
	case m.ClientMatch:
		return RoleClient, true
	case m.ProviderMatch:
		return RoleProvider, true
	}
	return "", false
}

// DeniedError is returned when a caller fails authorization. It wraps
// ErrNotParticipant and keeps the Match for diagnostics.
type DeniedError struct {
	Match Match
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s (client_match=%t provider_match=%t is_admin=%t)",
		ErrNotParticipant.Error(), e.Match.ClientMatch, e.Match.ProviderMatch, e.Match.IsAdmin)
}

func (e *DeniedError) Unwrap() error { return ErrNotParticipant }

// Deny builds a DeniedError for m.
func Deny(m Match) error {
	return &DeniedError{Match: m}
}

// Resolver authorizes callers against order parties.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver backed by dir.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve computes every relation the caller holds to the order.
func (r *Resolver) Resolve(ctx context.Context, p Parties, userID string) (Match, error) {
	var m Match
	if userID == "" {
		return m, nil
	}
	m.ClientMatch = p.ClientID != "" && p.ClientID == userID

	providerID, err := r.dir.ProviderIDForUser(ctx, userID)
	if err != nil {
		return m, fmt.Errorf("lookup provider for user: %w", err)
	}
	m.ProviderMatch = providerID != "" && providerID == p.ProviderID

	m.IsAdmin, err = r.dir.IsAdmin(ctx, userID)
	if err != nil {
		return m, fmt.Errorf("lookup admin flag: %w", err)
	}
	return m, nil
}

// Require resolves the caller and fails with a DeniedError unless they hold
// role. An empty role accepts any party or admin.
func (r *Resolver) Require(ctx context.Context, p Parties, userID string, role Role) (Match, error) {
	m, err := r.Resolve(ctx, p, userID)
	if err != nil {
		return m, err
	}
	if role == "" {
		if !m.Any() {
			return m, Deny(m)
		}
		return m, nil
	}
	if !m.Has(role) {
		return m, Deny(m)
	}
	return m, nil
}

// IsAdmin reports whether the user's profile carries the admin role.
func (r *Resolver) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return r.dir.IsAdmin(ctx, userID)
}

// UserForRole returns the user id behind a party role.
func (r *Resolver) UserForRole(ctx context.Context, p Parties, role Role) (string, error) {
	switch role {
	case RoleClient:
		return p.ClientID, nil
	case RoleProvider:
		return r.dir.UserIDForProvider(ctx, p.ProviderID)
	case RoleAdmin:
		return "", ErrInvalidRole
	}
	return "", ErrInvalidRole
}
