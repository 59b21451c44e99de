// Package governance holds the durable execution mode and the ephemeral
// scoped-elevation cache: the tri-state dial the policy engine reads and the
// "already approved" markers the middleware consults before re-eliciting.
package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Mode is the governance dial. The zero value is intentionally invalid;
// DefaultMode is the fail-safe fallback used on absence or store error.
type Mode string

const (
	ModeReadOnly   Mode = "read_only"
	ModePermission Mode = "permission"
	ModeBypass     Mode = "bypass"
)

// DefaultMode is returned whenever the store has no mode recorded, the
// stored value fails to parse, or the store itself errors. Fail-safe means
// "ask a human", not "let everything through" and not "block everything".
const DefaultMode = ModePermission

// ParseMode validates a stored mode string, falling back to DefaultMode for
// anything unrecognized.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeReadOnly, ModePermission, ModeBypass:
		return Mode(s)
	default:
		return DefaultMode
	}
}

func (m Mode) IsValid() bool {
	switch m {
	case ModeReadOnly, ModePermission, ModeBypass:
		return true
	default:
		return false
	}
}

// elevationNamespace prefixes every elevation cache key so the key space
// cannot collide with unrelated entries sharing the same backing store.
const elevationNamespace = "elevation"

// ComputeElevationHash derives the scoped-elevation cache key for
// (tool, context_key, session_id). Collisions are cryptographically
// infeasible; the namespace prefix is not part of the hashed material.
func ComputeElevationHash(toolID, contextKey, sessionID string) string {
	h := sha256.Sum256([]byte(toolID + ":" + contextKey + ":" + sessionID))
	return fmt.Sprintf("%s:%s", elevationNamespace, hex.EncodeToString(h[:]))
}

// Store is the durable mode + elevation cache port. Implementations must be
// fail-safe: a Get error must never propagate as anything other than
// DefaultMode, and a failed Set must return ok=false rather than panic or
// silently succeed.
type Store interface {
	// GetMode returns the current mode, or DefaultMode on absence or error.
	GetMode(ctx context.Context) Mode
	// SetMode persists mode, returning ok=false (and logging internally) on
	// any store failure.
	SetMode(ctx context.Context, mode Mode) (ok bool)

	// GrantElevation marks key as approved for ttlSeconds. Rejects
	// non-positive ttlSeconds.
	GrantElevation(ctx context.Context, key string, ttlSeconds int) error
	// CheckElevation reports whether key is currently marked approved.
	CheckElevation(ctx context.Context, key string) bool
	// RevokeElevation removes key's marker. Idempotent: revoking an absent
	// key is not an error.
	RevokeElevation(ctx context.Context, key string) error
}

// ErrNonPositiveTTL is returned by GrantElevation for ttlSeconds <= 0.
var ErrNonPositiveTTL = fmt.Errorf("governance: elevation ttl must be positive")
