// Package types defines the core domain types for the simulated filesystem.
package types

import "time"

// RootUID is the user id that bypasses every access check.
const RootUID uint32 = 0

// Actor is the identity on whose behalf a filesystem operation runs.
// It is passed per call and never stored by the filesystem.
type Actor struct {
	UID    uint32   `json:"uid"`
	GID    uint32   `json:"gid"`
	Groups []uint32 `json:"groups,omitempty"` // supplementary groups
	Root   bool     `json:"root,omitempty"`   // elevated (sudo) flag
	Umask  uint32   `json:"umask"`
	Cwd    string   `json:"cwd,omitempty"`
	Home   string   `json:"home,omitempty"`
}

// IsRoot reports whether the actor bypasses permission checks.
func (a *Actor) IsRoot() bool {
	return a != nil && (a.Root || a.UID == RootUID)
}

// InGroup reports whether gid is the actor's primary or a supplementary group.
func (a *Actor) InGroup(gid uint32) bool {
	if a == nil {
		return false
	}
	if a.GID == gid {
		return true
	}
	for _, g := range a.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// WorkingDir returns the actor's cwd, defaulting to "/".
func (a *Actor) WorkingDir() string {
	if a == nil || a.Cwd == "" {
		return "/"
	}
	return a.Cwd
}

// HomeDir returns the actor's home directory, defaulting to "/root" for
// root and "/home" otherwise.
func (a *Actor) HomeDir() string {
	if a != nil && a.Home != "" {
		return a.Home
	}
	if a.IsRoot() {
		return "/root"
	}
	return "/home"
}

// Op is an operation requested against a filesystem node.
type Op string

const (
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpExecute  Op = "execute"
	OpDelete   Op = "delete"
	OpTraverse Op = "traverse"
)

// AliasKind distinguishes static aliases from live symlinks.
type AliasKind string

const (
	AliasFixed   AliasKind = "fixed"   // expanded once at registration
	AliasSymlink AliasKind = "symlink" // dereferenced on every resolution
	AliasHome    AliasKind = "home"    // the reserved "~" entry
)

// Alias is an entry of the path-alias table.
type Alias struct {
	Name   string    `json:"name"`
	Target string    `json:"target"`
	Kind   AliasKind `json:"kind"`
}

// System reports whether the alias is reserved and cannot be removed.
func (a Alias) System() bool {
	return a.Kind == AliasHome
}

// QuotaConfiguration is the per-group byte ceiling.
type QuotaConfiguration struct {
	GroupID    uint32 `json:"group_id" yaml:"group_id"`
	QuotaBytes int64  `json:"quota_bytes" yaml:"quota_bytes"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// UsageStatistics tracks the consumption of a group's quota.
type UsageStatistics struct {
	CurrentUsageBytes  int64     `json:"current_usage_bytes"`
	PeakUsageBytes     int64     `json:"peak_usage_bytes"`
	PeakUsageTime      time.Time `json:"peak_usage_time"`
	QuotaExceededCount int64     `json:"quota_exceeded_count"`
	LastExceededTime   time.Time `json:"last_exceeded_time"`
}

// LockKind is the mode of an advisory lock.
type LockKind string

const (
	LockShared    LockKind = "shared"
	LockExclusive LockKind = "exclusive"
)
