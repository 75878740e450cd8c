// Package fs implements the simulated filesystem core: path resolution,
// Unix permission bits, access control, quotas, advisory locks and the node
// store, plus a FUSE adapter that mounts the store.
package fs

import (
	"github.com/ajaxzhan/simfs/pkg/types"
)

// Attr is the ownership and permission metadata an access check needs.
type Attr struct {
	UID   uint32
	GID   uint32
	Mode  Mode
	IsDir bool
}

// RunsAsOwner reports whether executing the file should assume the owner's
// identity. The filesystem only exposes the capability; launching processes
// is left to the caller.
func (a *Attr) RunsAsOwner() bool {
	return !a.IsDir && a.Mode.Setuid && a.Mode.AnyExec()
}

// PathAttr pairs a canonical path with its attributes.
type PathAttr struct {
	Path string
	Attr *Attr
}

// AccessController decides whether an actor may perform an operation.
type AccessController interface {
	// CanAccess reports whether actor holds the bit required for op on attr.
	CanAccess(actor *types.Actor, attr *Attr, op types.Op) bool

	// CheckAccess is CanAccess returning a *types.PermissionError on denial.
	CheckAccess(actor *types.Actor, path string, attr *Attr, op types.Op) error

	// CheckTraverse requires search permission on every ancestor directory.
	CheckTraverse(actor *types.Actor, ancestors []PathAttr) error

	// CheckDelete checks removal of child from parent, including the
	// sticky-directory restriction.
	CheckDelete(actor *types.Actor, parentPath string, parent *Attr, childPath string, child *Attr) error

	// CheckChmod allows only the owner or root to change the mode.
	CheckChmod(actor *types.Actor, path string, attr *Attr) error

	// CheckChown validates an ownership change. Nil ids are left unchanged.
	CheckChown(actor *types.Actor, path string, attr *Attr, uid, gid *uint32) error

	// SanitizeMode strips special bits the actor may not set on attr.
	SanitizeMode(actor *types.Actor, attr *Attr, next Mode) Mode

	// NewAttr computes the attributes of an entry created in parent.
	NewAttr(actor *types.Actor, parent *Attr, isDir bool, requested Mode) Attr
}

// accessController is the default implementation of AccessController.
type accessController struct{}

// NewAccessController creates the default Unix access controller.
func NewAccessController() AccessController {
	return &accessController{}
}

// triplet selects the owner, group or other bits that apply to actor.
func triplet(actor *types.Actor, attr *Attr) Triplet {
	switch {
	case actor.UID == attr.UID:
		return attr.Mode.Owner
	case actor.InGroup(attr.GID):
		return attr.Mode.Group
	default:
		return attr.Mode.Other
	}
}

func (ac *accessController) CanAccess(actor *types.Actor, attr *Attr, op types.Op) bool {
	if actor == nil || attr == nil {
		return false
	}
	if actor.IsRoot() {
		return true
	}
	return triplet(actor, attr).Allows(op)
}

func (ac *accessController) CheckAccess(actor *types.Actor, path string, attr *Attr, op types.Op) error {
	if ac.CanAccess(actor, attr, op) {
		return nil
	}
	return denied(actor, path, op, "")
}

func (ac *accessController) CheckTraverse(actor *types.Actor, ancestors []PathAttr) error {
	if actor.IsRoot() {
		return nil
	}
	for _, a := range ancestors {
		if !ac.CanAccess(actor, a.Attr, types.OpTraverse) {
			return denied(actor, a.Path, types.OpTraverse, "search permission missing on ancestor")
		}
	}
	return nil
}

func (ac *accessController) CheckDelete(actor *types.Actor, parentPath string, parent *Attr, childPath string, child *Attr) error {
	if actor.IsRoot() {
		return nil
	}
	if !ac.CanAccess(actor, parent, types.OpWrite) || !ac.CanAccess(actor, parent, types.OpExecute) {
		return denied(actor, childPath, types.OpDelete, "parent directory not writable")
	}
	if !parent.Mode.Sticky {
		return nil
	}
	if actor.UID == parent.UID || actor.UID == child.UID {
		return nil
	}
	return denied(actor, childPath, types.OpDelete, "sticky bit set on "+parentPath)
}

func (ac *accessController) CheckChmod(actor *types.Actor, path string, attr *Attr) error {
	if actor.IsRoot() || actor.UID == attr.UID {
		return nil
	}
	return denied(actor, path, types.OpWrite, "only the owner may change the mode")
}

func (ac *accessController) CheckChown(actor *types.Actor, path string, attr *Attr, uid, gid *uint32) error {
	if actor.IsRoot() {
		return nil
	}
	if uid != nil && *uid != attr.UID {
		return denied(actor, path, types.OpWrite, "only root may change the owner")
	}
	if gid != nil && *gid != attr.GID {
		if actor.UID != attr.UID {
			return denied(actor, path, types.OpWrite, "only the owner may change the group")
		}
		if !actor.InGroup(*gid) {
			return denied(actor, path, types.OpWrite, "not a member of the target group")
		}
	}
	return nil
}

func (ac *accessController) SanitizeMode(actor *types.Actor, attr *Attr, next Mode) Mode {
	if actor.IsRoot() {
		return next
	}
	if !attr.IsDir && next.Setgid && !actor.InGroup(attr.GID) {
		next.Setgid = false
	}
	return next
}

func (ac *accessController) NewAttr(actor *types.Actor, parent *Attr, isDir bool, requested Mode) Attr {
	attr := Attr{
		UID:   actor.UID,
		GID:   actor.GID,
		Mode:  requested.Masked(actor.Umask),
		IsDir: isDir,
	}

	if parent != nil && parent.Mode.Setgid {
		attr.GID = parent.GID
		if isDir {
			attr.Mode.Setgid = true
		}
	}
	if !isDir && attr.Mode.Setgid && !actor.IsRoot() && !actor.InGroup(attr.GID) {
		attr.Mode.Setgid = false
	}
	if !actor.IsRoot() {
		attr.Mode.Setuid = false
	}
	return attr
}

func denied(actor *types.Actor, path string, op types.Op, reason string) error {
	var uid uint32
	if actor != nil {
		uid = actor.UID
	}
	return &types.PermissionError{Path: path, Op: op, UID: uid, Reason: reason}
}
