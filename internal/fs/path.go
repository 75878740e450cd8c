package fs

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ajaxzhan/simfs/pkg/types"
)

// HomeAlias is the reserved alias for the actor's home directory.
const HomeAlias = "~"

// maxSymlinkHops bounds symlink alias chains, like ELOOP.
const maxSymlinkHops = 40

// ExistsFunc reports whether a canonical path exists. The resolver calls it
// with its read lock held.
type ExistsFunc func(canonical string) bool

// Resolver turns raw command paths into canonical absolute paths, expanding
// the alias table on the way.
type Resolver struct {
	mu      sync.RWMutex
	aliases map[string]types.Alias
	exists  ExistsFunc
}

// NewResolver creates a resolver with only the "~" alias registered.
// exists may be nil, in which case symlink aliases never dangle.
func NewResolver(exists ExistsFunc) *Resolver {
	return &Resolver{
		aliases: map[string]types.Alias{
			HomeAlias: {Name: HomeAlias, Kind: types.AliasHome},
		},
		exists: exists,
	}
}

// SetExistsFunc replaces the dangling-symlink check.
func (r *Resolver) SetExistsFunc(fn ExistsFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exists = fn
}

// Resolve returns the canonical absolute form of rawPath. Relative paths are
// joined with cwd; a leading alias component is expanded; ".." above the
// root clamps to "/".
func (r *Resolver) Resolve(rawPath, cwd, home string) (string, error) {
	if rawPath == "" {
		return "", types.NewPathError("resolve", rawPath, types.ErrInvalidPath)
	}
	if strings.ContainsRune(rawPath, 0) {
		return "", types.NewPathError("resolve", rawPath, fmt.Errorf("%w: contains NUL", types.ErrInvalidPath))
	}
	if !path.IsAbs(cwd) {
		return "", types.NewPathError("resolve", cwd, fmt.Errorf("%w: working directory must be absolute", types.ErrInvalidPath))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(rawPath, cwd, home, 0), nil
}

func (r *Resolver) resolve(rawPath, cwd, home string, depth int) string {
	if path.IsAbs(rawPath) {
		return path.Clean(rawPath)
	}

	first, rest, _ := strings.Cut(rawPath, "/")
	if alias, ok := r.aliases[first]; ok {
		if target, ok := r.expand(alias, home, depth); ok {
			return path.Clean(target + "/" + rest)
		}
	}
	return path.Clean(cwd + "/" + rawPath)
}

// expand returns the absolute prefix an alias stands for. Symlinks are
// dereferenced every time; a dangling or looping symlink yields false.
func (r *Resolver) expand(alias types.Alias, home string, depth int) (string, bool) {
	switch alias.Kind {
	case types.AliasHome:
		if !path.IsAbs(home) {
			return "/", true
		}
		return home, true
	case types.AliasFixed:
		return alias.Target, true
	case types.AliasSymlink:
		return r.deref(alias.Target, home, depth+1)
	default:
		return "", false
	}
}

// deref follows a symlink target. Relative targets are taken from the root.
func (r *Resolver) deref(target, home string, depth int) (string, bool) {
	if depth > maxSymlinkHops {
		return "", false
	}

	resolved := path.Clean("/" + target)
	if !path.IsAbs(target) {
		first, rest, _ := strings.Cut(target, "/")
		if alias, ok := r.aliases[first]; ok {
			prefix, ok := r.expand(alias, home, depth)
			if !ok {
				return "", false
			}
			resolved = path.Clean(prefix + "/" + rest)
		}
	}

	if r.exists != nil && !r.exists(resolved) {
		return "", false
	}
	return resolved, true
}

// RegisterFixed adds or replaces a static alias. The target is resolved
// now, against cwd and home, and stored absolute.
func (r *Resolver) RegisterFixed(name, target, cwd, home string) (types.Alias, error) {
	alias, err := r.fixedAlias(name, target, cwd, home)
	if err != nil {
		return types.Alias{}, err
	}
	r.put(alias)
	return alias, nil
}

// RegisterSymlink adds or replaces a live alias. The raw target is kept and
// dereferenced on every resolution.
func (r *Resolver) RegisterSymlink(name, target string) (types.Alias, error) {
	alias, err := symlinkAlias(name, target)
	if err != nil {
		return types.Alias{}, err
	}
	r.put(alias)
	return alias, nil
}

// Unregister removes an alias. The home alias cannot be removed.
func (r *Resolver) Unregister(name string) error {
	if err := r.removable(name); err != nil {
		return err
	}
	r.remove(name)
	return nil
}

func (r *Resolver) fixedAlias(name, target, cwd, home string) (types.Alias, error) {
	if err := validateAliasName(name); err != nil {
		return types.Alias{}, err
	}
	resolved, err := r.Resolve(target, cwd, home)
	if err != nil {
		return types.Alias{}, err
	}
	return types.Alias{Name: name, Target: resolved, Kind: types.AliasFixed}, nil
}

func symlinkAlias(name, target string) (types.Alias, error) {
	if err := validateAliasName(name); err != nil {
		return types.Alias{}, err
	}
	if target == "" || strings.ContainsRune(target, 0) {
		return types.Alias{}, types.NewPathError("symlink", target, types.ErrInvalidPath)
	}
	return types.Alias{Name: name, Target: target, Kind: types.AliasSymlink}, nil
}

// put installs an alias without validation. System aliases are ignored so a
// persisted table can never shadow them.
func (r *Resolver) put(alias types.Alias) {
	if alias.System() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias.Name] = alias
}

func (r *Resolver) removable(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alias, ok := r.aliases[name]
	if !ok {
		return types.NewPathError("unalias", name, types.ErrNotFound)
	}
	if alias.System() {
		return types.NewPathError("unalias", name, types.ErrCannotRemoveSystemAlias)
	}
	return nil
}

func (r *Resolver) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.aliases[name]; ok && !a.System() {
		delete(r.aliases, name)
	}
}

// Lookup returns the alias registered under name.
func (r *Resolver) Lookup(name string) (types.Alias, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.aliases[name]
	return a, ok
}

// Aliases returns a snapshot of the table sorted by name.
func (r *Resolver) Aliases() []types.Alias {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Alias, 0, len(r.aliases))
	for _, a := range r.aliases {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func validateAliasName(name string) error {
	switch {
	case name == HomeAlias:
		return types.NewPathError("alias", name, fmt.Errorf("%w: %s is reserved", types.ErrCannotRemoveSystemAlias, name))
	case name == "" || name == "." || name == "..":
		return types.NewPathError("alias", name, types.ErrInvalidPath)
	case strings.ContainsAny(name, "/\x00"):
		return types.NewPathError("alias", name, types.ErrInvalidPath)
	}
	return nil
}

// splitPath returns the components of a canonical path; "/" has none.
func splitPath(canonical string) []string {
	trimmed := strings.Trim(canonical, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// parentOf returns the directory part and the base name of a canonical path.
func parentOf(canonical string) (string, string) {
	return path.Dir(canonical), path.Base(canonical)
}
