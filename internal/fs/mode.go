package fs

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ajaxzhan/simfs/pkg/types"
)

// Creation bases before the actor umask is applied, and the modes assumed
// for persisted nodes that carry no mode at all.
const (
	BaseFileMode    uint32 = 0o666
	BaseDirMode     uint32 = 0o777
	DefaultFileMode uint32 = 0o644
	DefaultDirMode  uint32 = 0o755
)

const (
	modeSetuid uint32 = 0o4000
	modeSetgid uint32 = 0o2000
	modeSticky uint32 = 0o1000
)

var (
	symbolicClause = regexp.MustCompile(`^([ugoa]*)([-+=])([rwxXst]*)$`)
	octalSpec      = regexp.MustCompile(`^[0-7]{1,4}$`)
)

// Triplet is one rwx group of permission bits.
type Triplet struct {
	Read  bool
	Write bool
	Exec  bool
}

func tripletFromBits(b uint32) Triplet {
	return Triplet{Read: b&4 != 0, Write: b&2 != 0, Exec: b&1 != 0}
}

func (t Triplet) bits() uint32 {
	var b uint32
	if t.Read {
		b |= 4
	}
	if t.Write {
		b |= 2
	}
	if t.Exec {
		b |= 1
	}
	return b
}

// Allows reports whether the triplet grants the bit needed for op.
func (t Triplet) Allows(op types.Op) bool {
	switch op {
	case types.OpRead:
		return t.Read
	case types.OpWrite, types.OpDelete:
		return t.Write
	case types.OpExecute, types.OpTraverse:
		return t.Exec
	default:
		return false
	}
}

func (t Triplet) or(o Triplet) Triplet {
	return Triplet{Read: t.Read || o.Read, Write: t.Write || o.Write, Exec: t.Exec || o.Exec}
}

func (t Triplet) andNot(o Triplet) Triplet {
	return Triplet{Read: t.Read && !o.Read, Write: t.Write && !o.Write, Exec: t.Exec && !o.Exec}
}

// Mode is a Unix permission set: three rwx triplets plus the special bits.
type Mode struct {
	Owner  Triplet
	Group  Triplet
	Other  Triplet
	Setuid bool
	Setgid bool
	Sticky bool
}

// FromOctal converts 0..0o7777 into a Mode.
func FromOctal(n uint32) (Mode, error) {
	if n > 0o7777 {
		return Mode{}, &types.ModeError{Spec: strconv.FormatUint(uint64(n), 8), Reason: "out of range"}
	}
	return modeFromBits(n), nil
}

func modeFromBits(n uint32) Mode {
	return Mode{
		Owner:  tripletFromBits(n >> 6 & 7),
		Group:  tripletFromBits(n >> 3 & 7),
		Other:  tripletFromBits(n & 7),
		Setuid: n&modeSetuid != 0,
		Setgid: n&modeSetgid != 0,
		Sticky: n&modeSticky != 0,
	}
}

// MustMode is FromOctal for constants known to be in range.
func MustMode(n uint32) Mode {
	m, err := FromOctal(n)
	if err != nil {
		panic(err)
	}
	return m
}

// ModeOrDefault returns the stored mode, or the deterministic default when
// a record carries none.
func ModeOrDefault(stored *uint32, isDir bool) Mode {
	if stored != nil {
		return modeFromBits(*stored & 0o7777)
	}
	if isDir {
		return modeFromBits(DefaultDirMode)
	}
	return modeFromBits(DefaultFileMode)
}

// Octal returns the numeric form, including special bits.
func (m Mode) Octal() uint32 {
	n := m.Owner.bits()<<6 | m.Group.bits()<<3 | m.Other.bits()
	if m.Setuid {
		n |= modeSetuid
	}
	if m.Setgid {
		n |= modeSetgid
	}
	if m.Sticky {
		n |= modeSticky
	}
	return n
}

// Masked returns m with the umask's rwx bits cleared.
func (m Mode) Masked(umask uint32) Mode {
	return modeFromBits(m.Octal() &^ (umask & 0o777))
}

// AnyExec reports whether any execute bit is set.
func (m Mode) AnyExec() bool {
	return m.Owner.Exec || m.Group.Exec || m.Other.Exec
}

// String renders the ls-style form, e.g. "drwxr-sr-x" or "-rwsr-xr-x".
func (m Mode) String(isDir bool) string {
	var b strings.Builder
	b.Grow(10)
	if isDir {
		b.WriteByte('d')
	} else {
		b.WriteByte('-')
	}
	writeTriplet(&b, m.Owner, m.Setuid, 's')
	writeTriplet(&b, m.Group, m.Setgid, 's')
	writeTriplet(&b, m.Other, m.Sticky, 't')
	return b.String()
}

func writeTriplet(b *strings.Builder, t Triplet, special bool, letter byte) {
	b.WriteByte(pick(t.Read, 'r'))
	b.WriteByte(pick(t.Write, 'w'))
	switch {
	case special && t.Exec:
		b.WriteByte(letter)
	case special:
		b.WriteByte(letter - 'a' + 'A')
	default:
		b.WriteByte(pick(t.Exec, 'x'))
	}
}

func pick(set bool, c byte) byte {
	if set {
		return c
	}
	return '-'
}

// ParseSymbolic reads the 10-character ls form (or the 9-character form
// without the type letter) back into a Mode.
func ParseSymbolic(s string) (Mode, bool, error) {
	isDir := false
	switch len(s) {
	case 10:
		switch s[0] {
		case 'd':
			isDir = true
		case '-':
		default:
			return Mode{}, false, &types.ModeError{Spec: s, Reason: "unknown type letter"}
		}
		s = s[1:]
	case 9:
	default:
		return Mode{}, false, &types.ModeError{Spec: s, Reason: "expected 9 or 10 characters"}
	}

	var m Mode
	var ok bool
	if m.Owner, m.Setuid, ok = parseTriplet(s[0:3], 's'); !ok {
		return Mode{}, false, &types.ModeError{Spec: s, Reason: "bad owner triplet"}
	}
	if m.Group, m.Setgid, ok = parseTriplet(s[3:6], 's'); !ok {
		return Mode{}, false, &types.ModeError{Spec: s, Reason: "bad group triplet"}
	}
	if m.Other, m.Sticky, ok = parseTriplet(s[6:9], 't'); !ok {
		return Mode{}, false, &types.ModeError{Spec: s, Reason: "bad other triplet"}
	}
	return m, isDir, nil
}

func parseTriplet(s string, letter byte) (Triplet, bool, bool) {
	var t Triplet
	switch s[0] {
	case 'r':
		t.Read = true
	case '-':
	default:
		return t, false, false
	}
	switch s[1] {
	case 'w':
		t.Write = true
	case '-':
	default:
		return t, false, false
	}
	special := false
	switch s[2] {
	case 'x':
		t.Exec = true
	case letter:
		t.Exec, special = true, true
	case letter - 'a' + 'A':
		special = true
	case '-':
	default:
		return t, false, false
	}
	return t, special, true
}

// ParseModeSpec applies a chmod-style spec, octal ("755", "1777") or
// symbolic ("u+x,go-w"), to current.
func ParseModeSpec(current Mode, spec string, isDir bool) (Mode, error) {
	if spec == "" {
		return Mode{}, &types.ModeError{Spec: spec, Reason: "empty"}
	}
	if octalSpec.MatchString(spec) {
		n, err := strconv.ParseUint(spec, 8, 32)
		if err != nil {
			return Mode{}, &types.ModeError{Spec: spec, Reason: err.Error()}
		}
		return FromOctal(uint32(n))
	}
	return ApplySymbolic(current, spec, isDir)
}

// ApplySymbolic applies comma-separated clauses of the form
// [ugoa]*[-+=][rwxXst]* left to right, each seeing the previous result.
func ApplySymbolic(current Mode, spec string, isDir bool) (Mode, error) {
	if spec == "" {
		return Mode{}, &types.ModeError{Spec: spec, Reason: "empty"}
	}
	m := current
	for _, clause := range strings.Split(spec, ",") {
		parts := symbolicClause.FindStringSubmatch(clause)
		if parts == nil {
			return Mode{}, &types.ModeError{Spec: spec, Reason: "bad clause '" + clause + "'"}
		}
		m = applyClause(m, parts[1], parts[2][0], parts[3], isDir)
	}
	return m, nil
}

// EditPermissionString applies spec to an ls-style permission string and
// renders the result in the same form.
func EditPermissionString(current, spec string) (string, error) {
	m, isDir, err := ParseSymbolic(current)
	if err != nil {
		return "", err
	}
	next, err := ParseModeSpec(m, spec, isDir)
	if err != nil {
		return "", err
	}
	return next.String(isDir), nil
}

func applyClause(m Mode, who string, op byte, perms string, isDir bool) Mode {
	u, g, o := false, false, false
	if who == "" || strings.ContainsRune(who, 'a') {
		u, g, o = true, true, true
	} else {
		u = strings.ContainsRune(who, 'u')
		g = strings.ContainsRune(who, 'g')
		o = strings.ContainsRune(who, 'o')
	}

	var req Triplet
	var wantS, wantT bool
	for _, c := range perms {
		switch c {
		case 'r':
			req.Read = true
		case 'w':
			req.Write = true
		case 'x':
			req.Exec = true
		case 'X':
			if isDir || m.AnyExec() {
				req.Exec = true
			}
		case 's':
			wantS = true
		case 't':
			wantT = true
		}
	}

	edit := func(t Triplet) Triplet {
		switch op {
		case '+':
			return t.or(req)
		case '-':
			return t.andNot(req)
		default:
			return req
		}
	}
	flag := func(cur, want bool) bool {
		switch op {
		case '+':
			return cur || want
		case '-':
			return cur && !want
		default:
			return want
		}
	}

	if u {
		m.Owner = edit(m.Owner)
		if wantS || op == '=' {
			m.Setuid = flag(m.Setuid, wantS)
		}
	}
	if g {
		m.Group = edit(m.Group)
		if wantS || op == '=' {
			m.Setgid = flag(m.Setgid, wantS)
		}
	}
	if o {
		m.Other = edit(m.Other)
		if wantT || op == '=' {
			m.Sticky = flag(m.Sticky, wantT)
		}
	}
	return m
}
