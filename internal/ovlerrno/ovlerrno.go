// Package ovlerrno centralizes the mapping from the overlay engine's
// internal error kinds to the syscall.Errno values the FUSE transport
// must reply with.
package ovlerrno

import (
	"errors"
	"syscall"
)

// Kind identifies a class of error the overlay core can produce that has
// a specific, spec-mandated errno translation distinct from whatever the
// backing syscall returned.
type Kind int

const (
	// KindNone is the zero value; ToErrno falls back to fs.ToErrno-style
	// unwrapping for it.
	KindNone Kind = iota
	// KindNotFound covers missing entries, whiteouts, and reserved-name
	// lookups.
	KindNotFound
	// KindReadOnly covers mutation attempts with no upper layer configured.
	KindReadOnly
	// KindNotEmpty covers rmdir/rename of a non-empty directory.
	KindNotEmpty
	// KindCrossDevice covers a directory rename across layers.
	KindCrossDevice
	// KindPermission covers reserved extended attribute namespace writes.
	KindPermission
	// KindNameTooLong covers names exceeding f_namemax minus the whiteout
	// prefix length.
	KindNameTooLong
	// KindBadMessage covers crypto integrity failures (decoded size
	// mismatch).
	KindBadMessage
)

// Error wraps an underlying cause with a Kind that dictates its errno
// translation, while still supporting errors.Is/As against cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindReadOnly:
		return "read-only filesystem"
	case KindNotEmpty:
		return "directory not empty"
	case KindCrossDevice:
		return "cross-device link"
	case KindPermission:
		return "permission denied"
	case KindNameTooLong:
		return "name too long"
	case KindBadMessage:
		return "bad message"
	default:
		return "overlay error"
	}
}

// New builds an *Error of the given kind wrapping cause (which may be nil).
func New(k Kind, cause error) error {
	return &Error{Kind: k, Cause: cause}
}

// ToErrno translates err into the syscall.Errno the FUSE reply must carry.
// Known ovlerrno.Kind values take priority; otherwise it unwraps to the
// innermost syscall.Errno, the same fs.ToErrno(err) idiom used at the
// edges of a go-fuse filesystem.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var oe *Error
	if errors.As(err, &oe) {
		switch oe.Kind {
		case KindNotFound:
			return syscall.ENOENT
		case KindReadOnly:
			return syscall.EROFS
		case KindNotEmpty:
			return syscall.ENOTEMPTY
		case KindCrossDevice:
			return syscall.EXDEV
		case KindPermission:
			return syscall.EPERM
		case KindNameTooLong:
			return syscall.ENAMETOOLONG
		case KindBadMessage:
			return syscall.EBADMSG
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
