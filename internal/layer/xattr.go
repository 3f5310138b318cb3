package layer

import (
	"syscall"

	"github.com/pkg/xattr"
)

// IsNotSupported reports whether err indicates the backing filesystem
// does not support extended attributes at all, as opposed to the
// attribute simply being absent. Grounded on rclone's
// backend/local/xattr.go xattrIsNotSupported: ENOTSUP and EINVAL
// (Solaris) count as "not supported", whether err is an *xattr.Error or
// a bare errno from golang.org/x/sys/unix. ENOATTR is a plain absence
// and is reported by IsNotExist instead.
func IsNotSupported(err error) bool {
	cause := err
	if xerr, ok := err.(*xattr.Error); ok {
		cause = xerr.Err
	}
	return cause == syscall.ENOTSUP || cause == syscall.EINVAL
}

// IsNotExist reports whether err indicates the attribute or path is
// simply absent (not a capability problem).
func IsNotExist(err error) bool {
	xerr, ok := err.(*xattr.Error)
	if !ok {
		return false
	}
	return xerr.Err == xattr.ENOATTR || xerr.Err == syscall.ENOENT
}
