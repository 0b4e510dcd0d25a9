package rpcgss

import "golang.org/x/sys/unix"

// Errno values surfaced to RPC callers, per the error handling table: the
// client compares these against golang.org/x/sys/unix.Errno the same way a
// real Linux RPC client compares against the kernel's errno space.
var (
	ErrAgain      = unix.EAGAIN
	ErrAccess     = unix.EACCES
	ErrKeyExpired = unix.EKEYEXPIRED
	ErrPipeClosed = unix.EPIPE
	ErrRestartSys = unix.ERESTART
	ErrFault      = unix.EFAULT
	ErrNoMem      = unix.ENOMEM
	ErrInval      = unix.EINVAL
	ErrNoSys      = unix.ENOSYS
)

// translateDowncallErrno maps a daemon-supplied errno (as carried in a
// downcall with window==0) to the errno the RPC caller observes.
//
// EACCES and EKEYEXPIRED pass through unchanged. EFAULT, ENOMEM, EINVAL and
// ENOSYS collapse to EAGAIN so a daemon bug drives a retry instead of
// poisoning the credential; anything else defaults to EACCES, the same
// "daemon refused" fallback used for a daemon-absence timeout.
func translateDowncallErrno(raw int32) error {
	e := unix.Errno(-raw)
	switch e {
	case unix.EACCES, unix.EKEYEXPIRED:
		return e
	case unix.EFAULT, unix.ENOMEM, unix.EINVAL, unix.ENOSYS:
		return ErrAgain
	default:
		return ErrAccess
	}
}
