// Package pipefs implements the client side of the rpc_pipefs upcall
// channel: a directory of named pipes the daemon attaches to, a
// process-wide version latch enforcing "one wire format at a time," and
// the length-framed read/write conversation the Coordinator drives.
//
// Real rpc_pipefs is a kernel virtual filesystem; this package is the
// userspace analogue the design notes call for — a named singleton
// latch plus a bidirectional message channel, exposed only through
// get_pipe_version/put_pipe_version-shaped primitives.
package pipefs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/gssauth/internal/rpcgss"
)

// ErrVersionBusy is returned by Latch.Open when a daemon tries to attach
// at a version other than the one already latched by an existing user.
var ErrVersionBusy = fmt.Errorf("pipefs: pipe version busy")

// Latch is the process-wide pipe-version latch from the design notes:
// either PipeVersionUnknown (no users) or fixed at the version of the
// first attached daemon for as long as any user remains. It is meant to
// be instantiated once per process and shared by every Manager.
type Latch struct {
	mu      sync.Mutex
	version rpcgss.PipeVersion
	users   int
	waiters []chan rpcgss.PipeVersion
}

// NewLatch returns an unlatched (PipeVersionUnknown) version source.
func NewLatch() *Latch {
	return &Latch{}
}

// Open attempts to attach a daemon at the given version. It succeeds and
// increments the user count if the latch is unset or already fixed at
// version; it fails with ErrVersionBusy if another version is already
// latched.
func (l *Latch) Open(version rpcgss.PipeVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.users > 0 && l.version != version {
		return ErrVersionBusy
	}
	l.version = version
	l.users++
	if l.users == 1 {
		waiters := l.waiters
		l.waiters = nil
		for _, w := range waiters {
			w <- version
			close(w)
		}
	}
	return nil
}

// Release detaches one user. When the last user releases, the latch
// resets to PipeVersionUnknown, matching invariant 4: the latch is
// nonzero if and only if at least one pipe user exists.
func (l *Latch) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.users == 0 {
		return
	}
	l.users--
	if l.users == 0 {
		l.version = rpcgss.PipeVersionUnknown
	}
}

// CurrentVersion implements rpcgss.VersionSource.
func (l *Latch) CurrentVersion() rpcgss.PipeVersion {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// WaitForAny implements rpcgss.VersionSource: it blocks until any daemon
// attaches or timeout elapses.
func (l *Latch) WaitForAny(ctx context.Context, timeout time.Duration) (rpcgss.PipeVersion, error) {
	l.mu.Lock()
	if l.users > 0 {
		v := l.version
		l.mu.Unlock()
		return v, nil
	}
	ch := make(chan rpcgss.PipeVersion, 1)
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case v, ok := <-ch:
		if !ok {
			return rpcgss.PipeVersionUnknown, fmt.Errorf("pipefs: latch closed while waiting")
		}
		return v, nil
	case <-waitCtx.Done():
		l.removeWaiter(ch)
		return rpcgss.PipeVersionUnknown, waitCtx.Err()
	}
}

// removeWaiter drops ch from the waiter list after a timed-out wait, so
// a daemon that never attaches doesn't accumulate dead channels.
func (l *Latch) removeWaiter(ch chan rpcgss.PipeVersion) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}
