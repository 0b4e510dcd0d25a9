package pipefs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/marmos91/gssauth/internal/logger"
	"github.com/marmos91/gssauth/internal/rpcgss"
)

// sentinel file suffix the daemon touches to announce it has attached to
// a pipe node, and removes to announce detachment. A plain FIFO gives no
// open()/release() notification by itself (fsnotify reports only
// create/write/remove/rename, not open/close), so this package pairs
// each FIFO node with a sentinel file as the userspace stand-in for the
// kernel's pipe open()/release() dentry callbacks.
const attachedSuffix = ".attached"

// Manager owns the two named-pipe nodes for one Authenticator ("<mech>"
// for v0, "gssd" for v1) inside dir, and watches dir for the daemon
// attaching to or detaching from either one. It implements both
// rpcgss.PipeListener and rpcgss.VersionSource.
type Manager struct {
	dir      string
	mechName string
	v0Path   string
	v1Path   string
	latch    *Latch
	onDetach func()
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates the v0 ("<mechName>") and v1 ("gssd") pipe nodes
// under dir (creating dir if needed) and starts watching for daemon
// attach/detach. latch is the process-wide version latch shared by every
// Manager in the process (see design note "Global mutable state"); when
// the latch empties because this Manager's last user detached, onDetach
// is invoked so the owning Coordinator can fail pending upcalls with
// EPIPE.
func NewManager(dir, mechName string, latch *Latch, onDetach func()) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("pipefs: create pipe directory: %w", err)
	}

	m := &Manager{
		dir:      dir,
		mechName: mechName,
		v0Path:   filepath.Join(dir, mechName),
		v1Path:   filepath.Join(dir, "gssd"),
		latch:    latch,
		onDetach: onDetach,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	for _, path := range []string{m.v0Path, m.v1Path} {
		if err := unix.Mkfifo(path, 0600); err != nil && !os.IsExist(err) {
			return nil, fmt.Errorf("pipefs: mkfifo %s: %w", path, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pipefs: new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("pipefs: watch %s: %w", dir, err)
	}
	m.watcher = watcher

	go m.watchLoop()
	return m, nil
}

func (m *Manager) watchLoop() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("pipefs: watcher error", logger.Err(err))
		}
	}
}

func (m *Manager) handleEvent(ev fsnotify.Event) {
	version, ok := m.versionForSentinel(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if err := m.latch.Open(version); err != nil {
			logger.Warn("pipefs: daemon attach rejected", "reason", err.Error())
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		m.latch.Release()
		if !m.Attached() && m.onDetach != nil {
			m.onDetach()
		}
	}
}

func (m *Manager) versionForSentinel(name string) (rpcgss.PipeVersion, bool) {
	switch name {
	case m.v0Path + attachedSuffix:
		return rpcgss.PipeVersionLegacy, true
	case m.v1Path + attachedSuffix:
		return rpcgss.PipeVersionText, true
	default:
		return rpcgss.PipeVersionUnknown, false
	}
}

// Open implements rpcgss.PipeListener: it opens the node matching the
// currently latched version.
func (m *Manager) Open(ctx context.Context) (rpcgss.PipeChannel, error) {
	version := m.latch.CurrentVersion()
	switch version {
	case rpcgss.PipeVersionLegacy:
		return openFileChannel(m.v0Path)
	case rpcgss.PipeVersionText:
		return openFileChannel(m.v1Path)
	default:
		return nil, fmt.Errorf("pipefs: no daemon attached")
	}
}

// Version implements rpcgss.PipeListener.
func (m *Manager) Version() rpcgss.PipeVersion {
	return m.latch.CurrentVersion()
}

// Attached implements rpcgss.PipeListener.
func (m *Manager) Attached() bool {
	return m.latch.CurrentVersion() != rpcgss.PipeVersionUnknown
}

// CurrentVersion implements rpcgss.VersionSource by delegating to the
// shared latch.
func (m *Manager) CurrentVersion() rpcgss.PipeVersion {
	return m.latch.CurrentVersion()
}

// WaitForAny implements rpcgss.VersionSource by delegating to the shared
// latch.
func (m *Manager) WaitForAny(ctx context.Context, timeout time.Duration) (rpcgss.PipeVersion, error) {
	return m.latch.WaitForAny(ctx, timeout)
}

// sentinelPath returns the attach-sentinel path for version under dir,
// matching the node name Manager watches for.
func sentinelPath(dir, mechName string, version rpcgss.PipeVersion) (string, error) {
	switch version {
	case rpcgss.PipeVersionLegacy:
		return filepath.Join(dir, mechName) + attachedSuffix, nil
	case rpcgss.PipeVersionText:
		return filepath.Join(dir, "gssd") + attachedSuffix, nil
	default:
		return "", fmt.Errorf("pipefs: no sentinel for version %v", version)
	}
}

// SimulateAttach creates the attach sentinel for version under dir,
// exercising the same path a real daemon process would on open(). It
// exists for tests and for a companion daemon process that wants to
// announce attachment without importing Manager's internals.
func SimulateAttach(dir, mechName string, version rpcgss.PipeVersion) error {
	path, err := sentinelPath(dir, mechName, version)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pipefs: create attach sentinel: %w", err)
	}
	return f.Close()
}

// SimulateDetach removes the attach sentinel for version under dir.
func SimulateDetach(dir, mechName string, version rpcgss.PipeVersion) error {
	path, err := sentinelPath(dir, mechName, version)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pipefs: remove attach sentinel: %w", err)
	}
	return nil
}

// Close stops the directory watcher. It does not remove the pipe nodes:
// another process may still be attached to them.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	err := m.watcher.Close()
	<-m.doneCh
	return err
}
