package rpcgss

import (
	"context"
	"time"
)

// PipeVersion identifies the rpc_pipefs upcall wire format in use on this
// host. The kernel (or, here, the daemon) fixes the version the first
// time any process opens the pipe, and it is latched process-wide for as
// long as any reader holds it open.
type PipeVersion int

const (
	// PipeVersionUnknown means no version has been negotiated yet: no
	// daemon has attached to the pipe since the process started, or the
	// pipe was last closed and its version forgotten.
	PipeVersionUnknown PipeVersion = iota
	// PipeVersionLegacy is the v0 binary protocol: upcalls carry a bare
	// native-endian uid, nothing else.
	PipeVersionLegacy
	// PipeVersionText is the v1 textual protocol: upcalls carry a
	// "mech=... uid=..." line, allowing mechanism and target selection.
	PipeVersionText
)

func (v PipeVersion) String() string {
	switch v {
	case PipeVersionLegacy:
		return "legacy"
	case PipeVersionText:
		return "text"
	default:
		return "unknown"
	}
}

// PipeChannel is a single open upcall/downcall conversation with the
// daemon: write an upcall request, read the matching downcall. A
// PipeChannel is not safe for concurrent use; the Coordinator serializes
// access to it per uid.
type PipeChannel interface {
	// WriteUpcall sends an already-encoded upcall request.
	WriteUpcall(ctx context.Context, payload []byte) error
	// ReadDowncall blocks for the daemon's reply, honoring ctx
	// cancellation the way a KILLABLE kernel sleep honors a signal.
	ReadDowncall(ctx context.Context) ([]byte, error)
	// Close releases the channel's underlying file descriptor.
	Close() error
}

// PipeListener watches for the daemon attaching to or detaching from the
// named pipe and reports which wire version it negotiated.
type PipeListener interface {
	// Open returns a channel for a fresh upcall, or an error if no
	// daemon is currently attached.
	Open(ctx context.Context) (PipeChannel, error)
	// Version returns the currently latched pipe version.
	Version() PipeVersion
	// Attached reports whether a daemon currently holds the pipe open.
	Attached() bool
}

// VersionSource abstracts the process-wide pipe-version latch so the core
// package can wait for a daemon attach without importing the concrete
// transport.
type VersionSource interface {
	// CurrentVersion returns the latched version, or PipeVersionUnknown
	// if no daemon has attached yet.
	CurrentVersion() PipeVersion
	// WaitForAny blocks until a daemon attaches or timeout elapses,
	// returning the negotiated version.
	WaitForAny(ctx context.Context, timeout time.Duration) (PipeVersion, error)
}
