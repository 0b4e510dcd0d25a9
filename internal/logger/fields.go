package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so log aggregation
// and querying stay uniform across the upcall, credential, and wire layers.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Identity & Credential
	// ========================================================================
	KeyUID        = "uid"         // Unix user ID the credential is bound to
	KeyGID        = "gid"         // Unix group ID
	KeyAuthFlavor = "auth_flavor" // RPC auth flavor
	KeyPrincipal  = "principal"   // GSS principal name, if any
	KeyMechanism  = "mechanism"   // Mechanism name (e.g. "krb5")
	KeyService    = "service"     // Security service: none, integrity, privacy
	KeyCredFlags  = "cred_flags"  // Credential status flags (NEW, UPTODATE, NEGATIVE)
	KeyRetryAfter = "retry_after" // Remaining NEGATIVE cooling-off duration

	// ========================================================================
	// GSS Context
	// ========================================================================
	KeyWireHandle = "wire_handle" // Hex-encoded wire context handle
	KeySeqNum     = "seq_num"     // Allocated or validated sequence number
	KeySeqWindow  = "seq_window"  // Server-advertised sequence window size
	KeyGSSProc    = "gss_proc"    // RPCSEC_GSS procedure: DATA/INIT/CONTINUE_INIT/DESTROY
	KeyExpiry     = "expiry"      // Context expiry time

	// ========================================================================
	// Upcall / Pipe
	// ========================================================================
	KeyPipeVersion = "pipe_version" // Active pipe version (v0, v1, or none)
	KeyPipeName    = "pipe_name"    // Pipe filesystem node name
	KeyUpcallState = "upcall_state" // pending, completed, timed-out, dropped
	KeyWaiters     = "waiters"      // Number of waiters on an in-flight upcall

	// ========================================================================
	// Outcome
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrno      = "errno"       // POSIX errno surfaced to the caller
	KeyAttempt    = "attempt"     // Retry attempt number
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for the OpenTelemetry trace ID.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for the OpenTelemetry span ID.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// UID returns a slog.Attr for the Unix user ID a credential is bound to.
func UID(uid uint32) slog.Attr {
	return slog.Uint64(KeyUID, uint64(uid))
}

// GID returns a slog.Attr for the Unix group ID.
func GID(gid uint32) slog.Attr {
	return slog.Uint64(KeyGID, uint64(gid))
}

// AuthFlavor returns a slog.Attr for the RPC auth flavor.
func AuthFlavor(flavor uint32) slog.Attr {
	return slog.Uint64(KeyAuthFlavor, uint64(flavor))
}

// Principal returns a slog.Attr for a GSS principal name.
func Principal(p string) slog.Attr {
	return slog.String(KeyPrincipal, p)
}

// Mechanism returns a slog.Attr for the mechanism name.
func Mechanism(name string) slog.Attr {
	return slog.String(KeyMechanism, name)
}

// Service returns a slog.Attr for the security service level.
func Service(svc string) slog.Attr {
	return slog.String(KeyService, svc)
}

// WireHandle returns a slog.Attr for a hex-encoded wire context handle.
func WireHandle(h []byte) slog.Attr {
	return slog.String(KeyWireHandle, fmt.Sprintf("%x", h))
}

// SeqNum returns a slog.Attr for an allocated or validated sequence number.
func SeqNum(n uint32) slog.Attr {
	return slog.Uint64(KeySeqNum, uint64(n))
}

// SeqWindow returns a slog.Attr for the server-advertised sequence window size.
func SeqWindow(n uint32) slog.Attr {
	return slog.Uint64(KeySeqWindow, uint64(n))
}

// GSSProc returns a slog.Attr for the RPCSEC_GSS procedure.
func GSSProc(proc string) slog.Attr {
	return slog.String(KeyGSSProc, proc)
}

// PipeVersion returns a slog.Attr for the active pipe version.
func PipeVersion(v int) slog.Attr {
	return slog.Int(KeyPipeVersion, v)
}

// PipeName returns a slog.Attr for the pipe filesystem node name.
func PipeName(name string) slog.Attr {
	return slog.String(KeyPipeName, name)
}

// UpcallState returns a slog.Attr for the upcall lifecycle state.
func UpcallState(state string) slog.Attr {
	return slog.String(KeyUpcallState, state)
}

// Waiters returns a slog.Attr for the number of waiters on an in-flight upcall.
func Waiters(n int) slog.Attr {
	return slog.Int(KeyWaiters, n)
}

// DurationMs returns a slog.Attr for an operation duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error value. Returns an empty attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Errno returns a slog.Attr for the POSIX errno surfaced to the caller.
func Errno(errno int) slog.Attr {
	return slog.Int(KeyErrno, errno)
}

// Attempt returns a slog.Attr for a retry attempt counter.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
