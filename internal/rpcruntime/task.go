// Package rpcruntime provides the generic host-side RPC call plumbing that
// an authentication flavor plugs into: the in-flight call abstraction and
// a reusable credential cache keyed on whatever identity tuple the flavor
// defines. It has no knowledge of any specific auth flavor — rpcgss
// depends on it, never the reverse.
package rpcruntime

import "context"

// Task represents one outbound RPC call as it passes through the client
// stack: an auth flavor's marshal/validate/wrap/unwrap hooks receive a
// Task and use it to read the call's procedure number, attach wire bytes,
// and recover whatever credential object the flavor previously cached on
// it.
type Task interface {
	// Context returns the call's cancellation context.
	Context() context.Context

	// XID is the transport-assigned transaction identifier; RPCSEC_GSS
	// MICs the credential block together with this value.
	XID() uint32

	// Program, Version, and Procedure identify the RPC being made.
	Program() uint32
	Version() uint32
	Procedure() uint32

	// Credential returns the auth-flavor-specific credential object
	// previously attached to this task via SetCredential, or nil. The
	// return type is opaque here; callers type-assert to their own
	// credential type.
	Credential() any

	// SetCredential attaches a flavor-specific credential object to the
	// task, for reuse across the marshal/wrap/unwrap sequence of a
	// single call and across retries of that call.
	SetCredential(cred any)

	// Body returns the XDR-encoded procedure arguments, before any auth
	// wrapping is applied.
	Body() []byte
}
