package rpcgss

import "time"

// MechContext is an opaque, mechanism-specific security context handle.
// The core never inspects its contents; only the Mechanism that produced it
// knows how to use it.
type MechContext interface{}

// Mechanism is the GSS mechanism provider interface: given an opaque
// context handle, produce or verify a MIC, wrap or unwrap a buffer, import
// a context blob received from the daemon, and delete a handle. Kerberos 5
// is the only mechanism this module ships (krb5Mechanism in krb5.go), but
// nothing in the core depends on that.
type Mechanism interface {
	// Name is the mechanism's upcall name, e.g. "krb5".
	Name() string

	// PseudoFlavor maps a security service to the RPC auth flavor number
	// that advertises (this mechanism, service) without negotiation.
	PseudoFlavor(svc Service) (flavor uint32, ok bool)

	// ServiceForFlavor is the inverse of PseudoFlavor.
	ServiceForFlavor(flavor uint32) (svc Service, ok bool)

	// GetMIC computes a Message Integrity Code over msg using ctx.
	GetMIC(ctx MechContext, msg []byte) (mic []byte, status Status, err error)

	// VerifyMIC checks a MIC produced by the peer (the acceptor) over msg.
	VerifyMIC(ctx MechContext, msg, mic []byte) (status Status, err error)

	// Wrap produces an encrypted, integrity-protected representation of
	// msg for the privacy service.
	Wrap(ctx MechContext, msg []byte) (wrapped []byte, status Status, err error)

	// Unwrap is the inverse of Wrap, applied to the peer's reply.
	Unwrap(ctx MechContext, wrapped []byte) (msg []byte, status Status, err error)

	// ImportSecContext decodes the downcall's opaque security blob into a
	// live context handle, along with the context's expiry time.
	ImportSecContext(blob []byte) (ctx MechContext, expiry time.Time, err error)

	// DeleteSecContext releases any mechanism-side resources held by ctx.
	// Called once, from the grace-period reaper, after the last Context
	// reference is dropped.
	DeleteSecContext(ctx MechContext) error
}
