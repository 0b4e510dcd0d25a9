// Package rpcgss implements the client side of RPCSEC_GSS authentication
// for an ONC RPC runtime: acquiring per-user GSS security contexts from a
// local helper daemon, caching credentials bound to those contexts, and
// using them to marshal, validate, wrap, and unwrap outbound RPC calls.
//
// Reference: RFC 2203 (RPCSEC_GSS), RFC 2743 (GSS-API), RFC 4121 (krb5 GSS
// mechanism).
package rpcgss

import "fmt"

// AuthRPCSECGSS is the RPC auth flavor number for RPCSEC_GSS.
// RFC 2203 Section 1: RPCSEC_GSS uses auth flavor 6.
const AuthRPCSECGSS uint32 = 6

// RPCGSSVers1 is the only defined RPCSEC_GSS version.
const RPCGSSVers1 uint32 = 1

// Proc identifies the purpose of an RPCSEC_GSS call within the context
// lifecycle (the gss_proc field of the credential).
type Proc uint32

const (
	ProcData         Proc = 0
	ProcInit         Proc = 1
	ProcContinueInit Proc = 2
	ProcDestroy      Proc = 3
)

func (p Proc) String() string {
	switch p {
	case ProcData:
		return "DATA"
	case ProcInit:
		return "INIT"
	case ProcContinueInit:
		return "CONTINUE_INIT"
	case ProcDestroy:
		return "DESTROY"
	default:
		return fmt.Sprintf("Proc(%d)", uint32(p))
	}
}

// Service is the RPCSEC_GSS security service level (rpc_gss_service_t).
type Service uint32

const (
	ServiceNone      Service = 1
	ServiceIntegrity Service = 2
	ServicePrivacy   Service = 3
)

func (s Service) String() string {
	switch s {
	case ServiceNone:
		return "none"
	case ServiceIntegrity:
		return "integrity"
	case ServicePrivacy:
		return "privacy"
	default:
		return fmt.Sprintf("Service(%d)", uint32(s))
	}
}

// ParseService maps a config/CLI service name to its Service value.
func ParseService(name string) (Service, error) {
	switch name {
	case "none":
		return ServiceNone, nil
	case "integrity":
		return ServiceIntegrity, nil
	case "privacy":
		return ServicePrivacy, nil
	default:
		return 0, fmt.Errorf("unknown security service %q", name)
	}
}

// MAXSEQ is the largest sequence number an RPCSEC_GSS context may allocate
// before the client must rebind to a fresh context. RFC 2203 Section 5.3.3.1.
const MAXSEQ uint32 = 0x80000000

// RPC_MAX_AUTH_SIZE bounds the verifier body accepted by validate(); it
// mirrors the transport-level limit on OpaqueAuth bodies.
const RPCMaxAuthSize = 400

// Pseudo-flavors for the krb5 mechanism, as used by SECINFO and mount
// options to select a (mechanism, service) pair without a full negotiation.
const (
	PseudoFlavorKrb5  uint32 = 390003 // krb5, service=none
	PseudoFlavorKrb5i uint32 = 390004 // krb5, service=integrity
	PseudoFlavorKrb5p uint32 = 390005 // krb5, service=privacy
)

// KRB5OID is the Kerberos 5 GSS-API mechanism OID: 1.2.840.113554.1.2.2.
var KRB5OID = []int{1, 2, 840, 113554, 1, 2, 2}

// RFC 4121 Section 2 key usage values for krb5 MIC and Wrap tokens. The
// client is always the GSS initiator, so it signs/seals outbound data with
// the Initiator* usages and verifies/unseals inbound data with the
// Acceptor* usages.
const (
	KeyUsageAcceptorSeal  uint32 = 22
	KeyUsageAcceptorSign  uint32 = 23
	KeyUsageInitiatorSeal uint32 = 24
	KeyUsageInitiatorSign uint32 = 25
)

// Status is the outcome of a mechanism-provider operation (GSS-API major
// status, collapsed to the three buckets the core actually branches on).
type Status int

const (
	StatusComplete Status = iota
	StatusContextExpired
	StatusFailure
)
