// Package xdr provides the XDR (External Data Representation, RFC 4506)
// encoding and decoding primitives the RPCSEC_GSS auth envelope is built
// from: big-endian integers, and variable-length opaque/string fields
// padded to 4-byte boundaries.
//
// Only the types the credential block, verifier, and wrapped call bodies
// actually use are implemented here; this is deliberately not a general
// ONC RPC codec.
//
// Reference: RFC 4506 - XDR: External Data Representation Standard
package xdr
