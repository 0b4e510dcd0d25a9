package rpcgss

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/marmos91/gssauth/internal/rpcruntime"
)

// nativeEndian is the pipe's byte order: the pipe is local IPC, not a
// network transport, so integers travel in the host's native order rather
// than XDR's mandated big-endian.
var nativeEndian = binary.NativeEndian

// CredHeader is the RPCSEC_GSS credential body carried in the OpaqueAuth of
// every outbound call. Wire format (XDR, network byte order), RFC 2203
// Section 5.3.1:
//
//	version:  uint32 = 1
//	proc:     uint32
//	seq_num:  uint32
//	service:  uint32
//	handle:   opaque<>
type CredHeader struct {
	Proc       Proc
	SeqNum     uint32
	Service    Service
	WireHandle []byte
}

// EncodeCredHeader XDR-encodes the credential body marshal() stamps onto
// every outbound call, via rpcruntime.XDREncoder — the same thin sugar
// over internal/protocol/xdr that every auth flavor's envelope code uses.
func EncodeCredHeader(h *CredHeader) ([]byte, error) {
	enc := rpcruntime.NewXDREncoder()
	if err := enc.WriteUint32(RPCGSSVers1); err != nil {
		return nil, fmt.Errorf("write version: %w", err)
	}
	if err := enc.WriteUint32(uint32(h.Proc)); err != nil {
		return nil, fmt.Errorf("write proc: %w", err)
	}
	if err := enc.WriteUint32(h.SeqNum); err != nil {
		return nil, fmt.Errorf("write seqnum: %w", err)
	}
	if err := enc.WriteUint32(uint32(h.Service)); err != nil {
		return nil, fmt.Errorf("write service: %w", err)
	}
	if err := enc.WriteOpaque(h.WireHandle); err != nil {
		return nil, fmt.Errorf("write wire handle: %w", err)
	}
	return enc.Bytes(), nil
}

// DecodeCredHeader parses a credential body, used by loopback tests that
// play the server side of a round trip.
func DecodeCredHeader(body []byte) (*CredHeader, error) {
	dec := rpcruntime.NewXDRDecoder(bytes.NewReader(body))
	version, err := dec.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != RPCGSSVers1 {
		return nil, fmt.Errorf("unsupported RPCSEC_GSS version: %d", version)
	}
	proc, err := dec.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("read proc: %w", err)
	}
	seqNum, err := dec.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("read seqnum: %w", err)
	}
	service, err := dec.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("read service: %w", err)
	}
	handle, err := dec.ReadOpaque()
	if err != nil {
		return nil, fmt.Errorf("read handle: %w", err)
	}
	return &CredHeader{
		Proc:       Proc(proc),
		SeqNum:     seqNum,
		Service:    Service(service),
		WireHandle: handle,
	}, nil
}

// EncodeVerifier builds the {AUTH_GSS, mic} OpaqueAuth verifier that
// follows the credential on every call, and the {flavor, mic} pair a reply
// verifier decodes into.
func EncodeVerifier(mic []byte) ([]byte, error) {
	enc := rpcruntime.NewXDREncoder()
	if err := enc.WriteUint32(AuthRPCSECGSS); err != nil {
		return nil, fmt.Errorf("write verifier flavor: %w", err)
	}
	if err := enc.WriteOpaque(mic); err != nil {
		return nil, fmt.Errorf("write verifier mic: %w", err)
	}
	return enc.Bytes(), nil
}

// DecodeVerifier reads {flavor:u32, mic:opaque<>} from a reply verifier and
// enforces RPC_MAX_AUTH_SIZE on the mic body, per validate()'s contract.
func DecodeVerifier(body []byte) (flavor uint32, mic []byte, err error) {
	dec := rpcruntime.NewXDRDecoder(bytes.NewReader(body))
	flavor, err = dec.ReadUint32()
	if err != nil {
		return 0, nil, fmt.Errorf("read verifier flavor: %w", err)
	}
	mic, err = dec.ReadOpaque()
	if err != nil {
		return 0, nil, fmt.Errorf("read verifier mic: %w", err)
	}
	if len(mic) > RPCMaxAuthSize {
		return 0, nil, fmt.Errorf("verifier mic length %d exceeds RPC_MAX_AUTH_SIZE", len(mic))
	}
	return flavor, mic, nil
}

// seqNumBytes XDR-encodes a bare sequence number the way the server's MIC
// payload expects it: a plain big-endian uint32, not an opaque field.
func seqNumBytes(seq uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seq)
	return b
}

// ============================================================================
// Upcall / downcall wire format (rpc_pipefs, host byte order)
// ============================================================================

// UpcallRequest is what the coordinator sends to the daemon to request a
// context for a uid, optionally bound to a target principal.
type UpcallRequest struct {
	Mechanism string
	UID       uint32
	Target    string // optional, "machine cred" principal
	Service   string // optional, service name for the v1 encoding
	Enctypes  []string
}

// EncodeV0 produces the legacy binary upcall: a bare native-endian uid.
func (r *UpcallRequest) EncodeV0() []byte {
	b := make([]byte, 4)
	nativeEndian.PutUint32(b, r.UID)
	return b
}

// EncodeV1 produces the textual, mechanism-tagged upcall line:
// "mech=<name> uid=<n> [target=<principal>] [service=<name>] [enctypes=<list>]\n".
func (r *UpcallRequest) EncodeV1() []byte {
	line := fmt.Sprintf("mech=%s uid=%d", r.Mechanism, r.UID)
	if r.Target != "" {
		line += fmt.Sprintf(" target=%s", r.Target)
	}
	if r.Service != "" {
		line += fmt.Sprintf(" service=%s", r.Service)
	}
	if len(r.Enctypes) > 0 {
		line += " enctypes="
		for i, e := range r.Enctypes {
			if i > 0 {
				line += ","
			}
			line += e
		}
	}
	line += "\n"
	return []byte(line)
}

// Downcall is the daemon's reply, shared by both pipe versions:
// <uid:u32><timeout:u32><window:u32>, then either <errno:i32> (window==0)
// or <wire_ctx:netobj><sec_len:u32><sec_blob>.
type Downcall struct {
	UID     uint32
	Timeout uint32
	Window  uint32
	Errno   int32
	WireCtx []byte
	SecBlob []byte
}

const (
	// maxUpcallLen bounds the v1 textual upcall line; a target principal
	// long enough to overflow it fails the request rather than sending a
	// truncated line the daemon would misparse.
	maxUpcallLen = 128

	maxDowncallLen = 1024
)

// DecodeDowncall parses a downcall payload in host byte order. Bounds
// violations — a header or payload too short to hold what Window claims
// follows — all map to EAGAIN rather than a hard parse error, per the
// error handling design's policy that a malformed downcall is a daemon
// bug to retry past, not a reason to poison the credential.
func DecodeDowncall(b []byte) (*Downcall, error) {
	if len(b) > maxDowncallLen {
		return nil, fmt.Errorf("downcall length %d exceeds maximum %d", len(b), maxDowncallLen)
	}
	if len(b) < 12 {
		return nil, ErrAgain
	}
	d := &Downcall{
		UID:     nativeEndian.Uint32(b[0:4]),
		Timeout: nativeEndian.Uint32(b[4:8]),
		Window:  nativeEndian.Uint32(b[8:12]),
	}
	rest := b[12:]
	if d.Window == 0 {
		if len(rest) < 4 {
			return nil, ErrAgain
		}
		d.Errno = int32(nativeEndian.Uint32(rest[0:4]))
		return d, nil
	}

	wireCtx, rest, err := decodeNetobj(rest)
	if err != nil {
		return nil, ErrAgain
	}
	if len(rest) < 4 {
		return nil, ErrAgain
	}
	secLen := nativeEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint32(len(rest)) < secLen {
		return nil, ErrAgain
	}
	d.WireCtx = wireCtx
	d.SecBlob = rest[:secLen]
	return d, nil
}

// decodeNetobj reads a <u32 length><bytes> netobj prefix from b, returning
// the object and the remaining bytes.
func decodeNetobj(b []byte) (obj []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("netobj: short buffer")
	}
	length := nativeEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < length {
		return nil, nil, fmt.Errorf("netobj: length %d overruns buffer", length)
	}
	return b[:length], b[length:], nil
}
