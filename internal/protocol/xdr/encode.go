package xdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WriteXDROpaque encodes variable-length opaque data per RFC 4506
// Section 4.10: a uint32 length, the bytes, then zero padding to the next
// 4-byte boundary. This is the framing every opaque field of the
// RPCSEC_GSS credential and verifier uses — wire context handles, MIC
// tokens, wrapped call bodies.
func WriteXDROpaque(buf *bytes.Buffer, data []byte) error {
	length := uint32(len(data))
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write opaque length: %w", err)
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write opaque data: %w", err)
	}
	return WriteXDRPadding(buf, length)
}

// WriteXDRString encodes a string per RFC 4506 Section 4.11 — identical
// framing to opaque data, interpreted as UTF-8 by the peer.
func WriteXDRString(buf *bytes.Buffer, s string) error {
	length := uint32(len(s))
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write string length: %w", err)
	}
	if _, err := buf.Write([]byte(s)); err != nil {
		return fmt.Errorf("write string data: %w", err)
	}
	return WriteXDRPadding(buf, length)
}

// WriteXDRPadding writes the 0–3 zero bytes that align a variable-length
// item of dataLen bytes to the next 4-byte boundary.
func WriteXDRPadding(buf *bytes.Buffer, dataLen uint32) error {
	padding := (4 - (dataLen % 4)) % 4
	if padding > 0 {
		if _, err := buf.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("write padding: %w", err)
		}
	}
	return nil
}

// WriteUint32 encodes a 32-bit unsigned integer in big-endian byte order
// (RFC 4506 Section 4.1).
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint32: %w", err)
	}
	return nil
}

// WriteUint64 encodes a 64-bit unsigned integer in big-endian byte order
// (RFC 4506 Section 4.5).
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}
	return nil
}

// WriteInt32 encodes a 32-bit signed integer in big-endian two's
// complement (RFC 4506 Section 4.1); the signed errno word of a failed
// context establishment travels this way.
func WriteInt32(buf *bytes.Buffer, v int32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write int32: %w", err)
	}
	return nil
}
