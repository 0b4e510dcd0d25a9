package rpcruntime

import (
	"bytes"
	"io"

	"github.com/marmos91/gssauth/internal/protocol/xdr"
)

// XDREncoder accumulates XDR-encoded fields for a single call's auth
// envelope (credential and verifier), thin sugar over the generic xdr
// package so auth flavors don't each re-open a bytes.Buffer.
type XDREncoder struct {
	buf bytes.Buffer
}

func NewXDREncoder() *XDREncoder {
	return &XDREncoder{}
}

func (e *XDREncoder) WriteUint32(v uint32) error { return xdr.WriteUint32(&e.buf, v) }
func (e *XDREncoder) WriteUint64(v uint64) error { return xdr.WriteUint64(&e.buf, v) }
func (e *XDREncoder) WriteOpaque(b []byte) error { return xdr.WriteXDROpaque(&e.buf, b) }
func (e *XDREncoder) WriteString(s string) error { return xdr.WriteXDRString(&e.buf, s) }
func (e *XDREncoder) Bytes() []byte              { return e.buf.Bytes() }

// XDRDecoder reads XDR-encoded fields off an io.Reader, thin sugar over
// the generic xdr package.
type XDRDecoder struct {
	r io.Reader
}

func NewXDRDecoder(r io.Reader) *XDRDecoder {
	return &XDRDecoder{r: r}
}

func (d *XDRDecoder) ReadUint32() (uint32, error) { return xdr.DecodeUint32(d.r) }
func (d *XDRDecoder) ReadUint64() (uint64, error) { return xdr.DecodeUint64(d.r) }
func (d *XDRDecoder) ReadOpaque() ([]byte, error) { return xdr.DecodeOpaque(d.r) }
func (d *XDRDecoder) ReadString() (string, error) { return xdr.DecodeString(d.r) }
