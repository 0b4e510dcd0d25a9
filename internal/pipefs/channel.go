package pipefs

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// maxFrameLen bounds a single upcall/downcall frame, generous enough for
// the 128-byte v1 upcall line and the 1024-byte downcall spec.md allows.
const maxFrameLen = 4096

// fileChannel is a PipeChannel backed by an O_RDWR file descriptor on a
// named pipe node. Each WriteUpcall/ReadDowncall call is one length-
// prefixed frame: real rpc_pipefs delivers one message per read() because
// the kernel queues discrete messages internally, but a FIFO is a raw
// byte stream, so this package imposes the same "one message per
// operation" contract with an explicit 4-byte big-endian length prefix.
type fileChannel struct {
	f *os.File
}

// openFileChannel opens path for read-write. O_RDWR is used (rather than
// O_WRONLY/O_RDONLY) specifically so the open never blocks waiting for a
// peer to attach the other end, mirroring the "wait-for-open" dentry
// flag's effect without actually blocking this call.
func openFileChannel(path string) (*fileChannel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pipefs: open %s: %w", path, err)
	}
	return &fileChannel{f: f}, nil
}

func (c *fileChannel) WriteUpcall(ctx context.Context, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("pipefs: upcall frame %d bytes exceeds maximum %d", len(payload), maxFrameLen)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.f.SetWriteDeadline(deadline)
	} else {
		_ = c.f.SetWriteDeadline(time.Time{})
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := c.f.Write(header); err != nil {
		return fmt.Errorf("pipefs: write upcall header: %w", err)
	}
	if _, err := c.f.Write(payload); err != nil {
		return fmt.Errorf("pipefs: write upcall body: %w", err)
	}
	return nil
}

func (c *fileChannel) ReadDowncall(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.f.SetReadDeadline(deadline)
	} else {
		_ = c.f.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(c.f, header); err != nil {
		return nil, fmt.Errorf("pipefs: read downcall header: %w", err)
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameLen {
		return nil, fmt.Errorf("pipefs: downcall frame %d bytes exceeds maximum %d", length, maxFrameLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.f, body); err != nil {
		return nil, fmt.Errorf("pipefs: read downcall body: %w", err)
	}
	return body, nil
}

func (c *fileChannel) Close() error {
	return c.f.Close()
}
