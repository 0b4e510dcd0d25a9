package pipefs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/gssauth/internal/rpcgss"
)

func TestLatchVersionConflict(t *testing.T) {
	l := NewLatch()
	require.NoError(t, l.Open(rpcgss.PipeVersionLegacy))
	require.ErrorIs(t, l.Open(rpcgss.PipeVersionText), ErrVersionBusy)

	l.Release()
	require.Equal(t, rpcgss.PipeVersionUnknown, l.CurrentVersion())

	require.NoError(t, l.Open(rpcgss.PipeVersionText))
	require.Equal(t, rpcgss.PipeVersionText, l.CurrentVersion())
	l.Release()
}

func TestLatchWaitForAnyWakesOnOpen(t *testing.T) {
	l := NewLatch()

	done := make(chan rpcgss.PipeVersion, 1)
	go func() {
		v, err := l.WaitForAny(context.Background(), time.Second)
		require.NoError(t, err)
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Open(rpcgss.PipeVersionText))

	select {
	case v := <-done:
		require.Equal(t, rpcgss.PipeVersionText, v)
	case <-time.After(time.Second):
		t.Fatal("WaitForAny did not wake on Open")
	}
	l.Release()
}

func TestLatchWaitForAnyTimesOut(t *testing.T) {
	l := NewLatch()
	_, err := l.WaitForAny(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
}

func TestManagerAttachDetach(t *testing.T) {
	dir := t.TempDir()
	latch := NewLatch()

	detached := make(chan struct{}, 1)
	m, err := NewManager(dir, "krb5", latch, func() { detached <- struct{}{} })
	require.NoError(t, err)
	defer m.Close()

	require.False(t, m.Attached())

	require.NoError(t, SimulateAttach(dir, "krb5", rpcgss.PipeVersionText))
	require.Eventually(t, m.Attached, time.Second, 5*time.Millisecond)
	require.Equal(t, rpcgss.PipeVersionText, m.Version())

	require.NoError(t, SimulateDetach(dir, "krb5", rpcgss.PipeVersionText))
	require.Eventually(t, func() bool { return !m.Attached() }, time.Second, 5*time.Millisecond)

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("onDetach callback was not invoked")
	}
}

func TestManagerVersionConflictAcrossAttaches(t *testing.T) {
	dir := t.TempDir()
	latch := NewLatch()
	m, err := NewManager(dir, "krb5", latch, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, SimulateAttach(dir, "krb5", rpcgss.PipeVersionLegacy))
	require.Eventually(t, m.Attached, time.Second, 5*time.Millisecond)

	// A v1 attach while v0 is latched must not flip the latch.
	require.NoError(t, SimulateAttach(dir, "krb5", rpcgss.PipeVersionText))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, rpcgss.PipeVersionLegacy, m.Version())
}
