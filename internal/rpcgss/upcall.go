package rpcgss

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/gssauth/internal/logger"
)

// Upcall timing constants. DaemonAbsentTimeout mirrors the kernel's
// generous wait for a daemon that might just be starting up;
// DaemonPollInterval is the shorter wait used instead once the daemon has
// already been observed absent.
const (
	DaemonAbsentTimeout = 15 * time.Second
	DaemonPollInterval  = 250 * time.Millisecond
)

// UpcallMessage represents one in-flight request to the daemon. Multiple
// callers that would otherwise issue redundant upcalls for the same
// credential instead Retain this message and wait on it; completion fans
// out to all of them through two independent paths: callers already
// blocked in Wait are woken via the channel close, and callers that
// registered a callback before the message completed (or that arrive
// after completion) are invoked directly — "two exit paths from one
// upcall."
type UpcallMessage struct {
	Key CacheKey

	mu        sync.Mutex
	done      chan struct{}
	completed bool
	downcall  *Downcall
	err       error
	callbacks []func(*Downcall, error)

	refcount int32
}

// NewUpcallMessage creates a pending upcall with one implicit reference.
func NewUpcallMessage(key CacheKey) *UpcallMessage {
	return &UpcallMessage{
		Key:      key,
		done:     make(chan struct{}),
		refcount: 1,
	}
}

// Retain adds a reference to the message, for callers joining an
// already-in-flight upcall.
func (m *UpcallMessage) Retain() {
	m.mu.Lock()
	m.refcount++
	m.mu.Unlock()
}

// Release drops a reference. The message itself has no teardown beyond
// garbage collection once unreferenced; Release exists so callers that
// Retain can balance it symmetrically with SecContext.Release.
func (m *UpcallMessage) Release() {
	m.mu.Lock()
	m.refcount--
	m.mu.Unlock()
}

// OnComplete registers cb to run when the upcall finishes. If it has
// already finished, cb runs synchronously and immediately — the second
// exit path, for callers that arrive after the channel has already
// closed.
func (m *UpcallMessage) OnComplete(cb func(*Downcall, error)) {
	m.mu.Lock()
	if m.completed {
		dc, err := m.downcall, m.err
		m.mu.Unlock()
		cb(dc, err)
		return
	}
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Wait blocks until the upcall completes or ctx is canceled.
func (m *UpcallMessage) Wait(ctx context.Context) (*Downcall, error) {
	select {
	case <-m.done:
		m.mu.Lock()
		dc, err := m.downcall, m.err
		m.mu.Unlock()
		return dc, err
	case <-ctx.Done():
		return nil, ErrRestartSys
	}
}

// complete resolves the upcall exactly once, waking every blocked Wait
// call and invoking every registered callback.
func (m *UpcallMessage) complete(dc *Downcall, err error) {
	m.mu.Lock()
	if m.completed {
		m.mu.Unlock()
		return
	}
	m.completed = true
	m.downcall = dc
	m.err = err
	callbacks := m.callbacks
	m.callbacks = nil
	m.mu.Unlock()

	close(m.done)
	for _, cb := range callbacks {
		cb(dc, err)
	}
}

// Coordinator issues upcalls to the daemon through a PipeListener,
// de-duplicating concurrent requests for the same credential key and
// translating daemon absence or pipe errors into the errno contract RPC
// callers expect.
type Coordinator struct {
	listener PipeListener
	versions VersionSource
	mech     map[string]Mechanism

	absentTimeout    time.Duration
	downRetryTimeout time.Duration
	daemonKnownDown  atomic.Bool

	mu       sync.Mutex
	inFlight map[CacheKey]*UpcallMessage
}

// NewCoordinator returns a Coordinator driving upcalls through listener,
// recognizing the given mechanisms by name. The daemon-absence wait
// defaults to DaemonAbsentTimeout, shortened to DaemonPollInterval once
// the daemon has been observed absent; call SetAbsentTimeouts to apply
// config.PipeConfig's overrides instead.
func NewCoordinator(listener PipeListener, versions VersionSource, mechs ...Mechanism) *Coordinator {
	m := make(map[string]Mechanism, len(mechs))
	for _, mech := range mechs {
		m[mech.Name()] = mech
	}
	return &Coordinator{
		listener:         listener,
		versions:         versions,
		mech:             m,
		absentTimeout:    DaemonAbsentTimeout,
		downRetryTimeout: DaemonPollInterval,
		inFlight:         make(map[CacheKey]*UpcallMessage),
	}
}

// SetAbsentTimeouts overrides the normal and known-down daemon-absence
// wait durations, letting a host apply
// config.PipeConfig.DaemonAbsentTimeout/DaemonDownRetryTimeout. Zero
// values leave the corresponding default untouched.
func (co *Coordinator) SetAbsentTimeouts(normal, knownDown time.Duration) {
	if normal > 0 {
		co.absentTimeout = normal
	}
	if knownDown > 0 {
		co.downRetryTimeout = knownDown
	}
}

// RequestContext issues (or joins) an upcall for key and blocks until it
// resolves into an imported SecContext, or an error following the daemon
// error-handling table: daemon absence beyond DaemonAbsentTimeout and any
// unrecognized daemon errno both surface as ErrAccess ("daemon refused");
// recoverable protocol/bounds errors surface as ErrAgain to drive a retry.
func (co *Coordinator) RequestContext(ctx context.Context, key CacheKey, mechanism string, target string) (*SecContext, error) {
	mech, ok := co.mech[mechanism]
	if !ok {
		return nil, fmt.Errorf("rpcgss: unknown mechanism %q", mechanism)
	}

	msg, owner := co.join(key)
	if owner {
		go co.drive(context.Background(), msg, mech, key, target)
	}
	defer msg.Release()

	dc, err := msg.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if dc.Errno != 0 {
		return nil, translateDowncallErrno(dc.Errno)
	}

	mechCtx, expiry, err := mech.ImportSecContext(dc.SecBlob)
	if err != nil {
		// An import failure is a daemon/mechanism bug, not a bad
		// credential: collapse to EAGAIN so the caller retries instead of
		// poisoning the credential, the same policy DecodeDowncall's
		// bounds violations follow.
		logger.Warn("rpcgss: import_sec_context failed", logger.UID(key.UID), logger.Err(err))
		return nil, ErrAgain
	}
	return newSecContext(mech, mechCtx, dc.WireCtx, contextExpiry(expiry, dc.Timeout), dc.Window), nil
}

// contextExpiry combines the mechanism's own expiry with the downcall's
// advertised timeout: a daemon timeout of 0 means "use a minimum of one
// hour"; otherwise the earlier of the two bounds wins.
func contextExpiry(mechExpiry time.Time, timeoutSec uint32) time.Time {
	lifetime := time.Duration(timeoutSec) * time.Second
	if timeoutSec == 0 {
		lifetime = time.Hour
	}
	fromDowncall := time.Now().Add(lifetime)
	if mechExpiry.IsZero() || fromDowncall.Before(mechExpiry) {
		return fromDowncall
	}
	return mechExpiry
}

// FailAllPending fails every in-flight upcall with err and unhashes it,
// matching the pipe teardown design: when the daemon detaches, every
// message still waiting on that pipe must be woken rather than left to
// time out. The unhash happens before complete() wakes any waiter, so a
// woken waiter never observes its own message still in the pending set.
func (co *Coordinator) FailAllPending(err error) {
	co.mu.Lock()
	pending := make([]*UpcallMessage, 0, len(co.inFlight))
	for key, msg := range co.inFlight {
		pending = append(pending, msg)
		delete(co.inFlight, key)
	}
	co.mu.Unlock()

	for _, msg := range pending {
		msg.complete(nil, err)
	}
}

// join returns the in-flight message for key, creating one and reporting
// ownership (owner=true) if none exists yet.
func (co *Coordinator) join(key CacheKey) (msg *UpcallMessage, owner bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if existing, ok := co.inFlight[key]; ok {
		existing.Retain()
		return existing, false
	}
	msg = NewUpcallMessage(key)
	co.inFlight[key] = msg
	return msg, true
}

// finish unhashes msg and then resolves it. The unhash must come first:
// a woken waiter may immediately retry, and its fresh join must not find
// the dead message still pending. FailAllPending may already have removed
// it, hence the identity check.
func (co *Coordinator) finish(key CacheKey, msg *UpcallMessage, dc *Downcall, err error) {
	co.mu.Lock()
	if co.inFlight[key] == msg {
		delete(co.inFlight, key)
	}
	co.mu.Unlock()
	msg.complete(dc, err)
}

// drive performs the actual pipe round trip on behalf of the owning
// caller and resolves msg for every joiner.
func (co *Coordinator) drive(ctx context.Context, msg *UpcallMessage, mech Mechanism, key CacheKey, target string) {
	timeout := co.absentTimeout
	if co.daemonKnownDown.Load() {
		timeout = co.downRetryTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	version, err := co.versions.WaitForAny(waitCtx, timeout)
	if err != nil {
		co.daemonKnownDown.Store(true)
		logger.Warn("rpcgss: daemon did not attach before timeout", logger.UID(key.UID))
		co.finish(key, msg, nil, ErrAccess)
		return
	}
	co.daemonKnownDown.Store(false)

	channel, err := co.listener.Open(waitCtx)
	if err != nil {
		co.finish(key, msg, nil, ErrAccess)
		return
	}
	defer channel.Close()

	req := &UpcallRequest{Mechanism: mech.Name(), UID: key.UID, Target: target, Service: key.Service.String()}
	var payload []byte
	switch version {
	case PipeVersionText:
		payload = req.EncodeV1()
		if len(payload) > maxUpcallLen {
			co.finish(key, msg, nil, ErrInval)
			return
		}
	default:
		payload = req.EncodeV0()
	}

	if err := channel.WriteUpcall(waitCtx, payload); err != nil {
		co.finish(key, msg, nil, ErrPipeClosed)
		return
	}

	raw, err := channel.ReadDowncall(waitCtx)
	if err != nil {
		co.finish(key, msg, nil, ErrPipeClosed)
		return
	}

	dc, err := DecodeDowncall(raw)
	if err != nil {
		co.finish(key, msg, nil, err)
		return
	}
	co.finish(key, msg, dc, nil)
}
