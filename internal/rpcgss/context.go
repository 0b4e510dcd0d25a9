package rpcgss

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/gssauth/internal/logger"
)

// SecContext is a live GSS security context bound to one wire handle. It is
// held by the Credential it was imported for, retained by every GetCtx
// caller, and reference counted:
// the last Retain()'d holder to call Release() hands the context to the
// grace-period reaper, which calls the mechanism's DeleteSecContext and
// best-effort issues a DESTROY call before the context's memory is
// reclaimed.
//
// A Context's fields are set once at import time and never mutated
// afterward; only seq and refcount change over its lifetime, both via
// atomics, so readers never need to hold a lock.
type SecContext struct {
	mech       Mechanism
	mechCtx    MechContext
	wireHandle []byte
	expiry     time.Time

	seq       uint32 // next sequence number to allocate, atomic
	seqWindow uint32 // sliding window size negotiated at INIT

	refcount int32 // atomic

	destroyOnce sync.Once
	destroyFn   func(ctx *SecContext) // best-effort DESTROY RPC, set by the credential store
}

// newSecContext builds a Context with one implicit reference, held by the
// caller (typically the Credential that just imported it).
func newSecContext(mech Mechanism, mechCtx MechContext, wireHandle []byte, expiry time.Time, seqWindow uint32) *SecContext {
	return &SecContext{
		mech:       mech,
		mechCtx:    mechCtx,
		wireHandle: wireHandle,
		expiry:     expiry,
		seqWindow:  seqWindow,
		refcount:   1,
	}
}

// Retain adds a reference. Callers must pair every Retain with a Release.
func (c *SecContext) Retain() {
	atomic.AddInt32(&c.refcount, 1)
}

// Release drops a reference. When the last reference is dropped the
// context is handed to the grace-period reaper: its mechanism handle is
// torn down, and a best-effort DESTROY is issued if a destroy hook was
// registered.
func (c *SecContext) Release() {
	if atomic.AddInt32(&c.refcount, -1) == 0 {
		scheduleReap(c)
	}
}

// Expired reports whether the context's negotiated lifetime has elapsed.
func (c *SecContext) Expired() bool {
	return !c.expiry.IsZero() && time.Now().After(c.expiry)
}

// WireHandle returns the opaque handle the server uses to look up this
// context; it must not be mutated by the caller.
func (c *SecContext) WireHandle() []byte {
	return c.wireHandle
}

// ExpiresAt returns the context's negotiated expiry time, for diagnostics.
func (c *SecContext) ExpiresAt() time.Time {
	return c.expiry
}

// SeqWindow returns the server-advertised sequence window size.
func (c *SecContext) SeqWindow() uint32 {
	return c.seqWindow
}

// CurrentSeq returns the last sequence number allocated from this
// context, without allocating a new one.
func (c *SecContext) CurrentSeq() uint32 {
	return atomic.LoadUint32(&c.seq)
}

// NextSeqNum atomically allocates the next sequence number for a DATA call
// on this context. Per RFC 2203 Section 5.3.3.1, once the counter would
// wrap past MAXSEQ the context can no longer issue new calls and the
// caller must rebind to a fresh one.
func (c *SecContext) NextSeqNum() (seq uint32, ok bool) {
	for {
		cur := atomic.LoadUint32(&c.seq)
		if cur >= MAXSEQ {
			return 0, false
		}
		next := cur + 1
		if atomic.CompareAndSwapUint32(&c.seq, cur, next) {
			return next, true
		}
	}
}

// reapEntry is the unit of work handed to the background reaper: a context
// whose refcount reached zero, pending mechanism teardown.
type reapEntry struct {
	ctx   *SecContext
	ready time.Time
}

var (
	reapMu     sync.Mutex
	reapQueue  []reapEntry
	reapOnce   sync.Once
	reapPeriod = 2 * time.Second
	reapGrace  = 1 * time.Second
)

// scheduleReap enqueues ctx for deferred cleanup after a short grace
// period, giving in-flight readers that observed the context through a
// racing Load (but had not yet called Retain) a window to finish. Such a
// race exists because Credential.Destroy swaps the pointer to nil and drops
// the credential's reference while GetCtx may be between its Load and its
// Retain; reapOne does not recheck the refcount, so this grace period is
// what keeps that reader's context alive.
func scheduleReap(ctx *SecContext) {
	reapMu.Lock()
	reapQueue = append(reapQueue, reapEntry{ctx: ctx, ready: time.Now().Add(reapGrace)})
	reapMu.Unlock()
	reapOnce.Do(startReaper)
}

func startReaper() {
	go func() {
		ticker := time.NewTicker(reapPeriod)
		defer ticker.Stop()
		for range ticker.C {
			runReapPass()
		}
	}()
}

func runReapPass() {
	now := time.Now()
	reapMu.Lock()
	var remaining []reapEntry
	var due []reapEntry
	for _, e := range reapQueue {
		if now.After(e.ready) {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	reapQueue = remaining
	reapMu.Unlock()

	for _, e := range due {
		reapOne(e.ctx)
	}
}

func reapOne(ctx *SecContext) {
	ctx.destroyOnce.Do(func() {
		if ctx.destroyFn != nil {
			ctx.destroyFn(ctx)
		}
		if ctx.mech != nil {
			if err := ctx.mech.DeleteSecContext(ctx.mechCtx); err != nil {
				logger.Warn("rpcgss: DeleteSecContext failed", logger.Err(err))
			}
		}
	})
}
