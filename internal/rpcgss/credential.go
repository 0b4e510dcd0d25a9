package rpcgss

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/gssauth/internal/rpcruntime"
)

// CredFlag is a bitmask on Credential.flags mirroring the kernel's
// RPC_CRED_NEW / RPC_CRED_UPTODATE / RPC_CRED_NEGATIVE states.
type CredFlag uint32

const (
	// CredNew marks a credential that has never completed an upcall. Only
	// a NEW credential's SetCtx call takes effect; once a context is
	// bound the flag is cleared and all further rebinds go through a
	// freshly allocated Credential instead of mutating this one.
	CredNew CredFlag = 1 << iota
	// CredUpToDate marks a credential whose context is current and
	// usable without a refresh check.
	CredUpToDate
	// CredNegative marks a credential that failed its upcall recently
	// enough that refresh() should not retry yet (the cooling-off
	// window).
	CredNegative
)

// Credential is the per-(uid, target, service) cache entry RPC callers
// look up before marshal()ing a call. Its context pointer is set at most
// once: the first successful upcall publishes it, and subsequent rebinds
// (e.g. after the old context expires) replace the Credential in the
// Store rather than mutate this one, so GetCtx is a lock-free read for
// the entire lifetime of a given Credential.
type Credential struct {
	UID     uint32
	Target  string // principal, "" for the default per-uid identity
	Service Service

	flags atomic.Uint32

	ctxPtr atomic.Pointer[SecContext]
	setMu  sync.Mutex // serializes SetCtx against concurrent callers

	negativeSince atomic.Pointer[time.Time]

	mu         sync.Mutex // guards inFlight
	inFlight   *UpcallMessage
	lastUpcall time.Time
}

// NewCredential returns a fresh, NEW credential with no bound context.
func NewCredential(uid uint32, target string, service Service) *Credential {
	c := &Credential{UID: uid, Target: target, Service: service}
	c.flags.Store(uint32(CredNew))
	return c
}

// GetCtx returns the credential's current context, retained on behalf of
// the caller (who must Release it), or nil if none is bound yet. This is
// the hot path and never blocks: a single atomic load plus an atomic
// increment.
func (c *Credential) GetCtx() *SecContext {
	ctx := c.ctxPtr.Load()
	if ctx == nil {
		return nil
	}
	ctx.Retain()
	return ctx
}

// SetCtx publishes ctx as the credential's context, if and only if the
// credential is still NEW. Once published, the NEW flag clears and the
// credential is UPTODATE; a second SetCtx call on an already-bound
// credential is a no-op, matching the invariant that a Credential's
// context is written exactly once.
func (c *Credential) SetCtx(ctx *SecContext) (applied bool) {
	c.setMu.Lock()
	defer c.setMu.Unlock()

	if c.flags.Load()&uint32(CredNew) == 0 {
		return false
	}
	c.ctxPtr.Store(ctx)
	for {
		old := c.flags.Load()
		next := (old &^ uint32(CredNew) &^ uint32(CredNegative)) | uint32(CredUpToDate)
		if c.flags.CompareAndSwap(old, next) {
			break
		}
	}
	return true
}

// MarkNegative records a failed upcall attempt, entering the cooling-off
// window so refresh() does not hammer an absent or misconfigured daemon.
func (c *Credential) MarkNegative(at time.Time) {
	t := at
	c.negativeSince.Store(&t)
	for {
		old := c.flags.Load()
		next := old | uint32(CredNegative)
		if c.flags.CompareAndSwap(old, next) {
			break
		}
	}
}

// NegativeExpired reports whether the cooling-off window following a
// MarkNegative call has elapsed, making the credential eligible for retry.
func (c *Credential) NegativeExpired(now time.Time, window time.Duration) bool {
	if c.flags.Load()&uint32(CredNegative) == 0 {
		return true
	}
	since := c.negativeSince.Load()
	if since == nil {
		return true
	}
	return now.Sub(*since) >= window
}

// IsNew reports whether the credential has never completed an upcall.
func (c *Credential) IsNew() bool {
	return c.flags.Load()&uint32(CredNew) != 0
}

// Flags returns the credential's current status flags, for diagnostics.
func (c *Credential) Flags() CredFlag {
	return CredFlag(c.flags.Load())
}

// String renders the set flags as a "|"-joined name list, e.g.
// "NEW" or "NEW|NEGATIVE", matching the kernel's RPC_CRED_* naming.
func (f CredFlag) String() string {
	var names []string
	if f&CredNew != 0 {
		names = append(names, "NEW")
	}
	if f&CredUpToDate != 0 {
		names = append(names, "UPTODATE")
	}
	if f&CredNegative != 0 {
		names = append(names, "NEGATIVE")
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// NeedsRefresh reports whether the caller should trigger a fresh upcall:
// no context bound yet, the bound context has expired, or the context's
// sequence counter is exhausted.
func (c *Credential) NeedsRefresh() bool {
	ctx := c.ctxPtr.Load()
	if ctx == nil {
		return true
	}
	if ctx.Expired() {
		return true
	}
	return atomic.LoadUint32(&ctx.seq) >= MAXSEQ
}

// attachInFlight records the UpcallMessage this credential is waiting on,
// so a second caller observing NeedsRefresh concurrently joins the same
// upcall instead of issuing a duplicate one. Returns the existing message
// if one is already in flight.
func (c *Credential) attachInFlight(msg *UpcallMessage) (existing *UpcallMessage, attached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight != nil {
		return c.inFlight, false
	}
	c.inFlight = msg
	c.lastUpcall = time.Now()
	return msg, true
}

// clearInFlight removes the in-flight upcall reference once it completes.
func (c *Credential) clearInFlight(msg *UpcallMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == msg {
		c.inFlight = nil
	}
}

// Destroy releases the credential's context reference. If this was the
// last reference, the context's grace-period reaper runs its destroy hook
// (best-effort DESTROY RPC) and the mechanism's DeleteSecContext.
func (c *Credential) Destroy() {
	ctx := c.ctxPtr.Swap(nil)
	if ctx != nil {
		ctx.Release()
	}
}

// Close implements rpcruntime.Entry, so a Credential can be stored
// directly in the host runtime's generic CredCache: eviction from the
// cache tears down the credential's context the same way Destroy does.
func (c *Credential) Close() {
	c.Destroy()
}

// CacheKey identifies a Credential within a Store.
type CacheKey struct {
	UID     uint32
	Target  string
	Service Service
}

func (c *Credential) Key() CacheKey {
	return CacheKey{UID: c.UID, Target: c.Target, Service: c.Service}
}

// Store is the process-wide credential cache keyed by (uid, target,
// service). It is the concrete instance of the generic host-provided
// cache spec.md §4.D describes: rpcgss supplies the Credential type (and
// its NewCredential/Close plugin points, standing in for the spec's
// match/create callbacks) and rpcruntime.CredCache supplies the
// concurrency-safe storage. Lookups take the cache's read lock; inserts
// and removals take the write lock.
type Store struct {
	cache *rpcruntime.CredCache[CacheKey, *Credential]
}

// NewStore returns an empty credential cache.
func NewStore() *Store {
	return &Store{cache: rpcruntime.NewCredCache[CacheKey, *Credential]()}
}

// Lookup returns the cached credential for key, or nil if absent.
func (s *Store) Lookup(key CacheKey) *Credential {
	cred, ok := s.cache.Lookup(key)
	if !ok {
		return nil
	}
	return cred
}

// LookupOrCreate returns the cached credential for key, creating and
// inserting a new NEW credential if none exists yet. This is the create()
// half of spec.md §4.D's cache contract: a NEW credential always matches
// a pending lookup because it has nothing yet to compare against.
func (s *Store) LookupOrCreate(key CacheKey) *Credential {
	return s.cache.LookupOrCreate(key, func() *Credential {
		return NewCredential(key.UID, key.Target, key.Service)
	})
}

// Remove evicts and destroys the credential for key, if present.
func (s *Store) Remove(key CacheKey) {
	s.cache.Remove(key)
}

// Rebind replaces the credential at key with a fresh NEW one, destroying
// whatever context the old credential held. Used when a context expires
// or exhausts its sequence space and a new upcall must start from a clean
// slate rather than mutate the existing (already-bound) Credential.
func (s *Store) Rebind(key CacheKey) *Credential {
	fresh := NewCredential(key.UID, key.Target, key.Service)
	old, hadOld := s.cache.Replace(key, fresh)
	if hadOld {
		old.Destroy()
	}
	return fresh
}

// Flush destroys and removes every cached credential for uid, or every
// credential in the store if uid is nil.
func (s *Store) Flush(uid *uint32) {
	s.cache.Flush(func(k CacheKey) bool {
		return uid == nil || k.UID == *uid
	})
}

// List returns a snapshot of every cached credential, for diagnostics.
func (s *Store) List() []*Credential {
	return s.cache.List()
}
