package rpcgss

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/marmos91/gssauth/internal/rpcruntime"
)

// NegativeCooldown is how long a credential stays NEGATIVE after a failed
// upcall before refresh() will retry the daemon, per the error handling
// design's cooling-off window.
const NegativeCooldown = 5 * time.Second

// Authenticator is the RPCSEC_GSS flavor plugin: it implements the
// marshal/validate/wrap_req/unwrap_resp/refresh operations an RPC
// runtime's client stack calls for every outbound call authenticated
// with this flavor.
type Authenticator struct {
	store         *Store
	coordinator   *Coordinator
	metrics       *ClientMetrics
	mechanism     string // default mechanism name, e.g. "krb5"
	cooldown      time.Duration
	destroySender func(*SecContext)
}

// NewAuthenticator wires a credential store and upcall coordinator into
// an Authenticator using the named default mechanism. The NEGATIVE
// cooling-off window defaults to NegativeCooldown; call
// SetNegativeCooldown to override it from config.GSSAuthConfig's
// ExpiredCredRetryDelay.
func NewAuthenticator(store *Store, coordinator *Coordinator, metrics *ClientMetrics, mechanism string) *Authenticator {
	return &Authenticator{store: store, coordinator: coordinator, metrics: metrics, mechanism: mechanism, cooldown: NegativeCooldown}
}

// SetNegativeCooldown overrides the NEGATIVE cooling-off window used by
// Refresh, letting a host apply config.GSSAuthConfig.ExpiredCredRetryDelay
// instead of the NegativeCooldown default.
func (a *Authenticator) SetNegativeCooldown(d time.Duration) {
	if d > 0 {
		a.cooldown = d
	}
}

// SetDestroySender registers the best-effort DESTROY path run when a
// context's last reference drops: fn receives the dying context and is
// expected to send a NULL RPC whose credential block came from
// MarshalDestroy. With no sender registered, contexts are dropped
// silently and the server retires them by timeout. Call this before the
// first Refresh; contexts bound earlier are not retrofitted.
func (a *Authenticator) SetDestroySender(fn func(*SecContext)) {
	a.destroySender = fn
}

// CredentialFor returns the cached credential for task's (uid, target,
// service), creating an empty one if none exists yet. Callers are
// expected to have attached uid/target/service to the task by whatever
// means their RPC runtime uses (e.g. SetCredential after a prior lookup).
func (a *Authenticator) CredentialFor(uid uint32, target string, service Service) *Credential {
	key := CacheKey{UID: uid, Target: target, Service: service}
	cred := a.store.LookupOrCreate(key)
	a.metrics.SetCachedCredentials(len(a.store.List()))
	return cred
}

// Marshal emits the RPCSEC_GSS credential block and verifier for an
// outbound call, per spec: {AUTH_GSS, version=1, proc, seqno, service,
// wire_ctx} followed by {AUTH_GSS, mic}, where the mic covers xid
// followed by the credential block bytes.
//
// The sequence number is obtained by fetch-and-increment under the
// context's atomic counter. If the mechanism reports the context has
// expired while computing the MIC, UPTODATE is cleared and marshal still
// succeeds — the call is sent and left to fail server-side, driving a
// refresh on the next attempt, exactly as the teacher's verifier
// computation lets a late expiry surface through a failed round trip
// rather than blocking the send path.
func (a *Authenticator) Marshal(task rpcruntime.Task, cred *Credential, proc Proc) (credBody, verifier []byte, err error) {
	ctx := cred.GetCtx()
	if ctx == nil {
		return nil, nil, ErrAgain
	}
	defer ctx.Release()

	seq, ok := ctx.NextSeqNum()
	if !ok {
		return nil, nil, ErrKeyExpired
	}
	a.metrics.RecordSequenceAllocation()

	header := &CredHeader{
		Proc:       proc,
		SeqNum:     seq,
		Service:    cred.Service,
		WireHandle: ctx.WireHandle(),
	}
	credBody, mic, status, err := marshalCredAndMIC(ctx, header, task.XID())
	if err != nil {
		return nil, nil, err
	}
	if status == StatusContextExpired {
		for {
			old := cred.flags.Load()
			next := old &^ uint32(CredUpToDate)
			if cred.flags.CompareAndSwap(old, next) {
				break
			}
		}
	} else if status != StatusComplete {
		return nil, nil, fmt.Errorf("verifier mic computation failed")
	}

	verifier, err = EncodeVerifier(mic)
	if err != nil {
		return nil, nil, fmt.Errorf("encode verifier: %w", err)
	}
	return credBody, verifier, nil
}

// MarshalDestroy emits the credential block and verifier for the
// best-effort NULL call that retires ctx on the server: the same framing
// as Marshal with the procedure rewritten from DATA to DESTROY. It never
// triggers a refresh; a context too exhausted to allocate one more
// sequence number is simply dropped, which the server tolerates.
func (a *Authenticator) MarshalDestroy(xid uint32, ctx *SecContext) (credBody, verifier []byte, err error) {
	seq, ok := ctx.NextSeqNum()
	if !ok {
		return nil, nil, ErrKeyExpired
	}
	header := &CredHeader{
		Proc:       ProcDestroy,
		SeqNum:     seq,
		Service:    ServiceNone,
		WireHandle: ctx.WireHandle(),
	}
	credBody, mic, status, err := marshalCredAndMIC(ctx, header, xid)
	if err != nil {
		return nil, nil, err
	}
	if status != StatusComplete {
		return nil, nil, fmt.Errorf("destroy verifier mic computation failed")
	}
	verifier, err = EncodeVerifier(mic)
	if err != nil {
		return nil, nil, fmt.Errorf("encode verifier: %w", err)
	}
	return credBody, verifier, nil
}

// marshalCredAndMIC encodes header and computes the verifier MIC over the
// transport XID followed by the credential block bytes.
func marshalCredAndMIC(ctx *SecContext, header *CredHeader, xid uint32) (credBody, mic []byte, status Status, err error) {
	credBody, err = EncodeCredHeader(header)
	if err != nil {
		return nil, nil, StatusFailure, fmt.Errorf("encode credential: %w", err)
	}

	xidBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(xidBytes, xid)
	micInput := append(append([]byte{}, xidBytes...), credBody...)

	mic, status, err = ctx.mech.GetMIC(ctx.mechCtx, micInput)
	if err != nil {
		return nil, nil, StatusFailure, fmt.Errorf("compute verifier mic: %w", err)
	}
	return credBody, mic, status, nil
}

// Validate checks the server's reply verifier against the credential's
// bound context. The server MICs the bare network-order sequence number,
// not an XDR encoding of it, so the local scratch buffer built here must
// match that exactly.
func (a *Authenticator) Validate(cred *Credential, replySeq uint32, verifierBody []byte) error {
	ctx := cred.GetCtx()
	if ctx == nil {
		return ErrAgain
	}
	defer ctx.Release()

	flavor, mic, err := DecodeVerifier(verifierBody)
	if err != nil {
		return fmt.Errorf("decode reply verifier: %w", err)
	}
	if flavor != AuthRPCSECGSS {
		return fmt.Errorf("reply verifier flavor %d != AUTH_GSS", flavor)
	}

	status, err := ctx.mech.VerifyMIC(ctx.mechCtx, seqNumBytes(replySeq), mic)
	if status == StatusContextExpired {
		for {
			old := cred.flags.Load()
			next := old &^ uint32(CredUpToDate)
			if cred.flags.CompareAndSwap(old, next) {
				break
			}
		}
		return ErrKeyExpired
	}
	if err != nil || status != StatusComplete {
		return fmt.Errorf("reply verifier mic invalid: %w", err)
	}
	return nil
}

// WrapReq wraps an outbound call body for the credential's security
// service. Only DATA calls are ever wrapped: the context-lifecycle
// procedures carry no caller payload worth protecting. DATA at
// ServiceNone passes the body through unchanged (the credential's
// verifier already covers integrity of the call header);
// ServiceIntegrity and ServicePrivacy prepend the allocated sequence
// number to the payload before signing or sealing it, so the server can
// bind the wrapped body back to this exact call.
func (a *Authenticator) WrapReq(cred *Credential, proc Proc, seq uint32, body []byte) ([]byte, error) {
	if proc != ProcData {
		return body, nil
	}
	ctx := cred.GetCtx()
	if ctx == nil {
		return nil, ErrAgain
	}
	defer ctx.Release()

	var out []byte
	var err error
	switch cred.Service {
	case ServiceNone:
		out, err = body, nil
	case ServiceIntegrity:
		out, err = a.wrapIntegrity(ctx, seq, body)
	case ServicePrivacy:
		out, err = a.wrapPrivacy(ctx, seq, body)
	default:
		err = fmt.Errorf("unknown service level %v", cred.Service)
	}
	a.metrics.RecordWireOutcome(cred.Service, err == nil)
	return out, err
}

func (a *Authenticator) wrapIntegrity(ctx *SecContext, seq uint32, body []byte) ([]byte, error) {
	databodyInteg := append(append([]byte{}, seqNumBytes(seq)...), body...)
	mic, status, err := ctx.mech.GetMIC(ctx.mechCtx, databodyInteg)
	if err != nil || status != StatusComplete {
		return nil, fmt.Errorf("compute integrity mic: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := writeOpaquePair(buf, databodyInteg, mic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Authenticator) wrapPrivacy(ctx *SecContext, seq uint32, body []byte) ([]byte, error) {
	plaintext := append(append([]byte{}, seqNumBytes(seq)...), body...)
	wrapped, status, err := ctx.mech.Wrap(ctx.mechCtx, plaintext)
	if err != nil || status != StatusComplete {
		return nil, fmt.Errorf("wrap privacy body: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := writeOpaque(buf, wrapped); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnwrapResp is the inverse of WrapReq, applied to the server's reply:
// replies to non-DATA procedures arrive unwrapped. For integrity and
// privacy it recovers the embedded sequence number and requires it to
// equal the request's own seqno, rejecting a reply that doesn't
// correspond to this call.
func (a *Authenticator) UnwrapResp(cred *Credential, proc Proc, requestSeq uint32, body []byte) ([]byte, error) {
	if proc != ProcData {
		return body, nil
	}
	ctx := cred.GetCtx()
	if ctx == nil {
		return nil, ErrAgain
	}
	defer ctx.Release()

	var out []byte
	var err error
	switch cred.Service {
	case ServiceNone:
		out, err = body, nil
	case ServiceIntegrity:
		out, err = a.unwrapIntegrity(ctx, requestSeq, body)
	case ServicePrivacy:
		out, err = a.unwrapPrivacy(ctx, requestSeq, body)
	default:
		err = fmt.Errorf("unknown service level %v", cred.Service)
	}
	a.metrics.RecordWireOutcome(cred.Service, err == nil)
	return out, err
}

func (a *Authenticator) unwrapIntegrity(ctx *SecContext, requestSeq uint32, body []byte) ([]byte, error) {
	reader := bytes.NewReader(body)
	databodyInteg, err := readOpaque(reader)
	if err != nil {
		return nil, fmt.Errorf("read databody_integ: %w", err)
	}
	mic, err := readOpaque(reader)
	if err != nil {
		return nil, fmt.Errorf("read checksum: %w", err)
	}

	status, err := ctx.mech.VerifyMIC(ctx.mechCtx, databodyInteg, mic)
	if status == StatusContextExpired {
		return nil, ErrKeyExpired
	}
	if err != nil || status != StatusComplete {
		return nil, fmt.Errorf("verify reply integrity mic: %w", err)
	}
	if len(databodyInteg) < 4 {
		return nil, fmt.Errorf("databody_integ too short for seqnum")
	}
	replySeq := binary.BigEndian.Uint32(databodyInteg[:4])
	if replySeq != requestSeq {
		return nil, fmt.Errorf("reply seqno %d != request seqno %d", replySeq, requestSeq)
	}
	return databodyInteg[4:], nil
}

func (a *Authenticator) unwrapPrivacy(ctx *SecContext, requestSeq uint32, body []byte) ([]byte, error) {
	reader := bytes.NewReader(body)
	wrapped, err := readOpaque(reader)
	if err != nil {
		return nil, fmt.Errorf("read wrap token: %w", err)
	}

	plaintext, status, err := ctx.mech.Unwrap(ctx.mechCtx, wrapped)
	if status == StatusContextExpired {
		return nil, ErrKeyExpired
	}
	if err != nil || status != StatusComplete {
		return nil, fmt.Errorf("unwrap privacy body: %w", err)
	}
	if len(plaintext) < 4 {
		return nil, fmt.Errorf("unwrapped reply too short for seqnum")
	}
	replySeq := binary.BigEndian.Uint32(plaintext[:4])
	if replySeq != requestSeq {
		return nil, fmt.Errorf("reply seqno %d != request seqno %d", replySeq, requestSeq)
	}
	return plaintext[4:], nil
}

// Refresh drives the renew logic from the credential model, adapted to
// an RPC task's non-blocking suspension model: a caller observing EAGAIN
// parks the task and retries after the daemon completes (or the version
// latch wakes); any other error completes the task with that error
// immediately, never blocking the caller.
//
// Per the refresh decision in the credential model: a credential that was
// never bound (NEW) drives its own upcall in place, but a credential whose
// context has gone stale after once being bound (neither NEW nor UPTODATE)
// is never mutated in place — it is rebound to a fresh Credential at the
// same key, and the task's credential pointer is swapped onto that fresh
// one before driving the upcall.
func (a *Authenticator) Refresh(task rpcruntime.Task, cred *Credential) error {
	now := time.Now()
	if !cred.NegativeExpired(now, a.cooldown) {
		a.metrics.RecordRefreshOutcome("negative")
		return ErrKeyExpired
	}
	if !cred.NeedsRefresh() {
		a.metrics.RecordRefreshOutcome("reused")
		return nil
	}

	if !cred.IsNew() {
		cred = a.store.Rebind(cred.Key())
		task.SetCredential(cred)
		a.metrics.RecordRefreshOutcome("rebind")
	}

	key := cred.Key()
	msg, attached := cred.attachInFlight(NewUpcallMessage(key))
	if attached {
		a.metrics.RecordUpcallIssued()
		go a.driveRefresh(task, cred, msg)
	} else {
		a.metrics.RecordUpcallJoined()
	}
	return ErrAgain
}

func (a *Authenticator) driveRefresh(task rpcruntime.Task, cred *Credential, msg *UpcallMessage) {
	defer cred.clearInFlight(msg)

	start := time.Now()
	ctx, err := a.coordinator.RequestContext(task.Context(), cred.Key(), a.mechanism, cred.Target)
	outcome := "success"
	if err != nil {
		outcome = classifyUpcallErr(err)
	}
	a.metrics.RecordUpcallOutcome(outcome, time.Since(start))

	if err != nil {
		if err == ErrKeyExpired {
			cred.MarkNegative(time.Now())
			a.metrics.RecordRefreshOutcome("negative")
		}
		msg.complete(nil, err)
		return
	}

	ctx.destroyFn = a.destroySender
	if !cred.SetCtx(ctx) {
		// Another goroutine already bound this credential (or it is no
		// longer NEW); this context is unused, release it immediately.
		ctx.Release()
	}
	a.metrics.RecordRefreshOutcome("rebound")
	msg.complete(&Downcall{}, nil)
}

func classifyUpcallErr(err error) string {
	switch err {
	case ErrAccess:
		return "daemon_absent"
	case ErrKeyExpired:
		return "daemon_error"
	case ErrPipeClosed:
		return "pipe_closed"
	default:
		return "daemon_error"
	}
}

func writeOpaque(buf *bytes.Buffer, data []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	buf.Write(data)
	if pad := (4 - len(data)%4) % 4; pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return nil
}

func writeOpaquePair(buf *bytes.Buffer, a, b []byte) error {
	if err := writeOpaque(buf, a); err != nil {
		return err
	}
	return writeOpaque(buf, b)
}

func readOpaque(reader *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := reader.Read(data); err != nil {
		return nil, err
	}
	if pad := (4 - length%4) % 4; pad > 0 {
		skip := make([]byte, pad)
		if _, err := reader.Read(skip); err != nil {
			return nil, err
		}
	}
	return data, nil
}
