package rpcgss

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/gssauth/internal/rpcruntime"
)

// testTask is a minimal rpcruntime.Task for authenticator tests.
type testTask struct {
	ctx  context.Context
	xid  uint32
	cred any
}

func (t *testTask) Context() context.Context { return t.ctx }
func (t *testTask) XID() uint32 { return t.xid }
func (t *testTask) Program() uint32 { return 100003 }
func (t *testTask) Version() uint32 { return 4 }
func (t *testTask) Procedure() uint32 { return 1 }
func (t *testTask) Credential() any { return t.cred }
func (t *testTask) SetCredential(cred any) { t.cred = cred }
func (t *testTask) Body() []byte { return []byte("body") }

var _ rpcruntime.Task = (*testTask)(nil)

// loopbackMechanism is a symmetric fake mechanism: GetMIC/VerifyMIC treat
// the message itself as its own "mic" (so verification is just equality),
// and Wrap/Unwrap are the identity function. This exercises the
// authenticator's framing logic without pulling in a real krb5 context.
type loopbackMechanism struct{}

func (loopbackMechanism) Name() string { return "loopback" }
func (loopbackMechanism) PseudoFlavor(Service) (uint32, bool) {
	return 0, false
}
func (loopbackMechanism) ServiceForFlavor(uint32) (Service, bool) {
	return ServiceNone, false
}
func (loopbackMechanism) GetMIC(_ MechContext, msg []byte) ([]byte, Status, error) {
	return append([]byte{}, msg...), StatusComplete, nil
}
func (loopbackMechanism) VerifyMIC(_ MechContext, msg, mic []byte) (Status, error) {
	if string(msg) != string(mic) {
		return StatusFailure, nil
	}
	return StatusComplete, nil
}
func (loopbackMechanism) Wrap(_ MechContext, msg []byte) ([]byte, Status, error) {
	return append([]byte{}, msg...), StatusComplete, nil
}
func (loopbackMechanism) Unwrap(_ MechContext, msg []byte) ([]byte, Status, error) {
	return append([]byte{}, msg...), StatusComplete, nil
}
func (loopbackMechanism) ImportSecContext(blob []byte) (MechContext, time.Time, error) {
	return nil, time.Now().Add(time.Hour), nil
}
func (loopbackMechanism) DeleteSecContext(MechContext) error { return nil }

func boundCredential(uid uint32, service Service) *Credential {
	cred := NewCredential(uid, "", service)
	ctx := newSecContext(loopbackMechanism{}, nil, []byte("handle"), time.Now().Add(time.Hour), 128)
	cred.SetCtx(ctx)
	return cred
}

func newTestAuthenticator() *Authenticator {
	store := NewStore()
	co := NewCoordinator(&fakeListener{channel: &fakeChannel{reply: validDowncallPayloadFor(1000, 128)}}, fakeVersions{}, loopbackMechanism{})
	return NewAuthenticator(store, co, nil, "loopback")
}

func validDowncallPayloadFor(uid, window uint32) []byte {
	wireCtx := []byte("wire-ctx")
	secBlob := []byte("blob")

	b := make([]byte, 12)
	nativeEndian.PutUint32(b[0:4], uid)
	nativeEndian.PutUint32(b[4:8], 3600)
	nativeEndian.PutUint32(b[8:12], window)

	netobj := make([]byte, 4+len(wireCtx))
	nativeEndian.PutUint32(netobj[0:4], uint32(len(wireCtx)))
	copy(netobj[4:], wireCtx)
	b = append(b, netobj...)

	secLen := make([]byte, 4)
	nativeEndian.PutUint32(secLen, uint32(len(secBlob)))
	b = append(b, secLen...)
	b = append(b, secBlob...)
	return b
}

func TestMarshalWithoutBoundContextIsEAgain(t *testing.T) {
	a := newTestAuthenticator()
	cred := NewCredential(1000, "", ServiceNone)
	task := &testTask{ctx: context.Background(), xid: 1}

	if _, _, err := a.Marshal(task, cred, ProcData); err != ErrAgain {
		t.Fatalf("expected ErrAgain marshaling with no bound context, got %v", err)
	}
}

func TestMarshalValidateRoundTrip(t *testing.T) {
	a := newTestAuthenticator()
	cred := boundCredential(1000, ServiceNone)
	task := &testTask{ctx: context.Background(), xid: 7}

	credBody, verifier, err := a.Marshal(task, cred, ProcData)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(credBody) == 0 || len(verifier) == 0 {
		t.Fatal("expected non-empty credential body and verifier")
	}

	header, err := DecodeCredHeader(credBody)
	if err != nil {
		t.Fatalf("DecodeCredHeader: %v", err)
	}
	if header.SeqNum != 1 {
		t.Fatalf("expected the first marshal to allocate seqno 1, got %d", header.SeqNum)
	}

	// The server's reply verifier is a MIC over the bare sequence number,
	// not over the request's xid and credential block; with the loopback
	// mechanism that MIC is the four sequence-number bytes themselves.
	replyVerifier, err := EncodeVerifier(seqNumBytes(header.SeqNum))
	if err != nil {
		t.Fatalf("EncodeVerifier: %v", err)
	}
	if err := a.Validate(cred, header.SeqNum, replyVerifier); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestMarshalAllocatesStrictlyIncreasingSeq(t *testing.T) {
	a := newTestAuthenticator()
	cred := boundCredential(1000, ServiceNone)
	task := &testTask{ctx: context.Background(), xid: 1}

	var last uint32
	for i := 0; i < 10; i++ {
		credBody, _, err := a.Marshal(task, cred, ProcData)
		if err != nil {
			t.Fatalf("Marshal iteration %d: %v", i, err)
		}
		header, err := DecodeCredHeader(credBody)
		if err != nil {
			t.Fatalf("DecodeCredHeader: %v", err)
		}
		if header.SeqNum <= last {
			t.Fatalf("sequence number did not increase: %d after %d", header.SeqNum, last)
		}
		last = header.SeqNum
	}
}

func TestWrapUnwrapNone(t *testing.T) {
	a := newTestAuthenticator()
	cred := boundCredential(1000, ServiceNone)

	wrapped, err := a.WrapReq(cred, ProcData, 1, []byte("payload"))
	if err != nil {
		t.Fatalf("WrapReq: %v", err)
	}
	if string(wrapped) != "payload" {
		t.Fatalf("expected ServiceNone to pass the body through unchanged, got %q", wrapped)
	}

	unwrapped, err := a.UnwrapResp(cred, ProcData, 1, wrapped)
	if err != nil {
		t.Fatalf("UnwrapResp: %v", err)
	}
	if string(unwrapped) != "payload" {
		t.Fatalf("expected ServiceNone unwrap to return the body unchanged, got %q", unwrapped)
	}
}

func TestWrapUnwrapIntegrityRoundTrip(t *testing.T) {
	a := newTestAuthenticator()
	cred := boundCredential(1000, ServiceIntegrity)

	wrapped, err := a.WrapReq(cred, ProcData, 42, []byte("reply-body"))
	if err != nil {
		t.Fatalf("WrapReq: %v", err)
	}

	unwrapped, err := a.UnwrapResp(cred, ProcData, 42, wrapped)
	if err != nil {
		t.Fatalf("UnwrapResp: %v", err)
	}
	if string(unwrapped) != "reply-body" {
		t.Fatalf("expected integrity round trip to recover the body, got %q", unwrapped)
	}
}

func TestUnwrapIntegrityRejectsSeqMismatch(t *testing.T) {
	a := newTestAuthenticator()
	cred := boundCredential(1000, ServiceIntegrity)

	wrapped, err := a.WrapReq(cred, ProcData, 1, []byte("body"))
	if err != nil {
		t.Fatalf("WrapReq: %v", err)
	}

	if _, err := a.UnwrapResp(cred, ProcData, 2, wrapped); err == nil {
		t.Fatal("expected UnwrapResp to reject a reply whose embedded seqno doesn't match the request")
	}
}

func TestWrapUnwrapPrivacyRoundTrip(t *testing.T) {
	a := newTestAuthenticator()
	cred := boundCredential(1000, ServicePrivacy)

	wrapped, err := a.WrapReq(cred, ProcData, 5, []byte("secret-body"))
	if err != nil {
		t.Fatalf("WrapReq: %v", err)
	}

	unwrapped, err := a.UnwrapResp(cred, ProcData, 5, wrapped)
	if err != nil {
		t.Fatalf("UnwrapResp: %v", err)
	}
	if string(unwrapped) != "secret-body" {
		t.Fatalf("expected privacy round trip to recover the body, got %q", unwrapped)
	}
}

func TestRefreshReusesUpToDateCredential(t *testing.T) {
	a := newTestAuthenticator()
	cred := boundCredential(1000, ServiceNone)
	task := &testTask{ctx: context.Background()}

	if err := a.Refresh(task, cred); err != nil {
		t.Fatalf("expected Refresh to report success for an up-to-date credential, got %v", err)
	}
}

func TestRefreshNewCredentialReturnsEAgainAndBinds(t *testing.T) {
	a := newTestAuthenticator()
	cred := NewCredential(2000, "", ServiceNone)
	task := &testTask{ctx: context.Background()}

	if err := a.Refresh(task, cred); err != ErrAgain {
		t.Fatalf("expected the first Refresh on a NEW credential to return ErrAgain, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !cred.NeedsRefresh() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the background upcall to bind a context within the deadline")
}

func TestRefreshConcurrentCallersDedup(t *testing.T) {
	a := newTestAuthenticator()
	cred := NewCredential(3000, "", ServiceNone)

	const n = 16
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			task := &testTask{ctx: context.Background()}
			a.Refresh(task, cred)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !cred.NeedsRefresh() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the credential to become usable once the single deduped upcall completes")
}

func TestRefreshStaleCredentialRebindsInsteadOfMutating(t *testing.T) {
	a := newTestAuthenticator()
	cred := a.CredentialFor(5000, "", ServiceNone)
	expired := newSecContext(loopbackMechanism{}, nil, []byte("handle"), time.Now().Add(-time.Hour), 128)
	cred.SetCtx(expired)

	task := &testTask{ctx: context.Background()}
	if err := a.Refresh(task, cred); err != ErrAgain {
		t.Fatalf("expected Refresh on a stale credential to return ErrAgain, got %v", err)
	}

	fresh, ok := task.Credential().(*Credential)
	if !ok || fresh == cred {
		t.Fatal("expected Refresh to swap the task's credential onto a freshly rebound Credential")
	}
	if !fresh.IsNew() {
		t.Fatal("expected the rebound credential to start NEW")
	}
	if got := a.store.Lookup(cred.Key()); got != fresh {
		t.Fatal("expected the store to hold the rebound credential at the original key")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !fresh.NeedsRefresh() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the rebound credential's own upcall to eventually bind a context")
}

func TestRefreshNegativeCooldown(t *testing.T) {
	a := newTestAuthenticator()
	cred := NewCredential(4000, "", ServiceNone)
	cred.MarkNegative(time.Now())

	task := &testTask{ctx: context.Background()}
	if err := a.Refresh(task, cred); err != ErrKeyExpired {
		t.Fatalf("expected Refresh to refuse retrying a credential inside its cooling-off window, got %v", err)
	}
}

func TestWrapReqNonDataProcPassesThrough(t *testing.T) {
	a := newTestAuthenticator()
	cred := boundCredential(1000, ServicePrivacy)

	wrapped, err := a.WrapReq(cred, ProcDestroy, 1, []byte("noop"))
	if err != nil {
		t.Fatalf("WrapReq: %v", err)
	}
	if string(wrapped) != "noop" {
		t.Fatalf("expected a non-DATA call to skip wrapping even at ServicePrivacy, got %q", wrapped)
	}

	unwrapped, err := a.UnwrapResp(cred, ProcDestroy, 1, wrapped)
	if err != nil {
		t.Fatalf("UnwrapResp: %v", err)
	}
	if string(unwrapped) != "noop" {
		t.Fatalf("expected a non-DATA reply to skip unwrapping, got %q", unwrapped)
	}
}

func TestMarshalDestroyRewritesProcedure(t *testing.T) {
	a := newTestAuthenticator()
	ctx := newSecContext(loopbackMechanism{}, nil, []byte("handle"), time.Now().Add(time.Hour), 128)
	defer ctx.Release()

	credBody, verifier, err := a.MarshalDestroy(9, ctx)
	if err != nil {
		t.Fatalf("MarshalDestroy: %v", err)
	}
	if len(verifier) == 0 {
		t.Fatal("expected a non-empty destroy verifier")
	}

	header, err := DecodeCredHeader(credBody)
	if err != nil {
		t.Fatalf("DecodeCredHeader: %v", err)
	}
	if header.Proc != ProcDestroy {
		t.Fatalf("expected proc DESTROY, got %v", header.Proc)
	}
	if header.SeqNum != 1 {
		t.Fatalf("expected the destroy call to allocate the next seqno, got %d", header.SeqNum)
	}
}

func TestDestroySenderRunsWhenContextReaped(t *testing.T) {
	a := newTestAuthenticator()
	destroyed := make(chan *SecContext, 1)
	a.SetDestroySender(func(ctx *SecContext) { destroyed <- ctx })

	cred := a.CredentialFor(6000, "", ServiceNone)
	task := &testTask{ctx: context.Background()}
	if err := a.Refresh(task, cred); err != ErrAgain {
		t.Fatalf("expected ErrAgain driving the first refresh, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && cred.NeedsRefresh() {
		time.Sleep(10 * time.Millisecond)
	}
	if cred.NeedsRefresh() {
		t.Fatal("expected the upcall to bind a context")
	}

	a.store.Flush(nil)
	time.Sleep(reapGrace + 10*time.Millisecond)
	runReapPass()

	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("expected the destroy sender to run after the flushed credential's context was reaped")
	}
}
