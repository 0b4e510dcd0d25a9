package rpcgss

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Wrap token constants per RFC 4121 Section 4.2.6.2.
const (
	wrapTokenHdrLen        = 16
	wrapFlagSentByAcceptor = 0x01
	wrapFlagSealed         = 0x02
	wrapFlagAcceptorSubkey = 0x04
)

// krb5Context is the krb5 mechanism's MechContext: the negotiated session
// key plus the acceptor-subkey flag the daemon reported during context
// establishment.
type krb5Context struct {
	sessionKey     types.EncryptionKey
	acceptorSubkey bool
}

// krb5Mechanism implements Mechanism for RFC 4121 Kerberos 5. It signs and
// seals outbound data as the GSS initiator and verifies/unseals the
// acceptor's replies, the mirror image of the key-usage table an RPCSEC_GSS
// acceptor would use.
type krb5Mechanism struct{}

// NewKrb5Mechanism returns the krb5 GSS mechanism provider.
func NewKrb5Mechanism() Mechanism {
	return krb5Mechanism{}
}

func (krb5Mechanism) Name() string { return "krb5" }

func (krb5Mechanism) PseudoFlavor(svc Service) (uint32, bool) {
	switch svc {
	case ServiceNone:
		return PseudoFlavorKrb5, true
	case ServiceIntegrity:
		return PseudoFlavorKrb5i, true
	case ServicePrivacy:
		return PseudoFlavorKrb5p, true
	default:
		return 0, false
	}
}

func (krb5Mechanism) ServiceForFlavor(flavor uint32) (Service, bool) {
	switch flavor {
	case PseudoFlavorKrb5:
		return ServiceNone, true
	case PseudoFlavorKrb5i:
		return ServiceIntegrity, true
	case PseudoFlavorKrb5p:
		return ServicePrivacy, true
	default:
		return 0, false
	}
}

// GetMIC computes the request MIC the client attaches to the verifier and
// to each integrity-wrapped call, using KeyUsageInitiatorSign (25).
func (krb5Mechanism) GetMIC(mc MechContext, msg []byte) ([]byte, Status, error) {
	kc, ok := mc.(*krb5Context)
	if !ok {
		return nil, StatusFailure, fmt.Errorf("rpcgss: krb5 GetMIC: wrong context type %T", mc)
	}
	micToken := gssapi.MICToken{
		Flags:   0, // sent by initiator: SentByAcceptor bit clear
		Payload: msg,
	}
	if err := micToken.SetChecksum(kc.sessionKey, KeyUsageInitiatorSign); err != nil {
		return nil, StatusFailure, fmt.Errorf("compute MIC: %w", err)
	}
	b, err := micToken.Marshal()
	if err != nil {
		return nil, StatusFailure, fmt.Errorf("marshal MIC token: %w", err)
	}
	return b, StatusComplete, nil
}

// VerifyMIC checks the server's reply MIC, computed with
// KeyUsageAcceptorSign (23) and the SentByAcceptor flag set.
func (krb5Mechanism) VerifyMIC(mc MechContext, msg, mic []byte) (Status, error) {
	kc, ok := mc.(*krb5Context)
	if !ok {
		return StatusFailure, fmt.Errorf("rpcgss: krb5 VerifyMIC: wrong context type %T", mc)
	}
	var micToken gssapi.MICToken
	if err := micToken.Unmarshal(mic, true /* from acceptor */); err != nil {
		return StatusFailure, fmt.Errorf("unmarshal MIC token: %w", err)
	}
	micToken.Payload = msg
	ok2, err := micToken.Verify(kc.sessionKey, KeyUsageAcceptorSign)
	if err != nil {
		return StatusFailure, fmt.Errorf("verify MIC: %w", err)
	}
	if !ok2 {
		return StatusFailure, fmt.Errorf("MIC verification failed")
	}
	return StatusComplete, nil
}

// Wrap seals msg as the GSS initiator (KeyUsageInitiatorSeal, 24) for the
// privacy service, producing an RFC 4121 encrypted Wrap token.
func (krb5Mechanism) Wrap(mc MechContext, msg []byte) ([]byte, Status, error) {
	kc, ok := mc.(*krb5Context)
	if !ok {
		return nil, StatusFailure, fmt.Errorf("rpcgss: krb5 Wrap: wrong context type %T", mc)
	}

	encType, err := crypto.GetEtype(kc.sessionKey.KeyType)
	if err != nil {
		return nil, StatusFailure, fmt.Errorf("get encryption type: %w", err)
	}

	flags := byte(wrapFlagSealed)
	if kc.acceptorSubkey {
		flags |= wrapFlagAcceptorSubkey
	}

	header := make([]byte, wrapTokenHdrLen)
	header[0], header[1] = 0x05, 0x04
	header[2] = flags
	header[3] = 0xFF
	binary.BigEndian.PutUint16(header[4:6], 0) // EC
	binary.BigEndian.PutUint16(header[6:8], 0) // RRC

	headerCopy := make([]byte, wrapTokenHdrLen)
	copy(headerCopy, header)

	toEncrypt := make([]byte, len(msg)+wrapTokenHdrLen)
	copy(toEncrypt, msg)
	copy(toEncrypt[len(msg):], headerCopy)

	_, ciphertext, err := encType.EncryptMessage(kc.sessionKey.KeyValue, toEncrypt, KeyUsageInitiatorSeal)
	if err != nil {
		return nil, StatusFailure, fmt.Errorf("encrypt Wrap token: %w", err)
	}

	wrapped := make([]byte, wrapTokenHdrLen+len(ciphertext))
	copy(wrapped, header)
	copy(wrapped[wrapTokenHdrLen:], ciphertext)
	return wrapped, StatusComplete, nil
}

// Unwrap decrypts and verifies a reply sealed by the acceptor
// (KeyUsageAcceptorSeal, 22).
func (krb5Mechanism) Unwrap(mc MechContext, wrapped []byte) ([]byte, Status, error) {
	kc, ok := mc.(*krb5Context)
	if !ok {
		return nil, StatusFailure, fmt.Errorf("rpcgss: krb5 Unwrap: wrong context type %T", mc)
	}
	if len(wrapped) < wrapTokenHdrLen {
		return nil, StatusFailure, fmt.Errorf("wrap token too short: %d bytes", len(wrapped))
	}
	if wrapped[0] != 0x05 || wrapped[1] != 0x04 {
		return nil, StatusFailure, fmt.Errorf("invalid Wrap token ID: 0x%02x%02x", wrapped[0], wrapped[1])
	}

	flags := wrapped[2]
	ec := binary.BigEndian.Uint16(wrapped[4:6])
	rrc := binary.BigEndian.Uint16(wrapped[6:8])

	if flags&wrapFlagSentByAcceptor == 0 {
		return nil, StatusFailure, fmt.Errorf("reply Wrap token missing acceptor flag")
	}
	if flags&wrapFlagSealed == 0 {
		return nil, StatusFailure, fmt.Errorf("reply Wrap token not sealed")
	}

	ciphertext := wrapped[wrapTokenHdrLen:]
	if rrc > 0 && len(ciphertext) > 0 {
		ciphertext = rotateLeft(ciphertext, int(rrc))
	}

	// gokrb5's crypto layer reports integrity failures without a distinct
	// expiry code; krb5 context expiry is tracked through the context's
	// negotiated lifetime instead, so a decrypt failure here is always a
	// hard failure.
	decrypted, err := crypto.DecryptMessage(ciphertext, kc.sessionKey, KeyUsageAcceptorSeal)
	if err != nil {
		return nil, StatusFailure, fmt.Errorf("decrypt Wrap token: %w", err)
	}
	if len(decrypted) < wrapTokenHdrLen {
		return nil, StatusFailure, fmt.Errorf("decrypted data too short for header: %d bytes", len(decrypted))
	}

	fillerSize := int(ec)
	plaintextEnd := len(decrypted) - wrapTokenHdrLen - fillerSize
	if plaintextEnd < 0 {
		return nil, StatusFailure, fmt.Errorf("invalid EC value %d: negative plaintext length", ec)
	}
	return decrypted[:plaintextEnd], StatusComplete, nil
}

// ImportSecContext decodes the daemon's opaque security blob into a live
// krb5 context handle and computes its expiry. The wire format is this
// module's own (the daemon and mechanism cooperate, so it need not match
// any kernel ABI):
//
//	key_type:u32 | key_len:u32 | key_bytes | flags:u32 | ttl_seconds:u32
func (krb5Mechanism) ImportSecContext(blob []byte) (MechContext, time.Time, error) {
	if len(blob) < 12 {
		return nil, time.Time{}, fmt.Errorf("security blob too short: %d bytes", len(blob))
	}
	reader := bytes.NewReader(blob)
	var keyType, keyLen uint32
	if err := binary.Read(reader, binary.BigEndian, &keyType); err != nil {
		return nil, time.Time{}, fmt.Errorf("read key type: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &keyLen); err != nil {
		return nil, time.Time{}, fmt.Errorf("read key length: %w", err)
	}
	if keyLen > 256 {
		return nil, time.Time{}, fmt.Errorf("key length %d exceeds maximum", keyLen)
	}
	keyValue := make([]byte, keyLen)
	if _, err := reader.Read(keyValue); err != nil {
		return nil, time.Time{}, fmt.Errorf("read key bytes: %w", err)
	}
	var flags, ttlSeconds uint32
	if err := binary.Read(reader, binary.BigEndian, &flags); err != nil {
		return nil, time.Time{}, fmt.Errorf("read flags: %w", err)
	}
	if err := binary.Read(reader, binary.BigEndian, &ttlSeconds); err != nil {
		ttlSeconds = 3600
	}

	kc := &krb5Context{
		sessionKey: types.EncryptionKey{
			KeyType:  int32(keyType),
			KeyValue: keyValue,
		},
		acceptorSubkey: flags&1 != 0,
	}
	expiry := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	return kc, expiry, nil
}

// DeleteSecContext is a no-op for krb5: there is no mechanism-side handle
// beyond the session key, which the garbage collector reclaims once the
// reaper's reapOne has run for the SecContext holding it.
func (krb5Mechanism) DeleteSecContext(MechContext) error {
	return nil
}

// rotateLeft undoes the RRC (Right Rotation Count) byte rotation the
// acceptor applied per RFC 4121 Section 4.2.4.
func rotateLeft(data []byte, n int) []byte {
	if len(data) == 0 || n <= 0 {
		return data
	}
	n %= len(data)
	if n == 0 {
		return data
	}
	result := make([]byte, len(data))
	copy(result, data[n:])
	copy(result[len(data)-n:], data[:n])
	return result
}
