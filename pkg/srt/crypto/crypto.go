// Package crypto implements the KM (key material) sub-protocol: PBKDF2
// passphrase-derived key wrapping, AES session-key scheduling, rekey
// announcement, and per-packet encrypt/decrypt.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/srtgo/srt/pkg/srt/wire"
)

// State enumerates the per-direction KM negotiation outcomes.
type State int

const (
	Unsecured State = iota
	Securing
	Secured
	NoSecret
	BadSecret
)

func (s State) String() string {
	switch s {
	case Unsecured:
		return "UNSECURED"
	case Securing:
		return "SECURING"
	case Secured:
		return "SECURED"
	case NoSecret:
		return "NOSECRET"
	case BadSecret:
		return "BADSECRET"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrPassphraseLength = errors.New("crypto: passphrase must be 10..79 bytes")
	ErrKeyLength        = errors.New("crypto: PBKEYLEN must be 0, 16, 24, or 32")
)

// ValidatePassphrase enforces the 10..79 byte bound; an empty
// passphrase is always allowed (it clears encryption).
func ValidatePassphrase(p string) error {
	if p == "" {
		return nil
	}
	if len(p) < 10 || len(p) > 79 {
		return ErrPassphraseLength
	}
	return nil
}

// ValidateKeyLength enforces PBKEYLEN in {0,16,24,32}.
func ValidateKeyLength(n int) error {
	switch n {
	case 0, 16, 24, 32:
		return nil
	default:
		return ErrKeyLength
	}
}

const (
	pbkdf2Iterations = 2048
	saltSize         = 16
)

// deriveKEK derives a key-encryption key from a passphrase and salt using
// PBKDF2-HMAC-SHA1, matching the original KM wrap scheme's parameters.
func deriveKEK(passphrase string, salt []byte, keyLen int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyLen, sha1.New)
}

// KM is one direction's key-material state: the session encryption key
// (SEK) for each parity, wrapped/unwrapped under a passphrase-derived
// KEK.
type KM struct {
	mu sync.Mutex

	passphrase string
	keyLen     int
	enforced   bool

	state State

	sek      [2][]byte // even=0, odd=1
	activeKS wire.KeySpec

	rekeyPacketCount int
	packetsSinceKey  int
	pendingParity    wire.KeySpec
	kmRetries        int
}

// New creates KM state for one connection direction.
func New(passphrase string, keyLen int, enforced bool, rekeyEveryNPackets int) *KM {
	if keyLen == 0 {
		keyLen = 16
	}
	return &KM{
		passphrase:       passphrase,
		keyLen:           keyLen,
		enforced:         enforced,
		rekeyPacketCount: rekeyEveryNPackets,
		activeKS:         wire.KeyEven,
	}
}

// GenerateSEK creates a fresh random session key for the given parity
// and marks the KM state Securing until the peer confirms via KMRSP.
func (k *KM) GenerateSEK(parity wire.KeySpec) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	buf := make([]byte, k.keyLen)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	idx := parityIndex(parity)
	k.sek[idx] = buf
	k.state = Securing
	return nil
}

// WrapKM derives a KEK from the configured passphrase and a fresh random
// salt and wraps the active SEK under it (AES-KW-style: here, AES-CTR
// with the KEK and a zero counter, matching the KM payload's wrap
// primitive). Returns the wire bytes to place in a KMREQ/KMRSP extension.
func (k *KM) WrapKM() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.passphrase == "" {
		return nil, errors.New("crypto: no passphrase configured")
	}
	idx := parityIndex(k.activeKS)
	sek := k.sek[idx]
	if sek == nil {
		return nil, errors.New("crypto: no SEK generated yet")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	kek := deriveKEK(k.passphrase, salt, k.keyLen)
	// The SEK travels with its own digest so the responder can tell a
	// wrong KEK (garbage unwrap) apart from a good one.
	plain := append(append([]byte{}, sek...), sekChecksum(sek)...)
	wrapped, err := ctrCrypt(kek, plain)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+len(wrapped))
	out = append(out, salt...)
	out = append(out, wrapped...)
	return out, nil
}

const checksumSize = 8

// sekChecksum is the integrity tag wrapped alongside the session key.
func sekChecksum(sek []byte) []byte {
	sum := sha1.Sum(sek)
	return sum[:checksumSize]
}

// UnwrapKM unwraps a received KMREQ/KMRSP payload using the configured
// passphrase, returning the resulting state (Secured, BadSecret, or
// NoSecret).
func (k *KM) UnwrapKM(payload []byte, parity wire.KeySpec) State {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.passphrase == "" {
		k.state = NoSecret
		return k.state
	}
	if len(payload) < saltSize {
		k.state = BadSecret
		return k.state
	}
	salt := payload[:saltSize]
	wrapped := payload[saltSize:]
	kek := deriveKEK(k.passphrase, salt, k.keyLen)
	plain, err := ctrCrypt(kek, wrapped)
	if err != nil || len(plain) != k.keyLen+checksumSize {
		k.state = BadSecret
		return k.state
	}
	sek := plain[:k.keyLen]
	if !bytes.Equal(plain[k.keyLen:], sekChecksum(sek)) {
		k.state = BadSecret
		return k.state
	}
	k.sek[parityIndex(parity)] = sek
	k.activeKS = parity
	k.state = Secured
	return k.state
}

// CloneFrom copies the session keys and negotiated state from other.
// Bidirectional connections reuse the initiator's SEK for the reverse
// direction, so the responder clones its receive context into its send
// context (and the initiator the inverse) once the KM exchange settles.
func (k *KM) CloneFrom(other *KM) {
	other.mu.Lock()
	sek := other.sek
	active := other.activeKS
	st := other.state
	other.mu.Unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	for i, s := range sek {
		if s != nil {
			cp := make([]byte, len(s))
			copy(cp, s)
			k.sek[i] = cp
		}
	}
	k.activeKS = active
	k.state = st
}

// MarkSecured promotes the state to Secured once the peer confirmed the
// key material via a matching KMRSP.
func (k *KM) MarkSecured() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = Secured
}

// MarkBadSecret records that the peer could not resolve our key
// material (or vice versa); payloads in this direction stay opaque.
func (k *KM) MarkBadSecret() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = BadSecret
}

// NegotiateUnsecured marks both sides as agreeing on no encryption.
func (k *KM) NegotiateUnsecured() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = Unsecured
}

// Status returns the current negotiation state.
func (k *KM) Status() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Enforced reports whether ENFORCEDENCRYPTION is set for this direction.
func (k *KM) Enforced() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enforced
}

// ActiveKeySpec returns the parity bits to stamp on freshly sent
// packets. Encryption stays on as long as a session key exists, even
// when the peer could not resolve it (BadSecret): the payloads then
// travel opaquely rather than silently downgrading to cleartext.
func (k *KM) ActiveKeySpec() wire.KeySpec {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sek[parityIndex(k.activeKS)] == nil {
		return wire.KeyClear
	}
	return k.activeKS
}

// OnPacketSent advances the rekey countdown; once rekeyPacketCount
// packets have gone out on the active key, it flips to the other parity
// and returns true to signal the caller should emit a new KMREQ.
func (k *KM) OnPacketSent() (shouldRekey bool, newParity wire.KeySpec) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.rekeyPacketCount <= 0 {
		return false, 0
	}
	k.packetsSinceKey++
	if k.packetsSinceKey < k.rekeyPacketCount {
		return false, 0
	}
	k.packetsSinceKey = 0
	other := otherParity(k.activeKS)
	k.pendingParity = other
	return true, other
}

// ConfirmRekey handles the peer's KMRSP for a rekey: it clears the
// retry counter, promotes the pending parity to active and returns the
// state to Secured. The connection calls it on any received KMRSP; the
// KMRSP bytes are not compared with the KMREQ that was sent.
func (k *KM) ConfirmRekey() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activeKS = k.pendingParity
	k.kmRetries = 0
	k.state = Secured
}

const maxKMRetries = 10

// RetryRekey increments the retry counter; the caller should re-send the
// pending KMREQ until this returns false (retries exhausted).
func (k *KM) RetryRekey() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kmRetries++
	return k.kmRetries <= maxKMRetries
}

func parityIndex(p wire.KeySpec) int {
	if p == wire.KeyOdd {
		return 1
	}
	return 0
}

func otherParity(p wire.KeySpec) wire.KeySpec {
	if p == wire.KeyEven {
		return wire.KeyOdd
	}
	return wire.KeyEven
}

// EncryptPacket encrypts payload in place using the SEK for ks, keyed by
// the packet's sequence number as the CTR nonce (so retransmissions of
// the same sequence reproduce the same ciphertext). The msgno word's
// encryption-flags bits must already be set by the caller before this is
// invoked, and are preserved verbatim across retransmits.
func (k *KM) EncryptPacket(payload []byte, seq uint32, ks wire.KeySpec) error {
	k.mu.Lock()
	sek := k.sek[parityIndex(ks)]
	k.mu.Unlock()
	if sek == nil {
		return errors.New("crypto: no key for requested parity")
	}
	return ctrCryptInPlace(sek, payload, seq)
}

// DecryptPacket decrypts payload in place; on failure the caller must
// leave the packet's encryption flags set and retain it undecryptable
// so it can still be released at its delivery deadline.
func (k *KM) DecryptPacket(payload []byte, seq uint32, ks wire.KeySpec) error {
	return k.EncryptPacket(payload, seq, ks) // CTR mode: decrypt == encrypt
}

func ctrCrypt(key, in []byte) ([]byte, error) {
	out := make([]byte, len(in))
	copy(out, in)
	if err := ctrCryptInPlace(key, out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func ctrCryptInPlace(key, buf []byte, counter uint32) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	iv := make([]byte, aes.BlockSize)
	iv[aes.BlockSize-4] = byte(counter >> 24)
	iv[aes.BlockSize-3] = byte(counter >> 16)
	iv[aes.BlockSize-2] = byte(counter >> 8)
	iv[aes.BlockSize-1] = byte(counter)
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(buf, buf)
	return nil
}
