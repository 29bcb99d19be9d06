package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/vanadium-vm/vanadium/manifest"
	"github.com/vanadium-vm/vanadium/pagecodec"
	"github.com/vanadium-vm/vanadium/vmerr"
)

// ErrApprovalDeclined is returned when the user-approval callback
// passed to Register returns false (spec.md §4.7's "shown for user
// approval").
var ErrApprovalDeclined = errors.New("session: user declined registration")

// Approver is the on-device user-approval step of registration,
// shown (name, version, vapp_hash) and asked to confirm (spec.md §4.7:
// "shows (name, version, vapp_hash) for user approval"). The emulator
// supplies a CLI prompt; tests supply a function that always approves
// or always declines.
type Approver func(name string, version [3]byte, vappHash [32]byte) bool

// Register runs the one-time registration flow for a V-App (spec.md
// §4.7's opening paragraph): verify the manifest's signature against
// the pinned Ledger public key, ask for user approval, draw static
// keys, record (name, vapp_hash) in the registry, and return a sealed
// blob of the static keys for the host to store and hand back at
// every future launch.
//
// sealKey is the device-local key the SE uses to seal secrets for
// host-side storage, standing in for the Ledger platform's own sealing
// primitive, which spec.md assumes exists out-of-repo.
func Register(registry *manifest.Registry, m *manifest.Manifest, ledgerPub *secp256k1.PublicKey, approve Approver, sealKey [32]byte) (sealedBlob []byte, err error) {
	if err := m.Verify(ledgerPub); err != nil {
		return nil, err
	}
	vappHash, err := m.VappHash()
	if err != nil {
		return nil, vmerr.New(vmerr.Protocol, "session.Register", err)
	}
	if !approve(m.Name, m.VappVersion, vappHash) {
		return nil, vmerr.New(vmerr.Rejected, "session.Register", ErrApprovalDeclined)
	}

	aesKey, err := randomKey32()
	if err != nil {
		return nil, vmerr.New(vmerr.Protocol, "session.Register", err)
	}
	hmacKey, err := randomKey32()
	if err != nil {
		return nil, vmerr.New(vmerr.Protocol, "session.Register", err)
	}
	staticKeys := pagecodec.Keys{AES: aesKey, HMAC: hmacKey}

	if err := registry.Put(manifest.Entry{Name: m.Name, VappHash: vappHash}); err != nil {
		return nil, err
	}

	blob, err := sealKeys(sealKey, staticKeys)
	if err != nil {
		return nil, vmerr.New(vmerr.Protocol, "session.Register", err)
	}
	return blob, nil
}

// sealKeys AEAD-seals a Keys pair under sealKey using AES-256-GCM, the
// standard library's authenticated encryption primitive -- the right
// tool for "encrypt this for storage by an untrusted party and detect
// any tampering on the way back", which is all a sealed blob needs to
// do in this layer.
func sealKeys(sealKey [32]byte, keys pagecodec.Keys) ([]byte, error) {
	block, err := aes.NewCipher(sealKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	plaintext := append(append([]byte{}, keys.AES[:]...), keys.HMAC[:]...)
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// UnsealStaticKeys recovers KeyAES1/KeyHMAC1 from a blob sealKeys
// produced (spec.md §4.7 step 1: "SE unseals to recover
// KeyAES1/KeyHMAC1").
func UnsealStaticKeys(sealKey [32]byte, blob []byte) (pagecodec.Keys, error) {
	block, err := aes.NewCipher(sealKey[:])
	if err != nil {
		return pagecodec.Keys{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return pagecodec.Keys{}, err
	}
	if len(blob) < gcm.NonceSize() {
		return pagecodec.Keys{}, vmerr.New(vmerr.Protocol, "session.UnsealStaticKeys", fmt.Errorf("sealed blob too short"))
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return pagecodec.Keys{}, vmerr.New(vmerr.AuthFail, "session.UnsealStaticKeys", err)
	}
	if len(plaintext) != 2*pagecodec.KeySize {
		return pagecodec.Keys{}, vmerr.New(vmerr.Protocol, "session.UnsealStaticKeys", fmt.Errorf("unsealed key material has wrong length"))
	}
	var keys pagecodec.Keys
	copy(keys.AES[:], plaintext[:pagecodec.KeySize])
	copy(keys.HMAC[:], plaintext[pagecodec.KeySize:])
	return keys, nil
}

// SetStaticKeys installs the unsealed static keys into an idle session
// before Boot, completing spec.md §4.7 step 1.
func (s *Session) SetStaticKeys(keys pagecodec.Keys) error {
	if s.state != StateIdle {
		return fmt.Errorf("session.SetStaticKeys: %w: state %v", ErrWrongState, s.state)
	}
	s.staticKeys = keys
	return nil
}
