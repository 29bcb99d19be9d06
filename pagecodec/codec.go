// Package pagecodec encrypts, MACs, and authenticates the fixed 256-byte
// pages that make up a V-App's CODE, DATA, and STACK sections (spec.md
// §4.2, §6). It follows the AES+HMAC composition style of the teacher's
// crypto/ecies.go -- derive a fixed IV, encrypt, then MAC over the
// ciphertext and its binding context -- but with Vanadium's own static or
// dynamic symmetric keys in place of ECIES's ECDH-derived ones, and
// AES-256-CBC with a counter-derived IV in place of AES-128-CTR with a
// random one, per spec.md §6's wire format.
package pagecodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// PageSize is the fixed plaintext size of every page (spec.md §3).
const PageSize = 256

// KeySize is the length of every AES/HMAC key used by this package.
const KeySize = 32

var (
	// ErrBadPageSize is returned when plaintext or ciphertext isn't exactly
	// PageSize bytes -- pages are fixed-size, never padded at this layer.
	ErrBadPageSize = errors.New("pagecodec: page must be exactly 256 bytes")
	// ErrMACMismatch means the page's HMAC tag didn't match: tampering,
	// wrong keys, or a page swapped from a different address/counter.
	ErrMACMismatch = errors.New("pagecodec: MAC verification failed")
)

// Keys bundles one AES/HMAC key pair -- either the static (KeyAES1,
// KeyHMAC1) or dynamic (KeyAES2, KeyHMAC2) set from spec.md §4.
type Keys struct {
	AES  [KeySize]byte
	HMAC [KeySize]byte
}

// iv builds the 16-byte AES-CBC IV from a page's virtual address, as
// spec.md §4.2 specifies: addr‖0‖0‖0 (the address in the low 4 bytes,
// zero-padded to the block size).
func iv(addr uint32) [aes.BlockSize]byte {
	var out [aes.BlockSize]byte
	binary.BigEndian.PutUint32(out[:4], addr)
	return out
}

// mac computes HMAC-SHA-256(key, ciphertext ‖ addr ‖ counter), per
// spec.md §4.2's binding of every ciphertext to its address and counter.
func mac(key [KeySize]byte, ciphertext []byte, addr uint32, counter uint32) []byte {
	h := hmac.New(sha256.New, key[:])
	h.Write(ciphertext)
	var be [8]byte
	binary.BigEndian.PutUint32(be[:4], addr)
	binary.BigEndian.PutUint32(be[4:], counter)
	h.Write(be[:])
	return h.Sum(nil)
}

// Encrypt produces the ciphertext and MAC tag for a plaintext page bound
// to (addr, counter) under keys. The caller supplies counter=0 for
// immutable (CODE, initial DATA) pages, per spec.md §4.2.
func Encrypt(keys Keys, addr uint32, counter uint32, plaintext []byte) (ciphertext, tag []byte, err error) {
	if len(plaintext) != PageSize {
		return nil, nil, ErrBadPageSize
	}
	block, err := aes.NewCipher(keys.AES[:])
	if err != nil {
		return nil, nil, err
	}
	v := iv(addr)
	ciphertext = make([]byte, PageSize)
	cipher.NewCBCEncrypter(block, v[:]).CryptBlocks(ciphertext, plaintext)
	tag = mac(keys.HMAC, ciphertext, addr, counter)
	return ciphertext, tag, nil
}

// Decrypt verifies tag in constant time before decrypting, per spec.md
// §4.2's "MAC is verified first, then decryption" ordering -- this keeps
// an attacker's tampered ciphertext from ever reaching the block cipher.
// Used for code pages, where the host-supplied HMAC is the sole
// authentication (spec.md §4.4's Fill paragraph).
func Decrypt(keys Keys, addr uint32, counter uint32, ciphertext, tag []byte) ([]byte, error) {
	if len(ciphertext) != PageSize {
		return nil, ErrBadPageSize
	}
	want := mac(keys.HMAC, ciphertext, addr, counter)
	if subtle.ConstantTimeCompare(want, tag) != 1 {
		return nil, ErrMACMismatch
	}
	return decryptBlocks(keys, addr, ciphertext)
}

// DecryptNoMAC decrypts a page whose authenticity was already
// established some other way -- for data/stack pages that is the
// Merkle proof over PageHash, which binds the same (ciphertext, addr,
// counter) tuple the MAC would, making a second MAC check redundant
// (spec.md §4.4's Fill paragraph verifies data pages via the Merkle
// proof, not a tag).
func DecryptNoMAC(keys Keys, addr uint32, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != PageSize {
		return nil, ErrBadPageSize
	}
	return decryptBlocks(keys, addr, ciphertext)
}

func decryptBlocks(keys Keys, addr uint32, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(keys.AES[:])
	if err != nil {
		return nil, err
	}
	v := iv(addr)
	plaintext := make([]byte, PageSize)
	cipher.NewCBCDecrypter(block, v[:]).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// PageHash computes page_hash(p) := SHA256(ciphertext ‖ addr ‖ counter),
// the Merkle leaf value for a page (spec.md §4.2, §6). Binding the
// address and counter into the hash, not just the MAC, is what stops a
// malicious host from replaying an old (ciphertext, counter) pair under
// a different page's Merkle leaf.
func PageHash(addr uint32, counter uint32, ciphertext []byte) [32]byte {
	h := sha256.New()
	h.Write(ciphertext)
	var be [8]byte
	binary.BigEndian.PutUint32(be[:4], addr)
	binary.BigEndian.PutUint32(be[4:], counter)
	h.Write(be[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

