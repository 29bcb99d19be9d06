// Package manifest parses and verifies the signed V-App manifest and
// maintains the persistent registry of known V-Apps (spec.md §3, §4.7,
// §6, component C8). The wire layout and vapp_hash derivation are
// exact; signature verification uses BIP-340-style Schnorr over
// secp256k1 (github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr), a
// real audited implementation standing in for the Ledger signing
// stack spec.md assumes exists out-of-repo.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/vanadium-vm/vanadium/vmerr"
)

// Magic is the 4-byte manifest file identifier (spec.md §6).
var Magic = [4]byte{'V', 'N', 'D', 'M'}

const (
	// FormatVersion is the only manifest wire-format version this
	// package parses.
	FormatVersion = 1
	// MaxNameLen bounds the app name field (spec.md §3).
	MaxNameLen = 32
	// MaxStorageSlots bounds persistent storage slots per V-App
	// (spec.md §3, §6).
	MaxStorageSlots = 4
	// SignatureSize is the Schnorr signature appended after the
	// manifest body (spec.md §6).
	SignatureSize = 64
	// MaxPaths bounds the declared BIP32 derivation paths; n_paths is
	// a single byte in the wire format, so 255 is the hard ceiling,
	// but no V-App plausibly declares more than a handful.
	MaxPaths = 255
)

var (
	ErrBadMagic        = errors.New("manifest: bad magic")
	ErrBadVersion      = errors.New("manifest: unsupported format version")
	ErrNameTooLong     = errors.New("manifest: name exceeds 32 bytes")
	ErrTooManySlots    = errors.New("manifest: too many storage slots")
	ErrTruncated       = errors.New("manifest: truncated")
	ErrTrailingBytes   = errors.New("manifest: trailing bytes after signature")
	ErrSignatureShape  = errors.New("manifest: malformed signature")
	ErrSignatureFailed = errors.New("manifest: signature verification failed")
)

// Manifest is the immutable, signed V-App descriptor of spec.md §3.
type Manifest struct {
	Name          string
	VappVersion   [3]byte
	Entrypoint    uint32
	CodeStart     uint32
	CodePages     uint32
	CodeRoot      [32]byte
	DataStart     uint32
	DataPages     uint32
	DataRoot      [32]byte
	StackStart    uint32
	StackPages    uint32
	NStorageSlots uint8
	Paths         []string

	// Signature is the 64-byte Schnorr signature over the rest of the
	// manifest, appended on the wire (spec.md §6). It is zero on a
	// Manifest built in memory before Sign is called.
	Signature [SignatureSize]byte
}

// encodeBody writes every field covered by the signature: magic
// through the variable-length paths, in spec.md §6's exact order.
func (m *Manifest) encodeBody() ([]byte, error) {
	if len(m.Name) > MaxNameLen {
		return nil, vmerr.New(vmerr.Protocol, "manifest.encodeBody", ErrNameTooLong)
	}
	if m.NStorageSlots > MaxStorageSlots {
		return nil, vmerr.New(vmerr.Protocol, "manifest.encodeBody", ErrTooManySlots)
	}
	if len(m.Paths) > MaxPaths {
		return nil, vmerr.New(vmerr.Protocol, "manifest.encodeBody", fmt.Errorf("manifest: too many derivation paths"))
	}

	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(FormatVersion)
	buf.WriteByte(byte(len(m.Name)))
	buf.WriteString(m.Name)
	buf.Write(m.VappVersion[:])
	writeU32(&buf, m.Entrypoint)
	writeU32(&buf, m.CodeStart)
	writeU32(&buf, m.CodePages)
	buf.Write(m.CodeRoot[:])
	writeU32(&buf, m.DataStart)
	writeU32(&buf, m.DataPages)
	buf.Write(m.DataRoot[:])
	writeU32(&buf, m.StackStart)
	writeU32(&buf, m.StackPages)
	buf.WriteByte(m.NStorageSlots)
	buf.WriteByte(byte(len(m.Paths)))
	for _, p := range m.Paths {
		if len(p) > 255 {
			return nil, vmerr.New(vmerr.Protocol, "manifest.encodeBody", fmt.Errorf("manifest: derivation path too long"))
		}
		buf.WriteByte(byte(len(p)))
		buf.WriteString(p)
	}
	return buf.Bytes(), nil
}

// Encode serializes the full manifest including its trailing 64-byte
// signature, the byte layout exchanged with the host (spec.md §6).
func (m *Manifest) Encode() ([]byte, error) {
	body, err := m.encodeBody()
	if err != nil {
		return nil, err
	}
	return append(body, m.Signature[:]...), nil
}

// VappHash computes vapp_hash := SHA256(manifest_without_signature),
// the identifier the registry keys attestation against (spec.md §3,
// §4.7, §6).
func (m *Manifest) VappHash() ([32]byte, error) {
	body, err := m.encodeBody()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(body), nil
}

// Sign computes vapp_hash and Schnorr-signs it with priv, setting
// m.Signature. Used by tests and by a registration tool building
// fixtures; the SE itself only ever verifies, never signs.
func (m *Manifest) Sign(priv *secp256k1.PrivateKey) error {
	hash, err := m.VappHash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, hash[:])
	if err != nil {
		return vmerr.New(vmerr.Protocol, "manifest.Sign", err)
	}
	copy(m.Signature[:], sig.Serialize())
	return nil
}

// Verify checks the manifest's signature against the pinned Ledger
// public key (spec.md §3's "invariant: a manifest whose signature
// does not verify against the pinned Ledger public key is rejected").
func (m *Manifest) Verify(pub *secp256k1.PublicKey) error {
	hash, err := m.VappHash()
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(m.Signature[:])
	if err != nil {
		return vmerr.New(vmerr.AuthFail, "manifest.Verify", fmt.Errorf("%w: %v", ErrSignatureShape, err))
	}
	if !sig.Verify(hash[:], pub) {
		return vmerr.New(vmerr.AuthFail, "manifest.Verify", ErrSignatureFailed)
	}
	return nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// Parse decodes a wire-format manifest (body + trailing 64-byte
// signature), rejecting anything that doesn't round-trip exactly:
// bad magic, an unsupported format version, a truncated field, or
// trailing bytes after the signature.
func Parse(data []byte) (*Manifest, error) {
	r := bytes.NewReader(data)
	var magic [4]byte
	if err := readFull(r, magic[:]); err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if magic != Magic {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrBadMagic)
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if version != FormatVersion {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrBadVersion)
	}

	m := &Manifest{}
	nameLen, err := r.ReadByte()
	if err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	nameBuf := make([]byte, nameLen)
	if err := readFull(r, nameBuf); err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	m.Name = string(nameBuf)

	if err := readFull(r, m.VappVersion[:]); err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	var ferr error
	m.Entrypoint, ferr = readU32(r)
	if ferr != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if m.CodeStart, ferr = readU32(r); ferr != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if m.CodePages, ferr = readU32(r); ferr != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if err := readFull(r, m.CodeRoot[:]); err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if m.DataStart, ferr = readU32(r); ferr != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if m.DataPages, ferr = readU32(r); ferr != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if err := readFull(r, m.DataRoot[:]); err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if m.StackStart, ferr = readU32(r); ferr != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if m.StackPages, ferr = readU32(r); ferr != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	nStorage, err := r.ReadByte()
	if err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if nStorage > MaxStorageSlots {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTooManySlots)
	}
	m.NStorageSlots = nStorage

	nPaths, err := r.ReadByte()
	if err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	m.Paths = make([]string, 0, nPaths)
	for i := 0; i < int(nPaths); i++ {
		plen, err := r.ReadByte()
		if err != nil {
			return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
		}
		pbuf := make([]byte, plen)
		if err := readFull(r, pbuf); err != nil {
			return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
		}
		m.Paths = append(m.Paths, string(pbuf))
	}

	if err := readFull(r, m.Signature[:]); err != nil {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTruncated)
	}
	if r.Len() != 0 {
		return nil, vmerr.New(vmerr.Protocol, "manifest.Parse", ErrTrailingBytes)
	}
	return m, nil
}

func readFull(r *bytes.Reader, buf []byte) error {
	n, err := r.Read(buf)
	if err != nil || n != len(buf) {
		return ErrTruncated
	}
	return nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
