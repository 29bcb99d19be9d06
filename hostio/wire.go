// Package hostio implements the Oracle interface (GetPage, CommitPage,
// Exchange) through which the SE outsources V-App memory to the host
// (spec.md §4.3, §6). Wire messages are tag-prefixed, length-prefixed
// frames whose bodies are hand-written field-by-field encodings (see
// codec.go) in the same big-endian, explicit-bounds style package
// manifest uses for the manifest's own binary layout -- the protocol
// here is small and fixed enough that a generic reflection-based codec
// would buy nothing but indirection.
package hostio

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/vanadium-vm/vanadium/merkle"
)

// Tag identifies a wire message kind (spec.md §6).
type Tag byte

const (
	TagGetPage         Tag = 0x01
	TagGetPageResp     Tag = 0x02
	TagCommitPage      Tag = 0x03
	TagCommitPageResp  Tag = 0x04
	TagExchange        Tag = 0x05
	TagExchangeResp    Tag = 0x06
	TagRegisterBegin   Tag = 0x10
	TagRegisterApprove Tag = 0x11
	TagRunApp          Tag = 0x12
	TagExit            Tag = 0x13
	TagFatal           Tag = 0xFF
)

// Section identifies which of the three V-App sections a page belongs to.
type Section byte

const (
	SectionCode Section = iota
	SectionData
	SectionStack
)

var (
	// ErrShortFrame is returned when a frame's declared length doesn't
	// match the bytes actually available on the wire.
	ErrShortFrame = errors.New("hostio: short frame")
	// ErrUnexpectedTag is returned when a response frame's tag doesn't
	// match what the caller expected -- a Protocol-kind fault upstream.
	ErrUnexpectedTag = errors.New("hostio: unexpected message tag")
)

// GetPageReq is the payload of a GetPage request.
type GetPageReq struct {
	Section   Section
	PageIndex uint32
}

// GetPageResp carries the ciphertext for a requested page plus its
// authentication evidence: for code pages, Proof is empty and HMAC is
// populated (post-attestation fast path, spec.md §4.7 step 5); for data
// and stack pages, HMAC is empty and Proof carries the Merkle sibling
// path.
type GetPageResp struct {
	Ciphertext []byte
	Counter    uint32
	Proof      []merkle.ProofStep
	HMAC       []byte
}

// CommitPageReq is the payload of a CommitPage request: the newly
// encrypted page plus the Merkle proof needed to update the root from
// the old leaf to the new one.
type CommitPageReq struct {
	Section     Section
	PageIndex   uint32
	Ciphertext  []byte
	NewCounter  uint32
	UpdateProof []merkle.ProofStep
}

// CommitPageResp carries the root the host computed after applying the
// commit; the SE independently recomputes the same root from
// UpdateProof and compares (spec.md §4.3) before trusting it.
type CommitPageResp struct {
	NewMerkleRoot [32]byte
}

// ExchangeReq/ExchangeResp carry opaque bytes for the ExchangeMessage
// RPC (spec.md §4.3) -- used by the registration and attestation flows,
// whose payloads are defined in package session rather than here.
type ExchangeReq struct {
	Payload []byte
}

type ExchangeResp struct {
	Payload []byte
}

// Fatal is sent by the SE to the host on any fatal error (spec.md §7);
// Kind mirrors vmerr.Kind's int value so the host need not import vmerr.
type Fatal struct {
	Kind byte
	Op   string
}

// WriteFrame writes a length-prefixed, tag-prefixed message: a 4-byte
// big-endian length covering the tag and body, the 1-byte tag, then
// body's encoding (nil
// for tags with no payload, e.g. TagExit).
func WriteFrame(w io.Writer, tag Tag, body encoder) error {
	var payload []byte
	if body != nil {
		payload = body.encode()
	}
	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = byte(tag)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame and returns its tag and raw
// body, which the caller decodes with the decodeXxx function appropriate
// for that tag.
func ReadFrame(r io.Reader) (Tag, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return 0, nil, ErrShortFrame
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return Tag(buf[0]), buf[1:], nil
}
