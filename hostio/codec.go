package hostio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vanadium-vm/vanadium/merkle"
)

// maxProofSteps bounds a decoded Merkle sibling path. spec.md's largest
// section is a handful of thousand pages, which a binary tree never
// needs more than a couple dozen levels to cover; anything longer on
// the wire is a corrupt or hostile frame, not a legitimate proof.
const maxProofSteps = 48

var errTruncated = fmt.Errorf("hostio: truncated frame body")

// encoder is implemented by every request/response body that travels
// after a frame's tag byte (spec.md §6). Encoding is explicit
// field-by-field, the same big-endian, length-prefixed style package
// manifest uses for the signed manifest body -- no reflection, and no
// payload shape beyond what each message actually needs.
type encoder interface {
	encode() []byte
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, data []byte) {
	putU32(buf, uint32(len(data)))
	buf.Write(data)
}

func putString(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func putProof(buf *bytes.Buffer, proof []merkle.ProofStep) {
	buf.WriteByte(byte(len(proof)))
	for _, step := range proof {
		buf.WriteByte(step.Op)
		buf.Write(step.Digest[:])
	}
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errTruncated
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errTruncated
	}
	return buf, nil
}

func getString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", errTruncated
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errTruncated
	}
	return string(buf), nil
}

func getProof(r *bytes.Reader) ([]merkle.ProofStep, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, errTruncated
	}
	if n == 0 {
		return nil, nil
	}
	if int(n) > maxProofSteps {
		return nil, fmt.Errorf("hostio: proof too long: %d steps", n)
	}
	steps := make([]merkle.ProofStep, n)
	for i := range steps {
		op, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		var d merkle.Digest
		if _, err := io.ReadFull(r, d[:]); err != nil {
			return nil, errTruncated
		}
		steps[i] = merkle.ProofStep{Op: op, Digest: d}
	}
	return steps, nil
}

func (r GetPageReq) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Section))
	putU32(&buf, r.PageIndex)
	return buf.Bytes()
}

func decodeGetPageReq(data []byte) (GetPageReq, error) {
	r := bytes.NewReader(data)
	section, err := r.ReadByte()
	if err != nil {
		return GetPageReq{}, errTruncated
	}
	idx, err := getU32(r)
	if err != nil {
		return GetPageReq{}, err
	}
	return GetPageReq{Section: Section(section), PageIndex: idx}, nil
}

func (r GetPageResp) encode() []byte {
	var buf bytes.Buffer
	putBytes(&buf, r.Ciphertext)
	putU32(&buf, r.Counter)
	putProof(&buf, r.Proof)
	putBytes(&buf, r.HMAC)
	return buf.Bytes()
}

func decodeGetPageResp(data []byte) (GetPageResp, error) {
	r := bytes.NewReader(data)
	ciphertext, err := getBytes(r)
	if err != nil {
		return GetPageResp{}, err
	}
	counter, err := getU32(r)
	if err != nil {
		return GetPageResp{}, err
	}
	proof, err := getProof(r)
	if err != nil {
		return GetPageResp{}, err
	}
	tag, err := getBytes(r)
	if err != nil {
		return GetPageResp{}, err
	}
	return GetPageResp{Ciphertext: ciphertext, Counter: counter, Proof: proof, HMAC: tag}, nil
}

func (r CommitPageReq) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Section))
	putU32(&buf, r.PageIndex)
	putBytes(&buf, r.Ciphertext)
	putU32(&buf, r.NewCounter)
	putProof(&buf, r.UpdateProof)
	return buf.Bytes()
}

func decodeCommitPageReq(data []byte) (CommitPageReq, error) {
	r := bytes.NewReader(data)
	section, err := r.ReadByte()
	if err != nil {
		return CommitPageReq{}, errTruncated
	}
	idx, err := getU32(r)
	if err != nil {
		return CommitPageReq{}, err
	}
	ciphertext, err := getBytes(r)
	if err != nil {
		return CommitPageReq{}, err
	}
	counter, err := getU32(r)
	if err != nil {
		return CommitPageReq{}, err
	}
	proof, err := getProof(r)
	if err != nil {
		return CommitPageReq{}, err
	}
	return CommitPageReq{Section: Section(section), PageIndex: idx, Ciphertext: ciphertext, NewCounter: counter, UpdateProof: proof}, nil
}

func (r CommitPageResp) encode() []byte {
	return append([]byte(nil), r.NewMerkleRoot[:]...)
}

func decodeCommitPageResp(data []byte) (CommitPageResp, error) {
	var resp CommitPageResp
	if len(data) != len(resp.NewMerkleRoot) {
		return CommitPageResp{}, errTruncated
	}
	copy(resp.NewMerkleRoot[:], data)
	return resp, nil
}

func (r ExchangeReq) encode() []byte {
	var buf bytes.Buffer
	putBytes(&buf, r.Payload)
	return buf.Bytes()
}

func decodeExchangeReq(data []byte) (ExchangeReq, error) {
	r := bytes.NewReader(data)
	payload, err := getBytes(r)
	if err != nil {
		return ExchangeReq{}, err
	}
	return ExchangeReq{Payload: payload}, nil
}

func (r ExchangeResp) encode() []byte {
	var buf bytes.Buffer
	putBytes(&buf, r.Payload)
	return buf.Bytes()
}

func decodeExchangeResp(data []byte) (ExchangeResp, error) {
	r := bytes.NewReader(data)
	payload, err := getBytes(r)
	if err != nil {
		return ExchangeResp{}, err
	}
	return ExchangeResp{Payload: payload}, nil
}

func (f Fatal) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(f.Kind)
	putString(&buf, f.Op)
	return buf.Bytes()
}

func decodeFatal(data []byte) (Fatal, error) {
	r := bytes.NewReader(data)
	kind, err := r.ReadByte()
	if err != nil {
		return Fatal{}, errTruncated
	}
	op, err := getString(r)
	if err != nil {
		return Fatal{}, err
	}
	return Fatal{Kind: kind, Op: op}, nil
}
