package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/vanadium-vm/vanadium/hostio"
	"github.com/vanadium-vm/vanadium/manifest"
	"github.com/vanadium-vm/vanadium/merkle"
	"github.com/vanadium-vm/vanadium/pagecodec"
	"github.com/vanadium-vm/vanadium/vmerr"
)

// Domain-separation labels for the code-attestation protocol (spec.md
// §4.7 steps 3-4), used exactly as the wire protocol names them.
var (
	labelAppAuthKey = []byte("VND_APP_AUTH_KEY")
	labelHMACMask   = []byte("VND_HMAC_MASK")
	labelPageTag    = []byte("VND_PAGE_TAG")
)

// randomKey32 draws 32 bytes from the platform CSPRNG, used for every
// per-session secret spec.md §4.7 calls "fresh" or "random".
func randomKey32() ([32]byte, error) {
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// freshDynamicMaterial draws KeyAES2/KeyHMAC2 and ephemeral_sk
// (spec.md §4.7 step 2: "SE draws fresh KeyAES2, KeyHMAC2,
// ephemeral_sk").
func freshDynamicMaterial() (pagecodec.Keys, [32]byte, error) {
	aesKey, err := randomKey32()
	if err != nil {
		return pagecodec.Keys{}, [32]byte{}, err
	}
	hmacKey, err := randomKey32()
	if err != nil {
		return pagecodec.Keys{}, [32]byte{}, err
	}
	ephemeralSK, err := randomKey32()
	if err != nil {
		return pagecodec.Keys{}, [32]byte{}, err
	}
	return pagecodec.Keys{AES: aesKey, HMAC: hmacKey}, ephemeralSK, nil
}

// deriveAppAuthKey computes app_auth_key := SHA256(SHA256("VND_APP_AUTH_KEY")
// ‖ auth_key ‖ vapp_hash), spec.md §4.7 step 3.
func deriveAppAuthKey(authKey [32]byte, vappHash [32]byte) [32]byte {
	inner := sha256.Sum256(labelAppAuthKey)
	h := sha256.New()
	h.Write(inner[:])
	h.Write(authKey[:])
	h.Write(vappHash[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// derivePageSecret computes page_sk_i := SHA256("VND_HMAC_MASK" ‖
// ephemeral_sk ‖ be32(i)), spec.md §4.7 step 4.
func derivePageSecret(ephemeralSK [32]byte, index uint32) [32]byte {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], index)
	h := sha256.New()
	h.Write(labelHMACMask)
	h.Write(ephemeralSK[:])
	h.Write(be[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// derivePageTag computes hmac_i := HMAC(app_auth_key, "VND_PAGE_TAG" ‖
// vapp_hash ‖ be32(i) ‖ page_hash_i), spec.md §4.7 step 4.
func derivePageTag(appAuthKey [32]byte, vappHash [32]byte, index uint32, pageHash merkle.Digest) [32]byte {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], index)
	h := hmac.New(sha256.New, appAuthKey[:])
	h.Write(labelPageTag)
	h.Write(vappHash[:])
	h.Write(be[:])
	h.Write(pageHash[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func xor32(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// attestation runs the per-page loop of spec.md §4.7 step 4 and the
// step-5 root check. It holds no session-lasting state beyond what
// Session itself keeps after finish succeeds.
type attestation struct {
	appAuthKey  [32]byte
	ephemeralSK [32]byte
	vappHash    [32]byte
	wantRoot    [32]byte

	leaves []merkle.Digest
}

func newAttestation(appAuthKey, ephemeralSK, vappHash [32]byte, wantRoot [32]byte) *attestation {
	return &attestation{appAuthKey: appAuthKey, ephemeralSK: ephemeralSK, vappHash: vappHash, wantRoot: wantRoot}
}

// attest processes one code page's leaf hash, returning the masked
// encrypted_hmac_i the host stores to answer future GetPage calls for
// that page (spec.md §4.7 step 4).
func (a *attestation) attest(index uint32, pageHash merkle.Digest) ([32]byte, error) {
	if int(index) != len(a.leaves) {
		return [32]byte{}, vmerr.New(vmerr.Protocol, "session.attest", fmt.Errorf("code pages must be attested in order: got index %d, expected %d", index, len(a.leaves)))
	}
	tag := derivePageTag(a.appAuthKey, a.vappHash, index, pageHash)
	mask := derivePageSecret(a.ephemeralSK, index)
	a.leaves = append(a.leaves, pageHash)
	return xor32(tag, mask), nil
}

// finish recomputes the CODE Merkle root from every attested leaf and
// compares it against the manifest's code_root (spec.md §4.7 step 5).
// A mismatch is an AuthFail: the host served code pages, in whatever
// order, that do not match what was signed at registration.
func (a *attestation) finish() error {
	got := merkle.ComputeRoot(a.leaves)
	if [32]byte(got) != a.wantRoot {
		return vmerr.New(vmerr.AuthFail, "session.attestation.finish", fmt.Errorf("recomputed code Merkle root does not match manifest"))
	}
	return nil
}

// initialPage is one DATA or STACK page's plaintext and wire address,
// in the combined DATA∪STACK leaf order spec.md §3's invariant I4
// requires.
type initialPage struct {
	section hostio.Section
	index   uint32
	addr    uint32
}

// seeder is implemented by hostio.Mock: the handful of test/emulator
// harnesses that own both ends of the oracle and can publish a page
// directly rather than through a real transport.
type seeder interface {
	Seed(section hostio.Section, pageIndex uint32, ciphertext []byte, counter uint32, proof []merkle.ProofStep, hmacTag []byte)
}

// treeLayouter is implemented by hostio.Mock: it lets the bootstrap tell
// the in-process "host" how DATA and STACK map onto the single combined
// Merkle tree, so it can maintain real proofs across the session rather
// than just echoing back whatever it was last handed.
type treeLayouter interface {
	SetTreeLayout(layouts ...hostio.TreeLayout)
}

// initializeDataSection computes data_merkle_root as a single tree
// over {page_hash(p) : p ∈ DATA∪STACK} (spec.md §3 invariant I4, §4.7
// step 6): the DATA section's manifest-supplied image followed by
// STACK's all-zero pages, encrypted under the freshly drawn dynamic
// keys with counter 0, the same construction package pagecache uses
// for every mutable page.
//
// KeyAES2/KeyHMAC2 are drawn fresh every session (spec.md §4.7 step
// 2), so the host cannot already hold these pages pre-encrypted under
// them; when oracle supports it (hostio.Mock, and the emulator's mock
// mode), initializeDataSection publishes the freshly encrypted initial
// images and their Merkle proofs directly, standing in for whatever
// side channel a real deployment uses to push them before first
// access.
func initializeDataSection(oracle hostio.Oracle, keys pagecodec.Keys, m *manifest.Manifest, dataImage [][]byte, stackPages int) (merkle.Digest, error) {
	if len(dataImage) != int(m.DataPages) {
		return merkle.Digest{}, vmerr.New(vmerr.Protocol, "session.initializeDataSection", fmt.Errorf("manifest declares %d data pages, got %d", m.DataPages, len(dataImage)))
	}
	if uint32(stackPages) != m.StackPages {
		return merkle.Digest{}, vmerr.New(vmerr.Protocol, "session.initializeDataSection", fmt.Errorf("manifest declares %d stack pages, got %d", m.StackPages, stackPages))
	}

	pages := make([]initialPage, 0, len(dataImage)+stackPages)
	plaintexts := make([][]byte, 0, len(dataImage)+stackPages)
	for i, p := range dataImage {
		pages = append(pages, initialPage{section: hostio.SectionData, index: uint32(i), addr: m.DataStart + uint32(i)*pagecodec.PageSize})
		plaintexts = append(plaintexts, p)
	}
	zero := make([]byte, pagecodec.PageSize)
	for i := 0; i < stackPages; i++ {
		pages = append(pages, initialPage{section: hostio.SectionStack, index: uint32(i), addr: m.StackStart + uint32(i)*pagecodec.PageSize})
		plaintexts = append(plaintexts, zero)
	}

	leaves := make([]merkle.Digest, len(pages))
	ciphertexts := make([][]byte, len(pages))
	for i, pg := range pages {
		ciphertext, _, err := pagecodec.Encrypt(keys, pg.addr, 0, plaintexts[i])
		if err != nil {
			return merkle.Digest{}, vmerr.New(vmerr.Protocol, "session.initializeDataSection", err)
		}
		ciphertexts[i] = ciphertext
		leaves[i] = pagecodec.PageHash(pg.addr, 0, ciphertext)
	}

	root := merkle.ComputeRoot(leaves)

	if tl, ok := oracle.(treeLayouter); ok {
		tl.SetTreeLayout(
			hostio.TreeLayout{Section: hostio.SectionData, Base: m.DataStart, Offset: 0},
			hostio.TreeLayout{Section: hostio.SectionStack, Base: m.StackStart, Offset: len(dataImage)},
		)
	}
	if sd, ok := oracle.(seeder); ok {
		for i, pg := range pages {
			sd.Seed(pg.section, pg.index, ciphertexts[i], 0, nil, nil)
		}
	}

	return root, nil
}
