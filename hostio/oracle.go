package hostio

import (
	"context"
	"errors"
	"sync"

	"github.com/vanadium-vm/vanadium/merkle"
	"github.com/vanadium-vm/vanadium/pagecodec"
)

// ErrNotFound is returned by Mock when a section/page_index pair was
// never seeded or committed.
var ErrNotFound = errors.New("hostio: page not found")

// Oracle is the SE's view of the untrusted host: the three RPCs of
// spec.md §4.3. Every call is a single blocking round trip; there is no
// retry, no cancellation beyond ctx, and no batching.
type Oracle interface {
	GetPage(ctx context.Context, section Section, pageIndex uint32) (GetPageResp, error)
	CommitPage(ctx context.Context, req CommitPageReq) (CommitPageResp, error)
	Exchange(ctx context.Context, payload []byte) ([]byte, error)
}

type mockPage struct {
	ciphertext []byte
	counter    uint32
	proof      []merkle.ProofStep
	hmac       []byte
}

// TreeLayout tells Mock where one mutable section sits in the single
// DATA‖STACK Merkle tree the host maintains (spec.md §4.7 step 6: one
// tree over every DATA and STACK page, in that order): Base lets Mock
// reproduce pagecodec.PageHash exactly as the SE computes it, and Offset
// is the section's starting position in the combined leaf ordering.
type TreeLayout struct {
	Section Section
	Base    uint32
	Offset  int
}

type mockKey struct {
	section   Section
	pageIndex uint32
}

// Mock is an in-process Oracle backed by a map, used by every package
// above hostio in tests and by the emulator's -mock mode (spec.md §4.3's
// external "host" collaborator, stood up in-process rather than over a
// transport). Unlike a bare key-value stub, it maintains the real
// combined Merkle tree over every section given a TreeLayout, so GetPage
// always hands back a proof valid against the page's *current* leaf --
// exactly what a real host, which never loses track of the tree, would
// do.
type Mock struct {
	mu     sync.Mutex
	pages  map[Section]map[uint32]mockPage
	layout map[Section]TreeLayout
	leaves []merkle.Digest
	forced map[mockKey][]merkle.ProofStep
	exchFn func([]byte) []byte
}

// NewMock returns an empty Mock oracle. Seed pages with Seed before first
// use, or let the owning component CommitPage fresh pages into existence.
// Call SetTreeLayout first if the caller will evict/commit mutable
// pages and needs accurate Merkle proofs back from GetPage.
func NewMock() *Mock {
	return &Mock{
		pages: map[Section]map[uint32]mockPage{
			SectionCode:  {},
			SectionData:  {},
			SectionStack: {},
		},
	}
}

// SetTreeLayout installs the combined-tree mapping for the mutable
// sections. Without it, Mock falls back to handing back whatever proof
// it was last given, which is only safe for tests that never commit more
// than one resident page against a shared tree.
func (m *Mock) SetTreeLayout(layouts ...TreeLayout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layout = make(map[Section]TreeLayout, len(layouts))
	for _, l := range layouts {
		m.layout[l.Section] = l
	}
}

func (m *Mock) combinedIndex(section Section, pageIndex uint32) (int, bool) {
	l, ok := m.layout[section]
	if !ok {
		return 0, false
	}
	return l.Offset + int(pageIndex), true
}

func (m *Mock) setLeaf(section Section, pageIndex uint32, counter uint32, ciphertext []byte) {
	l, ok := m.layout[section]
	if !ok {
		return
	}
	idx := l.Offset + int(pageIndex)
	if idx >= len(m.leaves) {
		grown := make([]merkle.Digest, idx+1)
		copy(grown, m.leaves)
		m.leaves = grown
	}
	addr := l.Base + pageIndex*pagecodec.PageSize
	m.leaves[idx] = pagecodec.PageHash(addr, counter, ciphertext)
}

// Seed installs a page directly, bypassing CommitPage -- used to set up
// a session's initial CODE/DATA image before RunApp. proof is only
// consulted when the section has no TreeLayout configured; otherwise
// Mock derives every proof itself from the live tree.
func (m *Mock) Seed(section Section, pageIndex uint32, ciphertext []byte, counter uint32, proof []merkle.ProofStep, hmacTag []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[section][pageIndex] = mockPage{ciphertext: ciphertext, counter: counter, proof: proof, hmac: hmacTag}
	m.setLeaf(section, pageIndex, counter, ciphertext)
}

// Corrupt flips the first byte of a seeded page's ciphertext in place --
// used by tests exercising the tampered-page scenario (spec.md §8
// scenario 3).
func (m *Mock) Corrupt(section Section, pageIndex uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[section][pageIndex]
	if !ok || len(p.ciphertext) == 0 {
		return
	}
	p.ciphertext[0] ^= 0x01
	m.pages[section][pageIndex] = p
}

// ForceProof overrides the proof GetPage hands back for one page,
// regardless of what the live tree would produce -- used by tests
// simulating a host that serves a forged or stale sibling path (spec.md
// §8 scenario 3's Merkle analogue).
func (m *Mock) ForceProof(section Section, pageIndex uint32, proof []merkle.ProofStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forced == nil {
		m.forced = make(map[mockKey][]merkle.ProofStep)
	}
	m.forced[mockKey{section, pageIndex}] = proof
}

// Rewind resets a page's stored (ciphertext, counter) to an earlier
// snapshot -- used by tests exercising the replay scenario (spec.md §8
// scenario 4).
func (m *Mock) Rewind(section Section, pageIndex uint32, snapshot GetPageResp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[section][pageIndex] = mockPage{
		ciphertext: snapshot.Ciphertext,
		counter:    snapshot.Counter,
		proof:      snapshot.Proof,
		hmac:       snapshot.HMAC,
	}
}

func (m *Mock) GetPage(_ context.Context, section Section, pageIndex uint32) (GetPageResp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[section][pageIndex]
	if !ok {
		return GetPageResp{}, ErrNotFound
	}
	proof := p.proof
	if idx, ok := m.combinedIndex(section, pageIndex); ok {
		proof = merkle.BuildProof(m.leaves, idx)
	}
	if forced, ok := m.forced[mockKey{section, pageIndex}]; ok {
		proof = forced
	}
	return GetPageResp{
		Ciphertext: append([]byte(nil), p.ciphertext...),
		Counter:    p.counter,
		Proof:      append([]merkle.ProofStep(nil), proof...),
		HMAC:       append([]byte(nil), p.hmac...),
	}, nil
}

func (m *Mock) CommitPage(_ context.Context, req CommitPageReq) (CommitPageResp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[req.Section][req.PageIndex] = mockPage{
		ciphertext: append([]byte(nil), req.Ciphertext...),
		counter:    req.NewCounter,
	}
	m.setLeaf(req.Section, req.PageIndex, req.NewCounter, req.Ciphertext)

	var newRoot merkle.Digest
	if len(m.leaves) > 0 {
		newRoot = merkle.ComputeRoot(m.leaves)
	}
	// NewMerkleRoot is advisory only: pagecache recomputes and trusts
	// only its own root, derived from UpdateProof.
	return CommitPageResp{NewMerkleRoot: [32]byte(newRoot)}, nil
}

func (m *Mock) Exchange(_ context.Context, payload []byte) ([]byte, error) {
	m.mu.Lock()
	fn := m.exchFn
	m.mu.Unlock()
	if fn == nil {
		return append([]byte(nil), payload...), nil
	}
	return fn(payload), nil
}

// SetExchangeHandler installs a handler used to answer Exchange calls,
// for tests that need a non-echo response (e.g. the attestation
// handshake in package session).
func (m *Mock) SetExchangeHandler(fn func([]byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchFn = fn
}
