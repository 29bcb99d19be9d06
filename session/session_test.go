package session

import (
	"context"
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/vanadium-vm/vanadium/hostio"
	"github.com/vanadium-vm/vanadium/manifest"
	"github.com/vanadium-vm/vanadium/merkle"
	"github.com/vanadium-vm/vanadium/pagecodec"
	"github.com/vanadium-vm/vanadium/vmerr"
)

const (
	testCodeStart  = 0x1000
	testDataStart  = 0x2000
	testStackStart = 0x3000
)

// ecallWord is the bit pattern of a bare ECALL instruction (SYSTEM
// opcode, every other field zero) -- with every register starting at
// zero, a7 already reads EcallExit, so this single instruction is a
// complete, immediately-exiting V-App.
const ecallWord uint32 = 0x73

func putWordsLE(page []byte, words []uint32) {
	for i, w := range words {
		page[i*4] = byte(w)
		page[i*4+1] = byte(w >> 8)
		page[i*4+2] = byte(w >> 16)
		page[i*4+3] = byte(w >> 24)
	}
}

// fixture bundles one fully-wired, not-yet-booted test app: a signed,
// registered manifest; a registry that already knows it; a mock host
// oracle seeded with the CODE page; and the static keys it was sealed
// under.
type fixture struct {
	m          *manifest.Manifest
	registry   *manifest.Registry
	oracle     *hostio.Mock
	staticKeys pagecodec.Keys
	authKey    [32]byte
	dataImage  [][]byte
	stackPages int
}

func newFixture(t *testing.T, codeWords []uint32, dataPages [][]byte, stackPages int) *fixture {
	t.Helper()

	staticKeys := pagecodec.Keys{}
	var err error
	if staticKeys.AES, err = randomKey32(); err != nil {
		t.Fatalf("randomKey32: %v", err)
	}
	if staticKeys.HMAC, err = randomKey32(); err != nil {
		t.Fatalf("randomKey32: %v", err)
	}

	codePlaintext := make([]byte, pagecodec.PageSize)
	putWordsLE(codePlaintext, codeWords)
	ciphertext, tag, err := pagecodec.Encrypt(staticKeys, testCodeStart, 0, codePlaintext)
	if err != nil {
		t.Fatalf("Encrypt code page: %v", err)
	}
	pageHash := pagecodec.PageHash(testCodeStart, 0, ciphertext)
	codeRoot := merkle.ComputeRoot([]merkle.Digest{pageHash})

	m := &manifest.Manifest{
		Name:          "test-app",
		VappVersion:   [3]byte{1, 0, 0},
		Entrypoint:    testCodeStart,
		CodeStart:     testCodeStart,
		CodePages:     1,
		CodeRoot:      codeRoot,
		DataStart:     testDataStart,
		DataPages:     uint32(len(dataPages)),
		StackStart:    testStackStart,
		StackPages:    uint32(stackPages),
		NStorageSlots: 0,
	}

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	vappHash, err := m.VappHash()
	if err != nil {
		t.Fatalf("VappHash: %v", err)
	}

	registry := manifest.NewRegistry()
	if err := registry.Put(manifest.Entry{Name: m.Name, VappHash: vappHash}); err != nil {
		t.Fatalf("registry.Put: %v", err)
	}

	oracle := hostio.NewMock()
	oracle.Seed(hostio.SectionCode, 0, ciphertext, 0, nil, tag)

	authKey, err := randomKey32()
	if err != nil {
		t.Fatalf("randomKey32: %v", err)
	}

	return &fixture{
		m: m, registry: registry, oracle: oracle,
		staticKeys: staticKeys, authKey: authKey,
		dataImage: dataPages, stackPages: stackPages,
	}
}

func (f *fixture) newSession() *Session {
	s := NewSession(f.registry, f.oracle, f.authKey)
	s.staticKeys = f.staticKeys
	return s
}

func (f *fixture) codePageHashes() []merkle.Digest {
	resp, err := f.oracle.GetPage(context.Background(), hostio.SectionCode, 0)
	if err != nil {
		panic(err)
	}
	return []merkle.Digest{pagecodec.PageHash(testCodeStart, resp.Counter, resp.Ciphertext)}
}

func TestSession_EmptyProgramExitsImmediately(t *testing.T) {
	f := newFixture(t, []uint32{ecallWord}, nil, 1)
	s := f.newSession()

	if err := s.Boot(f.m, f.codePageHashes(), f.dataImage, f.stackPages, 4, 100, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if s.State() != StateLoaded {
		t.Fatalf("State() = %v, want Loaded", s.State())
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != StateExited {
		t.Fatalf("State() = %v, want Exited", s.State())
	}
}

func TestSession_GracefulExitAfterWork(t *testing.T) {
	// ADDI x10, x0, 5 ; ECALL (a7 already 0 == EcallExit)
	addi := (uint32(5&0xFFF) << 20) | (0 << 15) | (0 << 12) | (10 << 7) | 0x13
	f := newFixture(t, []uint32{addi, ecallWord}, nil, 1)
	s := f.newSession()

	if err := s.Boot(f.m, f.codePageHashes(), f.dataImage, f.stackPages, 4, 100, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != StateExited {
		t.Fatalf("State() = %v, want Exited", s.State())
	}
}

func TestSession_InstructionLimitFaults(t *testing.T) {
	const jal uint32 = 0x6F // JAL x0, +0: every field zero but the opcode, an infinite self-loop
	f := newFixture(t, []uint32{jal}, nil, 1)
	s := f.newSession()

	if err := s.Boot(f.m, f.codePageHashes(), f.dataImage, f.stackPages, 4, 10, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	err := s.Run()
	if err == nil {
		t.Fatal("Run unexpectedly succeeded against an infinite loop")
	}
	if s.State() != StateFaulted {
		t.Fatalf("State() = %v, want Faulted", s.State())
	}
}

func TestSession_TamperedCodeIsRejected(t *testing.T) {
	f := newFixture(t, []uint32{ecallWord}, nil, 1)
	s := f.newSession()

	if err := s.Boot(f.m, f.codePageHashes(), f.dataImage, f.stackPages, 4, 100, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	f.oracle.Corrupt(hostio.SectionCode, 0)

	err := s.Run()
	if err == nil {
		t.Fatal("Run unexpectedly succeeded against a tampered code page")
	}
	var fault *vmerr.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("error is not a *vmerr.Fault: %v", err)
	}
	if fault.Kind != vmerr.AuthFail {
		t.Errorf("Kind = %v, want AuthFail", fault.Kind)
	}
}

func TestSession_AttestationRejectsWrongCodeRoot(t *testing.T) {
	f := newFixture(t, []uint32{ecallWord}, nil, 1)
	s := f.newSession()

	wrongHashes := []merkle.Digest{{0xFF}}
	err := s.Boot(f.m, wrongHashes, f.dataImage, f.stackPages, 4, 100, nil)
	if err == nil {
		t.Fatal("Boot unexpectedly succeeded with a forged code page hash")
	}
	var fault *vmerr.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("error is not a *vmerr.Fault: %v", err)
	}
	if fault.Kind != vmerr.AuthFail {
		t.Errorf("Kind = %v, want AuthFail", fault.Kind)
	}
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want Idle after a failed Boot", s.State())
	}
}

func TestSession_CounterMonotonicity(t *testing.T) {
	f := newFixture(t, []uint32{ecallWord}, nil, 1)
	s := f.newSession()
	if err := s.Boot(f.m, f.codePageHashes(), f.dataImage, f.stackPages, 1, 100, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	mem := s.Memory()
	var lastCounter uint32
	for i := 0; i < 3; i++ {
		if err := mem.WriteWord(testStackStart, uint32(i+1)); err != nil {
			t.Fatalf("WriteWord: %v", err)
		}
		if err := mem.FlushAll(); err != nil {
			t.Fatalf("FlushAll: %v", err)
		}
		resp, err := f.oracle.GetPage(context.Background(), hostio.SectionStack, 0)
		if err != nil {
			t.Fatalf("GetPage: %v", err)
		}
		if resp.Counter <= lastCounter {
			t.Fatalf("counter did not increase: got %d, previous %d", resp.Counter, lastCounter)
		}
		lastCounter = resp.Counter
	}
}

func TestSession_ReplayedPageIsRejected(t *testing.T) {
	f := newFixture(t, []uint32{ecallWord}, nil, 1)
	s := f.newSession()
	if err := s.Boot(f.m, f.codePageHashes(), f.dataImage, f.stackPages, 1, 100, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	mem := s.Memory()
	snapshot, err := f.oracle.GetPage(context.Background(), hostio.SectionStack, 0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}

	if err := mem.WriteWord(testStackStart, 0x42); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	if err := mem.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	f.oracle.Rewind(hostio.SectionStack, 0, snapshot)

	_, err = mem.ReadWord(testStackStart)
	if err == nil {
		t.Fatal("ReadWord unexpectedly succeeded against a replayed page")
	}
	var fault *vmerr.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("error is not a *vmerr.Fault: %v", err)
	}
	if fault.Kind != vmerr.Replay {
		t.Errorf("Kind = %v, want Replay", fault.Kind)
	}
}

func TestSession_ForgedProofIsRejected(t *testing.T) {
	f := newFixture(t, []uint32{ecallWord}, nil, 1)
	s := f.newSession()
	if err := s.Boot(f.m, f.codePageHashes(), f.dataImage, f.stackPages, 1, 100, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	// Force an eviction so the stack page goes cold, then corrupt the
	// proof the host hands back on the next fill.
	mem := s.Memory()
	if err := mem.WriteWord(testStackStart, 0x1); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	if err := mem.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	resp, err := f.oracle.GetPage(context.Background(), hostio.SectionStack, 0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	forgedProof := append([]merkle.ProofStep(nil), resp.Proof...)
	if len(forgedProof) == 0 {
		forgedProof = []merkle.ProofStep{{Op: 'L', Digest: merkle.Digest{0x01}}}
	} else {
		forgedProof[0].Digest[0] ^= 0xFF
	}
	f.oracle.ForceProof(hostio.SectionStack, 0, forgedProof)

	_, err = mem.ReadWord(testStackStart)
	if err == nil {
		t.Fatal("ReadWord unexpectedly succeeded against a forged Merkle proof")
	}
	var fault *vmerr.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("error is not a *vmerr.Fault: %v", err)
	}
	if fault.Kind != vmerr.AuthFail {
		t.Errorf("Kind = %v, want AuthFail", fault.Kind)
	}
}

func TestSession_RegisterAndBootRoundTrip(t *testing.T) {
	f := newFixture(t, []uint32{ecallWord}, nil, 1)

	// Build a second, un-registered manifest/registry pair through the
	// full Register flow instead of newFixture's shortcut, to exercise
	// the signature-check, approval, and sealing path end to end.
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	m := &manifest.Manifest{
		Name:       "registered-app",
		CodeStart:  testCodeStart,
		CodePages:  1,
		DataStart:  testDataStart,
		StackStart: testStackStart,
		StackPages: 1,
	}
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	registry := manifest.NewRegistry()
	var sealKey [32]byte
	copy(sealKey[:], "0123456789abcdef0123456789abcde")
	approved := false
	blob, err := Register(registry, m, priv.PubKey(), func(string, [3]byte, [32]byte) bool {
		approved = true
		return true
	}, sealKey)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !approved {
		t.Fatal("Register did not call the approver")
	}
	if registry.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", registry.Count())
	}

	keys, err := UnsealStaticKeys(sealKey, blob)
	if err != nil {
		t.Fatalf("UnsealStaticKeys: %v", err)
	}

	s := NewSession(registry, f.oracle, f.authKey)
	if err := s.SetStaticKeys(keys); err != nil {
		t.Fatalf("SetStaticKeys: %v", err)
	}
}

func TestSession_RegisterRejectsDeclinedApproval(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	m := &manifest.Manifest{Name: "declined-app"}
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	registry := manifest.NewRegistry()
	var sealKey [32]byte
	_, err = Register(registry, m, priv.PubKey(), func(string, [3]byte, [32]byte) bool { return false }, sealKey)
	if err == nil {
		t.Fatal("Register unexpectedly succeeded after a declined approval")
	}
	if registry.Count() != 0 {
		t.Errorf("Count() = %d after declined approval, want 0", registry.Count())
	}
}

