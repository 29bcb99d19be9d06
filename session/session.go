// Package session drives one V-App's lifecycle end to end (spec.md §4.7,
// C8/C9): registration, the code-attestation bootstrap, RunApp, and
// teardown. It is grounded on the teacher's node.LifecycleManager
// enum-state idiom -- a named State, a String() method, and
// state-gated transitions -- collapsed from an N-service container
// down to the single fixed FSM spec.md §4.6 names: Idle -> Loaded ->
// Running -> {Exited, Faulted}.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/vanadium-vm/vanadium/cpu"
	"github.com/vanadium-vm/vanadium/hostio"
	"github.com/vanadium-vm/vanadium/log"
	"github.com/vanadium-vm/vanadium/manifest"
	"github.com/vanadium-vm/vanadium/memory"
	"github.com/vanadium-vm/vanadium/merkle"
	"github.com/vanadium-vm/vanadium/metrics"
	"github.com/vanadium-vm/vanadium/pagecache"
	"github.com/vanadium-vm/vanadium/pagecodec"
	"github.com/vanadium-vm/vanadium/vmerr"
)

// State is the session's lifecycle (spec.md §4.6, generalized to cover
// bootstrap as well as execution).
type State int

const (
	StateIdle State = iota
	StateLoaded
	StateRunning
	StateExited
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

var (
	// ErrWrongState is returned when a Session method is called out of
	// the order the FSM requires.
	ErrWrongState = errors.New("session: called in the wrong state")
	// ErrNotRegistered mirrors manifest.ErrNotRegistered at the session
	// boundary, for callers that only import package session.
	ErrNotRegistered = manifest.ErrNotRegistered
)

// EcallHandler answers ECALL numbers the interpreter's base ABI
// doesn't own (spec.md §1's crypto/BIP32/UI collaborators). It has the
// exact shape of cpu.ExtFunc; session only documents the extension
// point, per SPEC_FULL.md §3 -- no handler beyond EXIT/PANIC/XCHG ships
// a body here.
type EcallHandler = cpu.ExtFunc

// Session holds everything C6-C9 need for one V-App run: the manifest,
// the registry it was looked up in, the live memory manager, the CPU,
// and the cryptographic material the bootstrap protocol derived.
//
// Not safe for concurrent use (spec.md §5): a session drives exactly
// one V-App, synchronously, with no background goroutines.
type Session struct {
	log      *log.Logger
	registry *manifest.Registry
	oracle   hostio.Oracle

	m     *manifest.Manifest
	entry manifest.Entry

	staticKeys  pagecodec.Keys
	dynamicKeys pagecodec.Keys
	authKey     [32]byte
	appAuthKey  [32]byte
	ephemeralSK [32]byte

	dataRoot merkle.Digest

	mem *memory.Manager
	cpu *cpu.CPU

	state State
}

// NewSession constructs an idle session against registry and oracle.
// authKey is the Vanadium VM app's own persistent key (spec.md §4.7
// step 2: "created on first boot ... and persisted"); callers load it
// from wherever the emulator's persisted SE state lives.
func NewSession(registry *manifest.Registry, oracle hostio.Oracle, authKey [32]byte) *Session {
	return &Session{
		log:      log.Default().Module("session"),
		registry: registry,
		oracle:   oracle,
		authKey:  authKey,
		state:    StateIdle,
	}
}

func (s *Session) State() State { return s.state }

// sectionLayouts derives the three SectionLayout descriptors from the
// manifest (spec.md §3's section descriptor, §6's manifest layout).
func sectionLayouts(m *manifest.Manifest) []pagecache.SectionLayout {
	return []pagecache.SectionLayout{
		{Section: hostio.SectionCode, Base: m.CodeStart, PageCount: m.CodePages, Mutable: false},
		{Section: hostio.SectionData, Base: m.DataStart, PageCount: m.DataPages, Mutable: true},
		{Section: hostio.SectionStack, Base: m.StackStart, PageCount: m.StackPages, Mutable: true},
	}
}

// oracleExchanger adapts hostio.Oracle's context-taking Exchange to the
// plain cpu.Exchanger the interpreter's EcallXchg trap needs: spec.md
// §5's single-threaded, non-cancellable RPC model means there is never
// a real per-call context to pass through (noctx, the same stance
// package pagecache takes toward the same RPC surface).
type oracleExchanger struct {
	oracle hostio.Oracle
}

func (o oracleExchanger) Exchange(payload []byte) ([]byte, error) {
	return o.oracle.Exchange(context.Background(), payload)
}

// Boot runs registration lookup and the code-attestation protocol
// (spec.md §4.7 steps 1-6), wiring the resulting memory manager and
// CPU. pageHashes must list the CODE section's page_hash_i values in
// increasing index order; dataImage and stackPages give the initial
// plaintext of the DATA and STACK sections, in page order.
//
// On success the session is in StateLoaded, ready for Run. On any
// authentication failure Boot tears the session down and returns a
// vmerr.Fault with Kind AuthFail or Protocol.
func (s *Session) Boot(m *manifest.Manifest, pageHashes []merkle.Digest, dataImage [][]byte, stackPages int, numCacheSlots int, instrLimit uint64, ext EcallHandler) error {
	if s.state != StateIdle {
		return fmt.Errorf("session.Boot: %w: state %v", ErrWrongState, s.state)
	}

	vappHash, err := m.VappHash()
	if err != nil {
		return vmerr.New(vmerr.Protocol, "session.Boot", err)
	}
	entry, err := s.registry.Lookup(m.Name)
	if err != nil {
		return vmerr.New(vmerr.AuthFail, "session.Boot", err)
	}
	if entry.VappHash != vappHash {
		return vmerr.New(vmerr.AuthFail, "session.Boot", fmt.Errorf("vapp_hash mismatch for %q", m.Name))
	}

	dynamicKeys, ephemeralSK, err := freshDynamicMaterial()
	if err != nil {
		return vmerr.New(vmerr.Protocol, "session.Boot", err)
	}
	appAuthKey := deriveAppAuthKey(s.authKey, vappHash)

	bootstrap := newAttestation(appAuthKey, ephemeralSK, vappHash, m.CodeRoot)
	for i, h := range pageHashes {
		if _, err := bootstrap.attest(uint32(i), h); err != nil {
			return err
		}
	}
	if err := bootstrap.finish(); err != nil {
		s.log.Error("code attestation failed", "app", m.Name, "err", err)
		return err
	}

	dataRoot, err := initializeDataSection(s.oracle, dynamicKeys, m, dataImage, stackPages)
	if err != nil {
		return err
	}

	s.m = m
	s.entry = entry
	s.dynamicKeys = dynamicKeys
	s.ephemeralSK = ephemeralSK
	s.appAuthKey = appAuthKey
	s.dataRoot = dataRoot

	layouts := sectionLayouts(m)
	maxCounterPages := int(m.DataPages + m.StackPages)
	s.mem = memory.NewManager(s.oracle, layouts, s.staticKeys, dynamicKeys, &s.dataRoot, numCacheSlots, maxCounterPages)

	s.cpu = cpu.NewCPU(s.mem, oracleExchanger{s.oracle}, instrLimit)
	s.cpu.Ext = ext
	if err := s.cpu.Load(m.Entrypoint); err != nil {
		return vmerr.New(vmerr.Protocol, "session.Boot", err)
	}

	s.state = StateLoaded
	s.log.Info("session booted", "app", m.Name, "entrypoint", m.Entrypoint)
	return nil
}

// Run drives the interpreter to completion: EXIT, an instruction-limit
// fault, or any other fatal vmerr.Fault. Teardown runs on every path.
func (s *Session) Run() error {
	if s.state != StateLoaded {
		return fmt.Errorf("session.Run: %w: state %v", ErrWrongState, s.state)
	}
	s.state = StateRunning
	metrics.SessionsStarted.Inc()

	err := s.cpu.Run()
	if flushErr := s.mem.FlushAll(); err == nil {
		err = flushErr
	}
	s.Teardown()

	if err != nil {
		s.state = StateFaulted
		metrics.SessionsFaulted.Inc()
		s.log.Error("session faulted", "app", s.m.Name, "err", err)
		return err
	}
	s.state = StateExited
	s.log.Info("session exited cleanly", "app", s.m.Name)
	return nil
}

// Teardown zeroises every key and resident plaintext page (spec.md §7:
// "the SE zeroises session-local secrets on any fatal path"), applied
// unconditionally rather than only on error so a clean exit leaves
// nothing behind either.
func (s *Session) Teardown() {
	if s.mem != nil {
		s.mem.Teardown()
	}
	s.dynamicKeys = pagecodec.Keys{}
	s.ephemeralSK = [32]byte{}
	s.appAuthKey = [32]byte{}
	if s.cpu != nil {
		s.cpu.Regs = [cpu.RVRegCount]uint32{}
	}
}

// DataMerkleRoot returns the session's current data_merkle_root, for
// tests asserting P5/P7-style invariants against package pagecache.
func (s *Session) DataMerkleRoot() merkle.Digest { return s.dataRoot }

// CPU exposes the underlying interpreter for tests that need to step
// it directly rather than through Run.
func (s *Session) CPU() *cpu.CPU { return s.cpu }

// Memory exposes the underlying memory manager for tests exercising
// counter and authentication behavior directly against a booted
// session.
func (s *Session) Memory() *memory.Manager { return s.mem }
