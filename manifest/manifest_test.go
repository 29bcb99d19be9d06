package manifest

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func sampleManifest() *Manifest {
	m := &Manifest{
		Name:          "counter-app",
		VappVersion:   [3]byte{1, 0, 0},
		Entrypoint:    0x1000,
		CodeStart:     0x1000,
		CodePages:     4,
		DataStart:     0x2000,
		DataPages:     2,
		StackStart:    0x3000,
		StackPages:    1,
		NStorageSlots: 2,
		Paths:         []string{"m/44'/60'/0'/0/0"},
	}
	m.CodeRoot[0] = 0xAA
	m.DataRoot[0] = 0xBB
	return m
}

func TestManifest_EncodeParseRoundTrip(t *testing.T) {
	m := sampleManifest()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	wire, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Name != m.Name {
		t.Errorf("Name = %q, want %q", got.Name, m.Name)
	}
	if got.Entrypoint != m.Entrypoint || got.CodeStart != m.CodeStart || got.CodePages != m.CodePages {
		t.Errorf("code fields mismatch: %+v vs %+v", got, m)
	}
	if got.CodeRoot != m.CodeRoot || got.DataRoot != m.DataRoot {
		t.Errorf("root mismatch")
	}
	if len(got.Paths) != 1 || got.Paths[0] != m.Paths[0] {
		t.Errorf("Paths = %v, want %v", got.Paths, m.Paths)
	}
	if got.Signature != m.Signature {
		t.Errorf("Signature did not round-trip")
	}
}

func TestManifest_VappHashIgnoresSignature(t *testing.T) {
	m := sampleManifest()
	h1, err := m.VappHash()
	if err != nil {
		t.Fatalf("VappHash: %v", err)
	}
	priv, _ := secp256k1.GeneratePrivateKey()
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	h2, err := m.VappHash()
	if err != nil {
		t.Fatalf("VappHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("VappHash changed after signing; signature must not be part of the hashed body")
	}
}

func TestManifest_VappHashChangesWithContent(t *testing.T) {
	m1 := sampleManifest()
	m2 := sampleManifest()
	m2.Entrypoint++
	h1, _ := m1.VappHash()
	h2, _ := m2.VappHash()
	if h1 == h2 {
		t.Errorf("VappHash did not change when Entrypoint changed")
	}
}

func TestManifest_VerifyAcceptsValidSignature(t *testing.T) {
	m := sampleManifest()
	priv, _ := secp256k1.GeneratePrivateKey()
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := m.Verify(priv.PubKey()); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestManifest_VerifyRejectsWrongKey(t *testing.T) {
	m := sampleManifest()
	priv, _ := secp256k1.GeneratePrivateKey()
	other, _ := secp256k1.GeneratePrivateKey()
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := m.Verify(other.PubKey()); err == nil {
		t.Errorf("Verify unexpectedly succeeded against wrong key")
	}
}

func TestManifest_VerifyRejectsTamperedBody(t *testing.T) {
	m := sampleManifest()
	priv, _ := secp256k1.GeneratePrivateKey()
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	m.Entrypoint++
	if err := m.Verify(priv.PubKey()); err == nil {
		t.Errorf("Verify unexpectedly succeeded after body was tampered with")
	}
}

func TestManifest_ParseRejectsBadMagic(t *testing.T) {
	m := sampleManifest()
	priv, _ := secp256k1.GeneratePrivateKey()
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	wire, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire[0] ^= 0xFF
	if _, err := Parse(wire); err == nil {
		t.Errorf("Parse accepted bad magic")
	}
}

func TestManifest_ParseRejectsBadVersion(t *testing.T) {
	m := sampleManifest()
	priv, _ := secp256k1.GeneratePrivateKey()
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	wire, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire[4] = 99
	if _, err := Parse(wire); err == nil {
		t.Errorf("Parse accepted unsupported version")
	}
}

func TestManifest_ParseRejectsTruncated(t *testing.T) {
	m := sampleManifest()
	priv, _ := secp256k1.GeneratePrivateKey()
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	wire, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Parse(wire[:len(wire)-10]); err == nil {
		t.Errorf("Parse accepted truncated manifest")
	}
}

func TestManifest_ParseRejectsTrailingBytes(t *testing.T) {
	m := sampleManifest()
	priv, _ := secp256k1.GeneratePrivateKey()
	if err := m.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	wire, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire = append(wire, 0x00)
	if _, err := Parse(wire); err == nil {
		t.Errorf("Parse accepted trailing bytes")
	}
}

func TestManifest_EncodeRejectsOversizedName(t *testing.T) {
	m := sampleManifest()
	m.Name = string(make([]byte, MaxNameLen+1))
	if _, err := m.Encode(); err == nil {
		t.Errorf("Encode accepted an oversized name")
	}
}

func TestRegistry_PutLookup(t *testing.T) {
	r := NewRegistry()
	e := Entry{Name: "counter-app"}
	e.VappHash[0] = 0x01
	if err := r.Put(e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := r.Lookup("counter-app")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.VappHash != e.VappHash {
		t.Errorf("VappHash = %v, want %v", got.VappHash, e.VappHash)
	}
}

func TestRegistry_LookupMiss(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("nonexistent"); err == nil {
		t.Errorf("Lookup succeeded for an unregistered name")
	}
}

func TestRegistry_ReinsertReplaces(t *testing.T) {
	r := NewRegistry()
	e := Entry{Name: "counter-app"}
	e.VappHash[0] = 0x01
	if err := r.Put(e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e.VappHash[0] = 0x02
	if err := r.Put(e); err != nil {
		t.Fatalf("reinsert Put: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d after reinsert, want 1", r.Count())
	}
	got, err := r.Lookup("counter-app")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.VappHash[0] != 0x02 {
		t.Errorf("reinsert did not replace VappHash")
	}
}

func TestRegistry_CapacityEnforced(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < RegistryCapacity; i++ {
		name := string(rune('a' + i%26))
		if i >= 26 {
			name = name + string(rune('0'+i/26))
		}
		if err := r.Put(Entry{Name: name}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if r.Count() != RegistryCapacity {
		t.Fatalf("Count = %d, want %d", r.Count(), RegistryCapacity)
	}
	if err := r.Put(Entry{Name: "one-too-many"}); err == nil {
		t.Errorf("Put succeeded past capacity")
	}
}

func TestRegistry_DeleteFreesCapacity(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(Entry{Name: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r.Delete("a")
	if r.Count() != 0 {
		t.Errorf("Count = %d after Delete, want 0", r.Count())
	}
	if _, err := r.Lookup("a"); err == nil {
		t.Errorf("Lookup succeeded after Delete")
	}
}

func TestRegistry_SetStorage(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(Entry{Name: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var v [32]byte
	v[0] = 0x42
	if err := r.SetStorage("a", 1, v); err != nil {
		t.Fatalf("SetStorage: %v", err)
	}
	got, err := r.Lookup("a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Storage[1] != v {
		t.Errorf("Storage[1] = %v, want %v", got.Storage[1], v)
	}
}

func TestRegistry_SetStorageRejectsOutOfRangeSlot(t *testing.T) {
	r := NewRegistry()
	if err := r.Put(Entry{Name: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := r.SetStorage("a", MaxStorageSlots, [32]byte{}); err == nil {
		t.Errorf("SetStorage accepted an out-of-range slot")
	}
}
