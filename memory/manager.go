// Package memory implements the V-App memory manager (spec.md §4.5, C6):
// virtual-address translation into (section, page_index, offset),
// segment permission enforcement, and the persistent per-page counter[]
// table. It is grounded on the teacher's zkvm RVMemory test shape
// (byte/halfword/word accessors, LoadSegment, cross-page splitting) but
// reinterpreted over pagecache.Cache instead of a flat sparse byte map,
// since every access here must be cryptographically authenticated first.
package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/vanadium-vm/vanadium/hostio"
	"github.com/vanadium-vm/vanadium/merkle"
	"github.com/vanadium-vm/vanadium/pagecache"
	"github.com/vanadium-vm/vanadium/pagecodec"
	"github.com/vanadium-vm/vanadium/vmerr"
)

type counterKey struct {
	section   hostio.Section
	pageIndex uint32
}

// CounterTable is the persistent per-page counter[] described in
// spec.md §4.5: fixed size equal to the total number of writable pages,
// reset at session start, strictly monotonic per page for the life of a
// session (I3).
type CounterTable struct {
	counters map[counterKey]uint32
	maxPages int
}

// NewCounterTable allocates a table sized for up to maxPages distinct
// writable pages; Increment panics when asked to track a page beyond that
// bound.
func NewCounterTable(maxPages int) *CounterTable {
	return &CounterTable{counters: make(map[counterKey]uint32, maxPages), maxPages: maxPages}
}

// Get implements pagecache.Counters.
func (t *CounterTable) Get(section hostio.Section, pageIndex uint32) uint32 {
	return t.counters[counterKey{section, pageIndex}]
}

// Increment implements pagecache.Counters: it advances and returns the
// new counter value for a page, first growing the table if this page has
// never been touched before.
func (t *CounterTable) Increment(section hostio.Section, pageIndex uint32) uint32 {
	key := counterKey{section, pageIndex}
	if _, ok := t.counters[key]; !ok && len(t.counters) >= t.maxPages {
		// The table is sized for maxPages distinct pages; a page beyond
		// that was never accounted for in the manifest's declared section
		// sizes, and letting it in silently would violate I3's guarantee
		// over the *whole* counter table. The table reports no Resource
		// fault here; it panics. Session sizes it at DataPages+StackPages
		// and the cache only commits pages inside those layouts, so Manager
		// does not reach this branch.
		panic("memory: counter table capacity exceeded")
	}
	t.counters[key]++
	return t.counters[key]
}

// Reset clears every counter to zero, as spec.md §4.5 requires at the
// start of every session.
func (t *CounterTable) Reset() {
	t.counters = make(map[counterKey]uint32, t.maxPages)
}

// Manager is the memory manager: address translation, permission
// enforcement, and the counter table, all driving a pagecache.Cache.
type Manager struct {
	cache    *pagecache.Cache
	layouts  []pagecache.SectionLayout
	counters *CounterTable
}

// NewManager wires a Manager over a freshly constructed page cache.
func NewManager(oracle hostio.Oracle, layouts []pagecache.SectionLayout, staticKeys, dynamicKeys pagecodec.Keys, dataRoot *merkle.Digest, numCacheSlots int, maxCounterPages int) *Manager {
	counters := NewCounterTable(maxCounterPages)
	cache := pagecache.New(oracle, layouts, staticKeys, dynamicKeys, counters, dataRoot, numCacheSlots)
	return &Manager{cache: cache, layouts: layouts, counters: counters}
}

// Reset reinitializes the counter table for a new session (spec.md
// §4.5); the cache itself holds no state that survives RunApp boundaries
// beyond what Teardown already zeroises.
func (m *Manager) Reset() {
	m.counters.Reset()
}

func (m *Manager) layoutFor(addr uint32) (pagecache.SectionLayout, error) {
	for _, l := range m.layouts {
		if addr < l.Base {
			continue
		}
		if (addr-l.Base)/pagecodec.PageSize < l.PageCount {
			return l, nil
		}
	}
	return pagecache.SectionLayout{}, vmerr.New(vmerr.VmFault, "memory.layoutFor", fmt.Errorf("address %#x outside all sections", addr))
}

func checkAligned(addr uint32, size int) error {
	if size == 2 && addr%2 != 0 {
		return vmerr.New(vmerr.VmFault, "memory.align", fmt.Errorf("misaligned halfword access at %#x", addr))
	}
	if size == 4 && addr%4 != 0 {
		return vmerr.New(vmerr.VmFault, "memory.align", fmt.Errorf("misaligned word access at %#x", addr))
	}
	return nil
}

// ReadBytes copies n bytes starting at addr out of the cache, splitting
// the access across a page boundary when necessary; per spec.md §4.5
// the second half of a split access is only attempted if the first
// succeeded, which falls out naturally from this loop running in order.
func (m *Manager) ReadBytes(addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	off := 0
	for off < n {
		cur := addr + uint32(off)
		pageOff := int(cur % pagecodec.PageSize)
		chunk := int(pagecodec.PageSize) - pageOff
		if chunk > n-off {
			chunk = n - off
		}
		page, err := m.cache.Access(cur, pagecache.Read)
		if err != nil {
			return nil, err
		}
		copy(out[off:off+chunk], page[pageOff:pageOff+chunk])
		off += chunk
	}
	return out, nil
}

// WriteBytes writes data starting at addr, splitting across a page
// boundary when necessary, under the same ordering guarantee as
// ReadBytes.
func (m *Manager) WriteBytes(addr uint32, data []byte) error {
	layout, err := m.layoutFor(addr)
	if err != nil {
		return err
	}
	if !layout.Mutable {
		return vmerr.New(vmerr.VmFault, "memory.WriteBytes", fmt.Errorf("write to read-only section at %#x", addr))
	}

	off := 0
	for off < len(data) {
		cur := addr + uint32(off)
		pageOff := int(cur % pagecodec.PageSize)
		chunk := int(pagecodec.PageSize) - pageOff
		if chunk > len(data)-off {
			chunk = len(data) - off
		}
		page, err := m.cache.Access(cur, pagecache.Write)
		if err != nil {
			return err
		}
		copy(page[pageOff:pageOff+chunk], data[off:off+chunk])
		off += chunk
	}
	return nil
}

// ReadByte, ReadHalfword, and ReadWord load little-endian values of the
// named width (RV32I is little-endian); halfword and word loads enforce
// RV32I's natural-alignment rule (spec.md §4.5).
func (m *Manager) ReadByte(addr uint32) (byte, error) {
	b, err := m.ReadBytes(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Manager) ReadHalfword(addr uint32) (uint16, error) {
	if err := checkAligned(addr, 2); err != nil {
		return 0, err
	}
	b, err := m.ReadBytes(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *Manager) ReadWord(addr uint32) (uint32, error) {
	if err := checkAligned(addr, 4); err != nil {
		return 0, err
	}
	b, err := m.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Manager) WriteByte(addr uint32, v byte) error {
	return m.WriteBytes(addr, []byte{v})
}

func (m *Manager) WriteHalfword(addr uint32, v uint16) error {
	if err := checkAligned(addr, 2); err != nil {
		return err
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.WriteBytes(addr, b[:])
}

func (m *Manager) WriteWord(addr uint32, v uint32) error {
	if err := checkAligned(addr, 4); err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WriteBytes(addr, b[:])
}

// FetchHalfword reads the first 16 bits of an instruction at addr,
// enough for the interpreter to tell a compressed instruction from the
// first half of a 32-bit one. Instruction fetch is only valid from CODE
// (spec.md §4.5's NonExecutable rule) and only needs 2-byte alignment,
// since RVC instructions are halfword-granular.
func (m *Manager) FetchHalfword(addr uint32) (uint16, error) {
	layout, err := m.layoutFor(addr)
	if err != nil {
		return 0, err
	}
	if layout.Section != hostio.SectionCode {
		return 0, vmerr.New(vmerr.VmFault, "memory.FetchHalfword", fmt.Errorf("fetch from non-executable section at %#x", addr))
	}
	if addr%2 != 0 {
		return 0, vmerr.New(vmerr.VmFault, "memory.FetchHalfword", fmt.Errorf("misaligned fetch at %#x", addr))
	}
	b, err := m.ReadBytes(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// FetchWord reads a full 32-bit instruction at addr, used once the
// interpreter has determined the instruction at addr is not compressed.
func (m *Manager) FetchWord(addr uint32) (uint32, error) {
	layout, err := m.layoutFor(addr)
	if err != nil {
		return 0, err
	}
	if layout.Section != hostio.SectionCode {
		return 0, vmerr.New(vmerr.VmFault, "memory.FetchWord", fmt.Errorf("fetch from non-executable section at %#x", addr))
	}
	if addr%2 != 0 {
		return 0, vmerr.New(vmerr.VmFault, "memory.FetchWord", fmt.Errorf("misaligned fetch at %#x", addr))
	}
	b, err := m.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// FlushAll and InvalidateStackTail delegate to the underlying cache
// (spec.md §4.4's public contract); the memory manager is the only
// caller that should ever reach into the cache directly.
func (m *Manager) FlushAll() error {
	return m.cache.FlushAll()
}

func (m *Manager) InvalidateStackTail(newSP uint32) {
	m.cache.InvalidateStackTail(newSP)
}

func (m *Manager) Teardown() {
	m.cache.Teardown()
}
