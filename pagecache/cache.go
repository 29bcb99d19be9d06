// Package pagecache implements the small fixed-size set-associative page
// cache (spec.md §4.4, C5): the only place the VM ever holds
// cryptographically verified plaintext. It is grounded on the teacher's
// crypto/signature_cache.go -- a map plus an LRU recency structure with
// hit/miss counters -- but diverges from it in two deliberate ways that
// spec.md §4.4/§5 require: slots track an explicit lru_counter field
// rather than a doubly-linked list (the cache is at most 8 slots, so a
// linear scan for the minimum is simpler and just as fast), and there is
// no mutex, since spec.md §5 mandates the cache is never touched
// concurrently.
package pagecache

import (
	"context"
	"fmt"
	"time"

	"github.com/vanadium-vm/vanadium/hostio"
	"github.com/vanadium-vm/vanadium/log"
	"github.com/vanadium-vm/vanadium/merkle"
	"github.com/vanadium-vm/vanadium/metrics"
	"github.com/vanadium-vm/vanadium/pagecodec"
	"github.com/vanadium-vm/vanadium/vmerr"
)

// noctx stands in for a per-call context: spec.md §5's single-threaded,
// non-cancellable RPC model means the cache never needs to plumb a real
// one through from the interpreter loop.
var noctx = context.Background()

// Mode is the access mode passed to Access (spec.md §4.4).
type Mode int

const (
	Read Mode = iota
	Write
)

// Counters is the counter[] table owned by the memory manager (spec.md
// §4.5); the cache reads it on fill and asks it to advance on commit, but
// never owns it.
type Counters interface {
	Get(section hostio.Section, pageIndex uint32) uint32
	Increment(section hostio.Section, pageIndex uint32) uint32
}

// SectionLayout describes one of the three V-App sections well enough
// for the cache to translate an address into (section, page_index) and
// pick the right authentication scheme: CODE is immutable and
// HMAC-authenticated under static keys; DATA/STACK are mutable and
// Merkle-authenticated under dynamic keys (spec.md §4.2, §4.4's Fill
// paragraph).
type SectionLayout struct {
	Section   hostio.Section
	Base      uint32
	PageCount uint32
	Mutable   bool
}

func (l SectionLayout) contains(addr uint32) bool {
	if addr < l.Base {
		return false
	}
	pageIdx := (addr - l.Base) / pagecodec.PageSize
	return pageIdx < l.PageCount
}

func (l SectionLayout) pageIndex(addr uint32) uint32 {
	return (addr - l.Base) / pagecodec.PageSize
}

func (l SectionLayout) pageBase(pageIndex uint32) uint32 {
	return l.Base + pageIndex*pagecodec.PageSize
}

type pageKey struct {
	section   hostio.Section
	pageIndex uint32
}

type slot struct {
	used       bool
	key        pageKey
	plaintext  [pagecodec.PageSize]byte
	dirty      bool
	lruCounter uint64
	// leafHash is the page_hash currently authenticated against the
	// session's data_merkle_root, for mutable pages only. evict verifies
	// the freshly fetched sibling path against it, so the hash of the
	// previously committed ciphertext never has to be re-derived.
	leafHash merkle.Digest
}

// Cache is the fixed-size page cache. It is not safe for concurrent use.
type Cache struct {
	oracle      hostio.Oracle
	layouts     []SectionLayout
	staticKeys  pagecodec.Keys
	dynamicKeys pagecodec.Keys
	counters    Counters
	dataRoot    *merkle.Digest

	slots []slot
	clock uint64
	log   *log.Logger
}

// New builds a Cache with numSlots resident slots (spec.md recommends
// 4-8). dataRoot is the session's live data_merkle_root; Access and
// evict mutate it in place as pages are authenticated and recommitted.
func New(oracle hostio.Oracle, layouts []SectionLayout, staticKeys, dynamicKeys pagecodec.Keys, counters Counters, dataRoot *merkle.Digest, numSlots int) *Cache {
	return &Cache{
		oracle:      oracle,
		layouts:     layouts,
		staticKeys:  staticKeys,
		dynamicKeys: dynamicKeys,
		counters:    counters,
		dataRoot:    dataRoot,
		slots:       make([]slot, numSlots),
		log:         log.Default().Module("pagecache"),
	}
}

func (c *Cache) layoutFor(addr uint32) (SectionLayout, error) {
	for _, l := range c.layouts {
		if l.contains(addr) {
			return l, nil
		}
	}
	return SectionLayout{}, vmerr.New(vmerr.VmFault, "pagecache.layoutFor", fmt.Errorf("address %#x outside all sections", addr))
}

func (c *Cache) find(key pageKey) int {
	for i := range c.slots {
		if c.slots[i].used && c.slots[i].key == key {
			return i
		}
	}
	return -1
}

// Access returns a pointer to the 256-byte plaintext page containing
// addr, filling it from the host on a miss and marking it dirty when
// mode is Write (spec.md §4.4).
func (c *Cache) Access(addr uint32, mode Mode) (*[pagecodec.PageSize]byte, error) {
	layout, err := c.layoutFor(addr)
	if err != nil {
		return nil, err
	}
	key := pageKey{section: layout.Section, pageIndex: layout.pageIndex(addr)}

	idx := c.find(key)
	if idx < 0 {
		idx, err = c.fill(layout, key)
		if err != nil {
			return nil, err
		}
	} else {
		metrics.CacheHits.Inc()
	}

	c.clock++
	c.slots[idx].lruCounter = c.clock
	if mode == Write {
		if !layout.Mutable {
			return nil, vmerr.New(vmerr.VmFault, "pagecache.Access", fmt.Errorf("write to read-only section %v", layout.Section))
		}
		c.slots[idx].dirty = true
	}
	return &c.slots[idx].plaintext, nil
}

// fill loads a page from the host into a free or evicted slot and
// returns its index.
func (c *Cache) fill(layout SectionLayout, key pageKey) (int, error) {
	idx := c.selectSlot()
	if idx < 0 {
		return -1, vmerr.New(vmerr.Resource, "pagecache.fill", fmt.Errorf("no evictable slot"))
	}
	if c.slots[idx].used {
		if err := c.evict(idx); err != nil {
			return -1, err
		}
	}

	start := time.Now()
	resp, err := c.oracle.GetPage(noctx, key.section, key.pageIndex)
	metrics.HostLatency.Observe(float64(time.Since(start).Milliseconds()))
	metrics.HostRoundTrips.Inc()
	metrics.HostRoundTripRate.Mark(1)
	if err != nil {
		return -1, vmerr.New(vmerr.Transport, "pagecache.fill", err)
	}
	metrics.CacheMisses.Inc()

	addr := layout.pageBase(key.pageIndex)
	keys := c.keysFor(layout)

	var plaintext []byte
	var leafHash merkle.Digest

	if layout.Mutable {
		if resp.Counter != c.counters.Get(key.section, key.pageIndex) {
			return -1, vmerr.New(vmerr.Replay, "pagecache.fill", fmt.Errorf("counter mismatch for %v[%d]", key.section, key.pageIndex))
		}
		leafHash = pagecodec.PageHash(addr, resp.Counter, resp.Ciphertext)
		ok, err := merkle.VerifyProof(leafHash, merkle.Proof(resp.Proof), *c.dataRoot)
		if err != nil {
			return -1, vmerr.New(vmerr.Protocol, "pagecache.fill", err)
		}
		if !ok {
			return -1, vmerr.New(vmerr.AuthFail, "pagecache.fill", fmt.Errorf("merkle proof mismatch for %v[%d]", key.section, key.pageIndex))
		}

		plaintext, err = pagecodec.DecryptNoMAC(keys, addr, resp.Ciphertext)
		if err != nil {
			return -1, vmerr.New(vmerr.Protocol, "pagecache.fill", err)
		}
	} else {
		plaintext, err = pagecodec.Decrypt(keys, addr, resp.Counter, resp.Ciphertext, resp.HMAC)
		if err != nil {
			return -1, vmerr.New(vmerr.AuthFail, "pagecache.fill", err)
		}
	}

	c.slots[idx] = slot{used: true, key: key, leafHash: leafHash}
	copy(c.slots[idx].plaintext[:], plaintext)
	metrics.ResidentPages.Inc()
	c.log.Debug("fill", "section", key.section, "page_index", key.pageIndex)
	return idx, nil
}

func (c *Cache) keysFor(layout SectionLayout) pagecodec.Keys {
	if layout.Mutable {
		return c.dynamicKeys
	}
	return c.staticKeys
}

// selectSlot returns the index of a free slot if one exists, otherwise
// the least-recently-used slot.
func (c *Cache) selectSlot() int {
	for i := range c.slots {
		if !c.slots[i].used {
			return i
		}
	}
	lru := 0
	for i := range c.slots {
		if c.slots[i].lruCounter < c.slots[lru].lruCounter {
			lru = i
		}
	}
	return lru
}

// evict writes back a dirty slot (re-encrypt, bump counter, commit,
// update the root) or simply zeroises a clean one, per spec.md §4.4.
func (c *Cache) evict(idx int) error {
	s := &c.slots[idx]
	if !s.dirty {
		s.plaintext = [pagecodec.PageSize]byte{}
		s.used = false
		metrics.ResidentPages.Dec()
		return nil
	}

	layout, err := c.layoutForKey(s.key)
	if err != nil {
		return err
	}
	addr := layout.pageBase(s.key.pageIndex)
	newCounter := c.counters.Increment(s.key.section, s.key.pageIndex)
	keys := c.keysFor(layout)

	ciphertext, _, err := pagecodec.Encrypt(keys, addr, newCounter, s.plaintext[:])
	if err != nil {
		return vmerr.New(vmerr.Protocol, "pagecache.evict", err)
	}
	hash := pagecodec.PageHash(addr, newCounter, ciphertext)

	// The SE never retains the tree, so the only sibling path it can
	// trust is one fetched and verified against the root as it stands
	// right now, immediately before this commit. A path cached from an
	// earlier fill (or a previous eviction of a different page) may have
	// been invalidated by any intervening commit that touched a shared
	// ancestor, so it is never reused across evictions.
	cur, err := c.oracle.GetPage(noctx, s.key.section, s.key.pageIndex)
	metrics.HostRoundTrips.Inc()
	metrics.HostRoundTripRate.Mark(1)
	if err != nil {
		return vmerr.New(vmerr.Transport, "pagecache.evict", err)
	}
	if cur.Counter+1 != newCounter {
		return vmerr.New(vmerr.Replay, "pagecache.evict", fmt.Errorf("counter mismatch for %v[%d]", s.key.section, s.key.pageIndex))
	}
	proof := merkle.Proof(cur.Proof)
	ok, err := merkle.VerifyProof(s.leafHash, proof, *c.dataRoot)
	if err != nil {
		return vmerr.New(vmerr.Protocol, "pagecache.evict", err)
	}
	if !ok {
		return vmerr.New(vmerr.AuthFail, "pagecache.evict", fmt.Errorf("merkle proof mismatch for %v[%d]", s.key.section, s.key.pageIndex))
	}

	newRoot := *c.dataRoot
	if err := merkle.Update(s.leafHash, hash, proof, &newRoot); err != nil {
		return vmerr.New(vmerr.AuthFail, "pagecache.evict", err)
	}

	commitStart := time.Now()
	resp, err := c.oracle.CommitPage(noctx, hostio.CommitPageReq{
		Section:     s.key.section,
		PageIndex:   s.key.pageIndex,
		Ciphertext:  ciphertext,
		NewCounter:  newCounter,
		UpdateProof: proof,
	})
	metrics.HostLatency.Observe(float64(time.Since(commitStart).Milliseconds()))
	metrics.HostRoundTrips.Inc()
	metrics.HostRoundTripRate.Mark(1)
	if err != nil {
		return vmerr.New(vmerr.Transport, "pagecache.evict", err)
	}
	_ = resp // the host's own root is advisory; the SE trusts only its own recomputation.

	*c.dataRoot = newRoot
	metrics.CacheWriteBacks.Inc()
	metrics.CacheEvictions.Inc()
	metrics.ResidentPages.Dec()

	s.plaintext = [pagecodec.PageSize]byte{}
	s.used = false
	s.dirty = false
	return nil
}

func (c *Cache) layoutForKey(key pageKey) (SectionLayout, error) {
	for _, l := range c.layouts {
		if l.Section == key.section {
			return l, nil
		}
	}
	return SectionLayout{}, vmerr.New(vmerr.Protocol, "pagecache.layoutForKey", fmt.Errorf("unknown section %v", key.section))
}

// FlushAll writes back every dirty slot (spec.md §4.4's flush_all).
func (c *Cache) FlushAll() error {
	for i := range c.slots {
		if c.slots[i].used && c.slots[i].dirty {
			if err := c.evict(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// InvalidateStackTail marks resident STACK pages at or above newSP as
// clean and zero, without writing them back -- an optimization for the
// common case of a shrinking stack (spec.md §4.4).
func (c *Cache) InvalidateStackTail(newSP uint32) {
	for i := range c.slots {
		s := &c.slots[i]
		if !s.used || s.key.section != hostio.SectionStack {
			continue
		}
		for _, l := range c.layouts {
			if l.Section == hostio.SectionStack && l.pageBase(s.key.pageIndex) >= newSP {
				s.plaintext = [pagecodec.PageSize]byte{}
				s.dirty = false
			}
		}
	}
}

// Teardown zeroises every resident plaintext page without writing any of
// them back, per spec.md §7's zeroisation-on-fatal-path policy.
func (c *Cache) Teardown() {
	for i := range c.slots {
		c.slots[i] = slot{}
	}
}
