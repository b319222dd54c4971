// Copyright 2026 The Samepage Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package samepage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"samepage.dev/samepage/pkg/hostarch"
	"samepage.dev/samepage/pkg/mem"
	"samepage.dev/samepage/pkg/rbtree"
)

const testBase = 0x100000

type harness struct {
	t     *testing.T
	alloc *mem.Allocator
	e     *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	alloc, err := mem.NewAllocator(512)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	t.Cleanup(func() { alloc.Destroy() })

	if cfg.PagesToScan == 0 {
		cfg.PagesToScan = 64
	}
	if cfg.SleepMillis == 0 {
		cfg.SleepMillis = 20
	}
	if cfg.RefreshPeriodSecs == 0 {
		cfg.RefreshPeriodSecs = 1
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = 256
	}
	cfg.Allocator = alloc
	cfg.HashSeed1, cfg.HashSeed2 = 1, 2

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	alloc.SetReleaseHook(func(p *mem.Page) {
		_ = e.OnDeath(p)
	})
	return &harness{t: t, alloc: alloc, e: e}
}

// batch runs one scan batch synchronously, the way the scanner worker
// would.
func (h *harness) batch() {
	h.e.mu.Lock()
	h.e.scanBatch()
	h.e.mu.Unlock()
}

func (h *harness) space(id uint64) (*mem.AddressSpace, *mem.VMA) {
	h.t.Helper()
	as := mem.NewAddressSpace(id)
	if err := h.e.EnterSpace(as); err != nil {
		h.t.Fatalf("EnterSpace(%d): %v", id, err)
	}
	vma := as.NewVMA(testBase, testBase+64*hostarch.PageSize, 0)
	return as, vma
}

// birth faults a page with the given fill pattern into vma at addr and
// publishes it to the engine. Pattern 0 leaves the page all zero.
func (h *harness) birth(vma *mem.VMA, addr uint64, pattern byte) *mem.Page {
	h.t.Helper()
	page, err := h.alloc.Allocate()
	if err != nil {
		h.t.Fatalf("Allocate: %v", err)
	}
	if pattern != 0 {
		data := page.Data()
		for i := range data {
			data[i] = pattern
		}
	}
	if err := vma.MapAnon(addr, page); err != nil {
		h.t.Fatalf("MapAnon(%#x): %v", addr, err)
	}
	it, err := h.e.AllocItem()
	if err != nil {
		h.t.Fatalf("AllocItem: %v", err)
	}
	if err := h.e.OnBirth(page, it, vma.Root); err != nil {
		h.t.Fatalf("OnBirth(%#x): %v", addr, err)
	}
	h.alloc.Release(page)
	return page
}

// free emulates the host unmapping addr and freeing the page.
func (h *harness) free(vma *mem.VMA, addr uint64) {
	h.t.Helper()
	page := vma.Unmap(addr)
	if page == nil {
		return
	}
	h.alloc.Release(page)
}

func (h *harness) wantStats(want Stats) {
	h.t.Helper()
	if diff := cmp.Diff(want, h.e.Stats()); diff != "" {
		h.t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}

func collectItems(t *rbtree.Tree[*Item]) map[*Item]bool {
	items := make(map[*Item]bool)
	for n := t.First(); n != nil; n = n.Next() {
		items[n.Value] = true
	}
	return items
}

func TestDuplicatePair(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	h.birth(vma1, testBase, 0xaa)
	h.birth(vma2, testBase, 0xaa)
	h.batch()

	h.wantStats(Stats{
		PagesShared:  1,
		PagesSharing: 1,
		StableNodes:  2,
		RmapItems:    1,
		FullScans:    1,
	})

	pte1, ok1 := vma1.PTEAt(testBase)
	pte2, ok2 := vma2.PTEAt(testBase)
	if !ok1 || !ok2 {
		t.Fatalf("a mapping disappeared")
	}
	if pte1.Page != pte2.Page {
		t.Fatalf("mappings not consolidated onto one page")
	}
	if pte1.Writable || pte2.Writable {
		t.Fatalf("shared mappings still writable")
	}
	if !pte1.Page.Shared() {
		t.Fatalf("consolidated page not marked shared")
	}
	if got := pte1.Page.Data()[0]; got != 0xaa {
		t.Fatalf("shared content %#x, want 0xaa", got)
	}
}

func TestZeroMerge(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma := h.space(1)

	for i := 0; i < 3; i++ {
		h.birth(vma, testBase+uint64(i)*hostarch.PageSize, 0)
	}
	h.batch()
	h.batch()

	h.wantStats(Stats{
		PagesZeroSharing: 3,
		PagesSharing:     3, // zero sharers are included
		FullScans:        2,
	})
	for i := 0; i < 3; i++ {
		pte, ok := vma.PTEAt(testBase + uint64(i)*hostarch.PageSize)
		if !ok {
			t.Fatalf("mapping %d disappeared", i)
		}
		if !pte.Special || pte.Page != h.e.ZeroPage() {
			t.Fatalf("mapping %d not on the canonical zero page: %+v", i, pte)
		}
		if pte.Writable {
			t.Fatalf("zero mapping %d writable", i)
		}
	}
}

func TestZeroSoundness(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma := h.space(1)

	// A single-byte mutation can escape the sampled digest, leaving the
	// checksum equal to the zero digest. The byte-wise verification under
	// write protection must still reject the merge.
	page := h.birth(vma, testBase, 0)
	page.Data()[100] = 7 // drifts after birth, before the scan
	h.batch()

	if got := h.e.Stats().PagesZeroSharing; got != 0 {
		t.Fatalf("nonzero page merged with the zero page")
	}
	pte, _ := vma.PTEAt(testBase)
	if pte.Special {
		t.Fatalf("nonzero page mapped to the zero page")
	}
}

func TestThreeWay(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)
	_, vma3 := h.space(3)

	h.birth(vma1, testBase, 0x55)
	h.birth(vma2, testBase, 0x55)
	h.birth(vma3, testBase, 0x55)
	h.batch()

	h.wantStats(Stats{
		PagesShared:  1,
		PagesSharing: 2,
		StableNodes:  3,
		RmapItems:    1,
		FullScans:    1,
	})

	pte1, _ := vma1.PTEAt(testBase)
	pte2, _ := vma2.PTEAt(testBase)
	pte3, _ := vma3.PTEAt(testBase)
	if pte1.Page != pte2.Page || pte2.Page != pte3.Page {
		t.Fatalf("three-way merge did not consolidate onto one page")
	}
	if got := pte1.Page.Mapcount(); got != 3 {
		t.Fatalf("shared page mapcount %d, want 3", got)
	}

	// Share-count integrity: the head's share count equals the number of
	// reverse mappings beyond its own.
	head := h.e.stable.Root().Value
	if got := head.shares.Load(); got != 2 {
		t.Fatalf("head share count %d, want 2", got)
	}
}

func TestBirthThenDeath(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma := h.space(1)

	h.birth(vma, testBase, 0x11)
	if got := h.e.Stats().RmapItems; got != 1 {
		t.Fatalf("live descriptors %d, want 1", got)
	}

	// Death before any scan: the descriptor frees without a tree touch.
	h.free(vma, testBase)
	if got := h.e.Stats().RmapItems; got != 0 {
		t.Fatalf("live descriptors after death %d, want 0", got)
	}

	h.batch()
	h.wantStats(Stats{FullScans: 1})
}

func TestDeathAfterEngineEntry(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma := h.space(1)

	h.birth(vma, testBase, 0x22)
	h.batch() // enters the unstable tree

	if got := h.e.Stats().PagesUnshared; got != 1 {
		t.Fatalf("unstable count %d, want 1", got)
	}

	h.free(vma, testBase)
	h.batch() // deletion queue reaps the descriptor

	h.wantStats(Stats{FullScans: 2})
	if !h.e.unstable.Empty() {
		t.Fatalf("unstable tree not empty after death")
	}
}

func TestDrift(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	page := h.birth(vma1, testBase, 0x33)
	h.batch()
	if got := h.e.Stats().PagesUnshared; got != 1 {
		t.Fatalf("unstable count %d, want 1", got)
	}
	oldSum := h.e.unstable.Root().Value.checksum

	// The page mutates while sitting in the unstable tree.
	for i := range page.Data() {
		page.Data()[i] = 0x44
	}
	h.batch() // refresh detects the drift, requeues for rescan
	h.batch() // rescan reinserts under the new key

	if got := h.e.Stats().PagesUnshared; got != 1 {
		t.Fatalf("unstable count after drift %d, want 1", got)
	}
	newSum := h.e.unstable.Root().Value.checksum
	if newSum == oldSum {
		t.Fatalf("unstable key did not follow the content")
	}
	if want := h.e.hash.checksum(page.Data()); newSum != want {
		t.Fatalf("unstable key %#x, want digest of current content %#x", newSum, want)
	}

	// The drifted key is usable: an identical page now merges with it.
	h.birth(vma2, testBase, 0x44)
	h.batch()
	if got := h.e.Stats().PagesShared; got != 1 {
		t.Fatalf("drifted page did not merge under its new key")
	}
}

func TestStaleNodeWalked(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)
	_, vma3 := h.space(3)

	h.birth(vma1, testBase, 0x66)
	h.birth(vma2, testBase, 0x66)
	h.batch()
	if got := h.e.Stats().PagesShared; got != 1 {
		t.Fatalf("setup merge failed")
	}

	// Null the stable head's back page, as a racing death would.
	head := h.e.stable.Root().Value
	head.page.Store(nil)

	h.birth(vma3, testBase, 0x66)
	h.batch() // the search walks the stale node without crashing

	if !h.e.stable.Empty() {
		t.Fatalf("stale stable node not unlinked")
	}
	if got := h.e.Stats().PagesUnshared; got != 1 {
		t.Fatalf("search after pruning did not continue: unstable=%d", got)
	}
}

func TestTreeMutualExclusion(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	for i := 0; i < 8; i++ {
		pattern := byte(i%3 + 1)
		h.birth(vma1, testBase+uint64(i)*hostarch.PageSize, pattern)
		h.birth(vma2, testBase+uint64(i)*hostarch.PageSize, pattern)
	}
	h.batch()
	h.batch()

	stable := collectItems(&h.e.stable)
	unstable := collectItems(&h.e.unstable)
	for it := range stable {
		if unstable[it] {
			t.Fatalf("descriptor present in both trees")
		}
		if it.testFlags(flagUnstable) {
			t.Fatalf("stable descriptor carries the unstable flag")
		}
	}
	for it := range unstable {
		if it.testFlags(flagStable) {
			t.Fatalf("unstable descriptor carries the stable flag")
		}
	}
}

func TestFreeingLiveness(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	h.birth(vma1, testBase, 0x77)
	h.birth(vma2, testBase, 0x77)
	h.batch()

	// Tear down both mappings of the shared page; the last unmap frees
	// the frame and notifies the engine.
	h.free(vma1, testBase)
	h.free(vma2, testBase)
	h.batch()

	h.wantStats(Stats{FullScans: 2})
	if !h.e.stable.Empty() {
		t.Fatalf("stable tree not empty after all sharers died")
	}
}

func TestRefreshBound(t *testing.T) {
	// Population (8) exceeds the batch (4): the refresh quota covers the
	// queue in slices, and rotation guarantees full coverage within the
	// refresh period.
	h := newHarness(t, Config{PagesToScan: 4, SleepMillis: 500, RefreshPeriodSecs: 1})
	_, vma := h.space(1)

	var pages []*mem.Page
	for i := 0; i < 8; i++ {
		pages = append(pages, h.birth(vma, testBase+uint64(i)*hostarch.PageSize, byte(i+1)))
	}
	h.batch()
	h.batch()
	if got := h.e.Stats().PagesUnshared; got != 8 {
		t.Fatalf("unstable count %d, want 8", got)
	}

	// Mutate every page, then let refresh and rescan catch up.
	for i, p := range pages {
		for j := range p.Data() {
			p.Data()[j] = byte(0x80 + i)
		}
	}
	for i := 0; i < 8; i++ {
		h.batch()
	}

	for n := h.e.unstable.First(); n != nil; n = n.Next() {
		it := n.Value
		page := it.page.Load()
		if page == nil {
			continue
		}
		if want := h.e.hash.checksum(page.Data()); it.checksum != want {
			t.Fatalf("descriptor key %#x stale, want %#x", it.checksum, want)
		}
	}
}

func TestUnmerge(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)
	_, vma3 := h.space(3)

	h.birth(vma1, testBase, 0x99)
	h.birth(vma2, testBase, 0x99)
	h.birth(vma3, testBase, 0x99)
	h.batch()
	if got := h.e.Stats().PagesShared; got != 1 {
		t.Fatalf("setup merge failed")
	}

	h.e.mu.Lock()
	h.e.unmergeAll()
	h.e.mu.Unlock()

	h.wantStats(Stats{FullScans: 1})
	if !h.e.stable.Empty() {
		t.Fatalf("stable tree survived unmerge")
	}

	seen := make(map[*mem.Page]bool)
	for _, vma := range []*mem.VMA{vma1, vma2, vma3} {
		pte, ok := vma.PTEAt(testBase)
		if !ok {
			t.Fatalf("mapping lost in unmerge")
		}
		if !pte.Writable {
			t.Fatalf("restored mapping not writable")
		}
		if seen[pte.Page] {
			t.Fatalf("two mappings still share a page after unmerge")
		}
		seen[pte.Page] = true
		if got := pte.Page.Data()[0]; got != 0x99 {
			t.Fatalf("restored content %#x, want 0x99", got)
		}
	}
}

func TestMemoryHotplug(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	h.birth(vma1, testBase, 0xbb)
	h.birth(vma2, testBase, 0xbb)
	h.batch()

	head := h.e.stable.Root().Value
	pfn := head.page.Load().PFN()

	h.e.OnMemoryEvent(MemoryGoingOffline, pfn, pfn+1)
	h.e.OnMemoryEvent(MemoryOffline, pfn, pfn+1)

	if !h.e.stable.Empty() {
		t.Fatalf("offlined frame still in the stable tree")
	}
	if got := h.e.Stats().RmapItems; got != 0 {
		t.Fatalf("descriptors survived offline prune: %d", got)
	}

	// Cancel path must just release the scanner.
	h.e.OnMemoryEvent(MemoryGoingOffline, 0, 0)
	h.e.OnMemoryEvent(MemoryCancelOffline, 0, 0)
	h.batch()
}

func TestBirthPreconditions(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma := h.space(1)

	page := h.birth(vma, testBase, 0x10)

	it, err := h.e.AllocItem()
	if err != nil {
		t.Fatalf("AllocItem: %v", err)
	}
	if err := h.e.OnBirth(page, it, vma.Root); !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("double birth: got %v, want ErrAlreadyTracked", err)
	}
	if err := h.e.OnBirth(h.e.ZeroPage(), it, vma.Root); !errors.Is(err, ErrSharedPage) {
		t.Fatalf("birth of shared page: got %v, want ErrSharedPage", err)
	}
	if err := h.e.OnBirth(nil, it, vma.Root); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("birth of nil page: got %v, want ErrBadDescriptor", err)
	}
	h.e.FreeItem(it)

	other, _ := h.alloc.Allocate()
	if err := h.e.OnDeath(other); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("death of untracked page: got %v, want ErrNotTracked", err)
	}
	h.alloc.Release(other)
}

func TestDescriptorSlabBound(t *testing.T) {
	h := newHarness(t, Config{MaxItems: 2})

	a, err := h.e.AllocItem()
	if err != nil {
		t.Fatalf("first AllocItem: %v", err)
	}
	if _, err := h.e.AllocItem(); err != nil {
		t.Fatalf("second AllocItem: %v", err)
	}
	if _, err := h.e.AllocItem(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("third AllocItem: got %v, want ErrNoMemory", err)
	}
	h.e.FreeItem(a)
	if _, err := h.e.AllocItem(); err != nil {
		t.Fatalf("AllocItem after free: %v", err)
	}
}

func TestControls(t *testing.T) {
	h := newHarness(t, Config{})

	for _, test := range []struct {
		key   string
		value string
	}{
		{"pages_to_scan", "123"},
		{"sleep_ms", "50"},
		{"refresh_period_s", "30"},
		{"deferred_timer", "1"},
		{"run", "0"},
	} {
		if err := h.e.WriteControl(test.key, test.value); err != nil {
			t.Fatalf("WriteControl(%s, %s): %v", test.key, test.value, err)
		}
		if got, err := h.e.ReadControl(test.key); err != nil || got != test.value {
			t.Fatalf("ReadControl(%s) = %q, %v; want %q", test.key, got, err, test.value)
		}
	}

	if _, err := h.e.ReadControl("no_such_key"); !errors.Is(err, ErrNoControl) {
		t.Fatalf("unknown key read: %v", err)
	}
	if err := h.e.WriteControl("pages_shared", "1"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("read-only write: %v", err)
	}
	if err := h.e.WriteControl("run", "3"); !errors.Is(err, ErrBadValue) {
		t.Fatalf("out-of-range run mode: %v", err)
	}
	if err := h.e.WriteControl("sleep_ms", "zebra"); !errors.Is(err, ErrBadValue) {
		t.Fatalf("garbage value: %v", err)
	}

	keys := ControlKeys()
	if len(keys) != 12 {
		t.Fatalf("control surface has %d keys, want 12", len(keys))
	}
}

func TestSpaces(t *testing.T) {
	h := newHarness(t, Config{})

	as := mem.NewAddressSpace(7)
	if err := h.e.EnterSpace(as); err != nil {
		t.Fatalf("EnterSpace: %v", err)
	}
	if err := h.e.EnterSpace(as); !errors.Is(err, ErrSpaceExists) {
		t.Fatalf("double enter: got %v, want ErrSpaceExists", err)
	}
	if got := h.e.ActiveSpaces(); got != 1 {
		t.Fatalf("active spaces %d, want 1", got)
	}
	if err := h.e.ExitSpace(as); err != nil {
		t.Fatalf("ExitSpace: %v", err)
	}
	if err := h.e.ExitSpace(as); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("double exit: got %v, want ErrNoSpace", err)
	}

	// A space whose process exits without notification is reaped by the
	// scan cursor.
	dead := mem.NewAddressSpace(8)
	if err := h.e.EnterSpace(dead); err != nil {
		t.Fatalf("EnterSpace: %v", err)
	}
	dead.DecUsers()
	dead.DecUsers()
	for i := 0; i < 3 && h.e.ActiveSpaces() > 0; i++ {
		h.batch()
	}
	if got := h.e.ActiveSpaces(); got != 0 {
		t.Fatalf("exited space not reaped: %d active", got)
	}
}

func TestReferenceWalk(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)
	_, vma3 := h.space(3)

	h.birth(vma1, testBase, 0xcc)
	h.birth(vma2, testBase, 0xcc)
	h.birth(vma3, testBase, 0xcc)
	h.batch()

	shared := h.e.stable.Root().Value.page.Load()
	shared.Lock()
	visited := h.e.OnReferenceWalk(shared, func(p *mem.Page, vma *mem.VMA, addr uint64) WalkControl {
		if p != shared {
			t.Errorf("visitor saw page %v, want the shared page", p)
		}
		return WalkContinue
	})
	shared.Unlock()
	if visited != 3 {
		t.Fatalf("reference walk visited %d mappings, want 3", visited)
	}
}

func TestUnmapWalk(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	h.birth(vma1, testBase, 0xdd)
	h.birth(vma2, testBase, 0xdd)
	h.batch()

	shared := h.e.stable.Root().Value.page.Load()
	shared.TryPin()
	shared.Lock()
	done := h.e.OnUnmapWalk(shared, func(p *mem.Page, vma *mem.VMA, addr uint64) WalkControl {
		if pg := vma.Unmap(addr); pg != nil {
			h.e.OnUnmapShared(pg)
		}
		return WalkContinue
	})
	shared.Unlock()
	if !done {
		t.Fatalf("unmap walk left mappings behind")
	}
	if got := shared.Mapcount(); got != 0 {
		t.Fatalf("shared page mapcount %d after unmap walk", got)
	}
	h.alloc.Release(shared) // walk-held unmap references
	h.alloc.Release(shared)
	h.alloc.Release(shared) // pin; last reference delivers the death
	h.batch()
	if !h.e.stable.Empty() {
		t.Fatalf("stable tree not empty after full unmap")
	}
}

func TestContentKeyedMode(t *testing.T) {
	h := newHarness(t, Config{Mode: ContentKeyed})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	h.birth(vma1, testBase, 0x2a)
	h.birth(vma2, testBase, 0x2a)
	h.birth(vma1, testBase+hostarch.PageSize, 0)
	h.batch()

	s := h.e.Stats()
	if s.PagesShared != 1 || s.PagesZeroSharing != 1 {
		t.Fatalf("content-keyed merge diverged: %+v", s)
	}
	pte1, _ := vma1.PTEAt(testBase)
	pte2, _ := vma2.PTEAt(testBase)
	if pte1.Page != pte2.Page {
		t.Fatalf("content-keyed mode did not consolidate")
	}
}

func TestMigrate(t *testing.T) {
	h := newHarness(t, Config{})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	h.birth(vma1, testBase, 0x4d)
	h.birth(vma2, testBase, 0x4d)
	h.batch()

	head := h.e.stable.Root().Value
	oldPage := head.page.Load()
	newPage, err := h.alloc.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(newPage.Data(), oldPage.Data())

	oldPage.Lock()
	newPage.Lock()
	h.e.OnMigrate(oldPage, newPage)
	newPage.Unlock()
	oldPage.Unlock()

	if head.page.Load() != newPage {
		t.Fatalf("descriptor still points at the old frame")
	}
	if !newPage.Shared() || !newPage.Tracked() {
		t.Fatalf("migration target missing shared/tracked state")
	}
	if oldPage.Tracked() || oldPage.DedupBinding() != nil {
		t.Fatalf("old frame still carries tracking state")
	}
	if got := h.e.getStablePage(head); got != newPage {
		t.Fatalf("stable lookup after migration returned %v", got)
	} else {
		got.Unpin()
	}
	h.alloc.Release(newPage)
}

func TestScannerEndToEnd(t *testing.T) {
	h := newHarness(t, Config{SleepMillis: 1})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	h.e.Start()
	defer h.e.Stop()

	h.birth(vma1, testBase, 0xee)
	h.birth(vma2, testBase, 0xee)
	h.birth(vma1, testBase+hostarch.PageSize, 0)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := h.e.Stats()
		if s.PagesShared == 1 && s.PagesZeroSharing == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scanner did not converge: %+v", h.e.Stats())
}

func TestRunModes(t *testing.T) {
	h := newHarness(t, Config{SleepMillis: 1})
	_, vma1 := h.space(1)
	_, vma2 := h.space(2)

	h.e.Start()
	defer h.e.Stop()

	if err := h.e.SetRun(RunStop); err != nil {
		t.Fatalf("SetRun(stop): %v", err)
	}
	h.birth(vma1, testBase, 0x3c)
	h.birth(vma2, testBase, 0x3c)
	time.Sleep(50 * time.Millisecond)
	if got := h.e.Stats().PagesShared; got != 0 {
		t.Fatalf("stopped scanner merged pages")
	}

	if err := h.e.SetRun(RunMerge); err != nil {
		t.Fatalf("SetRun(merge): %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && h.e.Stats().PagesShared != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.e.Stats().PagesShared; got != 1 {
		t.Fatalf("restarted scanner did not merge")
	}

	if err := h.e.SetRun(RunUnmerge); err != nil {
		t.Fatalf("SetRun(unmerge): %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && h.e.Run() != RunStop {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.e.Run(); got != RunStop {
		t.Fatalf("unmerge did not park the scanner: run=%d", got)
	}
	if got := h.e.Stats().PagesShared; got != 0 {
		t.Fatalf("unmerge left stable entries: %d", got)
	}
}
