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

// Package samepage implements an anonymous-page deduplication engine.
//
// The engine scans anonymous pages published to it by the host's page-fault
// path, finds pages with identical contents, and merges them into a single
// write-protected shared page. All-zero pages merge into one canonical zero
// page.
//
// A single cooperative scanner owns the stable tree (already-merged pages)
// and the unstable tree (candidates). The host publishes page births and
// deaths onto lock-protected queues; the scanner drains them in batches,
// resolving each page against the trees.
package samepage

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"samepage.dev/samepage/pkg/mem"
	"samepage.dev/samepage/pkg/rbtree"
)

// KeyMode selects how tree keys are ordered.
type KeyMode int

const (
	// HashKeyed orders trees by descriptor checksum; content equality is
	// verified separately on a key match.
	HashKeyed KeyMode = iota

	// ContentKeyed orders trees by raw page content; a key match is an
	// exact match.
	ContentKeyed
)

// Run modes.
const (
	// RunStop parks the scanner.
	RunStop uint32 = 0

	// RunMerge runs the scanner.
	RunMerge uint32 = 1

	// RunUnmerge breaks all sharing and retires the stable tree, then
	// parks the scanner.
	RunUnmerge uint32 = 2
)

// Merge protocol outcomes.
type fault int

const (
	faultSuccess fault = iota

	// faultDrop permanently rejects the descriptor.
	faultDrop

	// faultTry defers the descriptor to the rescan queue.
	faultTry

	// faultKeep leaves the descriptor as is.
	faultKeep
)

// Config configures an Engine.
type Config struct {
	// Allocator backs the canonical zero page and unmerge copies.
	Allocator *mem.Allocator

	// Mode selects hash- or content-keyed trees. Defaults to HashKeyed.
	Mode KeyMode

	// PagesToScan is the scan batch size.
	PagesToScan uint32

	// SleepMillis is the inter-batch sleep.
	SleepMillis uint32

	// RefreshPeriodSecs is the period within which every unstable
	// descriptor is rehashed at least once.
	RefreshPeriodSecs uint32

	// DeferredTimer coalesces scanner wakeups.
	DeferredTimer bool

	// MaxItems bounds the descriptor slab.
	MaxItems int

	// HashSeeds seed the sampling permutation. Both zero means a random
	// permutation.
	HashSeed1, HashSeed2 uint64
}

const (
	defaultPagesToScan = 1000
	defaultSleepMillis = 20
	defaultRefreshSecs = 10
	defaultMaxItems    = 1 << 20
)

// Engine is the deduplication engine.
type Engine struct {
	// mu is the engine mutex, held by the scanner across a batch and by
	// administrative transitions.
	mu sync.Mutex

	hash  *hashTable
	mode  KeyMode
	alloc *mem.Allocator

	// zeroPage is the canonical all-zero page. It has no descriptor and
	// never enters a tree.
	zeroPage *mem.Page

	// qmu protects the scan, rescan and deletion queues, which are
	// appended to by the notification entry points.
	qmu      sync.Mutex
	newQ     itemList
	rescanQ  itemList
	deadQ    itemList

	// refreshQ is touched only by the scanner.
	refreshQ itemList

	// The two trees. Scanner-only.
	stable   rbtree.Tree[*Item]
	unstable rbtree.Tree[*Item]

	cache  itemCache
	spaces spaceSet

	// Tunables.
	run           atomic.Uint32
	pagesToScan   atomic.Uint32
	sleepMillis   atomic.Uint32
	refreshPeriod atomic.Uint32
	deferredTimer atomic.Bool

	// Counters.
	pagesShared      atomic.Int64
	pagesSharing     atomic.Int64
	pagesUnshared    atomic.Int64
	pagesZeroSharing atomic.Int64
	stableNodes      atomic.Int64
	fullScans        atomic.Uint64

	// pacer is the coalesced sleep source used in deferred-timer mode.
	pacer *rate.Limiter

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// New returns an engine configured by cfg. The scanner is not started.
func New(cfg Config) (*Engine, error) {
	if cfg.Allocator == nil {
		return nil, ErrNoAllocator
	}
	if cfg.PagesToScan == 0 {
		cfg.PagesToScan = defaultPagesToScan
	}
	if cfg.SleepMillis == 0 {
		cfg.SleepMillis = defaultSleepMillis
	}
	if cfg.RefreshPeriodSecs == 0 {
		cfg.RefreshPeriodSecs = defaultRefreshSecs
	}
	if cfg.MaxItems == 0 {
		cfg.MaxItems = defaultMaxItems
	}
	seed1, seed2 := cfg.HashSeed1, cfg.HashSeed2
	if seed1 == 0 && seed2 == 0 {
		seed1, seed2 = randomSeeds()
	}

	zp, err := cfg.Allocator.Allocate()
	if err != nil {
		return nil, err
	}
	zp.SetShared(true)

	e := &Engine{
		hash:     newHashTable(seed1, seed2),
		mode:     cfg.Mode,
		alloc:    cfg.Allocator,
		zeroPage: zp,
		newQ:     itemList{entry: scanEntryOf},
		rescanQ:  itemList{entry: scanEntryOf},
		deadQ:    itemList{entry: deadEntryOf},
		refreshQ: itemList{entry: refreshEntryOf},
		cache:    itemCache{cap: cfg.MaxItems},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	e.spaces.init()
	e.run.Store(RunMerge)
	e.pagesToScan.Store(cfg.PagesToScan)
	e.sleepMillis.Store(cfg.SleepMillis)
	e.refreshPeriod.Store(cfg.RefreshPeriodSecs)
	e.deferredTimer.Store(cfg.DeferredTimer)
	e.pacer = rate.NewLimiter(e.batchRate(), 1)
	return e, nil
}

// ZeroPage returns the canonical zero page.
func (e *Engine) ZeroPage() *mem.Page {
	return e.zeroPage
}

// Stats is a point-in-time snapshot of the engine counters. The counters
// are owned by the scanner; readers get eventual consistency.
type Stats struct {
	// PagesShared is the number of distinct stable entries.
	PagesShared uint64

	// PagesSharing is the number of extra sharers consolidated into
	// stable entries, including zero-page sharers.
	PagesSharing uint64

	// PagesUnshared is the unstable-tree size.
	PagesUnshared uint64

	// PagesZeroSharing is the number of mappings of the zero page.
	PagesZeroSharing uint64

	// StableNodes is the number of live mapping anchors.
	StableNodes uint64

	// RmapItems is the number of live descriptors.
	RmapItems uint64

	// FullScans counts completed scan batches.
	FullScans uint64
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	clampU := func(v int64) uint64 {
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	return Stats{
		PagesShared:      clampU(e.pagesShared.Load()),
		PagesSharing:     clampU(e.pagesSharing.Load() + e.pagesZeroSharing.Load()),
		PagesUnshared:    clampU(e.pagesUnshared.Load()),
		PagesZeroSharing: clampU(e.pagesZeroSharing.Load()),
		StableNodes:      clampU(e.stableNodes.Load()),
		RmapItems:        uint64(e.cache.inUse()),
		FullScans:        e.fullScans.Load(),
	}
}
