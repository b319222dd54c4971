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

package mem

import (
	"fmt"
	"sync"

	"samepage.dev/samepage/pkg/hostarch"
	"samepage.dev/samepage/pkg/memutil"
)

// Allocator hands out page frames backed by a single anonymous host mapping.
// Frame numbers are indices into that mapping, so a contiguous PFN range
// maps to a contiguous byte range.
type Allocator struct {
	mu     sync.Mutex
	chunk  []byte
	frames []Page
	free   []uint64
	next   uint64

	// hook runs when a frame's last reference drops, before the frame is
	// recycled. The host's free path uses it to deliver page-death
	// notifications.
	hook func(*Page)
}

// SetReleaseHook installs the last-reference callback. Must be set before
// frames circulate.
func (a *Allocator) SetReleaseHook(h func(*Page)) {
	a.hook = h
}

// Release drops a reference. When the last reference drops, the release
// hook fires and the frame is recycled.
func (a *Allocator) Release(p *Page) {
	if p.refs.Add(-1) > 0 {
		return
	}
	if a.hook != nil {
		a.hook(p)
	}
	a.Free(p)
}

// NewAllocator returns an allocator managing npages frames.
func NewAllocator(npages int) (*Allocator, error) {
	if npages <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", npages)
	}
	chunk, err := memutil.MapAnon(npages * hostarch.PageSize)
	if err != nil {
		return nil, err
	}
	return &Allocator{
		chunk:  chunk,
		frames: make([]Page, npages),
	}, nil
}

// Allocate returns a fresh anonymous frame with one reference.
func (a *Allocator) Allocate() (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pfn uint64
	if n := len(a.free); n > 0 {
		pfn = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next >= uint64(len(a.frames)) {
			return nil, ErrNoFrames
		}
		pfn = a.next
		a.next++
	}

	p := &a.frames[pfn]
	*p = Page{
		pfn:  pfn,
		data: a.chunk[pfn*hostarch.PageSize : (pfn+1)*hostarch.PageSize : (pfn+1)*hostarch.PageSize],
		anon: true,
	}
	p.refs.Store(1)
	return p, nil
}

// Free returns a frame to the allocator. The caller must hold the last
// reference.
func (a *Allocator) Free(p *Page) {
	clear(p.data)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, p.pfn)
}

// Destroy releases the backing mapping. No frames may be in use.
func (a *Allocator) Destroy() error {
	return memutil.UnmapAnon(a.chunk)
}
