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
	"sync"

	"github.com/google/btree"

	"samepage.dev/samepage/pkg/log"
	"samepage.dev/samepage/pkg/mem"
)

// spaceRecord is the engine's bookkeeping for one entered address space.
type spaceRecord struct {
	as *mem.AddressSpace
}

// spaceSet indexes the address spaces currently in the engine, ordered by
// space ID. The scanner holds a cursor into the order; the cursor is
// advanced past a record before that record is ever unlinked.
type spaceSet struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[*spaceRecord]
	cursor uint64
}

func (s *spaceSet) init() {
	s.tree = btree.NewG(8, func(a, b *spaceRecord) bool {
		return a.as.ID < b.as.ID
	})
}

func (s *spaceSet) enter(as *mem.AddressSpace) error {
	key := &spaceRecord{as: as}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Get(key); ok {
		return ErrSpaceExists
	}
	s.tree.ReplaceOrInsert(key)
	return nil
}

func (s *spaceSet) exit(as *mem.AddressSpace) error {
	key := &spaceRecord{as: as}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == as.ID {
		s.advanceLocked()
	}
	if _, ok := s.tree.Delete(key); !ok {
		return ErrNoSpace
	}
	return nil
}

func (s *spaceSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// advanceLocked moves the cursor to the next record in ID order, wrapping
// at the end.
func (s *spaceSet) advanceLocked() {
	var next *spaceRecord
	s.tree.AscendGreaterOrEqual(&spaceRecord{as: &mem.AddressSpace{ID: s.cursor + 1}}, func(r *spaceRecord) bool {
		next = r
		return false
	})
	if next == nil {
		if first, ok := s.tree.Min(); ok {
			next = first
		}
	}
	if next != nil {
		s.cursor = next.as.ID
	} else {
		s.cursor = 0
	}
}

// advance steps the cursor one record per batch, pruning records whose
// process has exited without an explicit exit notification.
func (s *spaceSet) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree.Len() == 0 {
		return
	}
	cur, ok := s.tree.Get(&spaceRecord{as: &mem.AddressSpace{ID: s.cursor}})
	s.advanceLocked()
	if ok && cur.as.Users() == 0 {
		s.tree.Delete(cur)
		log.Debugf("samepage: reaped exited address space %d", cur.as.ID)
	}
}

// EnterSpace registers an address space with the engine. Idempotent entry
// is an error: a space enters once per lifetime.
func (e *Engine) EnterSpace(as *mem.AddressSpace) error {
	if as == nil {
		return ErrNoSpace
	}
	err := e.spaces.enter(as)
	if err == nil {
		as.IncUsers()
		e.wakeup()
	}
	return err
}

// ExitSpace removes an address space from the engine. Descriptors for the
// space's pages retire through the normal death path as its pages are
// freed.
func (e *Engine) ExitSpace(as *mem.AddressSpace) error {
	if as == nil {
		return ErrNoSpace
	}
	err := e.spaces.exit(as)
	if err == nil {
		as.DecUsers()
	}
	return err
}

// ActiveSpaces returns the number of entered address spaces.
func (e *Engine) ActiveSpaces() int {
	return e.spaces.count()
}
