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

package rbtree

import (
	"math/rand"
	"sort"
	"testing"
)

// insert places n into t by integer value, descending manually the way the
// engine does.
func insert(t *Tree[int], n *Node[int]) {
	link := t.RootLink()
	var parent *Node[int]
	for *link != nil {
		parent = *link
		if n.Value < parent.Value {
			link = parent.LeftLink()
		} else {
			link = parent.RightLink()
		}
	}
	t.InsertAt(n, parent, link)
}

// validate checks the red-black invariants and returns the black height.
func validate(t *testing.T, tree *Tree[int], n *Node[int]) int {
	t.Helper()
	if n == nil {
		return 1
	}
	if n.red {
		if n.left != nil && n.left.red {
			t.Fatalf("red node %d has red left child %d", n.Value, n.left.Value)
		}
		if n.right != nil && n.right.red {
			t.Fatalf("red node %d has red right child %d", n.Value, n.right.Value)
		}
	}
	if n.left != nil {
		if n.left.parent != n {
			t.Fatalf("bad parent link under %d", n.Value)
		}
		if n.left.Value > n.Value {
			t.Fatalf("order violation: %d left of %d", n.left.Value, n.Value)
		}
	}
	if n.right != nil {
		if n.right.parent != n {
			t.Fatalf("bad parent link under %d", n.Value)
		}
		if n.right.Value < n.Value {
			t.Fatalf("order violation: %d right of %d", n.right.Value, n.Value)
		}
	}
	lh := validate(t, tree, n.left)
	rh := validate(t, tree, n.right)
	if lh != rh {
		t.Fatalf("black height mismatch at %d: %d != %d", n.Value, lh, rh)
	}
	if n.red {
		return lh
	}
	return lh + 1
}

func collect(tree *Tree[int]) []int {
	var vals []int
	for n := tree.First(); n != nil; n = n.Next() {
		vals = append(vals, n.Value)
	}
	return vals
}

func TestInsertOrdered(t *testing.T) {
	var tree Tree[int]
	for i := 0; i < 100; i++ {
		n := &Node[int]{Value: i}
		insert(&tree, n)
		validate(t, &tree, tree.Root())
	}
	vals := collect(&tree)
	if len(vals) != 100 {
		t.Fatalf("got %d values, want 100", len(vals))
	}
	if !sort.IntsAreSorted(vals) {
		t.Fatalf("in-order walk not sorted: %v", vals)
	}
	if tree.Root().red {
		t.Fatalf("root is red")
	}
}

func TestRemoveAll(t *testing.T) {
	var tree Tree[int]
	nodes := make([]*Node[int], 64)
	for i := range nodes {
		nodes[i] = &Node[int]{Value: i}
		insert(&tree, nodes[i])
	}
	for i, n := range nodes {
		tree.Remove(n)
		if n.Linked() {
			t.Fatalf("node %d still linked after removal", i)
		}
		validate(t, &tree, tree.Root())
		if got := len(collect(&tree)); got != len(nodes)-i-1 {
			t.Fatalf("after removing %d nodes: %d remain", i+1, got)
		}
	}
	if !tree.Empty() {
		t.Fatalf("tree not empty after removing all nodes")
	}
}

func TestRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var tree Tree[int]
	live := make(map[*Node[int]]bool)

	for i := 0; i < 5000; i++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			n := &Node[int]{Value: rng.Intn(1000)}
			insert(&tree, n)
			live[n] = true
		} else {
			var victim *Node[int]
			k := rng.Intn(len(live))
			for n := range live {
				if k == 0 {
					victim = n
					break
				}
				k--
			}
			tree.Remove(victim)
			delete(live, victim)
		}
		if i%97 == 0 {
			validate(t, &tree, tree.Root())
		}
	}
	validate(t, &tree, tree.Root())

	var want []int
	for n := range live {
		want = append(want, n.Value)
	}
	sort.Ints(want)
	got := collect(&tree)
	if len(got) != len(want) {
		t.Fatalf("tree has %d nodes, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("in-order walk diverges at %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNextTraversal(t *testing.T) {
	var tree Tree[int]
	for _, v := range []int{50, 20, 80, 10, 30, 70, 90} {
		insert(&tree, &Node[int]{Value: v})
	}
	want := []int{10, 20, 30, 50, 70, 80, 90}
	got := collect(&tree)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("walk[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
