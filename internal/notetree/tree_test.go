package notetree

import (
	"fmt"
	"time"

	"testing"

	"github.com/vthunder/daytag/internal/store"
)

// fakeSource serves blocks from memory
type fakeSource struct {
	blocks map[string]*store.Block
	edited []*store.Block
	errOn  string // GetBlock(errOn) fails
}

func (f *fakeSource) GetBlocksEditedBetween(start, end time.Time) ([]*store.Block, error) {
	return f.edited, nil
}

func (f *fakeSource) GetBlock(id string) (*store.Block, error) {
	if id == f.errOn {
		return nil, fmt.Errorf("store unavailable")
	}
	return f.blocks[id], nil
}

func block(id, parentID, pageID, text string, edited time.Time) *store.Block {
	return &store.Block{ID: id, ParentID: parentID, PageID: pageID, Text: text, LastEditedAt: edited}
}

var (
	t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(1 * time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func TestBuildMergesPathsPerPage(t *testing.T) {
	// page p1:  root
	//           ├── a (edited t1)
	//           └── b
	//               └── c (edited t2)
	root := block("root", "", "p1", "Project X", t0)
	a := block("a", "root", "p1", "met with vendor", t1)
	b := block("b", "root", "p1", "tasks", t0)
	c := block("c", "b", "p1", "fix the build", t2)

	src := &fakeSource{
		blocks: map[string]*store.Block{"root": root, "a": a, "b": b, "c": c},
		edited: []*store.Block{a, c},
	}

	trees, err := NewBuilder(src).BuildActiveTrees(t0, t2.Add(time.Hour))
	if err != nil {
		t.Fatalf("BuildActiveTrees failed: %v", err)
	}
	if len(trees) != 1 {
		t.Fatalf("Expected 1 tree, got %d", len(trees))
	}

	tree := trees["p1"]
	if tree.Root.Block.ID != "root" {
		t.Errorf("Root = %s, want 'root'", tree.Root.Block.ID)
	}
	if tree.Size() != 4 {
		t.Errorf("Size = %d, want 4 (root, a, b, c)", tree.Size())
	}
	if !tree.Root.LastChildEdit.Equal(t2) {
		t.Errorf("Root LastChildEdit = %v, want propagated %v", tree.Root.LastChildEdit, t2)
	}

	leaves := tree.Leaves()
	if len(leaves) != 2 {
		t.Fatalf("Expected 2 leaves (a, c), got %d", len(leaves))
	}
	if leaves[0].Node.Block.ID != "a" || leaves[1].Node.Block.ID != "c" {
		t.Errorf("Leaves not ordered by block ID: %s, %s", leaves[0].Node.Block.ID, leaves[1].Node.Block.ID)
	}

	// c's ancestors in root→leaf order
	want := []string{"root", "b"}
	got := leaves[1].Ancestors
	if len(got) != len(want) {
		t.Fatalf("c ancestors = %d nodes, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].Block.ID != id {
			t.Errorf("c ancestor[%d] = %s, want %s", i, got[i].Block.ID, id)
		}
	}
}

func TestSharedAncestorAppearsOnce(t *testing.T) {
	// Two edited siblings under the same parent: parent node must not be
	// duplicated across their merged paths
	root := block("root", "", "p1", "Page", t0)
	a := block("a", "root", "p1", "first", t1)
	b := block("b", "root", "p1", "second", t1)

	src := &fakeSource{
		blocks: map[string]*store.Block{"root": root, "a": a, "b": b},
		edited: []*store.Block{a, b},
	}

	trees, err := NewBuilder(src).BuildActiveTrees(t0, t2)
	if err != nil {
		t.Fatalf("BuildActiveTrees failed: %v", err)
	}
	tree := trees["p1"]
	if tree.Size() != 3 {
		t.Errorf("Size = %d, want 3 (shared root counted once)", tree.Size())
	}
	if len(tree.Root.Children) != 2 {
		t.Errorf("Root children = %d, want 2", len(tree.Root.Children))
	}
}

func TestNonLeafAncestorGetsNoAbstractRole(t *testing.T) {
	// An edited parent whose child also carries text is ancestor context,
	// not a leaf
	root := block("root", "", "p1", "Meeting notes", t1)
	child := block("child", "root", "p1", "decided to ship", t1)

	src := &fakeSource{
		blocks: map[string]*store.Block{"root": root, "child": child},
		edited: []*store.Block{root, child},
	}

	trees, _ := NewBuilder(src).BuildActiveTrees(t0, t2)
	leaves := trees["p1"].Leaves()
	if len(leaves) != 1 || leaves[0].Node.Block.ID != "child" {
		t.Fatalf("Expected only 'child' as leaf, got %d leaves", len(leaves))
	}
	if trees["p1"].Root.IsLeaf {
		t.Error("Root with a text child must not be classified as leaf")
	}
}

func TestDanglingParentBecomesOwnRoot(t *testing.T) {
	orphan := block("orphan", "gone", "p1", "floating note", t1)

	src := &fakeSource{
		blocks: map[string]*store.Block{"orphan": orphan},
		edited: []*store.Block{orphan},
	}

	trees, err := NewBuilder(src).BuildActiveTrees(t0, t2)
	if err != nil {
		t.Fatalf("Dangling parent should not fail the build: %v", err)
	}
	if trees["p1"].Root.Block.ID != "orphan" {
		t.Errorf("Orphan should be its own root, got %s", trees["p1"].Root.Block.ID)
	}
}

func TestStoreErrorFailsBuild(t *testing.T) {
	a := block("a", "root", "p1", "x", t1)

	src := &fakeSource{
		blocks: map[string]*store.Block{"a": a},
		edited: []*store.Block{a},
		errOn:  "root",
	}

	if _, err := NewBuilder(src).BuildActiveTrees(t0, t2); err == nil {
		t.Fatal("Expected build to fail fast on store error")
	}
}

func TestMultipleRootsJoinedUnderPageNode(t *testing.T) {
	a := block("a", "", "p1", "first root", t1)
	b := block("b", "", "p1", "second root", t1)

	src := &fakeSource{
		blocks: map[string]*store.Block{"a": a, "b": b},
		edited: []*store.Block{a, b},
	}

	trees, err := NewBuilder(src).BuildActiveTrees(t0, t2)
	if err != nil {
		t.Fatalf("BuildActiveTrees failed: %v", err)
	}
	tree := trees["p1"]
	if tree.Root.Block.ID != "p1" {
		t.Errorf("Expected synthetic page root, got %s", tree.Root.Block.ID)
	}
	if len(tree.Root.Children) != 2 {
		t.Errorf("Synthetic root children = %d, want 2", len(tree.Root.Children))
	}
	// Synthetic root has no text, so it never becomes a leaf
	if tree.Root.IsLeaf {
		t.Error("Synthetic page root must not be a leaf")
	}
}

func TestInvalidWindowRejected(t *testing.T) {
	src := &fakeSource{}
	if _, err := NewBuilder(src).BuildActiveTrees(t1, t1); err == nil {
		t.Error("Expected error for empty window")
	}
	if _, err := NewBuilder(src).BuildActiveTrees(t2, t0); err == nil {
		t.Error("Expected error for inverted window")
	}
}

func TestEmptyWindowYieldsNoTrees(t *testing.T) {
	src := &fakeSource{}
	trees, err := NewBuilder(src).BuildActiveTrees(t0, t2)
	if err != nil {
		t.Fatalf("BuildActiveTrees failed: %v", err)
	}
	if len(trees) != 0 {
		t.Errorf("Expected no trees, got %d", len(trees))
	}
}
