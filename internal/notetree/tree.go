// Package notetree builds the "active" subset of the note forest for a time
// window: every block edited in the window, plus the ancestor path of each up
// to its page root, merged into one tree per page. The merged tree is
// ephemeral and recomputed per run; it is never persisted.
package notetree

import (
	"fmt"
	"sort"
	"time"

	"github.com/vthunder/daytag/internal/store"
)

// maxDepth bounds parent walks so a corrupted parent chain cannot loop forever
const maxDepth = 64

// BlockSource is the read interface the builder needs from the note store
type BlockSource interface {
	GetBlocksEditedBetween(start, end time.Time) ([]*store.Block, error)
	GetBlock(id string) (*store.Block, error)
}

// Node is one block in an active tree
type Node struct {
	Block    *store.Block
	Children []*Node

	// IsLeaf is recomputed within the active tree: true when no retained
	// child carries text. Only leaf nodes receive abstracts; non-leaf nodes
	// are retained for ancestor context.
	IsLeaf bool

	// LastChildEdit is the most recent edit time of any branch passing
	// through this node (its own edit time included when directly edited).
	LastChildEdit time.Time

	parent *Node
}

// ActiveTree is the merged set of edited paths for one page
type ActiveTree struct {
	PageID string
	Root   *Node
}

// Leaf pairs a leaf node with its ancestor path in root→leaf order
// (the leaf itself excluded from Ancestors).
type Leaf struct {
	Node      *Node
	Ancestors []*Node
}

// Leaves returns the tree's leaf nodes with their ancestor paths, ordered by
// block ID for deterministic downstream processing.
func (t *ActiveTree) Leaves() []Leaf {
	var leaves []Leaf
	var walk func(n *Node, path []*Node)
	walk = func(n *Node, path []*Node) {
		if n.IsLeaf {
			ancestors := make([]*Node, len(path))
			copy(ancestors, path)
			leaves = append(leaves, Leaf{Node: n, Ancestors: ancestors})
		}
		for _, c := range n.Children {
			walk(c, append(path, n))
		}
	}
	if t.Root != nil {
		walk(t.Root, nil)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].Node.Block.ID < leaves[j].Node.Block.ID
	})
	return leaves
}

// Size returns the number of nodes in the tree
func (t *ActiveTree) Size() int {
	var count func(n *Node) int
	count = func(n *Node) int {
		total := 1
		for _, c := range n.Children {
			total += count(c)
		}
		return total
	}
	if t.Root == nil {
		return 0
	}
	return count(t.Root)
}

// Builder builds active trees from a block source
type Builder struct {
	source BlockSource
}

// NewBuilder creates a tree builder over the given block source
func NewBuilder(source BlockSource) *Builder {
	return &Builder{source: source}
}

// BuildActiveTrees finds all blocks edited in the half-open window
// [start, end), walks each up to its page root, and merges the paths into
// one tree per page. Any store error fails the whole build; downstream
// stages must not run against a silently incomplete tree.
func (b *Builder) BuildActiveTrees(start, end time.Time) (map[string]*ActiveTree, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("window end %v must be after start %v", end, start)
	}

	edited, err := b.source.GetBlocksEditedBetween(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load edited blocks: %w", err)
	}

	// nodes[pageID][blockID]: one node per block regardless of how many
	// edited paths pass through it
	nodes := make(map[string]map[string]*Node)

	node := func(blk *store.Block) *Node {
		page := nodes[blk.PageID]
		if page == nil {
			page = make(map[string]*Node)
			nodes[blk.PageID] = page
		}
		n := page[blk.ID]
		if n == nil {
			n = &Node{Block: blk}
			page[blk.ID] = n
		}
		return n
	}

	for _, blk := range edited {
		editTime := blk.LastEditedAt
		n := node(blk)
		if editTime.After(n.LastChildEdit) {
			n.LastChildEdit = editTime
		}

		// Walk up to the page root, linking each node to its parent
		cur := blk
		child := n
		for depth := 0; cur.ParentID != "" && depth < maxDepth; depth++ {
			parent, err := b.source.GetBlock(cur.ParentID)
			if err != nil {
				return nil, fmt.Errorf("failed to load parent %s of %s: %w", cur.ParentID, cur.ID, err)
			}
			if parent == nil {
				// Dangling parent pointer: the block becomes its own root
				break
			}
			pn := node(parent)
			if child.parent == nil {
				child.parent = pn
				pn.Children = append(pn.Children, child)
			}
			if editTime.After(pn.LastChildEdit) {
				pn.LastChildEdit = editTime
			}
			cur = parent
			child = pn
			if child.parent != nil {
				// Path above this point is already merged; still propagate
				// the edit time the rest of the way up.
				for a := child.parent; a != nil; a = a.parent {
					if editTime.After(a.LastChildEdit) {
						a.LastChildEdit = editTime
					}
				}
				break
			}
		}
	}

	trees := make(map[string]*ActiveTree)
	for pageID, page := range nodes {
		var roots []*Node
		for _, n := range page {
			if n.parent == nil {
				roots = append(roots, n)
			}
		}
		sort.Slice(roots, func(i, j int) bool { return roots[i].Block.ID < roots[j].Block.ID })

		root := roots[0]
		if len(roots) > 1 {
			// Multiple parentless blocks on one page (each its own root per
			// the data model); join them under a synthetic page node so the
			// page still yields a single tree.
			root = &Node{
				Block: &store.Block{ID: pageID, PageID: pageID},
			}
			for _, r := range roots {
				r.parent = root
				root.Children = append(root.Children, r)
				if r.LastChildEdit.After(root.LastChildEdit) {
					root.LastChildEdit = r.LastChildEdit
				}
			}
		}

		sortChildren(root)
		classifyLeaves(root)
		trees[pageID] = &ActiveTree{PageID: pageID, Root: root}
	}

	return trees, nil
}

func sortChildren(n *Node) {
	sort.Slice(n.Children, func(i, j int) bool {
		return n.Children[i].Block.ID < n.Children[j].Block.ID
	})
	for _, c := range n.Children {
		sortChildren(c)
	}
}

// classifyLeaves recomputes leaf flags within the active tree: a node is a
// leaf when it has text and no retained child carries text
func classifyLeaves(n *Node) {
	childHasText := false
	for _, c := range n.Children {
		classifyLeaves(c)
		if c.Block.Text != "" || len(c.Children) > 0 {
			childHasText = true
		}
	}
	n.IsLeaf = !childHasText && n.Block.Text != ""
}
