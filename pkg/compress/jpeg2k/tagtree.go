package jpeg2k

import (
	"fmt"
	"math"
)

// tagTreeMaxDepth bounds the decode stack
const tagTreeMaxDepth = 30

// tagTreeUnset marks a node whose value is not yet known
const tagTreeUnset = math.MaxInt32

type tagNode struct {
	parent int // index of the parent node, -1 at the root
	val    int
	low    int  // lower bound already signaled
	vis    bool // value fully signaled
}

// TagTree is a quad-tree min-reduction over a 2D grid (ITU-T T.800 B.10.2).
// Nodes live in one flat slice, level by level from the leaves up.
type TagTree struct {
	width, height int
	depth         int
	nodes         []tagNode
	stack         []int
}

// NewTagTree builds a tag tree over a w x h grid of leaves
func NewTagTree(w, h int) *TagTree {
	t := &TagTree{width: w, height: h}
	if w <= 0 || h <= 0 {
		return t
	}

	var sizes [][2]int
	for lw, lh := w, h; ; lw, lh = (lw+1)>>1, (lh+1)>>1 {
		sizes = append(sizes, [2]int{lw, lh})
		if lw == 1 && lh == 1 {
			break
		}
	}

	total := 0
	for _, s := range sizes {
		total += s[0] * s[1]
	}
	t.nodes = make([]tagNode, total)

	off := 0
	for l, s := range sizes {
		next := off + s[0]*s[1]
		for j := 0; j < s[1]; j++ {
			for i := 0; i < s[0]; i++ {
				k := off + j*s[0] + i
				if l+1 < len(sizes) {
					t.nodes[k].parent = next + (j>>1)*sizes[l+1][0] + (i >> 1)
				} else {
					t.nodes[k].parent = -1
				}
			}
		}
		off = next
	}

	t.depth = len(sizes)
	t.stack = make([]int, t.depth)
	t.Reset()
	return t
}

// Reset clears every node's value and visited state
func (t *TagTree) Reset() {
	for i := range t.nodes {
		t.nodes[i].val = tagTreeUnset
		t.nodes[i].low = 0
		t.nodes[i].vis = false
	}
}

// Depth returns the number of levels including the leaves
func (t *TagTree) Depth() int {
	return t.depth
}

// Leaf returns the node index of grid position (x, y)
func (t *TagTree) Leaf(x, y int) int {
	return y*t.width + x
}

// SetValue assigns a leaf value and propagates the minimum toward the root
func (t *TagTree) SetValue(leaf, v int) {
	t.nodes[leaf].val = v
	for n := t.nodes[leaf].parent; n >= 0; n = t.nodes[n].parent {
		if t.nodes[n].val <= v {
			break
		}
		t.nodes[n].val = v
	}
}

// Value returns the stored value of a leaf
func (t *TagTree) Value(leaf int) int {
	return t.nodes[leaf].val
}

func (t *TagTree) path(leaf int) int {
	sp := 0
	for n := leaf; n >= 0; n = t.nodes[n].parent {
		t.stack[sp] = n
		sp++
	}
	return sp
}

// Encode signals whether the leaf value is below threshold, emitting only
// what previous calls have not already conveyed.
func (t *TagTree) Encode(bw *BitWriter, leaf, threshold int) {
	sp := t.path(leaf)
	low := 0
	for sp > 0 {
		sp--
		nd := &t.nodes[t.stack[sp]]
		if low > nd.low {
			nd.low = low
		} else {
			low = nd.low
		}
		for low < threshold {
			if low >= nd.val {
				if !nd.vis {
					bw.WriteBit(1)
					nd.vis = true
				}
				break
			}
			bw.WriteBit(0)
			low++
		}
		nd.low = low
	}
}

// Decode mirrors Encode. It returns the leaf value when it is below
// threshold, otherwise threshold.
func (t *TagTree) Decode(br *BitReader, leaf, threshold int) (int, error) {
	if t.depth > tagTreeMaxDepth {
		return 0, fmt.Errorf("%w: %d levels", ErrTagTreeDepth, t.depth)
	}
	sp := t.path(leaf)
	low := 0
	for sp > 0 {
		sp--
		nd := &t.nodes[t.stack[sp]]
		if low > nd.low {
			nd.low = low
		} else {
			low = nd.low
		}
		for low < threshold && low < nd.val {
			bit, err := br.ReadBit()
			if err != nil {
				return 0, err
			}
			if bit == 1 {
				nd.val = low
				nd.vis = true
			} else {
				low++
			}
		}
		nd.low = low
	}
	return min(t.nodes[leaf].val, threshold), nil
}
