// tree.go - Incremental MiMC Merkle tree over note commitments.
//
// Leaves are commitments in append order. Every root the tree has had is a
// valid anchor for a transfer proof, so a proof built against an older
// snapshot still verifies after later appends.

package zerocash

import "fmt"

// MaxTreeDepth bounds Params.TreeDepth.
const MaxTreeDepth = 32

type commitmentTree struct {
	depth  int
	levels [][]Digest // levels[0] are the leaves, levels[depth] holds the root once non-empty
	zeros  []Digest   // zeros[i] is the root of an empty subtree of height i
}

func newCommitmentTree(depth int) *commitmentTree {
	zeros := make([]Digest, depth+1)
	for i := 0; i < depth; i++ {
		zeros[i+1] = merkleNode(zeros[i], zeros[i])
	}
	return &commitmentTree{
		depth:  depth,
		levels: make([][]Digest, depth+1),
		zeros:  zeros,
	}
}

func (t *commitmentTree) size() uint64 { return uint64(len(t.levels[0])) }

func (t *commitmentTree) capacity() uint64 { return uint64(1) << t.depth }

func (t *commitmentTree) root() Digest {
	if len(t.levels[t.depth]) == 0 {
		return t.zeros[t.depth]
	}
	return t.levels[t.depth][0]
}

// append adds a leaf and rehashes its path to the root.
func (t *commitmentTree) append(leaf Digest) (uint64, error) {
	pos := t.size()
	if pos >= t.capacity() {
		return 0, fmt.Errorf("%w: capacity %d", ErrTreeFull, t.capacity())
	}
	t.levels[0] = append(t.levels[0], leaf)
	idx := pos
	for i := 0; i < t.depth; i++ {
		left, right := t.pair(i, idx)
		parent := merkleNode(left, right)
		idx >>= 1
		if idx < uint64(len(t.levels[i+1])) {
			t.levels[i+1][idx] = parent
		} else {
			t.levels[i+1] = append(t.levels[i+1], parent)
		}
	}
	return pos, nil
}

// pair returns the two children of idx's parent at level i.
func (t *commitmentTree) pair(i int, idx uint64) (Digest, Digest) {
	base := idx &^ 1
	left := t.node(i, base)
	right := t.node(i, base+1)
	return left, right
}

func (t *commitmentTree) node(i int, idx uint64) Digest {
	if idx < uint64(len(t.levels[i])) {
		return t.levels[i][idx]
	}
	return t.zeros[i]
}

// path returns the authentication path of leaf pos against the current
// root, bottom-up.
func (t *commitmentTree) path(pos uint64) ([]Digest, error) {
	if pos >= t.size() {
		return nil, fmt.Errorf("%w: no leaf at position %d", ErrInvariant, pos)
	}
	out := make([]Digest, t.depth)
	idx := pos
	for i := 0; i < t.depth; i++ {
		out[i] = t.node(i, idx^1)
		idx >>= 1
	}
	return out, nil
}

// verifyPath recomputes the root from a leaf and its path.
func verifyPath(leaf Digest, pos uint64, path []Digest) Digest {
	cur := leaf
	for _, sib := range path {
		if pos&1 == 1 {
			cur = merkleNode(sib, cur)
		} else {
			cur = merkleNode(cur, sib)
		}
		pos >>= 1
	}
	return cur
}
