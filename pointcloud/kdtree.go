package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// kdLeafSize bounds how many point ids a leaf holds before it is split.
const kdLeafSize = 16

// kdNode is one node of the tree, stored in a flat arena and linked by integer
// indices for cache locality. Internal nodes carry a splitting dimension and
// value; leaves carry a span of the permuted id array.
type kdNode struct {
	dim          int32
	split        float64
	left, right  int32
	start, count int32
}

const kdNone = int32(-1)

// KDTree is a k-d tree over the positions of a point cloud. It is built once
// and immutable afterwards, so it is safe for concurrent read-only queries.
// The splitting dimension cycles with tree depth and the split value is the
// median coordinate, with ties broken by point id, which keeps construction
// deterministic for a fixed input order.
type KDTree struct {
	cloud *PointCloud
	nodes []kdNode
	ids   []int32
	root  int32
}

// Neighbor is one nearest-neighbor query result.
type Neighbor struct {
	ID     int
	SqDist float64
}

// NewKDTree builds a tree over all points of the given cloud. The cloud must
// not be mutated while the tree is in use.
func NewKDTree(cloud *PointCloud) *KDTree {
	n := cloud.Size()
	t := &KDTree{
		cloud: cloud,
		ids:   make([]int32, n),
		root:  kdNone,
	}
	for i := range t.ids {
		t.ids[i] = int32(i)
	}
	if n > 0 {
		t.nodes = make([]kdNode, 0, 2*n/kdLeafSize+1)
		t.root = t.build(0, n, 0)
	}
	return t
}

// Cloud returns the cloud the tree was built over.
func (t *KDTree) Cloud() *PointCloud {
	return t.cloud
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int {
	return len(t.ids)
}

func kdCoord(v r3.Vector, dim int32) float64 {
	switch dim {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func (t *KDTree) less(a, b int32, dim int32) bool {
	ca := kdCoord(t.cloud.At(int(a)), dim)
	cb := kdCoord(t.cloud.At(int(b)), dim)
	if ca != cb {
		return ca < cb
	}
	return a < b
}

func (t *KDTree) build(lo, hi, depth int) int32 {
	if hi-lo <= kdLeafSize {
		t.nodes = append(t.nodes, kdNode{
			left:  kdNone,
			right: kdNone,
			start: int32(lo),
			count: int32(hi - lo),
		})
		return int32(len(t.nodes) - 1)
	}
	dim := int32(depth % 3)
	mid := lo + (hi-lo)/2
	t.selectNth(lo, hi, mid, dim)

	idx := len(t.nodes)
	t.nodes = append(t.nodes, kdNode{
		dim:   dim,
		split: kdCoord(t.cloud.At(int(t.ids[mid])), dim),
	})
	left := t.build(lo, mid, depth+1)
	right := t.build(mid, hi, depth+1)
	t.nodes[idx].left = left
	t.nodes[idx].right = right
	return int32(idx)
}

// selectNth partially sorts ids[lo:hi] so that ids[nth] holds the element that
// would be at that position in a full sort by (coordinate, id). Positional
// splitting guarantees progress even when every coordinate is identical.
func (t *KDTree) selectNth(lo, hi, nth int, dim int32) {
	for hi-lo > 1 {
		// median-of-three pivot
		mid := lo + (hi-lo)/2
		if t.less(t.ids[mid], t.ids[lo], dim) {
			t.ids[mid], t.ids[lo] = t.ids[lo], t.ids[mid]
		}
		if t.less(t.ids[hi-1], t.ids[lo], dim) {
			t.ids[hi-1], t.ids[lo] = t.ids[lo], t.ids[hi-1]
		}
		if t.less(t.ids[hi-1], t.ids[mid], dim) {
			t.ids[hi-1], t.ids[mid] = t.ids[mid], t.ids[hi-1]
		}
		pivot := t.ids[mid]

		i, j := lo, hi-1
		for i <= j {
			for t.less(t.ids[i], pivot, dim) {
				i++
			}
			for t.less(pivot, t.ids[j], dim) {
				j--
			}
			if i <= j {
				t.ids[i], t.ids[j] = t.ids[j], t.ids[i]
				i++
				j--
			}
		}
		switch {
		case nth <= j:
			hi = j + 1
		case nth >= i:
			lo = i
		default:
			return
		}
	}
}

// Nearest returns the id and squared distance of the point closest to query.
// Ties are broken by the lower point id. It fails on an empty index.
func (t *KDTree) Nearest(query r3.Vector) (int, float64, error) {
	if t.Size() == 0 {
		return 0, 0, ErrEmptyIndex
	}
	best := Neighbor{ID: -1, SqDist: math.MaxFloat64}
	t.nearest(t.root, query, &best)
	return best.ID, best.SqDist, nil
}

func (t *KDTree) nearest(node int32, query r3.Vector, best *Neighbor) {
	n := &t.nodes[node]
	if n.left == kdNone {
		for _, id := range t.ids[n.start : n.start+n.count] {
			d := query.Sub(t.cloud.At(int(id))).Norm2()
			if d < best.SqDist || (d == best.SqDist && int(id) < best.ID) {
				best.ID = int(id)
				best.SqDist = d
			}
		}
		return
	}
	diff := kdCoord(query, n.dim) - n.split
	first, second := n.left, n.right
	if diff > 0 {
		first, second = second, first
	}
	t.nearest(first, query, best)
	if diff*diff <= best.SqDist {
		t.nearest(second, query, best)
	}
}

// KNearest returns up to k neighbors of query ordered by ascending squared
// distance, ties broken by point id. It fails on an empty index.
func (t *KDTree) KNearest(query r3.Vector, k int) ([]Neighbor, error) {
	if t.Size() == 0 {
		return nil, ErrEmptyIndex
	}
	if k <= 0 {
		return nil, nil
	}
	nbrs := make([]Neighbor, 0, k)
	t.kNearest(t.root, query, k, &nbrs)
	return nbrs, nil
}

func (t *KDTree) kNearest(node int32, query r3.Vector, k int, nbrs *[]Neighbor) {
	n := &t.nodes[node]
	if n.left == kdNone {
		for _, id := range t.ids[n.start : n.start+n.count] {
			d := query.Sub(t.cloud.At(int(id))).Norm2()
			insertNeighbor(nbrs, k, Neighbor{ID: int(id), SqDist: d})
		}
		return
	}
	diff := kdCoord(query, n.dim) - n.split
	first, second := n.left, n.right
	if diff > 0 {
		first, second = second, first
	}
	t.kNearest(first, query, k, nbrs)
	if len(*nbrs) < k || diff*diff <= (*nbrs)[len(*nbrs)-1].SqDist {
		t.kNearest(second, query, k, nbrs)
	}
}

// insertNeighbor inserts nb into the ascending-ordered bounded result set,
// dropping the current worst when full. k is small in practice so a linear
// insertion beats heap bookkeeping.
func insertNeighbor(nbrs *[]Neighbor, k int, nb Neighbor) {
	s := *nbrs
	if len(s) == k {
		worst := s[len(s)-1]
		if nb.SqDist > worst.SqDist || (nb.SqDist == worst.SqDist && nb.ID > worst.ID) {
			return
		}
		s = s[:len(s)-1]
	}
	pos := len(s)
	for pos > 0 {
		prev := s[pos-1]
		if prev.SqDist < nb.SqDist || (prev.SqDist == nb.SqDist && prev.ID < nb.ID) {
			break
		}
		pos--
	}
	s = append(s, Neighbor{})
	copy(s[pos+1:], s[pos:])
	s[pos] = nb
	*nbrs = s
}
