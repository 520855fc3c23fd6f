package geom

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
)

// Item is one indexed geometry with its owning identifier.
type Item struct {
	ID       string
	Geometry orb.Geometry
	Data     any

	center orb.Point
}

// Point implements orb.Pointer so items can live in the quadtree; the index
// key is the geometry's bound centre.
func (it *Item) Point() orb.Point {
	return it.center
}

// Bound returns the item geometry's bounding box.
func (it *Item) Bound() orb.Bound {
	return it.Geometry.Bound()
}

// Index is a process-local spatial index over a polygon set, built at
// startup where the storage backend has no native spatial indexing. It is a
// quadtree keyed on bound centres with a bound filter on candidates.
type Index struct {
	tree  *quadtree.Quadtree
	items []*Item
}

// NewIndex builds an index covering the union bound of the given items.
func NewIndex(items []*Item) *Index {
	bound := orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	for i, it := range items {
		it.center = it.Geometry.Bound().Center()
		if i == 0 {
			bound = it.Geometry.Bound()
		} else {
			bound = bound.Union(it.Geometry.Bound())
		}
	}
	// Pad so edge geometries stay inside the tree bound.
	bound = bound.Pad(bound.Max[0] - bound.Min[0] + 1)

	tree := quadtree.New(bound)
	for _, it := range items {
		_ = tree.Add(it)
	}
	return &Index{tree: tree, items: items}
}

// Len returns the number of indexed items.
func (ix *Index) Len() int {
	return len(ix.items)
}

// Items returns every indexed item.
func (ix *Index) Items() []*Item {
	return ix.items
}

// Covering returns the items whose geometry bound contains the point,
// nearest bound-centre first.
func (ix *Index) Covering(p orb.Point) []*Item {
	if len(ix.items) == 0 {
		return nil
	}
	var out []*Item
	for _, ptr := range ix.tree.KNearest(nil, p, len(ix.items)) {
		it := ptr.(*Item)
		if it.Bound().Contains(p) {
			out = append(out, it)
		}
	}
	return out
}

// InBound returns the items whose geometry bound intersects the query bound.
func (ix *Index) InBound(b orb.Bound) []*Item {
	var out []*Item
	for _, it := range ix.items {
		if it.Bound().Intersects(b) {
			out = append(out, it)
		}
	}
	return out
}

// Nearest returns the item whose bound centre is closest to the point, or
// nil for an empty index.
func (ix *Index) Nearest(p orb.Point) *Item {
	ptr := ix.tree.Find(p)
	if ptr == nil {
		return nil
	}
	return ptr.(*Item)
}
