package tree

import (
	"github.com/keelfs/keelfs/internal/keys"
)

// iterSource is one layer's contribution to a merged iteration. Sources are
// ordered newest first; lower index wins conflicts.
type iterSource interface {
	peek() *keys.Item
	next()
	Err() error
}

// sliceSource iterates a materialized snapshot (the mutable layer).
type sliceSource struct {
	items []*keys.Item
	pos   int
}

func (s *sliceSource) peek() *keys.Item {
	if s.pos >= len(s.items) {
		return nil
	}
	return s.items[s.pos]
}

func (s *sliceSource) next() { s.pos++ }

func (s *sliceSource) Err() error { return nil }

// layerSource adapts a layerIter.
type layerSource struct {
	it *layerIter
}

func (s *layerSource) peek() *keys.Item { return s.it.peek() }
func (s *layerSource) next()            { s.it.next() }
func (s *layerSource) Err() error       { return s.it.Err() }

// mergedIter produces the merged record sequence across sources in key
// order. Point keys resolve by exact-key shadowing; extent keys resolve a
// whole (object, attribute) run at a time with newest-wins clipping.
//
// With fold set (compaction into a single layer), tombstones and unmapped
// extents are dropped: there is nothing older left for them to shadow.
type mergedIter struct {
	sources []iterSource
	fold    bool
	pending []*keys.Item // resolved extent run not yet handed out
}

func newMergedIter(sources []iterSource, fold bool) *mergedIter {
	return &mergedIter{sources: sources, fold: fold}
}

// Next returns the next merged record, or nil at the end.
func (m *mergedIter) Next() (*keys.Item, error) {
	for {
		if len(m.pending) > 0 {
			it := m.pending[0]
			m.pending = m.pending[1:]
			return it, nil
		}

		min := m.minKey()
		if min == nil {
			return nil, m.err()
		}

		if min.Key.Family == keys.FamilyExtent {
			if err := m.resolveExtentRun(min.Key.ObjectID, min.Key.Attr); err != nil {
				return nil, err
			}
			continue
		}

		// Point key: the first (newest) source holding the key wins; every
		// source holding the same key advances past it.
		var winner *keys.Item
		for _, s := range m.sources {
			p := s.peek()
			if p == nil || keys.Compare(p.Key, min.Key) != 0 {
				continue
			}
			if winner == nil {
				winner = p
			}
			s.next()
		}
		if err := m.err(); err != nil {
			return nil, err
		}
		if _, dead := winner.Value.(keys.Tombstone); dead {
			// A tombstone wins the key and hides it from the iteration.
			continue
		}
		return winner, nil
	}
}

// minKey returns the smallest peeked item across sources.
func (m *mergedIter) minKey() *keys.Item {
	var min *keys.Item
	for _, s := range m.sources {
		p := s.peek()
		if p == nil {
			continue
		}
		if min == nil || keys.Compare(p.Key, min.Key) < 0 {
			min = p
		}
	}
	return min
}

// resolveExtentRun consumes every source's extents for one (object,
// attribute) pair, which are contiguous in key order, and buffers the
// clipped, newest-wins resolution.
func (m *mergedIter) resolveExtentRun(objectID uint64, attr uint32) error {
	groups := make([][]*keys.Item, 0, len(m.sources))
	for _, s := range m.sources {
		var g []*keys.Item
		for {
			p := s.peek()
			if p == nil || p.Key.ObjectID != objectID ||
				p.Key.Family != keys.FamilyExtent || p.Key.Attr != attr {
				break
			}
			g = append(g, p)
			s.next()
		}
		groups = append(groups, g)
	}
	if err := m.err(); err != nil {
		return err
	}

	resolved := resolveExtents(groups)
	if m.fold {
		kept := resolved[:0]
		for _, it := range resolved {
			if ev, ok := it.Value.(keys.ExtentValue); ok && !ev.Allocated {
				continue
			}
			kept = append(kept, it)
		}
		resolved = kept
	}
	m.pending = resolved
	return nil
}

func (m *mergedIter) err() error {
	for _, s := range m.sources {
		if err := s.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Iterator is the tree's lazy, restartable, forward merged iteration. The
// mutable layer was snapshotted when the iterator was created.
type Iterator struct {
	snapshot []*keys.Item
	layers   []*Layer
	merged   *mergedIter
}

// Next returns the next merged record in key order, or nil at the end.
func (it *Iterator) Next() (*keys.Item, error) {
	if it.merged == nil {
		it.Rewind()
	}
	return it.merged.Next()
}

// Rewind restarts the iteration from the first record.
func (it *Iterator) Rewind() {
	sources := make([]iterSource, 0, 1+len(it.layers))
	sources = append(sources, &sliceSource{items: it.snapshot})
	for _, l := range it.layers {
		sources = append(sources, &layerSource{it: l.iter()})
	}
	it.merged = newMergedIter(sources, false)
}
