package finemap

import "gonum.org/v1/gonum/mat"

// momentCache memoizes each component's contribution to the model
// prediction. A dirty bit per component replaces content hashing: every
// write to a component's assignment or weight state marks its entry stale,
// and reordering components drops all entries since the index no longer
// names the same component. A cached value is always identical to a direct
// recomputation from the current state.
type momentCache struct {
	first  []*mat.Dense
	second []*mat.Dense // nil when the engine needs first moments only
	dirty  []bool
}

func newMomentCache(k int, withSecond bool) *momentCache {
	c := &momentCache{
		first: make([]*mat.Dense, k),
		dirty: make([]bool, k),
	}
	for i := range c.dirty {
		c.dirty[i] = true
	}
	if withSecond {
		c.second = make([]*mat.Dense, k)
	}
	return c
}

func (c *momentCache) invalidate(k int) { c.dirty[k] = true }

func (c *momentCache) invalidateAll() {
	for i := range c.dirty {
		c.dirty[i] = true
	}
}

// get returns component k's cached moment contributions, recomputing via f
// when the entry is stale. The second return is nil for first-moment-only
// caches.
func (c *momentCache) get(k int, f func() (first, second *mat.Dense)) (*mat.Dense, *mat.Dense) {
	if c.dirty[k] || c.first[k] == nil {
		first, second := f()
		c.first[k] = first
		if c.second != nil {
			c.second[k] = second
		}
		c.dirty[k] = false
	}
	if c.second != nil {
		return c.first[k], c.second[k]
	}
	return c.first[k], nil
}
