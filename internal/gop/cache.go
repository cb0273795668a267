// Package gop keeps the most recent group of pictures so a late viewer can
// start decoding at a keyframe.
package gop

import "flvrelay/pkg/flv"

// DefaultCapacity bounds each GOP sequence when no capacity is configured.
const DefaultCapacity = 1024

// Cache holds serialized video tags for the last complete GOP and the one in
// progress. It is not safe for concurrent use; the owning session serializes
// access.
type Cache struct {
	capacity     int
	current      [][]byte
	lastComplete [][]byte
	keyframeSeen bool
}

// New creates a cache whose sequences hold at most capacity tags each.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{capacity: capacity}
}

// Observe records a serialized video tag. A keyframe closes the current GOP
// and starts a new one. Non-keyframes before the first keyframe are dropped.
func (c *Cache) Observe(v *flv.VideoUnit, tag []byte) {
	if v.IsKeyframe() {
		if len(c.current) > 0 {
			c.lastComplete = c.current
		}
		c.current = [][]byte{tag}
		c.keyframeSeen = true
		return
	}
	if !c.keyframeSeen {
		return
	}
	if len(c.current) >= c.capacity {
		copy(c.current, c.current[1:])
		c.current[len(c.current)-1] = nil
		c.current = c.current[:len(c.current)-1]
	}
	c.current = append(c.current, tag)
}

// Replay returns the last complete GOP followed by the current one. The
// returned slice is a copy; the buffers themselves are shared and must not be
// modified.
func (c *Cache) Replay() [][]byte {
	if !c.keyframeSeen {
		return nil
	}
	out := make([][]byte, 0, len(c.lastComplete)+len(c.current))
	out = append(out, c.lastComplete...)
	return append(out, c.current...)
}

// Depth returns the number of tags Replay would return.
func (c *Cache) Depth() int {
	return len(c.lastComplete) + len(c.current)
}

// Reset forgets everything, as if no video had been observed.
func (c *Cache) Reset() {
	c.current = nil
	c.lastComplete = nil
	c.keyframeSeen = false
}
