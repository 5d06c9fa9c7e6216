package windows

import (
	"sort"
	"sync/atomic"
)

// Record is one finished sub-agent result under a coordination key.
type Record struct {
	WindowID int    `json:"window_id"`
	Label    string `json:"label"`
	Result   string `json:"result"`
	Failed   bool   `json:"failed,omitempty"`
}

// Coordination holds results per key in completion order. Append is called
// from the foreground only; readers see an immutable published view and
// never block.
type Coordination struct {
	view atomic.Pointer[map[string][]Record]
}

func NewCoordination() *Coordination {
	c := &Coordination{}
	empty := map[string][]Record{}
	c.view.Store(&empty)
	return c
}

// Append adds r under key and publishes a new view. Slices of earlier views
// are never written to.
func (c *Coordination) Append(key string, r Record) {
	cur := *c.view.Load()
	next := make(map[string][]Record, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	old := cur[key]
	records := make([]Record, len(old), len(old)+1)
	copy(records, old)
	next[key] = append(records, r)
	c.view.Store(&next)
}

// Results returns the records for key so far; empty before any child
// finishes.
func (c *Coordination) Results(key string) []Record {
	records := (*c.view.Load())[key]
	return append([]Record{}, records...)
}

func (c *Coordination) Keys() []string {
	view := *c.view.Load()
	keys := make([]string, 0, len(view))
	for k := range view {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
