package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryTagStats tracks how often attributes are used as query filters.
// Extended query tags that are never filtered on are candidates for removal.
type QueryTagStats struct {
	mu       sync.RWMutex
	core     map[string]*TagUsage
	extended map[string]*TagUsage
	window   time.Duration
	now      func() time.Time
}

// TagUsage holds filter statistics for one attribute.
type TagUsage struct {
	Attribute  string
	Frequency  int64
	LastSeen   time.Time
	Conditions map[string]int // condition kind → count (e.g., "equals" → 5, "range" → 2)
}

// NewQueryTagStats creates a tracker that forgets attributes unused for window.
func NewQueryTagStats(window time.Duration) *QueryTagStats {
	return &QueryTagStats{
		core:     make(map[string]*TagUsage),
		extended: make(map[string]*TagUsage),
		window:   window,
		now:      time.Now,
	}
}

// Record records one filter on attribute with the given condition kind.
func (q *QueryTagStats) Record(attribute, condition string, extended bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.core
	if extended {
		m = q.extended
	}
	u, ok := m[attribute]
	if !ok {
		u = &TagUsage{Attribute: attribute, Conditions: make(map[string]int)}
		m[attribute] = u
	}
	u.Frequency++
	u.LastSeen = q.now()
	u.Conditions[condition]++
}

// TopCore returns the n most filtered core attributes.
func (q *QueryTagStats) TopCore(n int) []TagUsage {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return top(q.core, n)
}

// TopExtended returns the n most filtered extended query tags.
func (q *QueryTagStats) TopExtended(n int) []TagUsage {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return top(q.extended, n)
}

// Unused returns the paths in extended that have no recorded use.
func (q *QueryTagStats) Unused(paths []string) []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []string
	for _, p := range paths {
		if _, ok := q.extended[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Prune removes attributes not seen within the window.
func (q *QueryTagStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := q.now().Add(-q.window)
	for _, m := range []map[string]*TagUsage{q.core, q.extended} {
		for k, u := range m {
			if u.LastSeen.Before(threshold) {
				delete(m, k)
			}
		}
	}
}

func top(m map[string]*TagUsage, n int) []TagUsage {
	if n <= 0 || len(m) == 0 {
		return []TagUsage{}
	}

	out := make([]TagUsage, 0, len(m))
	for _, u := range m {
		cp := *u
		cp.Conditions = make(map[string]int, len(u.Conditions))
		for k, v := range u.Conditions {
			cp.Conditions[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Attribute < out[j].Attribute
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}
