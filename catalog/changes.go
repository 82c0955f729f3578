package catalog

import (
	"reflect"
	"sort"
	"sync"
	"time"
)

// Snapshot maps qualified tool names to their descriptors, without
// any executable handle attached.
type Snapshot map[string]Descriptor

// Change records one descriptor field's old and new values.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff is the structured difference between two registry snapshots.
type Diff struct {
	Added     []string                     `json:"added"`
	Removed   []string                     `json:"removed"`
	Modified  map[string]map[string]Change `json:"modified"`
	Timestamp time.Time                    `json:"timestamp"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Tracker compares successive registry snapshots and keeps a bounded
// chronological log of the non-empty diffs it observed.
type Tracker struct {
	mu      sync.Mutex
	prev    Snapshot
	current Snapshot
	history []Diff
	limit   int
}

// DefaultHistoryLimit bounds the change log when no limit is given.
const DefaultHistoryLimit = 100

// NewTracker creates a tracker whose history holds at most limit
// diffs; limit <= 0 selects DefaultHistoryLimit.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Tracker{current: Snapshot{}, limit: limit}
}

// Record computes the diff from the last recorded snapshot to next,
// appends it to the history when non-empty, and advances the tracked
// snapshots.
func (t *Tracker) Record(next Snapshot) Diff {
	t.mu.Lock()
	defer t.mu.Unlock()

	diff := computeDiff(t.current, next)
	t.prev = t.current
	t.current = cloneSnapshot(next)

	if !diff.Empty() {
		t.history = append(t.history, diff)
		if len(t.history) > t.limit {
			t.history = t.history[len(t.history)-t.limit:]
		}
	}
	return diff
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := make(Snapshot, len(s))
	for name, desc := range s {
		out[name] = desc
	}
	return out
}

// computeDiff produces added/removed/modified between two snapshots.
// Modified entries map each changed descriptor key to its old and new
// values.
func computeDiff(prev, next Snapshot) Diff {
	diff := Diff{
		Modified:  make(map[string]map[string]Change),
		Timestamp: time.Now(),
	}

	for name, desc := range next {
		old, ok := prev[name]
		if !ok {
			diff.Added = append(diff.Added, name)
			continue
		}
		if fields := fieldDiff(old, desc); len(fields) > 0 {
			diff.Modified[name] = fields
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff
}

// fieldDiff compares two descriptors key by key over their wire form.
func fieldDiff(old, next Descriptor) map[string]Change {
	oldMap := old.asMap()
	nextMap := next.asMap()

	changes := make(map[string]Change)
	for key, oldVal := range oldMap {
		nextVal, ok := nextMap[key]
		if !ok {
			changes[key] = Change{Old: oldVal, New: nil}
			continue
		}
		if !reflect.DeepEqual(oldVal, nextVal) {
			changes[key] = Change{Old: oldVal, New: nextVal}
		}
	}
	for key, nextVal := range nextMap {
		if _, ok := oldMap[key]; !ok {
			changes[key] = Change{Old: nil, New: nextVal}
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

// Summary is the tracker's reporting view: total observed changes,
// the two most recent diffs, and the key sets of the two snapshots.
type Summary struct {
	TotalChanges int      `json:"total_changes"`
	Recent       []Diff   `json:"recent"`
	PreviousKeys []string `json:"previous_keys"`
	CurrentKeys  []string `json:"current_keys"`
}

// Summary returns the current reporting view.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := make([]Diff, 0, 2)
	for i := len(t.history) - 1; i >= 0 && len(recent) < 2; i-- {
		recent = append(recent, t.history[i])
	}

	return Summary{
		TotalChanges: len(t.history),
		Recent:       recent,
		PreviousKeys: snapshotKeys(t.prev),
		CurrentKeys:  snapshotKeys(t.current),
	}
}

// History returns a copy of the recorded diffs, oldest first.
func (t *Tracker) History() []Diff {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Diff, len(t.history))
	copy(out, t.history)
	return out
}

func snapshotKeys(s Snapshot) []string {
	keys := make([]string, 0, len(s))
	for name := range s {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}
