package pool

import (
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Snapshot is an immutable view of the latest successful read. It is never
// patched: every successful poll produces a new Snapshot that replaces the
// previous one.
type Snapshot struct {
	values    map[string]Value
	updatedAt time.Time
	tick      uint64
}

func emptySnapshot() *Snapshot {
	return &Snapshot{values: map[string]Value{}}
}

// newSnapshot builds the successor of prev from a fresh read. A key whose fresh
// value is Absent keeps its previous non-absent value. Keys missing from the
// fresh read are dropped.
func newSnapshot(prev *Snapshot, fresh map[string]Value, tick uint64, at time.Time) *Snapshot {
	values := make(map[string]Value, len(fresh))
	for k, v := range fresh {
		if v.IsAbsent() && prev != nil {
			if old, ok := prev.values[k]; ok && !old.IsAbsent() {
				values[k] = old
				continue
			}
		}
		values[k] = v
	}
	return &Snapshot{values: values, updatedAt: at, tick: tick}
}

// Get returns the value for key.
func (s *Snapshot) Get(key string) (Value, bool) {
	if s == nil {
		return Value{}, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Values returns a copy of all readings.
func (s *Snapshot) Values() map[string]Value {
	if s == nil {
		return map[string]Value{}
	}
	out := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns the reading keys in sorted order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

// UpdatedAt is when the read that produced this snapshot completed. Zero
// before the first successful poll.
func (s *Snapshot) UpdatedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.updatedAt
}

// Tick is the orchestrator tick id of the read.
func (s *Snapshot) Tick() uint64 {
	if s == nil {
		return 0
	}
	return s.tick
}

// Changed returns the sorted keys whose value differs from prev, including
// keys that were removed.
func (s *Snapshot) Changed(prev *Snapshot) []string {
	var changed []string
	for k, v := range s.Values() {
		old, ok := prev.Get(k)
		if !ok || !old.Equal(v) {
			changed = append(changed, k)
		}
	}
	if prev != nil {
		for k := range prev.values {
			if _, ok := s.Get(k); !ok {
				changed = append(changed, k)
			}
		}
	}
	sort.Strings(changed)
	return changed
}

type snapshotJSON struct {
	Tick      uint64           `json:"tick"`
	UpdatedAt time.Time        `json:"updated_at"`
	Values    map[string]Value `json:"values"`
}

// MarshalJSON encodes the snapshot for the API and MQTT state messages.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Tick:      s.Tick(),
		UpdatedAt: s.UpdatedAt(),
		Values:    s.Values(),
	})
}
