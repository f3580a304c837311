/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bus implements the shared telemetry bus: a bounded
// single-producer/single-consumer ring of Samples with an auxiliary
// latest-value table, feeding the logger (bulk, via Pop) and the telemetry
// egress workers (latest snapshot, via LatestSnapshot).
package bus

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsae-rt/telemetry/internal/errs"
)

// DefaultCapacity is the ring's default sample capacity.
const DefaultCapacity = 1024

// lockTimeout bounds how long Push/Pop will wait for the mutex, per
// SPEC_FULL.md §5: bus operations never block the realtime sampling path.
const lockTimeout = 10 * time.Millisecond

// busLog is package-scoped rather than threaded through New, since New's
// signature is load-bearing at every Source/Logger/Egress call site.
var busLog = log.WithField("component", "bus")

// Sample is the fixed-size record produced by Sources and consumed by the
// Logger and Egress workers.
type Sample struct {
	TimestampUs uint64
	ID          uint8
	Value       float32
}

// LatestValue is the most recently observed value for one signal id.
type LatestValue struct {
	Value       float32
	TimestampUs uint64
}

// Stats receives bus observability counters. A nil Stats is replaced with a
// no-op implementation.
type Stats interface {
	IncSamplesPushed()
	IncSamplesDropped(reason string)
	IncLockTimeouts()
}

type noopStats struct{}

func (noopStats) IncSamplesPushed()        {}
func (noopStats) IncSamplesDropped(string) {}
func (noopStats) IncLockTimeouts()         {}

// Bus is a bounded ring of Sample with an id -> LatestValue side table. One
// producer (Sources) and one consumer (the Logger) operate it, plus
// occasional readers of the live snapshot (the Egress workers). The ring
// never reports "full": on overflow the oldest unread entry is silently
// evicted, per SPEC_FULL.md §4.3.
type Bus struct {
	mu   trylockMutex
	ring []Sample
	head int
	tail int

	live  map[uint8]LatestValue
	stats Stats
}

// New constructs a Bus with the given ring capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		// One extra slot stays empty so head == tail always means "empty"
		// and the ring holds capacity unread samples.
		ring:  make([]Sample, capacity+1),
		live:  make(map[uint8]LatestValue, 64),
		stats: noopStats{},
	}
	b.mu.init()
	return b
}

// SetStats wires a Stats implementation after construction, so the daemon's
// metrics registry can be built once the bus already exists. Passing nil
// restores the no-op implementation.
func (b *Bus) SetStats(s Stats) {
	if s == nil {
		s = noopStats{}
	}
	b.stats = s
}

// Push appends sample at head, evicting the oldest entry on overflow, and
// updates the latest-value table. It returns false if the bus's mutex could
// not be acquired within lockTimeout, in which case the sample is dropped.
func (b *Bus) Push(s Sample) bool {
	if !b.mu.TryLockTimeout(lockTimeout) {
		b.stats.IncLockTimeouts()
		b.stats.IncSamplesDropped("lock_timeout")
		err := fmt.Errorf("%w: push could not acquire bus lock within %s", errs.ErrBusLockTimeout, lockTimeout)
		busLog.WithError(err).Warn("dropped sample")
		return false
	}
	defer b.mu.Unlock()

	n := len(b.ring)
	b.ring[b.head] = s
	b.head = (b.head + 1) % n
	if b.head == b.tail {
		b.tail = (b.tail + 1) % n
	}
	b.live[s.ID] = LatestValue{Value: s.Value, TimestampUs: s.TimestampUs}
	b.stats.IncSamplesPushed()
	return true
}

// Pop removes and returns the oldest unread sample. ok is false if the ring
// is empty or the mutex could not be acquired within lockTimeout.
func (b *Bus) Pop() (s Sample, ok bool) {
	if !b.mu.TryLockTimeout(lockTimeout) {
		b.stats.IncLockTimeouts()
		return Sample{}, false
	}
	defer b.mu.Unlock()

	if b.head == b.tail {
		return Sample{}, false
	}
	n := len(b.ring)
	s = b.ring[b.tail]
	b.tail = (b.tail + 1) % n
	return s, true
}

// PeekRecent returns up to n of the most recently pushed samples, newest
// first, without moving tail.
func (b *Bus) PeekRecent(n int) []Sample {
	if !b.mu.TryLockTimeout(lockTimeout) {
		b.stats.IncLockTimeouts()
		return nil
	}
	defer b.mu.Unlock()

	size := len(b.ring)
	available := (b.head - b.tail + size) % size
	if n > available {
		n = available
	}
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		idx := (b.head - 1 - i + size) % size
		out = append(out, b.ring[idx])
	}
	return out
}

// LatestSnapshot returns the id -> value mapping for every signal whose
// latest sample arrived within maxAge of now. Stale signals are excluded so
// "missing at source" is distinguishable from "present but old".
func (b *Bus) LatestSnapshot(nowUs uint64, maxAge time.Duration) map[uint8]float32 {
	if !b.mu.TryLockTimeout(lockTimeout) {
		b.stats.IncLockTimeouts()
		return nil
	}
	defer b.mu.Unlock()

	maxAgeUs := uint64(maxAge.Microseconds())
	out := make(map[uint8]float32, len(b.live))
	for id, v := range b.live {
		if nowUs-v.TimestampUs < maxAgeUs {
			out[id] = v.Value
		}
	}
	return out
}
