package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/aratta-robotics/groundmark/internal/monitoring"
)

// SampleBuffer is a bounded time-ordered buffer of telemetry samples. It is a
// single-writer (telemetry producer), multi-reader (synchronizer queries)
// structure; readers never block the writer beyond the trim critical section.
type SampleBuffer struct {
	mu        sync.RWMutex
	samples   []Sample
	retention time.Duration
}

// NewSampleBuffer creates a buffer that retains samples for the given window
// behind the newest sample, independent of count.
func NewSampleBuffer(retention time.Duration) *SampleBuffer {
	return &SampleBuffer{retention: retention}
}

// Append adds a sample and trims entries older than the retention window.
// Samples that regress in time are dropped: timestamps are monotonically
// non-decreasing per source, so a regression is a corrupt or duplicated read.
func (b *SampleBuffer) Append(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.samples); n > 0 && s.Timestamp.Before(b.samples[n-1].Timestamp) {
		monitoring.Logf("telemetry: dropped out-of-order sample at %v (buffer head %v)",
			s.Timestamp, b.samples[n-1].Timestamp)
		return
	}

	b.samples = append(b.samples, s)

	cutoff := s.Timestamp.Add(-b.retention)
	firstLive := sort.Search(len(b.samples), func(i int) bool {
		return !b.samples[i].Timestamp.Before(cutoff)
	})
	if firstLive > 0 {
		b.samples = append(b.samples[:0], b.samples[firstLive:]...)
	}
}

// Len returns the number of buffered samples.
func (b *SampleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Span returns the timestamps of the oldest and newest buffered samples.
func (b *SampleBuffer) Span() (first, last time.Time, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return b.samples[0].Timestamp, b.samples[len(b.samples)-1].Timestamp, true
}

// Bracket returns the samples immediately at-or-before and at-or-after t.
// Either side may be absent when t falls outside the buffered span.
func (b *SampleBuffer) Bracket(t time.Time) (before, after Sample, hasBefore, hasAfter bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.samples)
	if n == 0 {
		return Sample{}, Sample{}, false, false
	}

	// First sample with timestamp >= t.
	idx := sort.Search(n, func(i int) bool {
		return !b.samples[i].Timestamp.Before(t)
	})

	if idx < n {
		after = b.samples[idx]
		hasAfter = true
	}
	if idx < n && b.samples[idx].Timestamp.Equal(t) {
		before = b.samples[idx]
		hasBefore = true
	} else if idx > 0 {
		before = b.samples[idx-1]
		hasBefore = true
	}
	return before, after, hasBefore, hasAfter
}
