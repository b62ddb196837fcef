// Package metrics tracks running statistics over transport-record
// payload sizes, using gonum/stat for the mean/variance computation.
// A Recorder is purely observational: nothing in the qemud core
// depends on its presence, and it is safe to read concurrently with
// the cooperative goroutine that feeds it.
package metrics

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Recorder accumulates per-channel payload-size samples and exposes
// their running mean and standard deviation on demand.
type Recorder struct {
	mu       sync.RWMutex
	samples  map[int][]float64
	total    uint64
	overflow uint64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{samples: make(map[int][]float64)}
}

// Observe records one delivered record of length n bytes on channel.
func (r *Recorder) Observe(channel int, n int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[channel] = append(r.samples[channel], float64(n))
	r.total++
}

// ObserveOverflow records one overflow-discard event, regardless of
// channel (the channel of an oversize record is never trusted).
func (r *Recorder) ObserveOverflow() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overflow++
}

// ChannelStats reports the sample count, mean, and standard deviation
// of observed payload sizes for one channel.
type ChannelStats struct {
	Count  int
	Mean   float64
	StdDev float64
}

// Stats returns a snapshot of per-channel statistics.
func (r *Recorder) Stats() map[int]ChannelStats {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]ChannelStats, len(r.samples))
	for ch, values := range r.samples {
		if len(values) == 0 {
			continue
		}
		mean, std := stat.MeanStdDev(values, nil)
		out[ch] = ChannelStats{Count: len(values), Mean: mean, StdDev: std}
	}
	return out
}

// Totals returns the total number of delivered records and overflow
// discards observed so far.
func (r *Recorder) Totals() (records, overflows uint64) {
	if r == nil {
		return 0, 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total, r.overflow
}
