package speaker

import (
	"sync"

	"github.com/gopxl/beep"
)

// Compile-time interface assertion.
var _ beep.Streamer = (*Queue)(nil)

type queued struct {
	samples    []int16
	pos        int
	onComplete func()
}

// Queue is a [beep.Streamer] that plays scheduled PCM buffers back to back.
// When nothing is queued it streams silence so the speaker keeps pulling.
// It never fills gaps between buffers with anything but silence.
//
// Queue is safe for concurrent use.
type Queue struct {
	channels  int
	maxQueued int

	mu      sync.Mutex
	pending []*queued
	dropped int
}

// NewQueue creates a queue for interleaved PCM with the given channel count.
// At most maxQueued buffers wait for playback; scheduling beyond that drops
// the oldest waiting buffer so latency stays bounded.
func NewQueue(channels, maxQueued int) *Queue {
	if channels <= 0 {
		channels = 1
	}
	if maxQueued <= 0 {
		maxQueued = 16
	}
	return &Queue{channels: channels, maxQueued: maxQueued}
}

// Push appends samples. onComplete runs once the buffer has been played or dropped.
func (q *Queue) Push(samples []int16, onComplete func()) {
	var evicted *queued
	q.mu.Lock()
	if len(q.pending) >= q.maxQueued {
		evicted = q.pending[0]
		q.pending = q.pending[1:]
		q.dropped++
	}
	q.pending = append(q.pending, &queued{samples: samples, onComplete: onComplete})
	q.mu.Unlock()

	if evicted != nil && evicted.onComplete != nil {
		evicted.onComplete()
	}
}

// Len returns the number of buffers waiting or playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dropped returns how many buffers were evicted by a full queue.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Stream implements [beep.Streamer].
func (q *Queue) Stream(samples [][2]float64) (int, bool) {
	var done []func()

	q.mu.Lock()
	i := 0
	for i < len(samples) && len(q.pending) > 0 {
		cur := q.pending[0]
		for i < len(samples) && cur.pos+q.channels <= len(cur.samples) {
			l := float64(cur.samples[cur.pos]) / 32768
			r := l
			if q.channels > 1 {
				r = float64(cur.samples[cur.pos+1]) / 32768
			}
			samples[i] = [2]float64{l, r}
			cur.pos += q.channels
			i++
		}
		if cur.pos+q.channels > len(cur.samples) {
			q.pending = q.pending[1:]
			if cur.onComplete != nil {
				done = append(done, cur.onComplete)
			}
		}
	}
	q.mu.Unlock()

	for ; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	for _, fn := range done {
		fn()
	}
	return len(samples), true
}

// Err implements [beep.Streamer].
func (q *Queue) Err() error { return nil }
