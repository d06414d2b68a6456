package pipeline

import (
	"sync"

	"github.com/jddunn/safeos/internal/models"
)

// frameQueue is a bounded FIFO of pending frames for one stream. Enqueue
// never blocks: at capacity the oldest frame is discarded, because a fresh
// frame is worth more than a stale one.
type frameQueue struct {
	mu     sync.Mutex
	frames []models.Frame
	max    int
}

func newFrameQueue(max int) *frameQueue {
	if max < 1 {
		max = 1
	}
	return &frameQueue{max: max}
}

// push appends the frame and reports whether an older frame was dropped to
// make room.
func (q *frameQueue) push(frame models.Frame) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.max {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		dropped = true
	}
	q.frames = append(q.frames, frame)
	return dropped
}

func (q *frameQueue) pop() (models.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return models.Frame{}, false
	}
	frame := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames = q.frames[:len(q.frames)-1]
	return frame, true
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
