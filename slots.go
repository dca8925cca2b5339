package cfenc

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// BufferAllocator provides storage for frame slots.
type BufferAllocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte) error
}

// HeapAllocator allocates slot buffers on the Go heap.
type HeapAllocator struct{}

// Alloc implements BufferAllocator.
func (HeapAllocator) Alloc(size int) ([]byte, error) { return make([]byte, size), nil }

// Free implements BufferAllocator.
func (HeapAllocator) Free([]byte) error { return nil }

// frameSlot holds one in-flight frame's pixels and timing.
type frameSlot struct {
	buf      []byte
	frame    uint32
	pts      int64
	duration int64
	busy     bool
}

// FrameSlotQueue is a fixed ring of frame buffers addressed by
// (frameNumber-1) mod capacity. A slot stays busy from Acquire until
// Complete, and a busy slot cannot be acquired for another frame.
type FrameSlotQueue struct {
	slots     []frameSlot
	height    int
	frameSize int // Fixed by the first Acquire
	alloc     BufferAllocator
}

// NewFrameSlotQueue creates a ring of capacity slots for frames of the
// given height. Buffers are allocated lazily.
func NewFrameSlotQueue(capacity, height int, alloc BufferAllocator) *FrameSlotQueue {
	if capacity < 1 {
		capacity = 1
	}
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	return &FrameSlotQueue{
		slots:  make([]frameSlot, capacity),
		height: height,
		alloc:  alloc,
	}
}

// Capacity returns the number of slots.
func (q *FrameSlotQueue) Capacity() int { return len(q.slots) }

// Index returns the slot index for a frame number (1-based).
func (q *FrameSlotQueue) Index(frameNumber uint32) int {
	return int((frameNumber - 1) % uint32(len(q.slots)))
}

// Busy reports whether the slot frameNumber maps to holds an unresolved frame.
func (q *FrameSlotQueue) Busy(frameNumber uint32) bool {
	return q.slots[q.Index(frameNumber)].busy
}

// Acquire copies data into the slot for frameNumber and records its timing.
// data must hold at least pitch*height bytes, and pitch*height must match
// the size fixed by the first call.
func (q *FrameSlotQueue) Acquire(frameNumber uint32, data []byte, pitch int, pts, duration int64) (int, error) {
	if frameNumber == 0 {
		return -1, fmt.Errorf("%w: frame numbers start at 1", ErrUnknownFrame)
	}
	size := pitch * q.height
	if size <= 0 || len(data) < size {
		return -1, fmt.Errorf("%w: frame %d has %d bytes, need %d (pitch %d x %d rows)",
			ErrFrameSizeMismatch, frameNumber, len(data), size, pitch, q.height)
	}
	if q.frameSize == 0 {
		q.frameSize = size
	} else if size != q.frameSize {
		return -1, fmt.Errorf("%w: frame %d is %d bytes, run uses %d",
			ErrFrameSizeMismatch, frameNumber, size, q.frameSize)
	}

	idx := q.Index(frameNumber)
	s := &q.slots[idx]
	if s.busy {
		return -1, fmt.Errorf("%w: slot %d holds frame %d", ErrSlotBusy, idx, s.frame)
	}
	if s.buf == nil {
		buf, err := q.alloc.Alloc(size)
		if err != nil {
			return -1, fmt.Errorf("allocate slot %d: %w", idx, err)
		}
		s.buf = buf
	}
	copy(s.buf, data[:size])
	s.frame = frameNumber
	s.pts = pts
	s.duration = duration
	s.busy = true
	return idx, nil
}

// Buffer returns the storage of slot idx.
func (q *FrameSlotQueue) Buffer(idx int) []byte { return q.slots[idx].buf }

// TimestampsFor returns the timing recorded for frameNumber while its slot
// still holds it.
func (q *FrameSlotQueue) TimestampsFor(frameNumber uint32) (pts, duration int64, ok bool) {
	s := &q.slots[q.Index(frameNumber)]
	if s.buf == nil || s.frame != frameNumber {
		return 0, 0, false
	}
	return s.pts, s.duration, true
}

// Complete marks frameNumber resolved and returns its timing.
func (q *FrameSlotQueue) Complete(frameNumber uint32) (pts, duration int64, err error) {
	if frameNumber == 0 {
		return 0, 0, fmt.Errorf("%w: frame 0", ErrUnknownFrame)
	}
	s := &q.slots[q.Index(frameNumber)]
	if !s.busy || s.frame != frameNumber {
		return 0, 0, fmt.Errorf("%w: frame %d (slot holds %d, busy=%t)",
			ErrUnknownFrame, frameNumber, s.frame, s.busy)
	}
	s.busy = false
	return s.pts, s.duration, nil
}

// Close frees every allocated buffer.
func (q *FrameSlotQueue) Close() error {
	var result *multierror.Error
	for i := range q.slots {
		if q.slots[i].buf == nil {
			continue
		}
		if err := q.alloc.Free(q.slots[i].buf); err != nil {
			result = multierror.Append(result, fmt.Errorf("free slot %d: %w", i, err))
		}
		q.slots[i] = frameSlot{}
	}
	return result.ErrorOrNil()
}
