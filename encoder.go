package cfenc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// DefaultPollInterval is how long Poll sleeps when no sample is ready.
const DefaultPollInterval = 10 * time.Millisecond

// SampleRef is an opaque handle to an encoded sample owned by the pool.
type SampleRef uintptr

// MetadataTag is a 32-bit metadata value attached to the encoder pool.
type MetadataTag struct {
	Tag   uint32
	Value uint32
}

// makeTag builds a CineForm metadata tag from four characters.
func makeTag(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Metadata tags used by the encoder.
var (
	TagVideoChannels     = makeTag('V', 'C', 'H', 'N') // 1 = 2D, 2 = stereo 3D
	TagUniqueFrameNumber = makeTag('U', 'F', 'R', 'M')
)

// EncoderPool is an asynchronous CineForm encoder pool. Frames are
// submitted by number and completed samples are retrieved by polling.
// The buffer passed to SubmitAsync must stay valid until the sample for
// that frame has been retrieved. Pool-wide metadata is attached before
// Prepare so the prepared encoders see it.
type EncoderPool interface {
	Prepare(cfg EncodeConfig) error
	AttachMetadata(tags []MetadataTag) error
	Start() error
	SubmitAsync(frameNumber uint32, frame []byte, pitch int) error
	// TestForSample returns a completed sample if one is ready.
	TestForSample() (frameNumber uint32, ref SampleRef, ok bool)
	// EncodedSample returns the sample bytes, valid until ReleaseSample.
	EncodedSample(ref SampleRef) ([]byte, error)
	ReleaseSample(ref SampleRef) error
	Close() error
}

// EncoderPoolFactory creates a pool with the given worker count and queue length.
type EncoderPoolFactory func(threads, capacity int) (EncoderPool, error)

// Allocator-aware pools need slot buffers outside the Go heap.
type slotAllocatorProvider interface {
	SlotAllocator() BufferAllocator
}

// --- Registry ---

type encoderPoolRegistry struct {
	mu        sync.RWMutex
	factories map[Provider]EncoderPoolFactory
}

var globalEncoderPoolRegistry = &encoderPoolRegistry{
	factories: make(map[Provider]EncoderPoolFactory),
}

// registerEncoderPool registers a pool factory for a provider.
func registerEncoderPool(provider Provider, factory EncoderPoolFactory) {
	globalEncoderPoolRegistry.mu.Lock()
	defer globalEncoderPoolRegistry.mu.Unlock()
	globalEncoderPoolRegistry.factories[provider] = factory
}

// NewEncoderPool creates a pool from the first available provider.
func NewEncoderPool(threads, capacity int) (EncoderPool, error) {
	globalEncoderPoolRegistry.mu.RLock()
	defer globalEncoderPoolRegistry.mu.RUnlock()

	for _, p := range encoderProviders {
		factory, ok := globalEncoderPoolRegistry.factories[p]
		if !ok || !p.Available() {
			continue
		}
		return factory(threads, capacity)
	}
	return nil, ErrEncoderUnavailable
}

// PendingSample is a completed encode between retrieval and release.
type PendingSample struct {
	FrameNumber uint32
	Data        []byte // Owned by the pool until released
	PTS         int64
	Duration    int64
	Latency     time.Duration // Submit to retrieval
	ref         SampleRef
}

// SampleSink receives every completed sample in retrieval order. The
// sample is released back to the pool when the sink returns.
type SampleSink func(s *PendingSample) error

// CoordinatorOptions tune an EncodeCoordinator.
type CoordinatorOptions struct {
	PollInterval time.Duration // 0 = DefaultPollInterval
	StrictOrder  bool          // Fail on out-of-order completions instead of logging them
	Allocator    BufferAllocator
	Logger       hclog.Logger
	Metrics      *Metrics
}

// CoordinatorStats counts coordinator activity.
type CoordinatorStats struct {
	Submitted   uint64
	Emitted     uint64
	Bytes       uint64
	Stalls      uint64 // Polls forced by a full queue or busy slot
	IdlePolls   uint64
	OutOfOrder  uint64
	MaxInFlight int
}

// EncodeCoordinator drives an EncoderPool through a bounded ring of frame
// slots. At most cfg.Capacity frames are in flight, and a slot is never
// overwritten before its previous frame has been retrieved. It is not
// safe for concurrent use.
type EncodeCoordinator struct {
	pool  EncoderPool
	cfg   EncodeConfig
	slots *FrameSlotQueue
	sink  SampleSink

	pollInterval time.Duration
	strict       bool
	log          hclog.Logger
	metrics      *Metrics
	sleep        func(ctx context.Context, d time.Duration) error

	inFlight      int
	lastSubmitted uint32
	lastEmitted   uint32
	submittedAt   []time.Time
	pending       *PendingSample

	stats   CoordinatorStats
	started bool
	closed  bool
}

// NewEncodeCoordinator creates a coordinator for pool. The pool must be
// unprepared; Start prepares and starts it.
func NewEncodeCoordinator(pool EncoderPool, cfg EncodeConfig, sink SampleSink, opts CoordinatorOptions) (*EncodeCoordinator, error) {
	if pool == nil {
		return nil, errors.New("encoder pool is nil")
	}
	if sink == nil {
		return nil, errors.New("sample sink is nil")
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = Capacity(cfg.Threads)
	}
	if cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid frame height %d", cfg.Height)
	}

	alloc := opts.Allocator
	if alloc == nil {
		if p, ok := pool.(slotAllocatorProvider); ok {
			alloc = p.SlotAllocator()
		}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &EncodeCoordinator{
		pool:         pool,
		cfg:          cfg,
		slots:        NewFrameSlotQueue(cfg.Capacity, cfg.Height, alloc),
		sink:         sink,
		pollInterval: interval,
		strict:       opts.StrictOrder,
		log:          logger,
		metrics:      opts.Metrics,
		sleep:        sleepContext,
		submittedAt:  make([]time.Time, cfg.Capacity),
	}, nil
}

// Start prepares the pool for the configured frame format, tags it as a
// 2D stream and starts its workers.
func (c *EncodeCoordinator) Start() error {
	if c.started {
		return nil
	}
	if err := c.pool.AttachMetadata([]MetadataTag{{Tag: TagVideoChannels, Value: 1}}); err != nil {
		return fmt.Errorf("attach encoder metadata: %w", err)
	}
	if err := c.pool.Prepare(c.cfg); err != nil {
		return fmt.Errorf("prepare encoder pool: %w", err)
	}
	if err := c.pool.Start(); err != nil {
		return fmt.Errorf("start encoder pool: %w", err)
	}
	c.started = true
	c.log.Debug("encoder pool started", "config", c.cfg.String())
	return nil
}

// Config returns the encode configuration.
func (c *EncodeCoordinator) Config() EncodeConfig { return c.cfg }

// InFlight returns the number of submitted frames not yet retrieved.
func (c *EncodeCoordinator) InFlight() int { return c.inFlight }

// Stats returns activity counters.
func (c *EncodeCoordinator) Stats() CoordinatorStats { return c.stats }

// Submit stores the frame in its slot and hands it to the pool. It polls
// for completions first while the queue is full or the target slot still
// holds an unretrieved frame. Frame numbers must be consecutive from 1.
func (c *EncodeCoordinator) Submit(ctx context.Context, frameNumber uint32, data []byte, pitch int, pts, duration int64) error {
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return errors.New("encoder pool not started")
	}
	if frameNumber != c.lastSubmitted+1 {
		return fmt.Errorf("%w: got %d after %d", ErrFrameSequence, frameNumber, c.lastSubmitted)
	}

	for c.inFlight >= c.cfg.Capacity || c.slots.Busy(frameNumber) {
		c.stats.Stalls++
		c.metrics.submitStall()
		if _, err := c.Poll(ctx); err != nil {
			return err
		}
	}

	idx, err := c.slots.Acquire(frameNumber, data, pitch, pts, duration)
	if err != nil {
		return fmt.Errorf("store frame %d: %w", frameNumber, err)
	}
	if err := c.pool.SubmitAsync(frameNumber, c.slots.Buffer(idx), pitch); err != nil {
		_, _, _ = c.slots.Complete(frameNumber)
		return fmt.Errorf("submit frame %d: %w", frameNumber, err)
	}

	c.submittedAt[idx] = time.Now()
	c.lastSubmitted = frameNumber
	c.inFlight++
	c.stats.Submitted++
	if c.inFlight > c.stats.MaxInFlight {
		c.stats.MaxInFlight = c.inFlight
	}
	c.metrics.frameSubmitted(c.inFlight)
	return nil
}

// Poll emits one completed sample if the pool has one ready. Otherwise it
// sleeps for the poll interval and returns false.
func (c *EncodeCoordinator) Poll(ctx context.Context) (bool, error) {
	got, err := c.collectOne()
	if err != nil || got {
		return got, err
	}
	c.stats.IdlePolls++
	c.metrics.idlePoll()
	return false, c.sleep(ctx, c.pollInterval)
}

// Collect emits every sample that is ready without sleeping.
func (c *EncodeCoordinator) Collect(ctx context.Context) error {
	for c.inFlight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := c.collectOne()
		if err != nil {
			return err
		}
		if !got {
			return nil
		}
	}
	return nil
}

// DrainAll polls until every submitted frame has been emitted.
func (c *EncodeCoordinator) DrainAll(ctx context.Context) error {
	if c.inFlight > 0 {
		c.log.Debug("draining encoder", "in_flight", c.inFlight)
	}
	for c.inFlight > 0 {
		if _, err := c.Poll(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *EncodeCoordinator) collectOne() (bool, error) {
	if c.inFlight == 0 {
		return false, nil
	}
	frameNumber, ref, ok := c.pool.TestForSample()
	if !ok {
		return false, nil
	}

	data, err := c.pool.EncodedSample(ref)
	if err != nil {
		return false, c.release(ref, fmt.Errorf("get encoded sample for frame %d: %w", frameNumber, err))
	}
	idx := c.slots.Index(frameNumber)
	pts, duration, err := c.slots.Complete(frameNumber)
	if err != nil {
		return false, c.release(ref, err)
	}
	c.inFlight--

	if frameNumber < c.lastEmitted {
		c.stats.OutOfOrder++
		c.metrics.outOfOrder()
		c.log.Warn("encoder returned sample out of order", "frame", frameNumber, "after", c.lastEmitted)
		if c.strict {
			return false, c.release(ref, fmt.Errorf("%w: frame %d after %d", ErrOutOfOrderSample, frameNumber, c.lastEmitted))
		}
	} else {
		c.lastEmitted = frameNumber
	}

	c.pending = &PendingSample{
		FrameNumber: frameNumber,
		Data:        data,
		PTS:         pts,
		Duration:    duration,
		Latency:     time.Since(c.submittedAt[idx]),
		ref:         ref,
	}
	c.stats.Emitted++
	c.stats.Bytes += uint64(len(data))
	c.metrics.sampleEmitted(len(data), c.pending.Latency, c.inFlight)

	sinkErr := c.sink(c.pending)
	if sinkErr != nil {
		sinkErr = fmt.Errorf("write frame %d: %w", frameNumber, sinkErr)
	}
	c.pending = nil
	return true, c.release(ref, sinkErr)
}

// release returns ref to the pool, combining any release failure with cause.
func (c *EncodeCoordinator) release(ref SampleRef, cause error) error {
	if err := c.pool.ReleaseSample(ref); err != nil {
		if cause == nil {
			return fmt.Errorf("release sample: %w", err)
		}
		return multierror.Append(cause, fmt.Errorf("release sample: %w", err))
	}
	return cause
}

// Close stops the pool, discarding anything still in flight, and frees
// the slot buffers. It is safe to call more than once.
func (c *EncodeCoordinator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var result *multierror.Error
	if c.pending != nil {
		if err := c.pool.ReleaseSample(c.pending.ref); err != nil {
			result = multierror.Append(result, err)
		}
		c.pending = nil
	}
	if c.inFlight > 0 {
		c.log.Debug("discarding in-flight frames", "count", c.inFlight)
	}
	if err := c.pool.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close encoder pool: %w", err))
	}
	// Buffers are freed only after the pool has stopped reading them.
	if err := c.slots.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	c.inFlight = 0
	c.metrics.setInFlight(0)
	return result.ErrorOrNil()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
