package cfenc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

var testEncodeConfig = EncodeConfig{
	Width:         8,
	Height:        2,
	PixelFormat:   CFPixelFormatYUY2,
	EncodedFormat: EncodedFormatYUV422,
	Quality:       QualityDefault,
	Threads:       2,
}

type emitted struct {
	frame    uint32
	data     string
	pts, dur int64
}

// newTestCoordinator returns a started coordinator that records emitted
// samples and never sleeps.
func newTestCoordinator(t *testing.T, pool EncoderPool, capacity int, opts CoordinatorOptions) (*EncodeCoordinator, *[]emitted) {
	t.Helper()
	var out []emitted
	sink := func(s *PendingSample) error {
		out = append(out, emitted{s.FrameNumber, string(s.Data), s.PTS, s.Duration})
		return nil
	}
	cfg := testEncodeConfig
	cfg.Capacity = capacity
	c, err := NewEncodeCoordinator(pool, cfg, sink, opts)
	if err != nil {
		t.Fatalf("NewEncodeCoordinator: %v", err)
	}
	c.sleep = noSleep
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, &out
}

func testFrame(n uint32) []byte {
	return bytes.Repeat([]byte{byte(n)}, testEncodeConfig.FrameSize())
}

func submit(t *testing.T, c *EncodeCoordinator, n uint32) {
	t.Helper()
	if err := c.Submit(context.Background(), n, testFrame(n), testEncodeConfig.Pitch(), int64(n)*1001, 1001); err != nil {
		t.Fatalf("Submit(%d): %v", n, err)
	}
}

func frames(out []emitted) []uint32 {
	var got []uint32
	for _, e := range out {
		got = append(got, e.frame)
	}
	return got
}

func TestEncodeCoordinator_Start(t *testing.T) {
	pool := newFakePool()
	c, _ := newTestCoordinator(t, pool, 3, CoordinatorOptions{})

	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := strings.Join(pool.calls, ","); got != "metadata,prepare,start" {
		t.Errorf("calls = %s", got)
	}
	if len(pool.tags) != 1 || pool.tags[0] != (MetadataTag{Tag: TagVideoChannels, Value: 1}) {
		t.Errorf("tags = %+v", pool.tags)
	}
	if pool.tagsAtPrepare != 1 {
		t.Errorf("prepared with %d tags attached, want VCHN", pool.tagsAtPrepare)
	}
	if pool.cfg.Width != 8 || pool.cfg.Capacity != 3 {
		t.Errorf("prepared with %s", pool.cfg)
	}
}

func TestMakeTag(t *testing.T) {
	if TagVideoChannels != 0x4E484356 {
		t.Errorf("VCHN = %#x", TagVideoChannels)
	}
	if TagUniqueFrameNumber != 0x4D524655 {
		t.Errorf("UFRM = %#x", TagUniqueFrameNumber)
	}
}

func TestNewEncodeCoordinator_Errors(t *testing.T) {
	sink := func(*PendingSample) error { return nil }
	if _, err := NewEncodeCoordinator(nil, testEncodeConfig, sink, CoordinatorOptions{}); err == nil {
		t.Error("nil pool accepted")
	}
	if _, err := NewEncodeCoordinator(newFakePool(), testEncodeConfig, nil, CoordinatorOptions{}); err == nil {
		t.Error("nil sink accepted")
	}
	cfg := testEncodeConfig
	cfg.Height = 0
	if _, err := NewEncodeCoordinator(newFakePool(), cfg, sink, CoordinatorOptions{}); err == nil {
		t.Error("zero height accepted")
	}

	c, err := NewEncodeCoordinator(newFakePool(), testEncodeConfig, sink, CoordinatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Config().Capacity != 3 {
		t.Errorf("default capacity = %d, want 3 for 2 threads", c.Config().Capacity)
	}
}

func TestEncodeCoordinator_InOrder(t *testing.T) {
	pool := newFakePool()
	c, out := newTestCoordinator(t, pool, 3, CoordinatorOptions{})
	ctx := context.Background()

	for n := uint32(1); n <= 10; n++ {
		submit(t, c, n)
		if err := c.Collect(ctx); err != nil {
			t.Fatalf("Collect: %v", err)
		}
	}
	if err := c.DrainAll(ctx); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}

	if len(*out) != 10 {
		t.Fatalf("emitted %d samples, want 10", len(*out))
	}
	for i, e := range *out {
		n := uint32(i + 1)
		if e.frame != n || e.data != fmt.Sprintf("cfhd-%d", n) {
			t.Errorf("sample %d = %+v", i, e)
		}
		if e.pts != int64(n)*1001 || e.dur != 1001 {
			t.Errorf("frame %d timing = %d/%d", n, e.pts, e.dur)
		}
	}
	st := c.Stats()
	if st.Submitted != 10 || st.Emitted != 10 || st.OutOfOrder != 0 {
		t.Errorf("stats = %+v", st)
	}
	if pool.released != 10 {
		t.Errorf("released %d samples, want 10", pool.released)
	}
	if pool.pitches[0] != 16 {
		t.Errorf("pitch = %d, want 16", pool.pitches[0])
	}
}

func TestEncodeCoordinator_FullQueueWaits(t *testing.T) {
	pool := newFakePool()
	pool.delay = 2
	c, out := newTestCoordinator(t, pool, 3, CoordinatorOptions{})

	submit(t, c, 1)
	submit(t, c, 2)
	submit(t, c, 3)
	if len(*out) != 0 || c.InFlight() != 3 {
		t.Fatalf("before frame 4: emitted %d, in flight %d", len(*out), c.InFlight())
	}

	submit(t, c, 4)
	if got := frames(*out); len(got) != 1 || got[0] != 1 {
		t.Errorf("frame 4 submitted after emitting %v, want [1]", got)
	}
	if c.InFlight() != 3 {
		t.Errorf("in flight = %d, want 3", c.InFlight())
	}
	st := c.Stats()
	if st.Stalls != 3 || st.IdlePolls != 2 {
		t.Errorf("stalls = %d, idle polls = %d, want 3 and 2", st.Stalls, st.IdlePolls)
	}
	if st.MaxInFlight != 3 || pool.maxOutstanding != 3 {
		t.Errorf("max in flight = %d (pool saw %d), want 3", st.MaxInFlight, pool.maxOutstanding)
	}
}

func TestEncodeCoordinator_DrainAll(t *testing.T) {
	pool := newFakePool()
	pool.delay = 3
	c, out := newTestCoordinator(t, pool, 4, CoordinatorOptions{})

	submit(t, c, 1)
	submit(t, c, 2)
	if err := c.Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*out) != 0 {
		t.Fatalf("Collect emitted %v before the pool finished", frames(*out))
	}
	if err := c.DrainAll(context.Background()); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}
	if got := frames(*out); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("emitted %v", got)
	}
	if c.InFlight() != 0 {
		t.Errorf("in flight = %d after drain", c.InFlight())
	}
	if c.Stats().IdlePolls == 0 {
		t.Error("drain never slept")
	}
	if err := c.DrainAll(context.Background()); err != nil {
		t.Errorf("empty DrainAll: %v", err)
	}
}

func TestEncodeCoordinator_SlotsNotOverwritten(t *testing.T) {
	for _, newest := range []bool{false, true} {
		t.Run(fmt.Sprintf("newestFirst=%t", newest), func(t *testing.T) {
			pool := newFakePool()
			pool.delay = 1
			pool.newestFirst = newest
			c, out := newTestCoordinator(t, pool, 2, CoordinatorOptions{})

			for n := uint32(1); n <= 20; n++ {
				submit(t, c, n)
			}
			if err := c.DrainAll(context.Background()); err != nil {
				t.Fatal(err)
			}
			if len(pool.corrupted) != 0 {
				t.Errorf("frames overwritten while in flight: %v", pool.corrupted)
			}
			if len(*out) != 20 || pool.maxOutstanding > 2 {
				t.Errorf("emitted %d, max outstanding %d", len(*out), pool.maxOutstanding)
			}
			for _, e := range *out {
				if e.pts != int64(e.frame)*1001 {
					t.Errorf("frame %d has pts %d", e.frame, e.pts)
				}
			}
		})
	}
}

func TestEncodeCoordinator_OutOfOrder(t *testing.T) {
	pool := newFakePool()
	pool.newestFirst = true
	metrics := NewMetrics()
	c, out := newTestCoordinator(t, pool, 4, CoordinatorOptions{Metrics: metrics})

	for n := uint32(1); n <= 5; n++ {
		submit(t, c, n)
	}
	if err := c.DrainAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []uint32{4, 3, 2, 1, 5}
	got := frames(*out)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("emitted %v, want %v", got, want)
	}
	if c.Stats().OutOfOrder != 3 {
		t.Errorf("out of order = %d, want 3", c.Stats().OutOfOrder)
	}
	if v := testutil.ToFloat64(metrics.OutOfOrderSamples); v != 3 {
		t.Errorf("out of order metric = %v", v)
	}
}

func TestEncodeCoordinator_StrictOrder(t *testing.T) {
	pool := newFakePool()
	pool.newestFirst = true
	c, out := newTestCoordinator(t, pool, 4, CoordinatorOptions{StrictOrder: true})

	for n := uint32(1); n <= 4; n++ {
		submit(t, c, n)
	}
	err := c.Submit(context.Background(), 5, testFrame(5), testEncodeConfig.Pitch(), 0, 0)
	if !errors.Is(err, ErrOutOfOrderSample) {
		t.Fatalf("err = %v, want ErrOutOfOrderSample", err)
	}
	if got := frames(*out); len(got) != 1 || got[0] != 4 {
		t.Errorf("emitted %v, want [4]", got)
	}
	if pool.released != 2 {
		t.Errorf("released %d samples, want 2", pool.released)
	}
}

func TestEncodeCoordinator_SinkError(t *testing.T) {
	pool := newFakePool()
	errDisk := errors.New("disk full")
	cfg := testEncodeConfig
	cfg.Capacity = 2
	c, err := NewEncodeCoordinator(pool, cfg, func(s *PendingSample) error {
		if s.FrameNumber == 2 {
			return errDisk
		}
		return nil
	}, CoordinatorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c.sleep = noSleep
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	submit(t, c, 1)
	if err := c.Collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	submit(t, c, 2)
	err = c.Collect(context.Background())
	if !errors.Is(err, errDisk) {
		t.Fatalf("err = %v, want %v", err, errDisk)
	}
	if pool.released != 2 || len(pool.refs) != 0 {
		t.Errorf("released %d, %d still held", pool.released, len(pool.refs))
	}
}

func TestEncodeCoordinator_EncodedSampleError(t *testing.T) {
	pool := newFakePool()
	c, _ := newTestCoordinator(t, pool, 2, CoordinatorOptions{})
	submit(t, c, 1)

	pool.sampleErr = errors.New("bad sample")
	if err := c.Collect(context.Background()); err == nil {
		t.Fatal("Collect succeeded")
	}
	if pool.released != 1 {
		t.Errorf("sample not released on error")
	}
}

func TestEncodeCoordinator_SubmitErrors(t *testing.T) {
	ctx := context.Background()
	pitch := testEncodeConfig.Pitch()

	t.Run("not started", func(t *testing.T) {
		c, err := NewEncodeCoordinator(newFakePool(), testEncodeConfig, func(*PendingSample) error { return nil }, CoordinatorOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Submit(ctx, 1, testFrame(1), pitch, 0, 0); err == nil {
			t.Error("submit before Start succeeded")
		}
	})

	t.Run("sequence", func(t *testing.T) {
		c, _ := newTestCoordinator(t, newFakePool(), 3, CoordinatorOptions{})
		if err := c.Submit(ctx, 2, testFrame(2), pitch, 0, 0); !errors.Is(err, ErrFrameSequence) {
			t.Errorf("frame 2 first: %v", err)
		}
		submit(t, c, 1)
		if err := c.Submit(ctx, 1, testFrame(1), pitch, 0, 0); !errors.Is(err, ErrFrameSequence) {
			t.Errorf("repeated frame: %v", err)
		}
	})

	t.Run("short frame", func(t *testing.T) {
		c, _ := newTestCoordinator(t, newFakePool(), 3, CoordinatorOptions{})
		if err := c.Submit(ctx, 1, make([]byte, 4), pitch, 0, 0); !errors.Is(err, ErrFrameSizeMismatch) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("pool rejects", func(t *testing.T) {
		pool := newFakePool()
		c, _ := newTestCoordinator(t, pool, 3, CoordinatorOptions{})
		pool.submitErr = errors.New("queue full")
		if err := c.Submit(ctx, 1, testFrame(1), pitch, 0, 0); err == nil {
			t.Fatal("pool error not returned")
		}
		if c.InFlight() != 0 {
			t.Errorf("in flight = %d after rejected submit", c.InFlight())
		}
		submit(t, c, 1)
	})

	t.Run("closed", func(t *testing.T) {
		c, _ := newTestCoordinator(t, newFakePool(), 3, CoordinatorOptions{})
		_ = c.Close()
		if err := c.Submit(ctx, 1, testFrame(1), pitch, 0, 0); !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	})
}

func TestEncodeCoordinator_Canceled(t *testing.T) {
	pool := newFakePool()
	pool.delay = 1 << 30
	c, _ := newTestCoordinator(t, pool, 1, CoordinatorOptions{})
	submit(t, c, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Submit(ctx, 2, testFrame(2), testEncodeConfig.Pitch(), 0, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Submit = %v, want context.Canceled", err)
	}
	if err := c.DrainAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("DrainAll = %v, want context.Canceled", err)
	}
}

func TestEncodeCoordinator_Close(t *testing.T) {
	pool := newFakePool()
	pool.delay = 1 << 30
	alloc := &countingAllocator{}
	c, _ := newTestCoordinator(t, allocPool{pool, alloc}, 3, CoordinatorOptions{})
	submit(t, c, 1)
	submit(t, c, 2)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !pool.closed || c.InFlight() != 0 {
		t.Errorf("closed = %t, in flight = %d", pool.closed, c.InFlight())
	}
	if alloc.allocs != 2 || alloc.frees != 2 {
		t.Errorf("slot allocator allocs = %d, frees = %d, want 2 and 2", alloc.allocs, alloc.frees)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestEncodeCoordinator_Metrics(t *testing.T) {
	pool := newFakePool()
	pool.delay = 1
	m := NewMetrics()
	c, _ := newTestCoordinator(t, pool, 2, CoordinatorOptions{Metrics: m})
	for n := uint32(1); n <= 4; n++ {
		submit(t, c, n)
	}
	if err := c.DrainAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if v := testutil.ToFloat64(m.FramesSubmitted); v != 4 {
		t.Errorf("submitted = %v", v)
	}
	if v := testutil.ToFloat64(m.SamplesWritten); v != 4 {
		t.Errorf("written = %v", v)
	}
	if v := testutil.ToFloat64(m.EncodedBytes); v != float64(c.Stats().Bytes) {
		t.Errorf("bytes = %v, stats say %d", v, c.Stats().Bytes)
	}
	if v := testutil.ToFloat64(m.FramesInFlight); v != 0 {
		t.Errorf("in flight gauge = %v", v)
	}
	if testutil.ToFloat64(m.SubmitStalls) == 0 {
		t.Error("no stalls recorded")
	}
}

func TestNewEncoderPool_Unavailable(t *testing.T) {
	if ProviderCineForm.Available() {
		t.Skip("CineForm library is installed")
	}
	if _, err := NewEncoderPool(2, 3); !errors.Is(err, ErrEncoderUnavailable) {
		t.Errorf("err = %v, want ErrEncoderUnavailable", err)
	}
}
