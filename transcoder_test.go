package cfenc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func rawVideoTrack() TrackInfo {
	return TrackInfo{
		Index: 0, Type: MediaTypeVideo, CodecName: CodecNameRawVideo, TimeBase: R(1, 25),
		Width: 8, Height: 2, PixelFormat: PixelFormatYUYV422,
		FrameRate: R(25, 1), AvgFrameRate: R(25, 1), SampleAspectRatio: R(1, 1), NbFrames: 3,
	}
}

func pcmTrack(index int) TrackInfo {
	return TrackInfo{Index: index, Type: MediaTypeAudio, CodecName: "pcm_s16le", TimeBase: R(1, 48000), Channels: 2, SampleRate: 48000}
}

func decodedTrack(codec string, format PixelFormat) TrackInfo {
	return TrackInfo{
		Index: 0, Type: MediaTypeVideo, CodecName: codec, TimeBase: R(1, 90000),
		Width: 8, Height: 2, PixelFormat: format,
		FrameRate: R(24000, 1001), AvgFrameRate: R(24000, 1001), SampleAspectRatio: R(1, 1),
	}
}

// videoPackets returns n packets on track 0 whose payload starts with the
// frame number.
func videoPackets(n int, size int, step int64) []Packet {
	var out []Packet
	for i := 0; i < n; i++ {
		data := bytes.Repeat([]byte{byte(i + 1)}, size)
		out = append(out, Packet{TrackIndex: 0, Data: data, PTS: int64(i) * step, DTS: int64(i) * step, Duration: step, Key: true})
	}
	return out
}

type transcoderHarness struct {
	io   *fakeIO
	pool *fakePool
	tr   *Transcoder
}

func newHarness(t *testing.T, demux *fakeDemuxer, mutate func(cfg *TranscoderConfig)) *transcoderHarness {
	t.Helper()
	h := &transcoderHarness{
		io:   &fakeIO{demux: demux},
		pool: newFakePool(),
	}
	cfg := TranscoderConfig{
		Input:        InputSpec{Path: "in.mov"},
		Output:       "out.mov",
		Format:       FormatOptions{Quality: QualityDefault, Threads: 2},
		PollInterval: time.Microsecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := NewTranscoder(cfg, TranscoderDeps{
		IO:      h.io,
		NewPool: func(threads, capacity int) (EncoderPool, error) { return h.pool, nil },
	})
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	h.tr = tr
	t.Cleanup(func() { _ = tr.Close() })
	return h
}

func (h *transcoderHarness) run(t *testing.T) RunStats {
	t.Helper()
	ctx := context.Background()
	if err := h.tr.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	stats, err := h.tr.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return stats
}

func TestTranscoder_Direct(t *testing.T) {
	packets := videoPackets(3, 32, 1)
	audio := []Packet{
		{TrackIndex: 1, Data: []byte("a0"), PTS: 0, DTS: 0, Duration: 1920},
		{TrackIndex: 1, Data: []byte("a1"), PTS: 1920, DTS: 1920, Duration: 1920},
	}
	demux := &fakeDemuxer{
		tracks:  []TrackInfo{rawVideoTrack(), pcmTrack(1)},
		packets: []Packet{packets[0], audio[0], packets[1], audio[1], packets[2]},
	}
	h := newHarness(t, demux, nil)
	stats := h.run(t)

	if !h.tr.Plan().Direct || !stats.Direct {
		t.Fatalf("plan = %s, want direct", h.tr.Plan())
	}
	if h.io.scaler != nil {
		t.Error("scaler created on the direct path")
	}
	if len(h.pool.jobs) != 3 {
		t.Fatalf("pool got %d frames", len(h.pool.jobs))
	}
	for i, j := range h.pool.jobs {
		if !bytes.Equal(j.snapshot, packets[i].Data) {
			t.Errorf("frame %d not forwarded unchanged", i+1)
		}
		if h.pool.pitches[i] != 16 {
			t.Errorf("frame %d pitch = %d, want 16", i+1, h.pool.pitches[i])
		}
	}

	video := h.io.mux.track(0)
	if len(video) != 3 {
		t.Fatalf("wrote %d video packets", len(video))
	}
	for i, p := range video {
		if string(p.Data) != fmt.Sprintf("cfhd-%d", i+1) || p.PTS != int64(i) || p.DTS != p.PTS || !p.Key {
			t.Errorf("video packet %d = %+v", i, p)
		}
	}
	if a := h.io.mux.track(1); len(a) != 2 || a[1].PTS != 1920 {
		t.Errorf("audio packets = %+v", a)
	}
	if !h.io.mux.header || !h.io.mux.trailer {
		t.Errorf("header = %t, trailer = %t", h.io.mux.header, h.io.mux.trailer)
	}
	if stats.Frames != 3 || stats.Passthrough != 2 || stats.PacketsRead != 5 {
		t.Errorf("stats = %+v", stats)
	}
	if h.tr.State() != PipelineStateFinished {
		t.Errorf("state = %s", h.tr.State())
	}
}

func TestTranscoder_Paths(t *testing.T) {
	tests := []struct {
		name       string
		track      TrackInfo
		rgb        bool
		wantPitch  int
		wantScale  PixelFormat
		wantRepack bool
	}{
		{"8-bit decode and scale", decodedTrack("h264", PixelFormatYUV420P), false, 16, PixelFormatYUYV422, false},
		{"10-bit repack only", decodedTrack("prores", PixelFormatYUV422P10LE), false, 128, PixelFormatNone, true},
		{"rgb", decodedTrack("h264", PixelFormatYUV420P), true, 48, PixelFormatRGB48LE, false},
		{"raw but wrong format", decodedTrack(CodecNameRawVideo, PixelFormatYUV420P), false, 16, PixelFormatYUYV422, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := &fakeDecoder{width: 8, height: 2, format: tt.track.PixelFormat, lag: 2, frameDuration: 3754}
			demux := &fakeDemuxer{
				tracks:  []TrackInfo{tt.track},
				packets: videoPackets(5, 4, 3754),
				decoder: dec,
			}
			h := newHarness(t, demux, func(cfg *TranscoderConfig) { cfg.Format.RGB = tt.rgb })
			stats := h.run(t)

			plan := h.tr.Plan()
			if plan.Direct || plan.ScaleTo != tt.wantScale || plan.Repack != tt.wantRepack {
				t.Fatalf("plan = %+v", plan)
			}
			if tt.wantRepack != (h.io.repacker != nil) {
				t.Errorf("repacker created = %t, want %t", h.io.repacker != nil, tt.wantRepack)
			}
			if tt.wantScale == PixelFormatNone && h.io.scaler != nil {
				t.Error("scaler created without a target format")
			}
			if tt.wantScale != PixelFormatNone && (h.io.scaler == nil || h.io.scaler.frames != 5) {
				t.Errorf("scaler = %+v", h.io.scaler)
			}
			if !dec.flushed || dec.threads != 2 {
				t.Errorf("decoder flushed = %t, threads = %d", dec.flushed, dec.threads)
			}
			if stats.Frames != 5 || len(h.pool.jobs) != 5 {
				t.Fatalf("frames = %d, submitted = %d", stats.Frames, len(h.pool.jobs))
			}
			for i, j := range h.pool.jobs {
				if h.pool.pitches[i] != tt.wantPitch {
					t.Errorf("frame %d pitch = %d, want %d", i+1, h.pool.pitches[i], tt.wantPitch)
				}
				if len(j.snapshot) != tt.wantPitch*2 {
					t.Errorf("frame %d is %d bytes", i+1, len(j.snapshot))
				}
			}
			for i, p := range h.io.mux.track(0) {
				if p.PTS != int64(i) || p.Duration != 1 {
					t.Errorf("packet %d pts = %d dur = %d", i, p.PTS, p.Duration)
				}
			}
			if !h.io.mux.trailer {
				t.Error("no trailer")
			}
		})
	}
}

func TestTranscoder_ColorSignalling(t *testing.T) {
	demux := &fakeDemuxer{
		tracks:  []TrackInfo{decodedTrack("h264", PixelFormatYUV420P)},
		decoder: &fakeDecoder{width: 8, height: 2, format: PixelFormatYUV420P},
	}
	h := newHarness(t, demux, nil)
	h.run(t)

	if !h.tr.EncodeConfig().Flags.Has(EncodingFlagYUV601) {
		t.Error("narrow source not flagged BT.601")
	}
	if h.io.scaler.cfg.ColorSpace != ColorSpaceBT470BG {
		t.Errorf("scaler colorspace = %s", h.io.scaler.cfg.ColorSpace)
	}
	if got := h.pool.cfg; got.Width != 8 || got.PixelFormat != CFPixelFormatYUY2 || got.Capacity != 3 {
		t.Errorf("pool prepared with %s", got)
	}
}

func TestTranscoder_VideoOnly(t *testing.T) {
	demux := &fakeDemuxer{
		tracks: []TrackInfo{rawVideoTrack(), pcmTrack(1)},
		packets: append(videoPackets(2, 32, 1),
			Packet{TrackIndex: 1, Data: []byte("a"), PTS: 0}),
	}
	h := newHarness(t, demux, func(cfg *TranscoderConfig) { cfg.VideoOnly = true })
	stats := h.run(t)

	if len(h.io.mux.outputs) != 1 {
		t.Errorf("output has %d tracks", len(h.io.mux.outputs))
	}
	if stats.Dropped != 1 || stats.Passthrough != 0 || stats.Frames != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTranscoder_TrailerAfterDrain(t *testing.T) {
	demux := &fakeDemuxer{
		tracks:  []TrackInfo{rawVideoTrack()},
		packets: videoPackets(2, 32, 1),
	}
	h := newHarness(t, demux, nil)
	h.pool.delay = 5
	stats := h.run(t)

	// Both frames are still in flight when the input ends.
	if stats.Encoder.Stalls != 0 || stats.Frames != 2 {
		t.Fatalf("stalls = %d, frames = %d", stats.Encoder.Stalls, stats.Frames)
	}
	if h.io.mux.trailerAt != 2 {
		t.Errorf("trailer written after %d packets, want 2", h.io.mux.trailerAt)
	}
	if stats.Encoder.IdlePolls == 0 {
		t.Error("drain did not poll")
	}
}

func TestTranscoder_TimeBaseFromMuxer(t *testing.T) {
	demux := &fakeDemuxer{
		tracks:  []TrackInfo{rawVideoTrack()},
		packets: videoPackets(2, 32, 1),
	}
	h := newHarness(t, demux, nil)
	h.io.mux = &fakeMuxer{timeBases: []Rational{R(1, 12800)}}
	h.run(t)

	for i, p := range h.io.mux.track(0) {
		if p.PTS != int64(i)*512 || p.Duration != 512 {
			t.Errorf("packet %d pts = %d dur = %d", i, p.PTS, p.Duration)
		}
	}
}

func TestTranscoder_WriteErrorAborts(t *testing.T) {
	errDisk := errors.New("disk full")
	demux := &fakeDemuxer{
		tracks:  []TrackInfo{rawVideoTrack()},
		packets: videoPackets(5, 32, 1),
	}
	h := newHarness(t, demux, nil)
	h.io.mux = &fakeMuxer{writeErr: errDisk, failAfter: 1}

	if err := h.tr.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := h.tr.Run(context.Background())
	if !errors.Is(err, errDisk) {
		t.Fatalf("Run = %v, want %v", err, errDisk)
	}
	if ExitCode(err) != ExitPipeline {
		t.Errorf("exit code = %d", ExitCode(err))
	}
	if h.io.mux.trailer {
		t.Error("trailer written after a failure")
	}
	if h.tr.State() != PipelineStateFailed {
		t.Errorf("state = %s", h.tr.State())
	}

	if err := h.tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !h.io.mux.closed || !demux.closed || !h.pool.closed {
		t.Errorf("closed: mux %t, demux %t, pool %t", h.io.mux.closed, demux.closed, h.pool.closed)
	}
	if h.tr.State() != PipelineStateClosed {
		t.Errorf("state = %s", h.tr.State())
	}
}

func TestTranscoder_ReadError(t *testing.T) {
	errIO := errors.New("corrupt input")
	demux := &fakeDemuxer{
		tracks:  []TrackInfo{rawVideoTrack()},
		packets: videoPackets(2, 32, 1),
		readErr: errIO,
	}
	h := newHarness(t, demux, nil)
	if err := h.tr.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := h.tr.Run(context.Background())
	if !errors.Is(err, errIO) {
		t.Fatalf("Run = %v", err)
	}
	if h.io.mux.trailer {
		t.Error("trailer written after a read error")
	}
}

func TestTranscoder_EncoderLacksFeature(t *testing.T) {
	saved := encoderProviders
	t.Cleanup(func() { encoderProviders = saved })
	encoderProviders = []Provider{ProviderLibav}

	demux := &fakeDemuxer{
		tracks:  []TrackInfo{decodedTrack("h264", PixelFormatYUV420P)},
		packets: videoPackets(1, 4, 3754),
		decoder: &fakeDecoder{width: 8, height: 2, format: PixelFormatYUV420P},
	}
	h := newHarness(t, demux, func(cfg *TranscoderConfig) { cfg.Format.RGB = true })
	err := h.tr.Open(context.Background())
	if !errors.Is(err, ErrEncoderUnavailable) || ExitCode(err) != ExitConfig {
		t.Fatalf("Open = %v, exit %d", err, ExitCode(err))
	}
	if len(h.pool.jobs) != 0 {
		t.Error("frames submitted without a capable encoder")
	}
}

func TestTranscoder_Canceled(t *testing.T) {
	demux := &fakeDemuxer{
		tracks:  []TrackInfo{rawVideoTrack()},
		packets: videoPackets(2, 32, 1),
	}
	h := newHarness(t, demux, nil)
	if err := h.tr.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.tr.Run(ctx)
	if ExitCode(err) != ExitInterrupted {
		t.Errorf("Run = %v, exit code %d", err, ExitCode(err))
	}
}

func TestTranscoder_OpenErrors(t *testing.T) {
	t.Run("input", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.io.openErr = errors.New("no such file")
		err := h.tr.Open(context.Background())
		if ExitCode(err) != ExitInput {
			t.Errorf("Open = %v, exit code %d", err, ExitCode(err))
		}
		if h.tr.State() != PipelineStateFailed {
			t.Errorf("state = %s", h.tr.State())
		}
	})

	t.Run("no video", func(t *testing.T) {
		h := newHarness(t, &fakeDemuxer{tracks: []TrackInfo{pcmTrack(0)}, video: -1}, nil)
		err := h.tr.Open(context.Background())
		if !errors.Is(err, ErrNoVideoStream) || ExitCode(err) != ExitInput {
			t.Errorf("Open = %v", err)
		}
	})

	t.Run("encoder", func(t *testing.T) {
		demux := &fakeDemuxer{tracks: []TrackInfo{rawVideoTrack()}}
		tr, err := NewTranscoder(TranscoderConfig{Input: InputSpec{Path: "a"}, Output: "b", Format: FormatOptions{Threads: 1}}, TranscoderDeps{
			IO:      &fakeIO{demux: demux},
			NewPool: func(int, int) (EncoderPool, error) { return nil, ErrEncoderUnavailable },
		})
		if err != nil {
			t.Fatal(err)
		}
		defer tr.Close()
		err = tr.Open(context.Background())
		if !errors.Is(err, ErrEncoderUnavailable) || ExitCode(err) != ExitPipeline {
			t.Errorf("Open = %v", err)
		}
	})

	t.Run("prepare", func(t *testing.T) {
		h := newHarness(t, &fakeDemuxer{tracks: []TrackInfo{rawVideoTrack()}}, nil)
		h.pool.prepareErr = errors.New("unsupported size")
		if err := h.tr.Open(context.Background()); ExitCode(err) != ExitPipeline {
			t.Errorf("Open = %v", err)
		}
	})

	t.Run("twice", func(t *testing.T) {
		h := newHarness(t, &fakeDemuxer{tracks: []TrackInfo{rawVideoTrack()}}, nil)
		if err := h.tr.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := h.tr.Open(context.Background()); err == nil {
			t.Error("second Open succeeded")
		}
	})
}

func TestNewTranscoder_Errors(t *testing.T) {
	if _, err := NewTranscoder(TranscoderConfig{Input: InputSpec{Path: "a"}, Output: "b"}, TranscoderDeps{}); ExitCode(err) != ExitConfig {
		t.Errorf("missing IO: %v", err)
	}
	if _, err := NewTranscoder(TranscoderConfig{Output: "b"}, TranscoderDeps{IO: &fakeIO{}}); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("missing input: %v", err)
	}
	tr, err := NewTranscoder(TranscoderConfig{Input: InputSpec{Path: "a"}, Output: "b"}, TranscoderDeps{IO: &fakeIO{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background()); err == nil {
		t.Error("Run before Open succeeded")
	}
}

func TestTranscoder_Metrics(t *testing.T) {
	demux := &fakeDemuxer{
		tracks:  []TrackInfo{rawVideoTrack(), pcmTrack(1)},
		packets: append(videoPackets(3, 32, 1), Packet{TrackIndex: 1, Data: []byte("a")}),
	}
	m := NewMetrics()
	h := newHarness(t, demux, func(cfg *TranscoderConfig) { cfg.Metrics = m })
	h.run(t)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				got[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				got[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	want := map[string]float64{
		"cfenc_frames_submitted_total":    3,
		"cfenc_samples_written_total":     3,
		"cfenc_passthrough_packets_total": 1,
		"cfenc_queue_capacity":            3,
		"cfenc_encoder_threads":           2,
		"cfenc_frames_in_flight":          0,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}
}
