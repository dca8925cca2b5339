package cfenc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// maxRepackRetries bounds ErrAgain retries on the repacker's receive side.
const maxRepackRetries = 64

// TranscoderConfig configures one transcode run.
type TranscoderConfig struct {
	Input        InputSpec
	Output       string
	Format       FormatOptions
	VideoOnly    bool
	StrictOrder  bool
	PollInterval time.Duration // 0 = DefaultPollInterval

	Logger   hclog.Logger
	Metrics  *Metrics
	Progress *Progress
}

// TranscoderDeps are the collaborators a Transcoder drives.
type TranscoderDeps struct {
	IO        MediaIO
	NewPool   EncoderPoolFactory // nil = NewEncoderPool
	Allocator BufferAllocator    // nil = chosen by the pool
}

// Transcoder reads the input, encodes its video track to CineForm and
// writes the output container. Open, Run and Close are called once each
// from a single goroutine.
type Transcoder struct {
	cfg  TranscoderConfig
	deps TranscoderDeps
	log  hclog.Logger

	demux    Demuxer
	decoder  Decoder
	scaler   Scaler
	repacker Repacker
	mux      Muxer
	coord    *EncodeCoordinator

	video    TrackInfo
	source   SourceInfo
	encCfg   EncodeConfig
	plan     AdaptationPlan
	streams  *StreamMap
	frameNum uint32

	state PipelineState
	stats RunStats
}

// NewTranscoder validates the configuration and creates an idle transcoder.
func NewTranscoder(cfg TranscoderConfig, deps TranscoderDeps) (*Transcoder, error) {
	if deps.IO == nil {
		return nil, NewStageError(StageConfig, "new transcoder", errors.New("media IO is required"))
	}
	if cfg.Input.Path == "" || cfg.Output == "" {
		return nil, NewStageError(StageConfig, "new transcoder", fmt.Errorf("%w: input and output are required", ErrInvalidOption))
	}
	if deps.NewPool == nil {
		deps.NewPool = NewEncoderPool
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Transcoder{
		cfg:   cfg,
		deps:  deps,
		log:   logger.Named("transcoder"),
		state: PipelineStateIdle,
	}, nil
}

// State returns the current pipeline state.
func (t *Transcoder) State() PipelineState { return t.state }

// EncodeConfig returns the selected encode configuration. Valid after Open.
func (t *Transcoder) EncodeConfig() EncodeConfig { return t.encCfg }

// Plan returns the selected adaptation path. Valid after Open.
func (t *Transcoder) Plan() AdaptationPlan { return t.plan }

// StreamMap returns the output track mapping. Valid after Open.
func (t *Transcoder) StreamMap() *StreamMap { return t.streams }

// Open opens the input, selects the encode path, writes the output header
// and starts the encoder pool.
func (t *Transcoder) Open(ctx context.Context) error {
	if t.state != PipelineStateIdle {
		return fmt.Errorf("transcoder already opened (%s)", t.state)
	}
	if err := t.open(ctx); err != nil {
		t.state = PipelineStateFailed
		return err
	}
	t.state = PipelineStateReady
	return nil
}

func (t *Transcoder) open(ctx context.Context) error {
	demux, err := t.deps.IO.OpenInput(ctx, t.cfg.Input)
	if err != nil {
		return NewStageError(StageInput, "open input", err)
	}
	t.demux = demux

	tracks := demux.Tracks()
	vi := demux.VideoTrack()
	if vi < 0 || vi >= len(tracks) {
		return NewStageError(StageInput, "find video stream", ErrNoVideoStream)
	}
	t.video = tracks[vi]
	t.source = SourceFromTrack(t.video)
	if t.source.Width <= 0 || t.source.Height <= 0 {
		return NewStageError(StageInput, "probe video stream",
			fmt.Errorf("invalid frame size %dx%d", t.source.Width, t.source.Height))
	}

	t.encCfg, t.plan = SelectFormat(t.source, t.cfg.Format)
	if need := t.encCfg.RequiredFeatures(); !encoderSupports(need) {
		return NewStageError(StageConfig, "select format",
			fmt.Errorf("%w: no encoder supports %s", ErrEncoderUnavailable, need))
	}
	t.stats.Direct = t.plan.Direct
	t.cfg.Metrics.configure(t.encCfg)
	t.log.Info("CineForm quality", "quality", t.encCfg.Quality.String())
	t.log.Info("encoding threads", "threads", t.encCfg.Threads, "queue", t.encCfg.Capacity)
	t.log.Debug("selected path", "source", t.source.PixelFormat, "working", t.encCfg.PixelFormat,
		"encoded", t.encCfg.EncodedFormat, "path", t.plan.String())
	if err := CheckRingMemory(ctx, t.encCfg); err != nil {
		t.log.Warn("frame ring is large", "error", err)
	}

	t.streams, err = BuildStreamMap(tracks, vi, demux.Metadata(), MapOptions{
		RGB:       t.cfg.Format.RGB,
		VideoOnly: t.cfg.VideoOnly,
		Logger:    t.log,
	})
	if err != nil {
		return NewStageError(StageInput, "map streams", err)
	}

	t.mux, err = t.deps.IO.OpenOutput(t.cfg.Output, demux, t.streams)
	if err != nil {
		return NewStageError(StageOutput, "open output", err)
	}
	tbs, err := t.mux.WriteHeader()
	if err != nil {
		return NewStageError(StageOutput, "write header", err)
	}
	if err := t.streams.ApplyMuxerTimeBases(tbs); err != nil {
		return NewStageError(StageOutput, "write header", err)
	}

	pool, err := t.deps.NewPool(t.encCfg.Threads, t.encCfg.Capacity)
	if err != nil {
		return NewStageError(StageEncoder, "create encoder pool", err)
	}
	t.coord, err = NewEncodeCoordinator(pool, t.encCfg, t.writeSample, CoordinatorOptions{
		PollInterval: t.cfg.PollInterval,
		StrictOrder:  t.cfg.StrictOrder,
		Allocator:    t.deps.Allocator,
		Logger:       t.log.Named("coordinator"),
		Metrics:      t.cfg.Metrics,
	})
	if err != nil {
		_ = pool.Close()
		return NewStageError(StageEncoder, "create encoder pool", err)
	}
	if err := t.coord.Start(); err != nil {
		return NewStageError(StageEncoder, "start encoder pool", err)
	}

	if t.plan.Direct {
		t.log.Debug("sending video direct to the CineForm encoder")
		return nil
	}

	t.decoder, err = demux.OpenDecoder(vi, t.encCfg.Threads)
	if err != nil {
		return NewStageError(StageInput, "open decoder", err)
	}
	if sc, ok := t.plan.ScalerConfig(t.source); ok {
		t.scaler, err = t.deps.IO.NewScaler(sc)
		if err != nil {
			return NewStageError(StageEncoder, "create scaler", err)
		}
	}
	if t.plan.Repack {
		t.repacker, err = t.deps.IO.NewRepacker(t.source.Width, t.source.Height)
		if err != nil {
			return NewStageError(StageEncoder, "create v210 packer", err)
		}
	}
	t.log.Debug("decoding video before sending it to the CineForm encoder")
	return nil
}

// Run processes the whole input. The trailer is written only when every
// frame has been encoded and written.
func (t *Transcoder) Run(ctx context.Context) (RunStats, error) {
	if t.state != PipelineStateReady {
		return t.stats, fmt.Errorf("transcoder not ready (%s)", t.state)
	}
	start := time.Now()
	t.cfg.Progress.SetTotal(t.video.NbFrames)

	err := t.run(ctx)
	t.cfg.Progress.Done()
	t.stats.Elapsed = time.Since(start)
	t.stats.Encoder = t.coord.Stats()
	t.cfg.Metrics.runFinished(t.stats.Elapsed)
	if err != nil {
		t.state = PipelineStateFailed
		return t.stats, err
	}
	t.state = PipelineStateFinished
	return t.stats, nil
}

func (t *Transcoder) run(ctx context.Context) error {
	t.state = PipelineStateRunning
	videoIndex := t.streams.VideoInput()

	for {
		pkt, err := t.demux.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return NewStageError(StagePipeline, "read packet", err)
		}
		t.stats.PacketsRead++

		if pkt.TrackIndex == videoIndex {
			if err := t.processVideo(ctx, pkt); err != nil {
				return err
			}
			continue
		}
		if !t.streams.RemapPacket(pkt) {
			t.stats.Dropped++
			continue
		}
		if err := t.mux.WritePacket(pkt); err != nil {
			return NewStageError(StagePipeline, "write packet", fmt.Errorf("output track %d: %w", pkt.TrackIndex, err))
		}
		t.stats.Passthrough++
		t.cfg.Metrics.passthrough()
	}

	if !t.plan.Direct {
		if err := t.decode(ctx, nil); err != nil {
			return err
		}
	}

	t.state = PipelineStateDraining
	if err := t.coord.DrainAll(ctx); err != nil {
		return NewStageError(StagePipeline, "drain encoder", err)
	}
	if err := t.mux.WriteTrailer(); err != nil {
		return NewStageError(StagePipeline, "write trailer", err)
	}
	return nil
}

func (t *Transcoder) processVideo(ctx context.Context, pkt *Packet) error {
	if !t.plan.Direct {
		return t.decode(ctx, pkt)
	}
	pitch := len(pkt.Data) / t.source.Height
	return t.submit(ctx, pkt.Data, pitch, pkt.PTS, pkt.Duration)
}

// decode sends pkt (nil = flush) and submits every frame the decoder
// returns.
func (t *Transcoder) decode(ctx context.Context, pkt *Packet) error {
	if err := t.decoder.SendPacket(pkt); err != nil {
		return NewStageError(StagePipeline, "decode", err)
	}
	for {
		frame, err := t.decoder.ReceiveFrame()
		if errors.Is(err, ErrAgain) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return NewStageError(StagePipeline, "decode", err)
		}
		if err := t.adaptAndSubmit(ctx, frame); err != nil {
			return err
		}
	}
}

func (t *Transcoder) adaptAndSubmit(ctx context.Context, frame *VideoFrame) error {
	pts, duration := frame.PTS, frame.Duration

	out := frame
	if t.scaler != nil {
		scaled, err := t.scaler.Scale(frame)
		if err != nil {
			return NewStageError(StagePipeline, "scale", err)
		}
		out = scaled
	}
	if t.repacker != nil {
		packed, err := t.repack(out)
		if err != nil {
			return NewStageError(StagePipeline, "repack", err)
		}
		out = packed
	}

	data, pitch := out.Packed()
	return t.submit(ctx, data, pitch, pts, duration)
}

func (t *Transcoder) repack(f *VideoFrame) (*VideoFrame, error) {
	if err := t.repacker.SendFrame(f); err != nil {
		return nil, err
	}
	for i := 0; i < maxRepackRetries; i++ {
		out, err := t.repacker.ReceivePacket()
		if errors.Is(err, ErrAgain) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("no packet after %d attempts: %w", maxRepackRetries, ErrAgain)
}

func (t *Transcoder) submit(ctx context.Context, data []byte, pitch int, pts, duration int64) error {
	t.frameNum++
	if err := t.coord.Submit(ctx, t.frameNum, data, pitch, pts, duration); err != nil {
		return NewStageError(StagePipeline, "submit", err)
	}
	if err := t.coord.Collect(ctx); err != nil {
		return NewStageError(StagePipeline, "collect", err)
	}
	return nil
}

// writeSample is the coordinator's sink: it writes one CineForm sample to
// the video output track.
func (t *Transcoder) writeSample(s *PendingSample) error {
	if len(s.Data) == 0 {
		return nil
	}
	pkt := t.streams.SamplePacket(s)
	if err := t.mux.WritePacket(&pkt); err != nil {
		return err
	}
	t.stats.Frames++
	t.stats.EncodedBytes += uint64(len(s.Data))
	t.cfg.Progress.Update(s.FrameNumber)
	return nil
}

// Close releases every collaborator. In-flight frames are discarded and
// the output is closed without a trailer if Run did not finish.
func (t *Transcoder) Close() error {
	if t.state == PipelineStateClosed {
		return nil
	}
	var result *multierror.Error
	add := func(what string, err error) {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", what, err))
		}
	}
	if t.coord != nil {
		add("encoder", t.coord.Close())
	}
	if t.repacker != nil {
		add("v210 packer", t.repacker.Close())
	}
	if t.scaler != nil {
		add("scaler", t.scaler.Close())
	}
	if t.decoder != nil {
		add("decoder", t.decoder.Close())
	}
	if t.mux != nil {
		add("output", t.mux.Close())
	}
	if t.demux != nil {
		add("input", t.demux.Close())
	}
	t.state = PipelineStateClosed
	return result.ErrorOrNil()
}
