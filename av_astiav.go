//go:build cgo && !noav

// Container, decode and scale support via libavformat/libavcodec/libswscale
// using go-astiav.

package cfenc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/hashicorp/go-hclog"
)

var (
	avLogMu sync.Mutex
	avLog   hclog.Logger = hclog.NewNullLogger()
)

// SetAVLogger routes libav log lines to logger.
func SetAVLogger(logger hclog.Logger) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	avLogMu.Lock()
	avLog = logger
	avLogMu.Unlock()

	astiav.SetLogLevel(avLogLevel(logger))
	astiav.SetLogCallback(func(c astiav.Classer, l astiav.LogLevel, format, msg string) {
		avLogMu.Lock()
		lg := avLog
		avLogMu.Unlock()

		msg = strings.TrimSpace(msg)
		if msg == "" {
			return
		}
		switch {
		case l <= astiav.LogLevelError:
			lg.Error(msg)
		case l <= astiav.LogLevelWarning:
			lg.Warn(msg)
		case l <= astiav.LogLevelInfo:
			lg.Info(msg)
		case l <= astiav.LogLevelDebug:
			lg.Debug(msg)
		default:
			lg.Trace(msg)
		}
	})
}

func avLogLevel(logger hclog.Logger) astiav.LogLevel {
	switch {
	case logger.IsTrace():
		return astiav.LogLevelVerbose
	case logger.IsDebug():
		return astiav.LogLevelDebug
	case logger.IsInfo():
		return astiav.LogLevelInfo
	case logger.IsWarn():
		return astiav.LogLevelWarning
	case logger.IsError():
		return astiav.LogLevelError
	default:
		return astiav.LogLevelQuiet
	}
}

func toRational(r astiav.Rational) Rational { return Rational{Num: r.Num(), Den: r.Den()} }

func fromRational(r Rational) astiav.Rational { return astiav.NewRational(r.Num, r.Den) }

func toMediaType(t astiav.MediaType) MediaType {
	switch t {
	case astiav.MediaTypeVideo:
		return MediaTypeVideo
	case astiav.MediaTypeAudio:
		return MediaTypeAudio
	case astiav.MediaTypeSubtitle:
		return MediaTypeSubtitle
	case astiav.MediaTypeData:
		return MediaTypeData
	default:
		return MediaTypeUnknown
	}
}

func toAVPixelFormat(p PixelFormat) (astiav.PixelFormat, error) {
	pf := astiav.FindPixelFormatByName(string(p))
	if pf == astiav.PixelFormatNone {
		return pf, fmt.Errorf("unknown pixel format %q", p)
	}
	return pf, nil
}

// avChannelLayouts are libav's default layouts by channel count.
var avChannelLayouts = map[string]astiav.ChannelLayout{
	"mono":   astiav.ChannelLayoutMono,
	"stereo": astiav.ChannelLayoutStereo,
	"2.1":    astiav.ChannelLayout2Point1,
	"4.0":    astiav.ChannelLayout4Point0,
	"5.0":    astiav.ChannelLayout5Point0,
	"5.1":    astiav.ChannelLayout5Point1,
	"6.1":    astiav.ChannelLayout6Point1,
	"7.1":    astiav.ChannelLayout7Point1,
}

func dictionaryToMap(d *astiav.Dictionary) map[string]string {
	m := make(map[string]string)
	if d == nil {
		return m
	}
	flags := astiav.NewDictionaryFlags(astiav.DictionaryFlagIgnoreSuffix)
	var prev *astiav.DictionaryEntry
	for {
		e := d.Get("", prev, flags)
		if e == nil {
			return m
		}
		m[e.Key()] = e.Value()
		prev = e
	}
}

func dictionaryValue(d *astiav.Dictionary, key string) string {
	if d == nil {
		return ""
	}
	if e := d.Get(key, nil, astiav.NewDictionaryFlags()); e != nil {
		return e.Value()
	}
	return ""
}

// avIO is the go-astiav MediaIO.
type avIO struct{}

func (avIO) OpenInput(ctx context.Context, spec InputSpec) (Demuxer, error) {
	return openAVDemuxer(ctx, spec)
}

func (avIO) NewScaler(cfg ScalerConfig) (Scaler, error) { return newAVScaler(cfg) }

// NewRepacker uses libavcodec's v210 encoder, falling back to V210Packer
// when the build lacks it.
func (avIO) NewRepacker(width, height int) (Repacker, error) {
	codec := astiav.FindEncoderByName("v210")
	if codec == nil {
		return NewV210Packer(width, height)
	}
	return newAVRepacker(codec, width, height)
}

func (avIO) OpenOutput(path string, src Demuxer, sm *StreamMap) (Muxer, error) {
	d, ok := src.(*avDemuxer)
	if !ok {
		return nil, fmt.Errorf("output needs a libav input, got %T", src)
	}
	return openAVMuxer(path, d, sm)
}

// avDemuxer reads packets with libavformat.
type avDemuxer struct {
	fc     *astiav.FormatContext
	pkt    *astiav.Packet
	tracks []TrackInfo
	video  int
	meta   map[string]string
	out    Packet
}

func openAVDemuxer(ctx context.Context, spec InputSpec) (*avDemuxer, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("AllocFormatContext failed")
	}
	d := &avDemuxer{fc: fc, video: -1}

	var (
		inputFormat *astiav.InputFormat
		opts        *astiav.Dictionary
	)
	if spec.Raw != nil {
		inputFormat = astiav.FindInputFormat("rawvideo")
		if inputFormat == nil {
			fc.Free()
			return nil, errors.New("rawvideo demuxer not available")
		}
		opts = astiav.NewDictionary()
		defer opts.Free()
		flags := astiav.NewDictionaryFlags()
		for k, v := range map[string]string{
			"video_size":   spec.Raw.VideoSize(),
			"pixel_format": string(spec.Raw.PixelFormat),
			"framerate":    spec.Raw.FrameRate.String(),
		} {
			if err := opts.Set(k, v, flags); err != nil {
				fc.Free()
				return nil, fmt.Errorf("set %s: %w", k, err)
			}
		}
	}

	if err := fc.OpenInput(spec.Path, inputFormat, opts); err != nil {
		fc.Free()
		return nil, fmt.Errorf("%s: %w", spec.Path, err)
	}
	if err := ctx.Err(); err != nil {
		d.Close()
		return nil, err
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		d.Close()
		return nil, fmt.Errorf("%s: find stream info: %w", spec.Path, err)
	}

	durationSec := 0.0
	if dur := fc.Duration(); dur > 0 {
		durationSec = float64(dur) / float64(astiav.TimeBase)
	}

	for i, s := range fc.Streams() {
		t := trackFromStream(i, s)
		if t.Type == MediaTypeVideo && d.video < 0 {
			d.video = i
			NormalizeVideoTrack(&t, spec, durationSec)
		}
		d.tracks = append(d.tracks, t)
	}
	if d.video < 0 {
		d.Close()
		return nil, ErrNoVideoStream
	}
	d.meta = dictionaryToMap(fc.Metadata())
	d.pkt = astiav.AllocPacket()
	return d, nil
}

func trackFromStream(index int, s *astiav.Stream) TrackInfo {
	cp := s.CodecParameters()
	t := TrackInfo{
		Index:     index,
		Type:      toMediaType(cp.MediaType()),
		CodecName: cp.CodecID().Name(),
		TimeBase:  toRational(s.TimeBase()),
		NbFrames:  s.NbFrames(),
		Language:  dictionaryValue(s.Metadata(), "language"),
	}
	switch t.Type {
	case MediaTypeVideo:
		t.Width = cp.Width()
		t.Height = cp.Height()
		t.PixelFormat = PixelFormat(cp.PixelFormat().Name())
		t.FrameRate = toRational(s.RFrameRate())
		t.AvgFrameRate = toRational(s.AvgFrameRate())
		t.SampleAspectRatio = toRational(s.SampleAspectRatio())
	case MediaTypeAudio:
		cl := cp.ChannelLayout()
		t.Channels = cl.Channels()
		t.SampleRate = cp.SampleRate()
		// Unspecified layouts describe themselves as "N channels".
		if desc := cl.String(); !strings.HasSuffix(desc, "channels") {
			t.ChannelLayout = desc
		}
	}
	return t
}

func (d *avDemuxer) Tracks() []TrackInfo         { return d.tracks }
func (d *avDemuxer) VideoTrack() int             { return d.video }
func (d *avDemuxer) Metadata() map[string]string { return d.meta }

func (d *avDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.pkt.Unref()
	if err := d.fc.ReadFrame(d.pkt); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return nil, io.EOF
		}
		return nil, err
	}
	d.out = Packet{
		TrackIndex: d.pkt.StreamIndex(),
		Data:       d.pkt.Data(),
		PTS:        d.pkt.Pts(),
		DTS:        d.pkt.Dts(),
		Duration:   d.pkt.Duration(),
		Key:        d.pkt.Flags().Has(astiav.PacketFlagKey),
	}
	return &d.out, nil
}

func (d *avDemuxer) OpenDecoder(index, threads int) (Decoder, error) {
	if index < 0 || index >= len(d.tracks) {
		return nil, fmt.Errorf("track %d out of range", index)
	}
	return newAVDecoder(d.fc.Streams()[index], d.tracks[index], threads)
}

func (d *avDemuxer) Close() error {
	if d.pkt != nil {
		d.pkt.Free()
		d.pkt = nil
	}
	if d.fc != nil {
		d.fc.CloseInput()
		d.fc = nil
	}
	return nil
}

// avDecoder decodes one video stream into tightly packed frames.
type avDecoder struct {
	cc       *astiav.CodecContext
	pkt      *astiav.Packet
	frame    *astiav.Frame
	buf      []byte
	duration int64
}

func newAVDecoder(s *astiav.Stream, t TrackInfo, threads int) (*avDecoder, error) {
	cp := s.CodecParameters()
	codec := astiav.FindDecoder(cp.CodecID())
	if codec == nil {
		return nil, fmt.Errorf("no decoder for %s", t.CodecName)
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("AllocCodecContext failed")
	}
	if err := cp.ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("ToCodecContext: %w", err)
	}
	cc.SetThreadCount(threads)
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open %s decoder: %w", codec.Name(), err)
	}

	dec := &avDecoder{
		cc:    cc,
		pkt:   astiav.AllocPacket(),
		frame: astiav.AllocFrame(),
	}
	// One frame interval in the stream time base.
	if t.FrameRate.Valid() && t.TimeBase.Valid() {
		dec.duration = Rescale(1, t.FrameRate.Invert(), t.TimeBase)
	}
	return dec, nil
}

func (d *avDecoder) SendPacket(p *Packet) error {
	if p == nil {
		return d.cc.SendPacket(nil)
	}
	d.pkt.Unref()
	if err := d.pkt.FromData(p.Data); err != nil {
		return err
	}
	d.pkt.SetPts(p.PTS)
	d.pkt.SetDts(p.DTS)
	d.pkt.SetDuration(p.Duration)
	err := d.cc.SendPacket(d.pkt)
	if errors.Is(err, astiav.ErrEagain) {
		return ErrAgain
	}
	return err
}

func (d *avDecoder) ReceiveFrame() (*VideoFrame, error) {
	d.frame.Unref()
	if err := d.cc.ReceiveFrame(d.frame); err != nil {
		switch {
		case errors.Is(err, astiav.ErrEagain):
			return nil, ErrAgain
		case errors.Is(err, astiav.ErrEof):
			return nil, io.EOF
		}
		return nil, err
	}
	vf, err := frameToVideo(d.frame, &d.buf)
	if err != nil {
		return nil, err
	}
	vf.PTS = d.frame.Pts()
	vf.Duration = d.duration
	return vf, nil
}

func (d *avDecoder) Close() error {
	d.frame.Free()
	d.pkt.Free()
	d.cc.Free()
	return nil
}

// frameToVideo copies f into *buf with 1-byte alignment.
func frameToVideo(f *astiav.Frame, buf *[]byte) (*VideoFrame, error) {
	n, err := f.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("ImageBufferSize: %w", err)
	}
	if cap(*buf) < n {
		*buf = make([]byte, n)
	}
	*buf = (*buf)[:n]
	if _, err := f.ImageCopyToBuffer(*buf, 1); err != nil {
		return nil, fmt.Errorf("ImageCopyToBuffer: %w", err)
	}
	return SplitTight(*buf, PixelFormat(f.PixelFormat().Name()), f.Width(), f.Height())
}

// avScaler converts frames with libswscale.
type avScaler struct {
	cfg    ScalerConfig
	ssc    *astiav.SoftwareScaleContext
	src    *astiav.Frame
	dst    *astiav.Frame
	in     []byte
	out    []byte
	colors astiav.ColorSpace
}

func newAVScaler(cfg ScalerConfig) (*avScaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spf, err := toAVPixelFormat(cfg.SrcFormat)
	if err != nil {
		return nil, err
	}
	dpf, err := toAVPixelFormat(cfg.DstFormat)
	if err != nil {
		return nil, err
	}

	flags := astiav.SoftwareScaleContextFlags(cfg.SwscaleFlags())
	ssc, err := astiav.CreateSoftwareScaleContext(cfg.Width, cfg.Height, spf, cfg.Width, cfg.Height, dpf, flags)
	if err != nil {
		return nil, fmt.Errorf("CreateSoftwareScaleContext(%s): %w", cfg, err)
	}

	s := &avScaler{cfg: cfg, ssc: ssc, colors: astiav.ColorSpaceBt709}
	if cfg.ColorSpace == ColorSpaceBT470BG {
		s.colors = astiav.ColorSpaceBt470Bg
	}

	s.src = astiav.AllocFrame()
	s.src.SetWidth(cfg.Width)
	s.src.SetHeight(cfg.Height)
	s.src.SetPixelFormat(spf)
	s.src.SetColorSpace(s.colors)
	if err := s.src.AllocBuffer(1); err != nil {
		s.Close()
		return nil, fmt.Errorf("src.AllocBuffer: %w", err)
	}

	s.dst = astiav.AllocFrame()
	s.dst.SetWidth(cfg.Width)
	s.dst.SetHeight(cfg.Height)
	s.dst.SetPixelFormat(dpf)
	s.dst.SetColorSpace(s.colors)
	if err := s.dst.AllocBuffer(1); err != nil {
		s.Close()
		return nil, fmt.Errorf("dst.AllocBuffer: %w", err)
	}
	return s, nil
}

func (s *avScaler) Scale(f *VideoFrame) (*VideoFrame, error) {
	if f.Width != s.cfg.Width || f.Height != s.cfg.Height || f.Format != s.cfg.SrcFormat {
		return nil, fmt.Errorf("%w: got %dx%d %s, scaler expects %s",
			ErrFrameSizeMismatch, f.Width, f.Height, f.Format, s.cfg)
	}
	s.in = f.Tight(s.in[:0])
	if err := s.src.MakeWritable(); err != nil {
		return nil, fmt.Errorf("MakeWritable: %w", err)
	}
	if err := s.src.Data().SetBytes(s.in, 1); err != nil {
		return nil, fmt.Errorf("load frame: %w", err)
	}
	if err := s.ssc.ScaleFrame(s.src, s.dst); err != nil {
		return nil, fmt.Errorf("ScaleFrame: %w", err)
	}
	out, err := frameToVideo(s.dst, &s.out)
	if err != nil {
		return nil, err
	}
	out.PTS, out.Duration = f.PTS, f.Duration
	return out, nil
}

func (s *avScaler) Close() error {
	if s.dst != nil {
		s.dst.Free()
		s.dst = nil
	}
	if s.src != nil {
		s.src.Free()
		s.src = nil
	}
	if s.ssc != nil {
		s.ssc.Free()
		s.ssc = nil
	}
	return nil
}

// avRepacker packs yuv422p10le into v210 with libavcodec's v210 encoder.
type avRepacker struct {
	width  int
	height int
	cc     *astiav.CodecContext
	frame  *astiav.Frame
	pkt    *astiav.Packet
	in     []byte
}

func newAVRepacker(codec *astiav.Codec, width, height int) (*avRepacker, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("v210: invalid size %dx%d", width, height)
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("AllocCodecContext failed")
	}
	cc.SetWidth(width)
	cc.SetHeight(height)
	cc.SetPixelFormat(astiav.PixelFormatYuv422P10Le)
	cc.SetTimeBase(astiav.NewRational(1, 1))
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open v210 encoder: %w", err)
	}

	r := &avRepacker{
		width:  width,
		height: height,
		cc:     cc,
		frame:  astiav.AllocFrame(),
		pkt:    astiav.AllocPacket(),
	}
	r.frame.SetWidth(width)
	r.frame.SetHeight(height)
	r.frame.SetPixelFormat(astiav.PixelFormatYuv422P10Le)
	if err := r.frame.AllocBuffer(1); err != nil {
		r.Close()
		return nil, fmt.Errorf("v210 frame AllocBuffer: %w", err)
	}
	return r, nil
}

func (r *avRepacker) SendFrame(f *VideoFrame) error {
	if f.Format != PixelFormatYUV422P10LE {
		return fmt.Errorf("v210: unsupported input format %s", f.Format)
	}
	if f.Width != r.width || f.Height != r.height {
		return fmt.Errorf("%w: v210 encoder is %dx%d, frame is %dx%d",
			ErrFrameSizeMismatch, r.width, r.height, f.Width, f.Height)
	}
	r.in = f.Tight(r.in[:0])
	if err := r.frame.MakeWritable(); err != nil {
		return fmt.Errorf("MakeWritable: %w", err)
	}
	if err := r.frame.Data().SetBytes(r.in, 1); err != nil {
		return fmt.Errorf("load frame: %w", err)
	}
	r.frame.SetPts(f.PTS)
	err := r.cc.SendFrame(r.frame)
	if errors.Is(err, astiav.ErrEagain) {
		return ErrAgain
	}
	return err
}

func (r *avRepacker) ReceivePacket() (*VideoFrame, error) {
	r.pkt.Unref()
	if err := r.cc.ReceivePacket(r.pkt); err != nil {
		switch {
		case errors.Is(err, astiav.ErrEagain):
			return nil, ErrAgain
		case errors.Is(err, astiav.ErrEof):
			return nil, io.EOF
		}
		return nil, err
	}
	pitch := V210Pitch(r.width)
	data := r.pkt.Data()
	if len(data) < pitch*r.height {
		return nil, fmt.Errorf("v210 packet is %d bytes, want %d", len(data), pitch*r.height)
	}
	return &VideoFrame{
		Data:   [][]byte{data},
		Stride: []int{pitch},
		Width:  r.width,
		Height: r.height,
		PTS:    r.pkt.Pts(),
	}, nil
}

func (r *avRepacker) Close() error {
	if r.pkt != nil {
		r.pkt.Free()
		r.pkt = nil
	}
	if r.frame != nil {
		r.frame.Free()
		r.frame = nil
	}
	if r.cc != nil {
		r.cc.Free()
		r.cc = nil
	}
	return nil
}

// avMuxer writes the output container with libavformat.
type avMuxer struct {
	oc      *astiav.FormatContext
	pb      *astiav.IOContext
	streams []*astiav.Stream
	pkt     *astiav.Packet
	header  bool
}

func openAVMuxer(path string, src *avDemuxer, sm *StreamMap) (*avMuxer, error) {
	oc, err := astiav.AllocOutputFormatContext(nil, "", path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if oc == nil {
		return nil, fmt.Errorf("%s: no output format", path)
	}
	m := &avMuxer{oc: oc, pkt: astiav.AllocPacket()}

	if len(sm.Metadata) > 0 {
		md := astiav.NewDictionary()
		for k, v := range sm.Metadata {
			if err := md.Set(k, v, astiav.NewDictionaryFlags()); err != nil {
				md.Free()
				m.Close()
				return nil, fmt.Errorf("metadata %s: %w", k, err)
			}
		}
		oc.SetMetadata(md)
	}

	inStreams := src.fc.Streams()
	for _, t := range sm.Outputs {
		st := oc.NewStream(nil)
		if st == nil {
			m.Close()
			return nil, fmt.Errorf("output track %d: NewStream failed", t.Index)
		}
		if t.Encoded {
			err = configureCineFormStream(st, t)
		} else {
			err = configurePassthroughStream(st, inStreams[t.InputIndex], t)
		}
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("output track %d: %w", t.Index, err)
		}
		st.SetTimeBase(fromRational(t.TimeBase))
		if t.Language != "" {
			md := astiav.NewDictionary()
			_ = md.Set("language", t.Language, astiav.NewDictionaryFlags())
			st.SetMetadata(md)
		}
		m.streams = append(m.streams, st)
	}

	if !oc.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		pb, err := astiav.OpenIOContext(path, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m.pb = pb
		oc.SetPb(pb)
	}
	return m, nil
}

func configureCineFormStream(st *astiav.Stream, t OutputTrack) error {
	pf, err := toAVPixelFormat(t.PixelFormat)
	if err != nil {
		return err
	}
	id, err := cineFormCodecID()
	if err != nil {
		return err
	}
	cp := st.CodecParameters()
	cp.SetMediaType(astiav.MediaTypeVideo)
	cp.SetCodecID(id)
	cp.SetWidth(t.Width)
	cp.SetHeight(t.Height)
	cp.SetPixelFormat(pf)
	cp.SetSampleAspectRatio(fromRational(t.SampleAspectRatio))
	st.SetSampleAspectRatio(fromRational(t.SampleAspectRatio))
	if t.FrameRate.Valid() {
		st.SetRFrameRate(fromRational(t.FrameRate))
	}
	if t.AvgFrameRate.Valid() {
		st.SetAvgFrameRate(fromRational(t.AvgFrameRate))
	}
	return nil
}

// cineFormCodecID looks up AV_CODEC_ID_CFHD through the registered codecs.
func cineFormCodecID() (astiav.CodecID, error) {
	c := astiav.FindEncoderByName("cfhd")
	if c == nil {
		c = astiav.FindDecoderByName("cfhd")
	}
	if c == nil {
		return 0, errors.New("libav has no cfhd codec")
	}
	return c.ID(), nil
}

func configurePassthroughStream(st, in *astiav.Stream, t OutputTrack) error {
	cp := st.CodecParameters()
	if err := in.CodecParameters().Copy(cp); err != nil {
		return fmt.Errorf("copy codec parameters: %w", err)
	}
	cp.SetCodecTag(0)
	if t.ChannelLayout != "" {
		if cl, ok := avChannelLayouts[t.ChannelLayout]; ok {
			cp.SetChannelLayout(cl)
		}
	}
	return nil
}

func (m *avMuxer) WriteHeader() ([]Rational, error) {
	if err := m.oc.WriteHeader(nil); err != nil {
		return nil, err
	}
	m.header = true
	tbs := make([]Rational, len(m.streams))
	for i, st := range m.streams {
		tbs[i] = toRational(st.TimeBase())
	}
	return tbs, nil
}

func (m *avMuxer) WritePacket(p *Packet) error {
	if p.TrackIndex < 0 || p.TrackIndex >= len(m.streams) {
		return fmt.Errorf("output track %d out of range", p.TrackIndex)
	}
	m.pkt.Unref()
	if err := m.pkt.FromData(p.Data); err != nil {
		return err
	}
	m.pkt.SetStreamIndex(p.TrackIndex)
	m.pkt.SetPts(p.PTS)
	m.pkt.SetDts(p.DTS)
	m.pkt.SetDuration(p.Duration)
	if p.Key {
		m.pkt.SetFlags(m.pkt.Flags().Add(astiav.PacketFlagKey))
	}
	return m.oc.WriteInterleavedFrame(m.pkt)
}

func (m *avMuxer) WriteTrailer() error {
	if !m.header {
		return errors.New("header not written")
	}
	return m.oc.WriteTrailer()
}

func (m *avMuxer) Close() error {
	var err error
	if m.pkt != nil {
		m.pkt.Free()
		m.pkt = nil
	}
	if m.pb != nil {
		err = m.pb.Close()
		m.pb = nil
	}
	if m.oc != nil {
		m.oc.Free()
		m.oc = nil
	}
	return err
}

// Register the libav media backend
func init() {
	setProviderAvailable(ProviderLibav)
	registerMediaIO(func() (MediaIO, error) { return avIO{}, nil })
}
