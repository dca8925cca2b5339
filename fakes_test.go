package cfenc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"
)

// fakeJob is one frame inside fakePool.
type fakeJob struct {
	frame    uint32
	buf      []byte // Slot buffer handed to SubmitAsync
	snapshot []byte // Its contents at submission
	age      int
	taken    bool
}

// fakePool is a scripted EncoderPool. A submitted frame becomes ready
// after delay TestForSample calls. Among ready frames the lowest number
// is returned first, or the highest when newestFirst is set.
type fakePool struct {
	delay       int
	newestFirst bool

	cfg      EncodeConfig
	tags     []MetadataTag
	calls    []string
	started  bool
	closed   bool
	pitches  []int
	jobs     []*fakeJob
	refs     map[SampleRef]*fakeJob
	nextRef  SampleRef
	released int

	outstanding    int
	maxOutstanding int
	corrupted      []uint32

	prepareErr error
	submitErr  error
	sampleErr  error

	tagsAtPrepare int
}

func newFakePool() *fakePool {
	return &fakePool{refs: make(map[SampleRef]*fakeJob)}
}

func (p *fakePool) Prepare(cfg EncodeConfig) error {
	p.calls = append(p.calls, "prepare")
	p.cfg = cfg
	p.tagsAtPrepare = len(p.tags)
	return p.prepareErr
}

func (p *fakePool) AttachMetadata(tags []MetadataTag) error {
	p.calls = append(p.calls, "metadata")
	p.tags = append(p.tags, tags...)
	return nil
}

func (p *fakePool) Start() error {
	p.calls = append(p.calls, "start")
	p.started = true
	return nil
}

func (p *fakePool) SubmitAsync(frameNumber uint32, frame []byte, pitch int) error {
	if p.submitErr != nil {
		err := p.submitErr
		p.submitErr = nil
		return err
	}
	if !p.started {
		return fmt.Errorf("not started")
	}
	p.jobs = append(p.jobs, &fakeJob{
		frame:    frameNumber,
		buf:      frame,
		snapshot: bytes.Clone(frame),
	})
	p.pitches = append(p.pitches, pitch)
	p.outstanding++
	if p.outstanding > p.maxOutstanding {
		p.maxOutstanding = p.outstanding
	}
	return nil
}

func (p *fakePool) TestForSample() (uint32, SampleRef, bool) {
	var ready []*fakeJob
	for _, j := range p.jobs {
		if j.taken {
			continue
		}
		j.age++
		if j.age > p.delay {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return 0, 0, false
	}
	sort.Slice(ready, func(a, b int) bool { return ready[a].frame < ready[b].frame })
	j := ready[0]
	if p.newestFirst {
		j = ready[len(ready)-1]
	}
	j.taken = true
	if !bytes.Equal(j.buf, j.snapshot) {
		p.corrupted = append(p.corrupted, j.frame)
	}
	p.nextRef++
	p.refs[p.nextRef] = j
	return j.frame, p.nextRef, true
}

func (p *fakePool) EncodedSample(ref SampleRef) ([]byte, error) {
	if p.sampleErr != nil {
		return nil, p.sampleErr
	}
	j, ok := p.refs[ref]
	if !ok {
		return nil, fmt.Errorf("unknown sample %d", ref)
	}
	return []byte(fmt.Sprintf("cfhd-%d", j.frame)), nil
}

func (p *fakePool) ReleaseSample(ref SampleRef) error {
	if _, ok := p.refs[ref]; !ok {
		return fmt.Errorf("unknown sample %d", ref)
	}
	delete(p.refs, ref)
	p.released++
	p.outstanding--
	return nil
}

func (p *fakePool) Close() error {
	p.calls = append(p.calls, "close")
	p.closed = true
	return nil
}

// allocPool is a fakePool that supplies its own slot allocator.
type allocPool struct {
	*fakePool
	alloc BufferAllocator
}

func (p allocPool) SlotAllocator() BufferAllocator { return p.alloc }

// fakeDemuxer replays packets for a fixed track list.
type fakeDemuxer struct {
	tracks  []TrackInfo
	video   int
	meta    map[string]string
	packets []Packet
	readErr error // Returned instead of io.EOF when set
	decoder *fakeDecoder
	next    int
	closed  bool
}

func (d *fakeDemuxer) Tracks() []TrackInfo         { return d.tracks }
func (d *fakeDemuxer) VideoTrack() int             { return d.video }
func (d *fakeDemuxer) Metadata() map[string]string { return d.meta }

func (d *fakeDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.next >= len(d.packets) {
		if d.readErr != nil {
			return nil, d.readErr
		}
		return nil, io.EOF
	}
	p := d.packets[d.next]
	p.Data = bytes.Clone(p.Data)
	d.next++
	return &p, nil
}

func (d *fakeDemuxer) OpenDecoder(index, threads int) (Decoder, error) {
	if d.decoder == nil {
		return nil, fmt.Errorf("no decoder for track %d", index)
	}
	d.decoder.threads = threads
	return d.decoder, nil
}

func (d *fakeDemuxer) Close() error {
	d.closed = true
	return nil
}

// fakeDecoder turns every packet into one frame of the given format,
// holding back lag frames until flushed.
type fakeDecoder struct {
	width, height int
	format        PixelFormat
	lag           int
	frameDuration int64

	threads int
	queue   []*VideoFrame
	flushed bool
	closed  bool
}

func (d *fakeDecoder) SendPacket(p *Packet) error {
	if p == nil {
		d.flushed = true
		return nil
	}
	f, err := SplitTight(solidImage(d.format, d.width, d.height, p.Data[0]), d.format, d.width, d.height)
	if err != nil {
		return err
	}
	f.PTS = p.PTS
	f.Duration = d.frameDuration
	d.queue = append(d.queue, f)
	return nil
}

func (d *fakeDecoder) ReceiveFrame() (*VideoFrame, error) {
	if len(d.queue) == 0 || (!d.flushed && len(d.queue) <= d.lag) {
		if d.flushed {
			return nil, io.EOF
		}
		return nil, ErrAgain
	}
	f := d.queue[0]
	d.queue = d.queue[1:]
	return f, nil
}

func (d *fakeDecoder) Close() error {
	d.closed = true
	return nil
}

// solidImage returns a tight image with every byte set to v.
func solidImage(format PixelFormat, width, height int, v byte) []byte {
	rows, ok := tightLayout(format, width)
	if !ok {
		rows = []int{width}
	}
	n := 0
	for _, rb := range rows {
		n += rb * height
	}
	return bytes.Repeat([]byte{v}, n)
}

// fakeScaler converts to its destination format, keeping the first byte
// of the source so frames stay recognizable.
type fakeScaler struct {
	cfg    ScalerConfig
	frames int
	closed bool
}

func (s *fakeScaler) Scale(f *VideoFrame) (*VideoFrame, error) {
	if f.Format != s.cfg.SrcFormat {
		return nil, fmt.Errorf("scaler got %s, want %s", f.Format, s.cfg.SrcFormat)
	}
	s.frames++
	out, err := SplitTight(solidImage(s.cfg.DstFormat, s.cfg.Width, s.cfg.Height, f.Data[0][0]), s.cfg.DstFormat, s.cfg.Width, s.cfg.Height)
	if err != nil {
		return nil, err
	}
	out.PTS, out.Duration = f.PTS, f.Duration
	return out, nil
}

func (s *fakeScaler) Close() error {
	s.closed = true
	return nil
}

// fakeMuxer records everything written to it.
type fakeMuxer struct {
	outputs   []OutputTrack
	timeBases []Rational // Reported by WriteHeader; nil = keep the requested ones
	packets   []Packet
	header    bool
	trailer   bool
	trailerAt int // Packets written before the trailer
	closed    bool
	writeErr  error
	failAfter int // Fail writes after this many packets when writeErr is set
}

func (m *fakeMuxer) WriteHeader() ([]Rational, error) {
	m.header = true
	if m.timeBases != nil {
		return m.timeBases, nil
	}
	tbs := make([]Rational, len(m.outputs))
	for i, o := range m.outputs {
		tbs[i] = o.TimeBase
	}
	return tbs, nil
}

func (m *fakeMuxer) WritePacket(p *Packet) error {
	if m.writeErr != nil && len(m.packets) >= m.failAfter {
		return m.writeErr
	}
	c := *p
	c.Data = bytes.Clone(p.Data)
	m.packets = append(m.packets, c)
	return nil
}

func (m *fakeMuxer) WriteTrailer() error {
	m.trailer = true
	m.trailerAt = len(m.packets)
	return nil
}

func (m *fakeMuxer) Close() error {
	m.closed = true
	return nil
}

func (m *fakeMuxer) track(index int) []Packet {
	var out []Packet
	for _, p := range m.packets {
		if p.TrackIndex == index {
			out = append(out, p)
		}
	}
	return out
}

// fakeIO hands out the fakes above.
type fakeIO struct {
	demux   *fakeDemuxer
	mux     *fakeMuxer
	scaler   *fakeScaler
	repacker *V210Packer
	openErr  error
}

func (f *fakeIO) OpenInput(ctx context.Context, spec InputSpec) (Demuxer, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.demux, nil
}

func (f *fakeIO) NewScaler(cfg ScalerConfig) (Scaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f.scaler = &fakeScaler{cfg: cfg}
	return f.scaler, nil
}

func (f *fakeIO) NewRepacker(width, height int) (Repacker, error) {
	p, err := NewV210Packer(width, height)
	if err != nil {
		return nil, err
	}
	f.repacker = p
	return p, nil
}

func (f *fakeIO) OpenOutput(path string, src Demuxer, sm *StreamMap) (Muxer, error) {
	if f.mux == nil {
		f.mux = &fakeMuxer{}
	}
	f.mux.outputs = sm.Outputs
	return f.mux, nil
}

// noSleep makes coordinator polls return immediately.
func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }
