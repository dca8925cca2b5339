package cfenc

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// OutputTrack describes one track of the output container.
type OutputTrack struct {
	Index      int
	InputIndex int
	Type       MediaType
	Encoded    bool // CineForm video; otherwise parameters are copied from the input

	CodecName         string
	PixelFormat       PixelFormat
	Width             int
	Height            int
	VideoDelay        int
	FrameRate         Rational
	AvgFrameRate      Rational
	SampleAspectRatio Rational

	Channels      int
	ChannelLayout string // Set when a layout had to be guessed

	TimeBase Rational
	Language string
}

// StreamBinding maps an input track to an output track. OutputIndex is -1
// for dropped tracks.
type StreamBinding struct {
	InputIndex  int
	OutputIndex int
	SrcTimeBase Rational
	DstTimeBase Rational
}

// Dropped reports whether packets on this track are discarded.
func (b StreamBinding) Dropped() bool { return b.OutputIndex < 0 }

// MapOptions control output track construction.
type MapOptions struct {
	RGB       bool
	VideoOnly bool
	Logger    hclog.Logger
}

// StreamMap is the output track list plus per-input bindings. It is built
// once and only the output time bases change afterwards, when the muxer
// reports them.
type StreamMap struct {
	Outputs  []OutputTrack
	Metadata map[string]string

	video    int
	bindings []StreamBinding
}

// Container tags that describe the source file rather than its content.
var skippedMetadata = map[string]bool{
	"major_brand":       true,
	"minor_version":     true,
	"compatible_brands": true,
	"encoder":           true,
}

// BuildStreamMap creates the output tracks: the video track at videoIndex
// becomes CineForm, and every other track is passed through unless
// opts.VideoOnly is set.
func BuildStreamMap(tracks []TrackInfo, videoIndex int, metadata map[string]string, opts MapOptions) (*StreamMap, error) {
	if videoIndex < 0 || videoIndex >= len(tracks) || tracks[videoIndex].Type != MediaTypeVideo {
		return nil, fmt.Errorf("%w: track %d", ErrNoVideoStream, videoIndex)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	sm := &StreamMap{
		Metadata: make(map[string]string, len(metadata)),
		video:    videoIndex,
		bindings: make([]StreamBinding, len(tracks)),
	}
	for k, v := range metadata {
		if !skippedMetadata[k] {
			sm.Metadata[k] = v
		}
	}

	for i, in := range tracks {
		b := StreamBinding{InputIndex: i, OutputIndex: -1, SrcTimeBase: in.TimeBase}
		if opts.VideoOnly && i != videoIndex {
			sm.bindings[i] = b
			continue
		}

		out := OutputTrack{
			Index:      len(sm.Outputs),
			InputIndex: i,
			Type:       in.Type,
			Language:   in.Language,
		}
		if i == videoIndex {
			out.Encoded = true
			out.CodecName = CodecNameCFHD
			out.PixelFormat = PixelFormatYUV422P10LE
			if opts.RGB {
				out.PixelFormat = PixelFormatGBRP12LE
			}
			out.Width = in.Width
			out.Height = in.Height
			out.VideoDelay = in.VideoDelay
			out.FrameRate = in.FrameRate
			out.AvgFrameRate = in.AvgFrameRate
			out.SampleAspectRatio = in.SampleAspectRatio
			out.TimeBase = videoTimeBase(in)
		} else {
			out.CodecName = in.CodecName
			out.PixelFormat = in.PixelFormat
			out.Width = in.Width
			out.Height = in.Height
			out.Channels = in.Channels
			out.TimeBase = in.TimeBase
			if in.Type == MediaTypeAudio && in.ChannelLayout == "" && in.Channels > 0 {
				out.ChannelLayout = DefaultChannelLayout(in.Channels)
				logger.Warn("guessed channel layout", "stream", i, "layout", out.ChannelLayout)
			}
		}

		b.OutputIndex = out.Index
		b.DstTimeBase = out.TimeBase
		sm.bindings[i] = b
		sm.Outputs = append(sm.Outputs, out)
	}
	return sm, nil
}

// videoTimeBase is 1/r_frame_rate, falling back to the average frame rate
// and then the input time base.
func videoTimeBase(in TrackInfo) Rational {
	switch {
	case in.FrameRate.Valid():
		return in.FrameRate.Invert()
	case in.AvgFrameRate.Valid():
		return in.AvgFrameRate.Invert()
	default:
		return in.TimeBase
	}
}

// VideoInput returns the input index of the encoded video track.
func (m *StreamMap) VideoInput() int { return m.video }

// VideoOutput returns the output track carrying CineForm samples.
func (m *StreamMap) VideoOutput() OutputTrack {
	return m.Outputs[m.bindings[m.video].OutputIndex]
}

// Binding returns the binding for an input track.
func (m *StreamMap) Binding(input int) (StreamBinding, bool) {
	if input < 0 || input >= len(m.bindings) {
		return StreamBinding{}, false
	}
	return m.bindings[input], true
}

// SetOutputTimeBase records the time base the muxer chose for an output track.
func (m *StreamMap) SetOutputTimeBase(output int, tb Rational) error {
	if output < 0 || output >= len(m.Outputs) {
		return fmt.Errorf("output track %d out of range", output)
	}
	if !tb.Valid() {
		return fmt.Errorf("output track %d: invalid time base %s", output, tb)
	}
	m.Outputs[output].TimeBase = tb
	m.bindings[m.Outputs[output].InputIndex].DstTimeBase = tb
	return nil
}

// ApplyMuxerTimeBases calls SetOutputTimeBase for every track in order.
func (m *StreamMap) ApplyMuxerTimeBases(tbs []Rational) error {
	if len(tbs) != len(m.Outputs) {
		return fmt.Errorf("muxer reported %d time bases for %d tracks", len(tbs), len(m.Outputs))
	}
	for i, tb := range tbs {
		if err := m.SetOutputTimeBase(i, tb); err != nil {
			return err
		}
	}
	return nil
}

// RemapPacket moves a passthrough packet to its output track and rescales
// its timestamps. It returns false when the track is dropped.
func (m *StreamMap) RemapPacket(p *Packet) bool {
	b, ok := m.Binding(p.TrackIndex)
	if !ok || b.Dropped() {
		return false
	}
	p.TrackIndex = b.OutputIndex
	RescalePacket(p, b.SrcTimeBase, b.DstTimeBase)
	return true
}

// SamplePacket builds the output packet for a CineForm sample. Every
// sample is a key frame with dts equal to pts.
func (m *StreamMap) SamplePacket(s *PendingSample) Packet {
	b := m.bindings[m.video]
	p := Packet{
		TrackIndex: b.OutputIndex,
		Data:       s.Data,
		PTS:        s.PTS,
		DTS:        s.PTS,
		Duration:   s.Duration,
		Key:        true,
	}
	RescalePacket(&p, b.SrcTimeBase, b.DstTimeBase)
	return p
}

// RescalePacket converts the packet's timestamps and duration from src to dst.
func RescalePacket(p *Packet, src, dst Rational) {
	p.PTS = Rescale(p.PTS, src, dst)
	p.DTS = Rescale(p.DTS, src, dst)
	if p.Duration > 0 {
		p.Duration = Rescale(p.Duration, src, dst)
	}
}

// DefaultChannelLayout returns libav's default layout name for a channel count.
func DefaultChannelLayout(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	case 3:
		return "2.1"
	case 4:
		return "4.0"
	case 5:
		return "5.0"
	case 6:
		return "5.1"
	case 7:
		return "6.1"
	case 8:
		return "7.1"
	default:
		return fmt.Sprintf("%d channels", channels)
	}
}
