package cfenc

import (
	"context"
	"fmt"
	"sync"
)

// RawVideoHints describe a headerless raw video input. Size, rate and
// pixel format are required together.
type RawVideoHints struct {
	Width       int
	Height      int
	FrameRate   Rational
	PixelFormat PixelFormat
}

// VideoSize returns the hint in WxH form.
func (h RawVideoHints) VideoSize() string { return fmt.Sprintf("%dx%d", h.Width, h.Height) }

// InputSpec describes how to open the input.
type InputSpec struct {
	Path   string
	Raw    *RawVideoHints // nil = probe the container
	Aspect Rational       // Display aspect override; zero = keep
}

// Demuxer reads packets from an opened input.
type Demuxer interface {
	// Tracks returns every input track, indexed by TrackInfo.Index.
	Tracks() []TrackInfo
	// VideoTrack returns the index of the best video track.
	VideoTrack() int
	// Metadata returns the container-level tags.
	Metadata() map[string]string
	// ReadPacket returns the next packet or io.EOF. The packet data is
	// valid until the next call.
	ReadPacket(ctx context.Context) (*Packet, error)
	// OpenDecoder opens a decoder for a track.
	OpenDecoder(index, threads int) (Decoder, error)
	Close() error
}

// Decoder turns packets into frames with send/receive semantics.
// ReceiveFrame returns ErrAgain when more input is needed and io.EOF once
// a flush (SendPacket(nil)) has been fully drained.
type Decoder interface {
	SendPacket(p *Packet) error
	ReceiveFrame() (*VideoFrame, error)
	Close() error
}

// Muxer writes the output container.
type Muxer interface {
	// WriteHeader writes the container header and returns the time base
	// of every output track, which the format may have changed.
	WriteHeader() ([]Rational, error)
	WritePacket(p *Packet) error
	WriteTrailer() error
	Close() error
}

// MediaIO opens the demux, decode, scale, repack and mux collaborators.
type MediaIO interface {
	OpenInput(ctx context.Context, spec InputSpec) (Demuxer, error)
	NewScaler(cfg ScalerConfig) (Scaler, error)
	// NewRepacker returns a yuv422p10le to v210 packer.
	NewRepacker(width, height int) (Repacker, error)
	OpenOutput(path string, src Demuxer, sm *StreamMap) (Muxer, error)
}

// MediaIOFactory creates a MediaIO backend.
type MediaIOFactory func() (MediaIO, error)

var (
	mediaIOMu      sync.RWMutex
	mediaIOFactory MediaIOFactory
)

// registerMediaIO installs the backend used by NewMediaIO.
func registerMediaIO(factory MediaIOFactory) {
	mediaIOMu.Lock()
	defer mediaIOMu.Unlock()
	mediaIOFactory = factory
}

// NewMediaIO returns the compiled-in media backend.
func NewMediaIO() (MediaIO, error) {
	mediaIOMu.RLock()
	factory := mediaIOFactory
	mediaIOMu.RUnlock()

	if factory == nil {
		return nil, ErrAVUnavailable
	}
	return factory()
}

// NormalizeVideoTrack applies the input overrides to the probed video
// track: the raw frame-rate hint replaces both frame rates, a display
// aspect override is converted into a sample aspect ratio, a missing
// sample aspect ratio defaults to 1:1, and a missing frame count is
// estimated from the container duration in seconds.
func NormalizeVideoTrack(t *TrackInfo, spec InputSpec, durationSec float64) {
	if spec.Raw != nil && spec.Raw.FrameRate.Valid() {
		t.FrameRate = spec.Raw.FrameRate
		t.AvgFrameRate = spec.Raw.FrameRate
	}

	switch {
	case spec.Aspect.Valid() && t.Width > 0 && t.Height > 0:
		t.SampleAspectRatio = SampleAspectFromDisplay(spec.Aspect, t.Width, t.Height)
	case t.SampleAspectRatio.Num == 0:
		t.SampleAspectRatio = R(1, 1)
	}

	if t.NbFrames == 0 && durationSec > 0 && t.FrameRate.Valid() {
		t.NbFrames = int64(durationSec * t.FrameRate.Float64())
	}
}

// SampleAspectFromDisplay derives the pixel aspect ratio that makes a
// width x height frame display at dar.
func SampleAspectFromDisplay(dar Rational, width, height int) Rational {
	return Rational{Num: dar.Num * height, Den: dar.Den * width}.Reduce()
}
