package cfenc

import (
	"fmt"
	"math"
)

// SourceInfo is what the selector needs to know about the input video track.
type SourceInfo struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
	Raw         bool // Uncompressed frames (rawvideo codec)
}

// SourceFromTrack extracts the selector inputs from a demuxed track.
func SourceFromTrack(t TrackInfo) SourceInfo {
	return SourceInfo{
		Width:       t.Width,
		Height:      t.Height,
		PixelFormat: t.PixelFormat,
		Raw:         t.IsRawVideo(),
	}
}

// FormatOptions are the user choices that drive path selection.
type FormatOptions struct {
	RGB      bool
	Transfer TransferCharacteristic
	Quality  Quality
	Threads  int // 0 = hardware concurrency - 1
}

// EncodeConfig is fixed for the lifetime of one run.
type EncodeConfig struct {
	Width         int
	Height        int
	PixelFormat   CFPixelFormat
	EncodedFormat EncodedFormat
	Flags         EncodingFlags
	Quality       Quality
	Threads       int
	Capacity      int // Slots in flight; also the ring size
}

// Pitch returns the row size of one working-format frame.
func (c EncodeConfig) Pitch() int { return c.PixelFormat.Pitch(c.Width) }

// FrameSize returns the byte size of one working-format frame.
func (c EncodeConfig) FrameSize() int { return c.Pitch() * c.Height }

// RequiredFeatures returns the encoder capabilities c needs.
func (c EncodeConfig) RequiredFeatures() Features {
	need := FeatureEncode
	switch {
	case c.EncodedFormat == EncodedFormatRGB444:
		need |= FeatureRGB444
	case c.PixelFormat == CFPixelFormatV210:
		need |= Feature10Bit
	}
	return need
}

func (c EncodeConfig) String() string {
	return fmt.Sprintf("%dx%d %s -> %s, quality=%s, threads=%d, capacity=%d",
		c.Width, c.Height, c.PixelFormat, c.EncodedFormat, c.Quality, c.Threads, c.Capacity)
}

// AdaptationPlan describes what happens to each frame before submission.
type AdaptationPlan struct {
	Direct     bool        // Forward raw packets untouched
	ScaleTo    PixelFormat // PixelFormatNone = no scaling
	Repack     bool        // Pack yuv422p10le into v210
	ColorSpace ColorSpace
	Accurate   bool // RGB<->YUV conversion: accurate rounding, full chroma interpolation
}

// ScalerConfig returns the scaler parameters for a source, or false when
// no scaling is needed.
func (p AdaptationPlan) ScalerConfig(src SourceInfo) (ScalerConfig, bool) {
	if p.Direct || p.ScaleTo == PixelFormatNone {
		return ScalerConfig{}, false
	}
	return ScalerConfig{
		Width:      src.Width,
		Height:     src.Height,
		SrcFormat:  src.PixelFormat,
		DstFormat:  p.ScaleTo,
		ColorSpace: p.ColorSpace,
		Accurate:   p.Accurate,
	}, true
}

func (p AdaptationPlan) String() string {
	if p.Direct {
		return "direct"
	}
	s := "decode"
	if p.ScaleTo != PixelFormatNone {
		s += " -> scale(" + p.ScaleTo.String() + ", " + p.ColorSpace.String() + ")"
	}
	if p.Repack {
		s += " -> v210"
	}
	return s
}

// hardwareConcurrency is replaceable in tests.
var hardwareConcurrency = HardwareConcurrency

// SelectFormat chooses the working pixel format, encoded format, flags and
// adaptation path for a run. It is a pure function of its arguments apart
// from the hardware concurrency probe used when opts.Threads is zero.
func SelectFormat(src SourceInfo, opts FormatOptions) (EncodeConfig, AdaptationPlan) {
	info := DescribePixelFormat(src.PixelFormat)
	threads := ResolveThreads(opts.Threads, hardwareConcurrency())

	cfg := EncodeConfig{
		Width:    src.Width,
		Height:   src.Height,
		Quality:  opts.Quality,
		Threads:  threads,
		Capacity: Capacity(threads),
	}
	plan := AdaptationPlan{
		ColorSpace: ColorSpaceFor(opts.Transfer, src.Width),
		Accurate:   info.RGB != opts.RGB,
	}

	var direct PixelFormat
	switch {
	case opts.RGB:
		cfg.PixelFormat = CFPixelFormatRG48
		cfg.EncodedFormat = EncodedFormatRGB444
		plan.ScaleTo = PixelFormatRGB48LE
		direct = PixelFormatRGB48LE
	case info.Is8Bit():
		cfg.PixelFormat = CFPixelFormatYUY2
		cfg.EncodedFormat = EncodedFormatYUV422
		plan.ScaleTo = PixelFormatYUYV422
		direct = PixelFormatYUYV422
	default:
		cfg.PixelFormat = CFPixelFormatV210
		cfg.EncodedFormat = EncodedFormatYUV422
		plan.ScaleTo = PixelFormatYUV422P10LE
		plan.Repack = true
	}
	if !opts.RGB && opts.Transfer.Resolve(src.Width) == TransferBT601 {
		cfg.Flags |= EncodingFlagYUV601
	}

	if src.Raw && direct != PixelFormatNone && src.PixelFormat == direct {
		return cfg, AdaptationPlan{Direct: true, ColorSpace: plan.ColorSpace}
	}
	if src.PixelFormat == plan.ScaleTo {
		plan.ScaleTo = PixelFormatNone
	}
	return cfg, plan
}

// ResolveThreads returns requested when positive, else hw-1 floored at 1.
func ResolveThreads(requested, hw int) int {
	if requested > 0 {
		return requested
	}
	if hw-1 < 1 {
		return 1
	}
	return hw - 1
}

// Capacity returns the in-flight bound for a thread count:
// round(threads * 1.5), at least 1.
func Capacity(threads int) int {
	c := int(math.Round(float64(threads) * 1.5))
	if c < 1 {
		return 1
	}
	return c
}
