package cfenc

import (
	"fmt"
	"math"
	"math/bits"
)

// MediaType classifies a container track.
type MediaType int

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeVideo
	MediaTypeAudio
	MediaTypeSubtitle
	MediaTypeData
	MediaTypeAttachment
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	case MediaTypeSubtitle:
		return "subtitle"
	case MediaTypeData:
		return "data"
	case MediaTypeAttachment:
		return "attachment"
	default:
		return "unknown"
	}
}

// NoPTS marks an unset timestamp (AV_NOPTS_VALUE).
const NoPTS int64 = math.MinInt64

// Rational is a num/den pair such as a time base or aspect ratio.
type Rational struct {
	Num int
	Den int
}

// R is shorthand for Rational{num, den}.
func R(num, den int) Rational { return Rational{Num: num, Den: den} }

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// IsZero reports whether r is unset.
func (r Rational) IsZero() bool { return r.Num == 0 }

// Valid reports whether r has a positive numerator and denominator.
func (r Rational) Valid() bool { return r.Num > 0 && r.Den > 0 }

// Invert returns den/num.
func (r Rational) Invert() Rational { return Rational{Num: r.Den, Den: r.Num} }

// Float64 returns r as a float, or 0 when the denominator is zero.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Reduce returns r in lowest terms with a positive denominator.
func (r Rational) Reduce() Rational {
	if r.Den == 0 {
		return r
	}
	a, b := r.Num, r.Den
	if b < 0 {
		a, b = -a, -b
	}
	g := gcd(abs(a), b)
	if g == 0 {
		return Rational{Num: a, Den: b}
	}
	return Rational{Num: a / g, Den: b / g}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Rescale converts v from time base src to time base dst, rounding to
// nearest with halves away from zero. NoPTS passes through unchanged, as
// does any v when src has a zero denominator or dst a zero numerator.
// A result outside the int64 range becomes NoPTS.
func Rescale(v int64, src, dst Rational) int64 {
	if v == NoPTS || src == dst || src.Den == 0 || dst.Num == 0 {
		return v
	}
	// v * (src.Num*dst.Den) / (src.Den*dst.Num) in 128 bits.
	b, bneg, ok := mulAbs(src.Num, dst.Den)
	if !ok {
		return NoPTS
	}
	c, cneg, ok := mulAbs(src.Den, dst.Num)
	if !ok {
		return NoPTS
	}
	neg := v < 0
	uv := uint64(v)
	if neg {
		uv = uint64(-v)
	}
	neg = neg != bneg != cneg

	hi, lo := bits.Mul64(uv, b)
	var carry uint64
	lo, carry = bits.Add64(lo, c/2, 0)
	hi += carry
	if hi >= c {
		return NoPTS
	}
	q, _ := bits.Div64(hi, lo, c)
	if q > math.MaxInt64 {
		return NoPTS
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

// mulAbs returns |a*b|, its sign and whether it fits in 64 bits.
func mulAbs(a, b int) (uint64, bool, bool) {
	hi, lo := bits.Mul64(uint64(abs(a)), uint64(abs(b)))
	return lo, (a < 0) != (b < 0), hi == 0
}

// TrackInfo describes one input track as reported by the demuxer.
type TrackInfo struct {
	Index     int
	Type      MediaType
	CodecName string
	TimeBase  Rational

	// Video
	Width             int
	Height            int
	PixelFormat       PixelFormat
	FrameRate         Rational // r_frame_rate
	AvgFrameRate      Rational
	SampleAspectRatio Rational
	VideoDelay        int
	NbFrames          int64

	// Audio
	Channels      int
	ChannelLayout string // Empty when the container did not declare one
	SampleRate    int

	Language string
}

// IsRawVideo reports whether the track carries uncompressed frames.
func (t TrackInfo) IsRawVideo() bool {
	return t.Type == MediaTypeVideo && t.CodecName == CodecNameRawVideo
}

// Packet is one demuxed or encoded access unit.
type Packet struct {
	TrackIndex int
	Data       []byte
	PTS        int64
	DTS        int64
	Duration   int64
	Key        bool
}
