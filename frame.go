// Core frame types and pixel-format descriptors used across the cfenc package.
package cfenc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PixelFormat names a raw pixel layout using libav naming (e.g. "yuyv422").
type PixelFormat string

const (
	PixelFormatNone        PixelFormat = ""
	PixelFormatYUYV422     PixelFormat = "yuyv422"     // Packed 8-bit 4:2:2, Y0 Cb Y1 Cr
	PixelFormatYUV422P10LE PixelFormat = "yuv422p10le" // Planar 10-bit 4:2:2, little endian words
	PixelFormatRGB48LE     PixelFormat = "rgb48le"     // Packed 16-bit RGB
	PixelFormatGBRP12LE    PixelFormat = "gbrp12le"    // Planar 12-bit GBR
	PixelFormatYUV420P     PixelFormat = "yuv420p"     // Planar 8-bit 4:2:0
)

func (p PixelFormat) String() string {
	if p == PixelFormatNone {
		return "none"
	}
	return string(p)
}

// PixelFormatInfo describes the properties of a pixel format that drive
// working-format selection.
type PixelFormatInfo struct {
	Name   PixelFormat
	Depth  int  // Bits per component of the first plane
	RGB    bool // RGB family (as opposed to YUV / gray)
	Planar bool
}

// Known formats. Anything missing is described heuristically from its name.
var pixelFormatTable = map[PixelFormat]PixelFormatInfo{
	"yuv420p":     {Depth: 8, Planar: true},
	"yuvj420p":    {Depth: 8, Planar: true},
	"yuv422p":     {Depth: 8, Planar: true},
	"yuvj422p":    {Depth: 8, Planar: true},
	"yuv444p":     {Depth: 8, Planar: true},
	"yuvj444p":    {Depth: 8, Planar: true},
	"nv12":        {Depth: 8, Planar: true},
	"nv21":        {Depth: 8, Planar: true},
	"yuyv422":     {Depth: 8},
	"uyvy422":     {Depth: 8},
	"gray":        {Depth: 8, Planar: true},
	"rgb24":       {Depth: 8, RGB: true},
	"bgr24":       {Depth: 8, RGB: true},
	"rgba":        {Depth: 8, RGB: true},
	"bgra":        {Depth: 8, RGB: true},
	"argb":        {Depth: 8, RGB: true},
	"abgr":        {Depth: 8, RGB: true},
	"gbrp":        {Depth: 8, RGB: true, Planar: true},
	"yuv420p10le": {Depth: 10, Planar: true},
	"yuv422p10le": {Depth: 10, Planar: true},
	"yuv444p10le": {Depth: 10, Planar: true},
	"yuv420p12le": {Depth: 12, Planar: true},
	"yuv422p12le": {Depth: 12, Planar: true},
	"yuv444p12le": {Depth: 12, Planar: true},
	"yuv422p16le": {Depth: 16, Planar: true},
	"p010le":      {Depth: 10, Planar: true},
	"p210le":      {Depth: 10, Planar: true},
	"y210le":      {Depth: 10},
	"rgb48le":     {Depth: 16, RGB: true},
	"rgb48be":     {Depth: 16, RGB: true},
	"bgr48le":     {Depth: 16, RGB: true},
	"rgba64le":    {Depth: 16, RGB: true},
	"gbrp10le":    {Depth: 10, RGB: true, Planar: true},
	"gbrp12le":    {Depth: 12, RGB: true, Planar: true},
	"gbrp16le":    {Depth: 16, RGB: true, Planar: true},
	"x2rgb10le":   {Depth: 10, RGB: true},
}

var planarDepthSuffix = regexp.MustCompile(`p(\d+)(le|be)?$`)

// DescribePixelFormat returns the descriptor for a libav pixel format name.
func DescribePixelFormat(p PixelFormat) PixelFormatInfo {
	if info, ok := pixelFormatTable[p]; ok {
		info.Name = p
		return info
	}

	name := strings.ToLower(string(p))
	info := PixelFormatInfo{Name: p, Depth: 8}
	for _, prefix := range []string{"rgb", "bgr", "gbr", "argb", "abgr", "0rgb", "x2rgb", "x2bgr"} {
		if strings.HasPrefix(name, prefix) {
			info.RGB = true
			break
		}
	}
	if m := planarDepthSuffix.FindStringSubmatch(name); m != nil {
		if d, err := strconv.Atoi(m[1]); err == nil && d > 0 && d <= 16 {
			info.Depth = d
		}
		info.Planar = true
	}
	return info
}

// Is8Bit reports whether the first component is exactly 8 bits deep.
func (i PixelFormatInfo) Is8Bit() bool {
	return i.Depth == 8
}

// VideoFrame represents a raw video frame.
// The Data slices may point to memory owned by a decoder; callers must copy
// them (Tight does) before the owner reuses it.
type VideoFrame struct {
	Data     [][]byte    // Plane data
	Stride   []int       // Stride for each plane in bytes
	Width    int         // Frame width in pixels
	Height   int         // Frame height in pixels
	Format   PixelFormat // Pixel format
	PTS      int64       // Presentation timestamp in the source track's time base
	Duration int64       // Duration in the source track's time base
}

// Packed returns the first plane and its pitch. Packed working formats
// (YUY2, RG48, v210) carry the whole image in plane 0.
func (f *VideoFrame) Packed() ([]byte, int) {
	if len(f.Data) == 0 {
		return nil, 0
	}
	pitch := 0
	if len(f.Stride) > 0 {
		pitch = f.Stride[0]
	}
	return f.Data[0], pitch
}

// tightLayout returns per-plane row sizes in bytes for the formats the
// pipeline reads plane by plane. ok is false for other formats.
func tightLayout(format PixelFormat, width int) (rowBytes []int, ok bool) {
	switch format {
	case PixelFormatYUYV422:
		return []int{width * 2}, true
	case PixelFormatRGB48LE:
		return []int{width * 6}, true
	case PixelFormatYUV422P10LE:
		cw := (width + 1) / 2
		return []int{width * 2, cw * 2, cw * 2}, true
	case PixelFormatGBRP12LE:
		return []int{width * 2, width * 2, width * 2}, true
	default:
		return nil, false
	}
}

// SplitTight wraps an image copied with 1-byte alignment (planes back to
// back, no row padding) in a VideoFrame. Formats without a known layout
// keep the whole buffer in plane 0 with no stride.
func SplitTight(buf []byte, format PixelFormat, width, height int) (*VideoFrame, error) {
	f := &VideoFrame{Width: width, Height: height, Format: format}
	rows, ok := tightLayout(format, width)
	if !ok {
		f.Data = [][]byte{buf}
		return f, nil
	}
	off := 0
	for _, rb := range rows {
		n := rb * height
		if off+n > len(buf) {
			return nil, fmt.Errorf("%s %dx%d: buffer of %d bytes is too short", format, width, height, len(buf))
		}
		f.Data = append(f.Data, buf[off:off+n:off+n])
		f.Stride = append(f.Stride, rb)
		off += n
	}
	return f, nil
}

// Tight returns the image with planes back to back and no row padding,
// appending to dst. A single unstrided plane is returned as is.
func (f *VideoFrame) Tight(dst []byte) []byte {
	if len(f.Data) == 1 && len(f.Stride) == 0 {
		return append(dst, f.Data[0]...)
	}
	rows, ok := tightLayout(f.Format, f.Width)
	for i, plane := range f.Data {
		rb := f.Stride[i]
		if ok && i < len(rows) {
			rb = rows[i]
		}
		for y := 0; y < f.Height; y++ {
			off := y * f.Stride[i]
			if off+rb > len(plane) {
				break
			}
			dst = append(dst, plane[off:off+rb]...)
		}
	}
	return dst
}
