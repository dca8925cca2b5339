package cfenc

import (
	"fmt"
	"strings"
)

// Quality identifies the CineForm encoding quality tier.
// Values match CFHD_EncodingQuality.
type Quality int

const (
	QualityFixed     Quality = 0
	QualityLow       Quality = 1
	QualityMedium    Quality = 2
	QualityHigh      Quality = 3
	QualityFilmScan1 Quality = 4
	QualityFilmScan2 Quality = 5
	QualityFilmScan3 Quality = 6

	QualityDefault = QualityFilmScan1
)

func (q Quality) String() string {
	switch q {
	case QualityFixed:
		return "Fixed"
	case QualityLow:
		return "Low"
	case QualityMedium:
		return "Medium"
	case QualityHigh:
		return "High"
	case QualityFilmScan1:
		return "Film Scan 1"
	case QualityFilmScan2:
		return "Film Scan 2"
	case QualityFilmScan3:
		return "Film Scan 3"
	default:
		return "Unknown"
	}
}

// Flag returns the command-line spelling of the tier.
func (q Quality) Flag() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	case QualityFilmScan1:
		return "fs1"
	case QualityFilmScan2:
		return "fs2"
	case QualityFilmScan3:
		return "fs3"
	default:
		return ""
	}
}

// ParseQuality parses low, medium, high, fs1, fs2 or fs3.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return QualityLow, nil
	case "medium":
		return QualityMedium, nil
	case "high":
		return QualityHigh, nil
	case "fs1":
		return QualityFilmScan1, nil
	case "fs2":
		return QualityFilmScan2, nil
	case "fs3":
		return QualityFilmScan3, nil
	default:
		return QualityDefault, fmt.Errorf("%w: quality %q", ErrInvalidOption, s)
	}
}

// CFPixelFormat is the layout of frames handed to the CineForm encoder.
// Values are the SDK's multi-character constants.
type CFPixelFormat uint32

const (
	CFPixelFormatUnknown CFPixelFormat = 0
	CFPixelFormatYUY2    CFPixelFormat = 0x59555932 // 'YUY2': 8-bit packed 4:2:2
	CFPixelFormatV210    CFPixelFormat = 0x76323130 // 'v210': 10-bit packed 4:2:2
	CFPixelFormatRG48    CFPixelFormat = 0x52473438 // 'RG48': 16-bit packed RGB
)

func (p CFPixelFormat) String() string {
	switch p {
	case CFPixelFormatYUY2:
		return "YUY2"
	case CFPixelFormatV210:
		return "v210"
	case CFPixelFormatRG48:
		return "RG48"
	default:
		return "Unknown"
	}
}

// Pitch returns the minimum row size in bytes for a frame of the given width.
func (p CFPixelFormat) Pitch(width int) int {
	switch p {
	case CFPixelFormatYUY2:
		return width * 2
	case CFPixelFormatV210:
		return V210Pitch(width)
	case CFPixelFormatRG48:
		return width * 6
	default:
		return 0
	}
}

// EncodedFormat is the color family stored in the CineForm bitstream.
type EncodedFormat int

const (
	EncodedFormatYUV422 EncodedFormat = 0
	EncodedFormatRGB444 EncodedFormat = 1
)

func (e EncodedFormat) String() string {
	switch e {
	case EncodedFormatYUV422:
		return "YUV 4:2:2"
	case EncodedFormatRGB444:
		return "RGB 4:4:4"
	default:
		return "Unknown"
	}
}

// EncodingFlags is a bitmask of CFHD_EncodingFlags.
type EncodingFlags uint32

const (
	EncodingFlagsNone  EncodingFlags = 0
	EncodingFlagYUV601 EncodingFlags = 1 << 2 // Signal BT.601 instead of BT.709
)

// Has returns true if all specified flags are set.
func (f EncodingFlags) Has(flag EncodingFlags) bool { return f&flag == flag }

// TransferCharacteristic selects BT.601 or BT.709 handling.
// Zero means infer from frame width.
type TransferCharacteristic int

const (
	TransferAuto   TransferCharacteristic = 0
	TransferBT601  TransferCharacteristic = 601
	TransferBT709  TransferCharacteristic = 709
	narrowMaxWidth                        = 720
)

func (t TransferCharacteristic) String() string {
	switch t {
	case TransferAuto:
		return "auto"
	case TransferBT601:
		return "601"
	case TransferBT709:
		return "709"
	default:
		return fmt.Sprintf("invalid(%d)", int(t))
	}
}

// Valid reports whether t is auto, 601 or 709.
func (t TransferCharacteristic) Valid() bool {
	return t == TransferAuto || t == TransferBT601 || t == TransferBT709
}

// Resolve returns the effective characteristic for a frame width.
func (t TransferCharacteristic) Resolve(width int) TransferCharacteristic {
	if t != TransferAuto {
		return t
	}
	if width <= narrowMaxWidth {
		return TransferBT601
	}
	return TransferBT709
}

// ColorSpace selects the colorspace coefficient table for the scaler.
type ColorSpace int

const (
	ColorSpaceBT470BG ColorSpace = iota // BT.601
	ColorSpaceBT709
)

func (c ColorSpace) String() string {
	switch c {
	case ColorSpaceBT470BG:
		return "bt470bg"
	case ColorSpaceBT709:
		return "bt709"
	default:
		return "unknown"
	}
}

// ColorSpaceFor maps a transfer characteristic to a scaler colorspace table.
func ColorSpaceFor(t TransferCharacteristic, width int) ColorSpace {
	if t.Resolve(width) == TransferBT601 {
		return ColorSpaceBT470BG
	}
	return ColorSpaceBT709
}

// Codec names used on the container side.
const (
	CodecNameCFHD     = "cfhd"
	CodecNameRawVideo = "rawvideo"
)
