package cfenc

import "fmt"

// ScalerConfig configures a same-size pixel format conversion.
type ScalerConfig struct {
	Width      int
	Height     int
	SrcFormat  PixelFormat
	DstFormat  PixelFormat
	ColorSpace ColorSpace // Coefficient table for both directions
	Accurate   bool       // Accurate rounding and full chroma interpolation
}

func (c ScalerConfig) String() string {
	return fmt.Sprintf("%dx%d %s -> %s (%s, accurate=%t)",
		c.Width, c.Height, c.SrcFormat, c.DstFormat, c.ColorSpace, c.Accurate)
}

// libswscale flag bits (SWS_*).
const (
	swsBicubic     = 0x4
	swsFullChrHInt = 0x2000
	swsAccurateRnd = 0x40000
)

// SwscaleFlags returns the libswscale flag word for c.
func (c ScalerConfig) SwscaleFlags() uint64 {
	flags := uint64(swsBicubic)
	if c.Accurate {
		flags |= swsAccurateRnd | swsFullChrHInt
	}
	return flags
}

// Validate checks the configuration before a scaler is created.
func (c ScalerConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("scaler: invalid size %dx%d", c.Width, c.Height)
	}
	if c.SrcFormat == PixelFormatNone || c.DstFormat == PixelFormatNone {
		return fmt.Errorf("scaler: missing pixel format (%s -> %s)", c.SrcFormat, c.DstFormat)
	}
	return nil
}

// Scaler converts decoded frames into the working pixel format.
type Scaler interface {
	// Scale converts src. The returned frame is owned by the scaler and
	// valid until the next call.
	Scale(src *VideoFrame) (*VideoFrame, error)
	Close() error
}

// Repacker is a packing codec driven through a synchronous send/receive
// round trip. ReceivePacket returns ErrAgain when nothing is ready.
type Repacker interface {
	SendFrame(f *VideoFrame) error
	ReceivePacket() (*VideoFrame, error)
	Close() error
}
