package cfenc

import (
	"encoding/binary"
	"fmt"
)

// V210Pitch returns the v210 row size for width pixels: groups of 48
// pixels packed into 128 bytes.
func V210Pitch(width int) int {
	return ((width + 47) / 48) * 128
}

// V210Packer packs planar yuv422p10le frames into v210. It implements
// Repacker with the send/receive protocol of a libav encoder: one
// SendFrame makes one packet available to ReceivePacket.
type V210Packer struct {
	width  int
	height int
	out    []byte
	ready  bool
	pts    int64
}

// NewV210Packer creates a packer for frames of the given size.
func NewV210Packer(width, height int) (*V210Packer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("v210: invalid size %dx%d", width, height)
	}
	return &V210Packer{
		width:  width,
		height: height,
		out:    make([]byte, V210Pitch(width)*height),
	}, nil
}

// SendFrame implements Repacker.
func (p *V210Packer) SendFrame(f *VideoFrame) error {
	if p.ready {
		return ErrAgain
	}
	if f.Format != PixelFormatYUV422P10LE {
		return fmt.Errorf("v210: unsupported input format %s", f.Format)
	}
	if f.Width != p.width || f.Height != p.height {
		return fmt.Errorf("%w: v210 packer is %dx%d, frame is %dx%d",
			ErrFrameSizeMismatch, p.width, p.height, f.Width, f.Height)
	}
	if len(f.Data) < 3 || len(f.Stride) < 3 {
		return fmt.Errorf("v210: frame has %d planes, need 3", len(f.Data))
	}
	if err := checkPlane(f.Data[0], f.Stride[0], p.width*2, p.height); err != nil {
		return fmt.Errorf("v210: luma plane: %w", err)
	}
	cw := (p.width + 1) / 2
	for i := 1; i < 3; i++ {
		if err := checkPlane(f.Data[i], f.Stride[i], cw*2, p.height); err != nil {
			return fmt.Errorf("v210: chroma plane %d: %w", i, err)
		}
	}

	pitch := V210Pitch(p.width)
	for y := 0; y < p.height; y++ {
		packV210Row(
			p.out[y*pitch:(y+1)*pitch],
			f.Data[0][y*f.Stride[0]:],
			f.Data[1][y*f.Stride[1]:],
			f.Data[2][y*f.Stride[2]:],
			p.width,
		)
	}
	p.pts = f.PTS
	p.ready = true
	return nil
}

// ReceivePacket implements Repacker. The returned data is owned by the
// packer and valid until the next SendFrame.
func (p *V210Packer) ReceivePacket() (*VideoFrame, error) {
	if !p.ready {
		return nil, ErrAgain
	}
	p.ready = false
	return &VideoFrame{
		Data:   [][]byte{p.out},
		Stride: []int{V210Pitch(p.width)},
		Width:  p.width,
		Height: p.height,
		PTS:    p.pts,
	}, nil
}

// Close implements Repacker.
func (p *V210Packer) Close() error {
	p.out = nil
	p.ready = false
	return nil
}

func checkPlane(data []byte, stride, rowBytes, rows int) error {
	if stride < rowBytes {
		return fmt.Errorf("stride %d shorter than row %d", stride, rowBytes)
	}
	if need := stride*(rows-1) + rowBytes; len(data) < need {
		return fmt.Errorf("%d bytes, need %d", len(data), need)
	}
	return nil
}

// packV210Row packs one row. Every 6 pixels become four little-endian
// words holding three 10-bit components each:
//
//	Cb0 Y0 Cr0 | Y1 Cb1 Y2 | Cr1 Y3 Cb2 | Y4 Cr2 Y5
//
// Missing samples in a trailing partial group are zero.
func packV210Row(dst, y, cb, cr []byte, width int) {
	sample := func(plane []byte, i, n int) uint32 {
		if i >= n {
			return 0
		}
		return uint32(binary.LittleEndian.Uint16(plane[i*2:])) & 0x3ff
	}
	cw := (width + 1) / 2

	clear(dst)
	for x, o := 0, 0; x < width; x, o = x+6, o+16 {
		c := x / 2
		w0 := sample(cb, c, cw) | sample(y, x, width)<<10 | sample(cr, c, cw)<<20
		w1 := sample(y, x+1, width) | sample(cb, c+1, cw)<<10 | sample(y, x+2, width)<<20
		w2 := sample(cr, c+1, cw) | sample(y, x+3, width)<<10 | sample(cb, c+2, cw)<<20
		w3 := sample(y, x+4, width) | sample(cr, c+2, cw)<<10 | sample(y, x+5, width)<<20
		binary.LittleEndian.PutUint32(dst[o:], w0)
		binary.LittleEndian.PutUint32(dst[o+4:], w1)
		binary.LittleEndian.PutUint32(dst[o+8:], w2)
		binary.LittleEndian.PutUint32(dst[o+12:], w3)
	}
}
