package scanning

import (
	"fmt"
	"image"
)

// PixelFormat is the memory layout of a frame.
type PixelFormat int

const (
	// PixelRGB32 packs (A<<24)|(R<<16)|(G<<8)|B per pixel, stored as BGRA on
	// little-endian CPUs.
	PixelRGB32 PixelFormat = iota
	// PixelGray8 is 8 bits per pixel grayscale.
	PixelGray8
	// PixelNV21 is YUV 4:2:0 with a Y plane followed by interleaved VU.
	PixelNV21
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRGB32:
		return "rgb32"
	case PixelGray8:
		return "gray8"
	case PixelNV21:
		return "nv21"
	}
	return fmt.Sprintf("pixfmt(%d)", int(f))
}

// Orientation locates the frame origin, using the EXIF values.
type Orientation int

const (
	OrientationUndefined   Orientation = 0
	OrientationTopLeft     Orientation = 1
	OrientationBottomRight Orientation = 3
	OrientationRightTop    Orientation = 6
	OrientationLeftBottom  Orientation = 8
)

// Frame is a decoded camera frame. Conversion between formats is the
// caller's job; the engine only reads the luminance.
type Frame struct {
	Data        []byte
	Width       int
	Height      int
	Stride      int
	Format      PixelFormat
	Orientation Orientation
}

func (f PixelFormat) bytesPerPixel() int {
	if f == PixelRGB32 {
		return 4
	}
	return 1
}

// Validate checks that the buffer is large enough for the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return NewError(CodeInvalidArgument, "frame", fmt.Errorf("nil frame"))
	}
	if f.Width <= 0 || f.Height <= 0 {
		return NewError(CodeInvalidArgument, "frame", fmt.Errorf("invalid size %dx%d", f.Width, f.Height))
	}
	switch f.Format {
	case PixelRGB32, PixelGray8, PixelNV21:
	default:
		return NewError(CodeInvalidArgument, "frame", fmt.Errorf("unknown pixel format %d", int(f.Format)))
	}
	switch f.Orientation {
	case OrientationUndefined, OrientationTopLeft, OrientationBottomRight, OrientationRightTop, OrientationLeftBottom:
	default:
		return NewError(CodeInvalidArgument, "frame", fmt.Errorf("unknown orientation %d", int(f.Orientation)))
	}
	// Every row and every pixel takes at least one byte, so this bounds the
	// products below.
	if f.Width > len(f.Data) || f.Height > len(f.Data) {
		return NewError(CodeInvalidArgument, "frame", fmt.Errorf("buffer holds %d bytes, too small for %dx%d", len(f.Data), f.Width, f.Height))
	}
	if f.Stride < f.Width*f.Format.bytesPerPixel() {
		return NewError(CodeInvalidArgument, "frame", fmt.Errorf("stride %d too small for width %d", f.Stride, f.Width))
	}
	rows := f.Height
	if f.Format == PixelNV21 {
		rows += (f.Height + 1) / 2
	}
	if f.Stride > len(f.Data) || rows > len(f.Data)/f.Stride {
		return NewError(CodeInvalidArgument, "frame", fmt.Errorf("buffer holds %d bytes, need %d rows of stride %d", len(f.Data), rows, f.Stride))
	}
	return nil
}

// Clone returns a frame with its own copy of the pixel buffer.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

// Gray returns the luminance of the frame, rotated upright according to
// its orientation.
func (f *Frame) Gray() (*image.Gray, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		row := f.Data[y*f.Stride:]
		out := img.Pix[y*img.Stride : y*img.Stride+f.Width]
		switch f.Format {
		case PixelGray8, PixelNV21:
			copy(out, row[:f.Width])
		case PixelRGB32:
			for x := range out {
				b, g, r := int(row[x*4]), int(row[x*4+1]), int(row[x*4+2])
				out[x] = uint8((299*r + 587*g + 114*b) / 1000)
			}
		}
	}
	return orient(img, f.Orientation), nil
}

// FrameFromGray wraps a grayscale image as an upright GRAY8 frame.
func FrameFromGray(img *image.Gray) *Frame {
	b := img.Bounds()
	f := &Frame{
		Width:       b.Dx(),
		Height:      b.Dy(),
		Stride:      b.Dx(),
		Format:      PixelGray8,
		Orientation: OrientationTopLeft,
		Data:        make([]byte, b.Dx()*b.Dy()),
	}
	for y := 0; y < f.Height; y++ {
		start := y * img.Stride
		copy(f.Data[y*f.Stride:], img.Pix[start:start+f.Width])
	}
	return f
}

func orient(src *image.Gray, o Orientation) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	var dst *image.Gray
	var at func(x, y int) (int, int)
	switch o {
	case OrientationBottomRight:
		dst = image.NewGray(image.Rect(0, 0, w, h))
		at = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case OrientationRightTop:
		// 0th row on the right: rotate 90 degrees clockwise.
		dst = image.NewGray(image.Rect(0, 0, h, w))
		at = func(x, y int) (int, int) { return y, h - 1 - x }
	case OrientationLeftBottom:
		dst = image.NewGray(image.Rect(0, 0, h, w))
		at = func(x, y int) (int, int) { return w - 1 - y, x }
	default:
		return src
	}
	db := dst.Rect
	for y := 0; y < db.Dy(); y++ {
		for x := 0; x < db.Dx(); x++ {
			sx, sy := at(x, y)
			dst.Pix[y*dst.Stride+x] = src.Pix[sy*src.Stride+sx]
		}
	}
	return dst
}
