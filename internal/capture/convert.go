package capture

import (
	"fmt"
)

// PixelFormat is the layout of a native image handed over by an adapter.
type PixelFormat int

const (
	PixBGRA PixelFormat = iota // 32-bit, B G R A byte order
	PixRGBA                    // 32-bit, R G B A byte order
	PixYUYV                    // packed 4:2:2, Y0 U Y1 V
	PixNV12                    // Y plane then interleaved UV plane
)

func (f PixelFormat) String() string {
	switch f {
	case PixBGRA:
		return "BGRA"
	case PixRGBA:
		return "RGBA"
	case PixYUYV:
		return "YUYV"
	case PixNV12:
		return "NV12"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// Image is a native picture borrowed from an adapter. Stride is the byte
// length of one row (of the Y plane for NV12). UVOffset locates the NV12
// chroma plane; zero means Stride*Height.
type Image struct {
	Pix      []byte
	Width    int
	Height   int
	Stride   int
	UVOffset int
	Format   PixelFormat
}

// NV12Size is the byte size of a w x h NV12 picture.
func NV12Size(w, h int) int { return w*h + w*h/2 }

func checkNV12Dst(dst []byte, w, h int) error {
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return fmt.Errorf("nv12: invalid size %dx%d", w, h)
	}
	if len(dst) < NV12Size(w, h) {
		return fmt.Errorf("nv12: destination holds %d bytes, need %d", len(dst), NV12Size(w, h))
	}
	return nil
}

func checkSrc(src []byte, w, h, stride, bpp int) error {
	if w <= 0 || h <= 0 || stride < w*bpp {
		return fmt.Errorf("source geometry %dx%d stride %d is invalid", w, h, stride)
	}
	if need := (h-1)*stride + w*bpp; len(src) < need {
		return fmt.Errorf("source holds %d bytes, need %d", len(src), need)
	}
	return nil
}

// BGRAToNV12 scales and converts a BGRA image into dst (dw x dh).
func BGRAToNV12(dst []byte, dw, dh int, src []byte, sw, sh, stride int) error {
	return rgbToNV12(dst, dw, dh, src, sw, sh, stride, 2, 1, 0)
}

// RGBAToNV12 scales and converts an RGBA image into dst (dw x dh).
func RGBAToNV12(dst []byte, dw, dh int, src []byte, sw, sh, stride int) error {
	return rgbToNV12(dst, dw, dh, src, sw, sh, stride, 0, 1, 2)
}

// rgbToNV12 uses BT.601 fixed-point coefficients. Luma is sampled nearest
// neighbour; each chroma pair comes from the average of the four scaled
// source samples covering its 2x2 block. For 0-255 input, Y stays in
// [16,235] and UV in [16,240], so no clamping is needed.
func rgbToNV12(dst []byte, dw, dh int, src []byte, sw, sh, stride, ri, gi, bi int) error {
	if err := checkNV12Dst(dst, dw, dh); err != nil {
		return err
	}
	if err := checkSrc(src, sw, sh, stride, 4); err != nil {
		return err
	}

	yPlane := dst[:dw*dh]
	uvPlane := dst[dw*dh:]

	for y := 0; y < dh; y++ {
		row := src[(y*sh/dh)*stride:]
		yRow := yPlane[y*dw : (y+1)*dw]
		for x := range yRow {
			pi := (x * sw / dw) * 4
			yRow[x] = byte((66*int(row[pi+ri])+129*int(row[pi+gi])+25*int(row[pi+bi])+128)>>8 + 16)
		}
	}

	for y := 0; y < dh; y += 2 {
		row0 := src[(y*sh/dh)*stride:]
		row1 := src[((y+1)*sh/dh)*stride:]
		uvRow := uvPlane[(y/2)*dw : (y/2+1)*dw]
		for x := 0; x < dw; x += 2 {
			p0 := (x * sw / dw) * 4
			p1 := ((x + 1) * sw / dw) * 4
			r := (int(row0[p0+ri]) + int(row0[p1+ri]) + int(row1[p0+ri]) + int(row1[p1+ri])) / 4
			g := (int(row0[p0+gi]) + int(row0[p1+gi]) + int(row1[p0+gi]) + int(row1[p1+gi])) / 4
			b := (int(row0[p0+bi]) + int(row0[p1+bi]) + int(row1[p0+bi]) + int(row1[p1+bi])) / 4
			uvRow[x] = byte((-38*r-74*g+112*b+128)>>8 + 128)
			uvRow[x+1] = byte((112*r-94*g-18*b+128)>>8 + 128)
		}
	}
	return nil
}

// YUYVToNV12 converts packed 4:2:2 into NV12 of the same size. Chroma of
// each 2x2 block is the average of the two rows.
func YUYVToNV12(dst []byte, src []byte, w, h, stride int) error {
	if err := checkNV12Dst(dst, w, h); err != nil {
		return err
	}
	if err := checkSrc(src, w, h, stride, 2); err != nil {
		return err
	}

	yPlane := dst[:w*h]
	uvPlane := dst[w*h:]
	for y := 0; y < h; y++ {
		row := src[y*stride:]
		yRow := yPlane[y*w : (y+1)*w]
		for x := range yRow {
			yRow[x] = row[x*2]
		}
	}
	for y := 0; y < h; y += 2 {
		row0 := src[y*stride:]
		row1 := src[(y+1)*stride:]
		uvRow := uvPlane[(y/2)*w : (y/2+1)*w]
		for x := 0; x < w; x += 2 {
			i := x * 2
			uvRow[x] = byte((int(row0[i+1]) + int(row1[i+1])) / 2)
			uvRow[x+1] = byte((int(row0[i+3]) + int(row1[i+3])) / 2)
		}
	}
	return nil
}

// CopyNV12 copies a strided NV12 image of the same size into a tightly
// packed dst. uvOffset of zero means stride*h.
func CopyNV12(dst []byte, src []byte, w, h, stride, uvOffset int) error {
	if err := checkNV12Dst(dst, w, h); err != nil {
		return err
	}
	if uvOffset == 0 {
		uvOffset = stride * h
	}
	if err := checkNV12Src(src, w, h, stride, uvOffset); err != nil {
		return err
	}
	if stride == w && uvOffset == w*h {
		copy(dst, src[:NV12Size(w, h)])
		return nil
	}
	for y := 0; y < h; y++ {
		copy(dst[y*w:(y+1)*w], src[y*stride:y*stride+w])
	}
	uv := dst[w*h:]
	for y := 0; y < h/2; y++ {
		off := uvOffset + y*stride
		copy(uv[y*w:(y+1)*w], src[off:off+w])
	}
	return nil
}

func checkNV12Src(src []byte, w, h, stride, uvOffset int) error {
	if w <= 0 || h <= 0 || stride < w || uvOffset < stride*(h-1)+w {
		return fmt.Errorf("nv12 source geometry %dx%d stride %d uv %d is invalid", w, h, stride, uvOffset)
	}
	if need := uvOffset + (h/2-1)*stride + w; len(src) < need {
		return fmt.Errorf("nv12 source holds %d bytes, need %d", len(src), need)
	}
	return nil
}

// ScaleNV12 resizes a strided NV12 image into dst with nearest-neighbour
// sampling of both planes. uvOffset of zero means stride*sh.
func ScaleNV12(dst []byte, dw, dh int, src []byte, sw, sh, stride, uvOffset int) error {
	if err := checkNV12Dst(dst, dw, dh); err != nil {
		return err
	}
	if uvOffset == 0 {
		uvOffset = stride * sh
	}
	if sw%2 != 0 || sh%2 != 0 {
		return fmt.Errorf("nv12 source size %dx%d is odd", sw, sh)
	}
	if err := checkNV12Src(src, sw, sh, stride, uvOffset); err != nil {
		return err
	}

	for y := 0; y < dh; y++ {
		row := src[(y*sh/dh)*stride:]
		out := dst[y*dw : (y+1)*dw]
		for x := range out {
			out[x] = row[x*sw/dw]
		}
	}
	uv := dst[dw*dh:]
	cw, ch := dw/2, dh/2
	scw, sch := sw/2, sh/2
	for y := 0; y < ch; y++ {
		row := src[uvOffset+(y*sch/ch)*stride:]
		out := uv[y*dw : (y+1)*dw]
		for x := 0; x < cw; x++ {
			sx := (x * scw / cw) * 2
			out[x*2] = row[sx]
			out[x*2+1] = row[sx+1]
		}
	}
	return nil
}

// converter turns native images into NV12 at the output size. It owns two
// output buffers and alternates between them so the previous frame stays
// intact while the next one is converted.
type converter struct {
	w, h    int
	bufs    [2][]byte
	cur     int
	scratch []byte
}

func newConverter(w, h int) *converter {
	c := &converter{w: w, h: h}
	c.bufs[0] = make([]byte, NV12Size(w, h))
	c.bufs[1] = make([]byte, NV12Size(w, h))
	return c
}

func (c *converter) convert(img Image) ([]byte, error) {
	c.cur ^= 1
	dst := c.bufs[c.cur]
	sameSize := img.Width == c.w && img.Height == c.h

	switch img.Format {
	case PixBGRA:
		return dst, BGRAToNV12(dst, c.w, c.h, img.Pix, img.Width, img.Height, img.Stride)
	case PixRGBA:
		return dst, RGBAToNV12(dst, c.w, c.h, img.Pix, img.Width, img.Height, img.Stride)
	case PixNV12:
		if sameSize {
			return dst, CopyNV12(dst, img.Pix, img.Width, img.Height, img.Stride, img.UVOffset)
		}
		return dst, ScaleNV12(dst, c.w, c.h, img.Pix, img.Width, img.Height, img.Stride, img.UVOffset)
	case PixYUYV:
		if sameSize {
			return dst, YUYVToNV12(dst, img.Pix, img.Width, img.Height, img.Stride)
		}
		// Convert at the native size, then resize.
		if n := NV12Size(img.Width, img.Height); len(c.scratch) != n {
			c.scratch = make([]byte, n)
		}
		if err := YUYVToNV12(c.scratch, img.Pix, img.Width, img.Height, img.Stride); err != nil {
			return nil, err
		}
		return dst, ScaleNV12(dst, c.w, c.h, c.scratch, img.Width, img.Height, img.Width, 0)
	default:
		return nil, fmt.Errorf("unsupported pixel format %v", img.Format)
	}
}
