package jpeg2k

import (
	"fmt"
	"image"
	"image/color"
)

// Plane is one component of a decoded or to-be-encoded image. Samples are
// stored row-major at the component's own resolution.
type Plane struct {
	Width, Height int
	DX, DY        int // subsampling factors on the reference grid
	Precision     int
	Signed        bool
	Pix           []int32
}

// At returns the sample at component coordinates (x, y)
func (p *Plane) At(x, y int) int32 {
	return p.Pix[y*p.Width+x]
}

// unsigned maps a sample to [0, 2^Precision)
func (p *Plane) unsigned(v int32) uint32 {
	if p.Signed {
		v += 1 << (p.Precision - 1)
	}
	return uint32(v)
}

// DecodeStats reports recoverable stream issues seen while decoding
type DecodeStats struct {
	SegSymMismatches int // code-blocks whose segmentation symbol was corrupt
	Tiles            int // tiles decoded
}

// Image is a planar JPEG 2000 image on the reference grid
type Image struct {
	Width, Height int
	Planes        []Plane
	Comments      []string
	Stats         DecodeStats
}

// NewImage allocates an image of n full-resolution planes
func NewImage(width, height, n, precision int, signed bool) *Image {
	img := &Image{Width: width, Height: height}
	for range n {
		img.Planes = append(img.Planes, Plane{
			Width:     width,
			Height:    height,
			DX:        1,
			DY:        1,
			Precision: precision,
			Signed:    signed,
			Pix:       make([]int32, width*height),
		})
	}
	return img
}

// deep reports whether any plane needs 16-bit samples
func (img *Image) deep() bool {
	for _, p := range img.Planes {
		if p.Precision > 8 {
			return true
		}
	}
	return false
}

// sample returns plane c at image coordinates (x, y) scaled to bits
func (img *Image) sample(c, x, y, bits int) uint32 {
	p := &img.Planes[c]
	px := min(x/max(p.DX, 1), p.Width-1)
	py := min(y/max(p.DY, 1), p.Height-1)
	v := p.unsigned(p.At(px, py))
	if p.Precision < bits {
		return v << (bits - p.Precision)
	}
	return v >> (p.Precision - bits)
}

// Interleaved returns the samples pixel by pixel with all components
// interleaved. Images deeper than 8 bits produce big-endian 16-bit samples.
// Subsampled planes are replicated to full resolution.
func (img *Image) Interleaved() []byte {
	n := len(img.Planes)
	if img.deep() {
		out := make([]byte, 0, img.Width*img.Height*n*2)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				for c := 0; c < n; c++ {
					v := img.sample(c, x, y, 16)
					out = append(out, byte(v>>8), byte(v))
				}
			}
		}
		return out
	}
	out := make([]byte, 0, img.Width*img.Height*n)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			for c := 0; c < n; c++ {
				out = append(out, byte(img.sample(c, x, y, 8)))
			}
		}
	}
	return out
}

// ToImage converts to a standard library image: Gray for one component,
// opaque RGBA for three and NRGBA for four, at 8 or 16 bits.
func (img *Image) ToImage() (image.Image, error) {
	rect := image.Rect(0, 0, img.Width, img.Height)
	deep := img.deep()
	switch len(img.Planes) {
	case 1:
		if deep {
			out := image.NewGray16(rect)
			for y := 0; y < img.Height; y++ {
				for x := 0; x < img.Width; x++ {
					out.SetGray16(x, y, color.Gray16{Y: uint16(img.sample(0, x, y, 16))})
				}
			}
			return out, nil
		}
		out := image.NewGray(rect)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.SetGray(x, y, color.Gray{Y: uint8(img.sample(0, x, y, 8))})
			}
		}
		return out, nil
	case 3:
		if deep {
			out := image.NewRGBA64(rect)
			for y := 0; y < img.Height; y++ {
				for x := 0; x < img.Width; x++ {
					out.SetRGBA64(x, y, color.RGBA64{
						R: uint16(img.sample(0, x, y, 16)),
						G: uint16(img.sample(1, x, y, 16)),
						B: uint16(img.sample(2, x, y, 16)),
						A: 0xFFFF,
					})
				}
			}
			return out, nil
		}
		out := image.NewRGBA(rect)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.SetRGBA(x, y, color.RGBA{
					R: uint8(img.sample(0, x, y, 8)),
					G: uint8(img.sample(1, x, y, 8)),
					B: uint8(img.sample(2, x, y, 8)),
					A: 0xFF,
				})
			}
		}
		return out, nil
	case 4:
		if deep {
			out := image.NewNRGBA64(rect)
			for y := 0; y < img.Height; y++ {
				for x := 0; x < img.Width; x++ {
					out.SetNRGBA64(x, y, color.NRGBA64{
						R: uint16(img.sample(0, x, y, 16)),
						G: uint16(img.sample(1, x, y, 16)),
						B: uint16(img.sample(2, x, y, 16)),
						A: uint16(img.sample(3, x, y, 16)),
					})
				}
			}
			return out, nil
		}
		out := image.NewNRGBA(rect)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.SetNRGBA(x, y, color.NRGBA{
					R: uint8(img.sample(0, x, y, 8)),
					G: uint8(img.sample(1, x, y, 8)),
					B: uint8(img.sample(2, x, y, 8)),
					A: uint8(img.sample(3, x, y, 8)),
				})
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d components", ErrUnsupportedImage, len(img.Planes))
}

// FromImage converts a standard library image into planes. Gray images
// yield one plane, opaque color images three and translucent ones four.
func FromImage(src image.Image) (*Image, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty bounds %v", ErrUnsupportedImage, b)
	}

	switch s := src.(type) {
	case *image.Gray:
		img := NewImage(w, h, 1, 8, false)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Planes[0].Pix[y*w+x] = int32(s.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return img, nil
	case *image.Gray16:
		img := NewImage(w, h, 1, 16, false)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Planes[0].Pix[y*w+x] = int32(s.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return img, nil
	}

	deep := false
	switch src.(type) {
	case *image.RGBA64, *image.NRGBA64:
		deep = true
	}
	opaque := true
	if o, ok := src.(interface{ Opaque() bool }); ok {
		opaque = o.Opaque()
	}
	n, prec := 3, 8
	if !opaque {
		n = 4
	}
	if deep {
		prec = 16
	}

	img := NewImage(w, h, n, prec, false)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			v := [4]uint16{c.R, c.G, c.B, c.A}
			for k := 0; k < n; k++ {
				s := int32(v[k])
				if !deep {
					s >>= 8
				}
				img.Planes[k].Pix[y*w+x] = s
			}
		}
	}
	return img, nil
}
