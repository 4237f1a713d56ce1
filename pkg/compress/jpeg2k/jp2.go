package jpeg2k

import (
	"bytes"
	"fmt"
)

// JP2 box types (ISO/IEC 15444-1 Annex I)
const (
	boxFileType = 0x66747970 // 'ftyp'
	boxHeader   = 0x6A703268 // 'jp2h'
	boxImageHdr = 0x69686472 // 'ihdr'
	boxBitsPerC = 0x62706363 // 'bpcc'
	boxColour   = 0x636F6C72 // 'colr'
	boxCodestrm = 0x6A703263 // 'jp2c'
	brandJP2    = 0x6A703220 // 'jp2 '
)

// Enumerated colour spaces of the colr box
const (
	colourSRGB      = 16
	colourGreyscale = 17
)

// jp2Signature is the complete 12-byte signature box
var jp2Signature = []byte{0, 0, 0, 12, 'j', 'P', ' ', ' ', 0x0D, 0x0A, 0x87, 0x0A}

// jp2SearchBoxes bounds the number of boxes scanned for the codestream
const jp2SearchBoxes = 10

// IsJP2 reports whether data starts with the JP2 signature box
func IsJP2(data []byte) bool {
	return bytes.HasPrefix(data, jp2Signature)
}

// findCodestream returns the contents of the first jp2c box
func findCodestream(data []byte) ([]byte, error) {
	if !IsJP2(data) {
		return nil, fmt.Errorf("%w: missing JP2 signature", ErrMalformedStream)
	}
	r := NewByteReader(data)
	if err := r.Skip(len(jp2Signature)); err != nil {
		return nil, err
	}
	for i := 0; i < jp2SearchBoxes && r.Remaining() > 0; i++ {
		start := r.Pos()
		lbox, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		tbox, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		size := int(lbox)
		switch lbox {
		case 0:
			size = r.Len() - start
		case 1:
			xl, err := r.ReadBytes(8)
			if err != nil {
				return nil, err
			}
			var v uint64
			for _, b := range xl {
				v = v<<8 | uint64(b)
			}
			if v > uint64(r.Len()) {
				return nil, fmt.Errorf("%w: box of %d bytes at %d", ErrTruncated, v, start)
			}
			size = int(v)
		}
		hdr := r.Pos() - start
		if size < hdr || start+size > r.Len() {
			return nil, fmt.Errorf("%w: box %08x of %d bytes at %d", ErrMalformedStream, tbox, size, start)
		}
		if tbox == boxCodestrm {
			return data[r.Pos() : start+size], nil
		}
		if err := r.Seek(start + size); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no codestream box within %d boxes", ErrMalformedStream, jp2SearchBoxes)
}

// WrapJP2 places a codestream inside a minimal JP2 file: the signature,
// ftyp, jp2h with ihdr and colr, then the jp2c box.
func WrapJP2(codestream []byte, img *Image) []byte {
	w := NewByteWriter()
	w.WriteBytes(jp2Signature)

	box := func(t uint32, body func()) {
		off := w.Len()
		w.WriteUint32(0)
		w.WriteUint32(t)
		body()
		w.PatchUint32(off, uint32(w.Len()-off))
	}

	box(boxFileType, func() {
		w.WriteUint32(brandJP2)
		w.WriteUint32(0)
		w.WriteUint32(brandJP2)
	})

	uniform := true
	for _, p := range img.Planes[1:] {
		if p.Precision != img.Planes[0].Precision || p.Signed != img.Planes[0].Signed {
			uniform = false
		}
	}
	bpc := func(p Plane) byte {
		v := byte(p.Precision - 1)
		if p.Signed {
			v |= 0x80
		}
		return v
	}

	box(boxHeader, func() {
		box(boxImageHdr, func() {
			w.WriteUint32(uint32(img.Height))
			w.WriteUint32(uint32(img.Width))
			w.WriteUint16(uint16(len(img.Planes)))
			if uniform {
				w.PutByte(bpc(img.Planes[0]))
			} else {
				w.PutByte(0xFF)
			}
			w.PutByte(7) // compression type: JPEG 2000
			w.PutByte(0) // colour space known
			w.PutByte(0) // no intellectual property
		})
		if !uniform {
			box(boxBitsPerC, func() {
				for _, p := range img.Planes {
					w.PutByte(bpc(p))
				}
			})
		}
		box(boxColour, func() {
			w.PutByte(1) // enumerated
			w.PutByte(0)
			w.PutByte(0)
			if len(img.Planes) >= 3 {
				w.WriteUint32(colourSRGB)
			} else {
				w.WriteUint32(colourGreyscale)
			}
		})
	})

	box(boxCodestrm, func() {
		w.WriteBytes(codestream)
	})
	return w.Bytes()
}
