package jpeg2k

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/bits"
)

// packetReader walks the packets of one tile (ITU-T T.800 B.9 and B.10)
type packetReader struct {
	data []byte
	pos  int
	scod byte
	log  *slog.Logger
}

// contribution is the part of one packet body that belongs to a code-block
type contribution struct {
	cb      *Cblk
	lens    []int
	npasses []int
	cont    bool // the first piece extends the open segment
}

// readPacket decodes the packet of precinct p of resolution rl in layer
// and attaches the code-block contributions it carries
func (pr *packetReader) readPacket(comp *Component, rl *ResLevel, p, layer int) error {
	if pr.scod&CodingStyleSOPMarker != 0 && pr.peekMarker() == MarkerSOP {
		if pr.pos+6 > len(pr.data) {
			return fmt.Errorf("%w: SOP at byte %d", ErrTruncated, pr.pos)
		}
		pr.pos += 6
	}

	br := NewBitReader(pr.data[pr.pos:])
	nonEmpty, err := br.ReadBit()
	if err != nil {
		return err
	}

	var contribs []contribution
	if nonEmpty == 1 {
		for _, b := range rl.Bands {
			if b.Empty() {
				continue
			}
			cs, err := pr.readBandHeader(br, comp, b, b.Precincts[p], layer)
			if err != nil {
				return fmt.Errorf("%s band: %w", b.Orient, err)
			}
			contribs = append(contribs, cs...)
		}
	}
	if err := br.Align(); err != nil {
		return err
	}
	pr.pos += br.Pos()

	if pr.scod&CodingStyleEPHMarker != 0 {
		if pr.peekMarker() == MarkerEPH {
			pr.pos += 2
		} else {
			pr.log.Warn("EPH marker not found", slog.Int("offset", pr.pos))
		}
	}

	for _, c := range contribs {
		for k, n := range c.lens {
			if pr.pos+n > len(pr.data) {
				return fmt.Errorf("%w: code-block data of %d bytes at byte %d", ErrTruncated, n, pr.pos)
			}
			body := pr.data[pr.pos : pr.pos+n]
			pr.pos += n
			if k == 0 && c.cont {
				s := &c.cb.segs[len(c.cb.segs)-1]
				s.data = append(s.data, body...)
				s.npasses += c.npasses[k]
				continue
			}
			c.cb.segs = append(c.cb.segs, segment{
				data:    append([]byte(nil), body...),
				npasses: c.npasses[k],
			})
		}
	}
	return nil
}

func (pr *packetReader) peekMarker() uint16 {
	if pr.pos+2 > len(pr.data) {
		return 0
	}
	return binary.BigEndian.Uint16(pr.data[pr.pos:])
}

func (pr *packetReader) readBandHeader(br *BitReader, comp *Component, b *Band, prec *Precinct, layer int) ([]contribution, error) {
	style := comp.Style.CodeBlockStyle
	var out []contribution
	for yi := prec.YI0; yi < prec.YI1; yi++ {
		for xi := prec.XI0; xi < prec.XI1; xi++ {
			cb := b.cblkAt(xi, yi)
			leaf := prec.incl.Leaf(xi-prec.XI0, yi-prec.YI0)

			var incl bool
			if cb.included {
				bit, err := br.ReadBit()
				if err != nil {
					return nil, err
				}
				incl = bit == 1
			} else {
				v, err := prec.incl.Decode(br, leaf, layer+1)
				if err != nil {
					return nil, err
				}
				incl = v == layer
			}
			if !incl {
				continue
			}

			if !cb.included {
				thr := b.Mb + comp.ROIShift
				zb, err := prec.zero.Decode(br, leaf, thr)
				if err != nil {
					return nil, err
				}
				if zb >= thr {
					return nil, fmt.Errorf("%w: %d zero bit-planes of %d", ErrInvalidPacket, zb, thr)
				}
				cb.nonzerobits = thr - zb
				if cb.nonzerobits > maxBitPlanes {
					return nil, fmt.Errorf("%w: %d magnitude bit-planes", ErrUnsupportedFeature, cb.nonzerobits)
				}
				cb.included = true
			}

			n, err := readNumPasses(br)
			if err != nil {
				return nil, err
			}
			if cb.npasses+n > 3*cb.nonzerobits-2 {
				return nil, fmt.Errorf("%w: %d passes for %d bit-planes", ErrInvalidPacket, cb.npasses+n, cb.nonzerobits)
			}

			for {
				bit, err := br.ReadBit()
				if err != nil {
					return nil, err
				}
				if bit == 0 {
					break
				}
				cb.lblock++
			}

			c := contribution{
				cb:      cb,
				npasses: segmentPieces(cb.npasses, n, style),
				cont:    cb.npasses > 0 && !passTerminates(cb.npasses-1, style),
			}
			for _, k := range c.npasses {
				nb := cb.lblock + bits.Len(uint(k)) - 1
				if nb > 32 {
					return nil, fmt.Errorf("%w: %d-bit segment length", ErrInvalidPacket, nb)
				}
				l, err := br.ReadBits(nb)
				if err != nil {
					return nil, err
				}
				c.lens = append(c.lens, int(l))
			}
			cb.npasses += n
			out = append(out, c)
		}
	}
	return out, nil
}

// segmentPieces splits n new passes starting at pass idx into runs that
// end at codeword segment boundaries
func segmentPieces(idx, n int, style byte) []int {
	var out []int
	for n > 0 {
		k := 1
		for k < n && !passTerminates(idx+k-1, style) {
			k++
		}
		out = append(out, k)
		idx += k
		n -= k
	}
	return out
}

// readNumPasses decodes the number of new coding passes (Table B.4)
func readNumPasses(br *BitReader) (int, error) {
	if b, err := br.ReadBit(); err != nil || b == 0 {
		return 1, err
	}
	if b, err := br.ReadBit(); err != nil || b == 0 {
		return 2, err
	}
	v, err := br.ReadBits(2)
	if err != nil || v < 3 {
		return 3 + int(v), err
	}
	v, err = br.ReadBits(5)
	if err != nil || v < 31 {
		return 6 + int(v), err
	}
	v, err = br.ReadBits(7)
	return 37 + int(v), err
}

// forEachPacket visits the packets of the first layers of t in the tile's
// progression order
func (tc *tileCoding) forEachPacket(t *Tile, layers int, fn func(comp *Component, rl *ResLevel, p, layer int) error) error {
	if tc.Progression != ProgressionLRCP {
		return fmt.Errorf("%w: progression order %s", ErrUnsupportedFeature, tc.Progression)
	}
	maxR := 0
	for _, comp := range t.Components {
		maxR = max(maxR, len(comp.Levels)-1)
	}
	for l := 0; l < layers; l++ {
		for r := 0; r <= maxR; r++ {
			for _, comp := range t.Components {
				if r >= len(comp.Levels) {
					continue
				}
				rl := comp.Levels[r]
				for p := 0; p < rl.NumPrecincts(); p++ {
					if err := fn(comp, rl, p, l); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
