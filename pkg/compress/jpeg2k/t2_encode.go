package jpeg2k

import (
	"math/bits"
)

// packetWriter emits the packets of one tile
type packetWriter struct {
	w    *ByteWriter
	scod byte
	seq  int // SOP packet sequence number
}

// initPrecincts loads the inclusion and zero bit-plane tag trees of every
// precinct from the layer allocation
func initPrecincts(comp *Component) {
	for _, rl := range comp.Levels {
		for _, b := range rl.Bands {
			if b.Empty() {
				continue
			}
			for _, prec := range b.Precincts {
				prec.incl.Reset()
				prec.zero.Reset()
				for yi := prec.YI0; yi < prec.YI1; yi++ {
					for xi := prec.XI0; xi < prec.XI1; xi++ {
						cb := b.cblkAt(xi, yi)
						leaf := prec.incl.Leaf(xi-prec.XI0, yi-prec.YI0)
						first := tagTreeUnset
						for l, n := range cb.layerPasses {
							if n > 0 {
								first = l
								break
							}
						}
						prec.incl.SetValue(leaf, first)
						prec.zero.SetValue(leaf, b.Mb-cb.nonzerobits)
					}
				}
			}
		}
	}
}

// passesBefore returns the passes of cb sent in layers before layer
func (cb *Cblk) passesBefore(layer int) int {
	if layer == 0 {
		return 0
	}
	return cb.layerPasses[layer-1]
}

// rateAt returns the bytes needed to decode the first n passes
func (cb *Cblk) rateAt(n int) int {
	if n == 0 {
		return 0
	}
	return cb.passes[n-1].rate
}

// writePacket emits the packet of precinct p of resolution rl in layer
func (pw *packetWriter) writePacket(comp *Component, rl *ResLevel, p, layer int) {
	if pw.scod&CodingStyleSOPMarker != 0 {
		pw.w.WriteUint16(MarkerSOP)
		pw.w.WriteUint16(4)
		pw.w.WriteUint16(uint16(pw.seq))
	}
	pw.seq++

	style := comp.Style.CodeBlockStyle
	nonEmpty := false
	for _, b := range rl.Bands {
		if b.Empty() {
			continue
		}
		prec := b.Precincts[p]
		for yi := prec.YI0; yi < prec.YI1 && !nonEmpty; yi++ {
			for xi := prec.XI0; xi < prec.XI1; xi++ {
				cb := b.cblkAt(xi, yi)
				if cb.layerPasses[layer] > cb.passesBefore(layer) {
					nonEmpty = true
					break
				}
			}
		}
	}

	bw := NewBitWriter()
	var bodies [][]byte
	if !nonEmpty {
		bw.WriteBit(0)
	} else {
		bw.WriteBit(1)
		for _, b := range rl.Bands {
			if b.Empty() {
				continue
			}
			prec := b.Precincts[p]
			for yi := prec.YI0; yi < prec.YI1; yi++ {
				for xi := prec.XI0; xi < prec.XI1; xi++ {
					cb := b.cblkAt(xi, yi)
					leaf := prec.incl.Leaf(xi-prec.XI0, yi-prec.YI0)
					prev, end := cb.passesBefore(layer), cb.layerPasses[layer]

					if prev == 0 {
						prec.incl.Encode(bw, leaf, layer+1)
					} else {
						bw.WriteBit(bit(end > prev))
					}
					if end == prev {
						continue
					}
					if prev == 0 {
						prec.zero.Encode(bw, leaf, b.Mb)
					}
					writeNumPasses(bw, end-prev)

					pieces := segmentPieces(prev, end-prev, style)
					lens := make([]int, len(pieces))
					inc := 0
					at := prev
					for k, n := range pieces {
						lens[k] = cb.rateAt(at+n) - cb.rateAt(at)
						at += n
						need := bits.Len(uint(lens[k])) - (bits.Len(uint(n)) - 1)
						inc = max(inc, need-cb.lblock)
					}
					for range inc {
						bw.WriteBit(1)
					}
					bw.WriteBit(0)
					cb.lblock += inc
					for k, n := range pieces {
						bw.WriteBits(uint32(lens[k]), cb.lblock+bits.Len(uint(n))-1)
					}

					data := cb.truncated(end)
					bodies = append(bodies, data[cb.rateAt(prev):])
				}
			}
		}
	}
	pw.w.WriteBytes(bw.Flush())

	if pw.scod&CodingStyleEPHMarker != 0 {
		pw.w.WriteUint16(MarkerEPH)
	}
	for _, body := range bodies {
		pw.w.WriteBytes(body)
	}
}

// writeNumPasses codes the number of new coding passes (Table B.4)
func writeNumPasses(bw *BitWriter, n int) {
	switch {
	case n == 1:
		bw.WriteBit(0)
	case n == 2:
		bw.WriteBits(0x2, 2)
	case n <= 5:
		bw.WriteBits(uint32(0xC|(n-3)), 4)
	case n <= 36:
		bw.WriteBits(uint32(0x1E0|(n-6)), 9)
	default:
		bw.WriteBits(uint32(0xFF80|(n-37)), 16)
	}
}
