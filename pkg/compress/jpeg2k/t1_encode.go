package jpeg2k

import (
	"math"
	"math/bits"
)

// t1Encoder codes code-blocks into codeword segments and records the rate
// and distortion of every pass. data holds magnitudes with
// nmsedecFracBits fractional bits; flagSgn marks negative coefficients
// from the start.
type t1Encoder struct {
	t1
	mq  mqEncoder
	raw rawEncoder
}

func newT1Encoder() *t1Encoder {
	initLUTs()
	return &t1Encoder{}
}

// loadInt fills the scratch from a reversible coefficient buffer
func (t *t1Encoder) loadInt(src []int32, stride, ox, oy int) int32 {
	var maxv int32
	for y := 0; y < t.h; y++ {
		row := src[(oy+y)*stride+ox:]
		for x := 0; x < t.w; x++ {
			v := row[x]
			if v < 0 {
				v = -v
				t.flags[t.fidx(x, y)] |= flagSgn
			}
			v <<= nmsedecFracBits
			t.data[y*t.w+x] = v
			maxv = max(maxv, v)
		}
	}
	return maxv
}

// loadFloat quantizes an irreversible coefficient buffer with step size
func (t *t1Encoder) loadFloat(src []float32, stride, ox, oy int, step float64) int32 {
	var maxv int32
	scale := float64(int(1)<<nmsedecFracBits) / step
	for y := 0; y < t.h; y++ {
		row := src[(oy+y)*stride+ox:]
		for x := 0; x < t.w; x++ {
			f := float64(row[x])
			if f < 0 {
				f = -f
				t.flags[t.fidx(x, y)] |= flagSgn
			}
			v := int32(min(f*scale, math.MaxInt32>>1))
			t.data[y*t.w+x] = v
			maxv = max(maxv, v)
		}
	}
	return maxv
}

// encodeCblk codes the loaded block into cb. A block without any
// non-zero magnitude bit gets no passes.
func (t *t1Encoder) encodeCblk(cb *Cblk, maxv int32) {
	cb.passes = cb.passes[:0]
	cb.data = cb.data[:0]
	cb.nonzerobits = max(bits.Len32(uint32(maxv))-nmsedecFracBits, 0)
	cb.npasses = 0
	if cb.nonzerobits == 0 {
		return
	}

	style := t.style
	npasses := 3*cb.nonzerobits - 2
	t.mq.ctx.reset()

	segStart := 0
	newSeg := true
	bpno := cb.nonzerobits - 1
	var wmsedec float64
	for idx := 0; idx < npasses; idx++ {
		kind := passKind(idx)
		raw := passIsRaw(idx, style)
		if newSeg {
			if raw {
				t.raw.init()
			} else {
				t.mq.init()
			}
			newSeg = false
		}

		var nmsedec int
		switch kind {
		case passSig:
			nmsedec = t.sigPass(bpno, raw)
		case passRef:
			nmsedec = t.refPass(bpno, raw)
		case passCleanup:
			nmsedec = t.cleanupPass(bpno)
			if style&CodeBlockSegmentationSymbols != 0 {
				for _, b := range []int{1, 0, 1, 0} {
					t.mq.encode(ctxUniform, b)
				}
			}
		}
		if style&CodeBlockResetContext != 0 {
			t.mq.ctx.reset()
		}
		wmsedec += math.Ldexp(float64(nmsedec), 2*bpno)

		rec := passRecord{disto: wmsedec}
		if idx == npasses-1 || passTerminates(idx, style) {
			var seg []byte
			if raw {
				seg = t.raw.flush()
			} else {
				seg = t.mq.flush()
			}
			cb.data = append(cb.data, seg...)
			rec.rate = len(cb.data)
			rec.term = true
			segStart = len(cb.data)
			newSeg = true
		} else {
			var committed int
			var tail []byte
			if raw {
				committed, tail = t.raw.flushTo()
			} else {
				committed, tail = t.mq.flushTo()
			}
			rec.rate = segStart + committed + len(tail)
			rec.tail = append([]byte(nil), tail...)
		}
		cb.passes = append(cb.passes, rec)

		if kind == passCleanup {
			bpno--
		}
	}
	cb.npasses = npasses
}

// truncated returns the bytes that decode the first n passes of cb
func (cb *Cblk) truncated(n int) []byte {
	if n == 0 {
		return nil
	}
	p := cb.passes[n-1]
	if p.term {
		return cb.data[:p.rate]
	}
	out := make([]byte, 0, p.rate)
	out = append(out, cb.data[:p.rate-len(p.tail)]...)
	return append(out, p.tail...)
}

func (t *t1Encoder) bit(i int, bpno int) int {
	return int(t.data[i]>>(bpno+nmsedecFracBits)) & 1
}

func (t *t1Encoder) encodeSign(i int, f uint16, raw bool) bool {
	neg := t.flags[i]&flagSgn != 0
	s := bit(neg)
	if raw {
		t.raw.encode(s)
		return neg
	}
	ctx, xor := scContext(f)
	t.mq.encode(ctx, s^xor)
	return neg
}

func (t *t1Encoder) sigPass(bpno int, raw bool) int {
	nmsedec := 0
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			for y := y0; y < min(y0+4, t.h); y++ {
				i := t.fidx(x, y)
				f := t.ctxFlags(i, y)
				if f&(flagSig|flagVis) != 0 || f&flagSigNB == 0 {
					continue
				}
				d := y*t.w + x
				b := t.bit(d, bpno)
				if raw {
					t.raw.encode(b)
				} else {
					t.mq.encode(zcContext(f, t.orient), b)
				}
				if b == 1 {
					nmsedec += getNMSEDecSig(int(t.data[d]), bpno+nmsedecFracBits)
					t.setSig(i, t.encodeSign(i, f, raw))
				}
				t.flags[i] |= flagVis
			}
		}
	}
	return nmsedec
}

func (t *t1Encoder) refPass(bpno int, raw bool) int {
	nmsedec := 0
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			for y := y0; y < min(y0+4, t.h); y++ {
				i := t.fidx(x, y)
				f := t.ctxFlags(i, y)
				if f&(flagSig|flagVis) != flagSig {
					continue
				}
				d := y*t.w + x
				nmsedec += getNMSEDecRef(int(t.data[d]), bpno+nmsedecFracBits)
				b := t.bit(d, bpno)
				if raw {
					t.raw.encode(b)
				} else {
					t.mq.encode(mrContext(f), b)
				}
				t.flags[i] |= flagRef
			}
		}
	}
	return nmsedec
}

func (t *t1Encoder) cleanupPass(bpno int) int {
	nmsedec := 0
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			y := y0
			if t.runEligible(x, y0) {
				r := 0
				for r < 4 && t.bit((y0+r)*t.w+x, bpno) == 0 {
					r++
				}
				if r == 4 {
					t.mq.encode(ctxRunLen, 0)
					continue
				}
				t.mq.encode(ctxRunLen, 1)
				t.mq.encode(ctxUniform, r>>1)
				t.mq.encode(ctxUniform, r&1)
				y = y0 + r
				i := t.fidx(x, y)
				nmsedec += getNMSEDecSig(int(t.data[y*t.w+x]), bpno+nmsedecFracBits)
				t.setSig(i, t.encodeSign(i, t.ctxFlags(i, y), false))
				y++
			}
			for ; y < min(y0+4, t.h); y++ {
				i := t.fidx(x, y)
				f := t.ctxFlags(i, y)
				if f&(flagSig|flagVis) == 0 {
					d := y*t.w + x
					b := t.bit(d, bpno)
					t.mq.encode(zcContext(f, t.orient), b)
					if b == 1 {
						nmsedec += getNMSEDecSig(int(t.data[d]), bpno+nmsedecFracBits)
						t.setSig(i, t.encodeSign(i, f, false))
					}
				}
				t.flags[i] &^= flagVis
			}
		}
	}
	return nmsedec
}
