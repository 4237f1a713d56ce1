package jpeg2k

import (
	"fmt"
	"log/slog"
)

// Coding pass kinds. A code-block starts with a cleanup pass on its most
// significant bit-plane, then cycles significance, refinement, cleanup.
const (
	passSig     = 0
	passRef     = 1
	passCleanup = 2
)

// maxBitPlanes bounds the magnitude bit-planes of a code-block so the
// decoder's magnitudes fit an int32 with the fractional bit
const maxBitPlanes = 30

func passKind(idx int) int {
	if idx == 0 {
		return passCleanup
	}
	return (idx - 1) % 3
}

// passIsRaw reports whether pass idx is bypass coded (D.6)
func passIsRaw(idx int, style byte) bool {
	return style&CodeBlockSelectiveBypass != 0 && idx >= 10 && passKind(idx) != passCleanup
}

// passTerminates reports whether the codeword segment ends after pass idx.
// The last coded pass always terminates too.
func passTerminates(idx int, style byte) bool {
	if style&CodeBlockTermOnPass != 0 {
		return true
	}
	if style&CodeBlockSelectiveBypass != 0 {
		return idx >= 9 && idx%3 != 1
	}
	return false
}

// t1 holds the per code-block scratch shared by encoder and decoder
type t1 struct {
	w, h   int
	data   []int32
	flags  []uint16
	fs     int // flags stride
	orient Subband
	style  byte
}

func (t *t1) reset(w, h int, orient Subband, style byte) {
	t.w, t.h, t.fs = w, h, w+2
	t.orient, t.style = orient, style
	n := w * h
	if cap(t.data) < n {
		t.data = make([]int32, n)
	}
	t.data = t.data[:n]
	clear(t.data)
	fn := (w + 2) * (h + 2)
	if cap(t.flags) < fn {
		t.flags = make([]uint16, fn)
	}
	t.flags = t.flags[:fn]
	clear(t.flags)
}

func (t *t1) fidx(x, y int) int {
	return (y+1)*t.fs + x + 1
}

// ctxFlags returns the flags used for context formation. Under vertically
// causal mode the last row of a stripe ignores the stripe below.
func (t *t1) ctxFlags(i, y int) uint16 {
	f := t.flags[i]
	if y&3 == 3 && t.style&CodeBlockVerticalCausal != 0 {
		f &= vscMask
	}
	return f
}

// setSig marks the coefficient at flag index i significant and updates
// its neighbors
func (t *t1) setSig(i int, neg bool) {
	fs := t.fs
	t.flags[i-fs-1] |= flagSigSE
	t.flags[i-fs+1] |= flagSigSW
	t.flags[i+fs-1] |= flagSigNE
	t.flags[i+fs+1] |= flagSigNW
	if neg {
		t.flags[i-fs] |= flagSigS | flagSgnS
		t.flags[i+fs] |= flagSigN | flagSgnN
		t.flags[i-1] |= flagSigE | flagSgnE
		t.flags[i+1] |= flagSigW | flagSgnW
		t.flags[i] |= flagSig | flagSgn
		return
	}
	t.flags[i-fs] |= flagSigS
	t.flags[i+fs] |= flagSigN
	t.flags[i-1] |= flagSigE
	t.flags[i+1] |= flagSigW
	t.flags[i] |= flagSig
}

// runEligible reports whether a full stripe column may use run-length
// coding: no coefficient is significant, visited, or has a significant
// neighbor.
func (t *t1) runEligible(x, y0 int) bool {
	if y0+4 > t.h {
		return false
	}
	for y := y0; y < y0+4; y++ {
		if t.ctxFlags(t.fidx(x, y), y)&(flagSigNB|flagSig|flagVis) != 0 {
			return false
		}
	}
	return true
}

// t1Decoder reconstructs code-block magnitudes. data holds magnitudes with
// one extra fractional bit so reconstruction lands mid-interval.
type t1Decoder struct {
	t1
	mq  mqDecoder
	raw rawDecoder
	log *slog.Logger

	segSymErrors int
}

func newT1Decoder(log *slog.Logger) *t1Decoder {
	initLUTs()
	return &t1Decoder{log: log}
}

// decodeCblk runs every received pass of cb
func (t *t1Decoder) decodeCblk(cb *Cblk, orient Subband, style byte) error {
	t.reset(cb.Width(), cb.Height(), orient, style)
	t.mq.ctx.reset()

	total := 0
	for _, s := range cb.segs {
		total += s.npasses
	}
	if total == 0 {
		return nil
	}
	if total > 3*cb.nonzerobits-2 {
		return fmt.Errorf("%w: %d passes for %d bit-planes", ErrInvalidPacket, total, cb.nonzerobits)
	}

	idx, bpno := 0, cb.nonzerobits-1
	for _, s := range cb.segs {
		raw := passIsRaw(idx, style)
		if raw {
			t.raw.init(s.data)
		} else {
			t.mq.init(s.data)
		}
		for k := 0; k < s.npasses; k++ {
			kind := passKind(idx)
			switch kind {
			case passSig:
				t.sigPass(bpno, raw)
			case passRef:
				t.refPass(bpno, raw)
			case passCleanup:
				t.cleanupPass(bpno)
				if style&CodeBlockSegmentationSymbols != 0 {
					t.checkSegSym()
				}
			}
			if style&CodeBlockResetContext != 0 {
				t.mq.ctx.reset()
			}
			if kind == passCleanup {
				bpno--
			}
			idx++
		}
	}
	return nil
}

func (t *t1Decoder) decodeSign(f uint16, raw bool) bool {
	if raw {
		return t.raw.decode() == 1
	}
	ctx, xor := scContext(f)
	return t.mq.decode(ctx)^xor == 1
}

func (t *t1Decoder) sigPass(bpno int, raw bool) {
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			for y := y0; y < min(y0+4, t.h); y++ {
				i := t.fidx(x, y)
				f := t.ctxFlags(i, y)
				if f&(flagSig|flagVis) != 0 || f&flagSigNB == 0 {
					continue
				}
				var bit int
				if raw {
					bit = t.raw.decode()
				} else {
					bit = t.mq.decode(zcContext(f, t.orient))
				}
				if bit == 1 {
					neg := t.decodeSign(f, raw)
					t.data[y*t.w+x] = 3 << bpno
					t.setSig(i, neg)
				}
				t.flags[i] |= flagVis
			}
		}
	}
}

func (t *t1Decoder) refPass(bpno int, raw bool) {
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			for y := y0; y < min(y0+4, t.h); y++ {
				i := t.fidx(x, y)
				f := t.ctxFlags(i, y)
				if f&(flagSig|flagVis) != flagSig {
					continue
				}
				var bit int
				if raw {
					bit = t.raw.decode()
				} else {
					bit = t.mq.decode(mrContext(f))
				}
				if bit == 1 {
					t.data[y*t.w+x] += 1 << bpno
				} else {
					t.data[y*t.w+x] -= 1 << bpno
				}
				t.flags[i] |= flagRef
			}
		}
	}
}

func (t *t1Decoder) cleanupPass(bpno int) {
	for y0 := 0; y0 < t.h; y0 += 4 {
		for x := 0; x < t.w; x++ {
			y := y0
			if t.runEligible(x, y0) {
				if t.mq.decode(ctxRunLen) == 0 {
					continue
				}
				r := t.mq.decode(ctxUniform) << 1
				r |= t.mq.decode(ctxUniform)
				y = y0 + r
				i := t.fidx(x, y)
				neg := t.decodeSign(t.ctxFlags(i, y), false)
				t.data[y*t.w+x] = 3 << bpno
				t.setSig(i, neg)
				y++
			}
			for ; y < min(y0+4, t.h); y++ {
				i := t.fidx(x, y)
				f := t.ctxFlags(i, y)
				if f&(flagSig|flagVis) == 0 && t.mq.decode(zcContext(f, t.orient)) == 1 {
					neg := t.decodeSign(f, false)
					t.data[y*t.w+x] = 3 << bpno
					t.setSig(i, neg)
				}
				t.flags[i] &^= flagVis
			}
		}
	}
}

func (t *t1Decoder) checkSegSym() {
	v := 0
	for i := 0; i < 4; i++ {
		v = v<<1 | t.mq.decode(ctxUniform)
	}
	if v != 0xA {
		t.segSymErrors++
		t.log.Warn("segmentation symbol mismatch", slog.Int("got", v))
	}
}

// dequantize writes the reconstructed code-block into the component buffer
func (t *t1Decoder) dequantize(comp *Component, b *Band, cb *Cblk) {
	stride := comp.Width()
	ox := b.OffX + cb.X0 - b.X0
	oy := b.OffY + cb.Y0 - b.Y0
	shift := comp.ROIShift
	half := b.Step / 2

	for y := 0; y < t.h; y++ {
		row := (oy+y)*stride + ox
		for x := 0; x < t.w; x++ {
			v := t.data[y*t.w+x]
			if v == 0 {
				continue
			}
			if shift > 0 && shift < 31 && v>>1 >= 1<<shift {
				v >>= shift
			}
			neg := t.flags[t.fidx(x, y)]&flagSgn != 0
			if comp.idata != nil {
				c := v >> 1
				if neg {
					c = -c
				}
				comp.idata[row+x] = c
				continue
			}
			c := float32(float64(v) * half)
			if neg {
				c = -c
			}
			comp.fdata[row+x] = c
		}
	}
}
