package jpeg2k

import "sync"

// Tier-1 state flags, one per coefficient (with a one-sample border).
// The low byte records which of the 8 neighbors are significant.
const (
	flagSigN  = 0x0001
	flagSigE  = 0x0002
	flagSigW  = 0x0004
	flagSigS  = 0x0008
	flagSigNE = 0x0010
	flagSigNW = 0x0020
	flagSigSE = 0x0040
	flagSigSW = 0x0080
	flagSigNB = 0x00FF

	flagSgnN = 0x0100
	flagSgnE = 0x0200
	flagSgnW = 0x0400
	flagSgnS = 0x0800

	flagVis = 0x1000 // coded in the current bitplane's significance pass
	flagSig = 0x2000
	flagRef = 0x4000 // refined at least once
	flagSgn = 0x8000 // coefficient is negative
)

// vscMask removes the next stripe's contribution under vertically causal
// context formation.
const vscMask = ^uint16(flagSigS | flagSigSE | flagSigSW | flagSgnS)

// MQ context indices (ITU-T T.800 Table D.7)
const (
	ctxZCStart  = 0
	ctxSCStart  = 9
	ctxMagFirst = 14
	ctxMagNB    = 15
	ctxMagLater = 16
	ctxRunLen   = 17
	ctxUniform  = 18
	numContexts = 19
)

// Distortion estimate precision
const (
	nmsedecBits     = 7
	nmsedecFracBits = 6
)

var (
	lutOnce     sync.Once
	nbCtxLUT    [256][4]uint8
	sgnCtxLUT   [16][16]uint8
	xorBitLUT   [16][16]uint8
	nmsedecSig  [1 << nmsedecBits]int
	nmsedecSig0 [1 << nmsedecBits]int
	nmsedecRef  [1 << nmsedecBits]int
	nmsedecRef0 [1 << nmsedecBits]int
)

func initLUTs() {
	lutOnce.Do(func() {
		for f := 0; f < 256; f++ {
			for b := 0; b < 4; b++ {
				nbCtxLUT[f][b] = uint8(zeroCodingContext(uint16(f), Subband(b)))
			}
		}
		for i := 0; i < 16; i++ {
			for j := 0; j < 16; j++ {
				ctx, xor := signCodingContext(uint16(i | j<<8))
				sgnCtxLUT[i][j] = uint8(ctx)
				xorBitLUT[i][j] = uint8(xor)
			}
		}

		mask := ^((1 << nmsedecFracBits) - 1)
		for i := 0; i < 1<<nmsedecBits; i++ {
			nmsedecSig[i] = max((6*i-(9<<(nmsedecFracBits-1)))<<(12-nmsedecFracBits), 0)
			nmsedecSig0[i] = max(((i*i+(1<<(nmsedecFracBits-1)))&mask)<<1, 0)

			a := ((i >> (nmsedecBits - 2)) & 2) + 1
			nmsedecRef[i] = max((-2*i+(1<<nmsedecFracBits)+a*i-(a*a<<(nmsedecFracBits-2)))<<(13-nmsedecFracBits), 0)
			nmsedecRef0[i] = max(((i*i+((1-4*i)<<(nmsedecFracBits-1))+(1<<(2*nmsedecFracBits)))&mask)<<1, 0)
		}
	})
}

// zeroCodingContext implements Table D.1. HL swaps the roles of the
// horizontal and vertical neighbors.
func zeroCodingContext(f uint16, band Subband) int {
	h := bit(f&flagSigE != 0) + bit(f&flagSigW != 0)
	v := bit(f&flagSigN != 0) + bit(f&flagSigS != 0)
	d := bit(f&flagSigNE != 0) + bit(f&flagSigNW != 0) + bit(f&flagSigSE != 0) + bit(f&flagSigSW != 0)

	if band == SubbandHH {
		hv := h + v
		switch {
		case d >= 3:
			return 8
		case d == 2 && hv >= 1:
			return 7
		case d == 2:
			return 6
		case d == 1 && hv >= 2:
			return 5
		case d == 1 && hv == 1:
			return 4
		case d == 1:
			return 3
		case hv >= 2:
			return 2
		case hv == 1:
			return 1
		}
		return 0
	}

	if band == SubbandHL {
		h, v = v, h
	}
	switch {
	case h == 2:
		return 8
	case h == 1 && v >= 1:
		return 7
	case h == 1 && d >= 1:
		return 6
	case h == 1:
		return 5
	case v == 2:
		return 4
	case v == 1:
		return 3
	case d >= 2:
		return 2
	case d == 1:
		return 1
	}
	return 0
}

// signCodingContext implements Tables D.2 and D.3
func signCodingContext(f uint16) (ctx, xor int) {
	contrib := func(sig, sgn uint16) int {
		switch {
		case f&sig == 0:
			return 0
		case f&sgn != 0:
			return -1
		default:
			return 1
		}
	}
	clamp := func(v int) int { return max(-1, min(1, v)) }

	h := clamp(contrib(flagSigE, flagSgnE) + contrib(flagSigW, flagSgnW))
	v := clamp(contrib(flagSigN, flagSgnN) + contrib(flagSigS, flagSgnS))

	ctxTab := [3][3]int{{13, 12, 11}, {10, 9, 10}, {11, 12, 13}}
	xorTab := [3][3]int{{1, 1, 1}, {1, 0, 0}, {0, 0, 0}}
	return ctxTab[h+1][v+1], xorTab[h+1][v+1]
}

func bit(b bool) int {
	if b {
		return 1
	}
	return 0
}

func zcContext(f uint16, band Subband) int {
	return int(nbCtxLUT[f&flagSigNB][band])
}

func scContext(f uint16) (int, int) {
	i, j := f&0xF, (f>>8)&0xF
	return int(sgnCtxLUT[i][j]), int(xorBitLUT[i][j])
}

func mrContext(f uint16) int {
	if f&flagRef != 0 {
		return ctxMagLater
	}
	if f&flagSigNB != 0 {
		return ctxMagNB
	}
	return ctxMagFirst
}

// getNMSEDecSig estimates the distortion reduction of a coefficient becoming
// significant at bitplane bpno (which includes the fractional bits).
func getNMSEDecSig(x, bpno int) int {
	if bpno > nmsedecFracBits {
		return nmsedecSig[(x>>(bpno-nmsedecFracBits))&(1<<nmsedecBits-1)]
	}
	return nmsedecSig0[x&(1<<nmsedecBits-1)]
}

func getNMSEDecRef(x, bpno int) int {
	if bpno > nmsedecFracBits {
		return nmsedecRef[(x>>(bpno-nmsedecFracBits))&(1<<nmsedecBits-1)]
	}
	return nmsedecRef0[x&(1<<nmsedecBits-1)]
}
