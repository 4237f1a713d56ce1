package jpeg2k

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroCodingContext(t *testing.T) {
	initLUTs()
	tests := []struct {
		name  string
		flags uint16
		band  Subband
		want  int
	}{
		{"isolated LL", 0, SubbandLL, 0},
		{"one diagonal LL", flagSigNE, SubbandLL, 1},
		{"two diagonals LH", flagSigNE | flagSigSW, SubbandLH, 2},
		{"one vertical LL", flagSigN, SubbandLL, 3},
		{"two vertical LL", flagSigN | flagSigS, SubbandLL, 4},
		{"one horizontal LL", flagSigE, SubbandLL, 5},
		{"horizontal and diagonal", flagSigW | flagSigSE, SubbandLL, 6},
		{"horizontal and vertical", flagSigW | flagSigS, SubbandLL, 7},
		{"two horizontal", flagSigE | flagSigW, SubbandLL, 8},
		{"HL swaps: two vertical", flagSigN | flagSigS, SubbandHL, 8},
		{"HL swaps: one horizontal", flagSigE, SubbandHL, 3},
		{"HH isolated", 0, SubbandHH, 0},
		{"HH one straight", flagSigN, SubbandHH, 1},
		{"HH two straight", flagSigN | flagSigE, SubbandHH, 2},
		{"HH one diagonal", flagSigNW, SubbandHH, 3},
		{"HH diagonal and straight", flagSigNW | flagSigS, SubbandHH, 4},
		{"HH diagonal and two straight", flagSigNW | flagSigS | flagSigE, SubbandHH, 5},
		{"HH two diagonals", flagSigNW | flagSigSE, SubbandHH, 6},
		{"HH two diagonals and straight", flagSigNW | flagSigSE | flagSigN, SubbandHH, 7},
		{"HH three diagonals", flagSigNW | flagSigSE | flagSigNE, SubbandHH, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, zcContext(tt.flags, tt.band))
			assert.Equal(t, tt.want, zcContext(tt.flags|flagSig|flagVis, tt.band), "state bits must not matter")
		})
	}
}

func TestSignCodingContext(t *testing.T) {
	initLUTs()
	tests := []struct {
		name  string
		flags uint16
		ctx   int
		xor   int
	}{
		{"no neighbors", 0, ctxSCStart, 0},
		{"positive east", flagSigE, 12, 0},
		{"negative east", flagSigE | flagSgnE, 12, 1},
		{"opposing horizontals cancel", flagSigE | flagSigW | flagSgnW, 9, 0},
		{"positive north", flagSigN, 10, 0},
		{"negative south", flagSigS | flagSgnS, 10, 1},
		{"all positive", flagSigN | flagSigE, 13, 0},
		{"all negative", flagSigN | flagSgnN | flagSigW | flagSgnW, 13, 1},
		{"positive h negative v", flagSigE | flagSigS | flagSgnS, 11, 0},
		{"negative h positive v", flagSigE | flagSgnE | flagSigS, 11, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, xor := scContext(tt.flags)
			assert.Equal(t, tt.ctx, ctx)
			assert.Equal(t, tt.xor, xor)
		})
	}
}

func TestMagnitudeRefinementContext(t *testing.T) {
	assert.Equal(t, ctxMagFirst, mrContext(flagSig))
	assert.Equal(t, ctxMagNB, mrContext(flagSig|flagSigSW))
	assert.Equal(t, ctxMagLater, mrContext(flagSig|flagRef))
	assert.Equal(t, ctxMagLater, mrContext(flagSig|flagRef|flagSigN))
}

func TestNMSEDecTables(t *testing.T) {
	initLUTs()
	for i := 1; i < 1<<nmsedecBits; i++ {
		assert.GreaterOrEqual(t, nmsedecSig[i], nmsedecSig[i-1], "sig table must be monotone at %d", i)
	}
	for i := range 1 << nmsedecBits {
		assert.GreaterOrEqual(t, nmsedecRef[i], 0)
		assert.GreaterOrEqual(t, nmsedecSig0[i], 0)
		assert.GreaterOrEqual(t, nmsedecRef0[i], 0)
	}
	// a coefficient of exactly 2^bpno sits at the start of its interval
	x := 1 << (5 + nmsedecFracBits)
	assert.Equal(t, nmsedecSig[1<<(nmsedecBits-1)], getNMSEDecSig(x, 5+nmsedecFracBits))
}
