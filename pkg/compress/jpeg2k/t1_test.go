package jpeg2k

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// randomBlock draws coefficients where roughly density of them are non-zero
func randomBlock(w, h int, seed uint64, density float64, maxMag int) []int32 {
	rng := rand.New(rand.NewPCG(seed, uint64(w*h)))
	out := make([]int32, w*h)
	for i := range out {
		if rng.Float64() >= density {
			continue
		}
		v := int32(rng.IntN(maxMag) + 1)
		if rng.IntN(2) == 0 {
			v = -v
		}
		out[i] = v
	}
	return out
}

func encodeBlock(w, h int, orient Subband, style byte, coeffs []int32) *Cblk {
	enc := newT1Encoder()
	enc.reset(w, h, orient, style)
	maxv := enc.loadInt(coeffs, w, 0, 0)
	cb := &Cblk{X1: w, Y1: h}
	enc.encodeCblk(cb, maxv)
	return cb
}

// segmentsOf splits the first n passes of an encoded block into the
// codeword segments a decoder would receive
func segmentsOf(cb *Cblk, n int) []segment {
	data := cb.truncated(n)
	var segs []segment
	start, first := 0, 0
	for i := 0; i < n; i++ {
		if i != n-1 && !cb.passes[i].term {
			continue
		}
		end := cb.passes[i].rate
		if i == n-1 {
			end = len(data)
		}
		segs = append(segs, segment{data: data[start:end], npasses: i + 1 - first})
		start, first = end, i+1
	}
	return segs
}

func decodeBlock(t *testing.T, src *Cblk, n int, orient Subband, style byte) *t1Decoder {
	t.Helper()
	cb := &Cblk{X1: src.X1, Y1: src.Y1, nonzerobits: src.nonzerobits, segs: segmentsOf(src, n)}
	dec := newT1Decoder(quietLogger())
	require.NoError(t, dec.decodeCblk(cb, orient, style))
	return dec
}

var t1Styles = []struct {
	name  string
	style byte
}{
	{"default", 0},
	{"bypass", CodeBlockSelectiveBypass},
	{"reset", CodeBlockResetContext},
	{"termall", CodeBlockTermOnPass},
	{"vertically causal", CodeBlockVerticalCausal},
	{"predictable termination", CodeBlockPredictableTermination},
	{"segmentation symbols", CodeBlockSegmentationSymbols},
	{"all", 0x3F},
}

func TestT1_LosslessRoundTrip(t *testing.T) {
	blocks := []struct {
		name    string
		w, h    int
		orient  Subband
		density float64
		maxMag  int
	}{
		{"dense 32x32 LL", 32, 32, SubbandLL, 0.9, 4095},
		{"sparse 64x64 HH", 64, 64, SubbandHH, 0.02, 300},
		{"odd 7x13 HL", 7, 13, SubbandHL, 0.5, 70000},
		{"thin 64x2 LH", 64, 2, SubbandLH, 0.3, 15},
		{"single 1x1", 1, 1, SubbandHH, 1, 1},
	}
	for _, st := range t1Styles {
		for i, b := range blocks {
			t.Run(st.name+"/"+b.name, func(t *testing.T) {
				coeffs := randomBlock(b.w, b.h, uint64(i), b.density, b.maxMag)
				cb := encodeBlock(b.w, b.h, b.orient, st.style, coeffs)
				require.Positive(t, cb.nonzerobits)
				require.Equal(t, 3*cb.nonzerobits-2, cb.npasses)
				require.Len(t, cb.passes, cb.npasses)
				assert.Equal(t, len(cb.data), cb.passes[cb.npasses-1].rate)
				assert.True(t, cb.passes[cb.npasses-1].term)

				dec := decodeBlock(t, cb, cb.npasses, b.orient, st.style)
				assert.Zero(t, dec.segSymErrors)
				for y := 0; y < b.h; y++ {
					for x := 0; x < b.w; x++ {
						c := coeffs[y*b.w+x]
						v := dec.data[y*b.w+x] >> 1
						neg := dec.flags[dec.fidx(x, y)]&flagSgn != 0
						if c < 0 {
							require.True(t, neg, "sign at %d,%d", x, y)
							c = -c
						}
						require.Equal(t, c, v, "magnitude at %d,%d", x, y)
					}
				}
			})
		}
	}
}

func TestT1_TruncatedPasses(t *testing.T) {
	const w, h = 32, 16
	for _, st := range t1Styles {
		t.Run(st.name, func(t *testing.T) {
			coeffs := randomBlock(w, h, 42, 0.6, 1000)
			cb := encodeBlock(w, h, SubbandHL, st.style, coeffs)
			nzb := cb.nonzerobits

			// after the cleanup pass of plane p every bit above p is exact
			for k := 0; k < nzb; k++ {
				n := 3*k + 1
				p := nzb - 1 - k
				dec := decodeBlock(t, cb, n, SubbandHL, st.style)
				for i, c := range coeffs {
					m := c
					if m < 0 {
						m = -m
					}
					v := dec.data[i] >> 1
					require.Equal(t, m>>p, v>>p, "plane %d coefficient %d", p, i)
				}
			}
		})
	}
}

func TestT1_DistortionAccumulates(t *testing.T) {
	coeffs := randomBlock(16, 16, 3, 0.7, 2000)
	cb := encodeBlock(16, 16, SubbandLL, 0, coeffs)
	for i := 1; i < len(cb.passes); i++ {
		assert.GreaterOrEqual(t, cb.passes[i].disto, cb.passes[i-1].disto, "pass %d", i)
	}
	assert.Positive(t, cb.passes[len(cb.passes)-1].disto)
}

func TestT1_ZeroBlock(t *testing.T) {
	cb := encodeBlock(8, 8, SubbandLL, 0, make([]int32, 64))
	assert.Zero(t, cb.nonzerobits)
	assert.Zero(t, cb.npasses)
	assert.Empty(t, cb.passes)
	assert.Nil(t, cb.truncated(0))

	dec := newT1Decoder(quietLogger())
	require.NoError(t, dec.decodeCblk(&Cblk{X1: 8, Y1: 8}, SubbandLL, 0))
	assert.Equal(t, make([]int32, 64), dec.data)
}

func TestT1_TooManyPasses(t *testing.T) {
	cb := &Cblk{X1: 4, Y1: 4, nonzerobits: 1, segs: []segment{{data: []byte{0}, npasses: 2}}}
	err := newT1Decoder(quietLogger()).decodeCblk(cb, SubbandLL, 0)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestT1_CorruptSegmentationSymbol(t *testing.T) {
	initLUTs()
	// one significant sample followed by a wrong segmentation symbol
	var enc mqEncoder
	enc.ctx.reset()
	enc.init()
	enc.encode(zcContext(0, SubbandLL), 1)
	ctx, xor := scContext(0)
	enc.encode(ctx, 0^xor)
	for _, b := range []int{0, 1, 0, 1} {
		enc.encode(ctxUniform, b)
	}
	seg := append([]byte(nil), enc.flush()...)

	cb := &Cblk{X1: 1, Y1: 1, nonzerobits: 1, segs: []segment{{data: seg, npasses: 1}}}
	d := newT1Decoder(quietLogger())
	require.NoError(t, d.decodeCblk(cb, SubbandLL, CodeBlockSegmentationSymbols))
	assert.Equal(t, 1, d.segSymErrors)
	assert.Equal(t, int32(1), d.data[0]>>1)
}

func TestT1_LoadFloat(t *testing.T) {
	enc := newT1Encoder()
	enc.reset(2, 1, SubbandHH, 0)
	maxv := enc.loadFloat([]float32{-3.75, 2}, 2, 0, 0, 0.5)
	assert.Equal(t, int32(7.5*64), enc.data[0])
	assert.Equal(t, int32(4*64), enc.data[1])
	assert.Equal(t, int32(480), maxv)
	assert.NotZero(t, enc.flags[enc.fidx(0, 0)]&flagSgn)
	assert.Zero(t, enc.flags[enc.fidx(1, 0)]&flagSgn)
}

func TestPassSchedule(t *testing.T) {
	kinds := []int{passCleanup, passSig, passRef, passCleanup, passSig}
	for i, k := range kinds {
		assert.Equal(t, k, passKind(i), "pass %d", i)
	}

	bypass := byte(CodeBlockSelectiveBypass)
	assert.False(t, passIsRaw(9, bypass))
	assert.True(t, passIsRaw(10, bypass))
	assert.True(t, passIsRaw(11, bypass))
	assert.False(t, passIsRaw(12, bypass))
	assert.False(t, passIsRaw(10, 0))

	assert.False(t, passTerminates(8, bypass))
	assert.True(t, passTerminates(9, bypass))
	assert.False(t, passTerminates(10, bypass))
	assert.True(t, passTerminates(11, bypass))
	assert.True(t, passTerminates(12, bypass))
	assert.True(t, passTerminates(0, CodeBlockTermOnPass))
	assert.False(t, passTerminates(5, 0))
}
