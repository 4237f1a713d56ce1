package jpeg2k

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumPasses_RoundTrip(t *testing.T) {
	for n := 1; n <= 164; n++ {
		bw := NewBitWriter()
		writeNumPasses(bw, n)
		bw.WriteBits(0x5, 3)
		data := bw.Flush()

		br := NewBitReader(data)
		got, err := readNumPasses(br)
		require.NoError(t, err)
		require.Equal(t, n, got)
		tail, err := br.ReadBits(3)
		require.NoError(t, err)
		require.Equal(t, uint32(0x5), tail, "n=%d", n)
	}

	codes := []struct {
		n    int
		want []byte
	}{
		{1, []byte{0x00}},
		{2, []byte{0x80}},
		{3, []byte{0xC0}},
		{5, []byte{0xE0}},
		{6, []byte{0xF0, 0x00}},
		{7, []byte{0xF0, 0x80}},
	}
	for _, c := range codes {
		bw := NewBitWriter()
		writeNumPasses(bw, c.n)
		assert.Equal(t, c.want, bw.Flush(), "n=%d", c.n)
	}
}

func TestSegmentPieces(t *testing.T) {
	tests := []struct {
		name   string
		idx, n int
		style  byte
		want   []int
	}{
		{"single segment", 0, 5, 0, []int{5}},
		{"termall", 0, 3, CodeBlockTermOnPass, []int{1, 1, 1}},
		{"bypass before raw passes", 0, 9, CodeBlockSelectiveBypass, []int{9}},
		{"bypass across raw passes", 8, 6, CodeBlockSelectiveBypass, []int{2, 2, 1, 1}},
		{"bypass resuming inside raw segment", 10, 2, CodeBlockSelectiveBypass, []int{2}},
		{"no passes", 3, 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, segmentPieces(tt.idx, tt.n, tt.style))
		})
	}
}

func TestPackets_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		opts func(o *Options)
	}{
		{"one layer", func(o *Options) {}},
		{"layers", func(o *Options) {
			o.NumLayers = 3
			o.LayerQualities = []float64{50, 2, 0}
		}},
		{"precincts with SOP and EPH", func(o *Options) {
			o.PrecinctWidth, o.PrecinctHeight = 4, 3
			o.SOP, o.EPH = true, true
			o.NumLayers = 2
			o.Quality = 0.5
		}},
		{"bypass", func(o *Options) {
			o.CodeBlockStyle = CodeBlockSelectiveBypass | CodeBlockVerticalCausal
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := noiseImage(45, 37, 1, 10, 1)
			opts := DefaultOptions()
			opts.DecompLevels = 3
			opts.CodeBlockWidth, opts.CodeBlockHeight = 8, 8
			opts.Logger = quietLogger()
			tt.opts(opts)
			require.NoError(t, opts.Validate())

			e, err := newEncoder(img, opts)
			require.NoError(t, err)
			tile, err := e.codeTile(0)
			require.NoError(t, err)
			e.tiles = []*Tile{tile}
			require.NoError(t, e.raiseGuardBits())
			allocateLayers(tile, layerQualities(opts))
			data, err := e.packets(tile)
			require.NoError(t, err)

			dt, err := newTile(e.siz, 0, e.tc)
			require.NoError(t, err)
			pr := &packetReader{data: data, scod: e.tc.Scod, log: quietLogger()}
			comp := dt.Components[0]
			for l := 0; l < opts.NumLayers; l++ {
				for _, rl := range comp.Levels {
					for p := 0; p < rl.NumPrecincts(); p++ {
						require.NoError(t, pr.readPacket(comp, rl, p, l), "layer %d res %d precinct %d", l, rl.Index, p)
					}
				}
			}
			assert.Equal(t, len(data), pr.pos)

			last := opts.NumLayers - 1
			for r, rl := range tile.Components[0].Levels {
				for bi, b := range rl.Bands {
					for ci, src := range b.Cblks {
						got := comp.Levels[r].Bands[bi].Cblks[ci]
						n := src.layerPasses[last]
						require.Equal(t, n, got.npasses)
						if n == 0 {
							assert.Empty(t, got.segs)
							continue
						}
						assert.Equal(t, src.nonzerobits, got.nonzerobits)
						var joined []byte
						for _, s := range got.segs {
							joined = append(joined, s.data...)
						}
						assert.Equal(t, src.truncated(n), joined)
					}
				}
			}
		})
	}
}

func TestReadPacket_Truncated(t *testing.T) {
	img := noiseImage(16, 16, 1, 8, 2)
	opts := DefaultOptions()
	opts.DecompLevels = 0
	opts.Logger = quietLogger()
	e, err := newEncoder(img, opts)
	require.NoError(t, err)
	tile, err := e.codeTile(0)
	require.NoError(t, err)
	e.tiles = []*Tile{tile}
	require.NoError(t, e.raiseGuardBits())
	allocateLayers(tile, layerQualities(opts))
	data, err := e.packets(tile)
	require.NoError(t, err)

	dt, err := newTile(e.siz, 0, e.tc)
	require.NoError(t, err)
	pr := &packetReader{data: data[:len(data)/2], scod: e.tc.Scod, log: quietLogger()}
	comp := dt.Components[0]
	assert.ErrorIs(t, pr.readPacket(comp, comp.Levels[0], 0, 0), ErrTruncated)
}

func TestForEachPacket(t *testing.T) {
	style := CodingStyle{
		Scod: CodingStylePrecinctsUser, DecompLevels: 2, CodeBlockWidthExp: 2, CodeBlockHeightExp: 2,
		Transform: TransformReversible53, PrecinctSizes: []byte{0x11, 0x22, 0x22},
	}
	tc := codingFor(style)
	tc.NumLayers = 3
	tile, err := newTile(singleTile(0, 0, 24, 20, 1, 1), 0, tc)
	require.NoError(t, err)

	perLayer := 0
	for _, rl := range tile.Components[0].Levels {
		perLayer += rl.NumPrecincts()
	}
	require.Greater(t, perLayer, len(tile.Components[0].Levels))

	var seen [][3]int
	err = tc.forEachPacket(tile, 2, func(_ *Component, rl *ResLevel, p, l int) error {
		seen = append(seen, [3]int{l, rl.Index, p})
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2*perLayer)
	for i := 1; i < len(seen); i++ {
		a, b := seen[i-1], seen[i]
		assert.True(t, a[0] < b[0] || a[0] == b[0] && (a[1] < b[1] || a[1] == b[1] && a[2] < b[2]),
			"packet %v after %v", b, a)
	}

	stop := errors.New("stop")
	calls := 0
	err = tc.forEachPacket(tile, 1, func(*Component, *ResLevel, int, int) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)

	tc.Progression = ProgressionRLCP
	err = tc.forEachPacket(tile, 1, func(*Component, *ResLevel, int, int) error {
		t.Fatal("no packet expected")
		return nil
	})
	assert.ErrorIs(t, err, ErrUnsupportedFeature)
}
