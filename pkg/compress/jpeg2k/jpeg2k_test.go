package jpeg2k

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noiseImage returns n planes of a diagonal ramp with added noise so the
// coder sees both smooth areas and busy low bit-planes
func noiseImage(w, h, n, prec int, seed uint64) *Image {
	rng := rand.New(rand.NewPCG(seed, uint64(w*h*n)))
	img := NewImage(w, h, n, prec, false)
	top := int32(1)<<prec - 1
	noise := max(1<<(prec-3), 2)
	for c := range img.Planes {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := int32((x*5+y*3+c*40)<<(prec-8+1)/2) + int32(rng.IntN(noise))
				img.Planes[c].Pix[y*w+x] = min(max(v, 0), top)
			}
		}
	}
	return img
}

// gradientImage is a noiseless single plane ramp
func gradientImage(w, h int) *Image {
	img := NewImage(w, h, 1, 8, false)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Planes[0].Pix[y*w+x] = int32(x*3 + y*2)
		}
	}
	return img
}

// absErr returns the largest and the mean absolute sample difference
func absErr(a, b []int32) (int32, float64) {
	var worst int32
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		worst = max(worst, d)
		sum += float64(d)
	}
	return worst, sum / float64(len(a))
}

// psnr compares 8-bit planes, +Inf when they are identical
func psnr(a, b []int32) float64 {
	var mse float64
	for i := range a {
		d := float64(a[i] - b[i])
		mse += d * d
	}
	mse /= float64(len(a))
	if mse == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(255*255/mse)
}

func encodeBytes(t *testing.T, img *Image, opts *Options) []byte {
	t.Helper()
	opts.Logger = quietLogger()
	var buf bytes.Buffer
	require.NoError(t, EncodeImage(context.Background(), &buf, img, opts))
	return buf.Bytes()
}

func decodeBytes(t *testing.T, data []byte, opts *DecodeOptions) *Image {
	t.Helper()
	if opts == nil {
		opts = &DecodeOptions{}
	}
	opts.Logger = quietLogger()
	img, err := DecodeBytes(context.Background(), data, opts)
	require.NoError(t, err)
	return img
}

func TestRoundTrip_Lossless(t *testing.T) {
	tests := []struct {
		name string
		img  func() *Image
		opts func(o *Options)
	}{
		{"gray defaults", func() *Image { return noiseImage(33, 21, 1, 8, 1) }, func(o *Options) {}},
		{"rgb tiled", func() *Image { return noiseImage(40, 27, 3, 8, 2) }, func(o *Options) {
			o.TileWidth, o.TileHeight = 16, 16
			o.CodeBlockWidth, o.CodeBlockHeight = 16, 16
		}},
		{"rgba precincts", func() *Image { return noiseImage(30, 30, 4, 8, 3) }, func(o *Options) {
			o.DecompLevels = 3
			o.PrecinctWidth, o.PrecinctHeight = 4, 4
			o.CodeBlockWidth, o.CodeBlockHeight = 8, 8
		}},
		{"gray 16-bit", func() *Image { return noiseImage(25, 19, 1, 16, 4) }, func(o *Options) {
			o.DecompLevels = 3
		}},
		{"rgb 12-bit without MCT", func() *Image { return noiseImage(20, 20, 3, 12, 5) }, func(o *Options) {
			o.UseMCT = false
		}},
		{"signed", func() *Image {
			img := noiseImage(17, 23, 1, 12, 6)
			for i := range img.Planes[0].Pix {
				img.Planes[0].Pix[i] -= 2048
			}
			img.Planes[0].Signed = true
			return img
		}, func(o *Options) {}},
		{"no decomposition", func() *Image { return noiseImage(12, 9, 1, 8, 7) }, func(o *Options) {
			o.DecompLevels = 0
		}},
		{"all code-block styles", func() *Image { return noiseImage(37, 29, 3, 8, 8) }, func(o *Options) {
			o.CodeBlockStyle = 0x3F
			o.CodeBlockWidth, o.CodeBlockHeight = 16, 8
		}},
		{"layers with SOP and EPH", func() *Image { return noiseImage(31, 35, 3, 8, 9) }, func(o *Options) {
			o.NumLayers = 3
			o.Quality = 0
			o.SOP, o.EPH = true, true
			o.TileWidth = 20
		}},
		{"jp2 container", func() *Image { return noiseImage(19, 11, 3, 8, 10) }, func(o *Options) {
			o.Format = FormatJP2
			o.Comment = "round trip"
		}},
		{"single pixel", func() *Image { return noiseImage(1, 1, 1, 8, 11) }, func(o *Options) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tt.img()
			opts := DefaultOptions()
			tt.opts(opts)
			data := encodeBytes(t, src, opts)
			assert.Equal(t, opts.Format == FormatJP2, IsJP2(data))

			got := decodeBytes(t, data, nil)
			assert.Equal(t, src.Width, got.Width)
			assert.Equal(t, src.Height, got.Height)
			require.Len(t, got.Planes, len(src.Planes))
			for c := range src.Planes {
				assert.Equal(t, src.Planes[c].Precision, got.Planes[c].Precision)
				assert.Equal(t, src.Planes[c].Signed, got.Planes[c].Signed)
				assert.Equal(t, src.Planes[c].Pix, got.Planes[c].Pix, "component %d", c)
			}
			assert.Zero(t, got.Stats.SegSymMismatches)
			tw, th := opts.TileWidth, opts.TileHeight
			if tw == 0 {
				tw = src.Width
			}
			if th == 0 {
				th = src.Height
			}
			assert.Equal(t, ceilDiv(src.Width, tw)*ceilDiv(src.Height, th), got.Stats.Tiles)
			if opts.Comment != "" {
				assert.Equal(t, []string{opts.Comment}, got.Comments)
			}
		})
	}
}

func TestRoundTrip_Subsampled(t *testing.T) {
	src := noiseImage(21, 14, 3, 8, 12)
	for c := 1; c < 3; c++ {
		p := &src.Planes[c]
		p.DX, p.DY = 2, 2
		p.Width, p.Height = 11, 7
		p.Pix = p.Pix[:p.Width*p.Height]
	}
	data := encodeBytes(t, src, DefaultOptions())
	got := decodeBytes(t, data, nil)
	for c := range src.Planes {
		assert.Equal(t, src.Planes[c].DX, got.Planes[c].DX)
		assert.Equal(t, src.Planes[c].Width, got.Planes[c].Width)
		assert.Equal(t, src.Planes[c].Pix, got.Planes[c].Pix, "component %d", c)
	}
}

func TestRoundTrip_Irreversible(t *testing.T) {
	src := noiseImage(48, 40, 3, 8, 13)
	opts := DefaultOptions()
	opts.Transform = TransformIrreversible97
	opts.DecompLevels = 3
	fine := encodeBytes(t, src, opts)

	got := decodeBytes(t, fine, nil)
	for c := range src.Planes {
		worst, mean := absErr(src.Planes[c].Pix, got.Planes[c].Pix)
		assert.LessOrEqual(t, worst, int32(8), "component %d", c)
		assert.Less(t, mean, 1.5, "component %d", c)
	}

	opts.Quality = 20
	coarse := encodeBytes(t, src, opts)
	assert.Less(t, len(coarse), len(fine))
	lossy := decodeBytes(t, coarse, nil)
	_, mean := absErr(src.Planes[0].Pix, lossy.Planes[0].Pix)
	_, fineMean := absErr(src.Planes[0].Pix, got.Planes[0].Pix)
	assert.GreaterOrEqual(t, mean, fineMean)
}

func TestDecode_Layers(t *testing.T) {
	src := noiseImage(40, 32, 1, 8, 14)
	opts := DefaultOptions()
	opts.NumLayers = 3
	opts.LayerQualities = []float64{50, 2, 0}
	data := encodeBytes(t, src, opts)

	var errs []float64
	for l := 1; l <= 3; l++ {
		got := decodeBytes(t, data, &DecodeOptions{Layers: l})
		_, mean := absErr(src.Planes[0].Pix, got.Planes[0].Pix)
		errs = append(errs, mean)
	}
	assert.Zero(t, errs[2])
	assert.GreaterOrEqual(t, errs[0], errs[1])
	assert.GreaterOrEqual(t, errs[1], errs[2])

	all := decodeBytes(t, data, &DecodeOptions{Layers: 10})
	assert.Equal(t, src.Planes[0].Pix, all.Planes[0].Pix)
}

func TestDecode_Reduce(t *testing.T) {
	src := gradientImage(40, 30)
	opts := DefaultOptions()
	opts.DecompLevels = 3
	data := encodeBytes(t, src, opts)

	got := decodeBytes(t, data, &DecodeOptions{Reduce: 1})
	assert.Equal(t, 20, got.Width)
	assert.Equal(t, 15, got.Height)
	p := got.Planes[0]
	require.Equal(t, 20, p.Width)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			assert.InDelta(t, src.Planes[0].At(2*x, 2*y), p.At(x, y), 3, "(%d,%d)", x, y)
		}
	}

	got = decodeBytes(t, data, &DecodeOptions{Reduce: 3})
	assert.Equal(t, 5, got.Width)
	assert.Equal(t, 4, got.Height)

	_, err := DecodeBytes(context.Background(), data, &DecodeOptions{Reduce: 4, Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = DecodeBytes(context.Background(), data, &DecodeOptions{Layers: -1, Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestDecode_MissingEOC(t *testing.T) {
	src := noiseImage(32, 16, 1, 8, 15)
	opts := DefaultOptions()
	opts.TileWidth, opts.TileHeight = 16, 16
	data := encodeBytes(t, src, opts)

	img, err := DecodeBytes(context.Background(), data[:len(data)-2], &DecodeOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrMissingEOC)
	require.NotNil(t, img)
	assert.Equal(t, 2, img.Stats.Tiles)
	assert.Equal(t, src.Planes[0].Pix, img.Planes[0].Pix)

	img, err = DecodeBytes(context.Background(), data[:len(data)-12], &DecodeOptions{Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrMissingEOC)
	require.NotNil(t, img)
	assert.Equal(t, 1, img.Stats.Tiles)
	for y := 0; y < 16; y++ {
		assert.Equal(t, src.Planes[0].Pix[y*32:y*32+16], img.Planes[0].Pix[y*32:y*32+16], "row %d", y)
	}

	info, err := Inspect(data[:len(data)-12])
	require.NoError(t, err)
	assert.False(t, info.Complete)
	require.Len(t, info.Tiles, 2)
	assert.Equal(t, 1, info.Tiles[0].Parts)
	assert.Zero(t, info.Tiles[1].Parts)
}

func TestDecode_Errors(t *testing.T) {
	data := encodeBytes(t, noiseImage(16, 16, 1, 8, 16), DefaultOptions())
	info, err := Inspect(data)
	require.NoError(t, err)
	var codAt int
	for _, m := range info.Markers {
		if m.Code == MarkerCOD {
			codAt = m.Offset
		}
	}
	require.NotZero(t, codAt)

	rpcl := append([]byte(nil), data...)
	rpcl[codAt+5] = byte(ProgressionRPCL)
	_, err = DecodeBytes(context.Background(), rpcl, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFeature)

	_, err = DecodeBytes(context.Background(), data[2:], nil)
	assert.ErrorIs(t, err, ErrInvalidMarker)

	notMarker := append([]byte(nil), data...)
	notMarker[codAt], notMarker[codAt+1] = 0x00, 0x10
	_, err = DecodeBytes(context.Background(), notMarker, nil)
	assert.ErrorIs(t, err, ErrInvalidMarker)

	_, err = DecodeBytes(context.Background(), data[:30], nil)
	assert.ErrorIs(t, err, ErrMalformedStream)
}

func TestInspect(t *testing.T) {
	opts := DefaultOptions()
	opts.TileWidth = 16
	opts.Comment = "inspect me"
	opts.Format = FormatJP2
	data := encodeBytes(t, noiseImage(32, 10, 3, 8, 17), opts)

	info, err := Inspect(data)
	require.NoError(t, err)
	assert.True(t, info.JP2)
	assert.True(t, info.Complete)
	assert.Equal(t, uint32(32), info.SIZ.XSiz)
	assert.Equal(t, uint8(1), info.COD.MCT)
	assert.Equal(t, QuantNone, info.QCD.Style)
	assert.Equal(t, []string{"inspect me"}, info.Comments)

	var names []string
	for _, m := range info.Markers {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"SOC", "SIZ", "COD", "QCD", "COM", "SOT", "SOD", "SOT", "SOD", "EOC"}, names)

	require.Len(t, info.Tiles, 2)
	assert.Equal(t, [4]int{16, 0, 32, 10}, [4]int{info.Tiles[1].X0, info.Tiles[1].Y0, info.Tiles[1].X1, info.Tiles[1].Y1})
	assert.Positive(t, info.Tiles[1].Bytes)

	_, err = Inspect([]byte{0xFF, 0x4F})
	assert.Error(t, err)
}

func TestImageRegistration(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 9, 7))
	for i := range rgba.Pix {
		rgba.Pix[i] = byte(i * 7)
		if i%4 == 3 {
			rgba.Pix[i] = 0xFF
		}
	}
	for _, format := range []Format{FormatJ2K, FormatJP2} {
		t.Run(format.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Format = format
			opts.Logger = quietLogger()
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, rgba, opts))

			cfg, name, err := image.DecodeConfig(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, format.String(), name)
			assert.Equal(t, 9, cfg.Width)
			assert.Equal(t, 7, cfg.Height)
			assert.True(t, cfg.ColorModel == color.RGBAModel)

			out, name, err := image.Decode(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, format.String(), name)
			require.IsType(t, &image.RGBA{}, out)
			assert.Equal(t, rgba.Pix, out.(*image.RGBA).Pix)
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	src := noiseImage(50, 40, 3, 8, 18)
	opts := DefaultOptions()
	opts.TileWidth, opts.TileHeight = 16, 16
	opts.Workers = 1
	serial := encodeBytes(t, src, opts)
	opts.Workers = 4
	parallel := encodeBytes(t, src, opts)
	assert.Equal(t, serial, parallel)
}

func TestEncode_Errors(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeImage(context.Background(), &buf, NewImage(4, 4, 2, 8, false), nil)
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	img := NewImage(4, 4, 1, 8, false)
	img.Planes[0].Pix = img.Planes[0].Pix[:3]
	err = EncodeImage(context.Background(), &buf, img, nil)
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	err = EncodeImage(context.Background(), &buf, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	opts := DefaultOptions()
	opts.NumLayers = 0
	err = EncodeImage(context.Background(), &buf, NewImage(4, 4, 1, 8, false), opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.Zero(t, buf.Len())
}

func TestContextCancel(t *testing.T) {
	src := noiseImage(32, 32, 1, 8, 19)
	data := encodeBytes(t, src, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	err := EncodeImage(ctx, &bytes.Buffer{}, src, opts)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = DecodeBytes(ctx, data, &DecodeOptions{Logger: quietLogger()})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"levels", func(o *Options) { o.DecompLevels = 11 }},
		{"block not power of two", func(o *Options) { o.CodeBlockWidth = 24 }},
		{"block too small", func(o *Options) { o.CodeBlockHeight = 2 }},
		{"block area", func(o *Options) { o.CodeBlockWidth, o.CodeBlockHeight = 128, 64 }},
		{"precinct", func(o *Options) { o.PrecinctWidth = 0 }},
		{"transform", func(o *Options) { o.Transform = 2 }},
		{"layers", func(o *Options) { o.NumLayers = 0 }},
		{"quality", func(o *Options) { o.Quality = -1 }},
		{"layer quality count", func(o *Options) { o.LayerQualities = []float64{1, 2} }},
		{"layer quality sign", func(o *Options) { o.LayerQualities = []float64{-1} }},
		{"tile", func(o *Options) { o.TileWidth = -16 }},
		{"progression", func(o *Options) { o.Progression = ProgressionCPRL }},
		{"style", func(o *Options) { o.CodeBlockStyle = 0x40 }},
		{"guard bits", func(o *Options) { o.GuardBits = 8 }},
		{"format", func(o *Options) { o.Format = 3 }},
		{"workers", func(o *Options) { o.Workers = -1 }},
	}
	require.NoError(t, DefaultOptions().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(o)
			assert.ErrorIs(t, o.Validate(), ErrInvalidOptions)
		})
	}
}

func TestResolve_Precedence(t *testing.T) {
	styleOf := func(levels int) CodingStyle {
		return CodingStyle{DecompLevels: levels, CodeBlockWidthExp: 6, CodeBlockHeightExp: 6, Transform: TransformReversible53}
	}
	quantOf := func(guard int) *QCDMarker {
		return &QCDMarker{Quantization: Quantization{Style: QuantNone, GuardBits: guard, Exponents: []int{8}}}
	}

	d := newDecoder(nil, &DecodeOptions{Logger: quietLogger()})
	d.siz = &SIZMarker{Components: make([]ComponentInfo, 3)}
	d.main.cod = &CODMarker{NumLayers: 2, MCT: 1, Style: styleOf(1)}
	d.main.coc[1] = &COCMarker{Component: 1, Style: styleOf(2)}
	d.main.qcd = quantOf(1)
	d.main.qcc[2] = &QCCMarker{Component: 2, Quantization: quantOf(2).Quantization}
	d.main.rgn[0] = &RGNMarker{Component: 0, Shift: 5}

	ts := &tileState{params: newCodingParams()}
	tc, err := d.resolve(ts)
	require.NoError(t, err)
	assert.True(t, tc.MCT)
	assert.Equal(t, 2, tc.NumLayers)
	assert.Equal(t, []int{1, 2, 1}, []int{tc.Styles[0].DecompLevels, tc.Styles[1].DecompLevels, tc.Styles[2].DecompLevels})
	assert.Equal(t, []int{1, 1, 2}, []int{tc.Quants[0].GuardBits, tc.Quants[1].GuardBits, tc.Quants[2].GuardBits})
	assert.Equal(t, []int{5, 0, 0}, tc.ROIShift)

	ts.params.cod = &CODMarker{NumLayers: 4, Style: styleOf(3)}
	ts.params.coc[2] = &COCMarker{Component: 2, Style: styleOf(4)}
	ts.params.qcd = quantOf(3)
	ts.params.rgn[0] = &RGNMarker{Component: 0, Shift: 0}
	tc, err = d.resolve(ts)
	require.NoError(t, err)
	assert.False(t, tc.MCT)
	assert.Equal(t, 4, tc.NumLayers)
	assert.Equal(t, []int{3, 3, 4}, []int{tc.Styles[0].DecompLevels, tc.Styles[1].DecompLevels, tc.Styles[2].DecompLevels})
	assert.Equal(t, []int{3, 3, 3}, []int{tc.Quants[0].GuardBits, tc.Quants[1].GuardBits, tc.Quants[2].GuardBits})
	assert.Equal(t, []int{0, 0, 0}, tc.ROIShift)

	d.main.qcd = nil
	d.main.qcc = map[int]*QCCMarker{}
	_, err = d.resolve(&tileState{params: newCodingParams()})
	assert.ErrorIs(t, err, ErrInvalidQCD)

	d.main.cod = nil
	_, err = d.resolve(&tileState{params: newCodingParams()})
	assert.ErrorIs(t, err, ErrInvalidCOD)
}

func TestScenario_ZeroImage(t *testing.T) {
	src := NewImage(64, 64, 1, 8, false)
	opts := DefaultOptions()
	opts.CodeBlockWidth, opts.CodeBlockHeight = 32, 32
	data := encodeBytes(t, src, opts)

	got := decodeBytes(t, data, nil)
	assert.Equal(t, src.Planes[0].Pix, got.Planes[0].Pix)
}

func TestScenario_LayeredIrreversible(t *testing.T) {
	src := NewImage(256, 256, 3, 8, false)
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			src.Planes[0].Pix[y*256+x] = int32(x)
			src.Planes[1].Pix[y*256+x] = int32(y)
			src.Planes[2].Pix[y*256+x] = int32((x + y) / 2)
		}
	}
	opts := DefaultOptions()
	opts.Transform = TransformIrreversible97
	opts.NumLayers = 3
	opts.LayerQualities = []float64{50, 2, 0}
	data := encodeBytes(t, src, opts)

	full := decodeBytes(t, data, nil)
	first := decodeBytes(t, data, &DecodeOptions{Layers: 1})
	for c := range src.Planes {
		best := psnr(src.Planes[c].Pix, full.Planes[c].Pix)
		assert.Greater(t, best, 40.0, "component %d", c)
		assert.LessOrEqual(t, psnr(src.Planes[c].Pix, first.Planes[c].Pix), best, "component %d", c)
	}
}

func TestScenario_FiveComponents(t *testing.T) {
	data := encodeBytes(t, noiseImage(8, 8, 1, 8, 20), DefaultOptions())
	bad := append([]byte(nil), data...)
	require.Equal(t, uint16(MarkerSIZ), uint16(bad[2])<<8|uint16(bad[3]))
	bad[40], bad[41] = 0, 5

	img, err := DecodeBytes(context.Background(), bad, &DecodeOptions{Logger: quietLogger()})
	assert.Nil(t, img)
	assert.ErrorIs(t, err, ErrMalformedStream)
	assert.ErrorIs(t, err, ErrUnsupportedFeature)
}
