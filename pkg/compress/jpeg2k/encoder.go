package jpeg2k

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// maxGuardBits is the largest guard bit count Sqcd can carry
const maxGuardBits = 7

// encoder drives one image through the coding pipeline
type encoder struct {
	opts  *Options
	log   *slog.Logger
	img   *Image
	siz   *SIZMarker
	tc    *tileCoding
	tiles []*Tile
}

func newEncoder(img *Image, opts *Options) (*encoder, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}
	e := &encoder{opts: opts, img: img, log: opts.Logger}
	if e.log == nil {
		e.log = slog.Default()
	}

	e.siz = &SIZMarker{
		XSiz:  uint32(img.Width),
		YSiz:  uint32(img.Height),
		XTsiz: uint32(img.Width),
		YTsiz: uint32(img.Height),
	}
	if opts.TileWidth > 0 {
		e.siz.XTsiz = uint32(opts.TileWidth)
	}
	if opts.TileHeight > 0 {
		e.siz.YTsiz = uint32(opts.TileHeight)
	}
	for _, p := range img.Planes {
		e.siz.Components = append(e.siz.Components, ComponentInfo{
			Precision: p.Precision,
			Signed:    p.Signed,
			XRsiz:     max(p.DX, 1),
			YRsiz:     max(p.DY, 1),
		})
	}

	style := CodingStyle{
		DecompLevels:       opts.DecompLevels,
		CodeBlockWidthExp:  log2(opts.CodeBlockWidth),
		CodeBlockHeightExp: log2(opts.CodeBlockHeight),
		CodeBlockStyle:     opts.CodeBlockStyle,
		Transform:          opts.Transform,
	}
	if opts.NumLayers > 1 {
		style.CodeBlockStyle |= CodeBlockTermOnPass
	}
	var scod byte
	if opts.PrecinctWidth != 15 || opts.PrecinctHeight != 15 {
		scod |= CodingStylePrecinctsUser
		style.Scod = CodingStylePrecinctsUser
		for range opts.DecompLevels + 1 {
			style.PrecinctSizes = append(style.PrecinctSizes, byte(opts.PrecinctWidth|opts.PrecinctHeight<<4))
		}
	}
	if opts.SOP {
		scod |= CodingStyleSOPMarker
	}
	if opts.EPH {
		scod |= CodingStyleEPHMarker
	}

	e.tc = &tileCoding{
		Scod:        scod,
		Progression: ProgressionLRCP,
		NumLayers:   opts.NumLayers,
		MCT:         opts.UseMCT && mctCompatible(img),
	}
	if opts.UseMCT && !e.tc.MCT {
		e.log.Debug("component transform disabled", slog.Int("components", len(img.Planes)))
	}
	for _, c := range e.siz.Components {
		e.tc.Styles = append(e.tc.Styles, style)
		e.tc.Quants = append(e.tc.Quants, encoderQuantization(opts.Transform, c.Precision, opts.DecompLevels, opts.GuardBits))
		e.tc.ROIShift = append(e.tc.ROIShift, 0)
	}
	return e, nil
}

// checkImage verifies that the planes fit the reference grid
func checkImage(img *Image) error {
	switch {
	case img == nil:
		return fmt.Errorf("%w: nil image", ErrUnsupportedImage)
	case img.Width <= 0 || img.Height <= 0:
		return fmt.Errorf("%w: %dx%d", ErrUnsupportedImage, img.Width, img.Height)
	}
	switch len(img.Planes) {
	case 1, 3, 4:
	default:
		return fmt.Errorf("%w: %d components", ErrUnsupportedImage, len(img.Planes))
	}
	for i, p := range img.Planes {
		dx, dy := max(p.DX, 1), max(p.DY, 1)
		switch {
		case p.Precision < 1 || p.Precision > maxPrecision:
			return fmt.Errorf("%w: component %d precision %d", ErrUnsupportedImage, i, p.Precision)
		case dx > 255 || dy > 255:
			return fmt.Errorf("%w: component %d subsampling %dx%d", ErrUnsupportedImage, i, dx, dy)
		case p.Width != ceilDiv(img.Width, dx) || p.Height != ceilDiv(img.Height, dy):
			return fmt.Errorf("%w: component %d is %dx%d", ErrUnsupportedImage, i, p.Width, p.Height)
		case len(p.Pix) < p.Width*p.Height:
			return fmt.Errorf("%w: component %d has %d samples", ErrUnsupportedImage, i, len(p.Pix))
		}
	}
	return nil
}

// mctCompatible reports whether the first three planes can share a
// component transform
func mctCompatible(img *Image) bool {
	if len(img.Planes) < 3 {
		return false
	}
	p := img.Planes
	for _, q := range p[1:3] {
		if q.Width != p[0].Width || q.Height != p[0].Height || q.DX != p[0].DX || q.DY != p[0].DY {
			return false
		}
	}
	return true
}

func log2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// encode runs the tile pipelines and assembles the codestream
func (e *encoder) encode(ctx context.Context) ([]byte, error) {
	n := e.siz.NumTiles()
	e.tiles = make([]*Tile, n)
	workers := e.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := e.codeTile(i)
			if err != nil {
				return fmt.Errorf("tile %d: %w", i, err)
			}
			e.tiles[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := e.raiseGuardBits(); err != nil {
		return nil, err
	}

	qualities := layerQualities(e.opts)
	bodies := make([][]byte, n)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, t := range e.tiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			allocateLayers(t, qualities)
			body, err := e.packets(t)
			if err != nil {
				return fmt.Errorf("tile %d: %w", i, err)
			}
			bodies[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return e.codestream(bodies), nil
}

// codeTile transforms and tier-1 codes one tile
func (e *encoder) codeTile(idx int) (*Tile, error) {
	t, err := newTile(e.siz, idx, e.tc)
	if err != nil {
		return nil, err
	}
	for _, comp := range t.Components {
		e.load(comp)
	}
	if e.tc.MCT {
		c0, c1, c2 := t.Components[0], t.Components[1], t.Components[2]
		if c0.idata != nil {
			ForwardRCT(c0.idata, c1.idata, c2.idata)
		} else {
			ForwardICT(c0.fdata, c1.fdata, c2.fdata)
		}
	}

	t1 := newT1Encoder()
	for _, comp := range t.Components {
		stride := comp.Width()
		dwt := NewDWT(comp.X0, comp.Y0, comp.X1, comp.Y1, stride, comp.Style.DecompLevels, comp.Style.Transform)
		if comp.idata != nil {
			dwt.Forward53(comp.idata)
		} else {
			dwt.Forward97(comp.fdata)
		}

		for _, rl := range comp.Levels {
			for _, b := range rl.Bands {
				for _, cb := range b.Cblks {
					t1.reset(cb.Width(), cb.Height(), b.Orient, comp.Style.CodeBlockStyle)
					ox, oy := b.OffX+cb.X0-b.X0, b.OffY+cb.Y0-b.Y0
					var maxv int32
					if comp.idata != nil {
						maxv = t1.loadInt(comp.idata, stride, ox, oy)
					} else {
						maxv = t1.loadFloat(comp.fdata, stride, ox, oy, b.Step)
					}
					t1.encodeCblk(cb, maxv)
				}
			}
		}
	}
	e.log.Debug("coded tile", slog.Int("tile", idx), slog.Int("components", len(t.Components)))
	return t, nil
}

// load copies the tile-component samples out of the image, level shifted
func (e *encoder) load(comp *Component) {
	p := &e.img.Planes[comp.Index]
	off := dcOffset(comp.Info)
	w := comp.Width()
	for y := comp.Y0; y < comp.Y1; y++ {
		src := p.Pix[y*p.Width+comp.X0 : y*p.Width+comp.X1]
		row := (y - comp.Y0) * w
		for x, v := range src {
			if comp.idata != nil {
				comp.idata[row+x] = v - off
			} else {
				comp.fdata[row+x] = float32(v - off)
			}
		}
	}
}

// raiseGuardBits grows the guard bits until every code-block's magnitude
// fits the band's Mb, then refreshes Mb everywhere
func (e *encoder) raiseGuardBits() error {
	g := e.opts.GuardBits
	for _, t := range e.tiles {
		for _, comp := range t.Components {
			for _, rl := range comp.Levels {
				for _, b := range rl.Bands {
					for _, cb := range b.Cblks {
						g = max(g, cb.nonzerobits-b.Expn+1)
					}
				}
			}
		}
	}
	if g > maxGuardBits {
		return fmt.Errorf("%w: coefficients need %d guard bits", ErrUnsupportedImage, g)
	}
	if g != e.opts.GuardBits {
		e.log.Debug("raised guard bits", slog.Int("from", e.opts.GuardBits), slog.Int("to", g))
	}
	for c := range e.tc.Quants {
		e.tc.Quants[c].GuardBits = g
	}
	for _, t := range e.tiles {
		for _, comp := range t.Components {
			comp.Quant.GuardBits = g
			for _, rl := range comp.Levels {
				for _, b := range rl.Bands {
					b.Mb = g + b.Expn - 1
				}
			}
		}
	}
	return nil
}

// packets emits the tile's packets in progression order
func (e *encoder) packets(t *Tile) ([]byte, error) {
	w := NewByteWriter()
	pw := &packetWriter{w: w, scod: e.tc.Scod}
	for _, comp := range t.Components {
		initPrecincts(comp)
	}
	err := e.tc.forEachPacket(t, e.tc.NumLayers, func(comp *Component, rl *ResLevel, p, l int) error {
		pw.writePacket(comp, rl, p, l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// codestream writes the main header, one tile-part per tile and EOC
func (e *encoder) codestream(bodies [][]byte) []byte {
	w := NewByteWriter()
	w.WriteUint16(MarkerSOC)
	writeSIZ(w, e.siz)

	mct := byte(0)
	if e.tc.MCT {
		mct = 1
	}
	writeCOD(w, &CODMarker{
		Scod:        e.tc.Scod,
		Progression: e.tc.Progression,
		NumLayers:   uint16(e.tc.NumLayers),
		MCT:         mct,
		Style:       e.tc.Styles[0],
	})
	writeQCD(w, &QCDMarker{Quantization: e.tc.Quants[0]})
	ncomp := len(e.siz.Components)
	for c := 1; c < ncomp; c++ {
		if e.siz.Components[c].Precision != e.siz.Components[0].Precision {
			writeQCC(w, &QCCMarker{Component: c, Quantization: e.tc.Quants[c]}, ncomp)
		}
	}
	if e.opts.Comment != "" {
		writeCOM(w, &COMMarker{Registration: 1, Data: []byte(e.opts.Comment)})
	}

	for i, body := range bodies {
		psot := writeSOT(w, &SOTMarker{TileIndex: uint16(i), NumTileParts: 1})
		w.WriteUint16(MarkerSOD)
		w.WriteBytes(body)
		w.PatchUint32(psot, uint32(w.Len()-(psot-6)))
	}
	w.WriteUint16(MarkerEOC)
	return w.Bytes()
}
