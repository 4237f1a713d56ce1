package jpeg2k

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// codingParams collects the coding marker segments of one header
type codingParams struct {
	cod *CODMarker
	coc map[int]*COCMarker
	qcd *QCDMarker
	qcc map[int]*QCCMarker
	rgn map[int]*RGNMarker
}

func newCodingParams() codingParams {
	return codingParams{
		coc: map[int]*COCMarker{},
		qcc: map[int]*QCCMarker{},
		rgn: map[int]*RGNMarker{},
	}
}

// tileState accumulates the tile-parts of one tile
type tileState struct {
	params codingParams
	data   []byte
	parts  int
	broken bool // a tile-part was cut off
}

// MarkerInfo locates one marker in the codestream
type MarkerInfo struct {
	Offset int
	Code   uint16
	Name   string
	Length int // segment length including Lxxx, 0 for delimiters
}

// decoder walks one codestream
type decoder struct {
	data   []byte
	opts   DecodeOptions
	log    *slog.Logger
	siz    *SIZMarker
	main   codingParams
	tiles  []*tileState
	marks  []MarkerInfo
	notes  []string
	stats  DecodeStats
	gotEOC bool
}

func newDecoder(data []byte, opts *DecodeOptions) *decoder {
	d := &decoder{data: data, main: newCodingParams()}
	if opts != nil {
		d.opts = *opts
	}
	d.log = d.opts.Logger
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

func (d *decoder) mark(at int, code uint16, length int) {
	d.marks = append(d.marks, MarkerInfo{Offset: at, Code: code, Name: MarkerName(code), Length: length})
}

// readHeader reads SOC and SIZ, then the main header up to the first SOT
func (d *decoder) readHeader(br *ByteReader) error {
	m, err := br.ReadUint16()
	if err != nil {
		return err
	}
	if m != MarkerSOC {
		return fmt.Errorf("%w: expected SOC, found 0x%04X", ErrInvalidMarker, m)
	}
	d.mark(0, MarkerSOC, 0)

	at := br.Pos()
	if m, err = br.ReadUint16(); err != nil {
		return err
	}
	if m != MarkerSIZ {
		return fmt.Errorf("%w: expected SIZ at offset %d, found 0x%04X", ErrInvalidMarker, at, m)
	}
	body, err := readSegment(br, m)
	if err != nil {
		return err
	}
	d.mark(at, m, len(body)+2)
	if d.siz, err = parseSIZ(body); err != nil {
		return err
	}
	d.tiles = make([]*tileState, d.siz.NumTiles())

	for {
		at := br.Pos()
		m, err := br.PeekUint16()
		if err != nil {
			return err
		}
		if m == MarkerSOT || m == MarkerEOC {
			return nil
		}
		if err := br.Skip(2); err != nil {
			return err
		}
		if m < 0xFF00 {
			return fmt.Errorf("%w: 0x%04X at offset %d", ErrInvalidMarker, m, at)
		}
		body, err := readSegment(br, m)
		if err != nil {
			return err
		}
		d.mark(at, m, len(body)+2)
		if err := d.applyMarker(&d.main, m, body); err != nil {
			return fmt.Errorf("main header offset %d: %w", at, err)
		}
	}
}

// parse walks the whole codestream and gathers every tile's data. A stream
// that ends before EOC yields ErrMissingEOC after gathering what arrived.
func (d *decoder) parse() error {
	br := NewByteReader(d.data)
	if err := d.readHeader(br); err != nil {
		return err
	}
	for {
		if br.Remaining() < 2 {
			return fmt.Errorf("%w: stream ends at offset %d", ErrMissingEOC, br.Pos())
		}
		at := br.Pos()
		m, _ := br.ReadUint16()
		switch m {
		case MarkerEOC:
			d.mark(at, m, 0)
			d.gotEOC = true
			return nil
		case MarkerSOT:
			if err := d.readTilePart(br, at); err != nil {
				if errors.Is(err, ErrTruncated) {
					return fmt.Errorf("%w: %w", ErrMissingEOC, err)
				}
				return err
			}
		default:
			return fmt.Errorf("%w: %s at offset %d outside a header", ErrInvalidMarker, MarkerName(m), at)
		}
	}
}

func (d *decoder) readTilePart(br *ByteReader, at int) error {
	body, err := readSegment(br, MarkerSOT)
	if err != nil {
		return err
	}
	d.mark(at, MarkerSOT, len(body)+2)
	sot, err := parseSOT(body, len(d.tiles))
	if err != nil {
		return err
	}
	ts := d.tiles[sot.TileIndex]
	if ts == nil {
		ts = &tileState{params: newCodingParams()}
		d.tiles[sot.TileIndex] = ts
	}

	end := len(d.data)
	if sot.TilePartLen == 0 {
		if end >= 2 && d.data[end-2] == 0xFF && d.data[end-1] == 0xD9 {
			end -= 2
		}
	} else {
		end = at + int(sot.TilePartLen)
	}
	if end > len(d.data) {
		ts.broken = true
		return fmt.Errorf("%w: tile %d part %d needs %d bytes, have %d", ErrTruncated, sot.TileIndex, sot.TilePartIdx, end-at, len(d.data)-at)
	}

	for {
		mat := br.Pos()
		m, err := br.ReadUint16()
		if err != nil {
			ts.broken = true
			return err
		}
		if m == MarkerSOD {
			d.mark(mat, m, 0)
			break
		}
		body, err := readSegment(br, m)
		if err != nil {
			ts.broken = true
			return err
		}
		d.mark(mat, m, len(body)+2)
		if err := d.applyMarker(&ts.params, m, body); err != nil {
			return fmt.Errorf("tile %d header offset %d: %w", sot.TileIndex, mat, err)
		}
	}
	if br.Pos() > end {
		return fmt.Errorf("%w: tile %d header runs past Psot", ErrInvalidSOT, sot.TileIndex)
	}

	ts.data = append(ts.data, d.data[br.Pos():end]...)
	ts.parts++
	return br.Seek(end)
}

// applyMarker records one functional marker segment of a header
func (d *decoder) applyMarker(p *codingParams, m uint16, body []byte) error {
	ncomp := len(d.siz.Components)
	switch m {
	case MarkerCOD:
		cod, err := parseCOD(body)
		if err != nil {
			return err
		}
		p.cod = cod
	case MarkerCOC:
		coc, err := parseCOC(body, ncomp)
		if err != nil {
			return err
		}
		p.coc[coc.Component] = coc
	case MarkerQCD:
		qcd, err := parseQCD(body)
		if err != nil {
			return err
		}
		p.qcd = qcd
	case MarkerQCC:
		qcc, err := parseQCC(body, ncomp)
		if err != nil {
			return err
		}
		p.qcc[qcc.Component] = qcc
	case MarkerRGN:
		rgn, err := parseRGN(body, ncomp)
		if err != nil {
			return err
		}
		p.rgn[rgn.Component] = rgn
	case MarkerCOM:
		com, err := parseCOM(body)
		if err != nil {
			return err
		}
		if com.Registration == 1 {
			d.notes = append(d.notes, string(com.Data))
		} else {
			d.log.Debug("binary comment skipped", slog.Int("bytes", len(com.Data)))
		}
	case MarkerPOC, MarkerPPM, MarkerPPT:
		return fmt.Errorf("%w: %s marker", ErrUnsupportedFeature, MarkerName(m))
	case MarkerTLM, MarkerPLM, MarkerPLT, MarkerCRG:
	default:
		d.log.Debug("skipping unknown marker", slog.String("marker", fmt.Sprintf("0x%04X", m)))
	}
	return nil
}

// resolve applies the header precedence to one tile: main COD, main COC,
// tile COD, tile COC from lowest to highest, and the same for QCD/QCC
func (d *decoder) resolve(ts *tileState) (*tileCoding, error) {
	cod := d.main.cod
	if ts.params.cod != nil {
		cod = ts.params.cod
	}
	if cod == nil {
		return nil, fmt.Errorf("%w: no COD marker", ErrInvalidCOD)
	}
	tc := &tileCoding{
		Scod:        cod.Scod,
		Progression: cod.Progression,
		NumLayers:   int(cod.NumLayers),
		MCT:         cod.MCT == 1,
	}

	for c := range d.siz.Components {
		var style CodingStyle
		if d.main.cod != nil {
			style = d.main.cod.Style
		}
		if coc, ok := d.main.coc[c]; ok {
			style = coc.Style
		}
		if ts.params.cod != nil {
			style = ts.params.cod.Style
		}
		if coc, ok := ts.params.coc[c]; ok {
			style = coc.Style
		}

		var quant *Quantization
		if d.main.qcd != nil {
			quant = &d.main.qcd.Quantization
		}
		if qcc, ok := d.main.qcc[c]; ok {
			quant = &qcc.Quantization
		}
		if ts.params.qcd != nil {
			quant = &ts.params.qcd.Quantization
		}
		if qcc, ok := ts.params.qcc[c]; ok {
			quant = &qcc.Quantization
		}
		if quant == nil {
			return nil, fmt.Errorf("%w: no quantization for component %d", ErrInvalidQCD, c)
		}

		shift := 0
		if rgn, ok := d.main.rgn[c]; ok {
			shift = rgn.Shift
		}
		if rgn, ok := ts.params.rgn[c]; ok {
			shift = rgn.Shift
		}

		tc.Styles = append(tc.Styles, style)
		tc.Quants = append(tc.Quants, *quant)
		tc.ROIShift = append(tc.ROIShift, shift)
	}
	return tc, nil
}

// newOutput allocates the planes of the decoded image at the requested
// resolution reduction
func (d *decoder) newOutput() *Image {
	s := d.siz
	red := d.opts.Reduce
	img := &Image{
		Width:    ceilDivPow2(int(s.XSiz), red) - ceilDivPow2(int(s.XOsiz), red),
		Height:   ceilDivPow2(int(s.YSiz), red) - ceilDivPow2(int(s.YOsiz), red),
		Comments: d.notes,
	}
	for _, c := range s.Components {
		w := ceilDivPow2(ceilDiv(int(s.XSiz), c.XRsiz), red) - ceilDivPow2(ceilDiv(int(s.XOsiz), c.XRsiz), red)
		h := ceilDivPow2(ceilDiv(int(s.YSiz), c.YRsiz), red) - ceilDivPow2(ceilDiv(int(s.YOsiz), c.YRsiz), red)
		img.Planes = append(img.Planes, Plane{
			Width:     w,
			Height:    h,
			DX:        c.XRsiz,
			DY:        c.YRsiz,
			Precision: c.Precision,
			Signed:    c.Signed,
			Pix:       make([]int32, w*h),
		})
	}
	return img
}

// decode parses the stream and reconstructs every tile that arrived whole
func (d *decoder) decode(ctx context.Context) (*Image, error) {
	perr := d.parse()
	if perr != nil && !errors.Is(perr, ErrMissingEOC) {
		return nil, perr
	}
	if d.opts.Reduce < 0 || d.opts.Layers < 0 {
		return nil, fmt.Errorf("%w: reduce %d layers %d", ErrInvalidOptions, d.opts.Reduce, d.opts.Layers)
	}

	img := d.newOutput()
	for idx, ts := range d.tiles {
		if ts == nil || ts.broken {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.decodeTile(ctx, img, idx, ts); err != nil {
			return nil, fmt.Errorf("tile %d: %w", idx, err)
		}
		d.stats.Tiles++
	}
	img.Stats = d.stats
	if perr != nil {
		d.log.Warn("codestream incomplete", slog.Int("tiles", d.stats.Tiles), slog.Any("err", perr))
	}
	return img, perr
}

func (d *decoder) decodeTile(ctx context.Context, img *Image, idx int, ts *tileState) error {
	tc, err := d.resolve(ts)
	if err != nil {
		return err
	}
	t, err := newTile(d.siz, idx, tc)
	if err != nil {
		return err
	}
	for _, comp := range t.Components {
		if d.opts.Reduce > comp.Style.DecompLevels {
			return fmt.Errorf("%w: reduce %d beyond %d decomposition levels", ErrInvalidOptions, d.opts.Reduce, comp.Style.DecompLevels)
		}
	}

	layers := tc.NumLayers
	if d.opts.Layers > 0 {
		layers = min(layers, d.opts.Layers)
	}
	pr := &packetReader{data: ts.data, scod: tc.Scod, log: d.log}
	err = tc.forEachPacket(t, layers, func(comp *Component, rl *ResLevel, p, l int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pr.readPacket(comp, rl, p, l); err != nil {
			return fmt.Errorf("packet l=%d r=%d c=%d p=%d: %w", l, rl.Index, comp.Index, p, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	t1 := newT1Decoder(d.log)
	for _, comp := range t.Components {
		keep := comp.Style.DecompLevels - d.opts.Reduce
		for _, rl := range comp.Levels[:keep+1] {
			for _, b := range rl.Bands {
				for _, cb := range b.Cblks {
					if err := t1.decodeCblk(cb, b.Orient, comp.Style.CodeBlockStyle); err != nil {
						return fmt.Errorf("component %d %s band: %w", comp.Index, b.Orient, err)
					}
					t1.dequantize(comp, b, cb)
				}
			}
		}
		rl := comp.Levels[keep]
		dwt := NewDWT(rl.X0, rl.Y0, rl.X1, rl.Y1, comp.Width(), keep, comp.Style.Transform)
		if comp.idata != nil {
			dwt.Inverse53(comp.idata)
		} else {
			dwt.Inverse97(comp.fdata)
		}
	}
	d.stats.SegSymMismatches += t1.segSymErrors

	if tc.MCT {
		d.inverseMCT(t)
	}
	for _, comp := range t.Components {
		d.store(img, comp)
	}
	d.log.Debug("decoded tile", slog.Int("tile", idx), slog.Int("parts", ts.parts), slog.Int("layers", layers))
	return nil
}

// inverseMCT undoes the component transform when the first three
// components agree in size and transform
func (d *decoder) inverseMCT(t *Tile) {
	if len(t.Components) < 3 {
		return
	}
	c0, c1, c2 := t.Components[0], t.Components[1], t.Components[2]
	for _, c := range []*Component{c1, c2} {
		if c.Width() != c0.Width() || c.Height() != c0.Height() || c.Style.Transform != c0.Style.Transform {
			d.log.Warn("component transform skipped on mismatched components", slog.Int("tile", t.Index))
			return
		}
	}
	if c0.idata != nil {
		InverseRCT(c0.idata, c1.idata, c2.idata)
		return
	}
	InverseICT(c0.fdata, c1.fdata, c2.fdata)
}

// store level shifts the tile-component into its output plane
func (d *decoder) store(img *Image, comp *Component) {
	red := d.opts.Reduce
	rl := comp.Levels[comp.Style.DecompLevels-red]
	p := &img.Planes[comp.Index]
	px0 := ceilDivPow2(ceilDiv(int(d.siz.XOsiz), comp.Info.XRsiz), red)
	py0 := ceilDivPow2(ceilDiv(int(d.siz.YOsiz), comp.Info.YRsiz), red)
	stride := comp.Width()
	w := rl.X1 - rl.X0
	for y := rl.Y0; y < rl.Y1; y++ {
		dst := p.Pix[(y-py0)*p.Width+rl.X0-px0:]
		src := (y - rl.Y0) * stride
		if comp.idata != nil {
			levelShiftInt(dst[:w], comp.idata[src:src+w], comp.Info)
		} else {
			levelShiftFloat(dst[:w], comp.fdata[src:src+w], comp.Info)
		}
	}
}
