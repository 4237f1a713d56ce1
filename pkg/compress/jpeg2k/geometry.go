package jpeg2k

import (
	"fmt"
)

// maxTileSamples bounds the coefficient buffer of one tile-component
const maxTileSamples = 1 << 28

// tileCoding is the resolved coding configuration of one tile
type tileCoding struct {
	Scod        byte
	Progression ProgressionOrder
	NumLayers   int
	MCT         bool
	Styles      []CodingStyle  // per component
	Quants      []Quantization // per component
	ROIShift    []int          // per component
}

// Tile is one independently coded rectangle of the image together with
// the complete component/resolution/band/code-block graph
type Tile struct {
	Index          int
	X0, Y0, X1, Y1 int
	Components     []*Component
	coding         *tileCoding
}

// Component is one tile-component and its coefficient buffer
type Component struct {
	Index          int
	X0, Y0, X1, Y1 int
	Info           ComponentInfo
	Style          CodingStyle
	Quant          Quantization
	ROIShift       int
	Levels         []*ResLevel // resolution 0 (LL) first

	idata []int32   // reversible path
	fdata []float32 // irreversible path
}

// Width returns the number of samples per row
func (c *Component) Width() int {
	return c.X1 - c.X0
}

// Height returns the number of rows
func (c *Component) Height() int {
	return c.Y1 - c.Y0
}

// ResLevel is one resolution of a tile-component
type ResLevel struct {
	Index              int
	X0, Y0, X1, Y1     int
	PPx, PPy           int // precinct exponents
	NumPrecX, NumPrecY int
	Bands              []*Band
}

// NumPrecincts returns the number of precincts in the resolution
func (r *ResLevel) NumPrecincts() int {
	return r.NumPrecX * r.NumPrecY
}

// Band is one subband and its code-block partition
type Band struct {
	Orient         Subband
	X0, Y0, X1, Y1 int
	OffX, OffY     int // position inside the component buffer
	Level          int // decomposition levels above the finest, for norms
	Expn, Mant     int
	Mb             int     // magnitude bit-planes, G + expn - 1
	Step           float64 // quantization step size
	CbW, CbH       int     // code-block exponents inside this band
	CblkNX, CblkNY int
	Cblks          []*Cblk
	Precincts      []*Precinct
}

// Empty reports whether the band holds no coefficients
func (b *Band) Empty() bool {
	return b.X0 >= b.X1 || b.Y0 >= b.Y1
}

// Cblk is one code-block with the state both tier-1 and tier-2 carry
// across layers
type Cblk struct {
	X0, Y0, X1, Y1 int

	lblock      int
	included    bool
	nonzerobits int
	npasses     int

	// decoder
	segs []segment

	// encoder
	passes      []passRecord
	data        []byte
	layerPasses []int // cumulative passes included after each layer
}

// Width returns the code-block width
func (cb *Cblk) Width() int {
	return cb.X1 - cb.X0
}

// Height returns the code-block height
func (cb *Cblk) Height() int {
	return cb.Y1 - cb.Y0
}

// segment is one codeword segment received by the decoder
type segment struct {
	data    []byte
	npasses int
}

// passRecord is the encoder's per-pass rate and distortion
type passRecord struct {
	rate  int     // bytes to decode this pass
	disto float64 // cumulative weighted distortion reduction
	term  bool    // the coder was terminated after this pass
	tail  []byte  // termination bytes when not terminated
}

// Precinct groups the code-blocks of one band that share a packet
type Precinct struct {
	XI0, YI0, XI1, YI1 int // code-block index box within the band
	incl, zero         *TagTree
}

// NumCblks returns the number of code-blocks in the precinct
func (p *Precinct) NumCblks() int {
	return (p.XI1 - p.XI0) * (p.YI1 - p.YI0)
}

// newTile builds the full geometry of tile idx
func newTile(siz *SIZMarker, idx int, tc *tileCoding) (*Tile, error) {
	t := &Tile{Index: idx, coding: tc}
	t.X0, t.Y0, t.X1, t.Y1 = siz.TileBounds(idx)
	for c := range siz.Components {
		comp, err := newComponent(siz, t, c)
		if err != nil {
			return nil, fmt.Errorf("tile %d component %d: %w", idx, c, err)
		}
		t.Components = append(t.Components, comp)
	}
	return t, nil
}

func newComponent(siz *SIZMarker, t *Tile, c int) (*Component, error) {
	info := siz.Components[c]
	comp := &Component{
		Index:    c,
		X0:       ceilDiv(t.X0, info.XRsiz),
		Y0:       ceilDiv(t.Y0, info.YRsiz),
		X1:       ceilDiv(t.X1, info.XRsiz),
		Y1:       ceilDiv(t.Y1, info.YRsiz),
		Info:     info,
		Style:    t.coding.Styles[c],
		Quant:    t.coding.Quants[c],
		ROIShift: t.coding.ROIShift[c],
	}

	n := comp.Width() * comp.Height()
	if n > maxTileSamples {
		return nil, fmt.Errorf("%w: %d samples in one tile-component", ErrUnsupportedFeature, n)
	}
	if comp.Style.Transform == TransformReversible53 {
		comp.idata = make([]int32, n)
	} else {
		comp.fdata = make([]float32, n)
	}

	nl := comp.Style.DecompLevels
	for r := 0; r <= nl; r++ {
		rl, err := newResLevel(comp, r)
		if err != nil {
			return nil, err
		}
		comp.Levels = append(comp.Levels, rl)
	}
	return comp, nil
}

func newResLevel(comp *Component, r int) (*ResLevel, error) {
	nl := comp.Style.DecompLevels
	rl := &ResLevel{
		Index: r,
		X0:    ceilDivPow2(comp.X0, nl-r),
		Y0:    ceilDivPow2(comp.Y0, nl-r),
		X1:    ceilDivPow2(comp.X1, nl-r),
		Y1:    ceilDivPow2(comp.Y1, nl-r),
	}
	rl.PPx, rl.PPy = comp.Style.PrecinctExp(r)
	if r > 0 && (rl.PPx == 0 || rl.PPy == 0) {
		return nil, fmt.Errorf("%w: precinct exponent 0 at resolution %d", ErrInvalidCOD, r)
	}
	if rl.X1 > rl.X0 && rl.Y1 > rl.Y0 {
		rl.NumPrecX = ceilDivPow2(rl.X1, rl.PPx) - rl.X0>>rl.PPx
		rl.NumPrecY = ceilDivPow2(rl.Y1, rl.PPy) - rl.Y0>>rl.PPy
	}

	orients := []Subband{SubbandHL, SubbandLH, SubbandHH}
	if r == 0 {
		orients = []Subband{SubbandLL}
	}
	for _, o := range orients {
		b, err := newBand(comp, rl, o)
		if err != nil {
			return nil, err
		}
		rl.Bands = append(rl.Bands, b)
	}
	return rl, nil
}

func newBand(comp *Component, rl *ResLevel, o Subband) (*Band, error) {
	nl := comp.Style.DecompLevels
	r := rl.Index
	b := &Band{Orient: o, Level: nl - r}

	// B-15: band coordinates on the tile-component
	nb := nl
	if r > 0 {
		nb = nl - r + 1
	}
	xob, yob := o.offsets()
	b.X0 = ceilDivPow2(comp.X0-(xob<<nb>>1), nb)
	b.Y0 = ceilDivPow2(comp.Y0-(yob<<nb>>1), nb)
	b.X1 = ceilDivPow2(comp.X1-(xob<<nb>>1), nb)
	b.Y1 = ceilDivPow2(comp.Y1-(yob<<nb>>1), nb)

	if r > 0 {
		prev := comp.Levels[r-1]
		if xob == 1 {
			b.OffX = prev.X1 - prev.X0
		}
		if yob == 1 {
			b.OffY = prev.Y1 - prev.Y0
		}
	}

	expn, mant, ok := comp.Quant.StepSize(bandIndex(r, o), r)
	if !ok {
		return nil, fmt.Errorf("%w: no step size for band %d", ErrInvalidQCD, bandIndex(r, o))
	}
	b.Expn, b.Mant = expn, mant
	b.Mb = comp.Quant.GuardBits + expn - 1
	rb := comp.Info.Precision
	if comp.Style.Transform == TransformReversible53 {
		rb += o.gain()
	}
	b.Step = bandStep(expn, mant, rb)

	// precinct and code-block exponents in band coordinates
	pbx, pby := rl.PPx, rl.PPy
	if r > 0 {
		pbx, pby = pbx-1, pby-1
	}
	b.CbW = min(comp.Style.CodeBlockWidthExp, pbx)
	b.CbH = min(comp.Style.CodeBlockHeightExp, pby)

	if b.Empty() {
		b.Precincts = make([]*Precinct, rl.NumPrecincts())
		for i := range b.Precincts {
			b.Precincts[i] = &Precinct{incl: NewTagTree(0, 0), zero: NewTagTree(0, 0)}
		}
		return b, nil
	}

	cbx0, cby0 := b.X0>>b.CbW, b.Y0>>b.CbH
	b.CblkNX = ceilDivPow2(b.X1, b.CbW) - cbx0
	b.CblkNY = ceilDivPow2(b.Y1, b.CbH) - cby0
	b.Cblks = make([]*Cblk, 0, b.CblkNX*b.CblkNY)
	for j := 0; j < b.CblkNY; j++ {
		for i := 0; i < b.CblkNX; i++ {
			b.Cblks = append(b.Cblks, &Cblk{
				X0:     max((cbx0+i)<<b.CbW, b.X0),
				Y0:     max((cby0+j)<<b.CbH, b.Y0),
				X1:     min((cbx0+i+1)<<b.CbW, b.X1),
				Y1:     min((cby0+j+1)<<b.CbH, b.Y1),
				lblock: 3,
			})
		}
	}

	px0, py0 := rl.X0>>rl.PPx, rl.Y0>>rl.PPy
	for py := 0; py < rl.NumPrecY; py++ {
		for px := 0; px < rl.NumPrecX; px++ {
			p := &Precinct{}
			p.XI0, p.XI1 = precinctRange(b.X0, b.X1, (px0+px)<<pbx, pbx, b.CbW)
			p.YI0, p.YI1 = precinctRange(b.Y0, b.Y1, (py0+py)<<pby, pby, b.CbH)
			p.incl = NewTagTree(p.XI1-p.XI0, p.YI1-p.YI0)
			p.zero = NewTagTree(p.XI1-p.XI0, p.YI1-p.YI0)
			b.Precincts = append(b.Precincts, p)
		}
	}
	return b, nil
}

// precinctRange maps the precinct span [start, start+2^pexp) onto code-block
// indices of a band spanning [lo, hi)
func precinctRange(lo, hi, start, pexp, cbexp int) (int, int) {
	a, z := max(start, lo), min(start+(1<<pexp), hi)
	if a >= z {
		return 0, 0
	}
	base := lo >> cbexp
	return a>>cbexp - base, ceilDivPow2(z, cbexp) - base
}

// cblkAt returns the code-block at index (xi, yi) of the band
func (b *Band) cblkAt(xi, yi int) *Cblk {
	return b.Cblks[yi*b.CblkNX+xi]
}
