package jpeg2k

import (
	"fmt"
)

// Marker segments are parsed from a slice holding exactly the declared
// Lxxx-2 bytes. A segment parser that does not consume every byte reports
// the stream as malformed.

const (
	maxDecompLevels = 32
	maxPrecision    = 16
)

// readSegment reads the length field of the marker at the current
// position and returns its body
func readSegment(br *ByteReader, marker uint16) ([]byte, error) {
	at := br.Pos()
	l, err := br.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%s length at offset %d: %w", MarkerName(marker), at, err)
	}
	if l < 2 {
		return nil, fmt.Errorf("%w: %s length %d at offset %d", ErrInvalidMarker, MarkerName(marker), l, at)
	}
	body, err := br.ReadBytes(int(l) - 2)
	if err != nil {
		return nil, fmt.Errorf("%w: %s declares %d bytes at offset %d", ErrInvalidMarker, MarkerName(marker), l, at)
	}
	return body, nil
}

// segmentDone checks that a parser consumed its whole segment
func segmentDone(r *ByteReader, marker uint16, base error) error {
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %s declares %d bytes, consumed %d", base, MarkerName(marker), r.Len()+2, r.Pos()+2)
	}
	return nil
}

// parseSIZ reads the SIZ marker segment
func parseSIZ(body []byte) (*SIZMarker, error) {
	r := NewByteReader(body)
	siz := &SIZMarker{}
	var err error
	fail := func(err error) (*SIZMarker, error) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSIZ, err)
	}

	if siz.Rsiz, err = r.ReadUint16(); err != nil {
		return fail(err)
	}
	for _, p := range []*uint32{&siz.XSiz, &siz.YSiz, &siz.XOsiz, &siz.YOsiz, &siz.XTsiz, &siz.YTsiz, &siz.XTOsiz, &siz.YTOsiz} {
		if *p, err = r.ReadUint32(); err != nil {
			return fail(err)
		}
	}
	n, err := r.ReadUint16()
	if err != nil {
		return fail(err)
	}
	switch n {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("%w: %w: %d components", ErrInvalidSIZ, ErrUnsupportedFeature, n)
	}

	siz.Components = make([]ComponentInfo, n)
	for i := range siz.Components {
		b, err := r.ReadBytes(3)
		if err != nil {
			return fail(err)
		}
		c := &siz.Components[i]
		c.Signed = b[0]&0x80 != 0
		c.Precision = int(b[0]&0x7F) + 1
		c.XRsiz = int(b[1])
		c.YRsiz = int(b[2])
		if c.Precision > maxPrecision {
			return nil, fmt.Errorf("%w: %w: component %d precision %d", ErrInvalidSIZ, ErrUnsupportedFeature, i, c.Precision)
		}
		if c.XRsiz == 0 || c.YRsiz == 0 {
			return nil, fmt.Errorf("%w: component %d subsampling %dx%d", ErrInvalidSIZ, i, c.XRsiz, c.YRsiz)
		}
	}
	if err := segmentDone(r, MarkerSIZ, ErrInvalidSIZ); err != nil {
		return nil, err
	}
	if err := siz.validate(); err != nil {
		return nil, err
	}
	return siz, nil
}

// validate checks the image and tile grid (A.5.1 constraints)
func (s *SIZMarker) validate() error {
	switch {
	case s.XSiz <= s.XOsiz || s.YSiz <= s.YOsiz:
		return fmt.Errorf("%w: empty image area %dx%d offset %d,%d", ErrInvalidSIZ, s.XSiz, s.YSiz, s.XOsiz, s.YOsiz)
	case s.XTsiz == 0 || s.YTsiz == 0:
		return fmt.Errorf("%w: zero tile size", ErrInvalidSIZ)
	case s.XTOsiz > s.XOsiz || s.YTOsiz > s.YOsiz:
		return fmt.Errorf("%w: tile offset beyond image offset", ErrInvalidSIZ)
	case uint64(s.XTOsiz)+uint64(s.XTsiz) <= uint64(s.XOsiz) || uint64(s.YTOsiz)+uint64(s.YTsiz) <= uint64(s.YOsiz):
		return fmt.Errorf("%w: first tile does not cover the image", ErrInvalidSIZ)
	case s.XSiz > 1<<31 || s.YSiz > 1<<31:
		return fmt.Errorf("%w: %w: reference grid %dx%d", ErrInvalidSIZ, ErrUnsupportedFeature, s.XSiz, s.YSiz)
	case uint64(s.NumXTiles())*uint64(s.NumYTiles()) > 65535:
		return fmt.Errorf("%w: %d tiles", ErrInvalidSIZ, s.NumTiles())
	}
	return nil
}

// parseCodingStyle reads SPcod/SPcoc
func parseCodingStyle(r *ByteReader, scod byte, cs *CodingStyle) error {
	b, err := r.ReadBytes(5)
	if err != nil {
		return err
	}
	cs.Scod = scod & CodingStylePrecinctsUser
	cs.DecompLevels = int(b[0])
	cs.CodeBlockWidthExp = int(b[1]) + 2
	cs.CodeBlockHeightExp = int(b[2]) + 2
	cs.CodeBlockStyle = b[3]
	cs.Transform = TransformType(b[4])

	switch {
	case cs.DecompLevels > maxDecompLevels:
		return fmt.Errorf("%d decomposition levels", cs.DecompLevels)
	case cs.CodeBlockWidthExp > 10 || cs.CodeBlockHeightExp > 10 || cs.CodeBlockWidthExp+cs.CodeBlockHeightExp > 12:
		return fmt.Errorf("code-block size 2^%d x 2^%d", cs.CodeBlockWidthExp, cs.CodeBlockHeightExp)
	case cs.Transform > TransformReversible53:
		return fmt.Errorf("transform %d", cs.Transform)
	case cs.CodeBlockStyle&^0x3F != 0:
		return fmt.Errorf("%w: code-block style 0x%02X", ErrUnsupportedFeature, cs.CodeBlockStyle)
	}

	cs.PrecinctSizes = nil
	if cs.Scod&CodingStylePrecinctsUser != 0 {
		p, err := r.ReadBytes(cs.DecompLevels + 1)
		if err != nil {
			return err
		}
		cs.PrecinctSizes = append([]byte(nil), p...)
		for i, v := range cs.PrecinctSizes {
			if i > 0 && (v&0x0F == 0 || v>>4 == 0) {
				return fmt.Errorf("precinct size 0x%02X at resolution %d", v, i)
			}
		}
	}
	return nil
}

// parseCOD reads the COD marker segment
func parseCOD(body []byte) (*CODMarker, error) {
	r := NewByteReader(body)
	cod := &CODMarker{}
	b, err := r.ReadBytes(5)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCOD, err)
	}
	cod.Scod = b[0]
	cod.Progression = ProgressionOrder(b[1])
	cod.NumLayers = uint16(b[2])<<8 | uint16(b[3])
	cod.MCT = b[4]

	switch {
	case cod.Progression > ProgressionCPRL:
		return nil, fmt.Errorf("%w: progression order %d", ErrInvalidCOD, cod.Progression)
	case cod.Progression != ProgressionLRCP:
		return nil, fmt.Errorf("%w: progression order %s", ErrUnsupportedFeature, cod.Progression)
	case cod.NumLayers == 0:
		return nil, fmt.Errorf("%w: zero layers", ErrInvalidCOD)
	case cod.MCT > 1:
		return nil, fmt.Errorf("%w: MCT %d", ErrInvalidCOD, cod.MCT)
	}
	if err := parseCodingStyle(r, cod.Scod, &cod.Style); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCOD, err)
	}
	if err := segmentDone(r, MarkerCOD, ErrInvalidCOD); err != nil {
		return nil, err
	}
	return cod, nil
}

// readComponentIndex reads Ccoc/Cqcc/Crgn, one byte below 257 components
func readComponentIndex(r *ByteReader, ncomp int) (int, error) {
	var c int
	if ncomp < 257 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		c = int(b)
	} else {
		v, err := r.ReadUint16()
		if err != nil {
			return 0, err
		}
		c = int(v)
	}
	if c >= ncomp {
		return 0, fmt.Errorf("component %d of %d", c, ncomp)
	}
	return c, nil
}

// parseCOC reads the COC marker segment
func parseCOC(body []byte, ncomp int) (*COCMarker, error) {
	r := NewByteReader(body)
	c, err := readComponentIndex(r, ncomp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCOD, err)
	}
	scoc, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCOD, err)
	}
	coc := &COCMarker{Component: c}
	if err := parseCodingStyle(r, scoc, &coc.Style); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCOD, err)
	}
	if err := segmentDone(r, MarkerCOC, ErrInvalidCOD); err != nil {
		return nil, err
	}
	return coc, nil
}

// parseQuantization reads Sqcd/SPqcd up to the end of the segment
func parseQuantization(r *ByteReader, q *Quantization) error {
	sqcd, err := r.ReadByte()
	if err != nil {
		return err
	}
	q.Style = int(sqcd & 0x1F)
	q.GuardBits = int(sqcd >> 5)
	q.Exponents, q.Mantissas = nil, nil

	switch q.Style {
	case QuantNone:
		if r.Remaining() == 0 {
			return fmt.Errorf("no exponents")
		}
		for r.Remaining() > 0 {
			b, _ := r.ReadByte()
			q.Exponents = append(q.Exponents, int(b>>3))
		}
	case QuantDerived, QuantExpounded:
		if r.Remaining() < 2 || r.Remaining()%2 != 0 {
			return fmt.Errorf("%d step size bytes", r.Remaining())
		}
		if q.Style == QuantDerived && r.Remaining() != 2 {
			return fmt.Errorf("derived quantization with %d step sizes", r.Remaining()/2)
		}
		for r.Remaining() > 0 {
			v, _ := r.ReadUint16()
			q.Exponents = append(q.Exponents, int(v>>11))
			q.Mantissas = append(q.Mantissas, int(v&0x7FF))
		}
	default:
		return fmt.Errorf("quantization style %d", q.Style)
	}
	return nil
}

// parseQCD reads the QCD marker segment
func parseQCD(body []byte) (*QCDMarker, error) {
	r := NewByteReader(body)
	qcd := &QCDMarker{}
	if err := parseQuantization(r, &qcd.Quantization); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQCD, err)
	}
	return qcd, nil
}

// parseQCC reads the QCC marker segment
func parseQCC(body []byte, ncomp int) (*QCCMarker, error) {
	r := NewByteReader(body)
	c, err := readComponentIndex(r, ncomp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQCD, err)
	}
	qcc := &QCCMarker{Component: c}
	if err := parseQuantization(r, &qcc.Quantization); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQCD, err)
	}
	return qcc, nil
}

// parseRGN reads the RGN marker segment
func parseRGN(body []byte, ncomp int) (*RGNMarker, error) {
	r := NewByteReader(body)
	c, err := readComponentIndex(r, ncomp)
	if err != nil {
		return nil, fmt.Errorf("%w: RGN %w", ErrInvalidMarker, err)
	}
	b, err := r.ReadBytes(2)
	if err != nil {
		return nil, fmt.Errorf("%w: RGN %w", ErrInvalidMarker, err)
	}
	if b[0] != 0 {
		return nil, fmt.Errorf("%w: RGN style %d", ErrUnsupportedFeature, b[0])
	}
	if err := segmentDone(r, MarkerRGN, ErrInvalidMarker); err != nil {
		return nil, err
	}
	return &RGNMarker{Component: c, Style: b[0], Shift: int(b[1])}, nil
}

// parseSOT reads the SOT marker segment
func parseSOT(body []byte, numTiles int) (*SOTMarker, error) {
	r := NewByteReader(body)
	sot := &SOTMarker{}
	var err error
	if sot.TileIndex, err = r.ReadUint16(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSOT, err)
	}
	if sot.TilePartLen, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSOT, err)
	}
	b, err := r.ReadBytes(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSOT, err)
	}
	sot.TilePartIdx, sot.NumTileParts = b[0], b[1]
	if err := segmentDone(r, MarkerSOT, ErrInvalidSOT); err != nil {
		return nil, err
	}
	if int(sot.TileIndex) >= numTiles {
		return nil, fmt.Errorf("%w: tile %d of %d", ErrInvalidSOT, sot.TileIndex, numTiles)
	}
	if sot.TilePartLen != 0 && sot.TilePartLen < 14 {
		return nil, fmt.Errorf("%w: Psot %d", ErrInvalidSOT, sot.TilePartLen)
	}
	return sot, nil
}

// parseCOM reads the COM marker segment
func parseCOM(body []byte) (*COMMarker, error) {
	r := NewByteReader(body)
	reg, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%w: COM %w", ErrInvalidMarker, err)
	}
	return &COMMarker{Registration: reg, Data: append([]byte(nil), body[2:]...)}, nil
}

// writeSegment writes marker, a placeholder length, the body, then patches
// the length
func writeSegment(w *ByteWriter, marker uint16, body func(w *ByteWriter)) {
	w.WriteUint16(marker)
	at := w.Len()
	w.WriteUint16(0)
	body(w)
	w.PatchUint16(at, uint16(w.Len()-at))
}

// writeSIZ writes the SIZ marker segment
func writeSIZ(w *ByteWriter, siz *SIZMarker) {
	writeSegment(w, MarkerSIZ, func(w *ByteWriter) {
		w.WriteUint16(siz.Rsiz)
		w.WriteUint32(siz.XSiz)
		w.WriteUint32(siz.YSiz)
		w.WriteUint32(siz.XOsiz)
		w.WriteUint32(siz.YOsiz)
		w.WriteUint32(siz.XTsiz)
		w.WriteUint32(siz.YTsiz)
		w.WriteUint32(siz.XTOsiz)
		w.WriteUint32(siz.YTOsiz)
		w.WriteUint16(uint16(len(siz.Components)))
		for _, c := range siz.Components {
			ssiz := byte(c.Precision - 1)
			if c.Signed {
				ssiz |= 0x80
			}
			w.WriteBytes([]byte{ssiz, byte(c.XRsiz), byte(c.YRsiz)})
		}
	})
}

func writeCodingStyle(w *ByteWriter, cs *CodingStyle) {
	w.WriteBytes([]byte{
		byte(cs.DecompLevels),
		byte(cs.CodeBlockWidthExp - 2),
		byte(cs.CodeBlockHeightExp - 2),
		cs.CodeBlockStyle,
		byte(cs.Transform),
	})
	if cs.Scod&CodingStylePrecinctsUser != 0 {
		w.WriteBytes(cs.PrecinctSizes)
	}
}

// writeCOD writes the COD marker segment
func writeCOD(w *ByteWriter, cod *CODMarker) {
	writeSegment(w, MarkerCOD, func(w *ByteWriter) {
		w.WriteBytes([]byte{cod.Scod, byte(cod.Progression)})
		w.WriteUint16(cod.NumLayers)
		w.PutByte(cod.MCT)
		writeCodingStyle(w, &cod.Style)
	})
}

func writeComponentIndex(w *ByteWriter, c, ncomp int) {
	if ncomp < 257 {
		w.PutByte(byte(c))
		return
	}
	w.WriteUint16(uint16(c))
}

// writeCOC writes the COC marker segment
func writeCOC(w *ByteWriter, coc *COCMarker, ncomp int) {
	writeSegment(w, MarkerCOC, func(w *ByteWriter) {
		writeComponentIndex(w, coc.Component, ncomp)
		w.PutByte(coc.Style.Scod & CodingStylePrecinctsUser)
		writeCodingStyle(w, &coc.Style)
	})
}

func writeQuantization(w *ByteWriter, q *Quantization) {
	w.PutByte(byte(q.GuardBits<<5 | q.Style))
	for i, e := range q.Exponents {
		if q.Style == QuantNone {
			w.PutByte(byte(e << 3))
			continue
		}
		w.WriteUint16(uint16(e<<11 | q.Mantissas[i]&0x7FF))
	}
}

// writeQCD writes the QCD marker segment
func writeQCD(w *ByteWriter, qcd *QCDMarker) {
	writeSegment(w, MarkerQCD, func(w *ByteWriter) {
		writeQuantization(w, &qcd.Quantization)
	})
}

// writeQCC writes the QCC marker segment
func writeQCC(w *ByteWriter, qcc *QCCMarker, ncomp int) {
	writeSegment(w, MarkerQCC, func(w *ByteWriter) {
		writeComponentIndex(w, qcc.Component, ncomp)
		writeQuantization(w, &qcc.Quantization)
	})
}

// writeRGN writes the RGN marker segment
func writeRGN(w *ByteWriter, rgn *RGNMarker, ncomp int) {
	writeSegment(w, MarkerRGN, func(w *ByteWriter) {
		writeComponentIndex(w, rgn.Component, ncomp)
		w.WriteBytes([]byte{rgn.Style, byte(rgn.Shift)})
	})
}

// writeCOM writes the COM marker segment
func writeCOM(w *ByteWriter, com *COMMarker) {
	writeSegment(w, MarkerCOM, func(w *ByteWriter) {
		w.WriteUint16(com.Registration)
		w.WriteBytes(com.Data)
	})
}

// writeSOT writes a tile-part header and returns the offset of Psot so
// it can be patched once the tile-part length is known
func writeSOT(w *ByteWriter, sot *SOTMarker) int {
	var psot int
	writeSegment(w, MarkerSOT, func(w *ByteWriter) {
		w.WriteUint16(sot.TileIndex)
		psot = w.Len()
		w.WriteUint32(sot.TilePartLen)
		w.WriteBytes([]byte{sot.TilePartIdx, sot.NumTileParts})
	})
	return psot
}
