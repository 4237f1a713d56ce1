// Package jpeg2k implements a JPEG 2000 (Part-1) codec: tier-1 bit-plane
// coding over the MQ arithmetic coder, tier-2 packetization with tag trees,
// the 5/3 and 9/7 wavelet transforms and the codestream marker layer
// (ITU-T Rec. T.800 | ISO/IEC 15444-1).
package jpeg2k

// JPEG 2000 Marker codes (ITU-T T.800 Table A.1)
const (
	// Delimiting markers
	MarkerSOC = 0xFF4F // Start of codestream
	MarkerSOT = 0xFF90 // Start of tile-part
	MarkerSOD = 0xFF93 // Start of data
	MarkerEOC = 0xFFD9 // End of codestream

	// Fixed information markers
	MarkerSIZ = 0xFF51 // Image and tile size

	// Functional markers
	MarkerCOD = 0xFF52 // Coding style default
	MarkerCOC = 0xFF53 // Coding style component
	MarkerRGN = 0xFF5E // Region of interest
	MarkerQCD = 0xFF5C // Quantization default
	MarkerQCC = 0xFF5D // Quantization component
	MarkerPOC = 0xFF5F // Progression order change

	// Pointer markers
	MarkerTLM = 0xFF55 // Tile-part lengths
	MarkerPLM = 0xFF57 // Packet length, main header
	MarkerPLT = 0xFF58 // Packet length, tile-part header
	MarkerPPM = 0xFF60 // Packed packet headers, main header
	MarkerPPT = 0xFF61 // Packed packet headers, tile-part header

	// In-bitstream markers
	MarkerSOP = 0xFF91 // Start of packet
	MarkerEPH = 0xFF92 // End of packet header

	// Informational markers
	MarkerCRG = 0xFF63 // Component registration
	MarkerCOM = 0xFF64 // Comment
)

// MarkerName returns the mnemonic of a marker code
func MarkerName(m uint16) string {
	switch m {
	case MarkerSOC:
		return "SOC"
	case MarkerSOT:
		return "SOT"
	case MarkerSOD:
		return "SOD"
	case MarkerEOC:
		return "EOC"
	case MarkerSIZ:
		return "SIZ"
	case MarkerCOD:
		return "COD"
	case MarkerCOC:
		return "COC"
	case MarkerRGN:
		return "RGN"
	case MarkerQCD:
		return "QCD"
	case MarkerQCC:
		return "QCC"
	case MarkerPOC:
		return "POC"
	case MarkerTLM:
		return "TLM"
	case MarkerPLM:
		return "PLM"
	case MarkerPLT:
		return "PLT"
	case MarkerPPM:
		return "PPM"
	case MarkerPPT:
		return "PPT"
	case MarkerSOP:
		return "SOP"
	case MarkerEPH:
		return "EPH"
	case MarkerCRG:
		return "CRG"
	case MarkerCOM:
		return "COM"
	default:
		return "Unknown"
	}
}

// ProgressionOrder defines the progression order for JPEG 2000 codestream
type ProgressionOrder byte

const (
	ProgressionLRCP ProgressionOrder = 0 // Layer-Resolution-Component-Position
	ProgressionRLCP ProgressionOrder = 1 // Resolution-Layer-Component-Position
	ProgressionRPCL ProgressionOrder = 2 // Resolution-Position-Component-Layer
	ProgressionPCRL ProgressionOrder = 3 // Position-Component-Resolution-Layer
	ProgressionCPRL ProgressionOrder = 4 // Component-Position-Resolution-Layer
)

// String returns the progression order name
func (p ProgressionOrder) String() string {
	switch p {
	case ProgressionLRCP:
		return "LRCP"
	case ProgressionRLCP:
		return "RLCP"
	case ProgressionRPCL:
		return "RPCL"
	case ProgressionPCRL:
		return "PCRL"
	case ProgressionCPRL:
		return "CPRL"
	default:
		return "Unknown"
	}
}

// Scod flags (ITU-T T.800 Table A.13)
const (
	CodingStylePrecinctsUser = 0x01 // Custom precinct sizes
	CodingStyleSOPMarker     = 0x02 // SOP marker segments used
	CodingStyleEPHMarker     = 0x04 // EPH marker segments used
)

// CodeBlockStyle flags (ITU-T T.800 Table A.19)
const (
	CodeBlockSelectiveBypass        = 0x01 // Selective arithmetic coding bypass
	CodeBlockResetContext           = 0x02 // Reset context on coding pass boundary
	CodeBlockTermOnPass             = 0x04 // Termination on each coding pass
	CodeBlockVerticalCausal         = 0x08 // Vertically causal context
	CodeBlockPredictableTermination = 0x10 // Predictable termination
	CodeBlockSegmentationSymbols    = 0x20 // Segmentation symbols used
)

// Quantization styles (ITU-T T.800 Table A.28)
const (
	QuantNone      = 0 // reversible, exponents only
	QuantDerived   = 1 // scalar derived from the LL step size
	QuantExpounded = 2 // scalar, one step size per subband
)

// TransformType identifies the wavelet transform type
type TransformType byte

const (
	TransformIrreversible97 TransformType = 0 // 9/7 irreversible (lossy)
	TransformReversible53   TransformType = 1 // 5/3 reversible (lossless)
)

// String returns the filter name
func (t TransformType) String() string {
	switch t {
	case TransformIrreversible97:
		return "9/7"
	case TransformReversible53:
		return "5/3"
	default:
		return "Unknown"
	}
}

// ComponentInfo holds component-specific information from SIZ marker
type ComponentInfo struct {
	Precision int  // Bit depth (1-16 supported)
	Signed    bool // True if signed samples
	XRsiz     int  // Horizontal sample separation
	YRsiz     int  // Vertical sample separation
}

// SIZMarker holds image and tile size parameters (ITU-T T.800 A.5.1)
type SIZMarker struct {
	Rsiz       uint16          // Capabilities required
	XSiz       uint32          // Reference grid width
	YSiz       uint32          // Reference grid height
	XOsiz      uint32          // Horizontal offset
	YOsiz      uint32          // Vertical offset
	XTsiz      uint32          // Tile width
	YTsiz      uint32          // Tile height
	XTOsiz     uint32          // Tile horizontal offset
	YTOsiz     uint32          // Tile vertical offset
	Components []ComponentInfo // Per-component info
}

// NumXTiles returns the number of tiles horizontally
func (s *SIZMarker) NumXTiles() int {
	return ceilDiv(int(s.XSiz-s.XTOsiz), int(s.XTsiz))
}

// NumYTiles returns the number of tiles vertically
func (s *SIZMarker) NumYTiles() int {
	return ceilDiv(int(s.YSiz-s.YTOsiz), int(s.YTsiz))
}

// NumTiles returns the total number of tiles
func (s *SIZMarker) NumTiles() int {
	return s.NumXTiles() * s.NumYTiles()
}

// TileBounds returns the reference grid rectangle of tile t (B.3)
func (s *SIZMarker) TileBounds(t int) (x0, y0, x1, y1 int) {
	p, q := t%s.NumXTiles(), t/s.NumXTiles()
	x0 = max(int(s.XTOsiz)+p*int(s.XTsiz), int(s.XOsiz))
	y0 = max(int(s.YTOsiz)+q*int(s.YTsiz), int(s.YOsiz))
	x1 = min(int(s.XTOsiz)+(p+1)*int(s.XTsiz), int(s.XSiz))
	y1 = min(int(s.YTOsiz)+(q+1)*int(s.YTsiz), int(s.YSiz))
	return x0, y0, x1, y1
}

// CodingStyle carries the component-specific part of COD and COC (SPcod/SPcoc)
type CodingStyle struct {
	Scod               byte          // only CodingStylePrecinctsUser is per component
	DecompLevels       int           // Number of decomposition levels
	CodeBlockWidthExp  int           // log2 of code-block width
	CodeBlockHeightExp int           // log2 of code-block height
	CodeBlockStyle     byte          // Code-block style flags
	Transform          TransformType // Wavelet transform type
	PrecinctSizes      []byte        // PPx | PPy<<4 per resolution (if Scod & 0x01)
}

// CodeBlockWidth returns the nominal code-block width
func (c *CodingStyle) CodeBlockWidth() int {
	return 1 << c.CodeBlockWidthExp
}

// CodeBlockHeight returns the nominal code-block height
func (c *CodingStyle) CodeBlockHeight() int {
	return 1 << c.CodeBlockHeightExp
}

// PrecinctExp returns the precinct size exponents of resolution r.
// Without user precincts the maximum 2^15 applies.
func (c *CodingStyle) PrecinctExp(r int) (ppx, ppy int) {
	if c.Scod&CodingStylePrecinctsUser == 0 || r >= len(c.PrecinctSizes) {
		return 15, 15
	}
	return int(c.PrecinctSizes[r] & 0x0F), int(c.PrecinctSizes[r] >> 4)
}

// CODMarker holds coding style default parameters (ITU-T T.800 A.6.1)
type CODMarker struct {
	Scod        byte             // Coding style
	Progression ProgressionOrder // Progression order
	NumLayers   uint16           // Number of quality layers
	MCT         byte             // Multiple component transform (0=none, 1=RCT/ICT)
	Style       CodingStyle
}

// COCMarker overrides the coding style of one component (A.6.2)
type COCMarker struct {
	Component int
	Style     CodingStyle
}

// Quantization holds Sqcd/SPqcd for one component
type Quantization struct {
	Style     int   // QuantNone, QuantDerived or QuantExpounded
	GuardBits int   // Number of guard bits
	Exponents []int // per subband, or only LL for QuantDerived
	Mantissas []int // 11-bit mantissas, unused for QuantNone
}

// StepSize returns the exponent and mantissa of subband index b, where b
// counts LL first then HL, LH, HH per resolution from coarsest to finest.
// Derived quantization scales the LL exponent by the band's level.
func (q *Quantization) StepSize(b, r int) (expn, mant int, ok bool) {
	if q.Style == QuantDerived {
		if len(q.Exponents) == 0 {
			return 0, 0, false
		}
		return q.Exponents[0] - max(r-1, 0), q.Mantissas[0], true
	}
	if b >= len(q.Exponents) {
		return 0, 0, false
	}
	if q.Style == QuantNone {
		return q.Exponents[b], 0, true
	}
	return q.Exponents[b], q.Mantissas[b], true
}

// QCDMarker holds quantization default parameters (ITU-T T.800 A.6.4)
type QCDMarker struct {
	Quantization
}

// QCCMarker overrides the quantization of one component (A.6.5)
type QCCMarker struct {
	Component int
	Quantization
}

// RGNMarker holds a region-of-interest shift (A.6.3). Only the implicit
// max-shift style (Srgn = 0) exists in Part-1.
type RGNMarker struct {
	Component int
	Style     byte
	Shift     int
}

// SOTMarker holds tile-part header parameters (ITU-T T.800 A.4.2)
type SOTMarker struct {
	TileIndex    uint16 // Tile index
	TilePartLen  uint32 // Length of tile-part from the SOT marker, 0 = until EOC
	TilePartIdx  byte   // Tile-part index
	NumTileParts byte   // Number of tile-parts (0 = not specified)
}

// COMMarker holds comment data (ITU-T T.800 A.9.2)
type COMMarker struct {
	Registration uint16 // Registration value (0=binary, 1=Latin-1)
	Data         []byte // Comment data
}

// Subband identifies a subband in the DWT decomposition
type Subband int

const (
	SubbandLL Subband = 0 // Low-Low (approximation)
	SubbandHL Subband = 1 // High-Low (horizontal detail)
	SubbandLH Subband = 2 // Low-High (vertical detail)
	SubbandHH Subband = 3 // High-High (diagonal detail)
)

// String returns the subband name
func (s Subband) String() string {
	switch s {
	case SubbandLL:
		return "LL"
	case SubbandHL:
		return "HL"
	case SubbandLH:
		return "LH"
	case SubbandHH:
		return "HH"
	default:
		return "Unknown"
	}
}

// gain is log2 of the nominal subband gain (Table E.1)
func (s Subband) gain() int {
	switch s {
	case SubbandHL, SubbandLH:
		return 1
	case SubbandHH:
		return 2
	}
	return 0
}

// offsets returns xob, yob of the subband (B-15)
func (s Subband) offsets() (int, int) {
	return int(s) & 1, int(s) >> 1
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func ceilDivPow2(a, n int) int {
	return (a + (1 << n) - 1) >> n
}
