package jpeg2k

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
)

// Format selects the container written by the encoder
type Format int

const (
	FormatJ2K Format = iota // raw codestream
	FormatJP2               // JP2 file format boxes around the codestream
)

// String returns the conventional file extension of the format
func (f Format) String() string {
	switch f {
	case FormatJ2K:
		return "j2k"
	case FormatJP2:
		return "jp2"
	default:
		return "unknown"
	}
}

// Options configures JPEG 2000 encoding
type Options struct {
	DecompLevels    int              // Number of DWT decomposition levels (default: 5)
	CodeBlockWidth  int              // Code-block width in samples, power of two (default: 64)
	CodeBlockHeight int              // Code-block height in samples, power of two (default: 64)
	PrecinctWidth   int              // log2 precinct width (default: 15, no partition)
	PrecinctHeight  int              // log2 precinct height (default: 15, no partition)
	Transform       TransformType    // 5/3 reversible or 9/7 irreversible
	NumLayers       int              // Number of quality layers (default: 1)
	Quality         float64          // Rate-distortion slope of the last layer, 0 keeps every pass
	LayerQualities  []float64        // Optional per-layer slopes, coarsest first
	TileWidth       int              // Tile width (0 = single tile)
	TileHeight      int              // Tile height (0 = single tile)
	Progression     ProgressionOrder // Progression order, only LRCP
	UseMCT          bool             // Use multi-component transform for RGB
	CodeBlockStyle  byte             // CodeBlock* style flags
	SOP             bool             // Emit SOP before every packet
	EPH             bool             // Emit EPH after every packet header
	GuardBits       int              // Minimum guard bits (default: 2)
	Comment         string           // Latin-1 COM marker text
	Format          Format           // Output container
	Workers         int              // Parallel tile pipelines (0 = GOMAXPROCS)
	Logger          *slog.Logger     // Defaults to slog.Default()
}

// DefaultOptions returns default encoding options
func DefaultOptions() *Options {
	return &Options{
		DecompLevels:    5,
		CodeBlockWidth:  64,
		CodeBlockHeight: 64,
		PrecinctWidth:   15,
		PrecinctHeight:  15,
		Transform:       TransformReversible53,
		NumLayers:       1,
		Progression:     ProgressionLRCP,
		UseMCT:          true,
		GuardBits:       2,
	}
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate reports the first inconsistent option
func (o *Options) Validate() error {
	switch {
	case o.DecompLevels < 0 || o.DecompLevels > 10:
		return fmt.Errorf("%w: %d decomposition levels", ErrInvalidOptions, o.DecompLevels)
	case !isPow2(o.CodeBlockWidth) || !isPow2(o.CodeBlockHeight) ||
		o.CodeBlockWidth < 4 || o.CodeBlockHeight < 4 ||
		o.CodeBlockWidth > 1024 || o.CodeBlockHeight > 1024 ||
		o.CodeBlockWidth*o.CodeBlockHeight > 4096:
		return fmt.Errorf("%w: code-block %dx%d", ErrInvalidOptions, o.CodeBlockWidth, o.CodeBlockHeight)
	case o.PrecinctWidth < 1 || o.PrecinctWidth > 15 || o.PrecinctHeight < 1 || o.PrecinctHeight > 15:
		return fmt.Errorf("%w: precinct exponents %dx%d", ErrInvalidOptions, o.PrecinctWidth, o.PrecinctHeight)
	case o.Transform > TransformReversible53:
		return fmt.Errorf("%w: transform %d", ErrInvalidOptions, o.Transform)
	case o.NumLayers < 1 || o.NumLayers > 65535:
		return fmt.Errorf("%w: %d layers", ErrInvalidOptions, o.NumLayers)
	case o.Quality < 0:
		return fmt.Errorf("%w: quality %g", ErrInvalidOptions, o.Quality)
	case len(o.LayerQualities) != 0 && len(o.LayerQualities) != o.NumLayers:
		return fmt.Errorf("%w: %d layer qualities for %d layers", ErrInvalidOptions, len(o.LayerQualities), o.NumLayers)
	case o.TileWidth < 0 || o.TileHeight < 0:
		return fmt.Errorf("%w: tile %dx%d", ErrInvalidOptions, o.TileWidth, o.TileHeight)
	case o.Progression != ProgressionLRCP:
		return fmt.Errorf("%w: progression %s", ErrInvalidOptions, o.Progression)
	case o.CodeBlockStyle&^0x3F != 0:
		return fmt.Errorf("%w: code-block style 0x%02X", ErrInvalidOptions, o.CodeBlockStyle)
	case o.GuardBits < 0 || o.GuardBits > maxGuardBits:
		return fmt.Errorf("%w: %d guard bits", ErrInvalidOptions, o.GuardBits)
	case o.Format != FormatJ2K && o.Format != FormatJP2:
		return fmt.Errorf("%w: format %d", ErrInvalidOptions, o.Format)
	case o.Workers < 0:
		return fmt.Errorf("%w: %d workers", ErrInvalidOptions, o.Workers)
	}
	for i, q := range o.LayerQualities {
		if q < 0 {
			return fmt.Errorf("%w: layer %d quality %g", ErrInvalidOptions, i, q)
		}
	}
	return nil
}

// Encode writes an image to JPEG 2000 format
func Encode(w io.Writer, img image.Image, opts *Options) error {
	src, err := FromImage(img)
	if err != nil {
		return err
	}
	return EncodeImage(context.Background(), w, src, opts)
}

// EncodeImage writes a planar image to JPEG 2000 format
func EncodeImage(ctx context.Context, w io.Writer, img *Image, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	e, err := newEncoder(img, opts)
	if err != nil {
		return err
	}
	cs, err := e.encode(ctx)
	if err != nil {
		return err
	}
	if opts.Format == FormatJP2 {
		cs = WrapJP2(cs, img)
	}
	_, err = w.Write(cs)
	return err
}

// DecodeOptions controls how much of a codestream is reconstructed
type DecodeOptions struct {
	Layers int          // quality layers to apply, 0 = all
	Reduce int          // resolution levels to discard
	Logger *slog.Logger // Defaults to slog.Default()
}

// codestream strips the JP2 boxes when present
func codestream(data []byte) ([]byte, error) {
	if IsJP2(data) {
		return findCodestream(data)
	}
	return data, nil
}

// DecodeBytes decodes a J2K codestream or JP2 file into planes. When the
// stream ends before EOC the tiles that arrived whole are returned together
// with an error wrapping ErrMissingEOC.
func DecodeBytes(ctx context.Context, data []byte, opts *DecodeOptions) (*Image, error) {
	cs, err := codestream(data)
	if err != nil {
		return nil, err
	}
	return newDecoder(cs, opts).decode(ctx)
}

// Decode reads a JPEG 2000 image
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	img, err := DecodeBytes(context.Background(), data, nil)
	if img == nil {
		return nil, err
	}
	out, cerr := img.ToImage()
	if cerr != nil {
		return nil, cerr
	}
	return out, err
}

// DecodeConfig returns the image configuration without decoding
func DecodeConfig(r io.Reader) (image.Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return image.Config{}, err
	}
	cs, err := codestream(data)
	if err != nil {
		return image.Config{}, err
	}
	d := newDecoder(cs, nil)
	if err := d.readHeader(NewByteReader(cs)); err != nil {
		return image.Config{}, err
	}

	s := d.siz
	deep := false
	for _, c := range s.Components {
		deep = deep || c.Precision > 8
	}
	var model color.Model
	switch {
	case len(s.Components) == 1 && deep:
		model = color.Gray16Model
	case len(s.Components) == 1:
		model = color.GrayModel
	case len(s.Components) == 3 && deep:
		model = color.RGBA64Model
	case len(s.Components) == 3:
		model = color.RGBAModel
	case deep:
		model = color.NRGBA64Model
	default:
		model = color.NRGBAModel
	}
	return image.Config{
		Width:      int(s.XSiz - s.XOsiz),
		Height:     int(s.YSiz - s.YOsiz),
		ColorModel: model,
	}, nil
}

// TileInfo summarizes the tile-parts received for one tile
type TileInfo struct {
	Index          int
	X0, Y0, X1, Y1 int
	Parts          int
	Bytes          int
}

// StreamInfo describes a codestream without decoding it
type StreamInfo struct {
	JP2      bool
	SIZ      *SIZMarker
	COD      *CODMarker
	QCD      *QCDMarker
	Markers  []MarkerInfo
	Tiles    []TileInfo
	Comments []string
	Complete bool // EOC was reached
}

// Inspect walks the markers of a J2K or JP2 stream. A missing EOC is
// reported through Complete rather than as an error; other stream errors
// are returned together with what was read before them.
func Inspect(data []byte) (*StreamInfo, error) {
	cs, err := codestream(data)
	if err != nil {
		return nil, err
	}
	d := newDecoder(cs, nil)
	perr := d.parse()
	if d.siz == nil {
		return nil, perr
	}
	if errors.Is(perr, ErrMissingEOC) {
		perr = nil
	}
	info := &StreamInfo{
		JP2:      IsJP2(data),
		SIZ:      d.siz,
		COD:      d.main.cod,
		QCD:      d.main.qcd,
		Markers:  d.marks,
		Comments: d.notes,
		Complete: d.gotEOC,
	}
	for i, ts := range d.tiles {
		if ts == nil {
			continue
		}
		ti := TileInfo{Index: i, Parts: ts.parts, Bytes: len(ts.data)}
		ti.X0, ti.Y0, ti.X1, ti.Y1 = d.siz.TileBounds(i)
		info.Tiles = append(info.Tiles, ti)
	}
	return info, perr
}

// Register format with image package
func init() {
	image.RegisterFormat("j2k", "\xff\x4f\xff\x51", Decode, DecodeConfig)
	image.RegisterFormat("jp2", string(jp2Signature), Decode, DecodeConfig)
}
