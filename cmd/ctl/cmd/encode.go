package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jpfielding/jpeg2k.go/pkg/compress/jpeg2k"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// codeBlockStyles maps the --style names onto COD code-block style flags
var codeBlockStyles = map[string]byte{
	"bypass":  jpeg2k.CodeBlockSelectiveBypass,
	"reset":   jpeg2k.CodeBlockResetContext,
	"termall": jpeg2k.CodeBlockTermOnPass,
	"vsc":     jpeg2k.CodeBlockVerticalCausal,
	"pterm":   jpeg2k.CodeBlockPredictableTermination,
	"segsym":  jpeg2k.CodeBlockSegmentationSymbols,
}

// parseStyles folds a list of style names into flags
func parseStyles(names []string) (byte, error) {
	names = lo.Uniq(lo.Map(names, func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	}))
	names = lo.Filter(names, func(s string, _ int) bool { return s != "" })
	if bad := lo.Filter(names, func(s string, _ int) bool {
		_, ok := codeBlockStyles[s]
		return !ok
	}); len(bad) > 0 {
		return 0, fmt.Errorf("unknown code-block style(s): %s", strings.Join(bad, ","))
	}
	return lo.Reduce(names, func(acc byte, s string, _ int) byte {
		return acc | codeBlockStyles[s]
	}, 0), nil
}

// formatFor picks the container from a flag or the output extension
func formatFor(flag, out string) (jpeg2k.Format, error) {
	if flag == "" {
		flag = lo.Ternary(strings.EqualFold(filepath.Ext(out), ".jp2"), "jp2", "j2k")
	}
	switch strings.ToLower(flag) {
	case "j2k", "j2c":
		return jpeg2k.FormatJ2K, nil
	case "jp2":
		return jpeg2k.FormatJP2, nil
	default:
		return 0, fmt.Errorf("unknown format %q", flag)
	}
}

// NewEncodeCmd converts a PNG, JPEG or GIF into JPEG 2000
func NewEncodeCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "encode PNG/JPEG/GIF to JPEG 2000",
		Long:  "encode PNG/JPEG/GIF to a J2K codestream or JP2 file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			inPath, _ := f.GetString("in")
			outPath, _ := f.GetString("out")

			opts := jpeg2k.DefaultOptions()
			opts.Logger = slog.Default()
			opts.DecompLevels, _ = f.GetInt("levels")
			opts.CodeBlockWidth, _ = f.GetInt("cblk-width")
			opts.CodeBlockHeight, _ = f.GetInt("cblk-height")
			opts.PrecinctWidth, _ = f.GetInt("precinct-width")
			opts.PrecinctHeight, _ = f.GetInt("precinct-height")
			opts.NumLayers, _ = f.GetInt("layers")
			opts.Quality, _ = f.GetFloat64("quality")
			opts.LayerQualities, _ = f.GetFloat64Slice("layer-quality")
			opts.TileWidth, _ = f.GetInt("tile-width")
			opts.TileHeight, _ = f.GetInt("tile-height")
			opts.UseMCT, _ = f.GetBool("mct")
			opts.SOP, _ = f.GetBool("sop")
			opts.EPH, _ = f.GetBool("eph")
			opts.GuardBits, _ = f.GetInt("guard-bits")
			opts.Comment, _ = f.GetString("comment")
			opts.Workers, _ = f.GetInt("workers")

			if lossy, _ := f.GetBool("lossy"); lossy {
				opts.Transform = jpeg2k.TransformIrreversible97
			}
			styles, _ := f.GetStringSlice("style")
			var err error
			if opts.CodeBlockStyle, err = parseStyles(styles); err != nil {
				return err
			}
			format, _ := f.GetString("format")
			if opts.Format, err = formatFor(format, outPath); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			in, err := openInput(inPath)
			if err != nil {
				return err
			}
			defer in.Close()
			src, kind, err := image.Decode(in)
			if err != nil {
				return fmt.Errorf("failed to decode input: %v", err)
			}
			img, err := jpeg2k.FromImage(src)
			if err != nil {
				return err
			}

			out, err := createOutput(cmd, outPath)
			if err != nil {
				return err
			}
			defer out.Close()
			if err := jpeg2k.EncodeImage(cmd.Context(), out, img, opts); err != nil {
				return err
			}
			slog.InfoContext(ctx, "encoded",
				slog.String("input", kind),
				slog.String("format", opts.Format.String()),
				slog.Int("width", img.Width),
				slog.Int("height", img.Height),
				slog.Int("components", len(img.Planes)),
				slog.String("transform", opts.Transform.String()),
			)
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("in", "i", "-", "input image (PNG, JPEG or GIF), - for stdin")
	pf.StringP("out", "o", "-", "output path, - for stdout")
	pf.StringP("format", "f", "", "container (j2k|jp2), defaults from the output extension")
	pf.Int("levels", 5, "wavelet decomposition levels")
	pf.Int("cblk-width", 64, "code-block width")
	pf.Int("cblk-height", 64, "code-block height")
	pf.Int("precinct-width", 15, "log2 precinct width")
	pf.Int("precinct-height", 15, "log2 precinct height")
	pf.Int("layers", 1, "quality layers")
	pf.Float64("quality", 0, "rate-distortion slope of the final layer, 0 is lossless for 5/3")
	pf.Float64Slice("layer-quality", nil, "per-layer slopes, coarsest first")
	pf.Int("tile-width", 0, "tile width, 0 for a single tile")
	pf.Int("tile-height", 0, "tile height, 0 for a single tile")
	pf.Bool("lossy", false, "use the irreversible 9/7 transform")
	pf.Bool("mct", true, "apply the component transform to RGB")
	pf.StringSlice("style", nil, "code-block styles (bypass,reset,termall,vsc,pterm,segsym)")
	pf.Bool("sop", false, "emit SOP marker segments")
	pf.Bool("eph", false, "emit EPH markers")
	pf.Int("guard-bits", 2, "minimum guard bits")
	pf.String("comment", "", "COM marker text")
	pf.Int("workers", 0, "parallel tile pipelines, 0 for GOMAXPROCS")
	return cmd
}
