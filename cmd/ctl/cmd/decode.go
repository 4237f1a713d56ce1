package cmd

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"

	"github.com/jpfielding/jpeg2k.go/pkg/compress/jpeg2k"
	"github.com/jpfielding/jpeg2k.go/pkg/util"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// NewDecodeCmd reconstructs a J2K codestream or JP2 file
func NewDecodeCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "decode JPEG 2000 to PNG or raw samples",
		Long:  "decode a J2K codestream or JP2 file to PNG or interleaved raw samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			inPath, _ := f.GetString("in")
			outPath, _ := f.GetString("out")
			format, _ := f.GetString("format")
			opts := &jpeg2k.DecodeOptions{Logger: slog.Default()}
			opts.Layers, _ = f.GetInt("layers")
			opts.Reduce, _ = f.GetInt("reduce")

			in, err := openInput(inPath)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(in)
			in.Close()
			if err != nil {
				return fmt.Errorf("failed to read input: %v", err)
			}

			img, err := jpeg2k.DecodeBytes(cmd.Context(), data, opts)
			switch {
			case errors.Is(err, jpeg2k.ErrMissingEOC) && img != nil:
				slog.WarnContext(ctx, "truncated codestream, writing partial image", slog.Any("error", err))
			case err != nil:
				return err
			}

			out, err := createOutput(cmd, outPath)
			if err != nil {
				return err
			}
			defer out.Close()
			switch format {
			case "raw":
				if _, err := out.Write(img.Interleaved()); err != nil {
					return err
				}
			case "png":
				std, err := img.ToImage()
				if err != nil {
					return err
				}
				if err := png.Encode(out, std); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown output format %q", format)
			}

			pix := lo.Map(img.Planes, func(p jpeg2k.Plane, _ int) []int32 { return p.Pix })
			slog.InfoContext(ctx, "decoded",
				slog.Int("width", img.Width),
				slog.Int("height", img.Height),
				slog.Int("components", len(img.Planes)),
				slog.Int("tiles", img.Stats.Tiles),
				slog.Int("segsym_mismatches", img.Stats.SegSymMismatches),
				slog.String("fingerprint", util.SamplesFingerprint(pix...).String()),
			)
			for _, c := range img.Comments {
				slog.InfoContext(ctx, "comment", slog.String("text", c))
			}
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("in", "i", "-", "J2K or JP2 input, - for stdin")
	pf.StringP("out", "o", "-", "output path, - for stdout")
	pf.StringP("format", "f", "png", "output format (png|raw)")
	pf.Int("layers", 0, "quality layers to apply, 0 for all")
	pf.Int("reduce", 0, "resolution levels to discard")
	return cmd
}
