package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/jpfielding/jpeg2k.go/pkg/compress/jpeg2k"
	"github.com/jpfielding/jpeg2k.go/pkg/util"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// NewInfoCmd creates the info cobra command
func NewInfoCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Analyze JPEG 2000 codestream structure",
		Long:  "Walks the markers of a J2K codestream or JP2 file and prints the image, coding and tile layout without decoding.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath, _ := cmd.Flags().GetString("file")
			format, _ := cmd.Flags().GetString("format")
			if filePath == "" && len(args) > 0 {
				filePath = args[0]
			}
			if filePath == "" {
				return fmt.Errorf("file path is required. Use --file flag or provide as argument")
			}
			in, err := openInput(filePath)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(in)
			in.Close()
			if err != nil {
				return fmt.Errorf("failed to read input: %v", err)
			}
			return runInfo(cmd.OutOrStdout(), data, format)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("file", "f", "", "J2K/JP2 file path to analyze")
	pf.String("format", "text", "output format (text|json)")
	return cmd
}

// runInfo prints the structure reported by jpeg2k.Inspect
func runInfo(w io.Writer, data []byte, format string) error {
	info, err := jpeg2k.Inspect(data)
	if info == nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if jerr := enc.Encode(info); jerr != nil {
			return jerr
		}
		return err
	}

	s := info.SIZ
	fmt.Fprintf(w, "Container: %s\n", lo.Ternary(info.JP2, "JP2", "J2K"))
	fmt.Fprintf(w, "Fingerprint: %s\n", util.Fingerprint(data))
	fmt.Fprintf(w, "MD5: %s\n", util.Md5ThenHex(data))
	fmt.Fprintf(w, "Complete: %v\n\n", info.Complete)

	fmt.Fprintln(w, "=== Image ===")
	fmt.Fprintf(w, "Size: %dx%d (offset %d,%d)\n", s.XSiz-s.XOsiz, s.YSiz-s.YOsiz, s.XOsiz, s.YOsiz)
	fmt.Fprintf(w, "Tiles: %dx%d of %dx%d\n", s.NumXTiles(), s.NumYTiles(), s.XTsiz, s.YTsiz)
	for i, c := range s.Components {
		fmt.Fprintf(w, "Component %d: %d bits %s, subsampling %dx%d\n", i, c.Precision,
			lo.Ternary(c.Signed, "signed", "unsigned"), c.XRsiz, c.YRsiz)
	}

	if cod := info.COD; cod != nil {
		fmt.Fprintln(w, "\n=== Coding Style ===")
		fmt.Fprintf(w, "Progression: %s\n", cod.Progression)
		fmt.Fprintf(w, "Layers: %d\n", cod.NumLayers)
		fmt.Fprintf(w, "MCT: %v\n", cod.MCT != 0)
		fmt.Fprintf(w, "Transform: %s\n", cod.Style.Transform)
		fmt.Fprintf(w, "Levels: %d\n", cod.Style.DecompLevels)
		fmt.Fprintf(w, "Code-block: %dx%d style 0x%02X\n", cod.Style.CodeBlockWidth(), cod.Style.CodeBlockHeight(), cod.Style.CodeBlockStyle)
		fmt.Fprintf(w, "SOP: %v EPH: %v\n", cod.Scod&jpeg2k.CodingStyleSOPMarker != 0, cod.Scod&jpeg2k.CodingStyleEPHMarker != 0)
		fmt.Fprintf(w, "Style hash: %s\n", util.HashUUID(cod))
	}
	if qcd := info.QCD; qcd != nil {
		fmt.Fprintln(w, "\n=== Quantization ===")
		fmt.Fprintf(w, "Style: %d Guard bits: %d Subbands: %d\n", qcd.Style, qcd.GuardBits, len(qcd.Exponents))
	}

	fmt.Fprintln(w, "\n=== Markers ===")
	counts := lo.MapValues(lo.GroupBy(info.Markers, func(m jpeg2k.MarkerInfo) string { return m.Name }),
		func(ms []jpeg2k.MarkerInfo, _ string) int { return len(ms) })
	names := lo.Keys(counts)
	slices.Sort(names)
	for _, n := range names {
		fmt.Fprintf(w, "%s: %d\n", n, counts[n])
	}

	fmt.Fprintln(w, "\n=== Tiles ===")
	fmt.Fprintf(w, "Received: %d of %d\n", len(info.Tiles), s.NumTiles())
	fmt.Fprintf(w, "Tile-parts: %d\n", lo.SumBy(info.Tiles, func(t jpeg2k.TileInfo) int { return t.Parts }))
	fmt.Fprintf(w, "Data bytes: %d\n", lo.SumBy(info.Tiles, func(t jpeg2k.TileInfo) int { return t.Bytes }))
	maxTiles := min(len(info.Tiles), 8)
	for _, t := range info.Tiles[:maxTiles] {
		fmt.Fprintf(w, "Tile %d: [%d,%d)-[%d,%d) %d part(s) %d bytes\n", t.Index, t.X0, t.Y0, t.X1, t.Y1, t.Parts, t.Bytes)
	}

	for _, c := range info.Comments {
		fmt.Fprintf(w, "\nComment: %s\n", c)
	}
	return err
}
