package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jpfielding/jpeg2k.go/pkg/compress/jpeg2k"
	"github.com/jpfielding/jpeg2k.go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string) *image.RGBA {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 24))
	for y := range 24 {
		for x := range 40 {
			img.Set(x, y, color.RGBA{uint8(x * 6), uint8(y * 10), uint8(x ^ y), 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return img
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := NewRoot(context.Background(), "test")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "ERROR"))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		args []string
	}{
		{"j2k default", ".j2k", nil},
		{"jp2 tiled with markers", ".jp2", []string{"--tile-width", "16", "--tile-height", "16", "--sop", "--eph"}},
		{"styles and layers", ".j2k", []string{"--style", "bypass,reset,segsym", "--layers", "2", "--cblk-width", "16", "--cblk-height", "16"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := writePNG(t, filepath.Join(dir, "in.png"))
			enc := filepath.Join(dir, "out"+tt.ext)
			dec := filepath.Join(dir, "back.png")

			run(t, append([]string{"encode", "-i", filepath.Join(dir, "in.png"), "-o", enc}, tt.args...)...)
			run(t, "decode", "-i", enc, "-o", dec)

			f, err := os.Open(dec)
			require.NoError(t, err)
			defer f.Close()
			got, err := png.Decode(f)
			require.NoError(t, err)
			require.Equal(t, src.Bounds(), got.Bounds())
			for y := range 24 {
				for x := range 40 {
					r0, g0, b0, _ := src.At(x, y).RGBA()
					r1, g1, b1, _ := got.At(x, y).RGBA()
					require.Equal(t, [3]uint32{r0, g0, b0}, [3]uint32{r1, g1, b1}, "pixel %d,%d", x, y)
				}
			}
		})
	}
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "in.png"))
	enc := filepath.Join(dir, "out.jp2")
	run(t, "encode", "-i", filepath.Join(dir, "in.png"), "-o", enc, "--comment", "hello", "--tile-width", "32")

	text := run(t, "info", enc)
	assert.Contains(t, text, "Container: JP2")
	assert.Contains(t, text, "Size: 40x24")
	assert.Contains(t, text, "Received: 2 of 2")
	assert.Contains(t, text, "SOT: 2")
	assert.Contains(t, text, "Comment: hello")
	raw, err := os.ReadFile(enc)
	require.NoError(t, err)
	assert.Contains(t, text, "MD5: "+util.Md5ThenHex(raw))

	var info jpeg2k.StreamInfo
	require.NoError(t, json.Unmarshal([]byte(run(t, "info", enc, "--format", "json")), &info))
	assert.True(t, info.Complete)
	assert.Len(t, info.SIZ.Components, 3)
}

func TestParseStyles(t *testing.T) {
	tests := []struct {
		names   []string
		want    byte
		wantErr bool
	}{
		{nil, 0, false},
		{[]string{"BYPASS", " termall", "bypass"}, jpeg2k.CodeBlockSelectiveBypass | jpeg2k.CodeBlockTermOnPass, false},
		{[]string{"vsc", "pterm", "segsym", "reset"}, 0x3A, false},
		{[]string{"fast"}, 0, true},
	}
	for _, tt := range tests {
		got, err := parseStyles(tt.names)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormatFor(t *testing.T) {
	f, err := formatFor("", "a.JP2")
	require.NoError(t, err)
	assert.Equal(t, jpeg2k.FormatJP2, f)
	f, err = formatFor("", "-")
	require.NoError(t, err)
	assert.Equal(t, jpeg2k.FormatJ2K, f)
	_, err = formatFor("bmp", "x")
	assert.Error(t, err)
}

func TestLogFile(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "in.png"))
	enc := filepath.Join(dir, "out.j2k")
	run(t, "encode", "-i", filepath.Join(dir, "in.png"), "-o", enc)

	logPath := filepath.Join(dir, "ctl.log")
	var out bytes.Buffer
	root := NewRoot(context.Background(), "test")
	root.SetOut(&out)
	root.SetArgs([]string{"decode", "-i", enc, "-o", filepath.Join(dir, "out.png"), "--log-file", logPath, "--log-level", "INFO"})
	require.NoError(t, root.Execute())

	slog.Info("after the command")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "decoded")
	assert.NotContains(t, string(data), "after the command")
}
