// Package display previews downloaded artifacts inline in terminals that
// speak the kitty graphics protocol.
package display

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/term"
)

// DefaultMaxWidth bounds the pixel width of a preview. Artifacts are often
// 4K, far more than a terminal needs.
const DefaultMaxWidth = 1024

type Displayer struct {
	out      io.Writer
	MaxWidth int
	Columns  int
}

func New(out io.Writer) *Displayer {
	return &Displayer{out: out, MaxWidth: DefaultMaxWidth}
}

// ShowFile previews one saved artifact.
func (d *Displayer) ShowFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return d.Show(data)
}

func (d *Displayer) Show(data []byte) error {
	preview, err := Preview(data, d.MaxWidth)
	if err != nil {
		return err
	}

	enc := newKittyEncoder(d.out, d.Columns)
	if err := enc.Encode(preview); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	fmt.Fprintln(d.out)
	return nil
}

func (d *Displayer) ShowAll(paths []string) error {
	for i, p := range paths {
		if err := d.ShowFile(p); err != nil {
			return fmt.Errorf("failed to display image %d: %w", i+1, err)
		}
	}
	return nil
}

// Preview decodes a PNG, JPEG or WebP artifact and re-encodes it as PNG,
// scaled down to maxWidth when wider. The kitty protocol only takes PNG.
func Preview(data []byte, maxWidth int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	b := img.Bounds()
	if maxWidth > 0 && b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, b, draw.Over, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// IsTerminalSupported reports whether out is a terminal known to render
// kitty graphics.
func IsTerminalSupported(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false
	}
	return terminalFromEnv(os.Getenv)
}

func terminalFromEnv(getenv func(string) string) bool {
	switch strings.ToLower(getenv("TERM_PROGRAM")) {
	case "kitty", "ghostty", "iterm.app", "wezterm":
		return true
	}

	if getenv("KITTY_WINDOW_ID") != "" || getenv("ITERM_SESSION_ID") != "" {
		return true
	}

	t := strings.ToLower(getenv("TERM"))
	return strings.Contains(t, "kitty") || strings.Contains(t, "ghostty")
}
