package display

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name     string
		width    int
		height   int
		maxWidth int
		wantW    int
		wantH    int
	}{
		{"small kept", 64, 32, 1024, 64, 32},
		{"wide scaled", 2048, 1024, 512, 512, 256},
		{"no limit", 300, 100, 0, 300, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Preview(testPNG(t, tt.width, tt.height), tt.maxWidth)
			if err != nil {
				t.Fatalf("Preview() error = %v", err)
			}
			cfg, err := png.DecodeConfig(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("preview is not PNG: %v", err)
			}
			if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
				t.Errorf("preview = %dx%d, want %dx%d", cfg.Width, cfg.Height, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestPreview_JPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 20)), nil); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}

	out, err := Preview(buf.Bytes(), DefaultMaxWidth)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(out)); err != nil {
		t.Errorf("JPEG preview is not PNG: %v", err)
	}
}

func TestPreview_Invalid(t *testing.T) {
	if _, err := Preview([]byte("not an image"), DefaultMaxWidth); err == nil {
		t.Error("expected decode error")
	}
}

func TestDisplayer_ShowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	if err := os.WriteFile(path, testPNG(t, 8, 8), 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	d := New(&buf)
	d.Columns = 40
	if err := d.ShowAll([]string{path}); err != nil {
		t.Fatalf("ShowAll() error = %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, escapeStart+"a=T,f=100,q=2,c=40;") {
		t.Errorf("output = %q", out[:min(len(out), 40)])
	}
	if !strings.HasSuffix(out, escapeEnd+"\n") {
		t.Error("output should end with terminator and newline")
	}
}

func TestDisplayer_ShowFile_Missing(t *testing.T) {
	d := New(&bytes.Buffer{})
	if err := d.ShowAll([]string{filepath.Join(t.TempDir(), "nope.png")}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestIsTerminalSupported_NotFile(t *testing.T) {
	if IsTerminalSupported(&bytes.Buffer{}) {
		t.Error("a buffer is never a terminal")
	}
}

func TestTerminalFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"kitty program", map[string]string{"TERM_PROGRAM": "kitty"}, true},
		{"iterm", map[string]string{"TERM_PROGRAM": "iTerm.app"}, true},
		{"wezterm", map[string]string{"TERM_PROGRAM": "WezTerm"}, true},
		{"kitty window", map[string]string{"KITTY_WINDOW_ID": "1"}, true},
		{"iterm session", map[string]string{"ITERM_SESSION_ID": "w0t0p0"}, true},
		{"ghostty term", map[string]string{"TERM": "xterm-ghostty"}, true},
		{"kitty term", map[string]string{"TERM": "xterm-kitty"}, true},
		{"plain xterm", map[string]string{"TERM": "xterm-256color"}, false},
		{"empty", map[string]string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := terminalFromEnv(func(k string) string { return tt.env[k] })
			if got != tt.want {
				t.Errorf("terminalFromEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}
