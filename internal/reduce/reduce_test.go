package reduce

import (
	"encoding/binary"
	"testing"
)

func buildSrc(w, h int) *Source {
	pixels := make([]byte, w*h*2)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			v := uint16(r*w + c)
			binary.LittleEndian.PutUint16(pixels[(r*w+c)*2:], v)
		}
	}
	return &Source{Pixels: pixels, Width: w, Height: h, Depth: 2}
}

func TestComputeWindowFullFrame(t *testing.T) {
	win := ComputeWindow(256, 256, 1.0, 0, 0)
	if win.X != 0 || win.Y != 0 || win.Width != 256 || win.Height != 256 {
		t.Fatalf("expected full-frame window, got %+v", win)
	}
}

func TestComputeWindowSegmentClamped(t *testing.T) {
	// zoom=2 -> 2x2 grid; segcol/segrow out of range clamp to last cell.
	win := ComputeWindow(256, 256, 2.0, 5, 5)
	if win.X != 128 || win.Y != 128 {
		t.Fatalf("expected clamp to last cell, got %+v", win)
	}
}

func TestReduceIdentityIsProportional(t *testing.T) {
	src := buildSrc(16, 16)
	win := ComputeWindow(16, 16, 1.0, 0, 0)
	out := Reduce(src, win, 16, 16)
	if len(out) != 16*16*2 {
		t.Fatalf("unexpected output size %d", len(out))
	}
	// Downsampling ratio is exactly 1 here, so every output pixel should
	// equal the pixel policy's max over a 1x1 box, i.e. the source pixel.
	for r := 0; r < 16; r++ {
		for c := 0; c < 16; c++ {
			idx := (r*16 + c) * 2
			got := binary.LittleEndian.Uint16(out[idx:])
			want := uint16(r*16 + c)
			if got != want {
				t.Fatalf("pixel (%d,%d): got %d want %d", r, c, got, want)
			}
		}
	}
}

func TestReduceDeterministic(t *testing.T) {
	src := buildSrc(64, 64)
	win := ComputeWindow(64, 64, 1.5, 0, 0)
	a := Reduce(src, win, 32, 32)
	b := Reduce(src, win, 32, 32)
	if string(a) != string(b) {
		t.Fatalf("reduce is not deterministic for identical inputs")
	}
}

func TestReduceSaturationShortCircuit(t *testing.T) {
	src := buildSrc(4, 4)
	// Flag pixel (0,0) as saturated.
	binary.LittleEndian.PutUint16(src.Pixels[0:], 0xFFFF)
	win := Window{X: 0, Y: 0, Width: 4, Height: 4}
	out := Reduce(src, win, 2, 2)
	v := binary.LittleEndian.Uint16(out[0:])
	if v != 0xFFFF {
		t.Fatalf("expected saturated pixel to propagate, got %d", v)
	}
}

func TestValidOutputSize(t *testing.T) {
	cases := []struct {
		w, h int
		want bool
	}{
		{8, 8, true},
		{10000, 10000, true},
		{7, 100, false},
		{10001, 100, false},
	}
	for _, c := range cases {
		if got := ValidOutputSize(c.w, c.h); got != c.want {
			t.Errorf("ValidOutputSize(%d,%d) = %v, want %v", c.w, c.h, got, c.want)
		}
	}
}
