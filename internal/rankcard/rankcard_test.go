package rankcard

import (
	"bytes"
	"image/png"
	"strings"
	"testing"

	"guildwarden/internal/model"
)

func TestRenderProducesPNG(t *testing.T) {
	data, err := New().Render(model.LevelState{Experience: 250}, "alice")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != Width || b.Dy() != Height {
		t.Fatalf("unexpected bounds %v", b)
	}

	// half the bar is filled at 50/100 XP
	r, g, b, _ := img.At(barX+barWidth/4, barY+barHeight/2).RGBA()
	fr, fg, fb, _ := fill.RGBA()
	if r != fr || g != fg || b != fb {
		t.Fatalf("expected filled bar pixel")
	}
	r, g, b, _ = img.At(barX+barWidth*3/4, barY+barHeight/2).RGBA()
	tr, tg, tb, _ := track.RGBA()
	if r != tr || g != tg || b != tb {
		t.Fatalf("expected empty track pixel")
	}
}

func TestProgress(t *testing.T) {
	cases := []struct {
		xp   int
		into int
	}{
		{0, 0},
		{99, 99},
		{100, 0},
		{245, 45},
		{-5, 0},
	}
	for _, tc := range cases {
		into, span := Progress(model.LevelState{Experience: tc.xp})
		if into != tc.into || span != 100 {
			t.Fatalf("xp %d: got %d/%d", tc.xp, into, span)
		}
	}
}

func TestTruncateLongLabels(t *testing.T) {
	long := strings.Repeat("x", 50)
	got := truncate(long)
	if len([]rune(got)) != maxLabel || !strings.HasSuffix(got, "…") {
		t.Fatalf("unexpected truncation %q", got)
	}
	if truncate("bob") != "bob" {
		t.Fatalf("short labels must be unchanged")
	}
}
