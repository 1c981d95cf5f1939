// Package rankcard draws the PNG attached to level-up announcements and /level replies.
package rankcard

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"guildwarden/internal/model"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	Width  = 400
	Height = 120

	barX      = 20
	barY      = 80
	barWidth  = Width - 2*barX
	barHeight = 16
	maxLabel  = 32
)

var (
	background = color.RGBA{R: 0x23, G: 0x27, B: 0x2a, A: 0xff}
	track      = color.RGBA{R: 0x4f, G: 0x54, B: 0x5c, A: 0xff}
	fill       = color.RGBA{R: 0x58, G: 0x65, B: 0xf2, A: 0xff}
	text       = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	muted      = color.RGBA{R: 0xb9, G: 0xbb, B: 0xbe, A: 0xff}
)

type Renderer struct {
	face font.Face
}

func New() *Renderer {
	return &Renderer{face: basicfont.Face7x13}
}

// Progress returns experience earned inside the current level and the amount
// a level spans.
func Progress(state model.LevelState) (int, int) {
	into := state.Experience % model.ExperiencePerLevel
	if into < 0 {
		into = 0
	}
	return into, model.ExperiencePerLevel
}

func (r *Renderer) Render(state model.LevelState, label string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	r.text(img, 20, 30, text, truncate(label))
	r.text(img, 20, 55, muted, fmt.Sprintf("Level %d", state.Level()))

	into, span := Progress(state)
	progress := fmt.Sprintf("%d / %d XP", into, span)
	width := font.MeasureString(r.face, progress).Ceil()
	r.text(img, Width-20-width, 55, muted, progress)

	fillRect(img, image.Rect(barX, barY, barX+barWidth, barY+barHeight), track)
	filled := barWidth * into / span
	if filled > 0 {
		fillRect(img, image.Rect(barX, barY, barX+filled, barY+barHeight), fill)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode rank card: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) text(img draw.Image, x, y int, c color.Color, s string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func fillRect(img draw.Image, rect image.Rectangle, c color.Color) {
	draw.Draw(img, rect, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func truncate(label string) string {
	runes := []rune(label)
	if len(runes) <= maxLabel {
		return label
	}
	return string(runes[:maxLabel-1]) + "…"
}
