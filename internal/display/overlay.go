package display

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// HUD draws a one-line status bar in the bottom left corner of the
// preview. It is only ever drawn on the display copy of a frame.
type HUD struct {
	Save Key
	Quit Key

	textColor color.RGBA
	bgColor   color.RGBA
	padding   int
	margin    int
}

// NewHUD returns a HUD advertising the given keys.
func NewHUD(save, quit Key) *HUD {
	return &HUD{
		Save:      save,
		Quit:      quit,
		textColor: color.RGBA{255, 255, 255, 255},
		bgColor:   color.RGBA{0, 0, 0, 160},
		padding:   5,
		margin:    8,
	}
}

// Text is the status line for the given number of saved frames.
func (h *HUD) Text(saved int) string {
	return fmt.Sprintf("%s save | %s quit | saved %d", keyLabel(h.Save), keyLabel(h.Quit), saved)
}

func keyLabel(k Key) string {
	switch k {
	case ' ':
		return "SPACE"
	case KeyEscape:
		return "ESC"
	}
	return k.String()
}

// Draw renders the status line onto img.
func (h *HUD) Draw(img *image.RGBA, saved int) {
	text := h.Text(saved)
	face := basicfont.Face7x13
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	lineHeight := metrics.Height.Ceil()

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(h.textColor),
		Face: face,
	}
	textWidth := d.MeasureString(text).Ceil()

	b := img.Bounds()
	boxW := textWidth + h.padding*2
	boxH := lineHeight + h.padding*2
	x := b.Min.X + h.margin
	y := b.Max.Y - h.margin - boxH
	if y < b.Min.Y {
		y = b.Min.Y
	}

	box := image.Rect(x, y, x+boxW, y+boxH).Intersect(b)
	draw.Draw(img, box, image.NewUniform(h.bgColor), image.Point{}, draw.Over)

	d.Dot = fixed.P(x+h.padding, y+h.padding+ascent)
	d.DrawString(text)
}
