package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorHelmet   = color.RGBA{0, 255, 0, 255}
	colorNoHelmet = color.RGBA{255, 0, 0, 255}
	colorPanel    = color.RGBA{0, 0, 0, 255}
)

const boxThickness = 2

// ToRGBA copies img into a fresh RGBA buffer with the alpha channel flattened, so
// callers never draw on the caller's frame.
func ToRGBA(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Over)
	return rgba
}

// Annotate draws every kept detection on a copy of img. With counts set it also draws
// the live helmet / no-helmet panel in the top-left corner.
func Annotate(img image.Image, c Classification, counts bool) *image.RGBA {
	rgba := ToRGBA(img)

	for _, k := range c.Kept {
		col := colorHelmet
		if k.Kind == KindNoHelmet {
			col = colorNoHelmet
		}
		r := k.Rect()
		drawBox(rgba, r, col, boxThickness)
		drawLabel(rgba, r.Min.X, r.Min.Y-10, fmt.Sprintf("%s (%.2f)", k.Kind, k.Confidence), col)
	}

	if counts {
		panel := image.Rect(10, 10, 260, 80).Intersect(rgba.Bounds())
		draw.Draw(rgba, panel, image.NewUniform(colorPanel), image.Point{}, draw.Src)
		drawText(rgba, 20, 40, fmt.Sprintf("Helmet: %d", c.HelmetCount), colorHelmet)
		drawText(rgba, 20, 70, fmt.Sprintf("No Helmet: %d", c.NoHelmetCount), colorNoHelmet)
	}

	return rgba
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	for t := 0; t < thickness; t++ {
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y+t, r.Max.X, r.Min.Y+t+1),
			image.Rect(r.Min.X, r.Max.Y-t-1, r.Max.X, r.Max.Y-t),
			image.Rect(r.Min.X+t, r.Min.Y, r.Min.X+t+1, r.Max.Y),
			image.Rect(r.Max.X-t-1, r.Min.Y, r.Max.X-t, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(bounds), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	width := font.MeasureString(basicfont.Face7x13, label).Ceil()
	bg := image.Rect(x-2, y-12, x+width+2, y+3).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(color.RGBA{0, 0, 0, 180}), image.Point{}, draw.Over)

	drawText(img, x, y, label, c)
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
