package detect

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
	colorOccupied = color.RGBA{R: 220, G: 53, B: 46, A: 255}
	colorFree     = color.RGBA{R: 46, G: 204, B: 64, A: 255}
	colorUnknown  = color.RGBA{R: 255, G: 196, B: 0, A: 255}
)

// Annotate draws each rescaled space box, its name, state label and
// confidence percentage on a copy of the frame and returns the JPEG bytes.
func Annotate(frameJPEG []byte, spaces []Space, states []State, refW, refH int) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frameJPEG))
	if err != nil {
		return nil, fmt.Errorf("annotate: decode frame: %w", err)
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	byID := make(map[string]State, len(states))
	for _, s := range states {
		byID[s.SpaceID] = s
	}

	w, h := bounds.Dx(), bounds.Dy()
	for _, sp := range spaces {
		state := byID[sp.SpaceID]
		x1, y1, x2, y2 := Rescale(sp, refW, refH, w, h)

		c := colorUnknown
		label := "unknown"
		if state.Occupied != nil {
			if *state.Occupied {
				c, label = colorOccupied, "occupied"
			} else {
				c, label = colorFree, "free"
			}
		}
		if state.Confidence != nil {
			label = fmt.Sprintf("%s %.0f%%", label, *state.Confidence*100)
		}

		drawRect(canvas, x1, y1, x2, y2, c, 2)
		drawLabel(canvas, x1, y1-4, fmt.Sprintf("%s %s", sp.SpaceName, label), c)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, canvas, &jpeg.Options{Quality: 88}); err != nil {
		return nil, fmt.Errorf("annotate: encode: %w", err)
	}
	return out.Bytes(), nil
}

func drawRect(img *image.RGBA, x1, y1, x2, y2 int, c color.Color, thickness int) {
	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			img.Set(x, y1+t, c)
			img.Set(x, y2-t, c)
		}
		for y := y1; y <= y2; y++ {
			img.Set(x1+t, y, c)
			img.Set(x2-t, y, c)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, text string, c color.Color) {
	if y < basicfont.Face7x13.Height {
		y = basicfont.Face7x13.Height
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
