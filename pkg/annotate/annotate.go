// Package annotate renders detection boxes and labels over an image.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"

	"imagedetect/pkg/detect"
)

var boxColor = color.NRGBA{R: 220, G: 40, B: 40, A: 255}

// Renderer draws detections over images. Construct once at startup; safe for
// reuse across jobs (the parsed font is read-only).
type Renderer struct {
	fnt *sfnt.Font
}

// NewRenderer loads the annotation font. A missing or unparsable font asset
// falls back to the embedded Go Regular face, then to a fixed bitmap face, so
// exact text rendering is environment-dependent but never an error.
func NewRenderer(fontPath string) *Renderer {
	if fontPath != "" {
		if data, err := os.ReadFile(fontPath); err == nil {
			if fnt, err := opentype.Parse(data); err == nil {
				return &Renderer{fnt: fnt}
			} else {
				log.Printf("annotate: failed to parse font %s, using default: %v", fontPath, err)
			}
		} else {
			log.Printf("annotate: failed to read font %s, using default: %v", fontPath, err)
		}
	}
	fnt, err := opentype.Parse(goregular.TTF)
	if err != nil {
		log.Printf("annotate: failed to parse embedded font, using bitmap face: %v", err)
		return &Renderer{}
	}
	return &Renderer{fnt: fnt}
}

// Render returns a new image with every detection drawn as a bounding
// rectangle plus a "{class} {confidence}" label. The input image is never
// mutated. Stroke, padding and text size scale with image width so
// annotations stay legible across resolutions.
func (r *Renderer) Render(src image.Image, detections []detect.Detection) *image.NRGBA {
	out := imaging.Clone(src)
	if len(detections) == 0 {
		return out
	}

	w := out.Bounds().Dx()
	h := out.Bounds().Dy()
	stroke := scaled(w, 0.004, 2)
	pad := scaled(w, 0.008, 4)

	face := r.face(float64(scaled(w, 0.03, 12)))
	drawer := &font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(color.White),
		Face: face,
	}
	metrics := face.Metrics()
	labelH := (metrics.Ascent + metrics.Descent).Ceil()

	for _, det := range detections {
		x1, y1, x2, y2 := clampBox(det.Box, w, h, pad)
		drawRect(out, x1, y1, x2, y2, stroke)

		label := fmt.Sprintf("%s %.2f", det.Class, det.Confidence)
		labelW := drawer.MeasureString(label).Ceil() + 2*stroke

		// Label goes above the box when there is vertical room, otherwise
		// inside the box just below the top edge.
		by1 := y1 - labelH
		if by1 < 0 {
			by1 = y1 + stroke
		}
		bx2 := x1 + labelW
		if bx2 > w {
			bx2 = w
		}
		by2 := by1 + labelH
		if by2 > h {
			by2 = h
		}
		fillRect(out, x1, by1, bx2, by2)

		drawer.Dot = fixed.P(x1+stroke, by1+metrics.Ascent.Ceil())
		drawer.DrawString(label)
	}
	return out
}

func (r *Renderer) face(size float64) font.Face {
	if r.fnt == nil {
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(r.fnt, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	return face
}

// scaled computes a dimension as a fraction of the image width with a floor.
func scaled(width int, fraction float64, min int) int {
	v := int(float64(width) * fraction)
	if v < min {
		return min
	}
	return v
}

// clampBox expands a source-pixel xyxy box by pad and clamps it to the image
// bounds, so drawing never leaves [0,w] x [0,h].
func clampBox(box [4]float64, w, h, pad int) (int, int, int, int) {
	x1 := int(box[0]) - pad
	y1 := int(box[1]) - pad
	x2 := int(box[2]) + pad
	y2 := int(box[3]) + pad

	x1 = clamp(x1, 0, w)
	y1 = clamp(y1, 0, h)
	x2 = clamp(x2, 0, w)
	y2 = clamp(y2, 0, h)
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return x1, y1, x2, y2
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// drawRect draws a rectangle outline with the given stroke width, inset so
// all drawn pixels stay inside the rectangle.
func drawRect(dst *image.NRGBA, x1, y1, x2, y2, stroke int) {
	fillRect(dst, x1, y1, x2, y1+stroke)         // top
	fillRect(dst, x1, y2-stroke, x2, y2)         // bottom
	fillRect(dst, x1, y1, x1+stroke, y2)         // left
	fillRect(dst, x2-stroke, y1, x2, y2)         // right
}

func fillRect(dst *image.NRGBA, x1, y1, x2, y2 int) {
	draw.Draw(dst, image.Rect(x1, y1, x2, y2), &image.Uniform{C: boxColor}, image.Point{}, draw.Src)
}
