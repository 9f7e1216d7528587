package imaging

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// RGBColor represents an RGB color with 8-bit components.
type RGBColor struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// ClassColor is the display colour of one class in a classification map.
type ClassColor struct {
	Label int      `json:"label"`
	Name  string   `json:"name"`
	Hex   string   `json:"hex"`
	RGB   RGBColor `json:"rgb"`
}

// goldenAngle spreads successive hues so neighbouring classes contrast.
const goldenAngle = 137.50776405003785

// Palette returns deterministic display colours for a classification with
// the given class names, where names[0] is the unclassified class.
//
// The unclassified class is black. Class i gets a hue i golden angles round
// the HCL wheel at fixed chroma and alternating lightness, so the same
// library always yields the same colours.
func Palette(names []string) []ClassColor {
	out := make([]ClassColor, len(names))
	for i, name := range names {
		var c colorful.Color
		if i > 0 {
			hue := math.Mod(float64(i-1)*goldenAngle, 360)
			light := 0.7
			if i%2 == 0 {
				light = 0.55
			}
			c = colorful.Hcl(hue, 0.55, light).Clamped()
		}
		r, g, b := c.RGB255()
		out[i] = ClassColor{
			Label: i,
			Name:  name,
			Hex:   c.Hex(),
			RGB:   RGBColor{R: r, G: g, B: b},
		}
	}
	return out
}

// Lookup converts a palette to an ENVI "class lookup" table.
func Lookup(p []ClassColor) [][3]uint8 {
	out := make([][3]uint8, len(p))
	for i, c := range p {
		out[i] = [3]uint8{c.RGB.R, c.RGB.G, c.RGB.B}
	}
	return out
}
