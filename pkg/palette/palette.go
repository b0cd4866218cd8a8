// Package palette assigns display colors to detection tags.
package palette

import (
	"encoding/hex"
	"errors"
	"fmt"
	"image/color"
	"sort"
	"strings"
)

// ErrEmptyPalette is returned by FromHex when no colors are given
var ErrEmptyPalette = errors.New("palette: no colors")

// Palette is an ordered, read-only list of colors
type Palette []color.NRGBA

var defaultHex = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

// Default returns the dashboard's ten-color palette
func Default() Palette {
	p, err := FromHex(defaultHex)
	if err != nil {
		panic(err)
	}
	return p
}

// FromHex parses colors written as #RRGGBB or RRGGBB
func FromHex(values []string) (Palette, error) {
	if len(values) == 0 {
		return nil, ErrEmptyPalette
	}
	out := make(Palette, 0, len(values))
	for _, v := range values {
		c, err := ParseHex(v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ParseHex parses one opaque #RRGGBB color
func ParseHex(s string) (color.NRGBA, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(raw) != 6 {
		return color.NRGBA{}, fmt.Errorf("palette: invalid color %q", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("palette: invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: b[0], G: b[1], B: b[2], A: 0xFF}, nil
}

// Hex formats c as #RRGGBB
func Hex(c color.NRGBA) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// Assign maps every distinct tag to a color. Tags are enumerated in sorted
// order and cycle through the palette, so the mapping depends only on the
// set of tags and not on the order detections arrived in.
func (p Palette) Assign(tags []string) map[string]color.NRGBA {
	unique := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}
	sort.Strings(unique)

	out := make(map[string]color.NRGBA, len(unique))
	if len(p) == 0 {
		return out
	}
	for i, t := range unique {
		out[t] = p[i%len(p)]
	}
	return out
}
