// File: internal/vision/normalize/normalize.go

// Package normalize converts click coordinates between the conventions vision
// models report in ("normalized" [0,1], absolute "pixel", or the common
// "0-1000" grid) and the CSS-pixel offset needed to click inside a live
// element. Pure functions, no I/O.
package normalize

import (
	"errors"
	"fmt"
	"math"
)

// Space tags the coordinate convention a pair of values is expressed in.
// Every coordinate carries its space explicitly; none is ever assumed.
type Space string

const (
	SpaceNormalized Space = "normalized"
	SpacePixel      Space = "pixel"
	SpaceGrid1000   Space = "0-1000"
	// SpaceGrid1000Alias is an accepted alias for SpaceGrid1000.
	SpaceGrid1000Alias Space = "grid1000"
)

var (
	// ErrUnsupportedSpace is returned for a coordinate space this package
	// does not know how to convert.
	ErrUnsupportedSpace = errors.New("unsupported coordinate space")
	// ErrSourceDimensions is returned when pixel-space input arrives without
	// positive source image dimensions.
	ErrSourceDimensions = errors.New("pixel space requires positive source width and height")
	// ErrInvalidGeometry is returned when the target element has a
	// non-positive layout box.
	ErrInvalidGeometry = errors.New("css width and height must be > 0")
	// ErrMissingCoordinates is returned when provider JSON lacks x or y.
	ErrMissingCoordinates = errors.New("provider JSON missing x/y")
)

// Frame describes the dimensions and coordinate convention of the image a
// coordinate is relative to. Needed when a provider reports pixel coordinates
// so they can be rescaled correctly.
type Frame struct {
	W     int
	H     int
	Space Space
}

// Point is the canonical intermediate representation: a position as a
// fraction of image width/height, clamped to [0,1]. The source space and
// dimensions are retained for auditing.
type Point struct {
	NX       float64
	NY       float64
	SrcSpace Space
	SrcW     int
	SrcH     int
	Note     string
}

// Clamp01 clamps v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ToNormalized converts x,y from the given space into a normalized Point.
// Clamping is silent: slightly out-of-range model output degrades to an edge
// click rather than failing the step. Pixel space requires srcW and srcH;
// pass zero for the other spaces.
func ToNormalized(x, y float64, space Space, srcW, srcH int) (Point, error) {
	switch space {
	case SpaceNormalized:
		return Point{
			NX: Clamp01(x), NY: Clamp01(y),
			SrcSpace: SpaceNormalized,
			Note:     "pass-through",
		}, nil
	case SpaceGrid1000, SpaceGrid1000Alias:
		return Point{
			NX: Clamp01(x / 1000.0), NY: Clamp01(y / 1000.0),
			SrcSpace: space,
			Note:     "grid1000->normalized",
		}, nil
	case SpacePixel:
		if srcW <= 0 || srcH <= 0 {
			return Point{}, fmt.Errorf("to normalized: %w", ErrSourceDimensions)
		}
		return Point{
			NX: Clamp01(x / float64(srcW)), NY: Clamp01(y / float64(srcH)),
			SrcSpace: SpacePixel, SrcW: srcW, SrcH: srcH,
			Note: "pixel->normalized",
		}, nil
	default:
		return Point{}, fmt.Errorf("%w: %q", ErrUnsupportedSpace, space)
	}
}

// Offsets is a fully resolved click target: integer pixel offsets (top-left
// origin) within the element's layout box, plus every input used to derive
// them for auditability.
type Offsets struct {
	OffX   int
	OffY   int
	NX     float64
	NY     float64
	PngW   int
	PngH   int
	CSSW   float64
	CSSH   float64
	ScaleX float64
	ScaleY float64
}

// scales derives the per-axis image-to-CSS scale factors. The screenshot is
// taken at device/image pixel density while click dispatch operates in CSS
// layout pixels, so the scale must come from the current element rect rather
// than be assumed 1:1.
func scales(pngW, pngH int, cssW, cssH float64) (float64, float64, error) {
	if cssW <= 0 || cssH <= 0 {
		return 0, 0, ErrInvalidGeometry
	}
	return float64(pngW) / cssW, float64(pngH) / cssH, nil
}

// ElementOffsets maps a normalized point to a click offset inside an element
// whose screenshot measured pngW x pngH and whose layout box currently
// measures cssW x cssH. The result is clamped to [0, css-1] on each axis:
// the element may have shrunk between screenshot capture and click.
func ElementOffsets(nx, ny float64, pngW, pngH int, cssW, cssH float64) (Offsets, error) {
	nx = Clamp01(nx)
	ny = Clamp01(ny)

	scaleX, scaleY, err := scales(pngW, pngH, cssW, cssH)
	if err != nil {
		return Offsets{}, err
	}

	pxImg := nx * float64(pngW)
	pyImg := ny * float64(pngH)
	offX := int(math.Round(pxImg / scaleX))
	offY := int(math.Round(pyImg / scaleY))

	offX = clampInt(offX, 0, int(cssW)-1)
	offY = clampInt(offY, 0, int(cssH)-1)

	return Offsets{
		OffX: offX, OffY: offY,
		NX: nx, NY: ny,
		PngW: pngW, PngH: pngH,
		CSSW: cssW, CSSH: cssH,
		ScaleX: scaleX, ScaleY: scaleY,
	}, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CoerceProviderCoords pulls {space,x,y} out of a decoded provider object and
// normalizes it. The coordinate block may be nested under "coords" or sit at
// the top level; a missing space falls back to the caller's default.
func CoerceProviderCoords(obj map[string]any, fallback Space, srcW, srcH int) (Point, error) {
	source := obj
	if coords, ok := obj["coords"].(map[string]any); ok {
		source = coords
	}

	space := fallback
	if s, ok := source["space"].(string); ok && s != "" {
		space = Space(s)
	}

	x, okX := asFloat(source["x"])
	y, okY := asFloat(source["y"])
	if !okX || !okY {
		return Point{}, ErrMissingCoordinates
	}

	return ToNormalized(x, y, space, srcW, srcH)
}

// asFloat accepts the numeric shapes a JSON decoder can hand back.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Explain renders the full derivation of an offset for logs and ClickInfo
// records.
func Explain(o Offsets) string {
	return fmt.Sprintf(
		"normalized=(%.4f,%.4f)  png=(%dx%d)  css=(%.0fx%.0f)  scale=(%.3f,%.3f)  offset=(%d,%d)",
		o.NX, o.NY, o.PngW, o.PngH, o.CSSW, o.CSSH, o.ScaleX, o.ScaleY, o.OffX, o.OffY,
	)
}
