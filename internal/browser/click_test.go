// File: internal/browser/click_test.go
package browser

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvellek/clicksight/api/schemas"
	"github.com/rvellek/clicksight/internal/vision/extract"
	"github.com/rvellek/clicksight/internal/vision/normalize"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// stubPage fakes the page so the click pipeline can be exercised without a
// browser.
type stubPage struct {
	rect       schemas.Rect
	screenshot []byte

	rectCalls   int
	shotCalls   int
	clickedDX   []float64
	clickedDY   []float64
	clickedSels []string
}

func (s *stubPage) ElementRect(_ context.Context, _ string) (schemas.Rect, error) {
	s.rectCalls++
	return s.rect, nil
}

func (s *stubPage) ElementScreenshot(_ context.Context, _ string) ([]byte, error) {
	s.shotCalls++
	return s.screenshot, nil
}

func (s *stubPage) ClickAtOffsetFromCenter(_ context.Context, sel string, dx, dy float64) error {
	s.clickedSels = append(s.clickedSels, sel)
	s.clickedDX = append(s.clickedDX, dx)
	s.clickedDY = append(s.clickedDY, dy)
	return nil
}

func TestClickFromProviderJSON_CenterClick(t *testing.T) {
	page := &stubPage{
		rect:       schemas.Rect{X: 10, Y: 20, Width: 100, Height: 50},
		screenshot: encodePNG(t, 200, 100),
	}
	text := `{"version":"1.0","coords":{"space":"normalized","x":0.5,"y":0.5},"why":"center","confidence":0.9}`

	info, err := ClickFromProviderJSON(context.Background(), page, "#login", text, normalize.SpaceNormalized, nil)
	require.NoError(t, err)

	assert.Equal(t, 50, info.OffsetX)
	assert.Equal(t, 25, info.OffsetY)
	assert.Equal(t, "vision", info.Strategy)
	assert.Equal(t, "#login", info.Selector)
	assert.Contains(t, info.Explain, "scale=(2.000,2.000)")

	// Center of a 100x50 box displaced by (50,25) from top-left is a zero
	// center displacement.
	require.Len(t, page.clickedDX, 1)
	assert.InDelta(t, 0.0, page.clickedDX[0], 1e-9)
	assert.InDelta(t, 0.0, page.clickedDY[0], 1e-9)
}

func TestClickFromProviderJSON_RemeasuresEveryCall(t *testing.T) {
	page := &stubPage{
		rect:       schemas.Rect{X: 0, Y: 0, Width: 100, Height: 50},
		screenshot: encodePNG(t, 200, 100),
	}
	text := `{"coords":{"space":"normalized","x":0.25,"y":0.5}}`

	first, err := ClickFromProviderJSON(context.Background(), page, "a", text, normalize.SpaceNormalized, nil)
	require.NoError(t, err)
	second, err := ClickFromProviderJSON(context.Background(), page, "a", text, normalize.SpaceNormalized, nil)
	require.NoError(t, err)

	// Geometry is captured fresh per call, and a stable page yields
	// identical offsets.
	assert.Equal(t, 2, page.rectCalls)
	assert.Equal(t, 2, page.shotCalls)
	assert.Equal(t, first.OffsetX, second.OffsetX)
	assert.Equal(t, first.OffsetY, second.OffsetY)
	assert.Equal(t, 25, first.OffsetX)
}

func TestClickFromProviderJSON_FrameResolvesPixelSpace(t *testing.T) {
	page := &stubPage{
		rect:       schemas.Rect{X: 0, Y: 0, Width: 100, Height: 100},
		screenshot: encodePNG(t, 100, 100),
	}
	// The model answered in pixels of the 400x200 frame it was shown, not of
	// the current screenshot.
	text := `{"coords":{"space":"pixel","x":200,"y":100}}`
	frame := &normalize.Frame{W: 400, H: 200, Space: normalize.SpacePixel}

	info, err := ClickFromProviderJSON(context.Background(), page, "a", text, normalize.SpaceNormalized, frame)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, info.NX, 1e-9)
	assert.InDelta(t, 0.5, info.NY, 1e-9)
	assert.Equal(t, 50, info.OffsetX)
}

func TestClickFromProviderJSON_FallbackSpaceForBareCoords(t *testing.T) {
	page := &stubPage{
		rect:       schemas.Rect{X: 0, Y: 0, Width: 200, Height: 100},
		screenshot: encodePNG(t, 200, 100),
	}
	text := `Here you go: {"x": 500, "y": 250}`

	info, err := ClickFromProviderJSON(context.Background(), page, "a", text, normalize.SpaceGrid1000, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, info.NX, 1e-9)
	assert.InDelta(t, 0.25, info.NY, 1e-9)
	assert.Equal(t, 100, info.OffsetX)
	assert.Equal(t, 25, info.OffsetY)
}

func TestClickFromProviderJSON_NoJSON(t *testing.T) {
	page := &stubPage{}
	_, err := ClickFromProviderJSON(context.Background(), page, "a", "just words", normalize.SpaceNormalized, nil)
	assert.ErrorIs(t, err, extract.ErrNoJSONFound)
	assert.Empty(t, page.clickedSels)
}

func TestClickFromProviderJSON_MissingCoordinates(t *testing.T) {
	page := &stubPage{}
	_, err := ClickFromProviderJSON(context.Background(), page, "a", `{"why":"no coords"}`, normalize.SpaceNormalized, nil)
	assert.ErrorIs(t, err, normalize.ErrMissingCoordinates)
	assert.Empty(t, page.clickedSels)
}

func TestPNGSize(t *testing.T) {
	w, h, err := PNGSize(encodePNG(t, 320, 200))
	require.NoError(t, err)
	assert.Equal(t, 320, w)
	assert.Equal(t, 200, h)

	_, _, err = PNGSize([]byte("not a png"))
	assert.Error(t, err)
}
