// File: internal/browser/click.go
package browser

import (
	"context"
	"fmt"

	"github.com/rvellek/clicksight/api/schemas"
	"github.com/rvellek/clicksight/internal/vision/extract"
	"github.com/rvellek/clicksight/internal/vision/normalize"
)

// pageOps is the slice of Driver the click adapter needs. Tests implement it
// with a stub instead of a browser.
type pageOps interface {
	ElementRect(ctx context.Context, selector string) (schemas.Rect, error)
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)
	ClickAtOffsetFromCenter(ctx context.Context, selector string, dx, dy float64) error
}

// ClickFromProviderJSON turns a model's free-form answer into a physical
// click on the element. The element's screenshot and layout box are
// re-measured here, at click time; coordinates in the answer refer to
// whatever image the model saw, and the normalized point carries across both
// measurements unchanged.
func ClickFromProviderJSON(ctx context.Context, page pageOps, selector, providerText string, fallback normalize.Space, frame *normalize.Frame) (schemas.ClickInfo, error) {
	obj, err := extract.JSONObject(providerText)
	if err != nil {
		return schemas.ClickInfo{}, fmt.Errorf("provider answer had no usable JSON: %w", err)
	}

	srcW, srcH := 0, 0
	if frame != nil {
		srcW, srcH = frame.W, frame.H
	}
	pt, err := normalize.CoerceProviderCoords(obj, fallback, srcW, srcH)
	if err != nil {
		return schemas.ClickInfo{}, fmt.Errorf("provider coordinates unusable: %w", err)
	}

	shot, err := page.ElementScreenshot(ctx, selector)
	if err != nil {
		return schemas.ClickInfo{}, err
	}
	pngW, pngH, err := PNGSize(shot)
	if err != nil {
		return schemas.ClickInfo{}, err
	}
	rect, err := page.ElementRect(ctx, selector)
	if err != nil {
		return schemas.ClickInfo{}, err
	}

	off, err := normalize.ElementOffsets(pt.NX, pt.NY, pngW, pngH, rect.Width, rect.Height)
	if err != nil {
		return schemas.ClickInfo{}, err
	}

	// The dispatcher addresses the element center; convert the top-left
	// offset into a center displacement.
	dx := float64(off.OffX) - rect.Width/2
	dy := float64(off.OffY) - rect.Height/2
	if err := page.ClickAtOffsetFromCenter(ctx, selector, dx, dy); err != nil {
		return schemas.ClickInfo{}, err
	}

	return schemas.ClickInfo{
		Selector: selector,
		Rect:     rect,
		OffsetX:  off.OffX,
		OffsetY:  off.OffY,
		NX:       pt.NX,
		NY:       pt.NY,
		Strategy: "vision",
		Explain:  normalize.Explain(off),
	}, nil
}
