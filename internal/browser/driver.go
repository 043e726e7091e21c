// File: internal/browser/driver.go

// Package browser drives a Chrome instance over CDP: navigation, element
// geometry, screenshots and physical click dispatch.
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/rvellek/clicksight/api/schemas"
	"github.com/rvellek/clicksight/internal/config"
)

// ErrElementNotFound is returned when a selector matches nothing on the page.
var ErrElementNotFound = errors.New("element not found")

// OwnershipToken grants the right to close the browser. Open hands one to the
// caller that launched the process; Attach never does, so an attached browser
// cannot be killed through this package.
type OwnershipToken struct {
	id uint64
}

var tokenSeq atomic.Uint64

func newToken() *OwnershipToken {
	return &OwnershipToken{id: tokenSeq.Add(1)}
}

// Driver wraps one browser tab context. All methods take the chromedp tab
// context returned by Context(); tests substitute their own.
type Driver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	token       *OwnershipToken
	attached    bool
}

// Open launches a browser process and returns the driver together with the
// ownership token that permits closing it.
func Open(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Driver, *OwnershipToken, error) {
	opts := execOptions(cfg)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Force the process to start so launch failures surface here, not on the
	// first navigation.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	d := &Driver{
		cfg:         cfg,
		logger:      logger.Named("browser"),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		token:       newToken(),
	}
	d.logger.Info("Browser launched.",
		zap.Bool("headless", cfg.Headless),
		zap.Int("width", cfg.WindowWidth),
		zap.Int("height", cfg.WindowHeight),
	)
	return d, d.token, nil
}

// Attach connects to an already-running browser over its DevTools websocket.
// No ownership token is issued; Close on an attached driver only drops the
// connection.
func Attach(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	if cfg.RemoteURL == "" {
		return nil, errors.New("remote URL is required to attach")
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to attach to browser at %s: %w", cfg.RemoteURL, err)
	}

	d := &Driver{
		cfg:         cfg,
		logger:      logger.Named("browser"),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		attached:    true,
	}
	d.logger.Info("Attached to running browser.", zap.String("remote_url", cfg.RemoteURL))
	return d, nil
}

func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.ProfileDir))
	}
	return opts
}

// Context returns the tab context every page operation runs against.
func (d *Driver) Context() context.Context {
	return d.tabCtx
}

// Close shuts the browser down if the caller holds the ownership token.
// Without the token, or with keep_open set, the process is left running so a
// human can keep using it.
func (d *Driver) Close(token *OwnershipToken) {
	if d.attached {
		d.logger.Info("Detaching from browser; remote process stays up.")
		d.tabCancel()
		d.allocCancel()
		return
	}
	if token == nil || d.token == nil || token.id != d.token.id {
		d.logger.Info("Close called without ownership token; leaving browser running.")
		return
	}
	if d.cfg.KeepOpen {
		d.logger.Info("keep_open set; leaving browser running for human use.")
		return
	}
	d.tabCancel()
	d.allocCancel()
	d.logger.Info("Browser closed.")
}

// Navigate loads a URL and waits for the document body, bounded by the
// configured navigation timeout.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	timeout := d.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// CurrentURL returns the tab's current location.
func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := chromedp.Run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read current URL: %w", err)
	}
	return url, nil
}

// Title returns the document title.
func (d *Driver) Title(ctx context.Context) (string, error) {
	var title string
	if err := chromedp.Run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read title: %w", err)
	}
	return title, nil
}

// ExecuteScript evaluates an expression in the page, decoding the result into
// res when it is non-nil.
func (d *Driver) ExecuteScript(ctx context.Context, expr string, res any) error {
	var action chromedp.Action
	if res != nil {
		action = chromedp.Evaluate(expr, res)
	} else {
		action = chromedp.Evaluate(expr, nil)
	}
	if err := chromedp.Run(ctx, action); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// elementRectJS measures the first selector match in viewport CSS pixels,
// which is the coordinate system CDP input dispatch uses.
const elementRectJS = `(() => {
	const el = document.querySelector(%q);
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return {x: r.x, y: r.y, width: r.width, height: r.height};
})()`

// ElementRect scrolls the element into view and returns its bounding box in
// viewport CSS pixels.
func (d *Driver) ElementRect(ctx context.Context, selector string) (schemas.Rect, error) {
	var rect *schemas.Rect
	err := chromedp.Run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(elementRectJS, selector), &rect),
	)
	if err != nil {
		return schemas.Rect{}, fmt.Errorf("failed to measure %q: %w", selector, err)
	}
	if rect == nil {
		return schemas.Rect{}, fmt.Errorf("%w: %q", ErrElementNotFound, selector)
	}
	return *rect, nil
}

// ElementScreenshot captures a PNG of the first visible selector match.
func (d *Driver) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(ctx,
		chromedp.Screenshot(selector, &buf, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to screenshot %q: %w", selector, err)
	}
	return buf, nil
}

// PNGSize reads the pixel dimensions from a PNG header without decoding the
// image data.
func PNGSize(data []byte) (int, int, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode PNG header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// ClickAtOffsetFromCenter measures the element, then dispatches a physical
// mouse press and release at its center displaced by (dx, dy) CSS pixels.
// Measuring at dispatch time keeps the click anchored even if the page moved
// since the caller last looked.
func (d *Driver) ClickAtOffsetFromCenter(ctx context.Context, selector string, dx, dy float64) error {
	rect, err := d.ElementRect(ctx, selector)
	if err != nil {
		return err
	}

	x := rect.X + rect.Width/2 + dx
	y := rect.Y + rect.Height/2 + dy

	press := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).
		WithButtons(1).
		WithClickCount(1)
	release := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).
		WithButtons(0).
		WithClickCount(1)

	if err := chromedp.Run(ctx, press, release); err != nil {
		return fmt.Errorf("failed to dispatch click at (%.1f, %.1f): %w", x, y, err)
	}
	d.logger.Debug("Click dispatched.",
		zap.String("selector", selector),
		zap.Float64("x", x),
		zap.Float64("y", y),
	)
	return nil
}

// Cookies returns all cookies visible to the current tab.
func (d *Driver) Cookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}
	return cookies, nil
}

// SetCookies installs cookies into the browser's cookie jar.
func (d *Driver) SetCookies(ctx context.Context, cookies []*network.CookieParam) error {
	if len(cookies) == 0 {
		return nil
	}
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.SetCookies(cookies).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

// Status is a point-in-time health snapshot of the tab.
type Status struct {
	Alive     bool   `json:"alive"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	LoadState string `json:"load_state"`
}

// BrowserStatus probes the tab. A dead tab comes back with Alive=false rather
// than an error, since callers use this to decide whether cleanup is needed.
func (d *Driver) BrowserStatus(ctx context.Context) Status {
	var st Status
	var readyState string
	if err := d.ExecuteScript(ctx, "document.readyState", &readyState); err != nil {
		return st
	}
	st.Alive = true
	st.LoadState = readyState
	st.URL, _ = d.CurrentURL(ctx)
	st.Title, _ = d.Title(ctx)
	return st
}
