// File: internal/agent/agent.go

// Package agent runs the bounded Observe -> Decide -> Act loop: screenshot an
// element, ask the vision provider where to click, dispatch the click, and
// watch for navigation.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/rvellek/clicksight/api/schemas"
	"github.com/rvellek/clicksight/internal/browser"
	"github.com/rvellek/clicksight/internal/config"
	"github.com/rvellek/clicksight/internal/vision/normalize"
	"github.com/rvellek/clicksight/internal/vision/provider"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PageDriver is the slice of the browser driver the agent needs. Tests
// substitute a scripted fake.
type PageDriver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	ElementRect(ctx context.Context, selector string) (schemas.Rect, error)
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)
	ClickAtOffsetFromCenter(ctx context.Context, selector string, dx, dy float64) error
	ExecuteScript(ctx context.Context, expr string, res any) error
}

// Vision decides where to click given an element screenshot.
type Vision interface {
	AnalyzeImage(ctx context.Context, png []byte, prompt string) (provider.Result, error)
}

// Arbiter serializes the agent's page actions against session mode
// transitions. The session Manager implements it; without one the agent runs
// unguarded.
type Arbiter interface {
	WithAutomatedAccess(fn func() error) error
}

// unguarded is the default arbiter when no session manager is wired in.
type unguarded struct{}

func (unguarded) WithAutomatedAccess(fn func() error) error { return fn() }

// Agent executes goal-driven click runs against one page.
type Agent struct {
	cfg     config.AgentConfig
	page    PageDriver
	vision  Vision
	arbiter Arbiter
	logger  *zap.Logger

	// sleep is swappable so tests do not wait out step delays.
	sleep func(ctx context.Context, d time.Duration)
}

// New builds an agent over a page driver and a vision decider.
func New(cfg config.AgentConfig, page PageDriver, vision Vision, logger *zap.Logger) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 3
	}
	if cfg.Selector == "" {
		cfg.Selector = "body"
	}
	return &Agent{
		cfg:     cfg,
		page:    page,
		vision:  vision,
		arbiter: unguarded{},
		logger:  logger.Named("agent"),
		sleep:   sleepCtx,
	}
}

// SetArbiter routes every step's page actions through the session arbiter, so
// a click cannot interleave a mid-flight handover transition or heartbeat
// capture.
func (a *Agent) SetArbiter(arb Arbiter) {
	if arb != nil {
		a.arbiter = arb
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run performs up to max_steps iterations toward the goal. A navigation stops
// the run when stop_on_navigation is set; the run then reports status
// "navigated", otherwise "ok". Per-step vision failures degrade to the DOM
// fallback and never abort the run.
func (a *Agent) Run(ctx context.Context, startURL, goal string) (*schemas.RunLog, error) {
	if startURL != "" {
		if err := a.page.Navigate(ctx, startURL); err != nil {
			return nil, err
		}
	}

	log := &schemas.RunLog{Status: schemas.RunStatusOK}
	fallback := normalize.Space(a.cfg.FallbackSpace)
	if fallback == "" {
		fallback = normalize.SpaceNormalized
	}

	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return log, err
		}

		prevURL, err := a.page.CurrentURL(ctx)
		if err != nil {
			return log, fmt.Errorf("step %d: %w", step, err)
		}

		result := schemas.StepResult{Step: step, PrevURL: prevURL}

		var click *schemas.ClickInfo
		stepErr := a.arbiter.WithAutomatedAccess(func() error {
			var visionErr error
			click, visionErr = a.decideAndClick(ctx, goal, fallback)
			if visionErr == nil {
				return nil
			}
			result.VisionError = visionErr.Error()
			a.logger.Warn("Vision decision failed; using DOM fallback.",
				zap.Int("step", step), zap.Error(visionErr))
			var fbErr error
			click, fbErr = a.fallbackClick(ctx, goal)
			if fbErr != nil {
				return fmt.Errorf("DOM fallback failed: %w", fbErr)
			}
			return nil
		})
		if stepErr != nil {
			return log, fmt.Errorf("step %d: %w", step, stepErr)
		}
		result.Click = click

		a.sleep(ctx, a.cfg.StepDelay)

		postURL, err := a.page.CurrentURL(ctx)
		if err != nil {
			return log, fmt.Errorf("step %d: %w", step, err)
		}
		result.PostURL = postURL
		result.Navigated = postURL != prevURL

		log.Steps = append(log.Steps, result)
		a.logger.Info("Step complete.",
			zap.Int("step", step),
			zap.String("strategy", click.Strategy),
			zap.Bool("navigated", result.Navigated),
		)

		if result.Navigated && a.cfg.StopOnNavigation {
			log.Status = schemas.RunStatusNavigated
			break
		}
	}
	return log, nil
}

// decideAndClick runs one vision round trip and converts the answer into a
// physical click.
func (a *Agent) decideAndClick(ctx context.Context, goal string, fallback normalize.Space) (*schemas.ClickInfo, error) {
	shot, err := a.page.ElementScreenshot(ctx, a.cfg.Selector)
	if err != nil {
		return nil, err
	}
	w, h, err := browser.PNGSize(shot)
	if err != nil {
		return nil, err
	}
	frame := &normalize.Frame{W: w, H: h, Space: normalize.SpacePixel}

	prompt := fmt.Sprintf("Goal: %s\nWhere should I click in this image to make progress toward the goal?", goal)
	res, err := a.vision.AnalyzeImage(ctx, shot, prompt)
	if err != nil {
		return nil, err
	}
	if res.ParseErr != nil {
		return nil, fmt.Errorf("provider answer unparsable: %w", res.ParseErr)
	}

	info, err := browser.ClickFromProviderJSON(ctx, a.page, a.cfg.Selector, res.Text, fallback, frame)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// anchorPickJS scores clickable elements by goal-keyword hits in their text
// and clicks the best one. With no hits at all, the first anchor wins.
const anchorPickJS = `((tokens) => {
	const candidates = Array.from(document.querySelectorAll('a, button'));
	if (candidates.length === 0) return null;
	let best = null;
	let bestScore = -1;
	for (const el of candidates) {
		const text = (el.textContent || '').toLowerCase();
		let score = 0;
		for (const tok of tokens) {
			if (text.includes(tok)) score++;
		}
		if (score > bestScore) {
			best = el;
			bestScore = score;
		}
	}
	if (!best) return null;
	best.click();
	return {text: (best.textContent || '').trim(), href: best.href || ''};
})(%s)`

// fallbackClick is the no-vision path: pick a link or button whose text
// matches the goal and fire its DOM click.
func (a *Agent) fallbackClick(ctx context.Context, goal string) (*schemas.ClickInfo, error) {
	tokens := goalTokens(goal)
	encoded, err := json.MarshalToString(tokens)
	if err != nil {
		return nil, err
	}

	var picked *struct {
		Text string `json:"text"`
		Href string `json:"href"`
	}
	if err := a.page.ExecuteScript(ctx, fmt.Sprintf(anchorPickJS, encoded), &picked); err != nil {
		return nil, err
	}
	if picked == nil {
		return nil, fmt.Errorf("no clickable elements on page")
	}

	return &schemas.ClickInfo{
		Selector:   a.cfg.Selector,
		Strategy:   "dom-fallback",
		AnchorText: picked.Text,
		Href:       picked.Href,
	}, nil
}

// goalTokens lowercases the goal and keeps words of three or more characters.
func goalTokens(goal string) []string {
	var tokens []string
	for _, w := range strings.Fields(strings.ToLower(goal)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) >= 3 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}
