// File: internal/agent/agent_test.go
package agent

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rvellek/clicksight/api/schemas"
	"github.com/rvellek/clicksight/internal/config"
	"github.com/rvellek/clicksight/internal/vision/provider"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// fakeDriver scripts a page: urls is consumed one entry per click, so the
// test controls exactly when navigation appears to happen.
type fakeDriver struct {
	url        string
	urlOnClick []string

	clicks    int
	navigated []string
	scripts   int
	shot      []byte
	rect      schemas.Rect
}

func (f *fakeDriver) Navigate(_ context.Context, url string) error {
	f.navigated = append(f.navigated, url)
	f.url = url
	return nil
}

func (f *fakeDriver) CurrentURL(context.Context) (string, error) { return f.url, nil }

func (f *fakeDriver) ElementRect(context.Context, string) (schemas.Rect, error) {
	return f.rect, nil
}

func (f *fakeDriver) ElementScreenshot(context.Context, string) ([]byte, error) {
	return f.shot, nil
}

func (f *fakeDriver) ClickAtOffsetFromCenter(context.Context, string, float64, float64) error {
	if f.clicks < len(f.urlOnClick) {
		f.url = f.urlOnClick[f.clicks]
	}
	f.clicks++
	return nil
}

func (f *fakeDriver) ExecuteScript(_ context.Context, _ string, res any) error {
	f.scripts++
	if out, ok := res.(**struct {
		Text string `json:"text"`
		Href string `json:"href"`
	}); ok {
		*out = &struct {
			Text string `json:"text"`
			Href string `json:"href"`
		}{Text: "Sign in", Href: "https://example.com/login"}
	}
	return nil
}

type fakeVision struct {
	result provider.Result
	err    error
	calls  int
}

func (f *fakeVision) AnalyzeImage(context.Context, []byte, string) (provider.Result, error) {
	f.calls++
	return f.result, f.err
}

func centerAnswer() provider.Result {
	text := `{"version":"1.0","coords":{"space":"normalized","x":0.5,"y":0.5},"why":"center","confidence":0.9}`
	return provider.Result{Text: text, Parsed: map[string]any{}}
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Selector:         "body",
		MaxSteps:         3,
		StepDelay:        0,
		StopOnNavigation: true,
		FallbackSpace:    "normalized",
	}
}

func TestRun_StopsAfterNavigation(t *testing.T) {
	driver := &fakeDriver{
		shot:       encodePNG(t, 200, 100),
		rect:       schemas.Rect{Width: 100, Height: 50},
		urlOnClick: []string{"https://example.com/done"},
	}
	vision := &fakeVision{result: centerAnswer()}

	a := New(testAgentConfig(), driver, vision, zap.NewNop())
	log, err := a.Run(context.Background(), "https://example.com", "sign in")
	require.NoError(t, err)

	// Three steps were allowed but the first click navigated.
	require.Len(t, log.Steps, 1)
	assert.Equal(t, schemas.RunStatusNavigated, log.Status)
	assert.True(t, log.Steps[0].Navigated)
	assert.Equal(t, "https://example.com", log.Steps[0].PrevURL)
	assert.Equal(t, "https://example.com/done", log.Steps[0].PostURL)
	assert.Equal(t, 1, vision.calls)
}

func TestRun_ExhaustsStepsWithoutNavigation(t *testing.T) {
	driver := &fakeDriver{
		url:  "https://example.com",
		shot: encodePNG(t, 200, 100),
		rect: schemas.Rect{Width: 100, Height: 50},
	}
	vision := &fakeVision{result: centerAnswer()}

	cfg := testAgentConfig()
	a := New(cfg, driver, vision, zap.NewNop())
	log, err := a.Run(context.Background(), "", "sign in")
	require.NoError(t, err)

	assert.Len(t, log.Steps, cfg.MaxSteps)
	assert.Equal(t, schemas.RunStatusOK, log.Status)
	assert.Equal(t, cfg.MaxSteps, driver.clicks)
	assert.Empty(t, driver.navigated)
	for _, step := range log.Steps {
		assert.False(t, step.Navigated)
		assert.Equal(t, "vision", step.Click.Strategy)
	}
}

func TestRun_ContinuesOnNavigationWhenConfigured(t *testing.T) {
	driver := &fakeDriver{
		url:        "https://example.com",
		shot:       encodePNG(t, 200, 100),
		rect:       schemas.Rect{Width: 100, Height: 50},
		urlOnClick: []string{"https://example.com/next"},
	}
	vision := &fakeVision{result: centerAnswer()}

	cfg := testAgentConfig()
	cfg.StopOnNavigation = false
	a := New(cfg, driver, vision, zap.NewNop())
	log, err := a.Run(context.Background(), "", "sign in")
	require.NoError(t, err)

	assert.Len(t, log.Steps, cfg.MaxSteps)
	assert.Equal(t, schemas.RunStatusOK, log.Status)
	assert.True(t, log.Steps[0].Navigated)
	assert.False(t, log.Steps[1].Navigated)
}

func TestRun_VisionFailureFallsBackToDOM(t *testing.T) {
	driver := &fakeDriver{
		url:  "https://example.com",
		shot: encodePNG(t, 200, 100),
	}
	vision := &fakeVision{err: errors.New("provider unreachable")}

	cfg := testAgentConfig()
	cfg.MaxSteps = 1
	a := New(cfg, driver, vision, zap.NewNop())
	log, err := a.Run(context.Background(), "", "sign in now")
	require.NoError(t, err)

	require.Len(t, log.Steps, 1)
	step := log.Steps[0]
	assert.Contains(t, step.VisionError, "provider unreachable")
	require.NotNil(t, step.Click)
	assert.Equal(t, "dom-fallback", step.Click.Strategy)
	assert.Equal(t, "Sign in", step.Click.AnchorText)
	assert.Equal(t, 1, driver.scripts)
	// The physical dispatcher was never used.
	assert.Zero(t, driver.clicks)
}

func TestRun_UnparsableAnswerFallsBackToDOM(t *testing.T) {
	driver := &fakeDriver{
		url:  "https://example.com",
		shot: encodePNG(t, 200, 100),
	}
	vision := &fakeVision{result: provider.Result{
		Text:     "no json at all",
		ParseErr: errors.New("no JSON object found"),
	}}

	cfg := testAgentConfig()
	cfg.MaxSteps = 1
	a := New(cfg, driver, vision, zap.NewNop())
	log, err := a.Run(context.Background(), "", "sign in")
	require.NoError(t, err)

	require.Len(t, log.Steps, 1)
	assert.Equal(t, "dom-fallback", log.Steps[0].Click.Strategy)
	assert.NotEmpty(t, log.Steps[0].VisionError)
}

func TestRun_HonorsContextCancellation(t *testing.T) {
	driver := &fakeDriver{
		url:  "https://example.com",
		shot: encodePNG(t, 200, 100),
		rect: schemas.Rect{Width: 100, Height: 50},
	}
	vision := &fakeVision{result: centerAnswer()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(testAgentConfig(), driver, vision, zap.NewNop())
	log, err := a.Run(ctx, "", "sign in")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, log.Steps)
}

// fakeArbiter counts guarded sections and can refuse access.
type fakeArbiter struct {
	calls  int
	refuse error
}

func (f *fakeArbiter) WithAutomatedAccess(fn func() error) error {
	f.calls++
	if f.refuse != nil {
		return f.refuse
	}
	return fn()
}

func TestRun_GuardsEveryStepThroughArbiter(t *testing.T) {
	driver := &fakeDriver{
		url:  "https://example.com",
		shot: encodePNG(t, 200, 100),
		rect: schemas.Rect{Width: 100, Height: 50},
	}
	vision := &fakeVision{result: centerAnswer()}
	arb := &fakeArbiter{}

	cfg := testAgentConfig()
	a := New(cfg, driver, vision, zap.NewNop())
	a.SetArbiter(arb)

	log, err := a.Run(context.Background(), "", "sign in")
	require.NoError(t, err)

	// One guarded section per step, nothing dispatched outside them.
	assert.Equal(t, cfg.MaxSteps, arb.calls)
	assert.Equal(t, cfg.MaxSteps, len(log.Steps))
	assert.Equal(t, cfg.MaxSteps, driver.clicks)
}

func TestRun_ArbiterRefusalAbortsStep(t *testing.T) {
	driver := &fakeDriver{
		url:  "https://example.com",
		shot: encodePNG(t, 200, 100),
		rect: schemas.Rect{Width: 100, Height: 50},
	}
	vision := &fakeVision{result: centerAnswer()}
	arb := &fakeArbiter{refuse: errors.New("handover already active")}

	a := New(testAgentConfig(), driver, vision, zap.NewNop())
	a.SetArbiter(arb)

	log, err := a.Run(context.Background(), "", "sign in")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handover already active")

	// The refused step never touched the page.
	assert.Empty(t, log.Steps)
	assert.Zero(t, driver.clicks)
	assert.Zero(t, vision.calls)
}

func TestGoalTokens(t *testing.T) {
	tokens := goalTokens("Go to the Sign-In page, now!")
	assert.Equal(t, []string{"the", "sign-in", "page", "now"}, tokens)
	assert.NotContains(t, tokens, "go")
	assert.NotContains(t, tokens, "to")
}

func TestNew_DefaultsBounds(t *testing.T) {
	a := New(config.AgentConfig{}, &fakeDriver{}, &fakeVision{}, zap.NewNop())
	assert.Equal(t, 3, a.cfg.MaxSteps)
	assert.Equal(t, "body", a.cfg.Selector)
}
