// File: api/schemas/vision.go
package schemas

// Coords is the coordinate block a vision provider is asked to return.
// Space names a coordinate convention ("normalized", "pixel", "0-1000");
// X and Y are interpreted in that space.
type Coords struct {
	Space string  `json:"space"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// ProviderResponse is the JSON contract a vision provider must emit.
// The surrounding text may contain prose or code fences; extraction is the
// extractor's job, not the schema's.
type ProviderResponse struct {
	Version    string  `json:"version"`
	Coords     Coords  `json:"coords"`
	Why        string  `json:"why"`
	Confidence float64 `json:"confidence"`
}

// Rect is an element's layout box in CSS pixels, viewport-relative.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ClickInfo records a single resolved click for auditing. Clicks are
// otherwise a black box, so every field that went into the final offset is
// kept.
type ClickInfo struct {
	Selector   string  `json:"selector"`
	Rect       Rect    `json:"rect"`
	OffsetX    int     `json:"offset_x"`
	OffsetY    int     `json:"offset_y"`
	NX         float64 `json:"nx"`
	NY         float64 `json:"ny"`
	Strategy   string  `json:"strategy"`
	AnchorText string  `json:"anchor_text,omitempty"`
	Href       string  `json:"href,omitempty"`
	Explain    string  `json:"explain,omitempty"`
}

// StepResult is one Observe -> Decide -> Act iteration of the agent loop.
// It is appended to the run log once and never mutated afterward.
type StepResult struct {
	Step        int        `json:"step"`
	Click       *ClickInfo `json:"click,omitempty"`
	PrevURL     string     `json:"prev_url,omitempty"`
	PostURL     string     `json:"post_url,omitempty"`
	Navigated   bool       `json:"navigated"`
	VisionError string     `json:"vision_error,omitempty"`
}

// Run statuses.
const (
	RunStatusOK        = "ok"
	RunStatusNavigated = "navigated"
)

// RunLog is the full record of an agent run.
type RunLog struct {
	Steps  []StepResult `json:"steps"`
	Status string       `json:"status"`
}
