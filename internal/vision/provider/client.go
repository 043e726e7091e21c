// File: internal/vision/provider/client.go

// Package provider sends an element screenshot plus a prompt to a
// vision-capable chat-completion endpoint under a fixed system contract and
// hands back the model's raw text together with a best-effort parse.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rvellek/clicksight/internal/config"
	"github.com/rvellek/clicksight/internal/vision/extract"
)

var (
	// ErrMissingCredentials is returned when the configured provider has no
	// API key resolved.
	ErrMissingCredentials = errors.New("provider API key not set")
	// ErrUnknownProvider is returned for a provider name with no
	// configuration entry.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrPolicyDisabled is returned for model variants disabled by the cost
	// policy ("pro" variants) without the override flag.
	ErrPolicyDisabled = errors.New("model variants with 'pro' are disabled by policy; set vision.allow_pro_models to override")
)

// HTTPError carries a non-200 provider response. HTTP failures are never
// retried by the client; they propagate immediately.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider HTTP %d: %s", e.Status, e.Body)
}

// systemContract instructs the model to return only the JSON schema the
// click pipeline understands, in normalized coordinates.
const systemContract = `You are a vision-to-action tool. Given a single image, return ONLY this JSON with normalized coordinates in [0,1] relative to the image you received:
{
  "version":"1.0",
  "coords":{"space":"normalized","x": <float 0..1>,"y": <float 0..1>},
  "why":"<short>",
  "confidence": <0.0..1.0>
}
Rules:
- One JSON object. No extra text, no code fences.
- (0,0)=top-left, (1,1)=bottom-right.
- If uncertain, still output your best guess with confidence<=0.3.`

// jsonNudge is the terse system message prepended on the single retry after
// an unparsable first response.
const jsonNudge = "Return JSON only, no extra text."

// centerFallbackJSON is the canned response for provider "none": a centered
// click at low confidence, for smoke tests without a network or key.
const centerFallbackJSON = `{"version":"1.0","coords":{"space":"normalized","x":0.5,"y":0.5},"why":"center","confidence":0.1}`

// Result is the outcome of one analysis. Text is always the raw text of
// whichever response came back last; Parsed/ParseErr record whether it could
// be decoded. A response that still fails to parse after the retry is not an
// error here — the caller decides whether that aborts anything.
type Result struct {
	Text     string
	Parsed   map[string]any
	ParseErr error
}

// Client talks to an OpenAI-compatible chat-completion endpoint.
type Client struct {
	cfg        config.VisionConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a client from resolved configuration.
func New(cfg config.VisionConfig, logger *zap.Logger) *Client {
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("vision.provider"),
	}
}

// -- Chat-completion wire structures (OpenAI-compatible) --

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role string `json:"role"`
	// Content is a bare string for system messages and a part list for the
	// user message carrying the image.
	Content any `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// AnalyzeImage sends the PNG and prompt to the configured provider and
// returns the raw model text plus a best-effort parse. The single retry is
// only for an unparsable response; HTTP errors propagate without retrying.
func (c *Client) AnalyzeImage(ctx context.Context, png []byte, userPrompt string) (Result, error) {
	providerName := strings.ToLower(c.cfg.Provider)
	if providerName == "" {
		providerName = "none"
	}

	if providerName == "none" {
		parsed, err := extract.JSONObject(centerFallbackJSON)
		return Result{Text: centerFallbackJSON, Parsed: parsed, ParseErr: err}, nil
	}

	// Cost-control policy: "pro" variants are opt-in.
	if strings.Contains(strings.ToLower(c.cfg.Model), "pro") && !c.cfg.AllowProModels {
		return Result{}, fmt.Errorf("model %q: %w", c.cfg.Model, ErrPolicyDisabled)
	}

	pc, ok := c.cfg.Providers[providerName]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}
	if strings.TrimSpace(pc.APIKey) == "" {
		return Result{}, fmt.Errorf("provider %q: %w", providerName, ErrMissingCredentials)
	}

	messages := buildMessages(userPrompt, dataURL(png))

	text, finishReason, err := c.postChatCompletions(ctx, pc, messages)
	if err != nil {
		return Result{}, err
	}
	c.logger.Debug("Provider response received.",
		zap.String("provider", providerName),
		zap.String("finish_reason", finishReason),
		zap.Int("text_len", len(text)),
	)

	parsed, parseErr := extract.JSONObject(text)
	if parseErr == nil {
		c.logOutOfRange(parsed)
		return Result{Text: text, Parsed: parsed}, nil
	}

	// One retry with a terse JSON-only nudge. Whatever comes back is
	// returned raw either way.
	c.logger.Warn("Provider response did not contain parsable JSON, retrying once.",
		zap.String("provider", providerName))
	nudged := append([]message{{Role: "system", Content: jsonNudge}}, messages...)

	text2, _, err := c.postChatCompletions(ctx, pc, nudged)
	if err != nil {
		return Result{}, err
	}
	parsed2, parseErr2 := extract.JSONObject(text2)
	if parseErr2 == nil {
		c.logOutOfRange(parsed2)
	}
	return Result{Text: text2, Parsed: parsed2, ParseErr: parseErr2}, nil
}

func buildMessages(userPrompt, imageDataURL string) []message {
	return []message{
		{Role: "system", Content: systemContract},
		{Role: "user", Content: []contentPart{
			{Type: "text", Text: userPrompt},
			{Type: "image_url", ImageURL: &imageURL{URL: imageDataURL}},
		}},
	}
}

// dataURL encodes the element PNG as-is; no resizing.
func dataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// postChatCompletions POSTs one request to the provider's chat/completions
// endpoint and returns the first choice's text.
func (c *Client) postChatCompletions(ctx context.Context, pc config.ProviderConfig, messages []message) (string, string, error) {
	payload := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
	}

	// Model-family request shaping comes from the profile table, never from
	// inline branching on names.
	profile := profileFor(c.cfg.Model)
	if !profile.LocksTemperature {
		payload["temperature"] = 0.2
	}
	switch profile.TokenParam {
	case "max_completion_tokens":
		payload[profile.TokenParam] = c.cfg.MaxCompletionTokens
	default:
		payload[profile.TokenParam] = c.cfg.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	url := strings.TrimRight(pc.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+pc.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", &HTTPError{Status: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", "", fmt.Errorf("malformed provider response: %w; body=%s", err, truncate(string(respBody), 300))
	}
	if len(parsed.Choices) == 0 {
		return "", "", fmt.Errorf("provider returned no choices; body=%s", truncate(string(respBody), 300))
	}

	choice := parsed.Choices[0]
	return strings.TrimSpace(choice.Message.Content), choice.FinishReason, nil
}

// logOutOfRange notes coordinates outside [0,1]. They are clamped downstream,
// but out-of-range values indicate prompt or model drift worth surfacing.
// Like the coercion path, it reads the nested "coords" block or falls back to
// top-level x/y.
func (c *Client) logOutOfRange(parsed map[string]any) {
	coords, ok := parsed["coords"].(map[string]any)
	if !ok {
		coords = parsed
	}
	var outside []string
	if x, ok := coords["x"].(float64); ok && (x < 0 || x > 1) {
		outside = append(outside, "x")
	}
	if y, ok := coords["y"].(float64); ok && (y < 0 || y > 1) {
		outside = append(outside, "y")
	}
	if len(outside) > 0 {
		c.logger.Warn("Provider coordinates outside [0,1]; will clamp downstream.",
			zap.Strings("axes", outside))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
