// File: internal/session/state.go

// Package session manages the browser session lifecycle around a human
// handover: capturing and restoring page state, persisting it to disk, and
// supervising the handover window with a heartbeat.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/network"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Mode is the session lifecycle phase.
type Mode string

const (
	ModeAutomated Mode = "automated"
	ModeHandover  Mode = "handover_active"
	ModeCleaned   Mode = "cleaned"
)

// Cookie is the persisted subset of a browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"same_site"`
}

// State is a point-in-time snapshot of the page, captured before handover and
// restorable after it. Every field is best-effort; a snapshot with only a URL
// is still worth keeping.
type State struct {
	SessionID      string            `json:"session_id"`
	URL            string            `json:"url"`
	Title          string            `json:"title"`
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
	Mode           Mode              `json:"mode"`
	CapturedAt     time.Time         `json:"captured_at"`
}

func cookieFromCDP(c *network.Cookie) Cookie {
	return Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite.String(),
	}
}

func (c Cookie) toParam() *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if c.SameSite != "" {
		p.SameSite = network.CookieSameSite(c.SameSite)
	}
	return p
}

// statePath is the on-disk location for one session's snapshot.
func statePath(dir, sessionID string) string {
	return filepath.Join(dir, fmt.Sprintf("session_state_%s.json", sessionID))
}

// SaveStateToFile persists the snapshot as indented JSON with RFC 3339
// timestamps.
func SaveStateToFile(dir string, st *State) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal session state: %w", err)
	}
	path := statePath(dir, st.SessionID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write session state: %w", err)
	}
	return path, nil
}

// LoadState reads a previously saved snapshot.
func LoadState(dir, sessionID string) (*State, error) {
	data, err := os.ReadFile(statePath(dir, sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}
	return &st, nil
}

// RemoveStateFile deletes the snapshot; a missing file is not an error.
func RemoveStateFile(dir, sessionID string) error {
	err := os.Remove(statePath(dir, sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session state: %w", err)
	}
	return nil
}
