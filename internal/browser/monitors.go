// File: internal/browser/monitors.go
package browser

import (
	"context"
	"fmt"
	"time"
)

// installMonitorsJS wires passive listeners that count real user input. The
// counters live on window so they survive between polls but not navigations;
// callers reinstall after a page load.
const installMonitorsJS = `(() => {
	if (window.__csActivity) return true;
	const a = {clicks: 0, keys: 0, scrolls: 0, lastEventMs: 0};
	const mark = () => { a.lastEventMs = Date.now(); };
	window.addEventListener('click', () => { a.clicks++; mark(); }, {capture: true, passive: true});
	window.addEventListener('keydown', () => { a.keys++; mark(); }, {capture: true, passive: true});
	window.addEventListener('scroll', () => { a.scrolls++; mark(); }, {capture: true, passive: true});
	window.__csActivity = a;
	return true;
})()`

const readMonitorsJS = `(() => {
	const a = window.__csActivity;
	if (!a) return null;
	return {clicks: a.clicks, keys: a.keys, scrolls: a.scrolls, last_event_ms: a.lastEventMs};
})()`

const removeMonitorsJS = `(() => { delete window.__csActivity; return true; })()`

// ActivityReport summarizes human input observed since the monitors were
// installed on the current page.
type ActivityReport struct {
	Clicks      int   `json:"clicks"`
	Keys        int   `json:"keys"`
	Scrolls     int   `json:"scrolls"`
	LastEventMs int64 `json:"last_event_ms"`
}

// Active reports whether any input has been seen at all.
func (r ActivityReport) Active() bool {
	return r.Clicks > 0 || r.Keys > 0 || r.Scrolls > 0
}

// RecentlyActive reports whether input was seen within the window.
func (r ActivityReport) RecentlyActive(within time.Duration) bool {
	if r.LastEventMs == 0 {
		return false
	}
	last := time.UnixMilli(r.LastEventMs)
	return time.Since(last) <= within
}

// InstallActivityMonitors plants the input listeners on the current page.
func (d *Driver) InstallActivityMonitors(ctx context.Context) error {
	var ok bool
	if err := d.ExecuteScript(ctx, installMonitorsJS, &ok); err != nil {
		return fmt.Errorf("failed to install activity monitors: %w", err)
	}
	return nil
}

// DetectHumanActivity reads the counters. A nil report means the monitors are
// not installed on this page (e.g. after a navigation).
func (d *Driver) DetectHumanActivity(ctx context.Context) (*ActivityReport, error) {
	var report *ActivityReport
	if err := d.ExecuteScript(ctx, readMonitorsJS, &report); err != nil {
		return nil, fmt.Errorf("failed to read activity monitors: %w", err)
	}
	return report, nil
}

// RemoveActivityMonitors drops the counters. The listeners themselves are
// harmless without the state object and disappear on the next navigation.
func (d *Driver) RemoveActivityMonitors(ctx context.Context) error {
	return d.ExecuteScript(ctx, removeMonitorsJS, nil)
}
