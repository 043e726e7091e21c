// File: internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rvellek/clicksight/internal/config"
)

var (
	ErrHandoverActive = errors.New("handover already active")
	ErrNotInHandover  = errors.New("session is not in handover")
	ErrSessionCleaned = errors.New("session already cleaned up")
)

// Callback events fired by the manager.
const (
	EventHandoverStarted = "handover_started"
	EventHandoverEnded   = "handover_ended"
	EventHandoverTimeout = "handover_timeout"
	EventSessionCleanup  = "session_cleanup"
)

// PageState is what the manager needs from the browser driver. Tests swap in
// a stub.
type PageState interface {
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	ExecuteScript(ctx context.Context, expr string, res any) error
	Cookies(ctx context.Context) ([]*network.Cookie, error)
	SetCookies(ctx context.Context, cookies []*network.CookieParam) error
}

// Callback receives the session ID when its event fires.
type Callback func(sessionID string)

// Manager owns one session's lifecycle: Automated -> HandoverActive ->
// Automated, and finally Cleaned. Mode transitions are serialized under the
// mutex; the heartbeat goroutine only reads.
type Manager struct {
	id     string
	cfg    config.SessionConfig
	page   PageState
	logger *zap.Logger

	mu            sync.Mutex
	mode          Mode
	handoverStart time.Time
	origTitle     string
	lastActivity  time.Time
	lastURL       string
	lastTitle     string

	// opMu serializes automated page operations against handover
	// transitions, so a click cannot land mid-handover.
	opMu sync.Mutex

	callbacks map[string][]Callback

	heartbeatStop chan struct{}
	wg            sync.WaitGroup
}

// NewManager creates a manager in automated mode with a fresh session ID.
func NewManager(cfg config.SessionConfig, page PageState, logger *zap.Logger) *Manager {
	id := uuid.NewString()
	return &Manager{
		id:        id,
		cfg:       cfg,
		page:      page,
		logger:    logger.Named("session").With(zap.String("session_id", id)),
		mode:      ModeAutomated,
		callbacks: make(map[string][]Callback),
	}
}

// ID returns the session identifier.
func (m *Manager) ID() string { return m.id }

// Mode returns the current lifecycle phase.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// RegisterCallback subscribes to a lifecycle event. Callbacks run
// synchronously on the goroutine that fires the event.
func (m *Manager) RegisterCallback(event string, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[event] = append(m.callbacks[event], cb)
}

func (m *Manager) fire(event string) {
	m.mu.Lock()
	cbs := append([]Callback(nil), m.callbacks[event]...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(m.id)
	}
}

const storageDumpJS = `(() => {
	const dump = (s) => {
		const o = {};
		try {
			for (let i = 0; i < s.length; i++) {
				const k = s.key(i);
				o[k] = s.getItem(k);
			}
		} catch (e) {}
		return o;
	};
	return {local: dump(localStorage), session: dump(sessionStorage)};
})()`

// CaptureState snapshots the page. Each field is captured independently; a
// failure leaves that field empty and is logged, never fatal.
func (m *Manager) CaptureState(ctx context.Context) *State {
	st := &State{
		SessionID:      m.id,
		Mode:           m.Mode(),
		CapturedAt:     time.Now().UTC(),
		LocalStorage:   map[string]string{},
		SessionStorage: map[string]string{},
	}

	if url, err := m.page.CurrentURL(ctx); err != nil {
		m.logger.Warn("Could not capture URL.", zap.Error(err))
	} else {
		st.URL = url
	}

	if title, err := m.page.Title(ctx); err != nil {
		m.logger.Warn("Could not capture title.", zap.Error(err))
	} else {
		st.Title = title
	}

	if cookies, err := m.page.Cookies(ctx); err != nil {
		m.logger.Warn("Could not capture cookies.", zap.Error(err))
	} else {
		for _, c := range cookies {
			st.Cookies = append(st.Cookies, cookieFromCDP(c))
		}
	}

	var storage struct {
		Local   map[string]string `json:"local"`
		Session map[string]string `json:"session"`
	}
	if err := m.page.ExecuteScript(ctx, storageDumpJS, &storage); err != nil {
		m.logger.Warn("Could not capture web storage.", zap.Error(err))
	} else {
		if storage.Local != nil {
			st.LocalStorage = storage.Local
		}
		if storage.Session != nil {
			st.SessionStorage = storage.Session
		}
	}

	return st
}

// persistState writes a snapshot to the state file. Persistence is
// best-effort; a full disk must not take down a handover.
func (m *Manager) persistState(st *State) {
	if _, err := SaveStateToFile(m.cfg.StateDir, st); err != nil {
		m.logger.Warn("Could not persist session state.", zap.Error(err))
	}
}

// RestoreState pushes a snapshot back into the page: cookies first, then
// navigation, then web storage (which needs the page's origin loaded).
func (m *Manager) RestoreState(ctx context.Context, st *State) error {
	if len(st.Cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(st.Cookies))
		for _, c := range st.Cookies {
			params = append(params, c.toParam())
		}
		if err := m.page.SetCookies(ctx, params); err != nil {
			return fmt.Errorf("failed to restore cookies: %w", err)
		}
	}

	if st.URL != "" {
		current, _ := m.page.CurrentURL(ctx)
		if current != st.URL {
			if err := m.page.Navigate(ctx, st.URL); err != nil {
				return fmt.Errorf("failed to restore URL: %w", err)
			}
		}
	}

	if len(st.LocalStorage) > 0 || len(st.SessionStorage) > 0 {
		if err := m.restoreStorage(ctx, st); err != nil {
			// Storage is the least critical layer; log and continue.
			m.logger.Warn("Could not restore web storage.", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) restoreStorage(ctx context.Context, st *State) error {
	payload, err := json.MarshalToString(map[string]any{
		"local":   st.LocalStorage,
		"session": st.SessionStorage,
	})
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
		const data = %s;
		for (const [k, v] of Object.entries(data.local)) localStorage.setItem(k, v);
		for (const [k, v] of Object.entries(data.session)) sessionStorage.setItem(k, v);
		return true;
	})()`, payload)
	return m.page.ExecuteScript(ctx, script, nil)
}

// WithAutomatedAccess runs fn only while the session is automated, and holds
// off handover transitions until fn returns.
func (m *Manager) WithAutomatedAccess(fn func() error) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.Mode() {
	case ModeHandover:
		return ErrHandoverActive
	case ModeCleaned:
		return ErrSessionCleaned
	}
	return fn()
}

// DetectHumanActivity compares the page against the last observation; URL or
// title drift during a handover means the human is driving.
func (m *Manager) DetectHumanActivity(ctx context.Context) bool {
	url, _ := m.page.CurrentURL(ctx)
	title, _ := m.page.Title(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	drifted := (m.lastURL != "" && url != m.lastURL) ||
		(m.lastTitle != "" && title != m.lastTitle)
	m.lastURL = url
	m.lastTitle = title
	if drifted {
		m.lastActivity = time.Now()
	}
	return drifted
}

// LastActivity reports when human activity was last detected; zero if never.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// StartHandover captures and persists the page state, marks the browser for
// the human, and starts the timeout heartbeat.
func (m *Manager) StartHandover(ctx context.Context) error {
	// Wait out any in-flight automated operation before flipping modes.
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch m.mode {
	case ModeHandover:
		m.mu.Unlock()
		return ErrHandoverActive
	case ModeCleaned:
		m.mu.Unlock()
		return ErrSessionCleaned
	}
	m.mode = ModeHandover
	m.handoverStart = time.Now()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	start := m.handoverStart
	m.mu.Unlock()

	st := m.CaptureState(ctx)
	m.mu.Lock()
	m.origTitle = st.Title
	m.lastURL = st.URL
	m.lastTitle = st.Title
	m.mu.Unlock()

	m.persistState(st)

	if m.cfg.VisualIndicators {
		m.showIndicator(ctx, "[HANDOVER] "+st.Title, m.cfg.HandoverMessage)
		// The indicator changed the title; rebase drift detection on it.
		if title, err := m.page.Title(ctx); err == nil {
			m.mu.Lock()
			m.lastTitle = title
			m.mu.Unlock()
		}
	}

	m.wg.Add(1)
	go m.heartbeat(ctx, stop, start)

	m.logger.Info("Handover started.", zap.Duration("timeout", m.cfg.HandoverTimeout))
	m.fire(EventHandoverStarted)
	return nil
}

// EndHandover returns control to automation and restores the page title.
func (m *Manager) EndHandover(ctx context.Context) error {
	m.mu.Lock()
	if m.mode != ModeHandover {
		m.mu.Unlock()
		return ErrNotInHandover
	}
	m.mode = ModeAutomated
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	title := m.origTitle
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.wg.Wait()

	if m.cfg.VisualIndicators {
		m.showIndicator(ctx, title, m.cfg.ResumeMessage)
	}

	// Final snapshot: the state file must reflect whatever the human did.
	m.persistState(m.CaptureState(ctx))

	m.logger.Info("Handover ended; automation resumed.")
	m.fire(EventHandoverEnded)
	return nil
}

// Cleanup finalizes the session. The persisted state file is kept around for
// the cleanup cooldown so late readers can still load it, then deleted.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.mode == ModeCleaned {
		m.mu.Unlock()
		return nil
	}
	wasHandover := m.mode == ModeHandover
	m.mode = ModeCleaned
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	m.mu.Unlock()

	if wasHandover && stop != nil {
		close(stop)
	}
	m.wg.Wait()

	if m.cfg.VisualIndicators {
		m.showIndicator(ctx, "", m.cfg.CleanupMessage)
	}

	// Capture and persist final state so late readers see the session as it
	// ended, for as long as the cooldown keeps the file around.
	m.persistState(m.CaptureState(ctx))

	cooldown := m.cfg.CleanupCooldown
	dir, id := m.cfg.StateDir, m.id
	logger := m.logger
	if cooldown > 0 {
		time.AfterFunc(cooldown, func() {
			if err := RemoveStateFile(dir, id); err != nil {
				logger.Warn("Could not remove session state file.", zap.Error(err))
			}
		})
	} else {
		if err := RemoveStateFile(dir, id); err != nil {
			logger.Warn("Could not remove session state file.", zap.Error(err))
		}
	}

	m.logger.Info("Session cleaned up.")
	m.fire(EventSessionCleanup)
	return nil
}

// heartbeat watches the handover window and forces an end when the timeout
// elapses.
func (m *Manager) heartbeat(ctx context.Context, stop <-chan struct{}, start time.Time) {
	defer m.wg.Done()

	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Durability beat: whatever the human has done so far survives a
			// browser crash.
			m.persistState(m.CaptureState(ctx))
			if m.cfg.HandoverTimeout > 0 && time.Since(start) >= m.cfg.HandoverTimeout {
				m.logger.Warn("Handover timed out; reclaiming session.",
					zap.Duration("timeout", m.cfg.HandoverTimeout))
				m.fire(EventHandoverTimeout)
				m.reclaimAfterTimeout(ctx)
				return
			}
		}
	}
}

// reclaimAfterTimeout performs the handover-to-automated transition from
// inside the heartbeat goroutine, which cannot go through EndHandover because
// EndHandover waits for the heartbeat to exit.
func (m *Manager) reclaimAfterTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.mode != ModeHandover {
		m.mu.Unlock()
		return
	}
	m.mode = ModeAutomated
	m.heartbeatStop = nil
	title := m.origTitle
	m.mu.Unlock()

	if m.cfg.VisualIndicators {
		m.showIndicator(ctx, title, m.cfg.ResumeMessage)
	}
	m.persistState(m.CaptureState(ctx))
	m.fire(EventHandoverEnded)
}

// showIndicator updates the page title and posts a console message for the
// human. Both are cosmetic and best-effort.
func (m *Manager) showIndicator(ctx context.Context, title, banner string) {
	if title != "" {
		script := fmt.Sprintf("document.title = %q", title)
		if err := m.page.ExecuteScript(ctx, script, nil); err != nil {
			m.logger.Debug("Could not update title indicator.", zap.Error(err))
		}
	}
	if banner != "" {
		script := fmt.Sprintf("console.info(%q)", strings.ReplaceAll(banner, "\n", " "))
		if err := m.page.ExecuteScript(ctx, script, nil); err != nil {
			m.logger.Debug("Could not post banner message.", zap.Error(err))
		}
	}
}
