package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/chromedp"

	"github.com/ent0n29/webpilot/internal/bus"
)

// ErrStaleHandle means a handle from a previous bus/session generation
// was used after RefreshEventBus. Always a programming error.
var ErrStaleHandle = errors.New("stale session handle generation")

// PageState is the snapshot served by the DOM/state watchdog.
type PageState struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Generation uint64 `json:"generation"`
}

// Config controls the session manager.
type Config struct {
	Resolver      ResolverConfig
	HealthTimeout time.Duration
}

// Manager owns the single external browser connection: discovery,
// health check, the chromedp contexts bound to it, and the event bus
// incarnation watchdogs subscribe to. Watchdogs reach the browser only
// through generation-tagged handles issued here.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	endpoint  Endpoint
	resolved  bool
	allocCtx  context.Context
	allocStop context.CancelFunc
	tabCtx    context.Context
	tabStop   context.CancelFunc

	eventBus   *bus.Bus
	generation uint64
	attached   bool
}

func NewManager(cfg Config) *Manager {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		eventBus:   bus.New(),
		generation: 1,
	}
}

// Handle is a generation-tagged reference to the live browser tab.
// Operations on a handle from an outdated generation fail with
// ErrStaleHandle instead of silently touching a recycled session.
type Handle struct {
	manager    *Manager
	generation uint64
}

func (h *Handle) Generation() uint64 { return h.generation }

// Resolve discovers the live DevTools endpoint, memoizing the first
// success, and returns a handle tagged with the current generation.
func (m *Manager) Resolve(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	if m.resolved {
		gen := m.generation
		m.mu.Unlock()
		return &Handle{manager: m, generation: gen}, nil
	}
	cfg := m.cfg.Resolver
	m.mu.Unlock()

	endpoint, err := ResolveEndpoint(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resolved {
		m.endpoint = endpoint
		m.resolved = true
	}
	return &Handle{manager: m, generation: m.generation}, nil
}

// HealthCheck probes the memoized endpoint. False triggers a Resetting
// transition in the controller.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	base := m.endpoint.Base
	resolved := m.resolved
	timeout := m.cfg.HealthTimeout
	m.mu.Unlock()
	if !resolved {
		return false
	}
	return CheckEndpoint(ctx, base, timeout)
}

// Bus returns the current-generation event bus.
func (m *Manager) Bus() *bus.Bus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventBus
}

// Generation returns the current bus/session generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// WatchdogsAttached reports whether all watchdogs are attached to the
// current-generation bus.
func (m *Manager) WatchdogsAttached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// MarkWatchdogsAttached records the attachment state for gen. A stale
// generation is ignored: the flag belongs to the current bus only.
func (m *Manager) MarkWatchdogsAttached(gen uint64, attached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.attached = attached
}

// RefreshEventBus constructs a brand-new event bus tied to the session
// and marks the old one dead. Handlers still referencing the previous
// generation are never invoked again. Watchdog attachment must be redone
// before the next step executes.
func (m *Manager) RefreshEventBus() (*bus.Bus, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.eventBus
	m.eventBus = bus.New()
	m.generation++
	m.attached = false
	if old != nil {
		old.Close()
	}
	return m.eventBus, m.generation
}

// Handle returns a handle for the current generation without resolving.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Handle{manager: m, generation: m.generation}
}

// Shutdown tears down the chromedp contexts and forgets the endpoint.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.resolved = false
	m.attached = false
	m.eventBus.Close()
}

// Release closes the browser contexts but keeps the resolved endpoint,
// so the next run reconnects without re-discovery.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// Invalidate forgets the memoized endpoint and tears down the contexts.
// A restarted browser advertises a new debugger websocket GUID, so a
// dead endpoint never comes back; the next Resolve re-walks the
// candidate list.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.resolved = false
	m.endpoint = Endpoint{}
}

// Endpoint returns the memoized DevTools endpoint, if one is resolved.
func (m *Manager) Endpoint() (Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint, m.resolved
}

func (m *Manager) teardownLocked() {
	if m.tabStop != nil {
		m.tabStop()
		m.tabCtx, m.tabStop = nil, nil
	}
	if m.allocStop != nil {
		m.allocStop()
		m.allocCtx, m.allocStop = nil, nil
	}
}

// tab lazily attaches a chromedp context to the resolved debugger
// websocket. The allocator survives across steps of one generation.
func (m *Manager) tab() (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resolved {
		return nil, ErrSessionUnavailable
	}
	if m.tabCtx == nil {
		m.allocCtx, m.allocStop = chromedp.NewRemoteAllocator(context.Background(), m.endpoint.WebSocketURL)
		m.tabCtx, m.tabStop = chromedp.NewContext(m.allocCtx)
		// chromedp listeners cannot be unregistered, so the forwarder is
		// installed exactly once per tab and looks up the current bus on
		// every event instead of capturing one incarnation.
		chromedp.ListenTarget(m.tabCtx, m.forwardCDPEvent)
	}
	return m.tabCtx, nil
}

// forwardCDPEvent translates raw DevTools notifications onto whatever
// bus is current when the event fires. Posting to a closed bus is a
// no-op, so events racing a refresh are dropped rather than delivered
// to a dead generation.
func (m *Manager) forwardCDPEvent(ev any) {
	switch e := ev.(type) {
	case *inspector.EventTargetCrashed:
		m.Bus().Post(context.Background(), bus.CrashDetected{Reason: "target crashed"})
	case *cdpbrowser.EventDownloadWillBegin:
		m.Bus().Post(context.Background(), bus.DownloadStarted{
			URL:           e.URL,
			SuggestedName: e.SuggestedFilename,
		})
	}
}

func (m *Manager) checkGeneration(gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return fmt.Errorf("%w: handle gen %d, session gen %d", ErrStaleHandle, gen, m.generation)
	}
	return nil
}

// Navigate drives the tab to url.
func (h *Handle) Navigate(ctx context.Context, url string) error {
	if err := h.manager.checkGeneration(h.generation); err != nil {
		return err
	}
	tab, err := h.manager.tab()
	if err != nil {
		return err
	}
	tab, stop := boundTab(tab, ctx)
	defer stop()
	if err := chromedp.Run(tab, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// PageState snapshots the current page location and title.
func (h *Handle) PageState(ctx context.Context) (PageState, error) {
	if err := h.manager.checkGeneration(h.generation); err != nil {
		return PageState{}, err
	}
	tab, err := h.manager.tab()
	if err != nil {
		return PageState{}, err
	}
	tab, stop := boundTab(tab, ctx)
	defer stop()
	var url, title string
	if err := chromedp.Run(tab, chromedp.Location(&url), chromedp.Title(&title)); err != nil {
		return PageState{}, fmt.Errorf("page state: %w", err)
	}
	return PageState{URL: url, Title: title, Generation: h.generation}, nil
}

// boundTab applies the caller's deadline to the chromedp tab context.
func boundTab(tab context.Context, ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(tab, deadline)
	}
	return tab, func() {}
}

