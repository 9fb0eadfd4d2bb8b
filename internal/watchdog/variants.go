package watchdog

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/webpilot/internal/browser"
	"github.com/ent0n29/webpilot/internal/bus"
)

type subscriptions struct {
	mu   sync.Mutex
	subs []*bus.Subscription
}

func (s *subscriptions) add(sub *bus.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *subscriptions) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// DOMWatchdog serves browser state requests: the step loop asks the bus
// for the current page instead of holding a browser reference, so
// re-attachment after a reset is sufficient to restore functionality.
type DOMWatchdog struct {
	subscriptions
	served atomic.Int64
}

func NewDOMWatchdog() *DOMWatchdog { return &DOMWatchdog{} }

func (w *DOMWatchdog) Name() string { return "dom" }

func (w *DOMWatchdog) Handles() []bus.EventType {
	return []bus.EventType{bus.TypeBrowserStateRequest}
}

func (w *DOMWatchdog) Attach(b *bus.Bus, session *browser.Manager) error {
	sub, err := b.Subscribe(bus.TypeBrowserStateRequest, w.Name(), func(ctx context.Context, _ bus.Event) (any, error) {
		w.served.Add(1)
		state, err := session.Handle().PageState(ctx)
		if err != nil {
			return nil, err
		}
		return state, nil
	})
	if err != nil {
		return err
	}
	w.add(sub)
	return nil
}

func (w *DOMWatchdog) Detach() { w.drop() }

// Served returns the number of state requests served since construction.
func (w *DOMWatchdog) Served() int64 { return w.served.Load() }

// CrashWatchdog translates DevTools target-crash notifications onto the
// bus and records them.
type CrashWatchdog struct {
	subscriptions
	crashes atomic.Int64
}

func NewCrashWatchdog() *CrashWatchdog { return &CrashWatchdog{} }

func (w *CrashWatchdog) Name() string { return "crash" }

func (w *CrashWatchdog) Handles() []bus.EventType {
	return []bus.EventType{bus.TypeCrashDetected}
}

// Attach subscribes the crash handler. The raw CDP notification is
// forwarded onto the bus by the session manager's per-tab listener.
func (w *CrashWatchdog) Attach(b *bus.Bus, _ *browser.Manager) error {
	sub, err := b.Subscribe(bus.TypeCrashDetected, w.Name(), func(_ context.Context, evt bus.Event) (any, error) {
		crash, ok := evt.(bus.CrashDetected)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T for crash event", evt)
		}
		w.crashes.Add(1)
		log.Printf("browser target crashed: target=%s reason=%s", crash.TargetID, crash.Reason)
		return crash, nil
	})
	if err != nil {
		return err
	}
	w.add(sub)
	return nil
}

func (w *CrashWatchdog) Detach() { w.drop() }

// Crashes returns the number of crashes observed since construction.
func (w *CrashWatchdog) Crashes() int64 { return w.crashes.Load() }

// DownloadWatchdog mirrors download begin notifications onto the bus.
type DownloadWatchdog struct {
	subscriptions
	downloads atomic.Int64
}

func NewDownloadWatchdog() *DownloadWatchdog { return &DownloadWatchdog{} }

func (w *DownloadWatchdog) Name() string { return "download" }

func (w *DownloadWatchdog) Handles() []bus.EventType {
	return []bus.EventType{bus.TypeDownloadStarted}
}

func (w *DownloadWatchdog) Attach(b *bus.Bus, _ *browser.Manager) error {
	sub, err := b.Subscribe(bus.TypeDownloadStarted, w.Name(), func(_ context.Context, evt bus.Event) (any, error) {
		dl, ok := evt.(bus.DownloadStarted)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T for download event", evt)
		}
		w.downloads.Add(1)
		log.Printf("download started: %s (%s)", dl.SuggestedName, dl.URL)
		return dl, nil
	})
	if err != nil {
		return err
	}
	w.add(sub)
	return nil
}

func (w *DownloadWatchdog) Detach() { w.drop() }

// Downloads returns the number of downloads observed since construction.
func (w *DownloadWatchdog) Downloads() int64 { return w.downloads.Load() }

// PermissionDecision is the payload a permission request handler returns.
type PermissionDecision struct {
	Origin     string `json:"origin"`
	Permission string `json:"permission"`
	Granted    bool   `json:"granted"`
}

// PermissionWatchdog answers page permission requests against a fixed
// allow list; everything else is denied.
type PermissionWatchdog struct {
	subscriptions
	granted map[string]bool
	denied  atomic.Int64
}

func NewPermissionWatchdog(granted []string) *PermissionWatchdog {
	allow := make(map[string]bool, len(granted))
	for _, p := range granted {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			allow[p] = true
		}
	}
	return &PermissionWatchdog{granted: allow}
}

func (w *PermissionWatchdog) Name() string { return "permission" }

func (w *PermissionWatchdog) Handles() []bus.EventType {
	return []bus.EventType{bus.TypePermissionRequest}
}

func (w *PermissionWatchdog) Attach(b *bus.Bus, _ *browser.Manager) error {
	sub, err := b.Subscribe(bus.TypePermissionRequest, w.Name(), func(_ context.Context, evt bus.Event) (any, error) {
		req, ok := evt.(bus.PermissionRequest)
		if !ok {
			return nil, fmt.Errorf("unexpected payload %T for permission event", evt)
		}
		decision := PermissionDecision{
			Origin:     req.Origin,
			Permission: req.Permission,
			Granted:    w.granted[strings.ToLower(strings.TrimSpace(req.Permission))],
		}
		if !decision.Granted {
			w.denied.Add(1)
		}
		return decision, nil
	})
	if err != nil {
		return err
	}
	w.add(sub)
	return nil
}

func (w *PermissionWatchdog) Detach() { w.drop() }

// Denied returns the number of denied permission requests.
func (w *PermissionWatchdog) Denied() int64 { return w.denied.Load() }
