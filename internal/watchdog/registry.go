package watchdog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ent0n29/webpilot/internal/browser"
	"github.com/ent0n29/webpilot/internal/bus"
)

// ErrWiring is the fatal wiring failure: attach_all failed, or a missing
// handler persisted after a repair attempt.
var ErrWiring = errors.New("watchdog wiring failure")

// Watchdog is a handler module subscribing to specific event types.
// Implementations are stateless across resets except for their own
// internal counters.
type Watchdog interface {
	Name() string
	// Handles declares the event types this watchdog serves.
	Handles() []bus.EventType
	// Attach subscribes the watchdog to b, reaching the browser only
	// through handles issued by session.
	Attach(b *bus.Bus, session *browser.Manager) error
	// Detach drops the watchdog's own subscriptions.
	Detach()
}

// AttachmentResult is one watchdog's attach outcome.
type AttachmentResult struct {
	Watchdog string
	OK       bool
	Err      error
}

// AttachmentReport is the outcome of one AttachAll pass.
type AttachmentReport struct {
	Generation uint64
	Results    []AttachmentResult
}

// AllAttached reports whether every watchdog attached successfully.
func (r AttachmentReport) AllAttached() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if !res.OK {
			return false
		}
	}
	return true
}

// Err returns a wiring error summarizing the failed watchdogs, or nil.
func (r AttachmentReport) Err() error {
	var failed []string
	for _, res := range r.Results {
		if !res.OK {
			failed = append(failed, fmt.Sprintf("%s: %v", res.Watchdog, res.Err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrWiring, failed)
}

// Registry holds the fixed, ordered set of watchdog variants.
type Registry struct {
	mu        sync.Mutex
	watchdogs []Watchdog
}

func NewRegistry(watchdogs ...Watchdog) *Registry {
	return &Registry{watchdogs: watchdogs}
}

// DefaultRegistry wires the standard variants in their required order:
// DOM state first so step handlers exist before crash/download/permission
// listeners start translating CDP traffic onto the bus.
func DefaultRegistry(grantedPermissions []string) *Registry {
	return NewRegistry(
		NewDOMWatchdog(),
		NewCrashWatchdog(),
		NewDownloadWatchdog(),
		NewPermissionWatchdog(grantedPermissions),
	)
}

// AttachAll attaches every watchdog to the current-generation bus and
// verifies via bus introspection that every declared event type is now
// subscribed. Idempotent: a second call against an already-fully-attached
// bus re-verifies and returns success without re-subscribing.
func (r *Registry) AttachAll(b *bus.Bus, session *browser.Manager) AttachmentReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := session.Generation()
	report := AttachmentReport{Generation: gen}

	if session.WatchdogsAttached() && session.Bus() == b && r.verifyLocked(b) {
		for _, wd := range r.watchdogs {
			report.Results = append(report.Results, AttachmentResult{Watchdog: wd.Name(), OK: true})
		}
		return report
	}

	for _, wd := range r.watchdogs {
		// Drop any subscription left on a dead bus before re-attaching.
		wd.Detach()
		err := wd.Attach(b, session)
		if err == nil {
			err = verifyWatchdog(b, wd)
		}
		report.Results = append(report.Results, AttachmentResult{
			Watchdog: wd.Name(),
			OK:       err == nil,
			Err:      err,
		})
	}

	session.MarkWatchdogsAttached(gen, report.AllAttached())
	return report
}

// DetachAll drops every watchdog subscription.
func (r *Registry) DetachAll(session *browser.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, wd := range r.watchdogs {
		wd.Detach()
	}
	session.MarkWatchdogsAttached(session.Generation(), false)
}

func (r *Registry) verifyLocked(b *bus.Bus) bool {
	for _, wd := range r.watchdogs {
		if verifyWatchdog(b, wd) != nil {
			return false
		}
	}
	return true
}

func verifyWatchdog(b *bus.Bus, wd Watchdog) error {
	for _, event := range wd.Handles() {
		if !b.HasHandler(event) {
			return fmt.Errorf("%w: %s declared %q but no handler is registered", ErrWiring, wd.Name(), event)
		}
	}
	return nil
}
