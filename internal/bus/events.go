package bus

import "time"

const (
	TypeBrowserStateRequest EventType = "browser_state_request"
	TypeCrashDetected       EventType = "crash_detected"
	TypeDownloadStarted     EventType = "download_started"
	TypePermissionRequest   EventType = "permission_request"
	TypeTabClosed           EventType = "tab_closed"
	TypeStep                EventType = "step"
)

// BrowserStateRequest asks whichever watchdog serves page state to return
// a snapshot of the current page. Handlers return browser.PageState.
type BrowserStateRequest struct {
	IncludeTitle bool
}

func (BrowserStateRequest) EventType() EventType { return TypeBrowserStateRequest }

// CrashDetected reports a crashed render target.
type CrashDetected struct {
	TargetID string
	Reason   string
}

func (CrashDetected) EventType() EventType { return TypeCrashDetected }

// DownloadStarted reports a download the browser began.
type DownloadStarted struct {
	URL           string
	SuggestedName string
}

func (DownloadStarted) EventType() EventType { return TypeDownloadStarted }

// PermissionRequest reports a page asking for a browser permission.
type PermissionRequest struct {
	Origin     string
	Permission string
}

func (PermissionRequest) EventType() EventType { return TypePermissionRequest }

// TabClosed reports a closed target.
type TabClosed struct {
	TargetID string
}

func (TabClosed) EventType() EventType { return TypeTabClosed }

// Step is emitted by the controller once per completed task step.
// Append-only: never mutated after emission.
type Step struct {
	StepIndex    int       `json:"step_index"`
	Goal         string    `json:"goal"`
	ActionResult string    `json:"action_result"`
	Timestamp    time.Time `json:"timestamp"`
}

func (Step) EventType() EventType { return TypeStep }
