package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/webpilot/internal/agent"
	"github.com/ent0n29/webpilot/internal/broadcast"
	"github.com/ent0n29/webpilot/internal/browser"
	"github.com/ent0n29/webpilot/internal/bus"
	"github.com/ent0n29/webpilot/internal/observability"
	"github.com/ent0n29/webpilot/internal/protocol"
	"github.com/ent0n29/webpilot/internal/runlog"
	"github.com/ent0n29/webpilot/internal/transcript"
	"github.com/ent0n29/webpilot/internal/watchdog"
)

var (
	// ErrAlreadyRunning rejects a submit while a run is in progress.
	ErrAlreadyRunning = errors.New("a run is already in progress")
	// ErrNotRunning rejects pause/resume/follow-up without an active run.
	ErrNotRunning = errors.New("no run in progress")
	// ErrShuttingDown rejects commands after Shutdown started.
	ErrShuttingDown = errors.New("controller is shutting down")
)

// RunState is the controller's lifecycle state. Exactly one worker
// goroutine owns the value; all transitions are serialized through it.
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StatePaused
	StateResetting
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// Config controls run execution.
type Config struct {
	MaxSteps    int
	StepTimeout time.Duration
	StartURL    string
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 8
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 90 * time.Second
	}
	return c
}

// Deps are the controller's collaborators.
type Deps struct {
	Session     *browser.Manager
	Registry    *watchdog.Registry
	Executor    agent.Factory
	Broadcaster *broadcast.Broadcaster
	Transcript  *transcript.Log
	Store       runlog.Store
	Metrics     *observability.Metrics
}

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdFollowUp
	cmdPause
	cmdResume
	cmdReset
	cmdWarmup
)

type command struct {
	kind  cmdKind
	text  string
	ctx   context.Context
	reply chan cmdReply
}

type cmdReply struct {
	task protocol.Task
	err  error
}

type stepOutcome struct {
	result  agent.StepResult
	err     error
	elapsed time.Duration
}

// Controller is the single-writer state machine coordinating runs. All
// external requests go through a serialized command queue consumed by
// one worker goroutine; steps execute on their own goroutine so callers
// get an immediate acknowledgment and follow progress via the
// broadcaster. Reset and submit take effect only at step boundaries.
type Controller struct {
	cfg  Config
	deps Deps

	commands chan command
	stepDone chan stepOutcome
	quit     chan struct{}
	doneCh   chan struct{}

	// Worker-owned state. Never touched outside the loop goroutine.
	state         RunState
	paused        bool
	run           agent.Run
	activeTask    protocol.Task
	followUps     []protocol.Task
	stepsExecuted int
	stepInFlight  bool
	stepRetried   bool
	pendingReset  bool
	resumeURL     string
	lastErr       string
	startedAt     time.Time
	lastDropped   int64

	snapMu   sync.RWMutex
	snapshot protocol.StatusSnapshot

	closeOnce sync.Once
}

func New(cfg Config, deps Deps) *Controller {
	c := &Controller{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		commands: make(chan command, 16),
		stepDone: make(chan stepOutcome, 1),
		quit:     make(chan struct{}),
		doneCh:   make(chan struct{}),
		state:    StateIdle,
	}
	c.syncSnapshot()
	go c.loop()
	return c
}

// Submit starts a new run for the given task description. A submit while
// a run is in progress fails with ErrAlreadyRunning.
func (c *Controller) Submit(ctx context.Context, description string) (protocol.Task, error) {
	rep, err := c.send(ctx, command{kind: cmdSubmit, text: description, ctx: ctx})
	if err != nil {
		return protocol.Task{}, err
	}
	return rep.task, rep.err
}

// EnqueueFollowUp queues additional work behind the active run, applied
// at the next step boundary.
func (c *Controller) EnqueueFollowUp(ctx context.Context, description string) (protocol.Task, error) {
	rep, err := c.send(ctx, command{kind: cmdFollowUp, text: description, ctx: ctx})
	if err != nil {
		return protocol.Task{}, err
	}
	return rep.task, rep.err
}

// Pause suspends the step loop after the in-flight step completes. The
// session and bus stay wired.
func (c *Controller) Pause(ctx context.Context) error {
	rep, err := c.send(ctx, command{kind: cmdPause, ctx: ctx})
	if err != nil {
		return err
	}
	return rep.err
}

// Resume continues a paused run. No re-attachment is needed.
func (c *Controller) Resume(ctx context.Context) error {
	rep, err := c.send(ctx, command{kind: cmdResume, ctx: ctx})
	if err != nil {
		return err
	}
	return rep.err
}

// Reset tears down the run, recycles the event bus, and discards queued
// follow-ups. With a step in flight the reset is acknowledged now and
// applied at the step boundary.
func (c *Controller) Reset(ctx context.Context) error {
	rep, err := c.send(ctx, command{kind: cmdReset, ctx: ctx})
	if err != nil {
		return err
	}
	return rep.err
}

// EnsureStartPageReady pre-resolves the session, attaches watchdogs, and
// navigates to the configured start URL while idle.
func (c *Controller) EnsureStartPageReady(ctx context.Context) error {
	rep, err := c.send(ctx, command{kind: cmdWarmup, ctx: ctx})
	if err != nil {
		return err
	}
	return rep.err
}

// Status returns the externally visible state.
func (c *Controller) Status() protocol.StatusSnapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

// Summaries returns the most recent run summaries.
func (c *Controller) Summaries(ctx context.Context, limit int) ([]runlog.Summary, error) {
	if c.deps.Store == nil {
		return nil, nil
	}
	return c.deps.Store.RecentSummaries(ctx, limit)
}

// Shutdown stops the worker and releases the browser session. Idempotent.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.quit) })
	select {
	case <-c.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.deps.Session != nil {
		c.deps.Session.Shutdown()
	}
	return nil
}

func (c *Controller) send(ctx context.Context, cmd command) (cmdReply, error) {
	cmd.reply = make(chan cmdReply, 1)
	select {
	case c.commands <- cmd:
	case <-c.quit:
		return cmdReply{}, ErrShuttingDown
	case <-ctx.Done():
		return cmdReply{}, ctx.Err()
	}
	select {
	case rep := <-cmd.reply:
		return rep, nil
	case <-c.quit:
		return cmdReply{}, ErrShuttingDown
	case <-ctx.Done():
		return cmdReply{}, ctx.Err()
	}
}

func (c *Controller) loop() {
	defer close(c.doneCh)
	for {
		select {
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case out := <-c.stepDone:
			c.handleStepDone(out)
		case <-c.quit:
			c.handleQuit()
			return
		}
		c.maybeStartStep()
		c.syncSnapshot()
	}
}

func (c *Controller) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSubmit:
		c.handleSubmit(cmd)
	case cmdFollowUp:
		c.handleFollowUp(cmd)
	case cmdPause:
		c.handlePause(cmd)
	case cmdResume:
		c.handleResume(cmd)
	case cmdReset:
		c.handleReset(cmd)
	case cmdWarmup:
		c.handleWarmup(cmd)
	}
}

func (c *Controller) handleSubmit(cmd command) {
	if c.state != StateIdle {
		cmd.reply <- cmdReply{err: ErrAlreadyRunning}
		return
	}
	task := c.newTask(cmd.text)
	if err := c.startRun(cmd.ctx, task); err != nil {
		cmd.reply <- cmdReply{err: err}
		return
	}
	cmd.reply <- cmdReply{task: task}
}

// startRun sets up a run. Watchdog attachment is the last setup step
// before the loop starts: any bus refresh performed during setup would
// invalidate earlier subscriptions.
func (c *Controller) startRun(ctx context.Context, task protocol.Task) error {
	if _, err := c.deps.Session.Resolve(ctx); err != nil {
		c.noteError(err)
		return err
	}
	run, err := c.deps.Executor.NewRun(task, c.resumeURL)
	if err != nil {
		c.noteError(err)
		return err
	}
	report := c.attachAll()
	if err := report.Err(); err != nil {
		run.Close()
		c.noteError(err)
		return err
	}

	c.run = run
	c.activeTask = task
	c.followUps = nil
	c.stepsExecuted = 0
	c.stepRetried = false
	c.pendingReset = false
	c.paused = false
	c.lastErr = ""
	c.startedAt = time.Now().UTC()
	c.setState(StateRunning)
	c.deps.Metrics.CountRunEvent("submit")
	if c.deps.Transcript != nil {
		c.deps.Transcript.Append("assistant", "Working on: "+task.Description)
	}
	c.pushStatus()
	return nil
}

func (c *Controller) handleFollowUp(cmd command) {
	if c.state != StateRunning && c.state != StatePaused {
		cmd.reply <- cmdReply{err: ErrNotRunning}
		return
	}
	task := c.newTask(cmd.text)
	c.followUps = append(c.followUps, task)
	c.deps.Metrics.CountRunEvent("follow_up_queued")
	cmd.reply <- cmdReply{task: task}
}

func (c *Controller) handlePause(cmd command) {
	if c.state != StateRunning {
		cmd.reply <- cmdReply{err: ErrNotRunning}
		return
	}
	c.paused = true
	c.setState(StatePaused)
	c.deps.Metrics.CountRunEvent("pause")
	c.pushStatus()
	cmd.reply <- cmdReply{}
}

func (c *Controller) handleResume(cmd command) {
	if c.state != StatePaused {
		cmd.reply <- cmdReply{err: ErrNotRunning}
		return
	}
	c.paused = false
	c.setState(StateRunning)
	c.deps.Metrics.CountRunEvent("resume")
	c.pushStatus()
	cmd.reply <- cmdReply{}
}

func (c *Controller) handleReset(cmd command) {
	if c.stepInFlight {
		// Applied at the next step boundary.
		c.pendingReset = true
		cmd.reply <- cmdReply{}
		return
	}
	c.applyReset()
	cmd.reply <- cmdReply{}
}

func (c *Controller) handleWarmup(cmd command) {
	if c.state != StateIdle {
		cmd.reply <- cmdReply{err: ErrAlreadyRunning}
		return
	}
	started := time.Now()
	if _, err := c.deps.Session.Resolve(cmd.ctx); err != nil {
		cmd.reply <- cmdReply{err: err}
		return
	}
	report := c.attachAll()
	if err := report.Err(); err != nil {
		cmd.reply <- cmdReply{err: err}
		return
	}
	if c.cfg.StartURL != "" {
		ctx, cancel := context.WithTimeout(cmd.ctx, 15*time.Second)
		err := c.deps.Session.Handle().Navigate(ctx, c.cfg.StartURL)
		cancel()
		if err != nil {
			cmd.reply <- cmdReply{err: fmt.Errorf("start page warmup: %w", err)}
			return
		}
	}
	c.deps.Metrics.ObserveStage(observability.StageWarmup, time.Since(started))
	cmd.reply <- cmdReply{}
}

// maybeStartStep is the step boundary. Pending resets and queued
// follow-ups are applied here, before the next step launches.
func (c *Controller) maybeStartStep() {
	if c.stepInFlight || c.run == nil {
		if c.pendingReset && !c.stepInFlight {
			c.applyReset()
		}
		return
	}
	if c.pendingReset {
		c.applyReset()
		return
	}
	if c.state != StateRunning || c.paused {
		return
	}
	if len(c.followUps) > 0 && !c.drainFollowUps() {
		return
	}

	c.stepInFlight = true
	run := c.run
	b := c.deps.Session.Bus()
	timeout := c.cfg.StepTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		started := time.Now()
		res, err := run.Step(ctx, b)
		c.stepDone <- stepOutcome{result: res, err: err, elapsed: time.Since(started)}
	}()
}

func (c *Controller) handleStepDone(out stepOutcome) {
	c.stepInFlight = false
	c.deps.Metrics.ObserveStepLatency(out.elapsed)

	if out.err != nil {
		if bus.IsNoHandler(out.err) {
			// A missing handler mid-run is a wiring violation, not a
			// task failure. Repair once, then escalate.
			if !c.stepRetried {
				c.stepRetried = true
				c.deps.Metrics.CountWatchdogRepair()
				if c.attachAll().Err() == nil {
					return
				}
			}
			c.finishRun("failed", fmt.Errorf("%w: missing handler persisted after repair: %v", watchdog.ErrWiring, out.err))
			return
		}
		c.finishRun("failed", fmt.Errorf("step %d: %w", c.stepsExecuted+1, out.err))
		return
	}

	c.stepRetried = false
	c.stepsExecuted++
	step := bus.Step{
		StepIndex:    c.stepsExecuted,
		Goal:         out.result.Goal,
		ActionResult: out.result.ActionResult,
		Timestamp:    time.Now().UTC(),
	}
	c.deps.Session.Bus().Post(context.Background(), step)
	if c.deps.Broadcaster != nil {
		c.deps.Broadcaster.PushStep(step)
	}
	c.updateResumeURL(out.result.PageURL)
	c.deps.Metrics.CountRunEvent("step")

	if out.result.Done || c.stepsExecuted >= c.cfg.MaxSteps {
		c.finishRun("completed", nil)
	}
}

// drainFollowUps applies queued tasks to the live agent. Applying a task
// recycles the event bus, so re-attachment happens last, right before
// the next step. Returns false when the drain killed the run.
func (c *Controller) drainFollowUps() bool {
	started := time.Now()
	queued := c.followUps
	c.followUps = nil

	for _, task := range queued {
		if err := c.run.AddTask(task); err != nil {
			// The live agent rejected the task. Build a fresh one bound
			// to it and continue with that.
			fresh, ferr := c.deps.Executor.NewRun(task, c.resumeURL)
			if ferr != nil {
				c.finishRun("failed", fmt.Errorf("apply follow-up %q: %v (recreate: %v)", task.Description, err, ferr))
				return false
			}
			c.run.Close()
			c.run = fresh
			c.deps.Metrics.CountRunEvent("agent_recreated")
			c.deps.Metrics.MarkIndicator("agent_recreated")
		}
		c.activeTask = task
		if c.deps.Transcript != nil {
			c.deps.Transcript.Append("assistant", "Follow-up queued: "+task.Description)
		}
	}

	c.deps.Session.RefreshEventBus()
	report := c.attachAll()
	if err := report.Err(); err != nil {
		c.finishRun("failed", err)
		return false
	}
	c.deps.Metrics.CountRunEvent("follow_up_applied")
	c.deps.Metrics.ObserveStage(observability.StageDrain, time.Since(started))
	c.pushStatus()
	return true
}

// attachAll runs the registry against the session's current bus and
// records how long attachment took.
func (c *Controller) attachAll() watchdog.AttachmentReport {
	started := time.Now()
	report := c.deps.Registry.AttachAll(c.deps.Session.Bus(), c.deps.Session)
	c.deps.Metrics.ObserveStage(observability.StageAttach, time.Since(started))
	return report
}

func (c *Controller) applyReset() {
	c.setState(StateResetting)
	c.pushStatus()

	if c.run != nil {
		c.saveSummary("reset", nil)
		c.run.Close()
		c.run = nil
	}
	c.activeTask = protocol.Task{}
	c.followUps = nil
	c.pendingReset = false
	c.paused = false
	c.stepRetried = false
	c.stepsExecuted = 0
	c.lastErr = ""

	c.deps.Session.RefreshEventBus()
	if !c.dropDeadEndpoint() {
		c.deps.Session.Release()
	}
	if c.deps.Transcript != nil {
		c.deps.Transcript.Reset()
	} else if c.deps.Broadcaster != nil {
		c.deps.Broadcaster.PushReset()
	}
	c.deps.Metrics.CountRunEvent("reset")

	c.setState(StateIdle)
	c.pushStatus()
}

func (c *Controller) finishRun(outcome string, runErr error) {
	if runErr != nil {
		c.noteError(runErr)
		if c.deps.Transcript != nil {
			c.deps.Transcript.Append("assistant", "Run failed: "+runErr.Error())
		}
	} else if c.deps.Transcript != nil {
		c.deps.Transcript.Append("assistant", fmt.Sprintf("Task finished after %d steps.", c.stepsExecuted))
	}

	c.saveSummary(outcome, runErr)
	if c.run != nil {
		c.run.Close()
		c.run = nil
	}
	c.activeTask = protocol.Task{}
	c.followUps = nil
	c.paused = false
	c.stepRetried = false
	c.deps.Metrics.CountRunEvent(outcome)
	c.dropDeadEndpoint()
	c.setState(StateIdle)
	c.pushStatus()
}

// dropDeadEndpoint health-checks the session at run termination and
// forgets the memoized endpoint when the browser stopped answering, so
// the next Resolve re-probes the candidate list instead of reconnecting
// to a websocket that no longer exists. Reports whether it invalidated.
func (c *Controller) dropDeadEndpoint() bool {
	if _, ok := c.deps.Session.Endpoint(); !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.deps.Session.HealthCheck(ctx) {
		return false
	}
	c.deps.Session.Invalidate()
	c.deps.Metrics.CountRunEvent("endpoint_invalidated")
	log.Printf("browser endpoint stopped answering; dropped for re-discovery")
	return true
}

func (c *Controller) saveSummary(outcome string, runErr error) {
	if c.deps.Store == nil || c.run == nil {
		return
	}
	summary := runlog.Summary{
		ID:        uuid.NewString(),
		TaskID:    c.activeTask.ID,
		Task:      c.activeTask.Description,
		Outcome:   outcome,
		Steps:     c.stepsExecuted,
		FinalURL:  c.resumeURL,
		StartedAt: c.startedAt,
		EndedAt:   time.Now().UTC(),
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Store.SaveSummary(ctx, summary); err != nil {
		log.Printf("save run summary: %v", err)
	}
}

func (c *Controller) handleQuit() {
	if c.run != nil {
		c.saveSummary("reset", errors.New("controller shutdown"))
		c.run.Close()
		c.run = nil
	}
}

var resumeSkipPrefixes = []string{"about:", "chrome://", "chrome-error://", "devtools://"}

// updateResumeURL remembers the last good page URL so the next run can
// pick up where this one left off. Internal browser pages never qualify.
func (c *Controller) updateResumeURL(url string) {
	url = strings.TrimSpace(url)
	if url == "" {
		return
	}
	for _, prefix := range resumeSkipPrefixes {
		if strings.HasPrefix(url, prefix) {
			return
		}
	}
	c.resumeURL = url
}

func (c *Controller) newTask(description string) protocol.Task {
	return protocol.Task{
		ID:          uuid.NewString(),
		Description: strings.TrimSpace(description),
		CreatedAt:   time.Now().UTC(),
	}
}

func (c *Controller) noteError(err error) {
	if err == nil {
		return
	}
	c.lastErr = err.Error()
}

func (c *Controller) setState(s RunState) {
	c.state = s
	c.deps.Metrics.SetRunState(int(s))
}

func (c *Controller) syncSnapshot() {
	snap := protocol.StatusSnapshot{
		State:         c.state.String(),
		Paused:        c.paused,
		QueuedTasks:   len(c.followUps),
		StepsExecuted: c.stepsExecuted,
		LastError:     c.lastErr,
	}
	if c.run != nil {
		snap.ActiveTaskID = c.activeTask.ID
		snap.ActiveTask = c.activeTask.Description
	}
	if c.deps.Session != nil {
		snap.BusGeneration = c.deps.Session.Generation()
	}
	if c.deps.Broadcaster != nil {
		dropped := c.deps.Broadcaster.Dropped()
		c.deps.Metrics.CountBroadcastDrops(dropped - c.lastDropped)
		c.lastDropped = dropped
	}
	c.snapMu.Lock()
	c.snapshot = snap
	c.snapMu.Unlock()
}

func (c *Controller) pushStatus() {
	c.syncSnapshot()
	if c.deps.Broadcaster == nil {
		return
	}
	c.snapMu.RLock()
	snap := c.snapshot
	c.snapMu.RUnlock()
	c.deps.Broadcaster.PushStatus(snap)
}
