package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilnproc/kiln/internal/artifact"
	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/manifest"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
	"github.com/kilnproc/kiln/internal/store"
	"github.com/kilnproc/kiln/internal/subprocess"
	"github.com/kilnproc/kiln/internal/translate"
)

// Slot labels. The main slot hosts the loaded module; the helper slot hosts
// auxiliary subprocesses such as the translator.
const (
	mainSlotLabel   = "main"
	helperSlotLabel = "helper"
)

// Deps are the collaborators a Loader drives. Driver and Broker are filled
// in by NewManager when nil; everything else must be provided.
type Deps struct {
	Driver   *Driver
	Registry *sandbox.Registry
	Resolver manifest.Resolver
	Fetcher  artifact.Fetcher
	Engine   translate.Engine
	Reporter ErrorReporter
	Store    store.Store
	Broker   *Broker
	Logger   *slog.Logger
}

// Loader drives the load pipeline for one instance: resolve the manifest,
// translate or fetch the artifact, start the subprocess, report the outcome.
// All of its state belongs to the driving loop. Collaborators run on worker
// goroutines and re-enter through posted, generation-tagged completions.
type Loader struct {
	id          string
	manifestLoc string
	isolation   string
	deps        Deps
	logger      *slog.Logger
	createdAt   time.Time

	// Loop-owned pipeline state.
	gen         uint64
	state       string
	destroyed   bool
	nonIsolated bool
	attempt     *model.LoadAttempt
	outcome     *model.LoadOutcome
	seq         int
	task        *translate.Task
	mainSlot    *subprocess.Slot
	helperSlot  *subprocess.Slot

	attemptCtx    context.Context
	attemptCancel context.CancelFunc

	attemptStart   time.Time
	translateStart time.Time
	translateMS    *int
	launchStart    time.Time
}

// Snapshot is a point-in-time view of an instance's pipeline, safe to hand
// off the loop.
type Snapshot struct {
	ID              string             `json:"id"`
	ManifestLocator string             `json:"manifest_locator"`
	Isolation       string             `json:"isolation"`
	State           string             `json:"state"`
	AttemptID       string             `json:"attempt_id,omitempty"`
	Outcome         *model.LoadOutcome `json:"outcome,omitempty"`
	MainSlotLive    bool               `json:"main_slot_live"`
	HelperSlotLive  bool               `json:"helper_slot_live"`
	CreatedAt       time.Time          `json:"created_at"`
}

func newLoader(id, manifestLoc, isolation string, deps Deps) *Loader {
	l := &Loader{
		id:          id,
		manifestLoc: manifestLoc,
		isolation:   isolation,
		deps:        deps,
		logger:      deps.Logger.With("instance_id", id),
		createdAt:   time.Now().UTC(),
		state:       model.StateIdle,
	}
	l.mainSlot = subprocess.NewSlot(mainSlotLabel, deps.Driver)
	l.helperSlot = subprocess.NewSlot(helperSlotLabel, deps.Driver)
	return l
}

// init begins a fresh load attempt from idle.
func (l *Loader) init() {
	l.mustOnLoop("init")
	if l.destroyed {
		panic(fmt.Sprintf("loader %s: init after destroy", l.id))
	}

	l.state = model.StateIdle
	l.outcome = nil
	l.translateMS = nil
	l.attemptStart = time.Now().UTC()
	l.attemptCtx, l.attemptCancel = context.WithCancel(context.Background())

	l.attempt = &model.LoadAttempt{
		ID:         model.NewID(),
		InstanceID: l.id,
		State:      model.StateIdle,
		CreatedAt:  l.attemptStart,
	}
	if err := l.deps.Store.CreateAttempt(context.Background(), l.attempt); err != nil {
		l.logger.Error("create attempt record", "error", err)
	}
	l.logger.Info("load attempt started", "attempt_id", l.attempt.ID, "manifest", l.manifestLoc)

	l.setState(model.StateResolvingManifest, l.manifestLoc)

	gen := l.gen
	ctx := l.attemptCtx
	loc := l.manifestLoc
	go func() {
		res, err := l.deps.Resolver.Resolve(ctx, loc)
		l.deps.Driver.Post(func() { l.manifestResolved(gen, res, err) })
	}()
}

// stale reports whether a completion belongs to a previous generation.
// Every completion re-entering the loop checks this first; destruction and
// reload bump the generation, which is what suppresses late callbacks.
func (l *Loader) stale(gen uint64) bool {
	return l.destroyed || gen != l.gen
}

func (l *Loader) manifestResolved(gen uint64, res *manifest.Resolution, err error) {
	if l.stale(gen) {
		return
	}
	if err != nil {
		l.fail(model.ErrCodeManifest, err.Error(), true)
		return
	}

	l.nonIsolated = res.NonIsolated
	l.attempt.Kind = res.Program.Kind
	l.attempt.Locator = res.Program.Locator
	if err := l.deps.Store.SetAttemptArtifact(context.Background(), l.attempt.ID, res.Program.Kind, res.Program.Locator); err != nil {
		l.logger.Error("set attempt artifact", "error", err)
	}

	if res.Translate {
		l.beginTranslation(res)
		return
	}
	l.beginFetch(res)
}

func (l *Loader) beginFetch(res *manifest.Resolution) {
	l.setState(model.StateAwaitingFetch, res.Program.Locator)

	gen := l.gen
	ctx := l.attemptCtx
	locator := res.Program.Locator
	role := res.Program.Role
	go func() {
		h, err := l.deps.Fetcher.Fetch(ctx, locator)
		l.deps.Driver.Post(func() { l.artifactFetched(gen, role, h, err) })
	}()
}

func (l *Loader) artifactFetched(gen uint64, role string, h *model.ArtifactHandle, err error) {
	if l.stale(gen) {
		if h != nil {
			h.Close()
		}
		return
	}
	if err != nil {
		l.fail(model.ErrCodeFetch, err.Error(), true)
		return
	}
	l.startSubprocess(h, role)
}

func (l *Loader) beginTranslation(res *manifest.Resolution) {
	l.setState(model.StateTranslating, res.Program.Locator)
	l.translateStart = time.Now()

	gen := l.gen
	task := translate.NewTask(translate.TaskConfig{
		InstanceID: l.id,
		Loop:       l.deps.Driver,
		Registry:   l.deps.Registry,
		Fetcher:    l.deps.Fetcher,
		Engine:     l.deps.Engine,
		Helper:     l.helperSlot,
		Isolation:  l.effectiveIsolation(),
		Logger:     l.logger,
		Report: func(code, message string) {
			l.deps.Reporter.ReportLoadError(l.id, code, message)
		},
		OnEvent: l.guestEventFn(gen, helperSlotLabel),
	})
	l.task = task
	task.Start(res.Program, res.Options, func(out *model.ArtifactHandle, err error) {
		l.translated(gen, out, err)
	})
}

// translated receives the task's completion. It runs on the loop already:
// the task posts its own re-entries.
func (l *Loader) translated(gen uint64, out *model.ArtifactHandle, err error) {
	if l.stale(gen) {
		if out != nil {
			out.Close()
		}
		return
	}
	l.task = nil
	ms := int(time.Since(l.translateStart).Milliseconds())
	l.translateMS = &ms
	translateDuration.Observe(time.Since(l.translateStart).Seconds())

	if err != nil {
		// The task has already put the diagnostic in front of the reporter;
		// reporting here again would break the exactly-once contract.
		l.fail(model.ErrCodeTranslation, err.Error(), false)
		return
	}
	l.startSubprocess(out, model.RoleMain)
}

// startSubprocess installs a fresh handle in the main slot, shutting down
// any previous occupant first, and starts it with the artifact.
func (l *Loader) startSubprocess(h *model.ArtifactHandle, role string) {
	l.setState(model.StateStarting, h.Path())
	l.launchStart = time.Now()

	handle := subprocess.NewHandle(mainSlotLabel, l.deps.Registry, l.deps.Driver, l.logger)
	l.mainSlot.Assign(handle)

	gen := l.gen
	handle.Start(subprocess.StartParams{
		InstanceID: l.id,
		Role:       role,
		Isolation:  l.effectiveIsolation(),
		Artifact:   h,
		OnEvent:    l.guestEventFn(gen, mainSlotLabel),
	}, func(err error) {
		l.subprocessStarted(gen, err)
	})
}

func (l *Loader) subprocessStarted(gen uint64, err error) {
	if l.stale(gen) {
		return
	}
	launchMS := int(time.Since(l.launchStart).Milliseconds())
	l.attempt.LaunchMS = &launchMS
	launchDuration.Observe(time.Since(l.launchStart).Seconds())

	if err != nil {
		// A handle that failed to start must not linger in the slot.
		l.mainSlot.ShutdownAndClear()
		l.fail(model.ErrCodeLaunch, err.Error(), true)
		return
	}
	l.finishLoaded()
}

// effectiveIsolation resolves the isolation mode for this instance's
// subprocesses: the manifest's non-isolated flag wins over the instance's
// requested mode.
func (l *Loader) effectiveIsolation() string {
	if l.nonIsolated {
		return model.IsolationNone
	}
	return l.isolation
}

func (l *Loader) finishLoaded() {
	l.setState(model.StateLoaded, "")
	l.outcome = &model.LoadOutcome{Success: true}
	l.finishAttempt()
	attemptsTotal.WithLabelValues(outcomeLoaded).Inc()
	attemptDuration.Observe(time.Since(l.attemptStart).Seconds())
	l.logger.Info("module loaded",
		"attempt_id", l.attempt.ID,
		"kind", l.attempt.Kind,
		"duration_ms", *l.attempt.DurationMS,
	)
}

// fail moves the attempt to its terminal failed state. report is false when
// the failing collaborator already delivered the diagnostic (translation
// failures), keeping error reports exactly-once per attempt.
func (l *Loader) fail(code, message string, report bool) {
	l.setState(model.StateFailed, code+": "+message)
	l.outcome = &model.LoadOutcome{ErrorCode: code, ErrorMessage: message}
	l.attempt.ErrorCode = code
	l.attempt.ErrorMessage = message
	l.finishAttempt()
	if report {
		l.deps.Reporter.ReportLoadError(l.id, code, message)
	}
	attemptsTotal.WithLabelValues(outcomeFailed).Inc()
	attemptDuration.Observe(time.Since(l.attemptStart).Seconds())
	l.logger.Warn("module load failed",
		"attempt_id", l.attempt.ID,
		"code", code,
		"message", message,
	)
}

func (l *Loader) finishAttempt() {
	now := time.Now().UTC()
	total := int(now.Sub(l.attemptStart).Milliseconds())
	l.attempt.State = l.state
	l.attempt.TranslateMS = l.translateMS
	l.attempt.DurationMS = &total
	l.attempt.FinishedAt = &now
	if err := l.deps.Store.FinishAttempt(context.Background(), l.attempt); err != nil {
		l.logger.Error("finish attempt record", "attempt_id", l.attempt.ID, "error", err)
	}
}

// setState performs one pipeline transition, persisting and publishing it.
// An invalid transition is a broken invariant and panics.
func (l *Loader) setState(to, detail string) {
	if !model.ValidTransition(l.state, to) {
		panic(fmt.Sprintf("loader %s: invalid transition %s -> %s", l.id, l.state, to))
	}
	l.state = to
	l.attempt.State = to
	if err := l.deps.Store.UpdateAttemptState(context.Background(), l.attempt.ID, to); err != nil {
		l.logger.Error("update attempt state", "attempt_id", l.attempt.ID, "error", err)
	}
	if err := l.deps.Store.UpdateInstanceState(context.Background(), l.id, to); err != nil {
		l.logger.Error("update instance state", "error", err)
	}
	l.publishEvent(model.EventKindState, to, detail)
	l.logger.Debug("pipeline state", "state", to, "detail", detail)
}

// publishEvent persists one pipeline event and fans it out to subscribers.
func (l *Loader) publishEvent(kind, state, detail string) {
	l.seq++
	if err := l.deps.Store.InsertEvent(context.Background(), l.id, l.seq, kind, state, detail); err != nil {
		l.logger.Error("insert event", "error", err)
	}
	l.deps.Broker.Publish(l.id, Event{Kind: kind, State: state, Detail: detail})
}

// reload cancels any in-flight attempt without producing an outcome for it
// and starts a fresh one. A running module keeps serving until the new
// attempt's subprocess replaces it in the main slot.
func (l *Loader) reload() {
	l.mustOnLoop("reload")
	if l.destroyed {
		return
	}
	l.cancelInFlight()
	l.logger.Info("reload requested")
	l.init()
}

// cancelInFlight abandons the current attempt if one is mid-pipeline: the
// translation task is cancelled, the generation is bumped so late
// completions are suppressed, and the record is marked canceled. A canceled
// attempt has no outcome and is never reported.
func (l *Loader) cancelInFlight() {
	if l.attemptCancel != nil {
		l.attemptCancel()
	}
	if l.task != nil {
		l.task.Cancel()
		l.task = nil
	}
	l.gen++

	if l.attempt == nil || model.TerminalState(l.state) || l.state == model.StateIdle {
		return
	}
	l.setState(model.StateCanceled, "")
	l.finishAttempt()
	attemptsTotal.WithLabelValues(outcomeCanceled).Inc()
	l.logger.Info("attempt canceled", "attempt_id", l.attempt.ID)
}

// destroy tears the instance down deterministically: the in-flight
// translation is cancelled first, then the main slot is shut down, then the
// helper slot, blocking until every subprocess goroutine has exited. After
// destroy returns, no callback bound to this loader will run.
func (l *Loader) destroy() {
	l.mustOnLoop("destroy")
	if l.destroyed {
		return
	}
	l.cancelInFlight()
	l.destroyed = true

	l.mainSlot.ShutdownAndClear()
	l.helperSlot.ShutdownAndClear()

	if err := l.deps.Store.MarkInstanceDestroyed(context.Background(), l.id); err != nil {
		l.logger.Error("mark instance destroyed", "error", err)
	}
	l.deps.Broker.Close(l.id)
	l.logger.Info("instance destroyed")
}

// guestEventFn builds the OnEvent callback handed to a subprocess. The
// subprocess's listener goroutine invokes it; it hands the event to the
// driving loop and never touches loader state itself.
func (l *Loader) guestEventFn(gen uint64, source string) func(guestproto.Event) {
	return func(evt guestproto.Event) {
		l.deps.Driver.Post(func() { l.guestEvent(gen, source, evt) })
	}
}

// guestEvent records one guest-originated event. Runs on the loop.
func (l *Loader) guestEvent(gen uint64, source string, evt guestproto.Event) {
	if l.stale(gen) {
		return
	}
	switch evt.Type {
	case guestproto.EventLog:
		l.publishEvent(model.EventKindGuestLog, "", source+": "+evt.Line)
	case guestproto.EventStatus:
		detail := source
		if evt.Line != "" {
			detail += ": " + evt.Line
		}
		if evt.Status == guestproto.StatusExited {
			detail = fmt.Sprintf("%s: exit code %d", source, evt.Code)
		}
		l.publishEvent(model.EventKindGuestStatus, evt.Status, detail)
		if evt.Status == guestproto.StatusFault {
			l.logger.Warn("guest fault", "source", source, "detail", evt.Line)
		}
	case guestproto.EventStats:
		// High-frequency sampler output: fan out live, skip the store.
		l.deps.Broker.Publish(l.id, Event{
			Kind:   model.EventKindGuestStats,
			Detail: fmt.Sprintf("%s: rss_bytes=%d cpu_percent=%.1f", source, evt.RSSBytes, evt.CPUPercent),
		})
	}
}

func (l *Loader) snapshot() Snapshot {
	l.mustOnLoop("snapshot")
	snap := Snapshot{
		ID:              l.id,
		ManifestLocator: l.manifestLoc,
		Isolation:       l.isolation,
		State:           l.state,
		MainSlotLive:    l.mainSlot.Current() != nil,
		HelperSlotLive:  l.helperSlot.Current() != nil,
		CreatedAt:       l.createdAt,
	}
	if l.attempt != nil {
		snap.AttemptID = l.attempt.ID
	}
	if l.outcome != nil {
		o := *l.outcome
		snap.Outcome = &o
	}
	return snap
}

func (l *Loader) mustOnLoop(op string) {
	if !l.deps.Driver.OnLoop() {
		panic(fmt.Sprintf("loader %s: %s called off the driving loop", l.id, op))
	}
}
