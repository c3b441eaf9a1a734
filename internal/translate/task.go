package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilnproc/kiln/internal/artifact"
	"github.com/kilnproc/kiln/internal/guestproto"
	"github.com/kilnproc/kiln/internal/model"
	"github.com/kilnproc/kiln/internal/sandbox"
	"github.com/kilnproc/kiln/internal/subprocess"
)

// TaskConfig wires a translation task to its owning pipeline.
type TaskConfig struct {
	InstanceID string
	Loop       subprocess.Loop
	Registry   *sandbox.Registry
	Fetcher    artifact.Fetcher
	Engine     Engine
	// Helper is the slot the task runs its translator subprocess in. The
	// task installs, and always clears, the occupant; the slot itself stays
	// owned by the caller.
	Helper    *subprocess.Slot
	Isolation string
	Logger    *slog.Logger
	// Report delivers the user-facing diagnostic for a failure. The task
	// reports before signaling failure, so the owner must not report again.
	Report func(code, message string)
	// OnEvent receives guest events from the translator subprocess.
	OnEvent func(guestproto.Event)
}

// Task is one cancellable ahead-of-time translation: fetch the portable
// source, boot a translator subprocess in the helper slot, drive the engine,
// hand back the native artifact. Completion fires exactly once on the
// driving loop unless the task is cancelled first, in which case it never
// fires. All methods run on the driving loop.
type Task struct {
	cfg    TaskConfig
	logger *slog.Logger

	ctx        context.Context
	cancelFn   context.CancelFunc
	canceled   bool
	finished   bool
	onComplete func(*model.ArtifactHandle, error)
}

// NewTask creates an idle task; Start begins the work.
func NewTask(cfg TaskConfig) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		cfg:      cfg,
		logger:   cfg.Logger.With("instance_id", cfg.InstanceID),
		ctx:      ctx,
		cancelFn: cancel,
	}
}

// Start begins the translation. src must describe a portable artifact.
func (t *Task) Start(src model.ArtifactDescriptor, opts model.TranslationOptions, onComplete func(*model.ArtifactHandle, error)) {
	t.mustOnLoop("Start")
	if t.onComplete != nil {
		panic("translate: task started twice")
	}
	t.onComplete = onComplete

	locator := src.Locator
	go func() {
		h, err := t.cfg.Fetcher.Fetch(t.ctx, locator)
		t.cfg.Loop.Post(func() { t.sourceFetched(h, err, opts) })
	}()
}

// sourceFetched launches the translator subprocess with the portable source
// as its hosted module.
func (t *Task) sourceFetched(src *model.ArtifactHandle, err error, opts model.TranslationOptions) {
	if t.canceled {
		if src != nil {
			src.Close()
		}
		return
	}
	if err != nil {
		t.fail(fmt.Sprintf("fetch portable artifact: %v", err))
		return
	}

	handle := subprocess.NewHandle(t.cfg.Helper.Label(), t.cfg.Registry, t.cfg.Loop, t.logger)
	t.cfg.Helper.Assign(handle)
	handle.Start(subprocess.StartParams{
		InstanceID: t.cfg.InstanceID,
		Role:       model.RoleTranslator,
		Isolation:  t.cfg.Isolation,
		Artifact:   src,
		OnEvent:    t.cfg.OnEvent,
	}, func(startErr error) {
		t.helperStarted(startErr, opts)
	})
}

func (t *Task) helperStarted(err error, opts model.TranslationOptions) {
	if t.canceled {
		return
	}
	if err != nil {
		t.fail(fmt.Sprintf("launch translator: %v", err))
		return
	}

	proc := t.cfg.Helper.Current().Process()
	go func() {
		out, terr := t.cfg.Engine.Translate(t.ctx, proc, opts)
		t.cfg.Loop.Post(func() { t.translated(out, terr) })
	}()
}

func (t *Task) translated(out *model.ArtifactHandle, err error) {
	if t.canceled {
		if out != nil {
			out.Close()
		}
		return
	}
	if err != nil {
		t.fail(err.Error())
		return
	}
	// The translator has done its job; release it before handing over.
	t.cfg.Helper.ShutdownAndClear()
	t.finish(out, nil)
}

// fail shuts the translator down, reports the diagnostic, and signals
// failure. Every task failure surfaces as a translation failure: the task
// owns its internal fetch and launch steps.
func (t *Task) fail(message string) {
	t.cfg.Helper.ShutdownAndClear()
	if t.cfg.Report != nil {
		t.cfg.Report(model.ErrCodeTranslation, message)
	}
	t.logger.Warn("translation failed", "message", message)
	t.finish(nil, errors.New(message))
}

func (t *Task) finish(out *model.ArtifactHandle, err error) {
	if t.finished {
		panic("translate: task completed twice")
	}
	t.finished = true
	t.onComplete(out, err)
}

// Cancel abandons the task: in-flight collaborator calls are cancelled, the
// translator subprocess is shut down to completion, and no completion
// callback fires afterwards. Idempotent; safe after completion.
func (t *Task) Cancel() {
	t.mustOnLoop("Cancel")
	if t.canceled {
		return
	}
	t.canceled = true
	t.cancelFn()
	t.cfg.Helper.ShutdownAndClear()
}

func (t *Task) mustOnLoop(op string) {
	if !t.cfg.Loop.OnLoop() {
		panic(fmt.Sprintf("translate: %s called off the driving loop", op))
	}
}
