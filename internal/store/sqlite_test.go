package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kilnproc/kiln/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestInstance() *model.Instance {
	return &model.Instance{
		ID:              model.NewID(),
		ManifestLocator: "https://modules.example.com/app/manifest.json",
		Isolation:       model.IsolationMicroVM,
		State:           model.StateIdle,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func makeTestAttempt(instanceID string) *model.LoadAttempt {
	return &model.LoadAttempt{
		ID:         model.NewID(),
		InstanceID: instanceID,
		State:      model.StateIdle,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := makeTestInstance()

	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}

	if got.ID != inst.ID {
		t.Errorf("ID = %q, want %q", got.ID, inst.ID)
	}
	if got.ManifestLocator != inst.ManifestLocator {
		t.Errorf("ManifestLocator = %q, want %q", got.ManifestLocator, inst.ManifestLocator)
	}
	if got.Isolation != inst.Isolation {
		t.Errorf("Isolation = %q, want %q", got.Isolation, inst.Isolation)
	}
	if got.State != inst.State {
		t.Errorf("State = %q, want %q", got.State, inst.State)
	}
	if got.DestroyedAt != nil {
		t.Errorf("DestroyedAt = %v, want nil", got.DestroyedAt)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetInstance(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetInstance error = %v, want ErrNotFound", err)
	}
}

func TestListInstancesPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert 5 instances with staggered creation times.
	for i := 0; i < 5; i++ {
		inst := makeTestInstance()
		inst.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance[%d]: %v", i, err)
		}
	}

	// First page of 2.
	instances, total, err := s.ListInstances(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(instances) != 2 {
		t.Errorf("len(instances) = %d, want 2", len(instances))
	}

	// Second page of 2.
	instances2, total2, err := s.ListInstances(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListInstances page 2: %v", err)
	}
	if total2 != 5 {
		t.Errorf("total page 2 = %d, want 5", total2)
	}
	if len(instances2) != 2 {
		t.Errorf("len(instances) page 2 = %d, want 2", len(instances2))
	}
}

func TestListInstancesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		inst := makeTestInstance()
		inst.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance[%d]: %v", i, err)
		}
	}

	instances, _, err := s.ListInstances(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}

	// Should be ordered DESC, newest first.
	for i := 1; i < len(instances); i++ {
		if instances[i].CreatedAt.After(instances[i-1].CreatedAt) {
			t.Errorf("instances not in DESC order: [%d].CreatedAt=%v > [%d].CreatedAt=%v",
				i, instances[i].CreatedAt, i-1, instances[i-1].CreatedAt)
		}
	}
}

func TestUpdateInstanceState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := makeTestInstance()

	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	if err := s.UpdateInstanceState(ctx, inst.ID, model.StateLoaded); err != nil {
		t.Fatalf("UpdateInstanceState: %v", err)
	}

	got, _ := s.GetInstance(ctx, inst.ID)
	if got.State != model.StateLoaded {
		t.Errorf("State = %q, want %q", got.State, model.StateLoaded)
	}
}

func TestUpdateInstanceStateNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateInstanceState(ctx, "nonexistent", model.StateLoaded)
	if err != ErrNotFound {
		t.Errorf("UpdateInstanceState error = %v, want ErrNotFound", err)
	}
}

func TestMarkInstanceDestroyed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := makeTestInstance()

	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	if err := s.MarkInstanceDestroyed(ctx, inst.ID); err != nil {
		t.Fatalf("MarkInstanceDestroyed: %v", err)
	}

	got, _ := s.GetInstance(ctx, inst.ID)
	if got.State != model.StateDestroyed {
		t.Errorf("State = %q, want %q", got.State, model.StateDestroyed)
	}
	if got.DestroyedAt == nil {
		t.Error("DestroyedAt is nil, expected it to be set")
	}
}

func TestCreateAndGetAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt(model.NewID())

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}

	if got.ID != a.ID {
		t.Errorf("ID = %q, want %q", got.ID, a.ID)
	}
	if got.InstanceID != a.InstanceID {
		t.Errorf("InstanceID = %q, want %q", got.InstanceID, a.InstanceID)
	}
	if got.State != a.State {
		t.Errorf("State = %q, want %q", got.State, a.State)
	}
	if got.TranslateMS != nil {
		t.Errorf("TranslateMS = %v, want nil", got.TranslateMS)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
}

func TestGetAttemptNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAttempt(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetAttempt error = %v, want ErrNotFound", err)
	}
}

func TestListAttemptsScopedToInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	instA := model.NewID()
	instB := model.NewID()
	for i := 0; i < 3; i++ {
		a := makeTestAttempt(instA)
		a.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateAttempt(ctx, a); err != nil {
			t.Fatalf("CreateAttempt[%d]: %v", i, err)
		}
	}
	if err := s.CreateAttempt(ctx, makeTestAttempt(instB)); err != nil {
		t.Fatalf("CreateAttempt other instance: %v", err)
	}

	attempts, total, err := s.ListAttempts(ctx, instA, 10, 0)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(attempts) != 3 {
		t.Errorf("len(attempts) = %d, want 3", len(attempts))
	}
	for _, a := range attempts {
		if a.InstanceID != instA {
			t.Errorf("attempt %s has InstanceID %q, want %q", a.ID, a.InstanceID, instA)
		}
	}
}

func TestUpdateAttemptState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt(model.NewID())

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	if err := s.UpdateAttemptState(ctx, a.ID, model.StateResolvingManifest); err != nil {
		t.Fatalf("UpdateAttemptState: %v", err)
	}

	got, _ := s.GetAttempt(ctx, a.ID)
	if got.State != model.StateResolvingManifest {
		t.Errorf("State = %q, want %q", got.State, model.StateResolvingManifest)
	}
}

func TestSetAttemptArtifact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt(model.NewID())

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	locator := "https://modules.example.com/app/main.bc"
	if err := s.SetAttemptArtifact(ctx, a.ID, model.ArtifactPortable, locator); err != nil {
		t.Fatalf("SetAttemptArtifact: %v", err)
	}

	got, _ := s.GetAttempt(ctx, a.ID)
	if got.Kind != model.ArtifactPortable {
		t.Errorf("Kind = %q, want %q", got.Kind, model.ArtifactPortable)
	}
	if got.Locator != locator {
		t.Errorf("Locator = %q, want %q", got.Locator, locator)
	}
}

func TestFinishAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt(model.NewID())

	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	translateMS := 1200
	launchMS := 300
	durationMS := 1800
	finishedAt := time.Now().UTC().Truncate(time.Second)
	a.State = model.StateFailed
	a.ErrorCode = model.ErrCodeTranslation
	a.ErrorMessage = "translator exited with status 1"
	a.TranslateMS = &translateMS
	a.LaunchMS = &launchMS
	a.DurationMS = &durationMS
	a.FinishedAt = &finishedAt

	if err := s.FinishAttempt(ctx, a); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.State != model.StateFailed {
		t.Errorf("State = %q, want %q", got.State, model.StateFailed)
	}
	if got.ErrorCode != model.ErrCodeTranslation {
		t.Errorf("ErrorCode = %q, want %q", got.ErrorCode, model.ErrCodeTranslation)
	}
	if got.TranslateMS == nil || *got.TranslateMS != translateMS {
		t.Errorf("TranslateMS = %v, want %d", got.TranslateMS, translateMS)
	}
	if got.LaunchMS == nil || *got.LaunchMS != launchMS {
		t.Errorf("LaunchMS = %v, want %d", got.LaunchMS, launchMS)
	}
	if got.DurationMS == nil || *got.DurationMS != durationMS {
		t.Errorf("DurationMS = %v, want %d", got.DurationMS, durationMS)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, expected it to be set")
	}
}

func TestFinishAttemptNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := makeTestAttempt(model.NewID())
	a.State = model.StateLoaded

	err := s.FinishAttempt(ctx, a)
	if err != ErrNotFound {
		t.Errorf("FinishAttempt error = %v, want ErrNotFound", err)
	}
}

func TestInsertAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	instanceID := model.NewID()

	kinds := []struct {
		kind, state, detail string
	}{
		{model.EventKindState, model.StateResolvingManifest, ""},
		{model.EventKindGuestLog, "", "main: hello"},
		{model.EventKindState, model.StateLoaded, ""},
	}
	for i, k := range kinds {
		if err := s.InsertEvent(ctx, instanceID, i+1, k.kind, k.state, k.detail); err != nil {
			t.Fatalf("InsertEvent[%d]: %v", i, err)
		}
	}

	events, err := s.ListEvents(ctx, instanceID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != i+1 {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.Kind != kinds[i].kind {
			t.Errorf("events[%d].Kind = %q, want %q", i, e.Kind, kinds[i].kind)
		}
		if e.InstanceID != instanceID {
			t.Errorf("events[%d].InstanceID = %q, want %q", i, e.InstanceID, instanceID)
		}
	}
	if events[1].Detail != "main: hello" {
		t.Errorf("events[1].Detail = %q, want %q", events[1].Detail, "main: hello")
	}
}

func TestListEventsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events, err := s.ListEvents(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if events == nil {
		t.Error("events = nil, want empty slice")
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestListEventsScopedToInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	instA := model.NewID()
	instB := model.NewID()
	if err := s.InsertEvent(ctx, instA, 1, model.EventKindState, model.StateResolvingManifest, ""); err != nil {
		t.Fatalf("InsertEvent A: %v", err)
	}
	if err := s.InsertEvent(ctx, instB, 1, model.EventKindState, model.StateResolvingManifest, ""); err != nil {
		t.Fatalf("InsertEvent B: %v", err)
	}

	events, err := s.ListEvents(ctx, instA)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].InstanceID != instA {
		t.Errorf("InstanceID = %q, want %q", events[0].InstanceID, instA)
	}
}

func TestListEventsOrderedBySeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	instanceID := model.NewID()

	// Insert out of order; listing must come back in seq order.
	for _, seq := range []int{3, 1, 2} {
		detail := fmt.Sprintf("line %d", seq)
		if err := s.InsertEvent(ctx, instanceID, seq, model.EventKindGuestLog, "", detail); err != nil {
			t.Fatalf("InsertEvent seq %d: %v", seq, err)
		}
	}

	events, err := s.ListEvents(ctx, instanceID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != i+1 {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}
