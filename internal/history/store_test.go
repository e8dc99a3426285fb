package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")

	store, err := NewStoreWithPath(dbPath)
	if err != nil {
		t.Fatalf("NewStoreWithPath() error = %v", err)
	}
	return store, func() { store.Close() }
}

func sampleJob(submitID string, created time.Time) *Job {
	return &Job{
		SubmitID:     submitID,
		HistoryID:    "h-" + submitID,
		Region:       "us",
		Mode:         "text2img",
		UserModel:    "jimeng-4.5",
		BackendModel: "high_aes_general_v40l",
		Prompt:       "a lighthouse at dusk",
		Width:        2048,
		Height:       2048,
		Tier:         "2k",
		RatioCode:    1,
		CreatedAt:    created,
		Metadata:     JobMetadata{Seed: 2512345678, SampleStrength: 0.5, ExpectedItems: 4},
	}
}

func TestNewStoreWithPath(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	if store == nil {
		t.Error("NewStoreWithPath() returned nil")
	}
}

func TestStore_StartAndGetJob(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	job := sampleJob("sub-1", time.Now())
	if err := store.StartJob(ctx, job); err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	got, err := store.GetJob(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != "RUNNING" {
		t.Errorf("State = %q, want RUNNING", got.State)
	}
	if got.Finished() {
		t.Error("Finished() = true for a running job")
	}
	if got.BackendModel != job.BackendModel || got.Width != 2048 || got.Tier != "2k" {
		t.Errorf("GetJob() = %+v", got)
	}
	if got.Metadata.Seed != 2512345678 || got.Metadata.ExpectedItems != 4 {
		t.Errorf("Metadata = %+v", got.Metadata)
	}

	byHistory, err := store.GetJob(ctx, "h-sub-1")
	if err != nil {
		t.Fatalf("GetJob(history id) error = %v", err)
	}
	if byHistory.SubmitID != "sub-1" {
		t.Errorf("GetJob(history id).SubmitID = %q", byHistory.SubmitID)
	}
}

func TestStore_GetJobNotFound(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	_, err := store.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestStore_FinishJob(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.StartJob(ctx, sampleJob("sub-1", time.Now())); err != nil {
		t.Fatalf("StartJob() error = %v", err)
	}

	outcome := Outcome{
		State:   "SUCCEEDED",
		Polls:   7,
		Elapsed: 35 * time.Second,
		URLs:    []string{"https://cdn.example/a.png", "https://cdn.example/b.png"},
	}
	if err := store.FinishJob(ctx, "sub-1", outcome); err != nil {
		t.Fatalf("FinishJob() error = %v", err)
	}

	got, err := store.GetJob(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != "SUCCEEDED" || got.Polls != 7 || got.Elapsed != 35*time.Second {
		t.Errorf("GetJob() = state %q polls %d elapsed %v", got.State, got.Polls, got.Elapsed)
	}
	if !got.Finished() {
		t.Error("Finished() = false after FinishJob")
	}
	if len(got.Artifacts) != 2 {
		t.Fatalf("len(Artifacts) = %d, want 2", len(got.Artifacts))
	}
	if got.Artifacts[1].URL != "https://cdn.example/b.png" || got.Artifacts[1].Index != 1 {
		t.Errorf("Artifacts[1] = %+v", got.Artifacts[1])
	}
}

func TestStore_FinishJobFailed(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	store.StartJob(ctx, sampleJob("sub-1", time.Now()))
	err := store.FinishJob(ctx, "sub-1", Outcome{State: "FAILED", Polls: 2, FailCode: "2038", Error: "job failed"})
	if err != nil {
		t.Fatalf("FinishJob() error = %v", err)
	}

	got, _ := store.GetJob(ctx, "sub-1")
	if got.FailCode != "2038" || got.Error != "job failed" {
		t.Errorf("FailCode = %q, Error = %q", got.FailCode, got.Error)
	}
	if len(got.Artifacts) != 0 {
		t.Errorf("len(Artifacts) = %d, want 0", len(got.Artifacts))
	}
}

func TestStore_FinishJobUnknown(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	err := store.FinishJob(context.Background(), "missing", Outcome{State: "FAILED"})
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("FinishJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestStore_SetArtifactPath(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	store.StartJob(ctx, sampleJob("sub-1", time.Now()))
	store.FinishJob(ctx, "sub-1", Outcome{State: "SUCCEEDED", URLs: []string{"https://cdn.example/a.png"}})

	if err := store.SetArtifactPath(ctx, "sub-1", 0, "/tmp/out/a.png"); err != nil {
		t.Fatalf("SetArtifactPath() error = %v", err)
	}

	artifacts, err := store.ListArtifacts(ctx, "sub-1")
	if err != nil {
		t.Fatalf("ListArtifacts() error = %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].LocalPath != "/tmp/out/a.png" {
		t.Errorf("ListArtifacts() = %+v", artifacts)
	}
}

func TestStore_ListJobs(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"sub-1", "sub-2", "sub-3"} {
		if err := store.StartJob(ctx, sampleJob(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("StartJob(%s) error = %v", id, err)
		}
	}

	jobs, err := store.ListJobs(ctx, 0)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len(ListJobs()) = %d, want 3", len(jobs))
	}
	if jobs[0].SubmitID != "sub-3" {
		t.Errorf("ListJobs()[0] = %q, want newest first", jobs[0].SubmitID)
	}

	limited, err := store.ListJobs(ctx, 2)
	if err != nil {
		t.Fatalf("ListJobs(2) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(ListJobs(2)) = %d, want 2", len(limited))
	}
}

func TestStore_DeleteJobCascades(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	store.StartJob(ctx, sampleJob("sub-1", time.Now()))
	store.FinishJob(ctx, "sub-1", Outcome{State: "SUCCEEDED", URLs: []string{"https://cdn.example/a.png"}})

	if err := store.DeleteJob(ctx, "sub-1"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	artifacts, _ := store.ListArtifacts(ctx, "sub-1")
	if len(artifacts) != 0 {
		t.Errorf("artifacts survived delete: %+v", artifacts)
	}
}

func TestStore_ForeignKeysOnEveryConnection(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	// Hold several connections at once so the pool has to open new ones.
	for i := 0; i < 4; i++ {
		conn, err := store.db.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn() error = %v", err)
		}
		defer conn.Close()

		var enabled int
		if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
			t.Fatalf("PRAGMA foreign_keys error = %v", err)
		}
		if enabled != 1 {
			t.Errorf("connection %d has foreign_keys = %d, want 1", i, enabled)
		}
	}
}

func TestStore_DeleteJobCascadesAcrossConnections(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	busy, err := store.db.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	defer busy.Close()

	store.StartJob(ctx, sampleJob("sub-1", time.Now()))
	store.FinishJob(ctx, "sub-1", Outcome{State: "SUCCEEDED", URLs: []string{"https://cdn.example/a.png"}})
	if err := store.DeleteJob(ctx, "sub-1"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary.Artifacts != 0 {
		t.Errorf("Summary().Artifacts = %d after delete, want 0", summary.Artifacts)
	}
}

func TestStore_Summary(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	store.StartJob(ctx, sampleJob("ok", time.Now()))
	store.FinishJob(ctx, "ok", Outcome{State: "SUCCEEDED", URLs: []string{"a", "b"}})
	store.StartJob(ctx, sampleJob("bad", time.Now()))
	store.FinishJob(ctx, "bad", Outcome{State: "FAILED"})
	store.StartJob(ctx, sampleJob("slow", time.Now()))
	store.FinishJob(ctx, "slow", Outcome{State: "TIMED_OUT"})
	store.StartJob(ctx, sampleJob("running", time.Now()))

	sum, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	want := Summary{Total: 4, Succeeded: 1, Failed: 1, TimedOut: 1, Pending: 1, Artifacts: 2}
	if *sum != want {
		t.Errorf("Summary() = %+v, want %+v", *sum, want)
	}
}

func TestJobMetadata_RoundTrip(t *testing.T) {
	m := JobMetadata{NegativePrompt: "blurry", SourceImages: 2, MultiImage: true}
	got := ParseJobMetadata(m.ToJSON())
	if got != m {
		t.Errorf("ParseJobMetadata(ToJSON()) = %+v, want %+v", got, m)
	}
	if empty := ParseJobMetadata(""); empty != (JobMetadata{}) {
		t.Errorf("ParseJobMetadata(\"\") = %+v", empty)
	}
}
