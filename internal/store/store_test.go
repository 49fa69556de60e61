package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/planweave/planweave/internal/plan"
)

// storeUnderTest runs the shared Store contract tests against any
// implementation.
func storeUnderTest(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("graph roundtrip", func(t *testing.T) {
		g := &GraphRecord{
			PlanID: "p1",
			Tasks: []GraphTaskRecord{
				{TaskID: "1", Dependencies: []string{}, Stage: 0, Output: &plan.OutputSpec{Artifact: "a"}},
				{TaskID: "2", Dependencies: []string{"1"}, Stage: 1, Output: &plan.OutputSpec{Artifact: "b"}},
			},
		}
		if err := s.SaveGraph(ctx, "p1", g); err != nil {
			t.Fatalf("SaveGraph() error = %v", err)
		}
		got, err := s.GetGraph(ctx, "p1")
		if err != nil {
			t.Fatalf("GetGraph() error = %v", err)
		}
		if len(got.Tasks) != 2 || got.Tasks[1].Dependencies[0] != "1" {
			t.Errorf("GetGraph() = %+v", got)
		}
	})

	t.Run("missing graph", func(t *testing.T) {
		if _, err := s.GetGraph(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetGraph(nope) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("execution roundtrip", func(t *testing.T) {
		exec := &ExecutionRecord{Tasks: []TaskRecord{
			{TaskID: "1", Dependencies: []string{}, Status: "done", Stage: 0},
			{TaskID: "2", Dependencies: []string{"1"}, Status: "undone", FailureCount: 2, Stage: 1},
		}}
		if err := s.SaveExecution(ctx, "p1", exec); err != nil {
			t.Fatalf("SaveExecution() error = %v", err)
		}
		got, err := s.GetExecution(ctx, "p1")
		if err != nil {
			t.Fatalf("GetExecution() error = %v", err)
		}
		if len(got.Tasks) != 2 {
			t.Fatalf("got %d tasks, want 2", len(got.Tasks))
		}
		if got.Tasks[1].FailureCount != 2 || got.Tasks[1].Status != "undone" {
			t.Errorf("task 2 record = %+v", got.Tasks[1])
		}

		// Overwrite with a smaller snapshot; stale rows must not survive.
		if err := s.SaveExecution(ctx, "p1", &ExecutionRecord{Tasks: exec.Tasks[:1]}); err != nil {
			t.Fatalf("SaveExecution() error = %v", err)
		}
		got, err = s.GetExecution(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Tasks) != 1 {
			t.Errorf("got %d tasks after overwrite, want 1", len(got.Tasks))
		}
	})

	t.Run("artifact lifecycle", func(t *testing.T) {
		if _, err := s.GetArtifact(ctx, "p1", "1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetArtifact before save: error = %v, want ErrNotFound", err)
		}

		artifact := map[string]any{"content": "result", "score": 0.9}
		if err := s.SaveArtifact(ctx, "p1", "1", artifact); err != nil {
			t.Fatalf("SaveArtifact() error = %v", err)
		}
		got, err := s.GetArtifact(ctx, "p1", "1")
		if err != nil {
			t.Fatalf("GetArtifact() error = %v", err)
		}
		if got["content"] != "result" {
			t.Errorf("artifact = %v", got)
		}

		if err := s.DeleteArtifact(ctx, "p1", "1"); err != nil {
			t.Fatalf("DeleteArtifact() error = %v", err)
		}
		if _, err := s.GetArtifact(ctx, "p1", "1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetArtifact after delete: error = %v, want ErrNotFound", err)
		}
		// Deleting again is a no-op.
		if err := s.DeleteArtifact(ctx, "p1", "1"); err != nil {
			t.Errorf("second DeleteArtifact() error = %v", err)
		}
	})

	t.Run("delete plan", func(t *testing.T) {
		if err := s.SaveArtifact(ctx, "p2", "1", map[string]any{"x": 1.0}); err != nil {
			t.Fatal(err)
		}
		if err := s.DeletePlan(ctx, "p2"); err != nil {
			t.Fatalf("DeletePlan() error = %v", err)
		}
		if _, err := s.GetArtifact(ctx, "p2", "1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("artifact survived DeletePlan: error = %v", err)
		}
	})
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	storeUnderTest(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	storeUnderTest(t, s)
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	bad := []string{"..", "a/b", `a\b`, ""}
	for _, id := range bad {
		if err := s.SaveArtifact(ctx, id, "1", map[string]any{}); err == nil {
			t.Errorf("SaveArtifact accepted plan id %q", id)
		}
		if err := s.SaveArtifact(ctx, "p1", id, map[string]any{}); err == nil {
			t.Errorf("SaveArtifact accepted task id %q", id)
		}
	}
}

func TestFileStoreAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SaveArtifact(context.Background(), "p1", "1", map[string]any{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "p1", "1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}
