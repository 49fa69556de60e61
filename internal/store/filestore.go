package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/planweave/planweave/internal/plan"
)

const (
	graphFile     = "graph.json"
	executionFile = "execution.json"
	artifactFile  = "output.json"
)

// FileStore is the file-backed JSON store. Layout:
//
//	<root>/<plan_id>/graph.json
//	<root>/<plan_id>/execution.json
//	<root>/<plan_id>/<task_id>/output.json
//
// All writes go through a tmp file and rename so concurrent readers never
// observe a partial file.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store root %s: %w", dir, err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) planDir(planID string) (string, error) {
	if err := plan.ValidateID(planID); err != nil {
		return "", fmt.Errorf("invalid plan id: %w", err)
	}
	return filepath.Join(s.root, planID), nil
}

func (s *FileStore) taskDir(planID, taskID string) (string, error) {
	dir, err := s.planDir(planID)
	if err != nil {
		return "", err
	}
	if err := plan.ValidateID(taskID); err != nil {
		return "", fmt.Errorf("invalid task id: %w", err)
	}
	return filepath.Join(dir, taskID), nil
}

// writeJSON atomically writes v as indented JSON to dir/name.
func writeJSON(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func readJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Join(dir, name), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Join(dir, name), err)
	}
	return nil
}

// SaveGraph persists an execution graph.
func (s *FileStore) SaveGraph(ctx context.Context, planID string, g *GraphRecord) error {
	dir, err := s.planDir(planID)
	if err != nil {
		return err
	}
	return writeJSON(dir, graphFile, g)
}

// GetGraph loads a persisted execution graph.
func (s *FileStore) GetGraph(ctx context.Context, planID string) (*GraphRecord, error) {
	dir, err := s.planDir(planID)
	if err != nil {
		return nil, err
	}
	var g GraphRecord
	if err := readJSON(dir, graphFile, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveExecution persists a chain-cache snapshot.
func (s *FileStore) SaveExecution(ctx context.Context, planID string, exec *ExecutionRecord) error {
	dir, err := s.planDir(planID)
	if err != nil {
		return err
	}
	return writeJSON(dir, executionFile, exec)
}

// GetExecution loads the last persisted chain-cache snapshot.
func (s *FileStore) GetExecution(ctx context.Context, planID string) (*ExecutionRecord, error) {
	dir, err := s.planDir(planID)
	if err != nil {
		return nil, err
	}
	var exec ExecutionRecord
	if err := readJSON(dir, executionFile, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// SaveArtifact persists a task's output artifact.
func (s *FileStore) SaveArtifact(ctx context.Context, planID, taskID string, artifact map[string]any) error {
	dir, err := s.taskDir(planID, taskID)
	if err != nil {
		return err
	}
	return writeJSON(dir, artifactFile, artifact)
}

// GetArtifact loads a task's output artifact. Returns ErrNotFound when the
// task has not produced one.
func (s *FileStore) GetArtifact(ctx context.Context, planID, taskID string) (map[string]any, error) {
	dir, err := s.taskDir(planID, taskID)
	if err != nil {
		return nil, err
	}
	var artifact map[string]any
	if err := readJSON(dir, artifactFile, &artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// DeleteArtifact removes a task's artifact. Missing artifacts are not errors;
// rollback deletes blindly.
func (s *FileStore) DeleteArtifact(ctx context.Context, planID, taskID string) error {
	dir, err := s.taskDir(planID, taskID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, artifactFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing artifact for task %s: %w", taskID, err)
	}
	return nil
}

// DeletePlan removes a plan's entire directory.
func (s *FileStore) DeletePlan(ctx context.Context, planID string) error {
	dir, err := s.planDir(planID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing plan %s: %w", planID, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
