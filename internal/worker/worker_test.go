package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/planweave/planweave/internal/plan"
)

func TestMockExecutorAlwaysPasses(t *testing.T) {
	exec := NewMockExecutor(1.0, 42)

	for i := 0; i < 20; i++ {
		res, err := exec.Execute(context.Background(), ExecRequest{TaskID: "1", Description: "d"})
		if err != nil {
			t.Fatalf("Execute() error = %v on attempt %d", err, i)
		}
		if res.Artifact["content"] == nil {
			t.Fatal("Execute() returned empty artifact")
		}
	}
}

func TestMockExecutorAlwaysFails(t *testing.T) {
	exec := NewMockExecutor(0.0, 42)

	for i := 0; i < 20; i++ {
		if _, err := exec.Execute(context.Background(), ExecRequest{TaskID: "1"}); err == nil {
			t.Fatalf("Execute() succeeded on attempt %d with pass probability 0", i)
		}
	}
}

func TestMockValidatorVerdicts(t *testing.T) {
	pass := NewMockValidator(1.0, 7)
	res, err := pass.Validate(context.Background(), ValidationRequest{TaskID: "1"})
	if err != nil || !res.Passed {
		t.Fatalf("Validate() = %+v, %v; want pass", res, err)
	}

	fail := NewMockValidator(0.0, 7)
	res, err = fail.Validate(context.Background(), ValidationRequest{TaskID: "1"})
	if err != nil || res.Passed {
		t.Fatalf("Validate() = %+v, %v; want rejection", res, err)
	}
	if len(res.Reasons) == 0 || !strings.Contains(res.Reasons[0], "FAIL") {
		t.Errorf("rejection reasons = %v, want FAIL verdict", res.Reasons)
	}
}

func TestSpecValidator(t *testing.T) {
	tests := []struct {
		name     string
		artifact map[string]any
		output   *plan.OutputSpec
		want     bool
	}{
		{
			name:     "non-empty content passes",
			artifact: map[string]any{"content": "hello"},
			output:   &plan.OutputSpec{Format: "markdown"},
			want:     true,
		},
		{
			name:     "blank content fails",
			artifact: map[string]any{"content": "   "},
			output:   &plan.OutputSpec{Format: "markdown"},
			want:     false,
		},
		{
			name:     "empty artifact fails",
			artifact: map[string]any{},
			output:   nil,
			want:     false,
		},
		{
			name:     "valid JSON string passes",
			artifact: map[string]any{"content": `{"a": 1}`},
			output:   &plan.OutputSpec{Format: "JSON"},
			want:     true,
		},
		{
			name:     "invalid JSON string fails",
			artifact: map[string]any{"content": "not json"},
			output:   &plan.OutputSpec{Format: "json"},
			want:     false,
		},
		{
			name:     "structured artifact passes JSON check",
			artifact: map[string]any{"rows": []any{1.0, 2.0}},
			output:   &plan.OutputSpec{Format: "JSON"},
			want:     true,
		},
	}

	v := NewSpecValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(), ValidationRequest{
				TaskID:   "1",
				Artifact: tt.artifact,
				Output:   tt.output,
			})
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if res.Passed != tt.want {
				t.Errorf("Passed = %v, want %v (reasons: %v)", res.Passed, tt.want, res.Reasons)
			}
		})
	}
}

type flakyExecutor struct {
	calls    int32
	failures int32
}

func (f *flakyExecutor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return ExecResult{}, errors.New("transient failure")
	}
	return ExecResult{Artifact: map[string]any{"content": "ok"}}, nil
}

func TestResilientExecutorRetriesTransientFailures(t *testing.T) {
	inner := &flakyExecutor{failures: 2}
	retry := RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
	exec := NewResilientExecutor(inner, NewBreakerRegistry().Get("test"), retry)

	res, err := exec.Execute(context.Background(), ExecRequest{TaskID: "1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Artifact["content"] != "ok" {
		t.Errorf("artifact = %v", res.Artifact)
	}
	if got := atomic.LoadInt32(&inner.calls); got != 3 {
		t.Errorf("inner called %d times, want 3", got)
	}
}

func TestResilientExecutorStopsOnCancel(t *testing.T) {
	inner := &flakyExecutor{failures: 1 << 30}
	retry := DefaultRetryConfig()
	retry.InitialInterval = time.Millisecond
	exec := NewResilientExecutor(inner, NewBreakerRegistry().Get("cancel-test"), retry)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := exec.Execute(ctx, ExecRequest{TaskID: "1"}); err == nil {
		t.Fatal("Execute() succeeded under a cancelled context and failing inner call")
	}
}
