package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SpecValidator checks an artifact against the task's output spec without
// calling out to an external judge: output format (JSON parses when the spec
// asks for JSON, otherwise non-empty content) and content presence. It is the
// non-mock default validation strategy.
type SpecValidator struct{}

// NewSpecValidator creates a SpecValidator.
func NewSpecValidator() *SpecValidator {
	return &SpecValidator{}
}

// Validate runs the format and presence checks and reports each one.
func (v *SpecValidator) Validate(ctx context.Context, req ValidationRequest) (ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return ValidationResult{}, err
	}

	type check struct {
		label  string
		passed bool
	}
	var checks []check

	format := ""
	if req.Output != nil {
		format = strings.ToUpper(strings.TrimSpace(req.Output.Format))
	}

	if strings.Contains(format, "JSON") {
		checks = append(checks, check{"output format (JSON)", jsonSerializable(req.Artifact)})
	} else {
		checks = append(checks, check{"output format", nonEmptyContent(req.Artifact)})
	}

	checks = append(checks, check{"content completeness", len(req.Artifact) > 0})

	passed := true
	reasons := make([]string, 0, len(checks))
	for _, c := range checks {
		verdict := "PASS"
		if !c.passed {
			verdict = "FAIL"
			passed = false
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", c.label, verdict))
	}

	return ValidationResult{Passed: passed, Reasons: reasons}, nil
}

func jsonSerializable(artifact map[string]any) bool {
	if artifact == nil {
		return false
	}
	// A content field holding a string must itself parse as JSON when the
	// spec demands JSON output.
	if raw, ok := artifact["content"].(string); ok {
		return json.Valid([]byte(raw))
	}
	_, err := json.Marshal(artifact)
	return err == nil
}

func nonEmptyContent(artifact map[string]any) bool {
	if len(artifact) == 0 {
		return false
	}
	if content, ok := artifact["content"]; ok {
		if s, isStr := content.(string); isStr {
			return strings.TrimSpace(s) != ""
		}
		return content != nil
	}
	return true
}
