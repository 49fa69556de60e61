// Package plan models the decomposition tree: the hierarchical breakdown of a
// user idea into tasks, some atomic (executable), some structural. Nodes are
// keyed by underscore-separated ids ("1", "1_2", "1_2_3") that encode
// parent-child nesting.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// RootID is the virtual parent of all top-level nodes.
const RootID = "0"

// Node is a single decomposition-tree node. Dependencies are declared only
// against siblings within the same parent. Input/Output/Validation specs are
// present only on atomic nodes.
type Node struct {
	ID           string          `json:"task_id"`
	Description  string          `json:"description,omitempty"`
	Atomic       bool            `json:"atomic"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Input        *InputSpec      `json:"input,omitempty"`
	Output       *OutputSpec     `json:"output,omitempty"`
	Validation   *ValidationSpec `json:"validation,omitempty"`
}

// InputSpec declares what a task consumes. Requires lists the artifact names
// of dependency outputs the execution call expects to receive resolved.
type InputSpec struct {
	Description string   `json:"description,omitempty"`
	Requires    []string `json:"requires,omitempty"`
}

// OutputSpec declares what a task produces. Artifact names the key under
// which the result is exposed to dependents.
type OutputSpec struct {
	Description string `json:"description,omitempty"`
	Format      string `json:"format,omitempty"`
	Artifact    string `json:"artifact"`
}

// ValidationSpec declares the acceptance criteria for a task's output.
type ValidationSpec struct {
	Criteria []string `json:"criteria,omitempty"`
}

// Tree is a finalized decomposition tree: a flat node list plus an id index.
type Tree struct {
	PlanID string
	Nodes  []*Node
	byID   map[string]*Node
}

// NewTree builds a Tree from a flat node list. Returns an error on empty or
// duplicate ids.
func NewTree(planID string, nodes []*Node) (*Tree, error) {
	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("tree node with empty id")
		}
		if _, exists := byID[n.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}
	return &Tree{PlanID: planID, Nodes: nodes, byID: byID}, nil
}

// Get returns the node with the given id.
func (t *Tree) Get(id string) (*Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// Load reads a tree from a JSON file of the form {"tasks": [...]}.
func Load(planID, path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file %s: %w", path, err)
	}
	var doc struct {
		Tasks []*Node `json:"tasks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing plan file %s: %w", path, err)
	}
	return NewTree(planID, doc.Tasks)
}

// NewPlanID generates a fresh plan identifier.
func NewPlanID() string {
	return uuid.NewString()
}

var topLevelRe = regexp.MustCompile(`^[1-9]\d*$`)

// ParentID returns the parent of a hierarchical id: "1_2" -> "1", "1" -> "0".
func ParentID(id string) string {
	if i := strings.LastIndex(id, "_"); i >= 0 {
		return id[:i]
	}
	return RootID
}

// InSubtree reports whether id is a strict descendant of parentID.
func InSubtree(id, parentID string) bool {
	if id == "" || parentID == "" {
		return false
	}
	if parentID == RootID {
		return topLevelRe.MatchString(id)
	}
	return strings.HasPrefix(id, parentID+"_")
}

// CompareIDs orders hierarchical ids naturally: "1" < "1_2" < "1_10" < "2".
func CompareIDs(a, b string) int {
	as := strings.Split(a, "_")
	bs := strings.Split(b, "_")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}

var idRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateID rejects ids that could escape the per-plan storage directory.
// Used for both plan ids and task ids before they touch the filesystem.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must be non-empty")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("id %q must not contain path separators", id)
	}
	if !idRe.MatchString(id) {
		return fmt.Errorf("id %q must contain only letters, digits, underscore, and dash", id)
	}
	return nil
}
