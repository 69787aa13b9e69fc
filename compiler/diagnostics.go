package compiler

import (
	"fmt"
	"strings"

	"github.com/petal-labs/chatflow/core"
)

// Diagnostic is one validation finding. Validation is advisory: it never
// blocks compilation, since the engine degrades gracefully on malformed
// graphs.
type Diagnostic struct {
	Code     string `json:"code"`     // e.g. "FL-001"
	Severity string `json:"severity"` // "error" or "warning"
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"` // e.g. "nodes[2]", "edges[0]"
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors reports whether any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors filters the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings filters the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Validate lints a flow before it is run:
//
//   - FL-001: duplicate node IDs
//   - FL-002: edge source/target reference existing nodes
//   - FL-003: unclassifiable nodes (warning)
//   - FL-004: condition nodes missing a true or false branch (warning)
//   - FL-005: no start node
//   - FL-006: waiting nodes without a variable name (warning)
func Validate(nodes []EditorNode, edges []EditorEdge) []Diagnostic {
	var diags []Diagnostic

	ids := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if ids[n.ID] {
			diags = append(diags, Diagnostic{
				Code:     "FL-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node ID %q", n.ID),
				Path:     fmt.Sprintf("nodes[%d]", i),
			})
		}
		ids[n.ID] = true
	}

	for i, e := range edges {
		if !ids[e.Source] {
			diags = append(diags, Diagnostic{
				Code:     "FL-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge source %q does not exist", e.Source),
				Path:     fmt.Sprintf("edges[%d]", i),
			})
		}
		if !ids[e.Target] {
			diags = append(diags, Diagnostic{
				Code:     "FL-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge target %q does not exist", e.Target),
				Path:     fmt.Sprintf("edges[%d]", i),
			})
		}
	}

	g := Compile(nodes, edges)

	for i, n := range nodes {
		rt := g.Nodes[n.ID]
		switch rt.Kind {
		case core.NodeKindUnknown:
			diags = append(diags, Diagnostic{
				Code:     "FL-003",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q has unrecognized label %q and will be skipped at runtime", n.ID, rt.Data.Label),
				Path:     fmt.Sprintf("nodes[%d]", i),
			})
		case core.NodeKindCondition:
			if !hasBranch(g.Next[n.ID], truthyBranches) || !hasBranch(g.Next[n.ID], falsyBranches) {
				diags = append(diags, Diagnostic{
					Code:     "FL-004",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("condition node %q is missing a true or false branch; the unmatched case dead-ends", n.ID),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		case core.NodeKindAsk, core.NodeKindButtons, core.NodeKindList:
			if rt.Data.VariableName == "" {
				diags = append(diags, Diagnostic{
					Code:     "FL-006",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("node %q captures input without a variable name; the answer is stored under %q", n.ID, "answer"),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		}
	}

	if len(nodes) > 0 && len(g.Starts) == 0 {
		diags = append(diags, Diagnostic{
			Code:     "FL-005",
			Severity: SeverityError,
			Message:  "flow has no start node: every node has incoming edges and none is a trigger",
		})
	}

	return diags
}

var (
	truthyBranches = map[string]bool{"true": true, "yes": true, "1": true}
	falsyBranches  = map[string]bool{"false": true, "no": true, "0": true, "else": true, "default": true}
)

// hasBranch matches branch tags case-insensitively, the same way the
// engine resolves them at runtime.
func hasBranch(edges []OutEdge, set map[string]bool) bool {
	for _, e := range edges {
		if set[strings.ToLower(e.Branch)] || set[strings.ToLower(e.Label)] {
			return true
		}
	}
	return false
}
