// Package loader reads flow files in JSON or YAML form and turns them
// into editor nodes and edges ready for compilation. YAML goes through
// the canonical strategy: YAML -> map[string]any -> JSON bytes -> typed
// structs, so both formats share one parsing path.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/chatflow/compiler"
)

// FlowFile is the on-disk form of one flow.
type FlowFile struct {
	Meta        FlowMeta              `json:"meta,omitempty"`
	StartNodeID string                `json:"startNodeId,omitempty"`
	Nodes       []compiler.EditorNode `json:"nodes"`
	Edges       []compiler.EditorEdge `json:"edges"`
}

// FlowMeta is optional descriptive information about a flow. Schedule,
// when set, is a 5-field UTC cron expression that triggers runs of the
// flow on a serving host.
type FlowMeta struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
}

// Load reads and validates a flow file. Validation errors are returned
// as a *DiagnosticError; warnings do not block loading.
func Load(path string) (*FlowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes parses flow content. The path is used only to pick the
// parse format from the extension.
func LoadBytes(data []byte, path string) (*FlowFile, error) {
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	var f FlowFile
	if err := json.Unmarshal(jsonData, &f); err != nil {
		return nil, fmt.Errorf("parsing flow: %w", err)
	}

	diags := compiler.Validate(f.Nodes, f.Edges)
	if compiler.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}

	return &f, nil
}

// toJSON converts data to JSON bytes, handling YAML conversion if the
// path indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON converts raw bytes from YAML format to JSON bytes.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 uses map[string]any by default, which is JSON-compatible
	return json.Marshal(raw)
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []compiler.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := compiler.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
