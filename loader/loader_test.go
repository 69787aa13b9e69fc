package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const jsonFlow = `{
  "meta": {"name": "greeting"},
  "startNodeId": "m1",
  "nodes": [
    {"id": "m1", "data": {"label": "Send a Message", "content": "Hello {{name}}"}}
  ],
  "edges": []
}`

const yamlFlow = `
meta:
  name: greeting
startNodeId: m1
nodes:
  - id: m1
    data:
      label: Send a Message
      content: Hello {{name}}
edges: []
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_JSONAndYAMLParity(t *testing.T) {
	jf, err := Load(writeFile(t, "flow.json", jsonFlow))
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	yf, err := Load(writeFile(t, "flow.yaml", yamlFlow))
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}

	if jf.Meta.Name != "greeting" || yf.Meta.Name != jf.Meta.Name {
		t.Errorf("meta mismatch: %+v vs %+v", jf.Meta, yf.Meta)
	}
	if jf.StartNodeID != "m1" || yf.StartNodeID != "m1" {
		t.Errorf("startNodeId mismatch")
	}
	if len(jf.Nodes) != 1 || len(yf.Nodes) != 1 {
		t.Fatalf("nodes mismatch: %d vs %d", len(jf.Nodes), len(yf.Nodes))
	}
	jc, _ := jf.Nodes[0].Data["content"].(string)
	yc, _ := yf.Nodes[0].Data["content"].(string)
	if jc != yc || jc != "Hello {{name}}" {
		t.Errorf("content mismatch: %q vs %q", jc, yc)
	}
}

func TestLoad_ValidationErrorsSurface(t *testing.T) {
	const bad = `{
	  "nodes": [{"id": "a", "data": {"label": "Send a Message"}}],
	  "edges": [{"source": "a", "target": "ghost"}]
	}`

	_, err := Load(writeFile(t, "bad.json", bad))
	var derr *DiagnosticError
	if !errors.As(err, &derr) {
		t.Fatalf("err = %v, want DiagnosticError", err)
	}
	if len(derr.Diagnostics) == 0 {
		t.Fatal("no diagnostics attached")
	}
}

func TestLoad_MalformedContent(t *testing.T) {
	if _, err := Load(writeFile(t, "broken.json", "{not json")); err == nil {
		t.Fatal("want parse error")
	}
	if _, err := Load(writeFile(t, "broken.yaml", ":\n\t-")); err == nil {
		t.Fatal("want parse error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("want read error")
	}
}
