// Package compiler turns editor-authored nodes and edges into the
// compiled graph the engine interprets.
//
// Compilation does three things: classify each node into a behavioral
// kind, build the outgoing-edge adjacency, and normalize every authoring
// data shape (legacy content strings, the parts array, nested list
// sections, condition groups) into core.NodeData exactly once. The
// interpreter never sees a raw editor record.
package compiler

import (
	"strings"

	"github.com/petal-labs/chatflow/core"
)

// EditorNode is a node as authored on the canvas. Data is the untyped
// per-node configuration blob.
type EditorNode struct {
	ID   string         `json:"id"`
	Type string         `json:"type,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// EditorEdge is a directed connection as authored on the canvas.
// SourceHandle names the output slot on multi-exit nodes; older exports
// carry the same tag as "branch" in the edge data blob instead.
type EditorEdge struct {
	ID           string         `json:"id,omitempty"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	Label        string         `json:"label,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// RuntimeNode is one compiled node: its kind drives interpreter dispatch,
// its Data is fully normalized.
type RuntimeNode struct {
	ID   string
	Kind core.NodeKind
	Data core.NodeData
}

// OutEdge is the compiled, directed form of an edge, grouped by source.
type OutEdge struct {
	To     string
	Branch string
	Label  string
}

// Graph is the compiled form of one flow. Starts holds every node with
// zero incoming edges or flagged as a trigger, deduplicated, in node
// array order. Dangling edges are kept in Next; the engine skips targets
// it cannot resolve.
type Graph struct {
	Nodes  map[string]RuntimeNode
	Next   map[string][]OutEdge
	Starts []string
}

// Compile builds a Graph from editor nodes and edges. It is pure and
// never fails: malformed input compiles to a graph the engine degrades
// on gracefully.
func Compile(nodes []EditorNode, edges []EditorEdge) *Graph {
	g := &Graph{
		Nodes: make(map[string]RuntimeNode, len(nodes)),
		Next:  make(map[string][]OutEdge),
	}

	for _, n := range nodes {
		g.Nodes[n.ID] = RuntimeNode{
			ID:   n.ID,
			Kind: classify(n),
			Data: normalize(n.Data),
		}
	}

	indegree := make(map[string]int)
	for _, e := range edges {
		branch := e.SourceHandle
		if branch == "" {
			branch = getString(e.Data, "branch")
		}
		g.Next[e.Source] = append(g.Next[e.Source], OutEdge{
			To:     e.Target,
			Branch: branch,
			Label:  e.Label,
		})
		indegree[e.Target]++
	}

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			continue
		}
		if indegree[n.ID] == 0 || g.Nodes[n.ID].Data.IsTrigger {
			g.Starts = append(g.Starts, n.ID)
			seen[n.ID] = true
		}
	}

	return g
}

// classify derives the behavioral kind from the node's type and label.
// Exact label matches take priority over substring matches; trigger
// nodes execute as messages since they have no behavior of their own.
func classify(n EditorNode) core.NodeKind {
	label := strings.ToLower(getString(n.Data, "label"))
	key := strings.ToLower(n.Type) + " " + label

	switch label {
	case "buttons":
		return core.NodeKindButtons
	case "list":
		return core.NodeKindList
	case "send a message":
		return core.NodeKindMessage
	case "question":
		return core.NodeKindAsk
	}
	switch {
	case strings.Contains(label, "condition"):
		return core.NodeKindCondition
	case strings.Contains(label, "delay"):
		return core.NodeKindDelay
	case strings.Contains(label, "webhook"):
		return core.NodeKindAPI
	case strings.Contains(key, "get started"), strings.Contains(key, "keyword"):
		return core.NodeKindMessage
	}
	return core.NodeKindUnknown
}

// normalize migrates an authoring data blob into core.NodeData. Both the
// legacy content string and the parts array resolve to one canonical
// part slice.
func normalize(data map[string]any) core.NodeData {
	d := core.NodeData{
		Label:        getString(data, "label"),
		VariableName: getString(data, "variableName"),
		IsTrigger:    getString(data, "type") == "triggers",
	}

	d.Parts = parseParts(data)
	d.QuickReplies = parseQuickReplies(getSlice(data, "quickReplies"))
	d.Sections = parseSections(data)
	d.Condition = parseCondition(data)
	d.Delay = parseDelay(data)
	d.API = parseAPI(data)

	return d
}

func parseParts(data map[string]any) []core.ContentPart {
	raw := getSlice(data, "parts")
	if len(raw) == 0 {
		if content := getString(data, "content"); content != "" {
			return []core.ContentPart{{ID: "text-part", Type: core.PartText, Content: content}}
		}
		return nil
	}
	parts := make([]core.ContentPart, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		parts = append(parts, core.ContentPart{
			ID:      getString(m, "id"),
			Type:    core.ContentPartType(getString(m, "type")),
			Content: getString(m, "content"),
			URL:     getString(m, "url"),
			Name:    getString(m, "name"),
		})
	}
	return parts
}

func parseQuickReplies(raw []any) []core.QuickReply {
	if len(raw) == 0 {
		return nil
	}
	replies := make([]core.QuickReply, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		replies = append(replies, core.QuickReply{
			ID:    getString(m, "id"),
			Label: getString(m, "label"),
		})
	}
	return replies
}

func parseSections(data map[string]any) []core.ListSection {
	list := getMap(data, "list")
	raw := getSlice(list, "sections")
	if len(raw) == 0 {
		return nil
	}
	sections := make([]core.ListSection, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		sec := core.ListSection{Title: getString(m, "title")}
		for _, it := range getSlice(m, "items") {
			im, ok := it.(map[string]any)
			if !ok {
				continue
			}
			sec.Items = append(sec.Items, core.ListItem{
				ID:          getString(im, "id"),
				Title:       getString(im, "title"),
				Description: getString(im, "description"),
			})
		}
		sections = append(sections, sec)
	}
	return sections
}

// parseCondition reads the first condition of the first group. Multi-group
// boolean composition is an authoring-side construct the runtime does not
// evaluate yet.
func parseCondition(data map[string]any) *core.Condition {
	groups := getSlice(data, "groups")
	if len(groups) == 0 {
		return nil
	}
	g, ok := groups[0].(map[string]any)
	if !ok {
		return nil
	}
	conds := getSlice(g, "conditions")
	if len(conds) == 0 {
		return nil
	}
	c, ok := conds[0].(map[string]any)
	if !ok {
		return nil
	}
	op := getString(c, "operator")
	if op == "" {
		op = string(core.OpEquals)
	}
	return &core.Condition{
		Variable: getString(c, "variable"),
		Operator: core.ConditionOp(op),
		Value:    getString(c, "value"),
	}
}

// parseDelay accepts three authoring shapes: a {value, unit} map, a bare
// number of milliseconds under "delay", or the legacy "waitMs" field.
func parseDelay(data map[string]any) *core.DelaySpec {
	switch v := data["delay"].(type) {
	case map[string]any:
		return &core.DelaySpec{
			Value: getFloat(v, "value"),
			Unit:  getString(v, "unit"),
		}
	case float64:
		return &core.DelaySpec{Millis: int64(v)}
	case int:
		return &core.DelaySpec{Millis: int64(v)}
	}
	if ms, ok := toFloat(data["waitMs"]); ok {
		return &core.DelaySpec{Millis: int64(ms)}
	}
	return nil
}

func parseAPI(data map[string]any) *core.APIConfig {
	url := getString(data, "url")
	if url == "" && getString(data, "method") == "" {
		return nil
	}
	method := getString(data, "method")
	if method == "" {
		method = "GET"
	}
	cfg := &core.APIConfig{
		URL:      url,
		Method:   method,
		Body:     getString(data, "body"),
		AssignTo: getString(data, "assignTo"),
	}
	for _, item := range getSlice(data, "headers") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cfg.Headers = append(cfg.Headers, core.HeaderKV{
			Key:   getString(m, "key"),
			Value: getString(m, "value"),
		})
	}
	return cfg
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func getFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	f, _ := toFloat(m[key])
	return f
}

func getSlice(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	s, _ := m[key].([]any)
	return s
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
